// Package container is a thin envelope over the local container engine:
// build, create, start, stop, remove, restart.
package container

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dropzone/dropzone/internal/apperr"
)

// Driver wraps a docker engine client with the operations the Deployer needs.
type Driver struct {
	cli *client.Client
}

// New connects to the local container engine using the ambient environment
// (DOCKER_HOST, TLS certs, API version negotiation).
func New() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, apperr.Driver("connecting to container engine", err)
	}
	return &Driver{cli: cli}, nil
}

// CreateOptions carries the container name and optional platform string.
type CreateOptions struct {
	Name     string
	Platform string
}

// CreateBody carries the image tag, labels, and host configuration.
type CreateBody struct {
	Image      string
	Labels     map[string]string
	HostConfig container.HostConfig
}

// BuildImage streams the directory tree rooted at tasks/<taskName> as a tar
// archive to the engine and consumes the build progress stream. Any
// non-empty error field in a progress event fails the build.
func (d *Driver) BuildImage(ctx context.Context, taskName, tag string) error {
	archive, err := tarDirectory(filepath.Join("tasks", taskName))
	if err != nil {
		return apperr.Driver("archiving task directory", err)
	}

	resp, err := d.cli.ImageBuild(ctx, archive, types.ImageBuildOptions{
		Dockerfile: "Dockerfile",
		Tags:       []string{tag},
		Remove:     true,
	})
	if err != nil {
		return apperr.Driver("starting image build", err)
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var event struct {
			Error string `json:"error"`
		}
		if err := dec.Decode(&event); err != nil {
			if err == io.EOF {
				break
			}
			return apperr.Driver("reading build stream", err)
		}
		if event.Error != "" {
			return apperr.Driver("build failed", fmt.Errorf("%s", event.Error))
		}
	}
	return nil
}

// CreateContainer creates a container from the given options and body,
// returning its engine-assigned identifier.
func (d *Driver) CreateContainer(ctx context.Context, opts CreateOptions, body CreateBody) (string, error) {
	cfg := &container.Config{
		Image:  body.Image,
		Labels: body.Labels,
	}

	hostConfig := body.HostConfig

	var platform *ocispec.Platform
	if opts.Platform != "" {
		platform = &ocispec.Platform{Architecture: opts.Platform}
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, &hostConfig, &network.NetworkingConfig{}, platform, opts.Name)
	if err != nil {
		return "", apperr.Driver("creating container", err)
	}
	return resp.ID, nil
}

// StartContainer starts a previously created container.
func (d *Driver) StartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return apperr.Driver("starting container", err)
	}
	return nil
}

// StopContainer performs a best-effort stop; errors are swallowed because
// the intent is idempotent shutdown toward a terminal state.
func (d *Driver) StopContainer(ctx context.Context, containerID string) {
	_ = d.cli.ContainerStop(ctx, containerID, container.StopOptions{})
}

// RemoveContainer performs a best-effort forced removal.
func (d *Driver) RemoveContainer(ctx context.Context, containerID string) {
	_ = d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// RestartContainer restarts a running container.
func (d *Driver) RestartContainer(ctx context.Context, containerID string) error {
	if err := d.cli.ContainerRestart(ctx, containerID, container.StopOptions{}); err != nil {
		return apperr.Driver("restarting container", err)
	}
	return nil
}

// Ping satisfies httpserver.Pinger for readiness checks.
func (d *Driver) Ping(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	if err != nil {
		return apperr.Driver("pinging container engine", err)
	}
	return nil
}

func tarDirectory(root string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
