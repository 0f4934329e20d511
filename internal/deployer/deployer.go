// Package deployer orchestrates build + routing + container for a single
// task deployment; persisting the resulting instance is left to the caller.
// Guarded by mutual exclusion: at most one deploy/stop/restart/extend runs
// at a time in the gateway process.
package deployer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/dropzone/dropzone/internal/apperr"
	"github.com/dropzone/dropzone/internal/config"
	"github.com/dropzone/dropzone/internal/container"
	"github.com/dropzone/dropzone/internal/model"
	"github.com/dropzone/dropzone/internal/notify"
	"github.com/dropzone/dropzone/internal/portalloc"
	"github.com/dropzone/dropzone/internal/telemetry"
)

// Deployer orchestrates the instance lifecycle for a single gateway process.
type Deployer struct {
	mu       sync.Mutex
	driver   *container.Driver
	ports    *portalloc.Allocator
	cfg      *config.Config
	notifier *notify.Notifier
}

// New creates a Deployer bound to the given container driver, port allocator,
// configuration, and optional ops notifier. notifier may be nil.
func New(driver *container.Driver, ports *portalloc.Allocator, cfg *config.Config, notifier *notify.Notifier) *Deployer {
	return &Deployer{driver: driver, ports: ports, cfg: cfg, notifier: notifier}
}

func (d *Deployer) taskConfig(taskName string) config.TaskConfig {
	if tc, ok := d.cfg.Tasks[taskName]; ok {
		return tc
	}
	return d.cfg.Tasks["_default"]
}

// Deploy builds and starts a new instance of the named task. On any step
// failure, resources acquired by earlier steps are released before the
// error is surfaced.
func (d *Deployer) Deploy(ctx context.Context, taskName string) (model.Draft, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	taskCfg := d.taskConfig(taskName)

	var reservedPort *int
	if d.cfg.Routing.Variant == config.RoutingPort {
		port, err := d.ports.Reserve(ctx, time.Duration(d.cfg.Ports.DefaultTTLSecs)*time.Second)
		if err != nil {
			telemetry.DeployOperationsTotal.WithLabelValues("deploy", taskName, "port_reserve_failed").Inc()
			d.notifyDeployFailure(ctx, taskName, err)
			return model.Draft{}, err
		}
		reservedPort = &port
	}

	release := func() {
		if reservedPort != nil {
			_ = d.ports.Release(ctx, *reservedPort)
		}
	}

	tag := fmt.Sprintf("ctf-%s-%s", taskName, uuid.New().String())
	if err := d.driver.BuildImage(ctx, taskName, tag); err != nil {
		release()
		telemetry.DeployOperationsTotal.WithLabelValues("deploy", taskName, "build_failed").Inc()
		d.notifyDeployFailure(ctx, taskName, err)
		return model.Draft{}, err
	}

	unique := uuidSimple()
	hostname := fmt.Sprintf("%s.%s", unique, d.cfg.Routing.TraefikDomain)

	containerID, err := d.createContainer(ctx, tag, unique, hostname, taskCfg, reservedPort)
	if err != nil {
		release()
		telemetry.DeployOperationsTotal.WithLabelValues("deploy", taskName, "create_failed").Inc()
		d.notifyDeployFailure(ctx, taskName, err)
		return model.Draft{}, err
	}

	if err := d.driver.StartContainer(ctx, containerID); err != nil {
		d.driver.RemoveContainer(ctx, containerID)
		release()
		telemetry.DeployOperationsTotal.WithLabelValues("deploy", taskName, "start_failed").Inc()
		d.notifyDeployFailure(ctx, taskName, err)
		return model.Draft{}, err
	}

	endpoint := d.computeEndpoint(taskCfg, hostname, reservedPort)
	expiresAt := time.Now().Add(time.Duration(d.cfg.Ports.DefaultTTLSecs) * time.Second)

	telemetry.DeployOperationsTotal.WithLabelValues("deploy", taskName, "success").Inc()

	return model.Draft{
		TaskName:  taskName,
		Container: containerID,
		ExpiresAt: expiresAt,
		Endpoint:  endpoint,
		Port:      reservedPort,
	}, nil
}

func (d *Deployer) createContainer(ctx context.Context, tag, unique, hostname string, taskCfg config.TaskConfig, reservedPort *int) (string, error) {
	hostConfig := d.policyHostConfig()

	switch d.cfg.Routing.Variant {
	case config.RoutingPort:
		hostConfig.NetworkMode = "bridge"
		containerPort := nat.Port(fmt.Sprintf("%d/tcp", taskCfg.ContainerPort))
		hostConfig.PortBindings = nat.PortMap{
			containerPort: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", *reservedPort)},
			},
		}
		return d.driver.CreateContainer(ctx, container.CreateOptions{Name: tag}, container.CreateBody{
			Image:      tag,
			HostConfig: hostConfig,
		})

	case config.RoutingTraefik:
		labels := map[string]string{"traefik.enable": "true"}
		if taskCfg.Protocol == "tcp" {
			labels[fmt.Sprintf("traefik.tcp.routers.%s.entryPoints", unique)] = d.cfg.Routing.TCPEntry
			labels[fmt.Sprintf("traefik.tcp.routers.%s.rule", unique)] = fmt.Sprintf("HostSNI(`%s`)", hostname)
			labels[fmt.Sprintf("traefik.tcp.services.%s.loadbalancer.server.port", unique)] = fmt.Sprintf("%d", taskCfg.ContainerPort)
		} else {
			labels[fmt.Sprintf("traefik.http.routers.%s.rule", unique)] = fmt.Sprintf("Host(`%s`)", hostname)
			labels[fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", unique)] = fmt.Sprintf("%d", taskCfg.ContainerPort)
		}
		hostConfig.NetworkMode = "ctf-net"
		return d.driver.CreateContainer(ctx, container.CreateOptions{Name: tag}, container.CreateBody{
			Image:      tag,
			Labels:     labels,
			HostConfig: hostConfig,
		})

	default:
		return "", apperr.New(apperr.KindConfig, fmt.Sprintf("unknown routing variant %q", d.cfg.Routing.Variant))
	}
}

func (d *Deployer) policyHostConfig() dockercontainer.HostConfig {
	c := d.cfg.Containers
	pidsLimit := c.PidsLimit
	hc := dockercontainer.HostConfig{
		Resources: dockercontainer.Resources{
			Memory:     c.MemoryLimit,
			MemorySwap: c.SwapLimit,
			CPUPeriod:  100000,
			CPUQuota:   int64(c.CPUQuota * 100000),
			PidsLimit:  &pidsLimit,
		},
		ReadonlyRootfs: c.ReadOnlyRootfs,
	}

	if c.DropAllCapabilities {
		hc.CapDrop = []string{"ALL"}
	}
	if len(c.AddCapabilities) > 0 {
		hc.CapAdd = c.AddCapabilities
	}
	if c.EnableNoNewPrivileges {
		hc.SecurityOpt = append(hc.SecurityOpt, "no-new-privileges")
	}
	if c.EnableTmpfs {
		hc.Tmpfs = map[string]string{"/tmp": "size=" + c.TmpfsSize}
	}

	return hc
}

func (d *Deployer) computeEndpoint(taskCfg config.TaskConfig, hostname string, reservedPort *int) string {
	switch d.cfg.Routing.Variant {
	case config.RoutingPort:
		if taskCfg.Protocol == "tcp" {
			return fmt.Sprintf("nc %s %d", d.cfg.Routing.Domain, *reservedPort)
		}
		return fmt.Sprintf("http://%s:%d", d.cfg.Routing.Domain, *reservedPort)
	case config.RoutingTraefik:
		if taskCfg.Protocol == "tcp" {
			return fmt.Sprintf("nc %s %d", hostname, d.cfg.Routing.TCPEntryPort)
		}
		return fmt.Sprintf("http://%s", hostname)
	default:
		return ""
	}
}

// Stop best-effort stops and force-removes the container, releasing any
// reserved port. Container stop/remove errors are swallowed by the driver and
// a port release failure is logged; no sub-step failure aborts the remaining
// sub-steps, so the function converges toward Stopped.
func (d *Deployer) Stop(ctx context.Context, inst model.Instance) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.driver.StopContainer(ctx, inst.Container)
	d.driver.RemoveContainer(ctx, inst.Container)
	if inst.Port != nil {
		if err := d.ports.Release(ctx, *inst.Port); err != nil {
			slog.Warn("releasing port on stop", "instance_id", inst.ID, "port", *inst.Port, "error", err)
		}
	}
}

// Restart restarts the container. No port change.
func (d *Deployer) Restart(ctx context.Context, inst model.Instance) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.driver.RestartContainer(ctx, inst.Container)
}

// Extend extends the port's in-use TTL by extraSecs (port mode only).
func (d *Deployer) Extend(ctx context.Context, inst model.Instance, extraSecs int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if inst.Port != nil {
		return d.ports.Extend(ctx, *inst.Port, extraSecs)
	}
	return nil
}

func (d *Deployer) notifyDeployFailure(ctx context.Context, taskName string, err error) {
	if d.notifier != nil {
		d.notifier.PostDeployFailure(ctx, taskName, err)
	}
}

func uuidSimple() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}
