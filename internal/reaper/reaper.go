// Package reaper runs the background sweep that stops and marks expired
// instances, freeing the container and port they held.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/dropzone/dropzone/internal/model"
	"github.com/dropzone/dropzone/internal/notify"
	"github.com/dropzone/dropzone/internal/telemetry"
)

// Store is the subset of store.Store the reaper needs.
type Store interface {
	ListExpiredInstances(ctx context.Context, now time.Time) ([]model.Instance, error)
	UpdateInstanceStatus(ctx context.Context, id int64, status model.InstanceStatus) error
}

// Deployer is the subset of deployer.Deployer the reaper needs.
type Deployer interface {
	Stop(ctx context.Context, inst model.Instance)
}

// Reaper periodically sweeps expired instances and stops them.
type Reaper struct {
	store    Store
	deployer Deployer
	notifier *notify.Notifier
	logger   *slog.Logger
	interval time.Duration

	failures map[int64]int
}

// New creates a Reaper that sweeps every interval.
func New(store Store, deployer Deployer, notifier *notify.Notifier, logger *slog.Logger, interval time.Duration) *Reaper {
	return &Reaper{
		store:    store,
		deployer: deployer,
		notifier: notifier,
		logger:   logger,
		interval: interval,
		failures: map[int64]int{},
	}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep lists expired instances, stops each (log-and-continue on failure),
// and marks it Stopped. A single sweep never aborts partway: one instance's
// failure never blocks the rest.
func (r *Reaper) sweep(ctx context.Context) {
	telemetry.ReaperSweepsTotal.Inc()

	expired, err := r.store.ListExpiredInstances(ctx, time.Now())
	if err != nil {
		r.logger.Error("listing expired instances", "error", err)
		return
	}

	for _, inst := range expired {
		r.reap(ctx, inst)
	}
}

func (r *Reaper) reap(ctx context.Context, inst model.Instance) {
	r.deployer.Stop(ctx, inst)

	if err := r.store.UpdateInstanceStatus(ctx, inst.ID, model.StatusStopped); err != nil {
		r.failures[inst.ID]++
		r.logger.Error("marking instance stopped", "instance_id", inst.ID, "error", err, "attempts", r.failures[inst.ID])
		telemetry.ReaperInstancesStoppedTotal.WithLabelValues("failure").Inc()

		if r.notifier != nil && r.failures[inst.ID] >= 3 {
			r.notifier.PostReapFailure(ctx, inst.ID, r.failures[inst.ID], err)
		}
		return
	}

	delete(r.failures, inst.ID)
	telemetry.ReaperInstancesStoppedTotal.WithLabelValues("success").Inc()
	r.logger.Info("reaped expired instance", "instance_id", inst.ID, "task", inst.TaskName)
}
