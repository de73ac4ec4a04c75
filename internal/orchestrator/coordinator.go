package orchestrator

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/csai/sandbox-agent/internal/driver"
	"github.com/csai/sandbox-agent/internal/state"
)

type CleanupSummary struct {
	FromStore    int
	FromCache    int
	Stopped      int
	Failed       int
	LabelMatches int
	StoreErr     error
	LabelErr     error
}

// Coordinator stops every container this agent may have started: first the
// ones the store and cache know about, then anything still carrying the
// managed label.
type Coordinator struct {
	store       *state.Store
	driver      driver.Driver
	label       string
	parallelism int
	log         *slog.Logger
	options
}

func NewCoordinator(st *state.Store, drv driver.Driver, label string, parallelism int, logger *slog.Logger, opts ...Option) *Coordinator {
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Coordinator{store: st, driver: drv, label: label, parallelism: parallelism, log: logger, options: buildOptions(opts)}
}

// Run never gives up early: a store failure is logged and the label sweep
// still runs. Store records are left untouched; they reconcile on next read.
func (c *Coordinator) Run(ctx context.Context) CleanupSummary {
	summary := CleanupSummary{}
	targets := map[string]struct{}{}

	if c.store != nil {
		handles, err := c.store.ListRunningHandles(ctx)
		if err != nil {
			summary.StoreErr = err
			c.log.Error("cleanup_store_unavailable", slog.String("error", err.Error()))
		}
		for _, h := range handles {
			targets[h] = struct{}{}
		}
		summary.FromStore = len(handles)
	}
	cached := c.cache.Snapshot()
	summary.FromCache = len(cached)
	for _, h := range cached {
		targets[h] = struct{}{}
	}

	stopped, failed := c.stopAll(ctx, targets)
	summary.Stopped += stopped
	summary.Failed += failed

	labelled, err := c.driver.ListByLabel(ctx, c.label)
	if err != nil {
		summary.LabelErr = err
		c.log.Error("cleanup_label_sweep_failed", slog.String("label", c.label), slog.String("error", err.Error()))
	}
	leftovers := map[string]struct{}{}
	for _, h := range labelled {
		leftovers[h] = struct{}{}
	}
	summary.LabelMatches = len(leftovers)
	stopped, failed = c.stopAll(ctx, leftovers)
	summary.Stopped += stopped
	summary.Failed += failed
	c.metrics.AddOrphansStopped(stopped)

	c.cache.Reset()
	c.log.Info("cleanup_completed",
		slog.Int("from_store", summary.FromStore),
		slog.Int("from_cache", summary.FromCache),
		slog.Int("label_matches", summary.LabelMatches),
		slog.Int("stopped", summary.Stopped),
		slog.Int("failed", summary.Failed))
	return summary
}

func (c *Coordinator) stopAll(ctx context.Context, handles map[string]struct{}) (int, int) {
	var stopped, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(c.parallelism)
	for h := range handles {
		g.Go(func() error {
			if c.driver.Stop(ctx, h) {
				stopped.Add(1)
				return nil
			}
			failed.Add(1)
			c.metrics.IncStopFailure()
			c.log.Warn("cleanup_stop_failed", slog.String("container_id", h))
			return nil
		})
	}
	_ = g.Wait()
	return int(stopped.Load()), int(failed.Load())
}
