package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/csai/sandbox-agent/internal/driver"
	"github.com/csai/sandbox-agent/internal/state"
)

type SweepSummary struct {
	Candidates   int
	Expired      int
	StopFailures int
}

// Sweeper expires instances nobody has touched within the idle window.
type Sweeper struct {
	store    *state.Store
	driver   driver.Driver
	idle     time.Duration
	interval time.Duration
	log      *slog.Logger
	options
}

func NewSweeper(st *state.Store, drv driver.Driver, idle, interval time.Duration, logger *slog.Logger, opts ...Option) *Sweeper {
	return &Sweeper{store: st, driver: drv, idle: idle, interval: interval, log: logger, options: buildOptions(opts)}
}

// RunOnce stops each idle instance best effort and marks it expired whether
// or not the stop worked. Only listing failures abort the pass.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepSummary, error) {
	candidates, err := s.store.ListExpired(ctx, s.idle)
	if err != nil {
		return SweepSummary{}, err
	}
	summary := SweepSummary{Candidates: len(candidates)}
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if c.ContainerHandle != "" {
			if s.driver.Stop(ctx, c.ContainerHandle) {
				s.cache.Forget(c.ContainerHandle)
			} else {
				summary.StopFailures++
				s.metrics.IncStopFailure()
				s.log.Warn("expire_stop_failed",
					slog.Int64("instance_id", c.ID),
					slog.String("container_id", c.ContainerHandle))
			}
		}
		if err := s.store.UpdateStatus(ctx, c.ID, state.StatusExpired); err != nil {
			s.log.Error("expire_update_failed", slog.Int64("instance_id", c.ID), slog.String("error", err.Error()))
			continue
		}
		summary.Expired++
	}
	s.metrics.AddExpired(summary.Expired)
	return summary, ctx.Err()
}

// Run sweeps every interval until ctx is cancelled. Failed passes are logged
// and retried at the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		}
	}
}

func (s *Sweeper) runLogged(ctx context.Context) {
	summary, err := s.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("sweep_failed", slog.String("error", err.Error()))
		}
		return
	}
	s.log.Info("sweep_completed",
		slog.Int("candidates", summary.Candidates),
		slog.Int("expired", summary.Expired),
		slog.Int("stop_failures", summary.StopFailures))
}
