// Package orchestrator owns the per-user sandbox lifecycle: it keeps the
// instance store consistent with what the container runtime actually runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/csai/sandbox-agent/internal/config"
	"github.com/csai/sandbox-agent/internal/driver"
	"github.com/csai/sandbox-agent/internal/metrics"
	"github.com/csai/sandbox-agent/internal/ports"
	"github.com/csai/sandbox-agent/internal/state"
)

var (
	ErrNotFound      = errors.New("not_found")
	ErrAlreadyExists = errors.New("already_exists")
	ErrStopFailed    = errors.New("stop_failed")
)

const (
	labelUserID       = "sandbox_agent.user_id"
	labelAssignmentID = "sandbox_agent.assignment_id"
)

// InstanceView is what a caller learns about a user's instance after the
// stored record has been checked against the runtime.
type InstanceView struct {
	Exists          bool
	URL             string
	ContainerHandle string
	Port            int
	AssignmentID    string
	CreatedAt       time.Time
	Reason          string
}

type Connection struct {
	InstanceID      int64
	ContainerHandle string
	Port            int
	URL             string
}

type ReconcileSummary struct {
	Checked       int
	MarkedStopped int
	Orphans       []string
}

type options struct {
	cache   *HandleCache
	metrics *metrics.Registry
}

type Option func(*options)

// WithHandleCache makes created containers known to the shutdown coordinator
// even before their store record exists.
func WithHandleCache(c *HandleCache) Option {
	return func(o *options) { o.cache = c }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

type Engine struct {
	cfg    config.Config
	store  *state.Store
	driver driver.Driver
	log    *slog.Logger
	options
}

func New(cfg config.Config, st *state.Store, drv driver.Driver, logger *slog.Logger, opts ...Option) *Engine {
	return &Engine{cfg: cfg, store: st, driver: drv, log: logger, options: buildOptions(opts)}
}

// GetOrReconcile returns the user's live instance. A running record whose
// container is gone is moved to stopped and reported as not existing.
func (e *Engine) GetOrReconcile(ctx context.Context, userID string) (InstanceView, error) {
	inst, ok, err := e.store.GetRunningInstance(ctx, userID)
	if err != nil {
		return InstanceView{}, err
	}
	if !ok {
		return InstanceView{Reason: "no running instance"}, nil
	}
	if !e.driver.InspectRunning(ctx, inst.ContainerHandle) {
		err := e.store.UpdateStatus(ctx, inst.ID, state.StatusStopped)
		if errors.Is(err, state.ErrInvalidTransition) {
			// The sweeper closed the record first.
			return InstanceView{Reason: "container no longer running"}, nil
		}
		if err != nil {
			return InstanceView{}, err
		}
		e.cache.Forget(inst.ContainerHandle)
		e.metrics.AddReconciled(1)
		e.log.Info("instance_reconciled",
			slog.String("user_id", userID),
			slog.Int64("instance_id", inst.ID),
			slog.String("container_id", inst.ContainerHandle))
		return InstanceView{Reason: "container no longer running"}, nil
	}
	if err := e.store.TouchLastAccessed(ctx, inst.ID); err != nil {
		e.log.Warn("touch_last_accessed_failed", slog.Int64("instance_id", inst.ID), slog.String("error", err.Error()))
	}
	return InstanceView{
		Exists:          true,
		URL:             e.instanceURL(inst.Port),
		ContainerHandle: inst.ContainerHandle,
		Port:            inst.Port,
		AssignmentID:    inst.AssignmentID,
		CreatedAt:       inst.CreatedAt,
	}, nil
}

func (e *Engine) Create(ctx context.Context, userID, assignmentID string) (Connection, error) {
	view, err := e.GetOrReconcile(ctx, userID)
	if err != nil {
		return Connection{}, err
	}
	if view.Exists {
		return Connection{}, ErrAlreadyExists
	}
	conn, err := e.provision(ctx, userID, assignmentID, 0)
	if err != nil {
		e.metrics.IncCreateFailure()
		return Connection{}, err
	}
	e.metrics.IncCreate()
	return conn, nil
}

// provision runs allocate, create, insert without holding any lock. The unique
// indexes on running user and running port decide races: a losing insert
// stops its own container and either gives up (user already served) or
// retries with a freshly read port set. A non-zero reserved port is treated
// as taken even though no running record holds it.
func (e *Engine) provision(ctx context.Context, userID, assignmentID string, reserved int) (Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.Lifecycle.AllocationAttempts; attempt++ {
		used, err := e.store.ListRunningPorts(ctx)
		if err != nil {
			return Connection{}, err
		}
		if reserved != 0 {
			used[reserved] = struct{}{}
		}
		port, err := ports.Allocate(used, e.cfg.Ports.RangeStart, e.cfg.Ports.RangeEnd)
		if err != nil {
			e.log.Warn("port_range_exhausted", slog.String("user_id", userID), slog.Int("used", len(used)))
			return Connection{}, err
		}

		handle, err := e.driver.Create(ctx, driver.CreateSpec{
			Name:     containerName(e.cfg.Driver.ContainerPrefix, userID, port),
			Image:    e.cfg.Driver.Image,
			Labels:   e.labels(userID, assignmentID),
			Env:      e.cfg.Driver.Env,
			HostIP:   e.cfg.Ports.HostIP,
			HostPort: port,
		})
		if err != nil {
			e.log.Error("instance_create_failed",
				slog.String("user_id", userID),
				slog.Int("port", port),
				slog.String("error", err.Error()))
			return Connection{}, err
		}
		e.cache.Track(handle)

		id, err := e.store.InsertInstance(ctx, state.NewInstance{
			UserID:          userID,
			ContainerHandle: handle,
			Port:            port,
			Status:          state.StatusRunning,
			AssignmentID:    assignmentID,
		})
		if err == nil {
			e.log.Info("instance_created",
				slog.String("user_id", userID),
				slog.Int64("instance_id", id),
				slog.String("container_id", handle),
				slog.Int("port", port),
				slog.String("assignment_id", assignmentID))
			return Connection{InstanceID: id, ContainerHandle: handle, Port: port, URL: e.instanceURL(port)}, nil
		}

		// The request may be gone by now; the container still has to go.
		e.discard(context.WithoutCancel(ctx), handle)
		if !errors.Is(err, state.ErrConflict) {
			return Connection{}, err
		}
		if _, running, gerr := e.store.GetRunningInstance(ctx, userID); gerr == nil && running {
			return Connection{}, ErrAlreadyExists
		}
		e.log.Warn("port_conflict_retry",
			slog.String("user_id", userID),
			slog.Int("port", port),
			slog.Int("attempt", attempt))
		lastErr = err
	}
	return Connection{}, fmt.Errorf("allocation attempts exhausted: %w", lastErr)
}

// discard stops a container that never got a store record. A failed stop
// leaves the handle in the cache for the shutdown coordinator.
func (e *Engine) discard(ctx context.Context, handle string) {
	if e.driver.Stop(ctx, handle) {
		e.cache.Forget(handle)
		return
	}
	e.metrics.IncStopFailure()
	e.log.Warn("orphan_stop_failed", slog.String("container_id", handle))
}

// Restart replaces the user's instance with a fresh one under the same
// assignment. Stopping the old container is best effort; if it fails, the old
// container keeps its host port and the new one is placed elsewhere.
func (e *Engine) Restart(ctx context.Context, userID string) (Connection, error) {
	inst, ok, err := e.store.GetRunningInstance(ctx, userID)
	if err != nil {
		return Connection{}, err
	}
	if !ok {
		return Connection{}, ErrNotFound
	}
	held := 0
	if e.driver.Stop(ctx, inst.ContainerHandle) {
		e.cache.Forget(inst.ContainerHandle)
	} else {
		held = inst.Port
		e.metrics.IncStopFailure()
		e.log.Warn("restart_stop_failed",
			slog.String("user_id", userID),
			slog.String("container_id", inst.ContainerHandle))
	}
	if err := e.store.UpdateStatus(ctx, inst.ID, state.StatusStopped); err != nil {
		return Connection{}, err
	}
	conn, err := e.provision(ctx, userID, inst.AssignmentID, held)
	if err != nil {
		e.metrics.IncCreateFailure()
		return Connection{}, err
	}
	e.metrics.IncRestart()
	e.log.Info("instance_restarted",
		slog.String("user_id", userID),
		slog.Int64("old_instance_id", inst.ID),
		slog.Int64("instance_id", conn.InstanceID))
	return conn, nil
}

// Shutdown stops the user's instance. Unlike the background paths, a failed
// stop is reported and the record stays running.
func (e *Engine) Shutdown(ctx context.Context, userID string) error {
	inst, ok, err := e.store.GetRunningInstance(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if !e.driver.Stop(ctx, inst.ContainerHandle) {
		e.metrics.IncStopFailure()
		e.log.Error("instance_shutdown_failed",
			slog.String("user_id", userID),
			slog.String("container_id", inst.ContainerHandle))
		return fmt.Errorf("%w: container %s", ErrStopFailed, inst.ContainerHandle)
	}
	e.cache.Forget(inst.ContainerHandle)
	if err := e.store.UpdateStatus(ctx, inst.ID, state.StatusStopped); err != nil {
		return err
	}
	e.metrics.IncShutdown()
	e.log.Info("instance_shutdown", slog.String("user_id", userID), slog.Int64("instance_id", inst.ID))
	return nil
}

// Reconcile checks every running record against the runtime and reports
// labelled containers that no running record owns. Orphans are not imported;
// the shutdown coordinator and the sweepers reap them.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileSummary, error) {
	summary := ReconcileSummary{}
	all, err := e.store.ListInstances(ctx)
	if err != nil {
		return summary, err
	}
	owned := map[string]struct{}{}
	for _, inst := range all {
		if inst.Status != state.StatusRunning {
			continue
		}
		summary.Checked++
		if e.driver.InspectRunning(ctx, inst.ContainerHandle) {
			owned[inst.ContainerHandle] = struct{}{}
			continue
		}
		if err := e.store.UpdateStatus(ctx, inst.ID, state.StatusStopped); err != nil {
			return summary, err
		}
		e.cache.Forget(inst.ContainerHandle)
		summary.MarkedStopped++
	}
	e.metrics.AddReconciled(summary.MarkedStopped)

	labelled, err := e.driver.ListByLabel(ctx, e.cfg.Driver.ManagedLabel)
	if err != nil {
		return summary, err
	}
	for _, h := range labelled {
		if _, ok := owned[h]; !ok {
			summary.Orphans = append(summary.Orphans, h)
		}
	}
	if n, err := e.store.CountRunning(ctx); err == nil {
		e.metrics.SetActiveInstances(n)
	}
	return summary, nil
}

func (e *Engine) ListInstances(ctx context.Context) ([]state.Instance, error) {
	return e.store.ListInstances(ctx)
}

// Health reports the running record count and whether the runtime answers.
func (e *Engine) Health(ctx context.Context) (int, error) {
	n, err := e.store.CountRunning(ctx)
	if err != nil {
		return 0, err
	}
	return n, e.driver.Ping(ctx)
}

func (e *Engine) Ready(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return err
	}
	return e.driver.Ping(ctx)
}

func (e *Engine) instanceURL(port int) string {
	return e.cfg.Ports.URLScheme + "://" + net.JoinHostPort(e.cfg.Ports.HostIP, strconv.Itoa(port))
}

func (e *Engine) labels(userID, assignmentID string) map[string]string {
	key, value := splitLabel(e.cfg.Driver.ManagedLabel)
	out := map[string]string{
		key:         value,
		labelUserID: userID,
	}
	if assignmentID != "" {
		out[labelAssignmentID] = assignmentID
	}
	return out
}

func splitLabel(kv string) (string, string) {
	key, value, _ := strings.Cut(kv, "=")
	return key, value
}

// containerName keeps the user and port readable in `docker ps` and adds a
// random suffix so retries never collide with a container still shutting down.
func containerName(prefix, userID string, port int) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '-'
	}, userID)
	if len(clean) > 32 {
		clean = clean[:32]
	}
	if clean == "" {
		clean = "unknown"
	}
	return fmt.Sprintf("%s_%s_%d_%s", prefix, clean, port, uuid.NewString()[:8])
}
