package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var latencyBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Registry holds the agent's counters. A nil *Registry is valid and records
// nothing, so lifecycle code can run without metrics wired.
type Registry struct {
	reqTotal        atomic.Uint64
	reqErrors       atomic.Uint64
	rateLimited     atomic.Uint64
	instancesActive atomic.Int64
	creates         atomic.Uint64
	createFailures  atomic.Uint64
	restarts        atomic.Uint64
	shutdowns       atomic.Uint64
	reconciled      atomic.Uint64
	expired         atomic.Uint64
	orphansStopped  atomic.Uint64
	stopFailures    atomic.Uint64
	solvesRecorded  atomic.Uint64
	mu              sync.RWMutex
	pathCount       map[string]uint64
	latencyBuckets  []uint64
	latencyInf      uint64
}

func New() *Registry {
	return &Registry{
		pathCount:      map[string]uint64{},
		latencyBuckets: make([]uint64, len(latencyBounds)),
	}
}

func (r *Registry) IncRequest(path string) {
	if r == nil {
		return
	}
	r.reqTotal.Add(1)
	r.mu.Lock()
	r.pathCount[path]++
	r.mu.Unlock()
}

func (r *Registry) IncError()           { add(r, func(r *Registry) { r.reqErrors.Add(1) }) }
func (r *Registry) IncRateLimited()     { add(r, func(r *Registry) { r.rateLimited.Add(1) }) }
func (r *Registry) IncCreate()          { add(r, func(r *Registry) { r.creates.Add(1) }) }
func (r *Registry) IncCreateFailure()   { add(r, func(r *Registry) { r.createFailures.Add(1) }) }
func (r *Registry) IncRestart()         { add(r, func(r *Registry) { r.restarts.Add(1) }) }
func (r *Registry) IncShutdown()        { add(r, func(r *Registry) { r.shutdowns.Add(1) }) }
func (r *Registry) IncStopFailure()     { add(r, func(r *Registry) { r.stopFailures.Add(1) }) }
func (r *Registry) AddReconciled(n int) { add(r, func(r *Registry) { r.reconciled.Add(uint64(n)) }) }
func (r *Registry) AddExpired(n int)    { add(r, func(r *Registry) { r.expired.Add(uint64(n)) }) }
func (r *Registry) AddOrphansStopped(n int) {
	add(r, func(r *Registry) { r.orphansStopped.Add(uint64(n)) })
}
func (r *Registry) AddSolvesRecorded(n int) {
	add(r, func(r *Registry) { r.solvesRecorded.Add(uint64(n)) })
}
func (r *Registry) SetActiveInstances(v int) {
	add(r, func(r *Registry) { r.instancesActive.Store(int64(v)) })
}

func add(r *Registry, f func(*Registry)) {
	if r != nil {
		f(r)
	}
}

func (r *Registry) ObserveRequestDuration(d time.Duration) {
	if r == nil {
		return
	}
	secs := d.Seconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.SearchFloat64s(latencyBounds, secs)
	if i == len(latencyBounds) {
		r.latencyInf++
		return
	}
	r.latencyBuckets[i]++
}

func (r *Registry) RenderPrometheus() string {
	var b strings.Builder
	counter(&b, "sandbox_agent_requests_total", "Total API requests", r.reqTotal.Load())
	counter(&b, "sandbox_agent_request_errors_total", "Total API request errors", r.reqErrors.Load())
	counter(&b, "sandbox_agent_rate_limited_total", "Total rate-limited requests", r.rateLimited.Load())
	fmt.Fprintln(&b, "# HELP sandbox_agent_instances_active Running instance records")
	fmt.Fprintln(&b, "# TYPE sandbox_agent_instances_active gauge")
	fmt.Fprintf(&b, "sandbox_agent_instances_active %d\n", r.instancesActive.Load())
	counter(&b, "sandbox_agent_instance_creates_total", "Instances created", r.creates.Load())
	counter(&b, "sandbox_agent_instance_create_failures_total", "Failed instance creations", r.createFailures.Load())
	counter(&b, "sandbox_agent_instance_restarts_total", "Instances restarted", r.restarts.Load())
	counter(&b, "sandbox_agent_instance_shutdowns_total", "Instances shut down on request", r.shutdowns.Load())
	counter(&b, "sandbox_agent_reconciled_stopped_total", "Records marked stopped after their container died", r.reconciled.Load())
	counter(&b, "sandbox_agent_instances_expired_total", "Instances expired by the idle sweeper", r.expired.Load())
	counter(&b, "sandbox_agent_orphans_stopped_total", "Labelled containers stopped by the shutdown sweep", r.orphansStopped.Load())
	counter(&b, "sandbox_agent_stop_failures_total", "Container stops that failed", r.stopFailures.Load())
	counter(&b, "sandbox_agent_solves_recorded_total", "Newly recorded solved challenges", r.solvesRecorded.Load())

	r.mu.RLock()
	keys := make([]string, 0, len(r.pathCount))
	for k := range r.pathCount {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(&b, "# HELP sandbox_agent_requests_by_path_total Requests by matched route")
	fmt.Fprintln(&b, "# TYPE sandbox_agent_requests_by_path_total counter")
	for _, k := range keys {
		fmt.Fprintf(&b, "sandbox_agent_requests_by_path_total{path=%q} %d\n", k, r.pathCount[k])
	}

	fmt.Fprintln(&b, "# HELP sandbox_agent_request_duration_seconds Request duration histogram")
	fmt.Fprintln(&b, "# TYPE sandbox_agent_request_duration_seconds histogram")
	cumulative := uint64(0)
	for i, bound := range latencyBounds {
		cumulative += r.latencyBuckets[i]
		fmt.Fprintf(&b, "sandbox_agent_request_duration_seconds_bucket{le=%q} %d\n", trimFloat(bound), cumulative)
	}
	fmt.Fprintf(&b, "sandbox_agent_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", cumulative+r.latencyInf)
	fmt.Fprintf(&b, "sandbox_agent_request_duration_seconds_count %d\n", cumulative+r.latencyInf)
	r.mu.RUnlock()
	return b.String()
}

func counter(b *strings.Builder, name, help string, v uint64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s %d\n", name, v)
}

func trimFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}
