package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/csai/sandbox-agent/internal/config"
	"github.com/csai/sandbox-agent/internal/driver"
	"github.com/csai/sandbox-agent/internal/state"
)

type fakeContainer struct {
	running bool
	labels  map[string]string
	port    int
}

type fakeDriver struct {
	mu           sync.Mutex
	seq          int
	containers   map[string]*fakeContainer
	createCalls  int
	createErr    error
	stopFails    bool
	stopCalls    []string
	listErr      error
	beforeCreate func(spec driver.CreateSpec)
	onInspect    func(handle string)
	// bindPorts makes Create fail, as Docker does, when a running container
	// already publishes the requested host port.
	bindPorts bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{containers: map[string]*fakeContainer{}}
}

func (f *fakeDriver) Create(_ context.Context, spec driver.CreateSpec) (string, error) {
	f.mu.Lock()
	hook := f.beforeCreate
	f.createCalls++
	f.mu.Unlock()
	if hook != nil {
		hook(spec)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	for _, c := range f.containers {
		if f.bindPorts && c.running && c.port == spec.HostPort {
			return "", &driver.Error{Op: "start", Stderr: fmt.Sprintf("Bind for 0.0.0.0:%d failed: port is already allocated", spec.HostPort)}
		}
	}
	f.seq++
	handle := fmt.Sprintf("c%04d", f.seq)
	f.containers[handle] = &fakeContainer{running: true, labels: spec.Labels, port: spec.HostPort}
	return handle, nil
}

func (f *fakeDriver) Stop(ctx context.Context, handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, handle)
	if f.stopFails || ctx.Err() != nil {
		return false
	}
	if c, ok := f.containers[handle]; ok {
		c.running = false
	}
	return true
}

func (f *fakeDriver) InspectRunning(_ context.Context, handle string) bool {
	f.mu.Lock()
	hook := f.onInspect
	f.mu.Unlock()
	if hook != nil {
		hook(handle)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[handle]
	return ok && c.running
}

func (f *fakeDriver) ListByLabel(_ context.Context, label string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	key, value, _ := strings.Cut(label, "=")
	var out []string
	for h, c := range f.containers {
		if c.running && c.labels[key] == value {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeDriver) Ping(context.Context) error { return nil }
func (f *fakeDriver) Close() error               { return nil }

// addContainer registers a container that exists outside any create call.
func (f *fakeDriver) addContainer(handle string, running bool, labels map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[handle] = &fakeContainer{running: running, labels: labels}
}

func (f *fakeDriver) kill(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[handle]; ok {
		c.running = false
	}
}

func (f *fakeDriver) isRunning(handle string) bool {
	return f.InspectRunning(context.Background(), handle)
}

func (f *fakeDriver) runningCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.containers {
		if c.running {
			n++
		}
	}
	return n
}

func (f *fakeDriver) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(start, end int) config.Config {
	cfg := config.Default()
	cfg.Ports.RangeStart = start
	cfg.Ports.RangeEnd = end
	cfg.Ports.HostIP = "10.1.2.3"
	return cfg
}

func newTestStore(t *testing.T, opts ...state.Option) *state.Store {
	t.Helper()
	st, err := state.New(filepath.Join(t.TempDir(), "sandbox.db"), opts...)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func runningFor(t *testing.T, st *state.Store, userID string) []state.Instance {
	t.Helper()
	all, err := st.ListInstances(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var out []state.Instance
	for _, inst := range all {
		if inst.UserID == userID && inst.Status == state.StatusRunning {
			out = append(out, inst)
		}
	}
	return out
}

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
