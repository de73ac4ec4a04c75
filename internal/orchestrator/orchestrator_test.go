package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/csai/sandbox-agent/internal/driver"
	"github.com/csai/sandbox-agent/internal/ports"
	"github.com/csai/sandbox-agent/internal/state"
)

func TestCreateReturnsConnectionAndTracksHandle(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	cache := NewHandleCache()
	e := New(testConfig(3001, 3010), st, drv, discardLogger(), WithHandleCache(cache))

	conn, err := e.Create(context.Background(), "alice", "A1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conn.Port < 3001 || conn.Port > 3010 {
		t.Fatalf("port out of range: %d", conn.Port)
	}
	if want := "http://10.1.2.3:" + strconv.Itoa(conn.Port); conn.URL != want {
		t.Fatalf("url = %s, want %s", conn.URL, want)
	}
	if got := cache.Snapshot(); len(got) != 1 || got[0] != conn.ContainerHandle {
		t.Fatalf("handle not tracked: %v", got)
	}
	labels := drv.containers[conn.ContainerHandle].labels
	if labels["managed-by"] != "lti-juice-shop" || labels[labelUserID] != "alice" || labels[labelAssignmentID] != "A1" {
		t.Fatalf("unexpected labels: %v", labels)
	}

	view, err := e.GetOrReconcile(context.Background(), "alice")
	if err != nil || !view.Exists || view.ContainerHandle != conn.ContainerHandle || view.AssignmentID != "A1" {
		t.Fatalf("unexpected view %+v err=%v", view, err)
	}
}

func TestCreateTwiceIsAlreadyExists(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	e := New(testConfig(3001, 3010), st, drv, discardLogger())
	if _, err := e.Create(context.Background(), "alice", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Create(context.Background(), "alice", ""); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if drv.creates() != 1 {
		t.Fatalf("second create reached the driver")
	}
}

func TestGetOrReconcileMarksDeadContainerStopped(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	e := New(testConfig(3001, 3010), st, drv, discardLogger())
	ctx := context.Background()

	id, err := st.InsertInstance(ctx, state.NewInstance{UserID: "bob", ContainerHandle: "ghost", Port: 3004, Status: state.StatusRunning})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	view, err := e.GetOrReconcile(ctx, "bob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Exists || view.Reason == "" {
		t.Fatalf("expected not-exists with reason, got %+v", view)
	}
	rec, err := st.GetInstance(ctx, id)
	if err != nil || rec.Status != state.StatusStopped {
		t.Fatalf("record not reconciled: %+v err=%v", rec, err)
	}

	// The stale record must not block a new instance.
	if _, err := e.Create(ctx, "bob", ""); err != nil {
		t.Fatalf("create after reconcile: %v", err)
	}
}

func TestGetOrReconcileToleratesConcurrentExpiry(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	e := New(testConfig(3001, 3010), st, drv, discardLogger())
	ctx := context.Background()

	conn, err := e.Create(ctx, "kim", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	drv.kill(conn.ContainerHandle)
	// The sweeper expires the record between the read and the reconcile write.
	drv.onInspect = func(string) {
		if err := st.UpdateStatus(ctx, conn.InstanceID, state.StatusExpired); err != nil {
			t.Errorf("expire: %v", err)
		}
	}
	view, err := e.GetOrReconcile(ctx, "kim")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Exists || view.Reason == "" {
		t.Fatalf("expected not-exists with reason, got %+v", view)
	}
	rec, err := st.GetInstance(ctx, conn.InstanceID)
	if err != nil || rec.Status != state.StatusExpired {
		t.Fatalf("expired record was rewritten: %+v err=%v", rec, err)
	}
}

func TestCreateStopsContainerWhenCallerGoesAway(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	cache := NewHandleCache()
	e := New(testConfig(3001, 3010), st, drv, discardLogger(), WithHandleCache(cache))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The client disconnects while the container is starting.
	drv.beforeCreate = func(driver.CreateSpec) { cancel() }

	if _, err := e.Create(ctx, "ivan", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if drv.creates() != 1 {
		t.Fatalf("expected one create, got %d", drv.creates())
	}
	if n := drv.runningCount(); n != 0 {
		t.Fatalf("container left running without a record: %d running", n)
	}
	if got := cache.Snapshot(); len(got) != 0 {
		t.Fatalf("stopped container still tracked: %v", got)
	}
	all, _ := st.ListInstances(context.Background())
	if len(all) != 0 {
		t.Fatalf("unexpected records: %+v", all)
	}
}

func TestCreateDriverFailureWritesNoRecord(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	drv.createErr = &driver.Error{Op: "create", Stderr: "image not found"}
	e := New(testConfig(3001, 3010), st, drv, discardLogger())

	_, err := e.Create(context.Background(), "carol", "")
	var de *driver.Error
	if !errors.As(err, &de) {
		t.Fatalf("expected driver error, got %v", err)
	}
	all, _ := st.ListInstances(context.Background())
	if len(all) != 0 {
		t.Fatalf("record written despite driver failure: %+v", all)
	}
}

func TestPortExhaustionHasNoSideEffects(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	e := New(testConfig(3001, 3001), st, drv, discardLogger())
	ctx := context.Background()
	if _, err := e.Create(ctx, "u1", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	before := drv.creates()

	if _, err := e.Create(ctx, "u2", ""); !errors.Is(err, ports.ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}
	if drv.creates() != before {
		t.Fatalf("driver called on exhaustion")
	}
	all, _ := st.ListInstances(ctx)
	if len(all) != 1 {
		t.Fatalf("unexpected records after exhaustion: %+v", all)
	}
}

func TestCreatePicksOnlyFreePort(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	e := New(testConfig(3001, 3002), st, drv, discardLogger())
	ctx := context.Background()

	drv.addContainer("held", true, nil)
	if _, err := st.InsertInstance(ctx, state.NewInstance{UserID: "holder", ContainerHandle: "held", Port: 3001, Status: state.StatusRunning}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	for i := 0; i < 10; i++ {
		conn, err := e.Create(ctx, "newcomer", "")
		if err != nil {
			t.Fatalf("create #%d: %v", i, err)
		}
		if conn.Port != 3002 {
			t.Fatalf("create #%d got port %d, want 3002", i, conn.Port)
		}
		if err := e.Shutdown(ctx, "newcomer"); err != nil {
			t.Fatalf("shutdown #%d: %v", i, err)
		}
	}
}

func TestRestartKeepsAssignmentAndStopsOldRecord(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	e := New(testConfig(3001, 3001), st, drv, discardLogger())
	ctx := context.Background()

	first, err := e.Create(ctx, "dana", "A1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := e.Restart(ctx, "dana")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second.ContainerHandle == first.ContainerHandle || second.InstanceID == first.InstanceID {
		t.Fatalf("restart reused handle or record: %+v vs %+v", first, second)
	}
	if second.Port != 3001 {
		t.Fatalf("old port was not freed: got %d", second.Port)
	}
	running := runningFor(t, st, "dana")
	if len(running) != 1 || running[0].AssignmentID != "A1" || running[0].ContainerHandle != second.ContainerHandle {
		t.Fatalf("unexpected running set: %+v", running)
	}
	old, err := st.GetInstance(ctx, first.InstanceID)
	if err != nil || old.Status != state.StatusStopped {
		t.Fatalf("old record not stopped: %+v err=%v", old, err)
	}
	if drv.isRunning(first.ContainerHandle) {
		t.Fatalf("old container still running")
	}
}

func TestRestartToleratesFailedStop(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	e := New(testConfig(3001, 3005), st, drv, discardLogger())
	ctx := context.Background()
	if _, err := e.Create(ctx, "erin", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	drv.stopFails = true
	if _, err := e.Restart(ctx, "erin"); err != nil {
		t.Fatalf("restart should ignore stop failure: %v", err)
	}
	if n := len(runningFor(t, st, "erin")); n != 1 {
		t.Fatalf("expected one running record, got %d", n)
	}
}

func TestRestartAvoidsPortHeldByUnstoppedContainer(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	drv.bindPorts = true
	cache := NewHandleCache()
	e := New(testConfig(3001, 3002), st, drv, discardLogger(), WithHandleCache(cache))
	ctx := context.Background()

	first, err := e.Create(ctx, "judy", "A1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	drv.stopFails = true
	second, err := e.Restart(ctx, "judy")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if second.Port == first.Port {
		t.Fatalf("restart reused port %d still bound by %s", first.Port, first.ContainerHandle)
	}
	if !drv.isRunning(first.ContainerHandle) {
		t.Fatalf("old container should still be running after a failed stop")
	}
	tracked := map[string]bool{}
	for _, h := range cache.Snapshot() {
		tracked[h] = true
	}
	if !tracked[first.ContainerHandle] || !tracked[second.ContainerHandle] {
		t.Fatalf("cache should hold both containers, has %v", cache.Snapshot())
	}
}

func TestRestartAndShutdownRequireInstance(t *testing.T) {
	e := New(testConfig(3001, 3005), newTestStore(t), newFakeDriver(), discardLogger())
	if _, err := e.Restart(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("restart: expected ErrNotFound, got %v", err)
	}
	if err := e.Shutdown(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("shutdown: expected ErrNotFound, got %v", err)
	}
}

func TestShutdownStopFailureKeepsRecordRunning(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	e := New(testConfig(3001, 3005), st, drv, discardLogger())
	ctx := context.Background()
	conn, err := e.Create(ctx, "frank", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	drv.stopFails = true
	if err := e.Shutdown(ctx, "frank"); !errors.Is(err, ErrStopFailed) {
		t.Fatalf("expected ErrStopFailed, got %v", err)
	}
	rec, err := st.GetInstance(ctx, conn.InstanceID)
	if err != nil || rec.Status != state.StatusRunning {
		t.Fatalf("record advanced despite failed stop: %+v err=%v", rec, err)
	}

	drv.stopFails = false
	if err := e.Shutdown(ctx, "frank"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	rec, _ = st.GetInstance(ctx, conn.InstanceID)
	if rec.Status != state.StatusStopped {
		t.Fatalf("status = %s, want stopped", rec.Status)
	}
}

func TestConcurrentCreateSameUser(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	cache := NewHandleCache()
	e := New(testConfig(3001, 3999), st, drv, discardLogger(), WithHandleCache(cache))

	// Hold both calls inside the driver until each has passed the existence
	// check, so both really race for the insert.
	var arrived sync.WaitGroup
	arrived.Add(2)
	release := make(chan struct{})
	go func() {
		arrived.Wait()
		close(release)
	}()
	drv.beforeCreate = func(driver.CreateSpec) {
		arrived.Done()
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Create(context.Background(), "grace", "")
		}()
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyExists):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins=%d losses=%d", wins, losses)
	}
	if n := len(runningFor(t, st, "grace")); n != 1 {
		t.Fatalf("expected exactly one running record, got %d", n)
	}
	if drv.runningCount() != 1 {
		t.Fatalf("loser container left running: %d running", drv.runningCount())
	}
	if got := len(cache.Snapshot()); got != 1 {
		t.Fatalf("cache should hold only the winner, has %d", got)
	}
}

func TestCreateRetriesAfterPortConflict(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	e := New(testConfig(3001, 3002), st, drv, discardLogger())
	ctx := context.Background()

	// Another writer claims whatever port the first attempt picked.
	var stolen int
	drv.beforeCreate = func(spec driver.CreateSpec) {
		if stolen != 0 {
			return
		}
		stolen = spec.HostPort
		if _, err := st.InsertInstance(ctx, state.NewInstance{UserID: "thief", ContainerHandle: "t1", Port: spec.HostPort, Status: state.StatusRunning}); err != nil {
			t.Errorf("competing insert: %v", err)
		}
	}
	conn, err := e.Create(ctx, "henry", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conn.Port == stolen {
		t.Fatalf("got the stolen port %d", stolen)
	}
	if drv.creates() != 2 {
		t.Fatalf("expected a retry, got %d creates", drv.creates())
	}
	if drv.runningCount() != 1 {
		t.Fatalf("first attempt's container left running")
	}
}

func TestReconcilePass(t *testing.T) {
	st := newTestStore(t)
	drv := newFakeDriver()
	e := New(testConfig(3001, 3010), st, drv, discardLogger())
	ctx := context.Background()

	live, err := e.Create(ctx, "ivy", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dead, err := e.Create(ctx, "jack", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	drv.kill(dead.ContainerHandle)
	drv.addContainer("stray", true, map[string]string{"managed-by": "lti-juice-shop"})
	drv.addContainer("unrelated", true, map[string]string{"app": "other"})

	summary, err := e.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if summary.Checked != 2 || summary.MarkedStopped != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Orphans) != 1 || summary.Orphans[0] != "stray" {
		t.Fatalf("unexpected orphans %v", summary.Orphans)
	}
	if rec, _ := st.GetInstance(ctx, live.InstanceID); rec.Status != state.StatusRunning {
		t.Fatalf("live record touched: %+v", rec)
	}
	if rec, _ := st.GetInstance(ctx, dead.InstanceID); rec.Status != state.StatusStopped {
		t.Fatalf("dead record not stopped: %+v", rec)
	}
}

func TestContainerName(t *testing.T) {
	name := containerName("juice_shop", "User@Example.COM", 3005)
	if want := "juice_shop_user-example.com_3005_"; len(name) != len(want)+8 || name[:len(want)] != want {
		t.Fatalf("unexpected name %q", name)
	}
	if containerName("p", "", 1) == containerName("p", "", 1) {
		t.Fatalf("names should carry a random suffix")
	}
}
