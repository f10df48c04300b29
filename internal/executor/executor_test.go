package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loykin/schedd/internal/registry"
	"github.com/loykin/schedd/internal/store"
	"github.com/loykin/schedd/internal/store/sqlite"
	"github.com/loykin/schedd/internal/trigger"
)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	return New(registry.New(), nil, cfg)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestExecuteNowRecordsHistory(t *testing.T) {
	e := newEngine(t, Config{})
	e.Registry().RegisterFunc("ok", func(_ context.Context, _ registry.Args) (any, error) {
		return "done", nil
	})
	if err := e.AddJob(context.Background(), registry.JobSpec{
		ID: "j1", Handler: "ok", Trigger: trigger.Interval(time.Hour), Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	execID, err := e.ExecuteNow("j1")
	if err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		h := e.History("j1", 0)
		return len(h) == 1 && h[0].Status == StatusCompleted
	})
	h := e.History("j1", 0)
	if h[0].ExecutionID != execID {
		t.Fatalf("history execution ID = %s, want %s", h[0].ExecutionID, execID)
	}
	if h[0].Result != "done" {
		t.Fatalf("result = %q, want %q", h[0].Result, "done")
	}
	if h[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", h[0].Attempts)
	}
}

func TestFailureRecorded(t *testing.T) {
	e := newEngine(t, Config{})
	e.Registry().RegisterFunc("boom", func(_ context.Context, _ registry.Args) (any, error) {
		return nil, errors.New("exploded")
	})
	if err := e.AddJob(context.Background(), registry.JobSpec{
		ID: "j1", Handler: "boom", Trigger: trigger.Interval(time.Hour), Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := e.ExecuteNow("j1"); err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		h := e.History("j1", 0)
		return len(h) == 1 && h[0].Status == StatusFailed
	})
	h := e.History("j1", 0)
	if h[0].Error != "exploded" {
		t.Fatalf("error = %q, want %q", h[0].Error, "exploded")
	}
}

func TestRetriesWithinExecution(t *testing.T) {
	var calls atomic.Int32
	e := newEngine(t, Config{})
	e.Registry().RegisterFunc("flaky", func(_ context.Context, _ registry.Args) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	if err := e.AddJob(context.Background(), registry.JobSpec{
		ID: "j1", Handler: "flaky", Retries: 2,
		Trigger: trigger.Interval(time.Hour), Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := e.ExecuteNow("j1"); err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		h := e.History("j1", 0)
		return len(h) == 1 && h[0].Status == StatusCompleted
	})
	if got := e.History("j1", 0)[0].Attempts; got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	e := newEngine(t, Config{})
	e.Registry().RegisterFunc("panicky", func(_ context.Context, _ registry.Args) (any, error) {
		panic("oh no")
	})
	if err := e.AddJob(context.Background(), registry.JobSpec{
		ID: "j1", Handler: "panicky", Trigger: trigger.Interval(time.Hour), Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := e.ExecuteNow("j1"); err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		h := e.History("j1", 0)
		return len(h) == 1 && h[0].Status == StatusFailed
	})
}

func TestTimeoutFailsExecution(t *testing.T) {
	e := newEngine(t, Config{})
	e.Registry().RegisterFunc("slow", func(ctx context.Context, _ registry.Args) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return "never", nil
		}
	})
	if err := e.AddJob(context.Background(), registry.JobSpec{
		ID: "j1", Handler: "slow", Timeout: 50 * time.Millisecond,
		Trigger: trigger.Interval(time.Hour), Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := e.ExecuteNow("j1"); err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		h := e.History("j1", 0)
		return len(h) == 1 && h[0].Status == StatusFailed
	})
}

func TestMaxInstancesGate(t *testing.T) {
	block := make(chan struct{})
	e := newEngine(t, Config{})
	e.Registry().RegisterFunc("blocking", func(_ context.Context, _ registry.Args) (any, error) {
		<-block
		return nil, nil
	})
	if err := e.AddJob(context.Background(), registry.JobSpec{
		ID: "j1", Handler: "blocking", MaxInstances: 1,
		Trigger: trigger.Interval(time.Hour), Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if _, err := e.ExecuteNow("j1"); err != nil {
		t.Fatalf("first ExecuteNow: %v", err)
	}
	waitFor(t, time.Second, func() bool { return e.RunningCount("j1") == 1 })
	if _, err := e.ExecuteNow("j1"); err == nil {
		t.Fatalf("second ExecuteNow should hit the max_instances gate")
	}
	close(block)
	waitFor(t, 2*time.Second, func() bool { return e.RunningCount("j1") == 0 })
	// slot released, runs again
	if _, err := e.ExecuteNow("j1"); err != nil {
		t.Fatalf("ExecuteNow after release: %v", err)
	}
}

func TestHistoryBounded(t *testing.T) {
	e := newEngine(t, Config{})
	for i := 0; i < store.ExecutionTail+20; i++ {
		e.appendHistory(Record{
			ExecutionID: fmt.Sprintf("e%d", i),
			JobID:       "j1",
			Status:      StatusCompleted,
		})
	}
	h := e.History("j1", 0)
	if len(h) != store.ExecutionTail {
		t.Fatalf("history length = %d, want %d", len(h), store.ExecutionTail)
	}
	// oldest discarded first, append order preserved
	if h[0].ExecutionID != "e20" {
		t.Fatalf("oldest retained = %s, want e20", h[0].ExecutionID)
	}
	if h[len(h)-1].ExecutionID != fmt.Sprintf("e%d", store.ExecutionTail+19) {
		t.Fatalf("newest = %s", h[len(h)-1].ExecutionID)
	}
}

func TestTickMisfireDiscard(t *testing.T) {
	var runs atomic.Int32
	reg := registry.New()
	reg.RegisterFunc("count", func(_ context.Context, _ registry.Args) (any, error) {
		runs.Add(1)
		return nil, nil
	})
	e := New(reg, nil, Config{})
	now := time.Now()
	if err := reg.Add(registry.JobSpec{
		ID: "j1", Handler: "count", MisfireGrace: time.Minute,
		Trigger: trigger.Date(now.Add(-time.Hour)), Enabled: true,
	}, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// scheduled an hour ago with one minute grace: discarded
	e.tick(context.Background(), now)
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 0 {
		t.Fatalf("misfired run executed anyway")
	}
}

func TestTickRunsDueJob(t *testing.T) {
	var runs atomic.Int32
	reg := registry.New()
	reg.RegisterFunc("count", func(_ context.Context, _ registry.Args) (any, error) {
		runs.Add(1)
		return nil, nil
	})
	e := New(reg, nil, Config{})
	now := time.Now()
	if err := reg.Add(registry.JobSpec{
		ID: "j1", Handler: "count",
		Trigger: trigger.Interval(time.Second), Enabled: true,
	}, now.Add(-2*time.Second)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	e.tick(context.Background(), now)
	waitFor(t, 2*time.Second, func() bool { return runs.Load() == 1 })
}

func TestGracefulStopWaitsForInflight(t *testing.T) {
	release := make(chan struct{})
	e := newEngine(t, Config{ShutdownMode: ShutdownGraceful, ShutdownTimeout: 5 * time.Second})
	e.Registry().RegisterFunc("slow", func(_ context.Context, _ registry.Args) (any, error) {
		<-release
		return "finished", nil
	})
	if err := e.AddJob(context.Background(), registry.JobSpec{
		ID: "j1", Handler: "slow", Trigger: trigger.Interval(time.Hour), Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	e.Start(context.Background())
	if _, err := e.ExecuteNow("j1"); err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	waitFor(t, time.Second, func() bool { return e.RunningCount("j1") == 1 })

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h := e.History("j1", 0)
	if len(h) != 1 || h[0].Status != StatusCompleted {
		t.Fatalf("graceful stop should let the execution finish, got %+v", h)
	}
}

func TestForcedStopCancelsInflight(t *testing.T) {
	e := newEngine(t, Config{ShutdownMode: ShutdownForced})
	e.Registry().RegisterFunc("slow", func(ctx context.Context, _ registry.Args) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if err := e.AddJob(context.Background(), registry.JobSpec{
		ID: "j1", Handler: "slow", Trigger: trigger.Interval(time.Hour), Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	e.Start(context.Background())
	if _, err := e.ExecuteNow("j1"); err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	waitFor(t, time.Second, func() bool { return e.RunningCount("j1") == 1 })
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	h := e.History("j1", 0)
	if len(h) != 1 || h[0].Status != StatusCancelled {
		t.Fatalf("forced stop should cancel the execution, got %+v", h)
	}
}

func TestPendingRecordAtLaunch(t *testing.T) {
	gate := make(chan struct{})
	e := newEngine(t, Config{})
	e.Registry().RegisterFunc("slow", func(_ context.Context, _ registry.Args) (any, error) {
		<-gate
		return "done", nil
	})
	if err := e.AddJob(context.Background(), registry.JobSpec{
		ID: "j1", Handler: "slow", Trigger: trigger.Interval(time.Hour), Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	execID, err := e.ExecuteNow("j1")
	if err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	// the record exists as soon as ExecuteNow returns, pending until the run
	// goroutine picks it up
	h := e.History("j1", 0)
	if len(h) != 1 || h[0].ExecutionID != execID {
		t.Fatalf("expected an immediate record for %s, got %+v", execID, h)
	}
	if st := h[0].Status; st != StatusPending && st != StatusRunning {
		t.Fatalf("status before completion = %s", st)
	}
	if !h[0].FinishedAt.IsZero() {
		t.Fatalf("unfinished execution has FinishedAt %v", h[0].FinishedAt)
	}
	close(gate)
	waitFor(t, 2*time.Second, func() bool {
		h := e.History("j1", 0)
		return len(h) == 1 && h[0].Status == StatusCompleted
	})
}

func TestImmediateTriggerPersistedSpent(t *testing.T) {
	db, err := sqlite.New(filepath.Join(t.TempDir(), "exec.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}

	reg := registry.New()
	reg.RegisterFunc("once", func(_ context.Context, _ registry.Args) (any, error) { return "ok", nil })
	e := New(reg, db, Config{})
	if err := e.AddJob(context.Background(), registry.JobSpec{
		ID: "j1", Handler: "once", Trigger: trigger.Immediate(), Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	e.tick(context.Background(), time.Now())
	waitFor(t, 2*time.Second, func() bool {
		h := e.History("j1", 0)
		return len(h) == 1 && h[0].Status == StatusCompleted
	})

	// a fresh engine over the same store must not fire the job again
	reg2 := registry.New()
	reg2.RegisterFunc("once", func(_ context.Context, _ registry.Args) (any, error) { return "ok", nil })
	e2 := New(reg2, db, Config{})
	if err := e2.LoadJobs(context.Background()); err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	spec, err := reg2.Get("j1")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if spec.Trigger.Kind != trigger.KindDate {
		t.Fatalf("reloaded trigger kind = %s, want date", spec.Trigger.Kind)
	}
	if due := reg2.CollectDue(time.Now()); len(due) != 0 {
		t.Fatalf("spent immediate job fired after reload: %v", due)
	}
}

func TestStoppedEngineRefusesWork(t *testing.T) {
	e := newEngine(t, Config{})
	e.Registry().RegisterFunc("ok", func(_ context.Context, _ registry.Args) (any, error) { return nil, nil })
	if err := e.AddJob(context.Background(), registry.JobSpec{
		ID: "j1", Handler: "ok", Trigger: trigger.Interval(time.Hour), Enabled: true,
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	e.Start(context.Background())
	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := e.ExecuteNow("j1"); err == nil {
		t.Fatalf("ExecuteNow after Stop should fail")
	}
}
