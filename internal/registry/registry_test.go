package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/schedd/internal/trigger"
)

func noop(_ context.Context, _ Args) (any, error) { return nil, nil }

func TestAddRequiresRegisteredHandler(t *testing.T) {
	r := New()
	err := r.Add(JobSpec{
		ID:      "j1",
		Handler: "missing",
		Trigger: trigger.Interval(time.Minute),
		Enabled: true,
	}, time.Now())
	if !errors.Is(err, ErrUnknownFunction) {
		t.Fatalf("Add with unregistered handler = %v, want ErrUnknownFunction", err)
	}
}

func TestAddValidatesTrigger(t *testing.T) {
	r := New()
	r.RegisterFunc("work", noop)
	err := r.Add(JobSpec{
		ID:      "j1",
		Handler: "work",
		Trigger: trigger.Cron("bad"),
		Enabled: true,
	}, time.Now())
	if !errors.Is(err, trigger.ErrInvalidSpec) {
		t.Fatalf("Add with invalid trigger = %v, want ErrInvalidSpec", err)
	}
}

func TestAddComputesNextFire(t *testing.T) {
	r := New()
	r.RegisterFunc("work", noop)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := r.Add(JobSpec{
		ID:      "j1",
		Handler: "work",
		Trigger: trigger.Interval(time.Hour),
		Enabled: true,
	}, now); err != nil {
		t.Fatalf("Add: %v", err)
	}
	next, ok := r.NextFire("j1")
	if !ok || !next.Equal(now.Add(time.Hour)) {
		t.Fatalf("NextFire = %v ok=%v, want %v", next, ok, now.Add(time.Hour))
	}
}

func TestDefaults(t *testing.T) {
	r := New()
	r.RegisterFunc("work", noop)
	if err := r.Add(JobSpec{
		ID:      "j1",
		Handler: "work",
		Trigger: trigger.Interval(time.Minute),
		Enabled: true,
	}, time.Now()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	spec, err := r.Get("j1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if spec.MaxInstances != 1 {
		t.Fatalf("MaxInstances default = %d, want 1", spec.MaxInstances)
	}
	if spec.MisfireGrace != 5*time.Minute {
		t.Fatalf("MisfireGrace default = %v, want 5m", spec.MisfireGrace)
	}
	if spec.Timeout != time.Hour {
		t.Fatalf("Timeout default = %v, want 1h", spec.Timeout)
	}
}

func TestPauseResume(t *testing.T) {
	r := New()
	r.RegisterFunc("work", noop)
	now := time.Now()
	if err := r.Add(JobSpec{
		ID: "j1", Handler: "work", Trigger: trigger.Interval(time.Minute), Enabled: true,
	}, now); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Pause("j1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if _, ok := r.NextFire("j1"); ok {
		t.Fatalf("paused job must not have a next fire time")
	}
	if got := r.CollectDue(now.Add(time.Hour)); len(got) != 0 {
		t.Fatalf("paused job collected as due: %v", got)
	}
	if err := r.Resume("j1", now); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if _, ok := r.NextFire("j1"); !ok {
		t.Fatalf("resumed job should have a next fire time")
	}
	if err := r.Pause("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Pause unknown = %v, want ErrJobNotFound", err)
	}
}

func TestCollectDueAdvances(t *testing.T) {
	r := New()
	r.RegisterFunc("work", noop)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := r.Add(JobSpec{
		ID: "j1", Handler: "work", Trigger: trigger.Interval(10 * time.Minute), Enabled: true,
	}, base); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// not due yet
	if due := r.CollectDue(base.Add(5 * time.Minute)); len(due) != 0 {
		t.Fatalf("collected before due: %v", due)
	}
	// due at +10m
	due := r.CollectDue(base.Add(10 * time.Minute))
	if len(due) != 1 {
		t.Fatalf("expected 1 due, got %d", len(due))
	}
	if !due[0].ScheduledAt.Equal(base.Add(10 * time.Minute)) {
		t.Fatalf("ScheduledAt = %v, want %v", due[0].ScheduledAt, base.Add(10*time.Minute))
	}
	if due[0].TriggerRewritten {
		t.Fatalf("interval trigger reported as rewritten")
	}
	// advanced, not due again at the same instant
	if due := r.CollectDue(base.Add(10 * time.Minute)); len(due) != 0 {
		t.Fatalf("collected twice at the same instant: %v", due)
	}
}

func TestImmediateFiresOnce(t *testing.T) {
	r := New()
	r.RegisterFunc("work", noop)
	now := time.Now()
	if err := r.Add(JobSpec{
		ID: "j1", Handler: "work", Trigger: trigger.Immediate(), Enabled: true,
	}, now); err != nil {
		t.Fatalf("Add: %v", err)
	}
	due := r.CollectDue(now)
	if len(due) != 1 {
		t.Fatalf("immediate job should be due on first collect, got %d", len(due))
	}
	// the stored trigger is rewritten so callers know to re-persist it
	if !due[0].TriggerRewritten {
		t.Fatalf("immediate collection should report the trigger rewrite")
	}
	if due := r.CollectDue(now.Add(time.Hour)); len(due) != 0 {
		t.Fatalf("immediate job fired twice: %v", due)
	}
	got, _ := r.Get("j1")
	if got.Trigger.Kind != trigger.KindDate {
		t.Fatalf("stored trigger kind after collection = %s, want date", got.Trigger.Kind)
	}
}

func TestReAddReplacesSpec(t *testing.T) {
	r := New()
	r.RegisterFunc("work", noop)
	now := time.Now()
	spec := JobSpec{ID: "j1", Handler: "work", Trigger: trigger.Interval(time.Minute), Enabled: true}
	if err := r.Add(spec, now); err != nil {
		t.Fatalf("Add: %v", err)
	}
	spec.Retries = 7
	if err := r.Add(spec, now); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	got, _ := r.Get("j1")
	if got.Retries != 7 {
		t.Fatalf("re-Add did not replace spec, Retries = %d", got.Retries)
	}
}

func TestRemove(t *testing.T) {
	r := New()
	r.RegisterFunc("work", noop)
	if err := r.Add(JobSpec{
		ID: "j1", Handler: "work", Trigger: trigger.Immediate(), Enabled: true,
	}, time.Now()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := r.Remove("j1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Get("j1"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Get after Remove = %v, want ErrJobNotFound", err)
	}
	if err := r.Remove("j1"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("double Remove = %v, want ErrJobNotFound", err)
	}
}
