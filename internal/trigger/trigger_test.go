package trigger

import (
	"errors"
	"testing"
	"time"
)

func TestCronNext(t *testing.T) {
	s := Cron("0 9 * * *")
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	after := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	next, ok := s.Next(after)
	if !ok {
		t.Fatalf("expected a next fire time")
	}
	want := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	// past 09:00, rolls to the next day
	next, ok = s.Next(want)
	if !ok || !next.Equal(want.Add(24*time.Hour)) {
		t.Fatalf("next after fire = %v, want %v", next, want.Add(24*time.Hour))
	}
}

func TestCronRejectsSecondsAndDescriptors(t *testing.T) {
	for _, expr := range []string{"*/5 * * * * *", "@hourly", "not a cron", ""} {
		s := Cron(expr)
		if err := s.Validate(); !errors.Is(err, ErrInvalidSpec) {
			t.Fatalf("Validate(%q) = %v, want ErrInvalidSpec", expr, err)
		}
	}
}

func TestIntervalNext(t *testing.T) {
	s := Spec{Kind: KindInterval, Minutes: 15}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	next, ok := s.Next(base)
	if !ok || !next.Equal(base.Add(15*time.Minute)) {
		t.Fatalf("next = %v, want %v", next, base.Add(15*time.Minute))
	}
	// succession: each Next is relative to the given time
	next2, _ := s.Next(next)
	if !next2.Equal(base.Add(30 * time.Minute)) {
		t.Fatalf("second next = %v, want %v", next2, base.Add(30*time.Minute))
	}
}

func TestIntervalUnitsSum(t *testing.T) {
	s := Spec{Kind: KindInterval, Days: 1, Hours: 2, Minutes: 3, Seconds: 4}
	base := time.Now()
	next, ok := s.Next(base)
	if !ok {
		t.Fatalf("expected a next fire time")
	}
	want := base.Add(24*time.Hour + 2*time.Hour + 3*time.Minute + 4*time.Second)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestIntervalValidation(t *testing.T) {
	if err := (Spec{Kind: KindInterval}).Validate(); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("zero interval should be invalid, got %v", err)
	}
	if err := (Spec{Kind: KindInterval, Seconds: -1, Minutes: 1}).Validate(); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("negative unit should be invalid, got %v", err)
	}
}

func TestDateOneShot(t *testing.T) {
	at := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := Date(at)
	next, ok := s.Next(at.Add(-time.Hour))
	if !ok || !next.Equal(at) {
		t.Fatalf("next = %v ok=%v, want %v", next, ok, at)
	}
	if _, ok := s.Next(at); ok {
		t.Fatalf("date trigger must not fire again at or after its time")
	}
	if !s.Expired(at) {
		t.Fatalf("Expired should be true at the fire time")
	}
	if s.Expired(at.Add(-time.Second)) {
		t.Fatalf("Expired should be false before the fire time")
	}
}

func TestDateRequiresTime(t *testing.T) {
	if err := (Spec{Kind: KindDate}).Validate(); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("zero-time date should be invalid, got %v", err)
	}
}

func TestImmediate(t *testing.T) {
	s := Immediate()
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	now := time.Now()
	next, ok := s.Next(now)
	if !ok || !next.Equal(now) {
		t.Fatalf("immediate should fire at the check time")
	}
}

func TestUnknownKind(t *testing.T) {
	s := Spec{Kind: "weekly"}
	if err := s.Validate(); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("unknown kind should be invalid, got %v", err)
	}
	if _, ok := s.Next(time.Now()); ok {
		t.Fatalf("unknown kind should never fire")
	}
}
