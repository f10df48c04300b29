package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSpec is returned when a trigger specification cannot be validated.
// It is always reported at add/validate time so a malformed trigger never
// reaches the scheduling loop.
var ErrInvalidSpec = errors.New("invalid trigger spec")

// Kind tags the trigger variant. The string values are stable and used as-is
// in persisted state and config files.
type Kind string

const (
	KindCron      Kind = "cron"
	KindInterval  Kind = "interval"
	KindDate      Kind = "date"
	KindImmediate Kind = "immediate"
)

// Spec is a tagged trigger variant. Only the fields belonging to the tagged
// kind are meaningful; Validate rejects specs whose kind is unknown or whose
// parameters are out of range. A Spec is immutable once created.
type Spec struct {
	Kind Kind `json:"kind" mapstructure:"kind"`

	// Cron: standard 5-field expression (minute hour dom month dow).
	Expression string `json:"expression,omitempty" mapstructure:"expression"`

	// Interval: the period is the sum of all units; at least one must be > 0.
	Seconds int `json:"seconds,omitempty" mapstructure:"seconds"`
	Minutes int `json:"minutes,omitempty" mapstructure:"minutes"`
	Hours   int `json:"hours,omitempty" mapstructure:"hours"`
	Days    int `json:"days,omitempty" mapstructure:"days"`

	// Date: one-shot fire time.
	At time.Time `json:"at,omitempty" mapstructure:"at"`
}

// Cron returns a cron trigger for a standard 5-field expression.
func Cron(expr string) Spec { return Spec{Kind: KindCron, Expression: expr} }

// Interval returns an interval trigger firing every d.
func Interval(d time.Duration) Spec {
	return Spec{Kind: KindInterval, Seconds: int(d / time.Second)}
}

// Date returns a one-shot trigger firing at t.
func Date(t time.Time) Spec { return Spec{Kind: KindDate, At: t} }

// Immediate returns a trigger that fires on the first check. The caller is
// responsible for converting it to a past Date after the first execution so
// it does not fire again.
func Immediate() Spec { return Spec{Kind: KindImmediate} }

// cronParser accepts the classic 5-field form only; seconds and descriptors
// like @hourly are rejected to keep persisted expressions portable.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks the spec parameters for the tagged kind.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindCron:
		if _, err := cronParser.Parse(s.Expression); err != nil {
			return fmt.Errorf("%w: cron expression %q: %v", ErrInvalidSpec, s.Expression, err)
		}
		return nil
	case KindInterval:
		if s.Seconds < 0 || s.Minutes < 0 || s.Hours < 0 || s.Days < 0 {
			return fmt.Errorf("%w: interval units cannot be negative", ErrInvalidSpec)
		}
		if s.interval() <= 0 {
			return fmt.Errorf("%w: interval requires at least one unit > 0", ErrInvalidSpec)
		}
		return nil
	case KindDate:
		if s.At.IsZero() {
			return fmt.Errorf("%w: date trigger requires a fire time", ErrInvalidSpec)
		}
		return nil
	case KindImmediate:
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidSpec, s.Kind)
	}
}

func (s Spec) interval() time.Duration {
	return time.Duration(s.Seconds)*time.Second +
		time.Duration(s.Minutes)*time.Minute +
		time.Duration(s.Hours)*time.Hour +
		time.Duration(s.Days)*24*time.Hour
}

// Next computes the smallest fire time strictly after `after`, or false when
// the trigger will never fire again. Next is a pure computation; it must be
// preceded by a successful Validate for cron kinds (an unparsable expression
// yields false here rather than an error).
func (s Spec) Next(after time.Time) (time.Time, bool) {
	switch s.Kind {
	case KindCron:
		sched, err := cronParser.Parse(s.Expression)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(after)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	case KindInterval:
		d := s.interval()
		if d <= 0 {
			return time.Time{}, false
		}
		return after.Add(d), true
	case KindDate:
		if s.At.After(after) {
			return s.At, true
		}
		return time.Time{}, false
	case KindImmediate:
		return after, true
	default:
		return time.Time{}, false
	}
}

// Expired reports whether a one-shot trigger has already fired. Repeating
// kinds never expire.
func (s Spec) Expired(now time.Time) bool {
	switch s.Kind {
	case KindDate:
		return !s.At.After(now)
	default:
		return false
	}
}
