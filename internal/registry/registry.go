package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/schedd/internal/trigger"
)

// ErrUnknownFunction is returned when a job references a handler name that
// was never registered.
var ErrUnknownFunction = errors.New("unknown handler function")

// ErrJobNotFound is returned by lookups for missing job IDs.
var ErrJobNotFound = errors.New("job not found")

// Args carries the keyword arguments passed to a handler invocation.
type Args map[string]any

// HandlerFunc is an invocable unit of work. Implementations must honor ctx
// cancellation; the executor enforces the job timeout through it.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

// JobSpec declares a schedulable unit of work bound to a registered handler
// by name. Specs are stored by ID; re-adding the same ID replaces the spec
// (execution history is owned by the executor and survives replacement).
type JobSpec struct {
	ID           string        `json:"id" mapstructure:"id"`
	Name         string        `json:"name" mapstructure:"name"`
	Handler      string        `json:"handler" mapstructure:"handler"`
	Trigger      trigger.Spec  `json:"trigger" mapstructure:"trigger"`
	Args         Args          `json:"args,omitempty" mapstructure:"args"`
	MaxInstances int           `json:"max_instances" mapstructure:"max_instances"`
	MisfireGrace time.Duration `json:"misfire_grace" mapstructure:"misfire_grace"`
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	Retries      int           `json:"retries" mapstructure:"retries"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
}

// GetDefaults applies default values to the spec.
func (s *JobSpec) GetDefaults() {
	if s.MaxInstances <= 0 {
		s.MaxInstances = 1
	}
	if s.MisfireGrace <= 0 {
		s.MisfireGrace = 5 * time.Minute
	}
	if s.Timeout <= 0 {
		s.Timeout = time.Hour
	}
}

// Validate enforces JobSpec invariants. Handler registration is checked by
// the Registry on Add, not here.
func (s *JobSpec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("job requires id")
	}
	if strings.TrimSpace(s.Handler) == "" {
		return fmt.Errorf("job %q requires handler", s.ID)
	}
	if s.Retries < 0 {
		return fmt.Errorf("job %q: retries cannot be negative", s.ID)
	}
	if err := s.Trigger.Validate(); err != nil {
		return fmt.Errorf("job %q: %w", s.ID, err)
	}
	return nil
}

// entry is the registry-owned scheduling state for one job.
type entry struct {
	spec     JobSpec
	nextFire time.Time
	hasNext  bool
}

// Due describes one due job occurrence handed to the executor. ScheduledAt is
// the fire time the trigger computed, which may lag `now` when ticks are
// coarse; the executor applies the misfire grace against it.
type Due struct {
	Spec        JobSpec
	ScheduledAt time.Time
	// TriggerRewritten reports that collection rewrote the stored trigger
	// (an immediate trigger becoming a spent one-shot date). Callers with a
	// store should re-persist the job so the rewrite survives a restart.
	TriggerRewritten bool
}

// Registry owns job specifications and the mapping from declared handler
// names to invocable handlers. All mutation is serialized behind one mutex.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	jobs     map[string]*entry
}

func New() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		jobs:     make(map[string]*entry),
	}
}

// RegisterFunc binds a handler name to fn. Re-registering a name replaces the
// previous handler, which is how persisted specs are re-bound on restart.
func (r *Registry) RegisterFunc(name string, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[name] = fn
	r.mu.Unlock()
	slog.Debug("registered handler function", "name", name)
}

// Handler resolves a handler by name.
func (r *Registry) Handler(name string) (HandlerFunc, error) {
	r.mu.RLock()
	fn, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	return fn, nil
}

// HandlerNames returns the registered handler names.
func (r *Registry) HandlerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}

// Add validates and stores a job spec. It fails with ErrUnknownFunction when
// the declared handler name is not registered and with trigger.ErrInvalidSpec
// when the trigger cannot be validated. Re-adding an existing ID replaces the
// spec; the next fire time is recomputed from now.
func (r *Registry) Add(spec JobSpec, now time.Time) error {
	spec.GetDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[spec.Handler]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFunction, spec.Handler)
	}
	e := &entry{spec: spec}
	if spec.Enabled {
		e.nextFire, e.hasNext = spec.Trigger.Next(now)
	}
	r.jobs[spec.ID] = e
	slog.Info("job added", "id", spec.ID, "handler", spec.Handler, "trigger", spec.Trigger.Kind)
	return nil
}

// Remove deletes a job spec.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	delete(r.jobs, id)
	slog.Info("job removed", "id", id)
	return nil
}

// Pause disables scheduling for a job without removing it.
func (r *Registry) Pause(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	e.spec.Enabled = false
	e.hasNext = false
	return nil
}

// Resume re-enables a paused job and recomputes its next fire time from now.
func (r *Registry) Resume(id string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	e.spec.Enabled = true
	e.nextFire, e.hasNext = e.spec.Trigger.Next(now)
	return nil
}

// Get returns a copy of the stored spec.
func (r *Registry) Get(id string) (JobSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return JobSpec{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return e.spec, nil
}

// List returns copies of all stored specs.
func (r *Registry) List() []JobSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]JobSpec, 0, len(r.jobs))
	for _, e := range r.jobs {
		specs = append(specs, e.spec)
	}
	return specs
}

// NextFire reports the computed next fire time for a job, if any.
func (r *Registry) NextFire(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok || !e.hasNext {
		return time.Time{}, false
	}
	return e.nextFire, true
}

// CollectDue returns every enabled job whose next fire time is at or before
// now, advancing each job's next fire time under the registry lock. Immediate
// triggers are converted to a Date in the past after their first collection
// so they do not fire again.
func (r *Registry) CollectDue(now time.Time) []Due {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []Due
	for _, e := range r.jobs {
		if !e.spec.Enabled || !e.hasNext || e.nextFire.After(now) {
			continue
		}
		d := Due{Spec: e.spec, ScheduledAt: e.nextFire}
		if e.spec.Trigger.Kind == trigger.KindImmediate {
			e.spec.Trigger = trigger.Date(e.nextFire.Add(-time.Second))
			e.hasNext = false
			d.TriggerRewritten = true
			due = append(due, d)
			continue
		}
		due = append(due, d)
		e.nextFire, e.hasNext = e.spec.Trigger.Next(now)
	}
	return due
}
