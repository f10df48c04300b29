package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loykin/schedd/internal/metrics"
	"github.com/loykin/schedd/internal/registry"
	"github.com/loykin/schedd/internal/store"
)

// Status of one job execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is the outcome of one job invocation. Records are retained per job
// in a bounded tail of store.ExecutionTail entries, oldest discarded first.
type Record struct {
	ExecutionID string    `json:"execution_id"`
	JobID       string    `json:"job_id"`
	JobName     string    `json:"job_name,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Status      Status    `json:"status"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
}

// ShutdownMode selects how Stop treats in-flight executions.
type ShutdownMode string

const (
	// ShutdownGraceful waits for in-flight executions to finish.
	ShutdownGraceful ShutdownMode = "graceful"
	// ShutdownForced cancels in-flight execution contexts immediately.
	ShutdownForced ShutdownMode = "forced"
)

// Config tunes the engine loop.
type Config struct {
	TickInterval    time.Duration `json:"tick_interval" mapstructure:"tick_interval"`
	ShutdownMode    ShutdownMode  `json:"shutdown_mode" mapstructure:"shutdown_mode"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

func (c *Config) getDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ShutdownMode == "" {
		c.ShutdownMode = ShutdownGraceful
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Engine drives scheduled job execution: it polls the registry for due jobs
// on a fixed tick, gates launches by max_instances, discards misfires past
// their grace, and records every outcome in a bounded per-job history.
type Engine struct {
	reg *registry.Registry
	st  store.Store // nil disables persistence
	cfg Config

	mu      sync.Mutex
	running map[string]int              // job ID -> in-flight count
	history map[string][]Record         // job ID -> bounded tail, append order
	cancels map[string]context.CancelFunc // execution ID -> cancel
	stopped bool

	inflight sync.WaitGroup
	loopDone chan struct{}
	loopStop context.CancelFunc
}

// New returns an Engine over reg. st may be nil to run without persistence.
func New(reg *registry.Registry, st store.Store, cfg Config) *Engine {
	cfg.getDefaults()
	return &Engine{
		reg:     reg,
		st:      st,
		cfg:     cfg,
		running: make(map[string]int),
		history: make(map[string][]Record),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Registry exposes the underlying registry for handler registration.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// AddJob validates, registers and persists a job spec.
func (e *Engine) AddJob(ctx context.Context, spec registry.JobSpec) error {
	if err := e.reg.Add(spec, time.Now()); err != nil {
		return err
	}
	return e.persistJob(ctx, spec.ID)
}

// RemoveJob unregisters a job and deletes it from the store. Its execution
// history is dropped.
func (e *Engine) RemoveJob(ctx context.Context, id string) error {
	if err := e.reg.Remove(id); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.history, id)
	e.mu.Unlock()
	if e.st != nil {
		return e.st.DeleteJob(ctx, id)
	}
	return nil
}

// PauseJob disables scheduling for a job and persists the change.
func (e *Engine) PauseJob(ctx context.Context, id string) error {
	if err := e.reg.Pause(id); err != nil {
		return err
	}
	return e.persistJob(ctx, id)
}

// ResumeJob re-enables a paused job and persists the change.
func (e *Engine) ResumeJob(ctx context.Context, id string) error {
	if err := e.reg.Resume(id, time.Now()); err != nil {
		return err
	}
	return e.persistJob(ctx, id)
}

func (e *Engine) persistJob(ctx context.Context, id string) error {
	if e.st == nil {
		return nil
	}
	spec, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	rec, err := jobToRecord(spec)
	if err != nil {
		return err
	}
	return e.st.SaveJob(ctx, rec)
}

// LoadJobs restores persisted job specs into the registry. Specs whose
// declared handler is no longer registered are skipped with a warning rather
// than failing the whole load.
func (e *Engine) LoadJobs(ctx context.Context) error {
	if e.st == nil {
		return nil
	}
	recs, err := e.st.LoadJobs(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, rec := range recs {
		spec, err := jobFromRecord(rec)
		if err != nil {
			slog.Warn("skipping unreadable persisted job", "id", rec.ID, "error", err)
			continue
		}
		if err := e.reg.Add(spec, now); err != nil {
			slog.Warn("skipping persisted job", "id", rec.ID, "error", err)
		}
	}
	return nil
}

// Start launches the scheduling loop. It returns immediately; the loop runs
// until Stop is called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.loopStop = cancel
	e.loopDone = make(chan struct{})
	e.stopped = false
	e.mu.Unlock()
	go e.loop(loopCtx)
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)
	t := time.NewTicker(e.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			e.tick(ctx, now)
		}
	}
}

// tick collects due jobs, applies the misfire grace and the max_instances
// gate, and launches the rest.
func (e *Engine) tick(ctx context.Context, now time.Time) {
	for _, d := range e.reg.CollectDue(now) {
		if d.TriggerRewritten {
			if err := e.persistJob(ctx, d.Spec.ID); err != nil {
				slog.Error("persisting rewritten trigger failed", "job", d.Spec.ID, "error", err)
			}
		}
		if grace := d.Spec.MisfireGrace; grace > 0 && now.Sub(d.ScheduledAt) > grace {
			slog.Warn("misfire: discarding run past grace",
				"job", d.Spec.ID, "scheduled_at", d.ScheduledAt, "grace", grace)
			metrics.IncMisfire(d.Spec.ID)
			continue
		}
		if !e.claim(d.Spec.ID, d.Spec.MaxInstances) {
			slog.Warn("skipping run: max instances reached",
				"job", d.Spec.ID, "max_instances", d.Spec.MaxInstances)
			metrics.IncMisfire(d.Spec.ID)
			continue
		}
		e.launch(d.Spec, d.ScheduledAt)
	}
}

// ExecuteNow launches one immediate execution of the job, outside its
// schedule. It respects the max_instances gate and returns the execution ID.
func (e *Engine) ExecuteNow(id string) (string, error) {
	spec, err := e.reg.Get(id)
	if err != nil {
		return "", err
	}
	if !e.claim(spec.ID, spec.MaxInstances) {
		return "", fmt.Errorf("job %s: max instances reached", id)
	}
	return e.launch(spec, time.Now()), nil
}

// launch records a pending execution for an already claimed slot and starts
// it asynchronously. The record exists before the goroutine runs, so callers
// can observe the execution immediately.
func (e *Engine) launch(spec registry.JobSpec, scheduledAt time.Time) string {
	execID := uuid.NewString()
	e.appendHistory(Record{
		ExecutionID: execID,
		JobID:       spec.ID,
		JobName:     spec.Name,
		ScheduledAt: scheduledAt,
		Status:      StatusPending,
	})
	e.inflight.Add(1)
	go e.runWithID(spec, scheduledAt, execID)
	return execID
}

// claim reserves one running slot for the job, failing when maxInstances
// slots are already taken. The engine refuses new work once stopped.
func (e *Engine) claim(id string, maxInstances int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	if maxInstances > 0 && e.running[id] >= maxInstances {
		return false
	}
	e.running[id]++
	metrics.SetRunningExecutions(id, e.running[id])
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	e.running[id]--
	if e.running[id] <= 0 {
		delete(e.running, id)
		metrics.SetRunningExecutions(id, 0)
	} else {
		metrics.SetRunningExecutions(id, e.running[id])
	}
	e.mu.Unlock()
}

// runWithID performs one execution: it resolves the handler, applies the job
// timeout, retries failed attempts up to spec.Retries times, and records the
// outcome. A handler panic fails the attempt instead of crashing the engine.
// Executions deliberately detach from the loop context so a graceful stop
// never cancels work already in flight.
func (e *Engine) runWithID(spec registry.JobSpec, scheduledAt time.Time, execID string) {
	defer e.inflight.Done()
	defer e.release(spec.ID)

	rec := Record{
		ExecutionID: execID,
		JobID:       spec.ID,
		JobName:     spec.Name,
		ScheduledAt: scheduledAt,
		StartedAt:   time.Now(),
		Status:      StatusRunning,
	}
	e.appendHistory(rec)

	runCtx, cancel := context.WithTimeout(context.Background(), spec.Timeout)
	e.mu.Lock()
	e.cancels[execID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, execID)
		e.mu.Unlock()
		cancel()
	}()

	fn, err := e.reg.Handler(spec.Handler)
	var result any
	attempts := 0
	if err == nil {
		for attempts <= spec.Retries {
			attempts++
			result, err = invoke(runCtx, fn, spec.Args)
			if err == nil {
				break
			}
			if runCtx.Err() != nil {
				break
			}
			slog.Warn("job attempt failed", "job", spec.ID, "execution", execID,
				"attempt", attempts, "error", err)
		}
	}

	rec.FinishedAt = time.Now()
	rec.Attempts = attempts
	switch {
	case err == nil:
		rec.Status = StatusCompleted
		rec.Result = fmt.Sprint(result)
	case runCtx.Err() == context.Canceled:
		rec.Status = StatusCancelled
		rec.Error = err.Error()
	default:
		rec.Status = StatusFailed
		rec.Error = err.Error()
	}

	e.appendHistory(rec)
	metrics.IncJobRun(spec.ID, string(rec.Status))
	metrics.ObserveJobDuration(spec.ID, rec.FinishedAt.Sub(rec.StartedAt).Seconds())
	if rec.Status == StatusCompleted {
		slog.Info("job completed", "job", spec.ID, "execution", execID,
			"duration", rec.FinishedAt.Sub(rec.StartedAt))
	} else {
		slog.Error("job did not complete", "job", spec.ID, "execution", execID,
			"status", rec.Status, "error", rec.Error)
	}

	if e.st != nil {
		if serr := e.st.AppendExecution(context.Background(), executionToRecord(rec)); serr != nil {
			slog.Error("persisting execution failed", "job", spec.ID, "error", serr)
		}
	}
}

// invoke runs one handler attempt, converting a panic into an error.
func invoke(ctx context.Context, fn registry.HandlerFunc, args registry.Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, args)
}

// appendHistory upserts rec into the job's bounded tail. A record is appended
// as pending at launch, then replaced in place as it runs and finishes.
func (e *Engine) appendHistory(rec Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tail := e.history[rec.JobID]
	for i := len(tail) - 1; i >= 0; i-- {
		if tail[i].ExecutionID == rec.ExecutionID {
			tail[i] = rec
			return
		}
	}
	tail = append(tail, rec)
	if len(tail) > store.ExecutionTail {
		tail = tail[len(tail)-store.ExecutionTail:]
	}
	e.history[rec.JobID] = tail
}

// History returns the job's retained execution records in append order. A
// limit <= 0 returns the whole tail.
func (e *Engine) History(jobID string, limit int) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	tail := e.history[jobID]
	if limit > 0 && len(tail) > limit {
		tail = tail[len(tail)-limit:]
	}
	out := make([]Record, len(tail))
	copy(out, tail)
	return out
}

// RunningCount reports the number of in-flight executions for a job.
func (e *Engine) RunningCount(jobID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[jobID]
}

// Stop halts the scheduling loop and applies the configured shutdown mode:
// graceful waits up to ShutdownTimeout for in-flight executions, forced
// cancels them immediately. Either way no new executions launch after Stop.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.stopped = true
	stop := e.loopStop
	done := e.loopDone
	mode := e.cfg.ShutdownMode
	if mode == ShutdownForced {
		for _, cancel := range e.cancels {
			cancel()
		}
	}
	e.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	finished := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(finished)
	}()
	timeout := e.cfg.ShutdownTimeout
	if mode == ShutdownForced {
		timeout = 5 * time.Second
	}
	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timed out with executions still in flight")
	case <-ctx.Done():
		return ctx.Err()
	}
}
