package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/schedd/internal/executor"
	"github.com/loykin/schedd/internal/metrics"
	"github.com/loykin/schedd/internal/registry"
	"github.com/loykin/schedd/internal/trigger"
)

// ErrWorkflowNotFound is returned by lookups for unknown workflow IDs.
var ErrWorkflowNotFound = errors.New("workflow not found")

// TaskStatus of one task within a workflow run.
type TaskStatus string

const (
	TaskCompleted       TaskStatus = "completed"
	TaskFailed          TaskStatus = "failed"
	TaskDependencyUnmet TaskStatus = "dependency_unmet"
)

// Task is one unit of work inside a workflow. Tasks run strictly in
// declaration order; DependsOn names earlier tasks that must have completed
// for this one to run.
type Task struct {
	ID        string        `json:"id" mapstructure:"id"`
	Handler   string        `json:"handler" mapstructure:"handler"`
	Args      registry.Args `json:"args,omitempty" mapstructure:"args"`
	DependsOn []string      `json:"depends_on,omitempty" mapstructure:"depends_on"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
}

// Spec declares a workflow: an ordered task list with an optional trigger
// for scheduled runs.
type Spec struct {
	ID      string       `json:"id" mapstructure:"id"`
	Name    string       `json:"name" mapstructure:"name"`
	Tasks   []Task       `json:"tasks" mapstructure:"tasks"`
	Trigger trigger.Spec `json:"trigger,omitempty" mapstructure:"trigger"`
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
}

// Validate enforces Spec invariants: unique task IDs and dependencies that
// reference only earlier tasks.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("workflow requires id")
	}
	if len(s.Tasks) == 0 {
		return fmt.Errorf("workflow %q requires at least one task", s.ID)
	}
	seen := make(map[string]struct{}, len(s.Tasks))
	for i, t := range s.Tasks {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("workflow %q: task %d requires id", s.ID, i)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("workflow %q: duplicate task id %q", s.ID, t.ID)
		}
		if strings.TrimSpace(t.Handler) == "" {
			return fmt.Errorf("workflow %q: task %q requires handler", s.ID, t.ID)
		}
		for _, dep := range t.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("workflow %q: task %q depends on %q which is not an earlier task", s.ID, t.ID, dep)
			}
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

// TaskResult is the outcome of one task in a run.
type TaskResult struct {
	TaskID     string     `json:"task_id"`
	Status     TaskStatus `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at,omitempty"`
}

// Result summarizes one workflow run. Success means every task completed.
type Result struct {
	WorkflowID string       `json:"workflow_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Completed  int          `json:"completed"`
	Total      int          `json:"total"`
	Success    bool         `json:"success"`
	Tasks      []TaskResult `json:"tasks"`
}

// Engine runs workflows against the handler registry. Scheduled workflows
// are registered as jobs on the execution engine under a derived job ID.
type Engine struct {
	reg  *registry.Registry
	exec *executor.Engine

	mu    sync.RWMutex
	specs map[string]Spec
	last  map[string]Result
}

// New returns a workflow Engine. exec may be nil when no workflow needs a
// schedule.
func New(reg *registry.Registry, exec *executor.Engine) *Engine {
	return &Engine{
		reg:   reg,
		exec:  exec,
		specs: make(map[string]Spec),
		last:  make(map[string]Result),
	}
}

// jobID derives the job ID used for a workflow's scheduled runs.
func jobID(workflowID string) string { return "workflow:" + workflowID }

// Add validates and registers a workflow. Workflows with a trigger are also
// scheduled as a job whose handler runs the workflow.
func (e *Engine) Add(ctx context.Context, spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.specs[spec.ID] = spec
	e.mu.Unlock()

	if spec.Trigger.Kind == "" || e.exec == nil {
		return nil
	}
	id := spec.ID
	e.reg.RegisterFunc(jobID(id), func(ctx context.Context, _ registry.Args) (any, error) {
		res := e.Run(ctx, id)
		if !res.Success {
			return res, fmt.Errorf("workflow %s: %d/%d tasks completed", id, res.Completed, res.Total)
		}
		return res, nil
	})
	return e.exec.AddJob(ctx, registry.JobSpec{
		ID:      jobID(id),
		Name:    spec.Name,
		Handler: jobID(id),
		Trigger: spec.Trigger,
		Enabled: spec.Enabled,
	})
}

// Remove forgets a workflow and unschedules it if it had a trigger.
func (e *Engine) Remove(ctx context.Context, id string) error {
	e.mu.Lock()
	spec, ok := e.specs[id]
	if ok {
		delete(e.specs, id)
		delete(e.last, id)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if spec.Trigger.Kind != "" && e.exec != nil {
		return e.exec.RemoveJob(ctx, jobID(id))
	}
	return nil
}

// Get returns a stored workflow spec.
func (e *Engine) Get(id string) (Spec, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	spec, ok := e.specs[id]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return spec, nil
}

// List returns all stored workflow specs.
func (e *Engine) List() []Spec {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Spec, 0, len(e.specs))
	for _, s := range e.specs {
		out = append(out, s)
	}
	return out
}

// LastResult returns the most recent run result for a workflow.
func (e *Engine) LastResult(id string) (Result, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.last[id]
	return r, ok
}

// Run executes the workflow's tasks in declaration order. A task whose
// dependencies did not all complete is marked dependency_unmet and skipped;
// execution continues with the remaining tasks so independent branches still
// run. The summary counts completed tasks against the total.
func (e *Engine) Run(ctx context.Context, id string) Result {
	spec, err := e.Get(id)
	if err != nil {
		return Result{WorkflowID: id, Success: false}
	}

	res := Result{
		WorkflowID: spec.ID,
		StartedAt:  time.Now(),
		Total:      len(spec.Tasks),
		Tasks:      make([]TaskResult, 0, len(spec.Tasks)),
	}
	done := make(map[string]bool, len(spec.Tasks))
	for _, t := range spec.Tasks {
		tr := e.runTask(ctx, spec.ID, t, done)
		done[t.ID] = tr.Status == TaskCompleted
		if tr.Status == TaskCompleted {
			res.Completed++
		}
		res.Tasks = append(res.Tasks, tr)
		metrics.IncWorkflowTask(spec.ID, string(tr.Status))
	}
	res.FinishedAt = time.Now()
	res.Success = res.Completed == res.Total

	e.mu.Lock()
	e.last[spec.ID] = res
	e.mu.Unlock()
	slog.Info("workflow finished", "workflow", spec.ID,
		"completed", res.Completed, "total", res.Total, "success", res.Success)
	return res
}

func (e *Engine) runTask(ctx context.Context, workflowID string, t Task, done map[string]bool) TaskResult {
	tr := TaskResult{TaskID: t.ID}
	for _, dep := range t.DependsOn {
		if !done[dep] {
			tr.Status = TaskDependencyUnmet
			tr.Error = fmt.Sprintf("dependency %q did not complete", dep)
			slog.Warn("workflow task skipped", "workflow", workflowID, "task", t.ID, "dependency", dep)
			return tr
		}
	}
	fn, err := e.reg.Handler(t.Handler)
	if err != nil {
		tr.Status = TaskFailed
		tr.Error = err.Error()
		return tr
	}
	tr.StartedAt = time.Now()
	runCtx := ctx
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	result, err := safeInvoke(runCtx, fn, t.Args)
	tr.FinishedAt = time.Now()
	if err != nil {
		tr.Status = TaskFailed
		tr.Error = err.Error()
		slog.Error("workflow task failed", "workflow", workflowID, "task", t.ID, "error", err)
		return tr
	}
	tr.Status = TaskCompleted
	tr.Result = fmt.Sprint(result)
	return tr
}

// safeInvoke runs a handler, converting a panic into an error.
func safeInvoke(ctx context.Context, fn registry.HandlerFunc, args registry.Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, args)
}
