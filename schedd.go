// Package schedd embeds the scheduling and process supervision engine:
// cron/interval/date triggered jobs, supervised long-running processes with
// crash recovery, and sequential workflows, backed by SQLite or PostgreSQL.
package schedd

import (
	"context"
	"net/http"

	"github.com/loykin/schedd/internal/config"
	"github.com/loykin/schedd/internal/executor"
	"github.com/loykin/schedd/internal/metrics"
	"github.com/loykin/schedd/internal/registry"
	"github.com/loykin/schedd/internal/server"
	"github.com/loykin/schedd/internal/store"
	"github.com/loykin/schedd/internal/store/factory"
	"github.com/loykin/schedd/internal/supervisor"
	"github.com/loykin/schedd/internal/trigger"
	"github.com/loykin/schedd/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
)

// Job scheduling types.
type (
	JobSpec     = registry.JobSpec
	Args        = registry.Args
	HandlerFunc = registry.HandlerFunc
	Trigger     = trigger.Spec
	Execution   = executor.Record
)

// Process supervision types.
type (
	ProcessSpec   = supervisor.Spec
	ProcessStatus = supervisor.Status
)

// Workflow types.
type (
	WorkflowSpec   = workflow.Spec
	WorkflowTask   = workflow.Task
	WorkflowResult = workflow.Result
)

// Trigger constructors.
var (
	CronTrigger      = trigger.Cron
	IntervalTrigger  = trigger.Interval
	DateTrigger      = trigger.Date
	ImmediateTrigger = trigger.Immediate
)

// Scheduler bundles the job engine, process supervisor and workflow engine
// over one optional store.
type Scheduler struct {
	exec *executor.Engine
	sup  *supervisor.Supervisor
	wf   *workflow.Engine
	st   store.Store
}

// Options tunes a Scheduler. The zero value gives an in-memory scheduler
// with default tick and shutdown behavior.
type Options struct {
	Executor   executor.Config
	Supervisor supervisor.Config
	Store      store.Config
}

// New builds a Scheduler. When opts.Store.Type is empty no state is
// persisted.
func New(opts Options) (*Scheduler, error) {
	var st store.Store
	if opts.Store.Type != "" {
		var err error
		st, err = factory.New(opts.Store)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
	}
	reg := registry.New()
	exec := executor.New(reg, st, opts.Executor)
	sup := supervisor.New(st, opts.Supervisor)
	return &Scheduler{exec: exec, sup: sup, wf: workflow.New(reg, exec), st: st}, nil
}

// RegisterFunc binds a handler name for jobs and workflow tasks.
func (s *Scheduler) RegisterFunc(name string, fn HandlerFunc) {
	s.exec.Registry().RegisterFunc(name, fn)
}

func (s *Scheduler) AddJob(ctx context.Context, spec JobSpec) error { return s.exec.AddJob(ctx, spec) }
func (s *Scheduler) RemoveJob(ctx context.Context, id string) error { return s.exec.RemoveJob(ctx, id) }
func (s *Scheduler) PauseJob(ctx context.Context, id string) error  { return s.exec.PauseJob(ctx, id) }
func (s *Scheduler) ResumeJob(ctx context.Context, id string) error { return s.exec.ResumeJob(ctx, id) }
func (s *Scheduler) RunJob(id string) (string, error)               { return s.exec.ExecuteNow(id) }
func (s *Scheduler) Jobs() []JobSpec                                { return s.exec.Registry().List() }
func (s *Scheduler) Executions(jobID string, limit int) []Execution { return s.exec.History(jobID, limit) }

func (s *Scheduler) AddProcess(spec ProcessSpec) error          { return s.sup.Add(spec) }
func (s *Scheduler) RemoveProcess(id string) error              { return s.sup.Remove(id) }
func (s *Scheduler) StartProcess(id string) error               { return s.sup.Start(id) }
func (s *Scheduler) StopProcess(id string) error                { return s.sup.Stop(id) }
func (s *Scheduler) RestartProcess(id string) error             { return s.sup.Restart(id) }
func (s *Scheduler) ProcessStatus(id string) (ProcessStatus, error) { return s.sup.Status(id) }
func (s *Scheduler) Processes() []ProcessStatus                 { return s.sup.List() }

func (s *Scheduler) AddWorkflow(ctx context.Context, spec WorkflowSpec) error {
	return s.wf.Add(ctx, spec)
}
func (s *Scheduler) RemoveWorkflow(ctx context.Context, id string) error { return s.wf.Remove(ctx, id) }
func (s *Scheduler) RunWorkflow(ctx context.Context, id string) WorkflowResult {
	return s.wf.Run(ctx, id)
}
func (s *Scheduler) Workflows() []WorkflowSpec { return s.wf.List() }

// Load restores persisted jobs and processes. Handlers referenced by
// persisted jobs must be registered first. Loaded processes always come back
// stopped.
func (s *Scheduler) Load(ctx context.Context) error {
	if err := s.exec.LoadJobs(ctx); err != nil {
		return err
	}
	return s.sup.Load(ctx)
}

// Start launches the scheduling loop and every enabled process.
func (s *Scheduler) Start(ctx context.Context) {
	s.exec.Start(ctx)
	s.sup.StartAllEnabled()
}

// Stop shuts everything down: the scheduling loop per the configured
// shutdown mode, then every supervised process, then the store.
func (s *Scheduler) Stop(ctx context.Context) error {
	err := s.exec.Stop(ctx)
	s.sup.StopAll()
	if s.st != nil {
		if cerr := s.st.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// NewHTTPServer starts the admin API server on addr.
func (s *Scheduler) NewHTTPServer(addr string) *http.Server {
	return server.NewServer(addr, server.NewRouter(s.exec, s.sup, s.wf))
}

// Handler returns the admin API as an embeddable http.Handler.
func (s *Scheduler) Handler() http.Handler {
	return server.NewRouter(s.exec, s.sup, s.wf).Handler()
}

// LoadConfig parses a TOML config file.
func LoadConfig(path string) (*config.Config, error) { return config.Load(path) }

// RegisterMetrics registers the collectors on r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// RegisterMetricsDefault registers the collectors on the default registerer.
func RegisterMetricsDefault() error { return metrics.Register(prometheus.DefaultRegisterer) }
