package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/schedd/internal/metrics"
	"github.com/loykin/schedd/internal/store"
)

// ErrProcessNotFound is returned by lookups for unknown process IDs.
var ErrProcessNotFound = errors.New("process not found")

// ErrProcessDisabled is returned when Start targets a disabled process.
var ErrProcessDisabled = errors.New("process is disabled")

// Config tunes the supervisor.
type Config struct {
	SampleInterval time.Duration `json:"sample_interval" mapstructure:"sample_interval"`
	// BaseEnv is the base environment for spawned processes in KEY=VALUE
	// form, overlaid by each spec's own Env. Empty means the daemon's
	// environment.
	BaseEnv []string `json:"-" mapstructure:"-"`
}

// Supervisor owns a set of long-running processes and drives each through
// the lifecycle stopped -> starting -> running -> {stopping -> stopped |
// crashed}. A crashed process with auto_restart is restarted after a fixed
// delay until its restart budget is exhausted, at which point it settles in
// the failed state. Manual Start resets the budget.
type Supervisor struct {
	mu        sync.RWMutex
	procs     map[string]*proc
	st        store.Store // nil disables persistence
	cfg       Config
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New returns a Supervisor. st may be nil to run without persistence.
func New(st store.Store, cfg Config) *Supervisor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 10 * time.Second
	}
	return &Supervisor{
		procs:  make(map[string]*proc),
		st:     st,
		cfg:    cfg,
		closed: make(chan struct{}),
	}
}

// Add registers a process spec without starting it. Re-adding an existing ID
// replaces the spec; the running state is untouched.
func (s *Supervisor) Add(spec Spec) error {
	spec.GetDefaults()
	if err := spec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	p, ok := s.procs[spec.ID]
	if ok {
		p.UpdateSpec(spec)
	} else {
		p = newProc(spec)
		s.procs[spec.ID] = p
	}
	s.mu.Unlock()
	s.persist(p)
	return nil
}

// Remove stops a process if needed and forgets it.
func (s *Supervisor) Remove(id string) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	if st := p.State(); st == StateRunning || st == StateStarting {
		if err := s.Stop(id); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
	if s.st != nil {
		return s.st.DeleteProcess(context.Background(), id)
	}
	return nil
}

func (s *Supervisor) lookup(id string) (*proc, error) {
	s.mu.RLock()
	p, ok := s.procs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}
	return p, nil
}

// Start launches a process manually. It is a no-op when the process is
// already running or starting, fails for disabled processes, and resets the
// restart budget so a previously failed process gets a fresh allowance.
func (s *Supervisor) Start(id string) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	if !p.Spec().Enabled {
		return fmt.Errorf("%w: %s", ErrProcessDisabled, id)
	}
	if !p.beginStart() {
		return nil
	}
	p.resetRestarts()
	p.setStopRequested(false)
	return s.launch(p)
}

// launch performs one start attempt and attaches the exit monitor. The caller
// must have claimed the starting state through beginStart.
func (s *Supervisor) launch(p *proc) error {
	spec := p.Spec()
	s.persist(p)

	cmd := p.configureCmd(s.cfg.BaseEnv)
	if err := cmd.Start(); err != nil {
		p.mu.Lock()
		p.state = StateFailed
		p.exitErr = err
		p.mu.Unlock()
		p.closeWriters()
		s.persist(p)
		return fmt.Errorf("start %s: %w", spec.ID, err)
	}
	p.setStarted(cmd)
	s.persist(p)
	metrics.IncProcessStart(spec.Name)
	s.publishState(p)
	slog.Info("process started", "id", spec.ID, "pid", cmd.Process.Pid)

	cancel := p.monCancelChan()
	s.wg.Add(1)
	go s.waitAndHandleExit(p, cmd)
	if spec.HealthCheckURL != "" {
		s.wg.Add(1)
		go s.healthLoop(p, cancel)
	}
	s.wg.Add(1)
	go s.sampleLoop(p, cancel)
	return nil
}

// waitAndHandleExit reaps the process and applies the restart policy.
func (s *Supervisor) waitAndHandleExit(p *proc, cmd *exec.Cmd) {
	defer s.wg.Done()
	err := cmd.Wait()
	spec := p.Spec()
	st := p.markExited(err)
	metrics.IncProcessStop(spec.Name)
	s.persist(p)
	s.publishState(p)

	if st != StateCrashed {
		slog.Info("process stopped", "id", spec.ID)
		return
	}
	slog.Error("process crashed", "id", spec.ID, "error", err)
	s.maybeRestart(p)
}

// maybeRestart applies the auto-restart policy after a crash: a fixed delay
// between attempts and a hard budget of MaxRestarts, after which the process
// settles in the failed state until a manual Start.
func (s *Supervisor) maybeRestart(p *proc) {
	spec := p.Spec()
	if !spec.AutoRestart || p.stopRequested() {
		return
	}
	if p.restartCount() >= spec.MaxRestarts {
		p.setState(StateFailed)
		s.persist(p)
		s.publishState(p)
		slog.Error("process exhausted restart budget",
			"id", spec.ID, "restarts", p.restartCount(), "max_restarts", spec.MaxRestarts)
		return
	}

	t := time.NewTimer(spec.RestartDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.closed:
		return
	}
	if p.stopRequested() {
		return
	}
	if !p.beginStart() {
		return
	}
	n := p.incRestarts()
	metrics.IncProcessRestart(spec.Name)
	slog.Warn("restarting crashed process", "id", spec.ID, "attempt", n, "max_restarts", spec.MaxRestarts)
	if err := s.launch(p); err != nil {
		slog.Error("restart attempt failed", "id", spec.ID, "error", err)
		s.maybeRestart(p)
	}
}

// Stop requests a graceful stop: SIGTERM to the process group, a grace
// period, then SIGKILL. It suppresses auto-restart for this process.
func (s *Supervisor) Stop(id string) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	return s.stopProc(p)
}

func (s *Supervisor) stopProc(p *proc) error {
	spec := p.Spec()
	p.setStopRequested(true)
	st := p.State()
	if st != StateRunning && st != StateStarting {
		if st == StateCrashed || st == StateFailed {
			p.setState(StateStopped)
			s.persist(p)
			s.publishState(p)
		}
		return nil
	}
	p.setState(StateStopping)
	s.persist(p)
	s.publishState(p)

	pid := p.currentPID()
	wd := p.waitDoneChan()
	if pid != 0 {
		_ = syscall.Kill(-pid, syscall.SIGTERM)
	}
	if wd != nil {
		select {
		case <-wd:
		case <-time.After(spec.StopGrace):
			slog.Warn("stop grace elapsed, killing process group", "id", spec.ID, "pid", pid)
			if pid != 0 {
				_ = syscall.Kill(-pid, syscall.SIGKILL)
			}
			select {
			case <-wd:
			case <-time.After(2 * time.Second):
				return fmt.Errorf("process %s did not exit after SIGKILL", spec.ID)
			}
		}
	}
	s.persist(p)
	s.publishState(p)
	return nil
}

// Restart stops the process if running and starts it fresh.
func (s *Supervisor) Restart(id string) error {
	if err := s.Stop(id); err != nil {
		return err
	}
	return s.Start(id)
}

// Status returns a snapshot of one process.
func (s *Supervisor) Status(id string) (Status, error) {
	p, err := s.lookup(id)
	if err != nil {
		return Status{}, err
	}
	return p.snapshot(), nil
}

// List returns snapshots of every process.
func (s *Supervisor) List() []Status {
	s.mu.RLock()
	procs := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()
	out := make([]Status, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.snapshot())
	}
	return out
}

// StartAllEnabled starts every enabled process that is not already running.
// Individual failures are logged, not fatal.
func (s *Supervisor) StartAllEnabled() {
	s.mu.RLock()
	procs := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()
	for _, p := range procs {
		spec := p.Spec()
		if !spec.Enabled {
			continue
		}
		if err := s.Start(spec.ID); err != nil {
			slog.Error("starting process failed", "id", spec.ID, "error", err)
		}
	}
}

// StopAll stops every process concurrently and waits for the monitors to
// drain. Used on shutdown.
func (s *Supervisor) StopAll() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.mu.RLock()
	procs := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *proc) {
			defer wg.Done()
			if err := s.stopProc(p); err != nil {
				slog.Error("stopping process failed", "id", p.Spec().ID, "error", err)
			}
		}(p)
	}
	wg.Wait()
	s.wg.Wait()
}

// Load restores persisted process specs. Every loaded process starts in
// the stopped state regardless of how it was last persisted.
func (s *Supervisor) Load(ctx context.Context) error {
	if s.st == nil {
		return nil
	}
	recs, err := s.st.LoadProcesses(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		spec, err := specFromRecord(rec)
		if err != nil {
			slog.Warn("skipping unreadable persisted process", "id", rec.ID, "error", err)
			continue
		}
		if err := s.Add(spec); err != nil {
			slog.Warn("skipping persisted process", "id", rec.ID, "error", err)
		}
	}
	return nil
}

func (s *Supervisor) persist(p *proc) {
	if s.st == nil {
		return
	}
	rec := specToRecord(p.Spec(), p.snapshot())
	if err := s.st.SaveProcess(context.Background(), rec); err != nil {
		slog.Error("persisting process failed", "id", rec.ID, "error", err)
	}
}

func (s *Supervisor) publishState(p *proc) {
	st := p.snapshot()
	metrics.SetProcessState(st.Name, string(st.State), States())
}
