package supervisor

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Usage is the latest resource sample for a running process.
type Usage struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   uint64    `json:"memory_mb"`
	SampledAt  time.Time `json:"sampled_at"`
	OverLimit  bool      `json:"over_limit"`
}

// Status is a point-in-time snapshot of a supervised process.
type Status struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	Restarts  int       `json:"restarts"`
	ExitErr   string    `json:"exit_error,omitempty"`
	Healthy   *bool     `json:"healthy,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
}

// proc is the runtime state for one supervised process. All fields are
// guarded by mu; accessors keep the locking internal so callers never hold
// the lock across I/O.
type proc struct {
	mu        sync.Mutex
	spec      Spec
	cmd       *exec.Cmd
	state     State
	pid       int
	startedAt time.Time
	stoppedAt time.Time
	restarts  int
	exitErr   error
	stopping  bool          // Stop requested; suppress auto-restart
	waitDone  chan struct{} // closed by the monitor when cmd.Wait returns
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	healthy   *bool
	usage     *Usage
	monCancel chan struct{} // closes health/sampler loops for the current run
}

func newProc(spec Spec) *proc {
	return &proc{spec: spec, state: StateStopped}
}

func (p *proc) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

func (p *proc) UpdateSpec(s Spec) {
	p.mu.Lock()
	p.spec = s
	p.mu.Unlock()
}

func (p *proc) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *proc) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// beginStart claims the starting state. It returns false when the process is
// already starting or running, so concurrent starters cannot both launch.
func (p *proc) beginStart() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateStarting || p.state == StateRunning {
		return false
	}
	p.state = StateStarting
	return true
}

// setStarted records a successful cmd.Start and arms the wait channel.
func (p *proc) setStarted(cmd *exec.Cmd) {
	p.mu.Lock()
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.state = StateRunning
	p.startedAt = time.Now()
	p.stoppedAt = time.Time{}
	p.exitErr = nil
	p.stopping = false
	p.waitDone = make(chan struct{})
	p.monCancel = make(chan struct{})
	p.mu.Unlock()
}

// markExited finalizes a run. The next state depends on whether the exit was
// requested. Returns the state it settled on.
func (p *proc) markExited(err error) State {
	p.mu.Lock()
	p.stoppedAt = time.Now()
	p.exitErr = err
	p.pid = 0
	p.cmd = nil
	p.healthy = nil
	p.usage = nil
	if p.stopping {
		p.state = StateStopped
	} else {
		p.state = StateCrashed
	}
	if p.waitDone != nil {
		close(p.waitDone)
		p.waitDone = nil
	}
	if p.monCancel != nil {
		close(p.monCancel)
		p.monCancel = nil
	}
	st := p.state
	p.mu.Unlock()
	p.closeWriters()
	return st
}

func (p *proc) waitDoneChan() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitDone
}

func (p *proc) monCancelChan() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.monCancel
}

func (p *proc) setStopRequested(v bool) {
	p.mu.Lock()
	p.stopping = v
	p.mu.Unlock()
}

func (p *proc) stopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

func (p *proc) incRestarts() int {
	p.mu.Lock()
	p.restarts++
	v := p.restarts
	p.mu.Unlock()
	return v
}

func (p *proc) resetRestarts() {
	p.mu.Lock()
	p.restarts = 0
	p.mu.Unlock()
}

func (p *proc) restartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarts
}

func (p *proc) currentPID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *proc) setHealthy(v bool) {
	p.mu.Lock()
	p.healthy = &v
	p.mu.Unlock()
}

func (p *proc) setUsage(u Usage) {
	p.mu.Lock()
	p.usage = &u
	p.mu.Unlock()
}

func (p *proc) ensureWriters(stdout, stderr io.WriteCloser) {
	p.mu.Lock()
	if p.outCloser == nil && stdout != nil {
		p.outCloser = stdout
	}
	if p.errCloser == nil && stderr != nil {
		p.errCloser = stderr
	}
	p.mu.Unlock()
}

func (p *proc) closeWriters() {
	p.mu.Lock()
	if p.outCloser != nil {
		_ = p.outCloser.Close()
		p.outCloser = nil
	}
	if p.errCloser != nil {
		_ = p.errCloser.Close()
		p.errCloser = nil
	}
	p.mu.Unlock()
}

// snapshot returns a copy of the current status.
func (p *proc) snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		ID:        p.spec.ID,
		Name:      p.spec.Name,
		State:     p.state,
		PID:       p.pid,
		StartedAt: p.startedAt,
		StoppedAt: p.stoppedAt,
		Restarts:  p.restarts,
		Healthy:   p.healthy,
		Usage:     p.usage,
	}
	if p.exitErr != nil {
		st.ExitErr = p.exitErr.Error()
	}
	return st
}

// configureCmd builds the exec.Cmd for the current spec: workdir, the spec
// env merged over baseEnv, its own process group, and rotating log writers
// when configured. An empty baseEnv falls back to the daemon's environment.
func (p *proc) configureCmd(baseEnv []string) *exec.Cmd {
	p.mu.Lock()
	spec := p.spec
	p.mu.Unlock()

	if len(baseEnv) == 0 {
		baseEnv = os.Environ()
	}
	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	cmd.Env = spec.MergedEnv(baseEnv)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.Log.Dir != "" || spec.Log.StdoutPath != "" || spec.Log.StderrPath != "" {
		if spec.Log.Dir != "" {
			_ = os.MkdirAll(spec.Log.Dir, 0o750)
		}
		outW, errW, _ := spec.Log.Writers(spec.Name)
		p.ensureWriters(outW, errW)
		p.mu.Lock()
		ow, ew := p.outCloser, p.errCloser
		p.mu.Unlock()
		if ow != nil {
			cmd.Stdout = ow
		}
		if ew != nil {
			cmd.Stderr = ew
		}
	}
	if cmd.Stdout == nil {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stdout = null
		cmd.Stderr = null
	}
	return cmd
}
