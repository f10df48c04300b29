package supervisor

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/schedd/internal/logger"
)

// State of a supervised process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
	StateFailed   State = "failed"
)

// States lists every process state, for metrics gauges.
func States() []string {
	return []string{
		string(StateStopped), string(StateStarting), string(StateRunning),
		string(StateStopping), string(StateCrashed), string(StateFailed),
	}
}

// Limits are warn-only resource ceilings. Exceeding one produces a log entry
// and a flag in the status, never an intervention.
type Limits struct {
	MaxCPUPercent float64 `json:"max_cpu_percent" mapstructure:"max_cpu_percent"`
	MaxMemoryMB   uint64  `json:"max_memory_mb" mapstructure:"max_memory_mb"`
}

// Spec describes a long-running process to supervise.
type Spec struct {
	ID                  string            `json:"id" mapstructure:"id"`
	Name                string            `json:"name" mapstructure:"name"`
	Command             string            `json:"command" mapstructure:"command"`
	WorkDir             string            `json:"work_dir" mapstructure:"work_dir"`
	Env                 map[string]string `json:"env" mapstructure:"env"`
	AutoRestart         bool              `json:"auto_restart" mapstructure:"auto_restart"`
	MaxRestarts         int               `json:"max_restarts" mapstructure:"max_restarts"`
	RestartDelay        time.Duration     `json:"restart_delay" mapstructure:"restart_delay"`
	StopGrace           time.Duration     `json:"stop_grace" mapstructure:"stop_grace"`
	HealthCheckURL      string            `json:"health_check_url" mapstructure:"health_check_url"`
	HealthCheckInterval time.Duration     `json:"health_check_interval" mapstructure:"health_check_interval"`
	Enabled             bool              `json:"enabled" mapstructure:"enabled"`
	Limits              Limits            `json:"limits" mapstructure:"limits"`
	Log                 logger.Config     `json:"log" mapstructure:"log"`
}

// GetDefaults applies default values to the spec.
func (s *Spec) GetDefaults() {
	if s.ID == "" {
		s.ID = s.Name
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.MaxRestarts <= 0 {
		s.MaxRestarts = 3
	}
	if s.RestartDelay <= 0 {
		s.RestartDelay = 5 * time.Second
	}
	if s.StopGrace <= 0 {
		s.StopGrace = 10 * time.Second
	}
	if s.HealthCheckInterval <= 0 {
		s.HealthCheckInterval = 30 * time.Second
	}
}

// Validate enforces Spec invariants.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" && strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("process requires id or name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("process %q requires command", s.ID)
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the spec's command string. It
// avoids invoking a shell when not necessary and honors an explicit shell
// invocation already present in the command (e.g. "sh -c 'echo hi'") without
// wrapping it in a second shell.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.Command("/bin/true")
	}
	if after, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", after)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.Command("/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	name := parts[0]
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	// #nosec G204
	return exec.Command(name, args...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// argument after -c, stripping one pair of surrounding quotes so the actual
// script reaches the shell.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return after, true
		}
	}
	return "", false
}

// MergedEnv flattens the spec env on top of base into KEY=VALUE form.
func (s *Spec) MergedEnv(base []string) []string {
	if len(s.Env) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(s.Env))
	out = append(out, base...)
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	return out
}
