package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/schedd/internal/executor"
	"github.com/loykin/schedd/internal/logger"
	"github.com/loykin/schedd/internal/registry"
	"github.com/loykin/schedd/internal/store"
	"github.com/loykin/schedd/internal/supervisor"
	"github.com/loykin/schedd/internal/trigger"
	"github.com/loykin/schedd/internal/workflow"
	"github.com/spf13/viper"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Log       logger.ProgramConfig `toml:"log" mapstructure:"log"`
	Scheduler executor.Config      `toml:"scheduler" mapstructure:"scheduler"`
	Store     store.Config         `toml:"store" mapstructure:"store"`
	Server    ServerConfig         `toml:"server" mapstructure:"server"`
	Sampler   supervisor.Config    `toml:"sampler" mapstructure:"sampler"`
	ProcLog   *LogConfig           `toml:"process_log" mapstructure:"process_log"`

	Jobs      []JobConfig      `toml:"jobs" mapstructure:"jobs"`
	Processes []ProcConfig     `toml:"processes" mapstructure:"processes"`
	Workflows []WorkflowConfig `toml:"workflows" mapstructure:"workflows"`
}

// ServerConfig configures the admin HTTP server.
type ServerConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// LogConfig is the file-level shape of process output logging settings.
type LogConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Stdout     string `toml:"stdout" mapstructure:"stdout"`
	Stderr     string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// TriggerConfig is the file-level shape of a trigger. At is RFC 3339.
type TriggerConfig struct {
	Kind       string `toml:"kind" mapstructure:"kind"`
	Expression string `toml:"expression" mapstructure:"expression"`
	Seconds    int    `toml:"seconds" mapstructure:"seconds"`
	Minutes    int    `toml:"minutes" mapstructure:"minutes"`
	Hours      int    `toml:"hours" mapstructure:"hours"`
	Days       int    `toml:"days" mapstructure:"days"`
	At         string `toml:"at" mapstructure:"at"`
}

// JobConfig declares one scheduled job.
type JobConfig struct {
	ID           string         `toml:"id" mapstructure:"id"`
	Name         string         `toml:"name" mapstructure:"name"`
	Handler      string         `toml:"handler" mapstructure:"handler"`
	Args         map[string]any `toml:"args" mapstructure:"args"`
	Trigger      TriggerConfig  `toml:"trigger" mapstructure:"trigger"`
	MaxInstances int            `toml:"max_instances" mapstructure:"max_instances"`
	MisfireGrace time.Duration  `toml:"misfire_grace" mapstructure:"misfire_grace"`
	Enabled      bool           `toml:"enabled" mapstructure:"enabled"`
	Retries      int            `toml:"retries" mapstructure:"retries"`
	Timeout      time.Duration  `toml:"timeout" mapstructure:"timeout"`
}

// ProcConfig declares one supervised process.
type ProcConfig struct {
	ID                  string            `toml:"id" mapstructure:"id"`
	Name                string            `toml:"name" mapstructure:"name"`
	Command             string            `toml:"command" mapstructure:"command"`
	WorkDir             string            `toml:"workdir" mapstructure:"workdir"`
	Env                 map[string]string `toml:"env" mapstructure:"env"`
	AutoRestart         bool              `toml:"autorestart" mapstructure:"autorestart"`
	MaxRestarts         int               `toml:"max_restarts" mapstructure:"max_restarts"`
	RestartDelay        time.Duration     `toml:"restart_delay" mapstructure:"restart_delay"`
	StopGrace           time.Duration     `toml:"stop_grace" mapstructure:"stop_grace"`
	HealthCheckURL      string            `toml:"health_check_url" mapstructure:"health_check_url"`
	HealthCheckInterval time.Duration     `toml:"health_check_interval" mapstructure:"health_check_interval"`
	Enabled             bool              `toml:"enabled" mapstructure:"enabled"`
	MaxCPUPercent       float64           `toml:"max_cpu_percent" mapstructure:"max_cpu_percent"`
	MaxMemoryMB         uint64            `toml:"max_memory_mb" mapstructure:"max_memory_mb"`
	Log                 *LogConfig        `toml:"log" mapstructure:"log"`
}

// TaskConfig declares one workflow task.
type TaskConfig struct {
	ID        string         `toml:"id" mapstructure:"id"`
	Handler   string         `toml:"handler" mapstructure:"handler"`
	Args      map[string]any `toml:"args" mapstructure:"args"`
	DependsOn []string       `toml:"depends_on" mapstructure:"depends_on"`
	Timeout   time.Duration  `toml:"timeout" mapstructure:"timeout"`
}

// WorkflowConfig declares one workflow.
type WorkflowConfig struct {
	ID      string         `toml:"id" mapstructure:"id"`
	Name    string         `toml:"name" mapstructure:"name"`
	Enabled bool           `toml:"enabled" mapstructure:"enabled"`
	Trigger *TriggerConfig `toml:"trigger" mapstructure:"trigger"`
	Tasks   []TaskConfig   `toml:"tasks" mapstructure:"tasks"`
}

// Config is the fully converted runtime configuration.
type Config struct {
	Log       logger.ProgramConfig
	Scheduler executor.Config
	Store     store.Config
	Server    ServerConfig
	Sampler   supervisor.Config
	Env       []string
	Jobs      []registry.JobSpec
	Processes []supervisor.Spec
	Workflows []workflow.Spec
}

// Load reads a TOML config file and converts it into domain specs. Every
// declared trigger is validated here so a malformed config fails fast.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	return convert(&fc)
}

func convert(fc *FileConfig) (*Config, error) {
	cfg := &Config{
		Log:       fc.Log,
		Scheduler: fc.Scheduler,
		Store:     fc.Store,
		Server:    fc.Server,
		Sampler:   fc.Sampler,
	}

	env, err := mergedEnv(fc)
	if err != nil {
		return nil, err
	}
	cfg.Env = env
	// supervised processes inherit the merged daemon environment
	cfg.Sampler.BaseEnv = env

	for _, jc := range fc.Jobs {
		trig, err := triggerFromConfig(jc.Trigger)
		if err != nil {
			return nil, fmt.Errorf("job %s: %w", jc.ID, err)
		}
		spec := registry.JobSpec{
			ID:           jc.ID,
			Name:         jc.Name,
			Handler:      jc.Handler,
			Args:         registry.Args(jc.Args),
			Trigger:      trig,
			MaxInstances: jc.MaxInstances,
			MisfireGrace: jc.MisfireGrace,
			Enabled:      jc.Enabled,
			Retries:      jc.Retries,
			Timeout:      jc.Timeout,
		}
		spec.GetDefaults()
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		cfg.Jobs = append(cfg.Jobs, spec)
	}

	for _, pc := range fc.Processes {
		spec := supervisor.Spec{
			ID:                  pc.ID,
			Name:                pc.Name,
			Command:             pc.Command,
			WorkDir:             pc.WorkDir,
			Env:                 pc.Env,
			AutoRestart:         pc.AutoRestart,
			MaxRestarts:         pc.MaxRestarts,
			RestartDelay:        pc.RestartDelay,
			StopGrace:           pc.StopGrace,
			HealthCheckURL:      pc.HealthCheckURL,
			HealthCheckInterval: pc.HealthCheckInterval,
			Enabled:             pc.Enabled,
			Limits: supervisor.Limits{
				MaxCPUPercent: pc.MaxCPUPercent,
				MaxMemoryMB:   pc.MaxMemoryMB,
			},
			Log: processLog(fc.ProcLog, pc.Log),
		}
		spec.GetDefaults()
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		cfg.Processes = append(cfg.Processes, spec)
	}

	for _, wc := range fc.Workflows {
		spec := workflow.Spec{
			ID:      wc.ID,
			Name:    wc.Name,
			Enabled: wc.Enabled,
		}
		if wc.Trigger != nil {
			trig, err := triggerFromConfig(*wc.Trigger)
			if err != nil {
				return nil, fmt.Errorf("workflow %s: %w", wc.ID, err)
			}
			spec.Trigger = trig
		}
		for _, tc := range wc.Tasks {
			spec.Tasks = append(spec.Tasks, workflow.Task{
				ID:        tc.ID,
				Handler:   tc.Handler,
				Args:      registry.Args(tc.Args),
				DependsOn: tc.DependsOn,
				Timeout:   tc.Timeout,
			})
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		cfg.Workflows = append(cfg.Workflows, spec)
	}
	return cfg, nil
}

func triggerFromConfig(tc TriggerConfig) (trigger.Spec, error) {
	spec := trigger.Spec{
		Kind:       trigger.Kind(tc.Kind),
		Expression: tc.Expression,
		Seconds:    tc.Seconds,
		Minutes:    tc.Minutes,
		Hours:      tc.Hours,
		Days:       tc.Days,
	}
	if tc.At != "" {
		at, err := time.Parse(time.RFC3339, tc.At)
		if err != nil {
			return trigger.Spec{}, fmt.Errorf("trigger at %q: %w", tc.At, err)
		}
		spec.At = at
	}
	if err := spec.Validate(); err != nil {
		return trigger.Spec{}, err
	}
	return spec, nil
}

// processLog overlays a per-process log config on the file-level defaults.
func processLog(base, override *LogConfig) logger.Config {
	var out logger.Config
	apply := func(lc *LogConfig) {
		if lc == nil {
			return
		}
		if lc.Dir != "" {
			out.Dir = lc.Dir
		}
		if lc.Stdout != "" {
			out.StdoutPath = lc.Stdout
		}
		if lc.Stderr != "" {
			out.StderrPath = lc.Stderr
		}
		if lc.MaxSizeMB != 0 {
			out.MaxSizeMB = lc.MaxSizeMB
		}
		if lc.MaxBackups != 0 {
			out.MaxBackups = lc.MaxBackups
		}
		if lc.MaxAgeDays != 0 {
			out.MaxAgeDays = lc.MaxAgeDays
		}
		if lc.Compress {
			out.Compress = true
		}
	}
	apply(base)
	apply(override)
	return out
}

// mergedEnv builds the daemon environment. Precedence: OS env (when
// use_os_env is set), then env_files in order, then the top-level env list.
func mergedEnv(fc *FileConfig) ([]string, error) {
	if len(fc.Env) == 0 && len(fc.EnvFiles) == 0 && !fc.UseOSEnv {
		return nil, nil
	}
	m := make(map[string]string)
	if fc.UseOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range fc.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range fc.Env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines. Lines starting
// with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			m[strings.TrimSpace(line[:i])] = strings.TrimSpace(line[i+1:])
		}
	}
	return m, nil
}
