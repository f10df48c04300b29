package store

import (
	"context"
	"time"
)

// ExecutionTail is the bounded number of execution records retained per job.
// Appends beyond the tail discard the oldest records first.
const ExecutionTail = 100

// JobRecord is the persisted form of a job specification. Trigger parameters
// are stored as a stable kind tag plus a JSON parameter blob and validated
// again on load.
type JobRecord struct {
	ID            string
	Name          string
	Handler       string
	TriggerKind   string
	TriggerParams []byte
	Args          []byte
	MaxInstances  int
	MisfireGrace  time.Duration
	Enabled       bool
	Retries       int
	Timeout       time.Duration
}

// ExecutionRecord is the persisted outcome of one job invocation.
type ExecutionRecord struct {
	JobID       string
	ExecutionID string
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      string
	Result      string
	Error       string
}

// ProcessRecord is the persisted form of a supervised process. Status is
// persisted for inspection only: loading always resets every process to
// "stopped" because crash state is never trusted across a supervisor restart.
type ProcessRecord struct {
	ID                  string
	Name                string
	Command             string
	WorkDir             string
	Env                 []byte
	AutoRestart         bool
	MaxRestarts         int
	RestartDelay        time.Duration
	HealthCheckURL      string
	HealthCheckInterval time.Duration
	Enabled             bool
	Status              string
	RestartCount        int
}

// Store persists registry and supervisor state. Implementations must be safe
// for concurrent use; callers take snapshots under their own mutation locks
// before writing.
type Store interface {
	EnsureSchema(ctx context.Context) error

	SaveJob(ctx context.Context, rec JobRecord) error
	DeleteJob(ctx context.Context, id string) error
	LoadJobs(ctx context.Context) ([]JobRecord, error)

	AppendExecution(ctx context.Context, rec ExecutionRecord) error
	Executions(ctx context.Context, jobID string, limit int) ([]ExecutionRecord, error)

	SaveProcess(ctx context.Context, rec ProcessRecord) error
	DeleteProcess(ctx context.Context, id string) error
	LoadProcesses(ctx context.Context) ([]ProcessRecord, error)

	Close() error
}
