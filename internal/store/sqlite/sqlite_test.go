package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/schedd/internal/store"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestJobRoundTrip(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	rec := store.JobRecord{
		ID:            "j1",
		Name:          "daily report",
		Handler:       "shell",
		TriggerKind:   "cron",
		TriggerParams: []byte(`{"kind":"cron","expression":"0 9 * * *"}`),
		Args:          []byte(`{"command":"report.sh"}`),
		MaxInstances:  2,
		MisfireGrace:  5 * time.Minute,
		Enabled:       true,
		Retries:       1,
		Timeout:       time.Hour,
	}
	require.NoError(t, db.SaveJob(ctx, rec))

	jobs, err := db.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, rec, jobs[0])

	// upsert replaces
	rec.Enabled = false
	require.NoError(t, db.SaveJob(ctx, rec))
	jobs, err = db.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.False(t, jobs[0].Enabled)

	require.NoError(t, db.DeleteJob(ctx, "j1"))
	jobs, err = db.LoadJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestExecutionsAppendOrderAndTrim(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	total := store.ExecutionTail + 10
	for i := 0; i < total; i++ {
		require.NoError(t, db.AppendExecution(ctx, store.ExecutionRecord{
			JobID:       "j1",
			ExecutionID: fmt.Sprintf("e%03d", i),
			StartedAt:   base.Add(time.Duration(i) * time.Minute),
			FinishedAt:  base.Add(time.Duration(i)*time.Minute + time.Second),
			Status:      "completed",
		}))
	}

	recs, err := db.Executions(ctx, "j1", 0)
	require.NoError(t, err)
	require.Len(t, recs, store.ExecutionTail, "tail must be bounded")
	// oldest discarded first, remainder in append order
	require.Equal(t, "e010", recs[0].ExecutionID)
	require.Equal(t, fmt.Sprintf("e%03d", total-1), recs[len(recs)-1].ExecutionID)

	limited, err := db.Executions(ctx, "j1", 5)
	require.NoError(t, err)
	require.Len(t, limited, 5)
	require.Equal(t, fmt.Sprintf("e%03d", total-1), limited[4].ExecutionID)
}

func TestExecutionsPerJobIsolation(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	for _, job := range []string{"a", "b"} {
		require.NoError(t, db.AppendExecution(ctx, store.ExecutionRecord{
			JobID:       job,
			ExecutionID: "e-" + job,
			StartedAt:   time.Now().UTC(),
			Status:      "completed",
		}))
	}
	recs, err := db.Executions(ctx, "a", 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "e-a", recs[0].ExecutionID)
}

func TestProcessesLoadAsStopped(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	rec := store.ProcessRecord{
		ID:                  "p1",
		Name:                "worker",
		Command:             "/usr/bin/worker",
		WorkDir:             "/srv",
		Env:                 []byte(`{"KEY":"VALUE"}`),
		AutoRestart:         true,
		MaxRestarts:         3,
		RestartDelay:        5 * time.Second,
		HealthCheckURL:      "http://127.0.0.1:9100/healthz",
		HealthCheckInterval: 30 * time.Second,
		Enabled:             true,
		Status:              "running",
		RestartCount:        2,
	}
	require.NoError(t, db.SaveProcess(ctx, rec))

	procs, err := db.LoadProcesses(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	// crash state is never trusted across restarts
	require.Equal(t, "stopped", procs[0].Status)
	require.Equal(t, rec.Command, procs[0].Command)
	require.Equal(t, rec.Env, procs[0].Env)

	require.NoError(t, db.DeleteProcess(ctx, "p1"))
	procs, err = db.LoadProcesses(ctx)
	require.NoError(t, err)
	require.Empty(t, procs)
}

func TestInMemory(t *testing.T) {
	db, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	require.NoError(t, db.EnsureSchema(context.Background()))
	require.NoError(t, db.SaveJob(context.Background(), store.JobRecord{
		ID: "j1", Handler: "h", TriggerKind: "immediate", TriggerParams: []byte(`{}`),
	}))
}
