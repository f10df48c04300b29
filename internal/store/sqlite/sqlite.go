package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/schedd/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// Path is a filesystem path to the database file; use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			handler TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			trigger_params BLOB NOT NULL,
			args BLOB,
			max_instances INTEGER NOT NULL,
			misfire_grace_seconds INTEGER NOT NULL,
			enabled BOOLEAN NOT NULL,
			retries INTEGER NOT NULL,
			timeout_seconds INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS job_executions(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			execution_id TEXT NOT NULL UNIQUE,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_executions_job ON job_executions(job_id, id);`,
		`CREATE TABLE IF NOT EXISTS processes(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			command TEXT NOT NULL,
			work_dir TEXT,
			env BLOB,
			auto_restart BOOLEAN NOT NULL,
			max_restarts INTEGER NOT NULL,
			restart_delay_seconds INTEGER NOT NULL,
			health_check_url TEXT,
			health_check_interval_seconds INTEGER NOT NULL,
			enabled BOOLEAN NOT NULL,
			status TEXT NOT NULL,
			restart_count INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) SaveJob(ctx context.Context, rec store.JobRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs(id, name, handler, trigger_kind, trigger_params, args,
			max_instances, misfire_grace_seconds, enabled, retries, timeout_seconds, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			handler=excluded.handler,
			trigger_kind=excluded.trigger_kind,
			trigger_params=excluded.trigger_params,
			args=excluded.args,
			max_instances=excluded.max_instances,
			misfire_grace_seconds=excluded.misfire_grace_seconds,
			enabled=excluded.enabled,
			retries=excluded.retries,
			timeout_seconds=excluded.timeout_seconds,
			updated_at=excluded.updated_at;`,
		rec.ID, rec.Name, rec.Handler, rec.TriggerKind, rec.TriggerParams, rec.Args,
		rec.MaxInstances, int(rec.MisfireGrace/time.Second), rec.Enabled, rec.Retries,
		int(rec.Timeout/time.Second), time.Now().UTC())
	return err
}

func (s *DB) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?;`, id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_executions WHERE job_id=?;`, id)
	return err
}

func (s *DB) LoadJobs(ctx context.Context) ([]store.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, handler, trigger_kind, trigger_params, args,
			max_instances, misfire_grace_seconds, enabled, retries, timeout_seconds
		FROM jobs ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.JobRecord
	for rows.Next() {
		var rec store.JobRecord
		var graceSec, timeoutSec int
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Handler, &rec.TriggerKind, &rec.TriggerParams,
			&rec.Args, &rec.MaxInstances, &graceSec, &rec.Enabled, &rec.Retries, &timeoutSec); err != nil {
			return nil, err
		}
		rec.MisfireGrace = time.Duration(graceSec) * time.Second
		rec.Timeout = time.Duration(timeoutSec) * time.Second
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *DB) AppendExecution(ctx context.Context, rec store.ExecutionRecord) error {
	var finished any
	if !rec.FinishedAt.IsZero() {
		finished = rec.FinishedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions(job_id, execution_id, started_at, finished_at, status, result, error)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			finished_at=excluded.finished_at,
			status=excluded.status,
			result=excluded.result,
			error=excluded.error;`,
		rec.JobID, rec.ExecutionID, rec.StartedAt.UTC(), finished, rec.Status, rec.Result, rec.Error)
	if err != nil {
		return err
	}
	// Trim to the bounded tail, oldest first.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM job_executions
		WHERE job_id=? AND id NOT IN (
			SELECT id FROM job_executions WHERE job_id=? ORDER BY id DESC LIMIT ?
		);`, rec.JobID, rec.JobID, store.ExecutionTail)
	return err
}

func (s *DB) Executions(ctx context.Context, jobID string, limit int) ([]store.ExecutionRecord, error) {
	if limit <= 0 || limit > store.ExecutionTail {
		limit = store.ExecutionTail
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, execution_id, started_at, finished_at, status, result, error
		FROM job_executions WHERE job_id=?
		ORDER BY id DESC LIMIT ?;`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.ExecutionRecord
	for rows.Next() {
		var rec store.ExecutionRecord
		var finished sql.NullTime
		var result, errStr sql.NullString
		if err := rows.Scan(&rec.JobID, &rec.ExecutionID, &rec.StartedAt, &finished,
			&rec.Status, &result, &errStr); err != nil {
			return nil, err
		}
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		rec.Result = result.String
		rec.Error = errStr.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into append (start) order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *DB) SaveProcess(ctx context.Context, rec store.ProcessRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes(id, name, command, work_dir, env, auto_restart, max_restarts,
			restart_delay_seconds, health_check_url, health_check_interval_seconds,
			enabled, status, restart_count, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			command=excluded.command,
			work_dir=excluded.work_dir,
			env=excluded.env,
			auto_restart=excluded.auto_restart,
			max_restarts=excluded.max_restarts,
			restart_delay_seconds=excluded.restart_delay_seconds,
			health_check_url=excluded.health_check_url,
			health_check_interval_seconds=excluded.health_check_interval_seconds,
			enabled=excluded.enabled,
			status=excluded.status,
			restart_count=excluded.restart_count,
			updated_at=excluded.updated_at;`,
		rec.ID, rec.Name, rec.Command, rec.WorkDir, rec.Env, rec.AutoRestart, rec.MaxRestarts,
		int(rec.RestartDelay/time.Second), rec.HealthCheckURL, int(rec.HealthCheckInterval/time.Second),
		rec.Enabled, rec.Status, rec.RestartCount, time.Now().UTC())
	return err
}

func (s *DB) DeleteProcess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE id=?;`, id)
	return err
}

func (s *DB) LoadProcesses(ctx context.Context) ([]store.ProcessRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, command, work_dir, env, auto_restart, max_restarts,
			restart_delay_seconds, health_check_url, health_check_interval_seconds,
			enabled, status, restart_count
		FROM processes ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.ProcessRecord
	for rows.Next() {
		var rec store.ProcessRecord
		var workDir, healthURL sql.NullString
		var delaySec, healthSec int
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Command, &workDir, &rec.Env,
			&rec.AutoRestart, &rec.MaxRestarts, &delaySec, &healthURL, &healthSec,
			&rec.Enabled, &rec.Status, &rec.RestartCount); err != nil {
			return nil, err
		}
		rec.WorkDir = workDir.String
		rec.HealthCheckURL = healthURL.String
		rec.RestartDelay = time.Duration(delaySec) * time.Second
		rec.HealthCheckInterval = time.Duration(healthSec) * time.Second
		// Crash state is never trusted across a supervisor restart.
		rec.Status = "stopped"
		out = append(out, rec)
	}
	return out, rows.Err()
}
