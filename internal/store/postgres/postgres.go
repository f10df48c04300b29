package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/schedd/internal/store"
)

// DB implements store.Store for PostgreSQL via the pgx stdlib adapter.
type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs(
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			handler TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			trigger_params BYTEA NOT NULL,
			args BYTEA,
			max_instances INTEGER NOT NULL,
			misfire_grace_seconds INTEGER NOT NULL,
			enabled BOOLEAN NOT NULL,
			retries INTEGER NOT NULL,
			timeout_seconds INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS job_executions(
			id BIGSERIAL PRIMARY KEY,
			job_id TEXT NOT NULL,
			execution_id TEXT NOT NULL UNIQUE,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NULL,
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
			env BYTEA,
			auto_restart BOOLEAN NOT NULL,
			max_restarts INTEGER NOT NULL,
			restart_delay_seconds INTEGER NOT NULL,
			health_check_url TEXT,
			health_check_interval_seconds INTEGER NOT NULL,
			enabled BOOLEAN NOT NULL,
			status TEXT NOT NULL,
			restart_count INTEGER NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) SaveJob(ctx context.Context, rec store.JobRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs(id, name, handler, trigger_kind, trigger_params, args,
			max_instances, misfire_grace_seconds, enabled, retries, timeout_seconds, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT(id) DO UPDATE SET
			name=EXCLUDED.name,
			handler=EXCLUDED.handler,
			trigger_kind=EXCLUDED.trigger_kind,
			trigger_params=EXCLUDED.trigger_params,
			args=EXCLUDED.args,
			max_instances=EXCLUDED.max_instances,
			misfire_grace_seconds=EXCLUDED.misfire_grace_seconds,
			enabled=EXCLUDED.enabled,
			retries=EXCLUDED.retries,
			timeout_seconds=EXCLUDED.timeout_seconds,
			updated_at=EXCLUDED.updated_at;`,
		rec.ID, rec.Name, rec.Handler, rec.TriggerKind, rec.TriggerParams, rec.Args,
		rec.MaxInstances, int(rec.MisfireGrace/time.Second), rec.Enabled, rec.Retries,
		int(rec.Timeout/time.Second), time.Now().UTC())
	return err
}

func (p *DB) DeleteJob(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=$1;`, id); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM job_executions WHERE job_id=$1;`, id)
	return err
}

func (p *DB) LoadJobs(ctx context.Context) ([]store.JobRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
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

func (p *DB) AppendExecution(ctx context.Context, rec store.ExecutionRecord) error {
	var finished any
	if !rec.FinishedAt.IsZero() {
		finished = rec.FinishedAt.UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO job_executions(job_id, execution_id, started_at, finished_at, status, result, error)
		VALUES($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT(execution_id) DO UPDATE SET
			finished_at=EXCLUDED.finished_at,
			status=EXCLUDED.status,
			result=EXCLUDED.result,
			error=EXCLUDED.error;`,
		rec.JobID, rec.ExecutionID, rec.StartedAt.UTC(), finished, rec.Status, rec.Result, rec.Error)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		DELETE FROM job_executions
		WHERE job_id=$1 AND id NOT IN (
			SELECT id FROM job_executions WHERE job_id=$1 ORDER BY id DESC LIMIT $2
		);`, rec.JobID, store.ExecutionTail)
	return err
}

func (p *DB) Executions(ctx context.Context, jobID string, limit int) ([]store.ExecutionRecord, error) {
	if limit <= 0 || limit > store.ExecutionTail {
		limit = store.ExecutionTail
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT job_id, execution_id, started_at, finished_at, status, result, error
		FROM job_executions WHERE job_id=$1
		ORDER BY id DESC LIMIT $2;`, jobID, limit)
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
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (p *DB) SaveProcess(ctx context.Context, rec store.ProcessRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO processes(id, name, command, work_dir, env, auto_restart, max_restarts,
			restart_delay_seconds, health_check_url, health_check_interval_seconds,
			enabled, status, restart_count, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT(id) DO UPDATE SET
			name=EXCLUDED.name,
			command=EXCLUDED.command,
			work_dir=EXCLUDED.work_dir,
			env=EXCLUDED.env,
			auto_restart=EXCLUDED.auto_restart,
			max_restarts=EXCLUDED.max_restarts,
			restart_delay_seconds=EXCLUDED.restart_delay_seconds,
			health_check_url=EXCLUDED.health_check_url,
			health_check_interval_seconds=EXCLUDED.health_check_interval_seconds,
			enabled=EXCLUDED.enabled,
			status=EXCLUDED.status,
			restart_count=EXCLUDED.restart_count,
			updated_at=EXCLUDED.updated_at;`,
		rec.ID, rec.Name, rec.Command, rec.WorkDir, rec.Env, rec.AutoRestart, rec.MaxRestarts,
		int(rec.RestartDelay/time.Second), rec.HealthCheckURL, int(rec.HealthCheckInterval/time.Second),
		rec.Enabled, rec.Status, rec.RestartCount, time.Now().UTC())
	return err
}

func (p *DB) DeleteProcess(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM processes WHERE id=$1;`, id)
	return err
}

func (p *DB) LoadProcesses(ctx context.Context) ([]store.ProcessRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
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
		rec.Status = "stopped"
		out = append(out, rec)
	}
	return out, rows.Err()
}
