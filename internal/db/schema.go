package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the tables the control plane needs if they do not
// exist yet. Dispatcher ordering, stale recovery and idempotent submission
// each get their own index.

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id               BIGSERIAL PRIMARY KEY,
			external_id      TEXT NOT NULL,
			provider         TEXT NOT NULL,
			action           TEXT NOT NULL,
			parameters       JSONB NOT NULL DEFAULT '{}',
			priority         INT NOT NULL DEFAULT 0,
			status           TEXT NOT NULL,
			assigned_worker  TEXT,
			retry_count      INT NOT NULL DEFAULT 0,
			max_retries      INT NOT NULL DEFAULT 3,
			next_run_at      TIMESTAMPTZ,
			result           JSONB,
			error            JSONB,
			callback_status  TEXT NOT NULL DEFAULT 'pending',
			callback_tries   INT NOT NULL DEFAULT 0,
			callback_last_at TIMESTAMPTZ,
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			started_at       TIMESTAMPTZ,
			completed_at     TIMESTAMPTZ
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS jobs_provider_external_id
			ON jobs (provider, external_id)`,
		`CREATE INDEX IF NOT EXISTS jobs_dispatch_order
			ON jobs (status, priority DESC, created_at ASC)`,
		`CREATE INDEX IF NOT EXISTS jobs_stale_scan
			ON jobs (status, started_at)`,
		`CREATE TABLE IF NOT EXISTS job_history (
			id          BIGSERIAL PRIMARY KEY,
			job_id      BIGINT NOT NULL REFERENCES jobs(id),
			from_status TEXT NOT NULL,
			to_status   TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS job_history_job_id ON job_history (job_id)`,
		`CREATE TABLE IF NOT EXISTS evidence (
			id         BIGSERIAL PRIMARY KEY,
			job_id     BIGINT NOT NULL REFERENCES jobs(id),
			name       TEXT NOT NULL,
			mime_type  TEXT NOT NULL,
			payload    BYTEA NOT NULL,
			path       TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS evidence_job_id ON evidence (job_id)`,
		`CREATE INDEX IF NOT EXISTS evidence_created_at ON evidence (created_at)`,
		`CREATE TABLE IF NOT EXISTS metrics_samples (
			id              BIGSERIAL PRIMARY KEY,
			sampled_at      TIMESTAMPTZ NOT NULL,
			pending_count   INT NOT NULL,
			running_count   INT NOT NULL,
			completed_count INT NOT NULL,
			failed_count    INT NOT NULL,
			dead_count      INT NOT NULL,
			worker_health   JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			endpoint      TEXT PRIMARY KEY,
			capacity      INT NOT NULL DEFAULT 0,
			current_load  INT NOT NULL DEFAULT 0,
			health        TEXT NOT NULL DEFAULT 'offline',
			providers     JSONB NOT NULL DEFAULT '[]',
			last_probe_at TIMESTAMPTZ
		)`,
	}

	for _, stmt := range stmts {
		_, err := pool.Exec(ctx, stmt)

		if err != nil {
			return err
		}
	}

	return nil
}
