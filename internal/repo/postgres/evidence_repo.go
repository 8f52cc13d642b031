package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/evidence"
	"github.com/taahir-samaai/rpa-orchestrator/internal/observability"
)

type EvidenceRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewEvidenceRepo(pool *pgxpool.Pool, prom *observability.Prom) *EvidenceRepo {
	return &EvidenceRepo{pool: pool, prom: prom}
}

func (r *EvidenceRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// Append stores one artifact against a job. Evidence is append-only.

func (r *EvidenceRepo) Append(ctx context.Context, rec evidence.Record) (int64, error) {
	var id int64
	op := "evidence.append"

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
		INSERT INTO evidence (job_id, name, mime_type, payload, path, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, rec.JobID, rec.Name, rec.MimeType, rec.Payload, rec.Path, rec.CreatedAt).Scan(&id)
	})

	if err != nil {
		return 0, err
	}
	return id, nil
}

func (r *EvidenceRepo) ListForJob(ctx context.Context, jobID int64) ([]evidence.Record, error) {
	var out []evidence.Record
	op := "evidence.list_for_job"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, name, mime_type, payload, path, created_at
		FROM evidence WHERE job_id = $1 ORDER BY id ASC
	`, jobID)

		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rec evidence.Record

			if err := rows.Scan(&rec.ID, &rec.JobID, &rec.Name, &rec.MimeType, &rec.Payload, &rec.Path, &rec.CreatedAt); err != nil {
				return err
			}
			out = append(out, rec)
		}

		return rows.Err()
	})

	return out, err
}

// PurgeOlderThan drops artifacts past the retention cutoff. Job rows stay.

func (r *EvidenceRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	op := "evidence.purge"

	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx,
			`DELETE FROM evidence WHERE created_at < $1`, cutoff)

		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		return nil
	})

	return removed, err
}
