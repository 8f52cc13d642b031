package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/observability"
)

type MetricsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewMetricsRepo(pool *pgxpool.Pool, prom *observability.Prom) *MetricsRepo {
	return &MetricsRepo{pool: pool, prom: prom}
}

func (r *MetricsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// Record persists one snapshot row; the in-memory ring stays the hot path
// for the metrics endpoint, this is the durable history.

func (r *MetricsRepo) Record(ctx context.Context, at time.Time, c job.Counts, workerHealth map[string]string) error {
	health, err := json.Marshal(workerHealth)

	if err != nil {
		return err
	}

	op := "metrics.record"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
		INSERT INTO metrics_samples (sampled_at, pending_count, running_count, completed_count, failed_count, dead_count, worker_health)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, at, c.Pending, c.Running, c.Completed, c.Failed, c.Dead, health)
		return err
	})
}

// PruneOlderThan keeps the samples table bounded.

func (r *MetricsRepo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	op := "metrics.prune"

	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx,
			`DELETE FROM metrics_samples WHERE sampled_at < $1`, cutoff)

		if err != nil {
			return err
		}
		removed = tag.RowsAffected()
		return nil
	})

	return removed, err
}
