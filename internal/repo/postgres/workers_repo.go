package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/worker"
	"github.com/taahir-samaai/rpa-orchestrator/internal/observability"
)

type WorkersRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewWorkersRepo(pool *pgxpool.Pool, prom *observability.Prom) *WorkersRepo {
	return &WorkersRepo{pool: pool, prom: prom}
}

func (r *WorkersRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

// Upsert records the configured worker so registry state survives restarts.

func (r *WorkersRepo) Upsert(ctx context.Context, w worker.Worker) error {
	providers, err := json.Marshal(w.Providers)

	if err != nil {
		return err
	}

	op := "workers.upsert"

	return r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
		INSERT INTO workers (endpoint, capacity, current_load, health, providers, last_probe_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (endpoint) DO UPDATE SET
			capacity = EXCLUDED.capacity,
			current_load = EXCLUDED.current_load,
			health = EXCLUDED.health,
			providers = EXCLUDED.providers,
			last_probe_at = EXCLUDED.last_probe_at
	`, w.Endpoint, w.Capacity, w.CurrentLoad, string(w.Health), providers, nullableTime(w.LastProbeAt))
		return err
	})
}

func (r *WorkersRepo) List(ctx context.Context) ([]worker.Worker, error) {
	var out []worker.Worker
	op := "workers.list"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT endpoint, capacity, current_load, health, providers, last_probe_at
		FROM workers ORDER BY endpoint ASC
	`)

		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var w worker.Worker
			var health string
			var providersRaw []byte
			var probe *time.Time

			if err := rows.Scan(&w.Endpoint, &w.Capacity, &w.CurrentLoad, &health, &providersRaw, &probe); err != nil {
				return err
			}

			w.Health = worker.Health(health)

			if probe != nil {
				w.LastProbeAt = *probe
			}
			if len(providersRaw) > 0 {
				if err := json.Unmarshal(providersRaw, &w.Providers); err != nil {
					return err
				}
			}

			out = append(out, w)
		}

		return rows.Err()
	})

	return out, err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
