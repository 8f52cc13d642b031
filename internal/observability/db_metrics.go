package observability

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ObserveDB times one logical store operation and feeds the db metric
// families. Repos wrap every query in it.

func (p *Prom) ObserveDB(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start).Seconds()

	if err != nil {
		p.DbErrorsTotal.WithLabelValues(op, dbErrorClass(err)).Inc()
		p.DbQueryDuration.WithLabelValues(op, "error").Observe(elapsed)
		return err
	}

	p.DbQueryDuration.WithLabelValues(op, "ok").Observe(elapsed)
	return nil
}

// postgres SQLSTATE codes worth their own label
var pgErrorClasses = map[string]string{
	"23505": "unique_violation",
	"40001": "serialization_failure",
	"40P01": "deadlock",
	"57014": "query_canceled",
}

func dbErrorClass(err error) string {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) {
		if class, ok := pgErrorClasses[pgErr.Code]; ok {
			return class
		}
		return "pg_" + pgErr.Code
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timeout"
	}

	return "other"
}
