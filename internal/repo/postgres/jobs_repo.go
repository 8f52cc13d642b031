package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/observability"
	"github.com/taahir-samaai/rpa-orchestrator/internal/utils"
)

const jobColumns = `id, external_id, provider, action, parameters, priority, status,
	assigned_worker, retry_count, max_retries, next_run_at, result, error,
	callback_status, callback_tries, callback_last_at,
	created_at, updated_at, started_at, completed_at`

type JobsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func NewJobsRepo(pool *pgxpool.Pool, prom *observability.Prom) *JobsRepo {
	return &JobsRepo{pool: pool, prom: prom}
}

func (r *JobsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return false
}

func scanJob(row pgx.Row) (job.Job, error) {
	var (
		j         job.Job
		status    string
		cbStatus  string
		paramsRaw []byte
		resultRaw []byte
		errRaw    []byte
	)

	err := row.Scan(
		&j.ID, &j.ExternalID, &j.Provider, &j.Action, &paramsRaw, &j.Priority, &status,
		&j.AssignedWorker, &j.RetryCount, &j.MaxRetries, &j.NextRunAt, &resultRaw, &errRaw,
		&cbStatus, &j.CallbackTries, &j.CallbackLastAt,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
	)

	if err != nil {
		return job.Job{}, err
	}

	j.Status = job.Status(status)
	j.CallbackStatus = job.CallbackStatus(cbStatus)

	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &j.Parameters); err != nil {
			return job.Job{}, err
		}
	}
	if len(resultRaw) > 0 {
		j.Result = &job.Result{}
		if err := json.Unmarshal(resultRaw, j.Result); err != nil {
			return job.Job{}, err
		}
	}
	if len(errRaw) > 0 {
		j.Error = &job.ExecError{}
		if err := json.Unmarshal(errRaw, j.Error); err != nil {
			return job.Job{}, err
		}
	}

	return j, nil
}

// Create inserts a new pending job. Submission is idempotent on
// (provider, external_id): if a row already exists — terminal or not — the
// existing row is returned and nothing is re-enqueued.

func (r *JobsRepo) Create(ctx context.Context, req job.CreateRequest) (job.Job, bool, error) {
	j := job.New(req)
	op := "jobs.create"

	params, err := json.Marshal(j.Parameters)

	if err != nil {
		return job.Job{}, false, err
	}

	err = r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `INSERT INTO jobs(
			external_id, provider, action, parameters, priority, status,
			retry_count, max_retries, callback_status, callback_tries,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id`,
			j.ExternalID, string(j.Provider), string(j.Action), params, j.Priority, string(j.Status),
			j.RetryCount, j.MaxRetries, string(j.CallbackStatus), j.CallbackTries,
			j.CreatedAt, j.UpdatedAt,
		).Scan(&j.ID)
	})

	if err != nil {
		if IsUniqueViolation(err) {
			existing, gerr := r.GetByExternalID(ctx, req.Provider, req.ExternalID)

			if gerr != nil {
				return job.Job{}, false, gerr
			}
			return existing, false, nil
		}
		return job.Job{}, false, err
	}

	return j, true, nil
}

func (r *JobsRepo) GetByID(ctx context.Context, id int64) (job.Job, error) {
	var j job.Job
	var err error
	op := "jobs.get_by_id"

	err = r.observe(op, func() error {
		row := r.pool.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

		j, err = scanJob(row)
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrJobNotFound
		}
		return job.Job{}, err
	}

	return j, nil
}

func (r *JobsRepo) GetByExternalID(ctx context.Context, provider job.Provider, externalID string) (job.Job, error) {
	var j job.Job
	var err error
	op := "jobs.get_by_external_id"

	err = r.observe(op, func() error {
		row := r.pool.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE provider = $1 AND external_id = $2`,
			string(provider), externalID)

		j, err = scanJob(row)
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrJobNotFound
		}
		return job.Job{}, err
	}

	return j, nil
}

// ClaimNextReady atomically picks the highest-priority eligible pending job
// whose provider the calling worker supports and moves it to dispatching.
// SKIP LOCKED keeps concurrent dispatch passes from double-claiming.

func (r *JobsRepo) ClaimNextReady(ctx context.Context, now time.Time, providers []string) (job.Job, error) {
	var j job.Job
	var err error

	op := "jobs.claim_next_ready"

	err = r.observe(op, func() error {
		row := r.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT id
			FROM jobs
			WHERE status = 'pending'
			  AND (next_run_at IS NULL OR next_run_at <= $1)
			  AND provider = ANY($2)
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs
		SET status = 'dispatching',
		    updated_at = NOW()
		WHERE id = (SELECT id FROM next)
		RETURNING `+jobColumns, now, providers)

		j, err = scanJob(row)
		return err
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return job.Job{}, job.ErrJobNotFound // nothing eligible
		}
		return job.Job{}, err
	}

	r.appendHistory(ctx, j.ID, job.StatusPending, job.StatusDispatching, "claimed")

	return j, nil
}

// Transition is the compare-and-set on status every mutation goes through.
// Returns ErrStateConflict when the row is no longer in the expected state,
// which callers treat as "someone else already resolved this job".

func (r *JobsRepo) Transition(ctx context.Context, id int64, from, to job.Status, patch job.Patch) error {
	if !job.CanTransition(from, to) {
		return job.ErrStateConflict
	}

	sets := []string{"status = $3", "updated_at = NOW()"}
	args := []any{id, string(from), string(to)}
	pos := 4

	add := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, pos))
		args = append(args, v)
		pos++
	}

	if patch.AssignedWorker != nil {
		add("assigned_worker", *patch.AssignedWorker)
	}
	if patch.ClearAssigned {
		sets = append(sets, "assigned_worker = NULL")
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.NextRunAt != nil {
		add("next_run_at", *patch.NextRunAt)
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.Result != nil {
		b, err := json.Marshal(patch.Result)
		if err != nil {
			return err
		}
		add("result", b)
	}
	if patch.Error != nil {
		b, err := json.Marshal(patch.Error)
		if err != nil {
			return err
		}
		add("error", b)
	}

	q := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 AND status = $2`

	var tag pgconn.CommandTag
	var err error
	op := "jobs.transition"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, q, args...)
		return err
	})

	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		// row either missing or in a different state; disambiguate
		_, gerr := r.GetByID(ctx, id)

		if errors.Is(gerr, job.ErrJobNotFound) {
			return job.ErrJobNotFound
		}
		return job.ErrStateConflict
	}

	r.appendHistory(ctx, id, from, to, patch.HistoryDetail)

	return nil
}

// RecordResult finalizes a running job. CAS on running means a duplicate
// completion report is a no-op (ErrStateConflict).

func (r *JobsRepo) RecordResult(ctx context.Context, id int64, result *job.Result, execErr *job.ExecError, final job.Status) error {
	now := time.Now().UTC()

	return r.Transition(ctx, id, job.StatusRunning, final, job.Patch{
		CompletedAt:   &now,
		Result:        result,
		Error:         execErr,
		HistoryDetail: "result recorded",
	})
}

func (r *JobsRepo) ListRunning(ctx context.Context) ([]job.Job, error) {
	return r.listByStatus(ctx, "jobs.list_running", job.StatusRunning)
}

// ListStale returns running jobs whose started_at is strictly older than
// now - threshold.

func (r *JobsRepo) ListStale(ctx context.Context, threshold time.Duration, now time.Time) ([]job.Job, error) {
	cutoff := now.Add(-threshold)

	var out []job.Job
	op := "jobs.list_stale"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE status = 'running' AND started_at < $1
			 ORDER BY started_at ASC`, cutoff)

		if err != nil {
			return err
		}
		defer rows.Close()

		out, err = collectJobs(rows)
		return err
	})

	return out, err
}

func (r *JobsRepo) listByStatus(ctx context.Context, op string, status job.Status) ([]job.Job, error) {
	var out []job.Job

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at ASC`,
			string(status))

		if err != nil {
			return err
		}
		defer rows.Close()

		out, err = collectJobs(rows)
		return err
	})

	return out, err
}

func collectJobs(rows pgx.Rows) ([]job.Job, error) {
	var out []job.Job

	for rows.Next() {
		j, err := scanJob(rows)

		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}

	return out, rows.Err()
}

func (r *JobsRepo) SnapshotCounts(ctx context.Context) (job.Counts, error) {
	var c job.Counts
	op := "jobs.snapshot_counts"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT status, COUNT(*) FROM jobs GROUP BY status`)

		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var status string
			var n int

			if err := rows.Scan(&status, &n); err != nil {
				return err
			}

			switch job.Status(status) {
			case job.StatusPending, job.StatusDispatching:
				c.Pending += n
			case job.StatusRunning:
				c.Running += n
			case job.StatusCompleted:
				c.Completed += n
			case job.StatusFailed:
				c.Failed += n
			case job.StatusDead:
				c.Dead += n
			}
		}

		return rows.Err()
	})

	return c, err
}

// MarkCallback advances callback bookkeeping. delivered is only reachable
// from pending, so a delivered callback can never be retried or overwritten.

func (r *JobsRepo) MarkCallback(ctx context.Context, id int64, status job.CallbackStatus, tries int) error {
	var tag pgconn.CommandTag
	var err error
	op := "jobs.mark_callback"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE jobs
		SET callback_status = $2,
		    callback_tries = $3,
		    callback_last_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND callback_status != 'delivered'
	`, id, string(status), tries)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return job.ErrStateConflict
	}
	return nil
}

// ListCallbackPending finds terminal jobs whose callback never got
// delivered — typically because the process restarted with deliveries
// queued in memory. olderThan keeps the sweep from racing the reporter on
// jobs that just finished.

func (r *JobsRepo) ListCallbackPending(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 50
	}

	var out []int64
	op := "jobs.list_callback_pending"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT id FROM jobs
		WHERE status IN ('completed','dead')
		  AND callback_status = 'pending'
		  AND completed_at < $1
		ORDER BY completed_at ASC
		LIMIT $2
	`, olderThan, limit)

		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var id int64

			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}

		return rows.Err()
	})

	return out, err
}

// RetryDead requeues a dead job by operator request.

func (r *JobsRepo) RetryDead(ctx context.Context, id int64) error {
	j, err := r.GetByID(ctx, id)

	if err != nil {
		return err
	}

	if j.Status != job.StatusDead {
		return job.ErrNotDead
	}

	var tag pgconn.CommandTag
	op := "jobs.retry_dead"

	err = r.observe(op, func() error {
		tag, err = r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'pending',
		    retry_count = 0,
		    next_run_at = NOW(),
		    assigned_worker = NULL,
		    error = NULL,
		    completed_at = NULL,
		    callback_status = 'pending',
		    callback_tries = 0,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'dead'
	`, id)
		return err
	})

	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return job.ErrStateConflict
	}

	r.appendHistory(ctx, id, job.StatusDead, job.StatusPending, "operator retry")

	return nil
}

func (r *JobsRepo) appendHistory(ctx context.Context, id int64, from, to job.Status, detail string) {
	op := "jobs.append_history"

	err := r.observe(op, func() error {
		_, err := r.pool.Exec(ctx, `
		INSERT INTO job_history (job_id, from_status, to_status, detail, created_at)
		VALUES ($1,$2,$3,$4,NOW())
	`, id, string(from), string(to), detail)
		return err
	})

	if err != nil {
		// history is audit, never a reason to fail the transition
		return
	}
}

func (r *JobsRepo) History(ctx context.Context, id int64) ([]job.HistoryEntry, error) {
	var out []job.HistoryEntry
	op := "jobs.history"

	err := r.observe(op, func() error {
		rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, from_status, to_status, detail, created_at
		FROM job_history WHERE job_id = $1 ORDER BY id ASC
	`, id)

		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var h job.HistoryEntry
			var from, to string

			if err := rows.Scan(&h.ID, &h.JobID, &from, &to, &h.Detail, &h.CreatedAt); err != nil {
				return err
			}
			h.FromStatus = job.Status(from)
			h.ToStatus = job.Status(to)
			out = append(out, h)
		}

		return rows.Err()
	})

	return out, err
}

// ListCursor is keyset pagination for the operator job listing.

func (r *JobsRepo) ListCursor(
	ctx context.Context,
	status *string,
	limit int,
	afterUpdatedAt time.Time,
	afterID int64,
) (items []job.Job, nextCursor *string, hasMore bool, err error) {
	op := "jobs.list_cursor"

	base := `SELECT ` + jobColumns + ` FROM jobs`

	var (
		conds   []string
		args    []any
		argsPos = 1
	)

	if status != nil {
		conds = append(conds, fmt.Sprintf("status = $%d", argsPos))
		args = append(args, *status)
		argsPos++
	}

	// DESC keyset: fetch rows "older" than cursor
	conds = append(conds, fmt.Sprintf("(updated_at, id) < ($%d, $%d)", argsPos, argsPos+1))
	args = append(args, afterUpdatedAt, afterID)
	argsPos += 2

	q := base + " WHERE " + strings.Join(conds, " AND ")

	limitPlusOne := limit + 1
	q += fmt.Sprintf(" ORDER BY updated_at DESC, id DESC LIMIT $%d", argsPos)
	args = append(args, limitPlusOne)

	var rows pgx.Rows

	err = r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, q, args...)
		return qerr
	})
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	out := make([]job.Job, 0, limit)

	for rows.Next() {
		j, scanErr := scanJob(rows)

		if scanErr != nil {
			return nil, nil, false, scanErr
		}
		out = append(out, j)
	}

	if rows.Err() != nil {
		return nil, nil, false, rows.Err()
	}

	if len(out) > limit {
		hasMore = true
		out = out[:limit]
		last := out[len(out)-1]

		cur, encErr := utils.EncodeJobCursor(last.UpdatedAt, last.ID)
		if encErr != nil {
			return nil, nil, false, encErr
		}
		nextCursor = &cur
	}

	return out, nextCursor, hasMore, nil
}
