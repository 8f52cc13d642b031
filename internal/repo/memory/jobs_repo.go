package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/evidence"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/utils"
)

// JobsRepo is the in-memory Job Store. It mirrors the postgres repo's
// contract (same CAS semantics) and backs the unit and property tests.

type JobsRepo struct {
	mu       sync.RWMutex
	nextID   int64
	items    map[int64]*job.Job
	byExtKey map[string]int64 // provider + "/" + external_id
	history  map[int64][]job.HistoryEntry
	nextHist int64
	evidence map[int64][]evidence.Record
	nextEv   int64
}

func NewJobsRepo() *JobsRepo {
	return &JobsRepo{
		items:    make(map[int64]*job.Job),
		byExtKey: make(map[string]int64),
		history:  make(map[int64][]job.HistoryEntry),
		evidence: make(map[int64][]evidence.Record),
	}
}

func extKey(p job.Provider, externalID string) string {
	return string(p) + "/" + externalID
}

func (r *JobsRepo) Create(ctx context.Context, req job.CreateRequest) (job.Job, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := extKey(req.Provider, req.ExternalID)

	if id, ok := r.byExtKey[key]; ok {
		return *r.items[id], false, nil
	}

	j := job.New(req)
	r.nextID++
	j.ID = r.nextID

	r.items[j.ID] = &j
	r.byExtKey[key] = j.ID

	return j, true, nil
}

func (r *JobsRepo) GetByID(ctx context.Context, id int64) (job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.items[id]

	if !ok {
		return job.Job{}, job.ErrJobNotFound
	}
	return *j, nil
}

func (r *JobsRepo) GetByExternalID(ctx context.Context, p job.Provider, externalID string) (job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byExtKey[extKey(p, externalID)]

	if !ok {
		return job.Job{}, job.ErrJobNotFound
	}
	return *r.items[id], nil
}

func (r *JobsRepo) ClaimNextReady(ctx context.Context, now time.Time, providers []string) (job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	supported := make(map[string]bool, len(providers))
	for _, p := range providers {
		supported[p] = true
	}

	var best *job.Job

	for _, j := range r.items {
		if !j.Eligible(now) {
			continue
		}
		if len(providers) > 0 && !supported[string(j.Provider)] {
			continue
		}

		if best == nil {
			best = j
			continue
		}

		// priority desc, then oldest created
		if j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.CreatedAt.Before(best.CreatedAt)) {
			best = j
		}
	}

	if best == nil {
		return job.Job{}, job.ErrJobNotFound
	}

	best.Status = job.StatusDispatching
	best.UpdatedAt = time.Now().UTC()
	r.appendHistoryLocked(best.ID, job.StatusPending, job.StatusDispatching, "claimed")

	return *best, nil
}

func (r *JobsRepo) Transition(ctx context.Context, id int64, from, to job.Status, patch job.Patch) error {
	if !job.CanTransition(from, to) {
		return job.ErrStateConflict
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.items[id]

	if !ok {
		return job.ErrJobNotFound
	}

	if j.Status != from {
		return job.ErrStateConflict
	}

	j.Status = to
	j.UpdatedAt = time.Now().UTC()

	if patch.AssignedWorker != nil {
		j.AssignedWorker = patch.AssignedWorker
	}
	if patch.ClearAssigned {
		j.AssignedWorker = nil
	}
	if patch.StartedAt != nil {
		j.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		j.CompletedAt = patch.CompletedAt
	}
	if patch.NextRunAt != nil {
		j.NextRunAt = patch.NextRunAt
	}
	if patch.RetryCount != nil {
		j.RetryCount = *patch.RetryCount
	}
	if patch.Result != nil {
		j.Result = patch.Result
	}
	if patch.Error != nil {
		j.Error = patch.Error
	}

	r.appendHistoryLocked(id, from, to, patch.HistoryDetail)

	return nil
}

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
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []job.Job

	for _, j := range r.items {
		if j.Status == job.StatusRunning {
			out = append(out, *j)
		}
	}

	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })

	return out, nil
}

func (r *JobsRepo) ListStale(ctx context.Context, threshold time.Duration, now time.Time) ([]job.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []job.Job

	for _, j := range r.items {
		if j.Stale(threshold, now) {
			out = append(out, *j)
		}
	}

	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })

	return out, nil
}

func (r *JobsRepo) SnapshotCounts(ctx context.Context) (job.Counts, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c job.Counts

	for _, j := range r.items {
		switch j.Status {
		case job.StatusPending, job.StatusDispatching:
			c.Pending++
		case job.StatusRunning:
			c.Running++
		case job.StatusCompleted:
			c.Completed++
		case job.StatusFailed:
			c.Failed++
		case job.StatusDead:
			c.Dead++
		}
	}

	return c, nil
}

func (r *JobsRepo) MarkCallback(ctx context.Context, id int64, status job.CallbackStatus, tries int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.items[id]

	if !ok {
		return job.ErrJobNotFound
	}

	if j.CallbackStatus == job.CallbackDelivered {
		return job.ErrStateConflict
	}

	now := time.Now().UTC()
	j.CallbackStatus = status
	j.CallbackTries = tries
	j.CallbackLastAt = &now
	j.UpdatedAt = now

	return nil
}

func (r *JobsRepo) ListCallbackPending(ctx context.Context, olderThan time.Time, limit int) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var out []int64

	for _, j := range r.items {
		if !j.Status.IsTerminal() || j.CallbackStatus != job.CallbackPending {
			continue
		}
		if j.CompletedAt == nil || !j.CompletedAt.Before(olderThan) {
			continue
		}
		out = append(out, j.ID)
	}

	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })

	if len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

func (r *JobsRepo) RetryDead(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.items[id]

	if !ok {
		return job.ErrJobNotFound
	}

	if j.Status != job.StatusDead {
		return job.ErrNotDead
	}

	now := time.Now().UTC()
	j.Status = job.StatusPending
	j.RetryCount = 0
	j.NextRunAt = &now
	j.AssignedWorker = nil
	j.Error = nil
	j.CompletedAt = nil
	j.CallbackStatus = job.CallbackPending
	j.CallbackTries = 0
	j.UpdatedAt = now

	r.appendHistoryLocked(id, job.StatusDead, job.StatusPending, "operator retry")

	return nil
}

// ListCursor mirrors the postgres keyset listing: updated_at DESC, id DESC.

func (r *JobsRepo) ListCursor(
	ctx context.Context,
	status *string,
	limit int,
	afterUpdatedAt time.Time,
	afterID int64,
) ([]job.Job, *string, bool, error) {
	r.mu.RLock()

	var all []job.Job

	for _, j := range r.items {
		if status != nil && string(j.Status) != *status {
			continue
		}
		if j.UpdatedAt.After(afterUpdatedAt) {
			continue
		}
		if j.UpdatedAt.Equal(afterUpdatedAt) && j.ID >= afterID {
			continue
		}
		all = append(all, *j)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(a, b int) bool {
		if !all[a].UpdatedAt.Equal(all[b].UpdatedAt) {
			return all[a].UpdatedAt.After(all[b].UpdatedAt)
		}
		return all[a].ID > all[b].ID
	})

	hasMore := len(all) > limit

	if hasMore {
		all = all[:limit]
	}

	var nextCursor *string

	if hasMore && len(all) > 0 {
		last := all[len(all)-1]

		cur, err := utils.EncodeJobCursor(last.UpdatedAt, last.ID)

		if err != nil {
			return nil, nil, false, err
		}
		nextCursor = &cur
	}

	return all, nextCursor, hasMore, nil
}

func (r *JobsRepo) appendHistoryLocked(id int64, from, to job.Status, detail string) {
	r.nextHist++

	r.history[id] = append(r.history[id], job.HistoryEntry{
		ID:         r.nextHist,
		JobID:      id,
		FromStatus: from,
		ToStatus:   to,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	})
}

func (r *JobsRepo) History(ctx context.Context, id int64) ([]job.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]job.HistoryEntry, len(r.history[id]))
	copy(out, r.history[id])

	return out, nil
}

// evidence, append-only

func (r *JobsRepo) Append(ctx context.Context, rec evidence.Record) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextEv++
	rec.ID = r.nextEv
	r.evidence[rec.JobID] = append(r.evidence[rec.JobID], rec)

	return rec.ID, nil
}

func (r *JobsRepo) ListEvidence(ctx context.Context, jobID int64) ([]evidence.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]evidence.Record, len(r.evidence[jobID]))
	copy(out, r.evidence[jobID])

	return out, nil
}

func (r *JobsRepo) PurgeEvidenceOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64

	for jobID, recs := range r.evidence {
		kept := recs[:0]

		for _, rec := range recs {
			if rec.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, rec)
		}
		r.evidence[jobID] = kept
	}

	return removed, nil
}
