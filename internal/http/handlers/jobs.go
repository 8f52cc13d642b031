package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taahir-samaai/rpa-orchestrator/internal/config"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/evidence"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/utils"
)

// Keep these interfaces small so tests can fake them easily.

type JobsStore interface {
	Create(ctx context.Context, req job.CreateRequest) (job.Job, bool, error)
	GetByID(ctx context.Context, id int64) (job.Job, error)
	Transition(ctx context.Context, id int64, from, to job.Status, patch job.Patch) error
	History(ctx context.Context, id int64) ([]job.HistoryEntry, error)
	RetryDead(ctx context.Context, id int64) error
	ListCursor(ctx context.Context, status *string, limit int, afterUpdatedAt time.Time, afterID int64) ([]job.Job, *string, bool, error)
}

type EvidenceLister interface {
	ListForJob(ctx context.Context, jobID int64) ([]evidence.Record, error)
}

type CallbackEnqueuer interface {
	Enqueue(jobID int64)
}

type JobsHandler struct {
	store     JobsStore
	evidence  EvidenceLister
	callbacks CallbackEnqueuer
}

func NewJobsHandler(store JobsStore, ev EvidenceLister, cbs CallbackEnqueuer) *JobsHandler {
	return &JobsHandler{store: store, evidence: ev, callbacks: cbs}
}

type createJobRequest struct {
	Provider   string         `json:"provider" binding:"required"`
	Action     string         `json:"action" binding:"required"`
	ExternalID string         `json:"external_id" binding:"required"`
	Parameters map[string]any `json:"parameters" binding:"required"`
	Priority   int            `json:"priority"`
	MaxRetries int            `json:"max_retries"`
}

// POST /jobs
// Idempotent on (provider, external_id): resubmission returns the existing
// job with 200 instead of 201.

func (h *JobsHandler) Create(ctx *gin.Context) {
	var req createJobRequest

	if !BindJSON(ctx, &req) {
		return
	}

	provider := job.Provider(req.Provider)
	action := job.Action(req.Action)

	if !provider.IsValid() {
		RespondBadRequest(ctx, "unknown provider", gin.H{"provider": req.Provider})
		return
	}
	if !action.IsValid() {
		RespondBadRequest(ctx, "unknown action", gin.H{"action": req.Action})
		return
	}

	params := job.Parameters(req.Parameters)

	if params.CircuitNumber() == "" {
		RespondBadRequest(ctx, "parameters.circuit_number is required", nil)
		return
	}

	cctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	j, created, err := h.store.Create(cctx, job.CreateRequest{
		ExternalID: req.ExternalID,
		Provider:   provider,
		Action:     action,
		Parameters: params,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	})

	if err != nil {
		RespondInternal(ctx, "Could not create job")
		return
	}

	status := http.StatusOK

	if created {
		status = http.StatusCreated
	}

	ctx.JSON(status, gin.H{
		"id":     j.ID,
		"status": j.Status,
	})

	slog.Default().InfoContext(cctx, "job.submitted",
		"request_id", requestIDFrom(ctx),
		"job_id", j.ID,
		"external_id", j.ExternalID,
		"provider", string(j.Provider),
		"action", string(j.Action),
		"already_known", !created,
	)
}

func jobIDParam(ctx *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)

	if err != nil || id <= 0 {
		RespondBadRequest(ctx, "id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}

// GET /jobs/:id

func (h *JobsHandler) Get(ctx *gin.Context) {
	id, ok := jobIDParam(ctx)

	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	j, err := h.store.GetByID(cctx, id)

	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}

		RespondInternal(ctx, "Could not fetch job")
		return
	}

	history, err := h.store.History(cctx, id)

	if err != nil {
		// job detail is still useful without the audit trail
		history = nil
	}

	ctx.JSON(http.StatusOK, gin.H{
		"job":     j,
		"history": history,
	})
}

// DELETE /jobs/:id — operator cancel. The job goes to dead immediately; if
// a worker later reports a result for it, that result loses the CAS and is
// discarded.

func (h *JobsHandler) Cancel(ctx *gin.Context) {
	id, ok := jobIDParam(ctx)

	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	// the job may be mid-transition under the dispatcher; retry the CAS a
	// few times against its current state
	for attempt := 0; attempt < 3; attempt++ {
		j, err := h.store.GetByID(cctx, id)

		if err != nil {
			if errors.Is(err, job.ErrJobNotFound) {
				RespondNotFound(ctx, "Job not found")
				return
			}

			RespondInternal(ctx, "Could not fetch job")
			return
		}

		if j.Status.IsTerminal() {
			RespondConflict(ctx, "already_terminal", "Job already reached a terminal state")
			return
		}

		now := time.Now().UTC()

		err = h.store.Transition(cctx, id, j.Status, job.StatusDead, job.Patch{
			CompletedAt:   &now,
			Error:         job.NewExecError(job.KindCancelledByOperator, "cancelled via DELETE /jobs"),
			HistoryDetail: "operator cancel",
		})

		if err == nil {
			if h.callbacks != nil {
				h.callbacks.Enqueue(id)
			}

			ctx.JSON(http.StatusOK, gin.H{
				"id":     id,
				"status": job.StatusDead,
			})

			slog.Default().InfoContext(cctx, "job.cancelled",
				"request_id", requestIDFrom(ctx),
				"job_id", id,
			)
			return
		}

		if !errors.Is(err, job.ErrStateConflict) {
			RespondInternal(ctx, "Could not cancel job")
			return
		}
	}

	RespondConflict(ctx, "state_conflict", "Job state kept changing; try again")
}

// POST /jobs/:id/retry — requeue a dead job.

func (h *JobsHandler) Retry(ctx *gin.Context) {
	id, ok := jobIDParam(ctx)

	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	err := h.store.RetryDead(cctx, id)

	if err != nil {
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			RespondNotFound(ctx, "Job not found")
		case errors.Is(err, job.ErrNotDead):
			RespondConflict(ctx, "not_dead", "Only dead jobs can be retried")
		default:
			RespondInternal(ctx, "Could not retry job")
		}
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"id":     id,
		"status": job.StatusPending,
	})
}

const maxScreenshotsPerRequest = 50

// GET /jobs/:id/screenshots — evidence, base64 at the boundary only.

func (h *JobsHandler) Screenshots(ctx *gin.Context) {
	id, ok := jobIDParam(ctx)

	if !ok {
		return
	}

	cctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	if _, err := h.store.GetByID(cctx, id); err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			RespondNotFound(ctx, "Job not found")
			return
		}

		RespondInternal(ctx, "Could not fetch job")
		return
	}

	records, err := h.evidence.ListForJob(cctx, id)

	if err != nil {
		RespondInternal(ctx, "Could not fetch evidence")
		return
	}

	if len(records) > maxScreenshotsPerRequest {
		records = records[:maxScreenshotsPerRequest]
	}

	type screenshotView struct {
		Name      string    `json:"name"`
		MimeType  string    `json:"mimeType"`
		Data      string    `json:"data"`
		CreatedAt time.Time `json:"createdAt"`
	}

	out := make([]screenshotView, 0, len(records))

	for _, rec := range records {
		out = append(out, screenshotView{
			Name:      rec.Name,
			MimeType:  rec.MimeType,
			Data:      base64.StdEncoding.EncodeToString(rec.Payload),
			CreatedAt: rec.CreatedAt,
		})
	}

	ctx.JSON(http.StatusOK, gin.H{
		"jobId": id,
		"count": len(out),
		"items": out,
	})
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}

	n, err := strconv.Atoi(s)

	if err != nil {
		return fallback
	}

	return n
}

// GET /jobs?status=dead&limit=50&cursor=...

func (h *JobsHandler) List(ctx *gin.Context) {
	limit := parseInt(ctx.Query("limit"), 50)

	if limit < 1 || limit > 200 {
		RespondBadRequest(ctx, "limit must be between 1 and 200", nil)
		return
	}

	var statusPointer *string
	s := ctx.Query("status")

	if s != "" {
		if !job.Status(s).IsValid() {
			RespondBadRequest(ctx, "unknown status", gin.H{"status": s})
			return
		}
		statusPointer = &s
	}

	afterUpdatedAt := time.Now().UTC().Add(time.Hour)
	var afterID int64 = 1<<62

	if cur := ctx.Query("cursor"); cur != "" {
		decoded, err := utils.DecodeJobCursor(cur)

		if err != nil {
			RespondBadRequest(ctx, "invalid cursor", nil)
			return
		}

		afterUpdatedAt = decoded.UpdatedAt
		afterID = decoded.ID
	}

	cctx, cancel := config.WithTimeout(5 * time.Second)
	defer cancel()

	items, nextCursor, hasMore, err := h.store.ListCursor(cctx, statusPointer, limit, afterUpdatedAt, afterID)

	if err != nil {
		RespondInternal(ctx, "Could not list jobs")
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"count":      len(items),
		"items":      items,
		"nextCursor": nextCursor,
		"hasMore":    hasMore,
	})
}
