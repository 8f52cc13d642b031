package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/evidence"
	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
	"github.com/taahir-samaai/rpa-orchestrator/internal/http/handlers"
	"github.com/taahir-samaai/rpa-orchestrator/internal/repo/memory"
)

// Make sure Gin does not spam the console during the test

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingEnqueuer) Enqueue(id int64) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

// small helper which returns the gin engine to mount one handler per test

func setupRouter(method, path string, h gin.HandlerFunc) *gin.Engine {
	r := gin.New()

	r.Handle(method, path, h)

	return r
}

func newJobsHandler() (*handlers.JobsHandler, *memory.JobsRepo, *recordingEnqueuer) {
	repo := memory.NewJobsRepo()
	cbs := &recordingEnqueuer{}

	return handlers.NewJobsHandler(repo, evidenceLister{repo}, cbs), repo, cbs
}

// adapt the memory repo's evidence listing to the handler interface

type evidenceLister struct {
	repo *memory.JobsRepo
}

func (e evidenceLister) ListForJob(ctx context.Context, jobID int64) ([]evidence.Record, error) {
	return e.repo.ListEvidence(ctx, jobID)
}

func postJSON(r *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	return w
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		wantStatusCode int
	}{
		{
			name: "success",
			body: `{
				"provider": "mfn",
				"action": "validation",
				"external_id": "OSN_VAL_001",
				"parameters": {"circuit_number": "FTTX047648"}
			}`,
			wantStatusCode: http.StatusCreated,
		},
		{
			name:           "missing body fields",
			body:           `{"provider": "mfn"}`,
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name: "unknown provider",
			body: `{
				"provider": "nope",
				"action": "validation",
				"external_id": "X1",
				"parameters": {"circuit_number": "C"}
			}`,
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name: "unknown action",
			body: `{
				"provider": "mfn",
				"action": "reboot",
				"external_id": "X2",
				"parameters": {"circuit_number": "C"}
			}`,
			wantStatusCode: http.StatusBadRequest,
		},
		{
			name: "missing circuit number",
			body: `{
				"provider": "mfn",
				"action": "validation",
				"external_id": "X3",
				"parameters": {"solution_id": "S1"}
			}`,
			wantStatusCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newJobsHandler()
			r := setupRouter(http.MethodPost, "/jobs", h.Create)

			w := postJSON(r, "/jobs", tt.body)

			if w.Code != tt.wantStatusCode {
				t.Fatalf("status = %d, want %d; body=%s", w.Code, tt.wantStatusCode, w.Body.String())
			}
		})
	}
}

func TestCreateJob_Idempotent(t *testing.T) {
	h, _, _ := newJobsHandler()
	r := setupRouter(http.MethodPost, "/jobs", h.Create)

	body := `{
		"provider": "osn",
		"action": "validation",
		"external_id": "X",
		"parameters": {"circuit_number": "C1"}
	}`

	w1 := postJSON(r, "/jobs", body)
	w2 := postJSON(r, "/jobs", body)

	if w1.Code != http.StatusCreated {
		t.Fatalf("first submit = %d", w1.Code)
	}
	if w2.Code != http.StatusOK {
		t.Fatalf("resubmit = %d, want 200", w2.Code)
	}

	var first, second map[string]any
	_ = json.Unmarshal(w1.Body.Bytes(), &first)
	_ = json.Unmarshal(w2.Body.Bytes(), &second)

	if first["id"] != second["id"] {
		t.Fatalf("resubmission changed the job id: %v vs %v", first["id"], second["id"])
	}
}

func TestGetJob(t *testing.T) {
	h, repo, _ := newJobsHandler()
	r := setupRouter(http.MethodGet, "/jobs/:id", h.Get)

	j, _, err := repo.Create(context.Background(), job.CreateRequest{
		ExternalID: "G1",
		Provider:   job.ProviderMFN,
		Action:     job.ActionValidation,
		Parameters: job.Parameters{"circuit_number": "C1"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs/1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("get = %d", w.Code)
	}

	var resp struct {
		Job job.Job `json:"job"`
	}

	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.Job.ID != j.ID || resp.Job.ExternalID != "G1" {
		t.Fatalf("job = %+v", resp.Job)
	}

	req = httptest.NewRequest(http.MethodGet, "/jobs/999", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("missing job = %d, want 404", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/jobs/banana", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d, want 400", w.Code)
	}
}

func TestCancelJob(t *testing.T) {
	h, repo, cbs := newJobsHandler()
	r := setupRouter(http.MethodDelete, "/jobs/:id", h.Cancel)

	j, _, _ := repo.Create(context.Background(), job.CreateRequest{
		ExternalID: "C1",
		Provider:   job.ProviderMFN,
		Action:     job.ActionCancellation,
		Parameters: job.Parameters{"circuit_number": "C1"},
	})

	req := httptest.NewRequest(http.MethodDelete, "/jobs/1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("cancel = %d; body=%s", w.Code, w.Body.String())
	}

	got, _ := repo.GetByID(context.Background(), j.ID)

	if got.Status != job.StatusDead {
		t.Fatalf("status = %s, want dead", got.Status)
	}
	if got.Error == nil || got.Error.Kind != job.KindCancelledByOperator {
		t.Fatalf("error = %v", got.Error)
	}
	if len(cbs.ids) != 1 {
		t.Fatalf("cancel must enqueue a callback, got %v", cbs.ids)
	}

	// cancelling again conflicts: the job is terminal now
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/jobs/1", nil))

	if w.Code != http.StatusConflict {
		t.Fatalf("second cancel = %d, want 409", w.Code)
	}
}

func TestRetryJob(t *testing.T) {
	h, repo, _ := newJobsHandler()
	r := setupRouter(http.MethodPost, "/jobs/:id/retry", h.Retry)

	j, _, _ := repo.Create(context.Background(), job.CreateRequest{
		ExternalID: "R1",
		Provider:   job.ProviderMFN,
		Action:     job.ActionValidation,
		Parameters: job.Parameters{"circuit_number": "C1"},
	})

	// not dead yet
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs/1/retry", nil))

	if w.Code != http.StatusConflict {
		t.Fatalf("retry of live job = %d, want 409", w.Code)
	}

	// kill it, then retry
	now := time.Now().UTC()
	worker := "http://w1"
	_ = repo.Transition(context.Background(), j.ID, job.StatusPending, job.StatusDispatching, job.Patch{})
	_ = repo.Transition(context.Background(), j.ID, job.StatusDispatching, job.StatusRunning, job.Patch{AssignedWorker: &worker, StartedAt: &now})
	_ = repo.Transition(context.Background(), j.ID, job.StatusRunning, job.StatusFailed, job.Patch{Error: job.NewExecError(job.KindAuthError, "no")})
	_ = repo.Transition(context.Background(), j.ID, job.StatusFailed, job.StatusDead, job.Patch{CompletedAt: &now})

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs/1/retry", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("retry = %d; body=%s", w.Code, w.Body.String())
	}

	got, _ := repo.GetByID(context.Background(), j.ID)

	if got.Status != job.StatusPending || got.RetryCount != 0 {
		t.Fatalf("retried job = %s retries=%d", got.Status, got.RetryCount)
	}
}

func TestScreenshots(t *testing.T) {
	h, repo, _ := newJobsHandler()
	r := setupRouter(http.MethodGet, "/jobs/:id/screenshots", h.Screenshots)

	j, _, _ := repo.Create(context.Background(), job.CreateRequest{
		ExternalID: "S1",
		Provider:   job.ProviderMFN,
		Action:     job.ActionValidation,
		Parameters: job.Parameters{"circuit_number": "C1"},
	})

	_, err := repo.Append(context.Background(), evidence.Record{
		JobID:     j.ID,
		Name:      "final.png",
		MimeType:  "image/png",
		Payload:   []byte("raw-bytes"),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs/1/screenshots", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("screenshots = %d", w.Code)
	}

	var resp struct {
		Count int `json:"count"`
		Items []struct {
			Name string `json:"name"`
			Data string `json:"data"`
		} `json:"items"`
	}

	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.Count != 1 || resp.Items[0].Name != "final.png" {
		t.Fatalf("resp = %+v", resp)
	}

	// payload must come back base64-encoded
	if resp.Items[0].Data != "cmF3LWJ5dGVz" {
		t.Fatalf("data = %q", resp.Items[0].Data)
	}
}
