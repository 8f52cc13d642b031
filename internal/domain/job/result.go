package job

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies every terminal automation failure. The retry engine
// keys entirely off the kind; raw messages are diagnostics only.

type ErrorKind string

const (
	KindValidationError     ErrorKind = "validation_error"
	KindAuthError           ErrorKind = "auth_error"
	KindNotFound            ErrorKind = "not_found"
	KindPortalError         ErrorKind = "portal_error"
	KindNetworkError        ErrorKind = "network_error"
	KindTimeoutError        ErrorKind = "timeout_error"
	KindSystemError         ErrorKind = "system_error"
	KindLostHeartbeat       ErrorKind = "lost_heartbeat"
	KindCancelledByOperator ErrorKind = "cancelled_by_operator"
)

func (k ErrorKind) IsValid() bool {
	switch k {
	case KindValidationError, KindAuthError, KindNotFound, KindPortalError,
		KindNetworkError, KindTimeoutError, KindSystemError, KindLostHeartbeat,
		KindCancelledByOperator:
		return true
	default:
		return false
	}
}

func (k ErrorKind) Retryable() bool {
	switch k {
	case KindPortalError, KindNetworkError, KindTimeoutError, KindSystemError, KindLostHeartbeat:
		return true
	default:
		return false
	}
}

// RetryCap returns the effective retry ceiling for the kind. Timeouts are
// capped at 2 regardless of the job's configured max_retries.

func (k ErrorKind) RetryCap(maxRetries int) int {
	if k == KindTimeoutError && maxRetries > 2 {
		return 2
	}
	return maxRetries
}

// ExecError is the structured failure an automation (or the control plane
// itself) records against a job.

type ExecError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func NewExecError(kind ErrorKind, msg string) *ExecError {
	return &ExecError{Kind: kind, Message: msg}
}

// Classify maps an arbitrary error coming out of an automation to an
// ExecError. Automations signal a kind by returning *ExecError; anything
// else is a system_error, except context deadline which is the wall-clock
// budget firing.

func Classify(err error) *ExecError {
	var ee *ExecError

	if errors.As(err, &ee) {
		return ee
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewExecError(KindTimeoutError, "automation exceeded wall-clock budget")
	}

	return NewExecError(KindSystemError, err.Error())
}

// Screenshot is a single evidence image captured by an automation. Payload
// travels base64 on the wire and is stored as raw bytes.

type Screenshot struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Base64   string `json:"base64"`
}

// Result is the uniform payload every automation returns on success.
// Details is flattened into JOB_EVI for the upstream callback.

type Result struct {
	Status      string         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Screenshots []Screenshot   `json:"screenshots,omitempty"`
}

// Counts is the by-status snapshot used by the metrics collector.

type Counts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Dead      int `json:"dead"`
}

// HistoryEntry is one append-only audit row recorded on every transition.

type HistoryEntry struct {
	ID         int64     `json:"id"`
	JobID      int64     `json:"jobId"`
	FromStatus Status    `json:"fromStatus"`
	ToStatus   Status    `json:"toStatus"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Patch carries the column updates applied together with a CAS status
// transition. Nil fields are left untouched.

type Patch struct {
	AssignedWorker *string
	ClearAssigned  bool
	StartedAt      *time.Time
	CompletedAt    *time.Time
	NextRunAt      *time.Time
	RetryCount     *int
	Result         *Result
	Error          *ExecError
	HistoryDetail  string
}
