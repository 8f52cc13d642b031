package job

import (
	"errors"
	"time"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusDispatching Status = "dispatching"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusDead        Status = "dead"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusDispatching, StatusRunning, StatusCompleted, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// completed and dead are final; failed is transient and is resolved into
// pending or dead by the retry engine.

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDead
}

type Provider string

const (
	ProviderMFN     Provider = "mfn"
	ProviderOSN     Provider = "osn"
	ProviderOctotel Provider = "octotel"
	ProviderEvotel  Provider = "evotel"
	// local simulation scripts, used in dev and in tests
	ProviderDev Provider = "dev"
)

func (p Provider) IsValid() bool {
	switch p {
	case ProviderMFN, ProviderOSN, ProviderOctotel, ProviderEvotel, ProviderDev:
		return true
	default:
		return false
	}
}

// FNO returns the upstream-facing operator code for the provider.

func (p Provider) FNO() string {
	switch p {
	case ProviderMFN:
		return "MFN"
	case ProviderOSN:
		return "OSN"
	case ProviderOctotel:
		return "OCTOTEL"
	case ProviderEvotel:
		return "EVOTEL"
	default:
		return "DEV"
	}
}

type Action string

const (
	ActionValidation   Action = "validation"
	ActionCancellation Action = "cancellation"
)

func (a Action) IsValid() bool {
	return a == ActionValidation || a == ActionCancellation
}

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrStateConflict = errors.New("conflicting job state")
	ErrNotDead       = errors.New("job is not dead")
)

// Parameters is the opaque automation input. circuit_number is the only
// key the control plane itself cares about.

type Parameters map[string]any

func (p Parameters) CircuitNumber() string {
	v, ok := p["circuit_number"].(string)
	if !ok {
		return ""
	}
	return v
}

type CallbackStatus string

const (
	CallbackPending   CallbackStatus = "pending"
	CallbackDelivered CallbackStatus = "delivered"
	CallbackFailed    CallbackStatus = "failed"
)

// a Job is one browser-automation run against an operator portal, tracked
// from submission through dispatch, execution, retries and the final
// upstream callback. Maps 1:1 onto the jobs table.

type Job struct {
	ID             int64          `json:"id"`
	ExternalID     string         `json:"externalId"`
	Provider       Provider       `json:"provider"`
	Action         Action         `json:"action"`
	Parameters     Parameters     `json:"parameters"`
	Priority       int            `json:"priority"`
	Status         Status         `json:"status"`
	AssignedWorker *string        `json:"assignedWorker,omitempty"`
	RetryCount     int            `json:"retryCount"`
	MaxRetries     int            `json:"maxRetries"`
	NextRunAt      *time.Time     `json:"nextRunAt,omitempty"`
	Result         *Result        `json:"result,omitempty"`
	Error          *ExecError     `json:"error,omitempty"`
	CallbackStatus CallbackStatus `json:"callbackStatus"`
	CallbackTries  int            `json:"callbackTries"`
	CallbackLastAt *time.Time     `json:"callbackLastAt,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}

type CreateRequest struct {
	ExternalID string
	Provider   Provider
	Action     Action
	Parameters Parameters
	Priority   int
	MaxRetries int
}

func New(req CreateRequest) Job {
	now := time.Now().UTC()

	maxR := req.MaxRetries

	if maxR <= 0 {
		maxR = 3
	}

	return Job{
		ExternalID:     req.ExternalID,
		Provider:       req.Provider,
		Action:         req.Action,
		Parameters:     req.Parameters,
		Priority:       req.Priority,
		Status:         StatusPending,
		RetryCount:     0,
		MaxRetries:     maxR,
		CallbackStatus: CallbackPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Eligible reports whether a pending job may be claimed at the given time.
// next_run_at == now counts as eligible.

func (j Job) Eligible(now time.Time) bool {
	if j.Status != StatusPending {
		return false
	}
	if j.NextRunAt == nil {
		return true
	}
	return !j.NextRunAt.After(now)
}

// CanTransition encodes the authoritative state machine. Every status write
// in the store is checked against it before the CAS is attempted.

func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		// dispatching on claim; dead on operator cancel
		return to == StatusDispatching || to == StatusDead
	case StatusDispatching:
		// pending again when the worker refused the dispatch
		return to == StatusRunning || to == StatusPending || to == StatusDead
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusDead
	case StatusFailed:
		return to == StatusPending || to == StatusDead
	default:
		// terminal
		return false
	}
}

// Stale reports whether a running job has been in flight longer than the
// recovery threshold. started_at exactly at the threshold is not yet stale.

func (j Job) Stale(threshold time.Duration, now time.Time) bool {
	if j.Status != StatusRunning || j.StartedAt == nil {
		return false
	}
	return now.Sub(*j.StartedAt) > threshold
}
