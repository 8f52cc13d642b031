package callback

import (
	"errors"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
)

// StatusClass is the collapsed outcome of a terminal job. The upstream
// business status is a pure lookup on (action, class).

type StatusClass string

const (
	ClassSuccess          StatusClass = "success"
	ClassNotFound         StatusClass = "not_found"
	ClassAuthError        StatusClass = "auth_error"
	ClassError            StatusClass = "error"
	ClassPendingCease     StatusClass = "pending_cease"
	ClassAlreadyCancelled StatusClass = "already_cancelled"
	ClassCancelled        StatusClass = "cancelled"
)

type statusKey struct {
	Action job.Action
	Class  StatusClass
}

// the closed set. Every status string the upstream ever sees comes out of
// this table.

var statusTable = map[statusKey]string{
	{job.ActionValidation, ClassSuccess}:   "Bitstream Validated",
	{job.ActionValidation, ClassNotFound}:  "Bitstream Not Found",
	{job.ActionValidation, ClassAuthError}: "Bitstream Validation Auth Error",
	{job.ActionValidation, ClassError}:     "Bitstream Validation Error",
	{job.ActionValidation, ClassCancelled}: "Bitstream Validation Cancelled",

	{job.ActionCancellation, ClassSuccess}:          "Bitstream Delete Released",
	{job.ActionCancellation, ClassPendingCease}:     "Bitstream Cancellation Pending",
	{job.ActionCancellation, ClassAlreadyCancelled}: "Bitstream Already Cancelled",
	{job.ActionCancellation, ClassNotFound}:         "Bitstream Cancellation Not Found",
	{job.ActionCancellation, ClassAuthError}:        "Bitstream Cancellation Auth Error",
	{job.ActionCancellation, ClassError}:            "Bitstream Cancellation Error",
	{job.ActionCancellation, ClassCancelled}:        "Bitstream Cancellation Cancelled",
}

var inverseTable = func() map[string]statusKey {
	m := make(map[string]statusKey, len(statusTable))
	for k, v := range statusTable {
		m[v] = k
	}
	return m
}()

var ErrUnknownStatus = errors.New("status outside the closed set")

// Classify collapses a terminal job into a StatusClass. Success results may
// be overridden by what the automation found: a cease already pending on
// the portal, or one already implemented.

func Classify(j job.Job) StatusClass {
	if j.Status == job.StatusCompleted {
		if j.Action == job.ActionCancellation && j.Result != nil {
			if detailTrue(j.Result.Details, "pending_cease_order") {
				return ClassPendingCease
			}
			if detailTrue(j.Result.Details, "already_cancelled") || detailTrue(j.Result.Details, "cease_implemented") {
				return ClassAlreadyCancelled
			}
		}
		return ClassSuccess
	}

	// dead
	kind := job.KindSystemError

	if j.Error != nil {
		kind = j.Error.Kind
	}

	switch kind {
	case job.KindNotFound:
		return ClassNotFound
	case job.KindAuthError:
		return ClassAuthError
	case job.KindCancelledByOperator:
		return ClassCancelled
	default:
		return ClassError
	}
}

func detailTrue(details map[string]any, key string) bool {
	v, ok := details[key]

	if !ok {
		return false
	}

	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true" || t == "yes"
	default:
		return false
	}
}

// BusinessStatus maps (action, class) to the upstream status string.

func BusinessStatus(action job.Action, class StatusClass) (string, error) {
	s, ok := statusTable[statusKey{Action: action, Class: class}]

	if !ok {
		return "", ErrUnknownStatus
	}
	return s, nil
}

// InvertStatus is the inverse lookup; it exists so the mapping can be
// verified as a bijection.

func InvertStatus(s string) (job.Action, StatusClass, error) {
	k, ok := inverseTable[s]

	if !ok {
		return "", "", ErrUnknownStatus
	}
	return k.Action, k.Class, nil
}

// AllStatuses returns the closed set, for tests and documentation.

func AllStatuses() []string {
	out := make([]string, 0, len(statusTable))
	for _, v := range statusTable {
		out = append(out, v)
	}
	return out
}
