package runner

import (
	"context"
	"time"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
)

// tiny valid 1x1 PNG, used as the simulated screenshot
const simulatedShot = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg=="

// RegisterSimulated wires the dev provider: automations that behave like a
// real portal script without driving a browser. The simulate parameter can
// force a specific failure kind, which the end-to-end tests lean on.

func RegisterSimulated(reg *AutomationRegistry) {
	reg.Register(job.ProviderDev, job.ActionValidation, simulatedValidation)
	reg.Register(job.ProviderDev, job.ActionCancellation, simulatedCancellation)
}

func simulatedFailure(params job.Parameters) error {
	v, _ := params["simulate"].(string)

	switch v {
	case "auth_error":
		return job.NewExecError(job.KindAuthError, "portal rejected the credentials")
	case "not_found":
		return job.NewExecError(job.KindNotFound, "circuit not present on the portal")
	case "portal_error":
		return job.NewExecError(job.KindPortalError, "portal returned an error page")
	case "network_error":
		return job.NewExecError(job.KindNetworkError, "could not reach the portal")
	case "hang":
		// exceeds any sane budget; exercises the timeout path
		time.Sleep(24 * time.Hour)
		return nil
	default:
		return nil
	}
}

func simulatedValidation(ctx context.Context, params job.Parameters) (job.Result, error) {
	if err := simulatedFailure(params); err != nil {
		return job.Result{}, err
	}

	if params.CircuitNumber() == "" {
		return job.Result{}, job.NewExecError(job.KindValidationError, "circuit_number is required")
	}

	select {
	case <-ctx.Done():
		return job.Result{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	return job.Result{
		Status:  "success",
		Message: "service validated",
		Details: map[string]any{
			"evidence_found": true,
			"circuit_number": params.CircuitNumber(),
			"service_active": true,
		},
		Screenshots: []job.Screenshot{
			{Name: "validation.png", MimeType: "image/png", Base64: simulatedShot},
		},
	}, nil
}

func simulatedCancellation(ctx context.Context, params job.Parameters) (job.Result, error) {
	if err := simulatedFailure(params); err != nil {
		return job.Result{}, err
	}

	if params.CircuitNumber() == "" {
		return job.Result{}, job.NewExecError(job.KindValidationError, "circuit_number is required")
	}

	select {
	case <-ctx.Done():
		return job.Result{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	details := map[string]any{
		"evidence_found": true,
		"circuit_number": params.CircuitNumber(),
	}

	// the portal may already hold a cease order for the circuit
	if v, _ := params["simulate"].(string); v == "pending_cease" {
		details["pending_cease_order"] = true
	}

	return job.Result{
		Status:  "success",
		Message: "cancellation submitted",
		Details: details,
		Screenshots: []job.Screenshot{
			{Name: "cancellation.png", MimeType: "image/png", Base64: simulatedShot},
		},
	}, nil
}
