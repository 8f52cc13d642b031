package callback

import (
	"testing"

	"github.com/taahir-samaai/rpa-orchestrator/internal/domain/job"
)

func TestStatusMap_RoundTrip(t *testing.T) {
	// the mapping must be a bijection over the closed set
	for _, s := range AllStatuses() {
		action, class, err := InvertStatus(s)

		if err != nil {
			t.Fatalf("InvertStatus(%q): %v", s, err)
		}

		back, err := BusinessStatus(action, class)

		if err != nil {
			t.Fatalf("BusinessStatus(%s, %s): %v", action, class, err)
		}

		if back != s {
			t.Fatalf("round trip broke: %q -> (%s, %s) -> %q", s, action, class, back)
		}
	}
}

func TestStatusMap_UnknownRejected(t *testing.T) {
	if _, _, err := InvertStatus("Totally Made Up"); err == nil {
		t.Fatalf("expected error for a status outside the closed set")
	}
	if _, err := BusinessStatus(job.ActionValidation, ClassPendingCease); err == nil {
		t.Fatalf("pending_cease has no validation mapping; expected error")
	}
}

func completedJob(action job.Action, details map[string]any) job.Job {
	return job.Job{
		Action: action,
		Status: job.StatusCompleted,
		Result: &job.Result{Status: "success", Details: details},
	}
}

func deadJob(action job.Action, kind job.ErrorKind) job.Job {
	return job.Job{
		Action: action,
		Status: job.StatusDead,
		Error:  job.NewExecError(kind, "boom"),
	}
}

func TestClassify_Table(t *testing.T) {
	tests := []struct {
		name string
		j    job.Job
		want StatusClass
	}{
		{"validation success", completedJob(job.ActionValidation, nil), ClassSuccess},
		{"cancellation success", completedJob(job.ActionCancellation, nil), ClassSuccess},
		{
			"pending cease override",
			completedJob(job.ActionCancellation, map[string]any{"pending_cease_order": true}),
			ClassPendingCease,
		},
		{
			"already cancelled override",
			completedJob(job.ActionCancellation, map[string]any{"already_cancelled": "true"}),
			ClassAlreadyCancelled,
		},
		{
			"cease implemented override",
			completedJob(job.ActionCancellation, map[string]any{"cease_implemented": true}),
			ClassAlreadyCancelled,
		},
		{
			"override ignored on validation",
			completedJob(job.ActionValidation, map[string]any{"pending_cease_order": true}),
			ClassSuccess,
		},
		{"auth failure", deadJob(job.ActionValidation, job.KindAuthError), ClassAuthError},
		{"not found", deadJob(job.ActionValidation, job.KindNotFound), ClassNotFound},
		{"operator cancel", deadJob(job.ActionCancellation, job.KindCancelledByOperator), ClassCancelled},
		{"network exhausted", deadJob(job.ActionValidation, job.KindNetworkError), ClassError},
		{"dead without error", job.Job{Action: job.ActionValidation, Status: job.StatusDead}, ClassError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.j); got != tt.want {
				t.Fatalf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBusinessStatus_ScenarioStrings(t *testing.T) {
	// the strings the upstream integration contract pins down
	got, err := BusinessStatus(job.ActionValidation, ClassSuccess)

	if err != nil || got != "Bitstream Validated" {
		t.Fatalf("validation success = %q (%v)", got, err)
	}

	got, err = BusinessStatus(job.ActionValidation, ClassAuthError)

	if err != nil || got != "Bitstream Validation Auth Error" {
		t.Fatalf("validation auth error = %q (%v)", got, err)
	}

	got, err = BusinessStatus(job.ActionCancellation, ClassSuccess)

	if err != nil || got != "Bitstream Delete Released" {
		t.Fatalf("cancellation success = %q (%v)", got, err)
	}
}
