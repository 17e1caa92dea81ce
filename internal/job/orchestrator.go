// Package job holds the job model, its state machine and the Controller,
// the single writer of job status.
package job

import "context"

// Orchestrator runs workloads on an external execution platform.
//
// The job store, not the orchestrator, is the source of truth for job
// state; implementations only start, observe and delete workloads.
type Orchestrator interface {
	// Submit starts the workload and returns a reference to it.
	// Errors are classified as apperrors.ErrSubmission.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// Status returns the pod counts for ref. It returns an
	// apperrors.ErrNotFound error when the workload no longer exists.
	Status(ctx context.Context, ref string) (ObservedStatus, error)

	// Delete removes the workload. Deleting a missing workload succeeds.
	Delete(ctx context.Context, ref string) error

	// Ready checks that the platform API is reachable.
	Ready(ctx context.Context) error
}

// SubmitRequest carries what an orchestrator needs to start a job.
type SubmitRequest struct {
	JobID        string
	Owner        string
	Priority     Priority
	ComputeType  ComputeType
	Resources    Resources
	Workload     string
	ParamsKey    string
	OutputPrefix string
	LogKey       string
	CallbackURL  string
}

// ObservedStatus is a snapshot of pod counts reported by an orchestrator.
// Failed counts only terminal failures, not pod retries.
type ObservedStatus struct {
	Active    int32 `json:"active"`
	Succeeded int32 `json:"succeeded"`
	Failed    int32 `json:"failed"`
}

// Outcome maps an observation to the status it implies. Success wins over
// failure; failure only counts once nothing is active. ok is false when the
// observation implies no change.
func (o ObservedStatus) Outcome() (s Status, ok bool) {
	switch {
	case o.Succeeded > 0:
		return StatusCompleted, true
	case o.Failed > 0 && o.Active == 0:
		return StatusFailed, true
	case o.Active > 0:
		return StatusRunning, true
	}
	return "", false
}
