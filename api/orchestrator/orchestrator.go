// Package orchestrator is the boundary to the system that actually runs
// runner workloads. The rest of gantry only ever sees this interface; all
// truth about what is running is re-read from here every reconciliation
// tick.
package orchestrator

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable means the orchestrator could not be reached or timed
	// out; the operation may be retried.
	ErrUnavailable = errors.New("orchestrator unavailable")

	// ErrRejected means the orchestrator refused the workload (quota,
	// admission policy, invalid spec); retrying the same spec is pointless.
	ErrRejected = errors.New("workload rejected")
)

// IsRetryable reports whether an orchestrator error is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Phase mirrors the orchestrator's workload lifecycle phases.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
	PhaseUnknown   Phase = "Unknown"
)

// Terminal reports whether a phase is an end state.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Workload is one managed runner workload as the orchestrator sees it.
type Workload struct {
	ID        string
	Name      string
	Org       string
	JobID     int64
	Phase     Phase
	CreatedAt time.Time
}

// WorkloadSpec describes a runner workload to create. The runner is one-shot:
// it executes a single job and exits, it is never restarted.
type WorkloadSpec struct {
	Name      string
	Org       string
	JobID     int64
	RunID     int64
	Labels    []string
	JITConfig string // base64-encoded runner credential blob
}

// Client talks to the orchestrator. Implementations must apply a bounded
// timeout to every call.
type Client interface {
	// List returns all managed runner workloads in the managed namespace.
	List(ctx context.Context) ([]*Workload, error)

	// Create submits a workload and returns its orchestrator id.
	Create(ctx context.Context, spec *WorkloadSpec) (string, error)

	// Delete removes a workload by name. Deleting an absent workload is
	// not an error.
	Delete(ctx context.Context, name string) error
}
