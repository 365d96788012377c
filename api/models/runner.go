package models

import (
	"fmt"
	"time"
)

// RunnerState is the lifecycle state of a runner the system is tracking.
// Transitions only move forward:
//
//	Dispatched -> Provisioning -> Running -> Terminated -> Reaped
//
// Dispatched means capacity is reserved but the orchestrator has not
// acknowledged the workload yet; reconciliation must count it as consuming
// capacity. Terminated means exactly one ledger release is owed; Reaped means
// the release was applied and the record may be removed.
type RunnerState string

const (
	RunnerStateDispatched   RunnerState = "dispatched"
	RunnerStateProvisioning RunnerState = "provisioning"
	RunnerStateRunning      RunnerState = "running"
	RunnerStateTerminated   RunnerState = "terminated"
	RunnerStateReaped       RunnerState = "reaped"
)

// Active reports whether the runner still consumes a capacity unit.
func (s RunnerState) Active() bool {
	switch s {
	case RunnerStateDispatched, RunnerStateProvisioning, RunnerStateRunning:
		return true
	}
	return false
}

// RunnerConclusion records how a terminated runner ended.
type RunnerConclusion string

const (
	RunnerSucceeded RunnerConclusion = "succeeded"
	RunnerFailed    RunnerConclusion = "failed"
	// RunnerVanished is used when the workload disappeared from the
	// orchestrator without a terminal phase being observed.
	RunnerVanished RunnerConclusion = "vanished"
)

// RunnerRecord tracks one ephemeral runner from dispatch to reap.
type RunnerRecord struct {
	Name       string           `json:"name"`
	Org        string           `json:"org"`
	JobID      int64            `json:"job_id"`
	RunID      int64            `json:"run_id,omitempty"`
	State      RunnerState      `json:"state"`
	Conclusion RunnerConclusion `json:"conclusion,omitempty"`
	WorkloadID string           `json:"workload_id,omitempty"`
	DispatchID string           `json:"dispatch_id,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// RunnerName builds the workload name for a job, e.g. "gantry-runner-812".
func RunnerName(prefix string, jobID int64) string {
	return fmt.Sprintf("%s-%d", prefix, jobID)
}
