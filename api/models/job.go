package models

import (
	"errors"
	"time"
)

// JobRequest is a single unit of work waiting for admission. It is immutable
// once enqueued; only the scheduler removes it from its org's queue (or an
// administrative purge drops it pre-admission).
type JobRequest struct {
	// ID is the upstream job id and doubles as the dedup key for
	// at-least-once webhook deliveries.
	ID int64 `json:"job_id"`

	Org          string   `json:"org"`
	RunID        int64    `json:"run_id"`
	JobName      string   `json:"job_name"`
	RepoFullName string   `json:"repo_full_name"`
	Labels       []string `json:"labels,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempts counts dispatch attempts that ended in a head-requeue, so
	// that a persistently failing job is eventually dropped instead of
	// wedging its org's queue.
	Attempts int `json:"attempts,omitempty"`
}

func (j *JobRequest) Validate() error {
	if j.Org == "" {
		return ErrJobMissingOrg
	}
	if j.ID == 0 {
		return ErrJobMissingID
	}
	return nil
}

var (
	ErrJobMissingOrg = errors.New("job request missing org")
	ErrJobMissingID  = errors.New("job request missing job id")
)
