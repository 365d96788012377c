package datastore

import (
	"context"
	"io"
	"time"

	"github.com/gantryproject/gantry/api/models"
)

// DefaultDedupTTL bounds how long an upstream job id is remembered for
// webhook dedup. Upstream delivery is at-least-once; duplicates arriving
// after this window would re-enqueue, which reconciliation then corrects.
const DefaultDedupTTL = 24 * time.Hour

// Datastore is the shared state store. Every mutating operation is
// individually atomic across all concurrent callers (scripted transaction or
// single-owner mutex); no caller may do read-then-write against it.
type Datastore interface {
	CapacityStore
	QueueStore
	LimitStore
	RunnerStore
	LeaseStore

	Ping(ctx context.Context) error
	io.Closer
}

// CapacityStore holds the per-org and global running counters. Only the
// capacity ledger may call the mutating operations.
type CapacityStore interface {
	// TryAdmit atomically checks org running < limit AND global running <
	// maxTotal, incrementing both counters when admitted and leaving state
	// untouched otherwise.
	TryAdmit(ctx context.Context, org string, limit, maxTotal uint64) (models.Admission, error)

	// Release atomically decrements both counters, clamped at zero. It
	// reports clamped=true when either counter was already zero, which the
	// caller treats as an accounting anomaly.
	Release(ctx context.Context, org string) (clamped bool, err error)

	// SetOrgRunning authoritatively overwrites one org's running counter.
	// Used only by reconciliation.
	SetOrgRunning(ctx context.Context, org string, running uint64) error

	// SetGlobalRunning authoritatively overwrites the global counter.
	SetGlobalRunning(ctx context.Context, running uint64) error

	OrgRunning(ctx context.Context, org string) (uint64, error)
	GlobalRunning(ctx context.Context) (uint64, error)

	// OrgRunningCounts enumerates every org with a stored counter.
	OrgRunningCounts(ctx context.Context) (map[string]uint64, error)
}

// QueueStore holds the per-org FIFO queues of pending admission requests.
type QueueStore interface {
	// Enqueue appends to the org's queue. It is idempotent with respect to
	// the job id within the dedup window; dup=false means the delivery was
	// a duplicate and nothing was queued.
	Enqueue(ctx context.Context, job *models.JobRequest) (queued bool, err error)

	// EnqueueFront puts a job back at the head of its org's queue, used by
	// dispatch rollback so FIFO order is preserved.
	EnqueueFront(ctx context.Context, job *models.JobRequest) error

	// Dequeue removes and returns the queue head, or nil when empty.
	Dequeue(ctx context.Context, org string) (*models.JobRequest, error)

	QueueLen(ctx context.Context, org string) (uint64, error)

	// NonEmptyOrgs enumerates orgs that (may) have queued jobs without
	// scanning the whole org space. A stale positive is fine; Dequeue
	// returning nil handles it.
	NonEmptyOrgs(ctx context.Context) ([]string, error)

	// PurgeQueue drops all queued jobs for an org, returning the count.
	PurgeQueue(ctx context.Context, org string) (uint64, error)
}

// LimitStore holds per-org limit overrides. The process default lives in
// config, not here; absence of an override means the default applies.
type LimitStore interface {
	Override(ctx context.Context, org string) (limit uint64, ok bool, err error)
	SetOverride(ctx context.Context, org string, limit uint64) error
	RemoveOverride(ctx context.Context, org string) (removed bool, err error)
	Overrides(ctx context.Context) (map[string]uint64, error)

	// SetOverrides stores many overrides at once. With replace=true the
	// given set fully replaces all stored overrides; otherwise existing
	// entries are preserved and only absent orgs are written.
	SetOverrides(ctx context.Context, limits map[string]uint64, replace bool) error
}

// RunnerStore tracks runner records from dispatch to reap.
type RunnerStore interface {
	SaveRunner(ctx context.Context, rec *models.RunnerRecord) error
	Runner(ctx context.Context, name string) (*models.RunnerRecord, error)
	Runners(ctx context.Context) ([]*models.RunnerRecord, error)
	RemoveRunner(ctx context.Context, name string) error

	// MarkReleased sets the per-runner release marker, returning true only
	// for the first caller. This is what makes counter release exactly-once
	// across tick retries.
	MarkReleased(ctx context.Context, name string, ttl time.Duration) (first bool, err error)
}

// LeaseStore provides the short-lived mutual exclusion lease that keeps the
// reconciliation tick single-flight across worker processes.
type LeaseStore interface {
	// AcquireLease takes the lease when it is free or expired. A crashed
	// holder's lease expires on its own; there is no forced takeover.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease frees the lease if owner still holds it; releasing a
	// lease held by someone else is a no-op.
	ReleaseLease(ctx context.Context, key, owner string) error
}
