// Package audit keeps a durable record of jobs gantry gave up on, so an
// operator can answer "why did this job never get a runner" after the fact.
package audit

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS dispatch_failures (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      INTEGER NOT NULL,
	org         TEXT    NOT NULL,
	run_id      INTEGER NOT NULL,
	job_name    TEXT    NOT NULL,
	reason      TEXT    NOT NULL,
	detail      TEXT    NOT NULL,
	attempts    INTEGER NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_failures_org ON dispatch_failures (org);
`

// Failure is one dropped job with the reason it was dropped.
type Failure struct {
	ID        int64     `db:"id" json:"id"`
	JobID     int64     `db:"job_id" json:"job_id"`
	Org       string    `db:"org" json:"org"`
	RunID     int64     `db:"run_id" json:"run_id"`
	JobName   string    `db:"job_name" json:"job_name"`
	Reason    string    `db:"reason" json:"reason"`
	Detail    string    `db:"detail" json:"detail"`
	Attempts  int       `db:"attempts" json:"attempts"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Failure reasons.
const (
	ReasonPolicyRejected  = "policy_rejected"
	ReasonRetryExhausted  = "retry_exhausted"
	ReasonRequeueOverflow = "requeue_overflow"
)

// Store persists dispatch failures in a local sqlite database.
type Store struct {
	db *sqlx.DB
}

// New opens (creating if needed) the failure database. The URL takes the
// form sqlite3:///path/to/gantry.db; an empty URL uses an in-memory db.
func New(dbURL string) (*Store, error) {
	dsn := ":memory:"
	if dbURL != "" {
		u, err := url.Parse(dbURL)
		if err != nil {
			return nil, fmt.Errorf("audit: parsing db url: %w", err)
		}
		if u.Scheme != "sqlite3" {
			return nil, fmt.Errorf("audit: unsupported db scheme %q", u.Scheme)
		}
		dsn = u.Path
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: opening db: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite is single-writer
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record writes one failure row. Errors are logged, not returned; a broken
// audit trail must never block the control loop.
func (s *Store) Record(ctx context.Context, job *models.JobRequest, reason, detail string) {
	f := Failure{
		JobID:     job.ID,
		Org:       job.Org,
		RunID:     job.RunID,
		JobName:   job.JobName,
		Reason:    reason,
		Detail:    detail,
		Attempts:  job.Attempts,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO dispatch_failures (job_id, org, run_id, job_name, reason, detail, attempts, created_at)
		VALUES (:job_id, :org, :run_id, :job_name, :reason, :detail, :attempts, :created_at)`, &f)
	if err != nil {
		common.Logger(ctx).WithError(err).WithFields(logrus.Fields{
			"job_id": job.ID, "org": job.Org, "reason": reason,
		}).Error("failed to record dispatch failure")
	}
}

// List returns the most recent failures, newest first. org narrows to one
// org when non-empty; limit caps the result (default 100).
func (s *Store) List(ctx context.Context, org string, limit int) ([]Failure, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	out := []Failure{}
	var err error
	if org != "" {
		err = s.db.SelectContext(ctx, &out, `
			SELECT * FROM dispatch_failures WHERE org = ? ORDER BY id DESC LIMIT ?`, org, limit)
	} else {
		err = s.db.SelectContext(ctx, &out, `
			SELECT * FROM dispatch_failures ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: listing failures: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
