// Package creds issues short-lived registration credentials for runners.
package creds

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnauthorized means the configured credential was refused; retrying
	// without operator intervention is pointless.
	ErrUnauthorized = errors.New("credential issuer refused authorization")

	// ErrUnavailable means the issuer could not be reached or timed out.
	ErrUnavailable = errors.New("credential issuer unavailable")
)

// IsRetryable reports whether an issuer error is worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Issuer mints a single-use, pre-scoped credential for one runner. The
// credential is consumed by the runner workload at startup; gantry never
// stores it.
type Issuer interface {
	Issue(ctx context.Context, org, runnerName string, labels []string) (string, error)
}

// Static is an Issuer for tests. It hands out deterministic blobs and can
// be told to fail.
type Static struct {
	mu sync.Mutex

	Err    error
	Issued int
}

func (s *Static) Issue(ctx context.Context, org, runnerName string, labels []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Issued++
	if s.Err != nil {
		return "", s.Err
	}
	return fmt.Sprintf("jit-%s-%s", org, runnerName), nil
}
