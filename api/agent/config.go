package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/models"
)

const (
	EnvTickPeriod       = "GANTRY_TICK_PERIOD"
	EnvMaxTotal         = "GANTRY_MAX_TOTAL"
	EnvDefaultOrgLimit  = "GANTRY_DEFAULT_ORG_LIMIT"
	EnvRunnerPrefix     = "GANTRY_RUNNER_PREFIX"
	EnvRunnerLabels     = "GANTRY_RUNNER_LABELS"
	EnvLeaseTTL         = "GANTRY_LEASE_TTL"
	EnvAbsentGrace      = "GANTRY_ABSENT_GRACE"
	EnvDispatchTimeout  = "GANTRY_DISPATCH_TIMEOUT"
	EnvDispatchRetries  = "GANTRY_DISPATCH_RETRIES"
	EnvRequeueAttempts  = "GANTRY_REQUEUE_ATTEMPTS"
	EnvReleaseMarkerTTL = "GANTRY_RELEASE_MARKER_TTL"
)

// leaseKey is the datastore lease that keeps ticks single-flight across
// worker processes.
const leaseKey = "reconcile"

// Config holds the control loop tunables. All durations come from the
// environment in Go duration syntax.
type Config struct {
	// TickPeriod is the reconciliation interval.
	TickPeriod time.Duration
	// MaxTotal caps running runners across all orgs.
	MaxTotal uint64
	// DefaultOrgLimit applies to orgs without a stored override.
	DefaultOrgLimit uint64

	RunnerPrefix string
	RunnerLabels []string

	// LeaseTTL bounds how long a crashed tick holder can block others.
	LeaseTTL time.Duration
	// AbsentGrace is how long a dispatched runner may stay invisible to the
	// orchestrator before it is written off as vanished.
	AbsentGrace time.Duration

	// DispatchTimeout bounds one whole dispatch including retries.
	DispatchTimeout time.Duration
	// DispatchBackoff governs retries within one dispatch attempt.
	DispatchBackoff common.BackOffConfig
	// RequeueAttempts bounds how many times a failing job is put back at
	// the head of its queue before it is dropped to the audit trail.
	RequeueAttempts int

	ReleaseMarkerTTL time.Duration
}

// ConfigFromEnv builds a Config from the GANTRY_* environment.
func ConfigFromEnv() (Config, error) {
	labels := strings.Split(common.GetEnv(EnvRunnerLabels, "self-hosted,gantry"), ",")
	for i := range labels {
		labels[i] = strings.TrimSpace(labels[i])
	}

	maxTotal := common.GetEnvInt(EnvMaxTotal, 200)
	if maxTotal <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", EnvMaxTotal, maxTotal)
	}
	defaultLimit := common.GetEnvInt(EnvDefaultOrgLimit, 10)
	if defaultLimit <= 0 || !models.ValidLimit(int64(defaultLimit)) {
		return Config{}, fmt.Errorf("%s out of range, got %d", EnvDefaultOrgLimit, defaultLimit)
	}
	retries := common.GetEnvInt(EnvDispatchRetries, 4)
	if retries < 0 {
		return Config{}, fmt.Errorf("%s must not be negative, got %d", EnvDispatchRetries, retries)
	}
	requeues := common.GetEnvInt(EnvRequeueAttempts, 3)
	if requeues < 0 {
		return Config{}, fmt.Errorf("%s must not be negative, got %d", EnvRequeueAttempts, requeues)
	}

	return Config{
		TickPeriod:      common.GetEnvDuration(EnvTickPeriod, 5*time.Second),
		MaxTotal:        uint64(maxTotal),
		DefaultOrgLimit: uint64(defaultLimit),
		RunnerPrefix:    common.GetEnv(EnvRunnerPrefix, "gantry-runner"),
		RunnerLabels:    labels,
		LeaseTTL:        common.GetEnvDuration(EnvLeaseTTL, 15*time.Second),
		AbsentGrace:     common.GetEnvDuration(EnvAbsentGrace, 90*time.Second),
		DispatchTimeout: common.GetEnvDuration(EnvDispatchTimeout, time.Minute),
		DispatchBackoff: common.BackOffConfig{
			MaxRetries: uint64(retries),
			Interval:   250,
			MinDelay:   100,
			MaxDelay:   3000,
		},
		RequeueAttempts:  requeues,
		ReleaseMarkerTTL: common.GetEnvDuration(EnvReleaseMarkerTTL, 24*time.Hour),
	}, nil
}
