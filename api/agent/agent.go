// Package agent runs the control loop: a periodic reconciliation tick that
// re-derives capacity truth from the orchestrator, followed by an admission
// pass that drains queued jobs into new runners.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opencensus.io/trace"

	"github.com/gantryproject/gantry/api/audit"
	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/creds"
	"github.com/gantryproject/gantry/api/datastore"
	"github.com/gantryproject/gantry/api/ledger"
	"github.com/gantryproject/gantry/api/limits"
	"github.com/gantryproject/gantry/api/orchestrator"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gantry_ticks_total",
		Help: "Reconciliation ticks executed by this process.",
	})
	tickFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gantry_tick_failures_total",
		Help: "Reconciliation ticks aborted by an error.",
	})
	tickSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gantry_tick_skips_total",
		Help: "Ticks skipped because another process held the lease.",
	})
	dispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gantry_dispatches_total",
		Help: "Dispatch attempts by outcome.",
	}, []string{"outcome"})
	orphansAdopted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gantry_orphans_adopted_total",
		Help: "Workloads found without a record and adopted.",
	})
	runnersReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gantry_runners_reaped_total",
		Help: "Terminated runners reaped.",
	})
)

// Agent owns the reconciliation and scheduling loop. Exactly one Agent per
// process; the datastore lease keeps ticks single-flight across processes.
type Agent struct {
	cfg    Config
	ledger *ledger.Ledger
	limits *limits.Store
	ds     datastore.Datastore
	orch   orchestrator.Client
	issuer creds.Issuer
	audit  *audit.Store

	owner string // lease owner id, unique per process
	// rrOffset rotates which org the admission pass visits first, so that
	// ordering between orgs is fair over time. Deliberately per-process.
	rrOffset uint64

	wg sync.WaitGroup
}

// New wires an Agent. audit may be nil, in which case dropped jobs are only
// logged.
func New(cfg Config, l *ledger.Ledger, lim *limits.Store, ds datastore.Datastore, orch orchestrator.Client, issuer creds.Issuer, aud *audit.Store) *Agent {
	return &Agent{
		cfg:    cfg,
		ledger: l,
		limits: lim,
		ds:     ds,
		orch:   orch,
		issuer: issuer,
		audit:  aud,
		owner:  uuid.NewString(),
	}
}

// Run ticks until ctx is cancelled, then waits for in-flight dispatches.
func (a *Agent) Run(ctx context.Context) {
	log := common.Logger(ctx).WithField("owner", a.owner)
	log.WithField("period", a.cfg.TickPeriod).Info("control loop starting")

	ticker := time.NewTicker(a.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("control loop stopping")
			a.wg.Wait()
			return
		case <-ticker.C:
			a.runTick(ctx)
		}
	}
}

// runTick acquires the tick lease and runs one reconcile+schedule pass. A
// tick that cannot get the lease is simply skipped; the holder is doing the
// same work.
func (a *Agent) runTick(ctx context.Context) {
	ctx, span := trace.StartSpan(ctx, "agent_tick")
	defer span.End()

	log := common.Logger(ctx)

	ok, err := a.ds.AcquireLease(ctx, leaseKey, a.owner, a.cfg.LeaseTTL)
	if err != nil {
		tickFailures.Inc()
		log.WithError(err).Error("tick lease acquisition failed")
		return
	}
	if !ok {
		tickSkips.Inc()
		log.Debug("tick lease held elsewhere, skipping")
		return
	}
	defer func() {
		if err := a.ds.ReleaseLease(ctx, leaseKey, a.owner); err != nil {
			log.WithError(err).Warn("tick lease release failed")
		}
	}()

	ticksTotal.Inc()
	start := time.Now()

	if err := a.reconcile(ctx); err != nil {
		tickFailures.Inc()
		log.WithError(err).Error("reconciliation aborted")
		return
	}
	if err := a.schedule(ctx); err != nil {
		tickFailures.Inc()
		log.WithError(err).Error("admission pass failed")
		return
	}

	log.WithField("elapsed", time.Since(start)).Debug("tick complete")
}

// Tick runs a single reconcile+schedule pass without the ticker or the
// lease. Exposed for tests and one-shot invocations.
func (a *Agent) Tick(ctx context.Context) error {
	if err := a.reconcile(ctx); err != nil {
		return err
	}
	return a.schedule(ctx)
}

// Wait blocks until in-flight dispatches finish.
func (a *Agent) Wait() {
	a.wg.Wait()
}
