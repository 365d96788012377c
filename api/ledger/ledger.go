// Package ledger owns the running-capacity counters. It is the only
// component allowed to mutate them; everything else goes through its
// contract. Counters are a fast-path cache over orchestrator truth and are
// re-derived every reconciliation tick, so the ledger never needs to be
// perfectly durable, only never self-inconsistent.
package ledger

import (
	"context"

	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/datastore"
	"github.com/gantryproject/gantry/api/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	admissionsMeasure = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gantry_admissions_total",
		Help: "Admission attempts by outcome.",
	}, []string{"outcome"})

	releasesMeasure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gantry_releases_total",
		Help: "Capacity releases applied.",
	})

	anomaliesMeasure = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gantry_accounting_anomalies_total",
		Help: "Release attempts clamped at zero.",
	})
)

type Ledger struct {
	store    datastore.CapacityStore
	maxTotal uint64
}

func New(store datastore.CapacityStore, maxTotal uint64) *Ledger {
	return &Ledger{store: store, maxTotal: maxTotal}
}

// MaxTotal is the global running cap the ledger admits against.
func (l *Ledger) MaxTotal() uint64 { return l.maxTotal }

// TryAdmit atomically reserves one unit of capacity for org if both the org
// limit and the global cap allow it. Denial is a normal outcome.
func (l *Ledger) TryAdmit(ctx context.Context, org string, limit uint64) (models.Admission, error) {
	adm, err := l.store.TryAdmit(ctx, org, limit, l.maxTotal)
	if err != nil {
		return adm, err
	}
	admissionsMeasure.WithLabelValues(adm.String()).Inc()
	return adm, nil
}

// Release returns one unit of capacity for org. A release past zero is
// clamped and logged as an anomaly rather than corrupting the counters;
// reconciliation restores the true counts on the next tick.
func (l *Ledger) Release(ctx context.Context, org string) error {
	clamped, err := l.store.Release(ctx, org)
	if err != nil {
		return err
	}
	releasesMeasure.Inc()
	if clamped {
		anomaliesMeasure.Inc()
		common.Logger(ctx).WithFields(logrus.Fields{"org": org}).Warn("release clamped at zero, counter drift suspected")
	}
	return nil
}

// SetCounters authoritatively overwrites org's running counter. Only
// reconciliation calls this; the store applies it atomically with respect to
// concurrent TryAdmit/Release.
func (l *Ledger) SetCounters(ctx context.Context, org string, running uint64) error {
	return l.store.SetOrgRunning(ctx, org, running)
}

// SetGlobal authoritatively overwrites the global running counter.
func (l *Ledger) SetGlobal(ctx context.Context, running uint64) error {
	return l.store.SetGlobalRunning(ctx, running)
}

func (l *Ledger) OrgRunning(ctx context.Context, org string) (uint64, error) {
	return l.store.OrgRunning(ctx, org)
}

func (l *Ledger) GlobalRunning(ctx context.Context) (uint64, error) {
	return l.store.GlobalRunning(ctx)
}

func (l *Ledger) RunningCounts(ctx context.Context) (map[string]uint64, error) {
	return l.store.OrgRunningCounts(ctx)
}
