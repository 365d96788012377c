package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/models"
	"github.com/gantryproject/gantry/api/orchestrator"
)

// reconcile re-derives runner state and capacity counters from what the
// orchestrator actually reports. The orchestrator listing is the arbiter of
// truth; the record set is advanced to match it and the counters are then
// overwritten from the record set. If the listing fails the tick aborts
// here, before any counter write, so stale counters are never replaced with
// guesses.
func (a *Agent) reconcile(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "reconcile")
	defer span.End()

	workloads, err := a.orch.List(ctx)
	if err != nil {
		return fmt.Errorf("listing workloads: %w", err)
	}

	records, err := a.ds.Runners(ctx)
	if err != nil {
		return fmt.Errorf("listing runner records: %w", err)
	}

	byName := make(map[string]*orchestrator.Workload, len(workloads))
	for _, w := range workloads {
		byName[w.Name] = w
	}
	recorded := make(map[string]bool, len(records))
	for _, rec := range records {
		recorded[rec.Name] = true
	}

	// Workloads nobody remembers dispatching, typically left over from a
	// crashed predecessor. Adopt them so they are counted and eventually
	// reaped instead of leaking.
	for _, w := range workloads {
		if recorded[w.Name] {
			continue
		}
		rec := a.adopt(ctx, w)
		if rec != nil {
			records = append(records, rec)
		}
	}

	survivors := make([]*models.RunnerRecord, 0, len(records))
	for _, rec := range records {
		kept, err := a.step(ctx, rec, byName[rec.Name])
		if err != nil {
			common.Logger(ctx).WithError(err).WithField("runner", rec.Name).Error("runner step failed")
			// Counters are recomputed from the record as-is; the step is
			// retried next tick.
			survivors = append(survivors, rec)
			continue
		}
		if kept {
			survivors = append(survivors, rec)
		}
	}

	return a.recompute(ctx, survivors)
}

// adopt creates a record for a workload that has none. The org and job id
// come from the workload labels; a workload without an org label cannot be
// attributed and is deleted rather than counted against nobody.
func (a *Agent) adopt(ctx context.Context, w *orchestrator.Workload) *models.RunnerRecord {
	log := common.Logger(ctx).WithField("runner", w.Name)
	if w.Org == "" {
		log.Warn("unattributable workload, deleting")
		if err := a.orch.Delete(ctx, w.Name); err != nil {
			log.WithError(err).Error("deleting unattributable workload failed")
		}
		return nil
	}

	rec := &models.RunnerRecord{
		Name:       w.Name,
		Org:        w.Org,
		JobID:      w.JobID,
		State:      models.RunnerStateProvisioning,
		WorkloadID: w.ID,
		CreatedAt:  w.CreatedAt,
	}
	if w.Phase == orchestrator.PhaseRunning {
		rec.State = models.RunnerStateRunning
	}
	if err := a.ds.SaveRunner(ctx, rec); err != nil {
		log.WithError(err).Error("saving adopted runner failed")
		return nil
	}
	orphansAdopted.Inc()
	log.WithField("org", w.Org).Info("adopted orphan workload")
	return rec
}

// step advances one runner record against its observed workload. It returns
// kept=false when the record was removed (the runner is fully reaped).
func (a *Agent) step(ctx context.Context, rec *models.RunnerRecord, w *orchestrator.Workload) (kept bool, err error) {
	if w == nil {
		return a.stepAbsent(ctx, rec)
	}

	switch w.Phase {
	case orchestrator.PhasePending:
		if rec.State == models.RunnerStateDispatched {
			rec.State = models.RunnerStateProvisioning
			rec.WorkloadID = w.ID
			return true, a.ds.SaveRunner(ctx, rec)
		}
	case orchestrator.PhaseRunning:
		if rec.State != models.RunnerStateRunning && rec.State.Active() {
			rec.State = models.RunnerStateRunning
			rec.WorkloadID = w.ID
			return true, a.ds.SaveRunner(ctx, rec)
		}
	case orchestrator.PhaseSucceeded, orchestrator.PhaseFailed:
		conclusion := models.RunnerSucceeded
		if w.Phase == orchestrator.PhaseFailed {
			conclusion = models.RunnerFailed
		}
		return a.terminate(ctx, rec, conclusion, true)
	}
	return true, nil
}

// stepAbsent handles a record whose workload the orchestrator no longer
// reports. A freshly dispatched runner gets a grace window, since the
// workload may simply not be visible yet; past that, or in any later state,
// the runner is written off as vanished.
func (a *Agent) stepAbsent(ctx context.Context, rec *models.RunnerRecord) (bool, error) {
	if rec.State == models.RunnerStateDispatched && time.Since(rec.CreatedAt) < a.cfg.AbsentGrace {
		return true, nil
	}
	return a.terminate(ctx, rec, models.RunnerVanished, false)
}

// terminate applies the one owed capacity release and reaps the runner. The
// release marker makes the release exactly-once even when a tick crashes
// between releasing and removing the record and the next tick retries.
func (a *Agent) terminate(ctx context.Context, rec *models.RunnerRecord, conclusion models.RunnerConclusion, deleteWorkload bool) (bool, error) {
	log := common.Logger(ctx).WithFields(logrus.Fields{
		"runner": rec.Name, "org": rec.Org, "conclusion": conclusion,
	})

	if rec.State != models.RunnerStateTerminated {
		rec.State = models.RunnerStateTerminated
		rec.Conclusion = conclusion
		if err := a.ds.SaveRunner(ctx, rec); err != nil {
			return true, err
		}
	}

	first, err := a.ds.MarkReleased(ctx, rec.Name, a.cfg.ReleaseMarkerTTL)
	if err != nil {
		return true, err
	}
	if first {
		if err := a.ledger.Release(ctx, rec.Org); err != nil {
			return true, err
		}
	}

	if deleteWorkload {
		if err := a.orch.Delete(ctx, rec.Name); err != nil {
			return true, err
		}
	}

	if err := a.ds.RemoveRunner(ctx, rec.Name); err != nil {
		return true, err
	}
	runnersReaped.Inc()
	log.Info("runner reaped")
	return false, nil
}

// recompute authoritatively overwrites the capacity counters from the
// surviving record set. Dispatched records count: their capacity was
// reserved at admission even though the workload is not visible yet.
func (a *Agent) recompute(ctx context.Context, records []*models.RunnerRecord) error {
	perOrg := make(map[string]uint64)
	var total uint64
	for _, rec := range records {
		if rec.State.Active() {
			perOrg[rec.Org]++
			total++
		}
	}

	stored, err := a.ledger.RunningCounts(ctx)
	if err != nil {
		return fmt.Errorf("reading stored counts: %w", err)
	}

	for org, n := range perOrg {
		if stored[org] != n {
			common.Logger(ctx).WithFields(logrus.Fields{
				"org": org, "stored": stored[org], "observed": n,
			}).Info("correcting org counter")
		}
		if err := a.ledger.SetCounters(ctx, org, n); err != nil {
			return err
		}
	}
	// Orgs with a stored counter but no active runners drop to zero.
	for org := range stored {
		if _, ok := perOrg[org]; !ok {
			if err := a.ledger.SetCounters(ctx, org, 0); err != nil {
				return err
			}
		}
	}
	return a.ledger.SetGlobal(ctx, total)
}
