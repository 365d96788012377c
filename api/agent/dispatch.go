package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opencensus.io/trace"

	"github.com/gantryproject/gantry/api/audit"
	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/creds"
	"github.com/gantryproject/gantry/api/models"
	"github.com/gantryproject/gantry/api/orchestrator"
)

// startDispatch launches a dispatch in the background. The job's capacity
// unit is already reserved; the dispatch either converts it into a live
// workload or rolls the reservation back. A values-only context detaches the
// dispatch from the tick that started it.
func (a *Agent) startDispatch(ctx context.Context, job *models.JobRequest) {
	ctx = common.BackgroundContext(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, a.cfg.DispatchTimeout)
		defer cancel()
		a.dispatch(ctx, job)
	}()
}

func (a *Agent) dispatch(ctx context.Context, job *models.JobRequest) {
	ctx, span := trace.StartSpan(ctx, "dispatch")
	defer span.End()

	name := models.RunnerName(a.cfg.RunnerPrefix, job.ID)
	dispatchID := uuid.NewString()
	ctx, log := common.LoggerWithFields(ctx, logrus.Fields{
		"runner": name, "org": job.Org, "job_id": job.ID, "dispatch_id": dispatchID,
	})

	rec := &models.RunnerRecord{
		Name:       name,
		Org:        job.Org,
		JobID:      job.ID,
		RunID:      job.RunID,
		State:      models.RunnerStateDispatched,
		DispatchID: dispatchID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := a.ds.SaveRunner(ctx, rec); err != nil {
		log.WithError(err).Error("saving dispatch record failed")
		a.rollback(ctx, job, name, err, true)
		return
	}

	jit, err := a.issueWithRetry(ctx, job, name)
	if err != nil {
		log.WithError(err).Error("credential issuance failed")
		a.rollback(ctx, job, name, err, creds.IsRetryable(err))
		return
	}

	workloadID, err := a.createWithRetry(ctx, &orchestrator.WorkloadSpec{
		Name:      name,
		Org:       job.Org,
		JobID:     job.ID,
		RunID:     job.RunID,
		Labels:    a.cfg.RunnerLabels,
		JITConfig: jit,
	})
	if err != nil {
		log.WithError(err).Error("workload creation failed")
		a.rollback(ctx, job, name, err, orchestrator.IsRetryable(err))
		return
	}

	rec.WorkloadID = workloadID
	if err := a.ds.SaveRunner(ctx, rec); err != nil {
		// The workload exists; reconciliation will re-attach via adoption
		// if this write never lands.
		log.WithError(err).Warn("recording workload id failed")
	}

	dispatchesTotal.WithLabelValues("dispatched").Inc()
	log.Info("runner dispatched")
}

func (a *Agent) issueWithRetry(ctx context.Context, job *models.JobRequest, name string) (string, error) {
	bo := common.NewBackOff(a.cfg.DispatchBackoff)
	for {
		jit, err := a.issuer.Issue(ctx, job.Org, name, a.cfg.RunnerLabels)
		if err == nil {
			return jit, nil
		}
		if !creds.IsRetryable(err) {
			return "", err
		}
		delay, ok := bo.NextBackOff()
		if !ok {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (a *Agent) createWithRetry(ctx context.Context, spec *orchestrator.WorkloadSpec) (string, error) {
	bo := common.NewBackOff(a.cfg.DispatchBackoff)
	for {
		id, err := a.orch.Create(ctx, spec)
		if err == nil {
			return id, nil
		}
		if !orchestrator.IsRetryable(err) {
			return "", err
		}
		delay, ok := bo.NextBackOff()
		if !ok {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
}

// rollback undoes a failed dispatch: the record goes away, the reserved
// capacity unit is released, and the job is either put back at the head of
// its queue (transient failure, bounded attempts) or dropped to the audit
// trail (terminal failure or attempts exhausted).
func (a *Agent) rollback(ctx context.Context, job *models.JobRequest, name string, cause error, transient bool) {
	log := common.Logger(ctx)

	if err := a.ds.RemoveRunner(ctx, name); err != nil {
		log.WithError(err).Error("removing failed dispatch record")
	}
	if err := a.ledger.Release(ctx, job.Org); err != nil {
		log.WithError(err).Error("releasing reservation after failed dispatch")
	}

	if !transient {
		dispatchesTotal.WithLabelValues("rejected").Inc()
		a.drop(ctx, job, audit.ReasonPolicyRejected, cause)
		return
	}

	job.Attempts++
	if job.Attempts >= a.cfg.RequeueAttempts {
		dispatchesTotal.WithLabelValues("exhausted").Inc()
		a.drop(ctx, job, audit.ReasonRetryExhausted, cause)
		return
	}

	if err := a.ds.EnqueueFront(ctx, job); err != nil {
		log.WithError(err).Error("head requeue failed, dropping job")
		a.drop(ctx, job, audit.ReasonRequeueOverflow, err)
		return
	}
	dispatchesTotal.WithLabelValues("requeued").Inc()
	log.WithField("attempts", job.Attempts).Warn("dispatch failed, job requeued")
}

func (a *Agent) drop(ctx context.Context, job *models.JobRequest, reason string, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	common.Logger(ctx).WithFields(logrus.Fields{
		"job_id": job.ID, "org": job.Org, "reason": reason,
	}).Error("job dropped")
	if a.audit != nil {
		a.audit.Record(ctx, job, reason, detail)
	}
}
