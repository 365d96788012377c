package agent

import (
	"context"
	"fmt"

	"go.opencensus.io/trace"

	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/models"
)

// schedule is the admission pass. It walks the non-empty org queues in a
// rotating round-robin order, admitting jobs FIFO within each org until the
// org's limit is hit, and stops the whole pass the moment the global cap
// denies an admission since no other org could be admitted either.
func (a *Agent) schedule(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "schedule")
	defer span.End()

	policy, err := a.limits.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("loading limit policy: %w", err)
	}

	orgs, err := a.ds.NonEmptyOrgs(ctx)
	if err != nil {
		return fmt.Errorf("listing pending orgs: %w", err)
	}
	if len(orgs) == 0 {
		return nil
	}

	// Rotate the starting org each pass so no org is systematically served
	// first.
	offset := a.rrOffset % uint64(len(orgs))
	a.rrOffset++

	log := common.Logger(ctx)
	for i := range orgs {
		org := orgs[(offset+uint64(i))%uint64(len(orgs))]
		limit := policy.Limit(org)

		for {
			admission, err := a.ledger.TryAdmit(ctx, org, limit)
			if err != nil {
				return fmt.Errorf("admission for %s: %w", org, err)
			}
			switch admission {
			case models.DeniedGlobalCap:
				log.Debug("global cap reached, ending admission pass")
				return nil
			case models.DeniedOrgCap:
				log.WithField("org", org).Debug("org at limit")
			case models.Admitted:
				job, err := a.ds.Dequeue(ctx, org)
				if err != nil {
					// Undo the reservation; the job is still queued.
					if rerr := a.ledger.Release(ctx, org); rerr != nil {
						log.WithError(rerr).WithField("org", org).Error("releasing reservation after dequeue failure")
					}
					return fmt.Errorf("dequeue for %s: %w", org, err)
				}
				if job == nil {
					// Stale pending marker, nothing actually queued.
					if err := a.ledger.Release(ctx, org); err != nil {
						return err
					}
					break
				}
				a.startDispatch(ctx, job)
				continue
			}
			break
		}
	}
	return nil
}
