package agent

import (
	"context"
	"testing"
	"time"

	"github.com/gantryproject/gantry/api/models"
	"github.com/gantryproject/gantry/api/orchestrator"
)

func enqueue(t *testing.T, a *testAgent, id int64, org string) {
	t.Helper()
	queued, err := a.ds.Enqueue(context.Background(), &models.JobRequest{
		ID: id, Org: org, RunID: id, JobName: "build", EnqueuedAt: time.Now(),
	})
	if err != nil || !queued {
		t.Fatalf("enqueue %d: queued=%v err=%v", id, queued, err)
	}
}

func TestScheduleRespectsOrgLimit(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, 2, 100)

	for _, id := range []int64{1, 2, 3} {
		enqueue(t, a, id, "acme")
	}

	a.tick(t)

	recs, _ := a.ds.Runners(ctx)
	if len(recs) != 2 {
		t.Fatalf("dispatched %d runners, want 2", len(recs))
	}
	if n, _ := a.ds.QueueLen(ctx, "acme"); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}
	if n, _ := a.ledger.OrgRunning(ctx, "acme"); n != 2 {
		t.Fatalf("org running = %d, want 2", n)
	}
	// FIFO: the two oldest jobs went out, the newest stayed queued.
	for _, name := range []string{"gantry-runner-1", "gantry-runner-2"} {
		if !a.orch.Has(name) {
			t.Fatalf("workload %s not created", name)
		}
	}

	// At the limit nothing more is admitted.
	a.tick(t)
	if n, _ := a.ds.QueueLen(ctx, "acme"); n != 1 {
		t.Fatalf("queue len at limit = %d, want 1", n)
	}

	// One runner finishing frees a unit; the next tick admits the
	// remaining job.
	a.orch.SetPhase("gantry-runner-1", orchestrator.PhaseSucceeded)
	a.tick(t)

	if !a.orch.Has("gantry-runner-3") {
		t.Fatal("queued job not dispatched after a runner finished")
	}
	if n, _ := a.ds.QueueLen(ctx, "acme"); n != 0 {
		t.Fatalf("queue len after attrition = %d, want 0", n)
	}
	if n, _ := a.ledger.OrgRunning(ctx, "acme"); n != 2 {
		t.Fatalf("org running after attrition = %d, want 2", n)
	}
}

func TestScheduleDispatchCreatesWorkload(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, 10, 100)

	enqueue(t, a, 42, "acme")
	a.tick(t)

	if !a.orch.Has("gantry-runner-42") {
		t.Fatal("workload not created")
	}
	rec, _ := a.ds.Runner(ctx, "gantry-runner-42")
	if rec == nil {
		t.Fatal("no runner record")
	}
	if rec.WorkloadID == "" {
		t.Fatal("workload id not recorded")
	}
	if a.issuer.Issued != 1 {
		t.Fatalf("issued %d credentials, want 1", a.issuer.Issued)
	}
}

func TestScheduleGlobalCapAndRotation(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, 10, 1)

	enqueue(t, a, 1, "acme")
	enqueue(t, a, 2, "globex")

	a.tick(t)

	recs, _ := a.ds.Runners(ctx)
	if len(recs) != 1 {
		t.Fatalf("dispatched %d runners, want 1 (global cap)", len(recs))
	}
	first := recs[0].Org

	// While the pool is full nothing else is admitted.
	a.tick(t)
	recs, _ = a.ds.Runners(ctx)
	if len(recs) != 1 {
		t.Fatalf("dispatched %d runners at full pool, want 1", len(recs))
	}

	// Finish the first runner; the freed unit must go to the other org,
	// both because its queue is older and because the rotation moved on.
	a.orch.SetPhase(recs[0].Name, orchestrator.PhaseSucceeded)
	a.tick(t)

	recs, _ = a.ds.Runners(ctx)
	if len(recs) != 1 {
		t.Fatalf("runners after reap = %d, want 1", len(recs))
	}
	if recs[0].Org == first {
		t.Fatalf("same org served twice while %s waited", map[string]string{"acme": "globex", "globex": "acme"}[first])
	}
	if g, _ := a.ledger.GlobalRunning(ctx); g != 1 {
		t.Fatalf("global running = %d, want 1", g)
	}
}

func TestScheduleSkipsWhenQueuesEmpty(t *testing.T) {
	a := newTestAgent(t, 10, 100)
	a.tick(t)

	recs, _ := a.ds.Runners(context.Background())
	if len(recs) != 0 {
		t.Fatalf("dispatched %d runners from empty queues", len(recs))
	}
}
