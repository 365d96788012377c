package agent

import (
	"context"
	"testing"
	"time"

	"github.com/gantryproject/gantry/api/models"
	"github.com/gantryproject/gantry/api/orchestrator"
)

func TestReconcileAdvancesStates(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, 10, 100)

	rec := &models.RunnerRecord{
		Name: "gantry-runner-1", Org: "acme", JobID: 1,
		State: models.RunnerStateDispatched, CreatedAt: time.Now(),
	}
	if err := a.ds.SaveRunner(ctx, rec); err != nil {
		t.Fatal(err)
	}
	a.orch.Inject(&orchestrator.Workload{
		Name: "gantry-runner-1", Org: "acme", JobID: 1,
		Phase: orchestrator.PhasePending, CreatedAt: time.Now(),
	})

	if err := a.reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := a.ds.Runner(ctx, "gantry-runner-1")
	if got.State != models.RunnerStateProvisioning {
		t.Fatalf("state = %s, want provisioning", got.State)
	}

	a.orch.SetPhase("gantry-runner-1", orchestrator.PhaseRunning)
	if err := a.reconcile(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = a.ds.Runner(ctx, "gantry-runner-1")
	if got.State != models.RunnerStateRunning {
		t.Fatalf("state = %s, want running", got.State)
	}

	// Counters follow the observed state.
	if n, _ := a.ledger.OrgRunning(ctx, "acme"); n != 1 {
		t.Fatalf("org running = %d, want 1", n)
	}
}

func TestReconcileReapsTerminal(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, 10, 100)

	a.ledger.TryAdmit(ctx, "acme", 10)
	a.ds.SaveRunner(ctx, &models.RunnerRecord{
		Name: "gantry-runner-1", Org: "acme", JobID: 1,
		State: models.RunnerStateRunning, CreatedAt: time.Now(),
	})
	a.orch.Inject(&orchestrator.Workload{
		Name: "gantry-runner-1", Org: "acme", JobID: 1,
		Phase: orchestrator.PhaseSucceeded, CreatedAt: time.Now(),
	})

	if err := a.reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	if got, _ := a.ds.Runner(ctx, "gantry-runner-1"); got != nil {
		t.Fatalf("record still present: %+v", got)
	}
	if a.orch.Has("gantry-runner-1") {
		t.Fatal("workload not deleted")
	}
	if n, _ := a.ledger.OrgRunning(ctx, "acme"); n != 0 {
		t.Fatalf("org running = %d, want 0 after reap", n)
	}
	if g, _ := a.ledger.GlobalRunning(ctx); g != 0 {
		t.Fatalf("global running = %d, want 0 after reap", g)
	}
}

func TestTerminateReleasesOnce(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, 10, 100)

	a.ledger.TryAdmit(ctx, "acme", 10)
	rec := &models.RunnerRecord{
		Name: "gantry-runner-1", Org: "acme", JobID: 1,
		State: models.RunnerStateTerminated, CreatedAt: time.Now(),
	}
	a.ds.SaveRunner(ctx, rec)

	if _, err := a.terminate(ctx, rec, models.RunnerVanished, false); err != nil {
		t.Fatal(err)
	}
	if n, _ := a.ledger.OrgRunning(ctx, "acme"); n != 0 {
		t.Fatalf("org running = %d, want 0", n)
	}

	// A crashed pass can leave the record behind and retry the terminate;
	// the release marker must keep a second release from firing against
	// some other runner's capacity unit.
	a.ds.SaveRunner(ctx, rec)
	a.ledger.TryAdmit(ctx, "acme", 10)

	if _, err := a.terminate(ctx, rec, models.RunnerVanished, false); err != nil {
		t.Fatal(err)
	}
	if n, _ := a.ledger.OrgRunning(ctx, "acme"); n != 1 {
		t.Fatalf("org running = %d, want 1 (release applied twice)", n)
	}
}

func TestReconcileAdoptsOrphans(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, 10, 100)

	a.orch.Inject(&orchestrator.Workload{
		Name: "gantry-runner-77", Org: "acme", JobID: 77,
		Phase: orchestrator.PhaseRunning, CreatedAt: time.Now(),
	})

	if err := a.reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := a.ds.Runner(ctx, "gantry-runner-77")
	if got == nil {
		t.Fatal("orphan not adopted")
	}
	if got.Org != "acme" || got.JobID != 77 || got.State != models.RunnerStateRunning {
		t.Fatalf("adopted record %+v", got)
	}
	if n, _ := a.ledger.OrgRunning(ctx, "acme"); n != 1 {
		t.Fatalf("org running = %d, want 1 after adoption", n)
	}
}

func TestReconcileVanishedAfterGrace(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, 10, 100)

	a.ledger.TryAdmit(ctx, "acme", 10)
	a.ledger.TryAdmit(ctx, "acme", 10)

	// Fresh dispatch: the workload may just not be visible yet.
	a.ds.SaveRunner(ctx, &models.RunnerRecord{
		Name: "gantry-runner-1", Org: "acme", JobID: 1,
		State: models.RunnerStateDispatched, CreatedAt: time.Now(),
	})
	// Old dispatch: past the grace window, written off.
	a.ds.SaveRunner(ctx, &models.RunnerRecord{
		Name: "gantry-runner-2", Org: "acme", JobID: 2,
		State: models.RunnerStateDispatched, CreatedAt: time.Now().Add(-time.Hour),
	})

	if err := a.reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	if got, _ := a.ds.Runner(ctx, "gantry-runner-1"); got == nil {
		t.Fatal("in-grace dispatch should be kept")
	}
	if got, _ := a.ds.Runner(ctx, "gantry-runner-2"); got != nil {
		t.Fatal("expired dispatch should be written off")
	}
	if n, _ := a.ledger.OrgRunning(ctx, "acme"); n != 1 {
		t.Fatalf("org running = %d, want 1", n)
	}
}

func TestReconcileAbortsBeforeCounterWrites(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, 10, 100)

	a.ledger.SetCounters(ctx, "acme", 3)
	a.ledger.SetGlobal(ctx, 3)

	a.orch.ListErr = orchestrator.ErrUnavailable
	if err := a.reconcile(ctx); err == nil {
		t.Fatal("reconcile should fail when the orchestrator is unreachable")
	}

	// Counters must be untouched: better stale than guessed.
	if n, _ := a.ledger.OrgRunning(ctx, "acme"); n != 3 {
		t.Fatalf("org running = %d, want 3", n)
	}
	if g, _ := a.ledger.GlobalRunning(ctx); g != 3 {
		t.Fatalf("global running = %d, want 3", g)
	}
}

func TestReconcileHealsCounterDrift(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, 10, 100)

	for _, name := range []string{"gantry-runner-1", "gantry-runner-2"} {
		a.ds.SaveRunner(ctx, &models.RunnerRecord{
			Name: name, Org: "acme", JobID: 1,
			State: models.RunnerStateRunning, CreatedAt: time.Now(),
		})
		a.orch.Inject(&orchestrator.Workload{
			Name: name, Org: "acme",
			Phase: orchestrator.PhaseRunning, CreatedAt: time.Now(),
		})
	}

	// Corrupt the counters; a tick must restore them from observation.
	a.ledger.SetCounters(ctx, "acme", 7)
	a.ledger.SetCounters(ctx, "ghost", 4)
	a.ledger.SetGlobal(ctx, 11)

	if err := a.reconcile(ctx); err != nil {
		t.Fatal(err)
	}

	if n, _ := a.ledger.OrgRunning(ctx, "acme"); n != 2 {
		t.Fatalf("acme running = %d, want 2", n)
	}
	if n, _ := a.ledger.OrgRunning(ctx, "ghost"); n != 0 {
		t.Fatalf("ghost running = %d, want 0", n)
	}
	if g, _ := a.ledger.GlobalRunning(ctx); g != 2 {
		t.Fatalf("global running = %d, want 2", g)
	}
}
