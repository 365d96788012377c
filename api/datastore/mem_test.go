package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/gantryproject/gantry/api/models"
)

func job(id int64, org string) *models.JobRequest {
	return &models.JobRequest{ID: id, Org: org, EnqueuedAt: time.Now()}
}

func TestMemTryAdmitOrgLimit(t *testing.T) {
	ctx := context.Background()
	ds := NewMem()

	for i := 0; i < 2; i++ {
		adm, err := ds.TryAdmit(ctx, "acme", 2, 100)
		if err != nil {
			t.Fatalf("TryAdmit: %v", err)
		}
		if adm != models.Admitted {
			t.Fatalf("admission %d: got %s, want admitted", i, adm)
		}
	}

	adm, err := ds.TryAdmit(ctx, "acme", 2, 100)
	if err != nil {
		t.Fatalf("TryAdmit: %v", err)
	}
	if adm != models.DeniedOrgCap {
		t.Fatalf("got %s, want denied_org_cap", adm)
	}

	n, err := ds.OrgRunning(ctx, "acme")
	if err != nil {
		t.Fatalf("OrgRunning: %v", err)
	}
	if n != 2 {
		t.Fatalf("org running = %d, want 2", n)
	}
	g, err := ds.GlobalRunning(ctx)
	if err != nil {
		t.Fatalf("GlobalRunning: %v", err)
	}
	if g != 2 {
		t.Fatalf("global running = %d, want 2", g)
	}
}

func TestMemTryAdmitGlobalCap(t *testing.T) {
	ctx := context.Background()
	ds := NewMem()

	if adm, _ := ds.TryAdmit(ctx, "acme", 10, 1); adm != models.Admitted {
		t.Fatalf("got %s, want admitted", adm)
	}
	// Different org, still over the global cap.
	adm, _ := ds.TryAdmit(ctx, "globex", 10, 1)
	if adm != models.DeniedGlobalCap {
		t.Fatalf("got %s, want denied_global_cap", adm)
	}
	// Denial must not have touched the counters.
	if n, _ := ds.OrgRunning(ctx, "globex"); n != 0 {
		t.Fatalf("globex running = %d, want 0", n)
	}
}

func TestMemReleaseClamps(t *testing.T) {
	ctx := context.Background()
	ds := NewMem()

	if _, err := ds.TryAdmit(ctx, "acme", 5, 100); err != nil {
		t.Fatal(err)
	}
	clamped, err := ds.Release(ctx, "acme")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if clamped {
		t.Fatal("first release should not clamp")
	}

	clamped, err = ds.Release(ctx, "acme")
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !clamped {
		t.Fatal("release at zero should report clamped")
	}
	if n, _ := ds.OrgRunning(ctx, "acme"); n != 0 {
		t.Fatalf("org running = %d, want 0 after clamp", n)
	}
	if g, _ := ds.GlobalRunning(ctx); g != 0 {
		t.Fatalf("global running = %d, want 0 after clamp", g)
	}
}

func TestMemEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	ds := NewMem()

	queued, err := ds.Enqueue(ctx, job(7, "acme"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !queued {
		t.Fatal("first delivery should queue")
	}

	queued, err = ds.Enqueue(ctx, job(7, "acme"))
	if err != nil {
		t.Fatalf("Enqueue dup: %v", err)
	}
	if queued {
		t.Fatal("duplicate delivery should not queue")
	}

	if n, _ := ds.QueueLen(ctx, "acme"); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}
}

func TestMemQueueFIFO(t *testing.T) {
	ctx := context.Background()
	ds := NewMem()

	for _, id := range []int64{1, 2, 3} {
		if _, err := ds.Enqueue(ctx, job(id, "acme")); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range []int64{1, 2, 3} {
		j, err := ds.Dequeue(ctx, "acme")
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if j == nil || j.ID != want {
			t.Fatalf("dequeued %+v, want id %d", j, want)
		}
	}

	j, err := ds.Dequeue(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if j != nil {
		t.Fatalf("empty dequeue returned %+v", j)
	}
}

func TestMemEnqueueFrontPreservesOrder(t *testing.T) {
	ctx := context.Background()
	ds := NewMem()

	for _, id := range []int64{1, 2} {
		if _, err := ds.Enqueue(ctx, job(id, "acme")); err != nil {
			t.Fatal(err)
		}
	}
	head, _ := ds.Dequeue(ctx, "acme")
	if err := ds.EnqueueFront(ctx, head); err != nil {
		t.Fatalf("EnqueueFront: %v", err)
	}

	j, _ := ds.Dequeue(ctx, "acme")
	if j.ID != 1 {
		t.Fatalf("head after requeue = %d, want 1", j.ID)
	}
}

func TestMemNonEmptyOrgs(t *testing.T) {
	ctx := context.Background()
	ds := NewMem()

	ds.Enqueue(ctx, job(1, "globex"))
	ds.Enqueue(ctx, job(2, "acme"))

	orgs, err := ds.NonEmptyOrgs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(orgs) != 2 || orgs[0] != "acme" || orgs[1] != "globex" {
		t.Fatalf("orgs = %v, want [acme globex]", orgs)
	}

	ds.Dequeue(ctx, "acme")
	orgs, _ = ds.NonEmptyOrgs(ctx)
	if len(orgs) != 1 || orgs[0] != "globex" {
		t.Fatalf("orgs = %v, want [globex]", orgs)
	}
}

func TestMemPurgeQueue(t *testing.T) {
	ctx := context.Background()
	ds := NewMem()

	for _, id := range []int64{1, 2, 3} {
		ds.Enqueue(ctx, job(id, "acme"))
	}
	n, err := ds.PurgeQueue(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("purged %d, want 3", n)
	}
	if l, _ := ds.QueueLen(ctx, "acme"); l != 0 {
		t.Fatalf("queue len after purge = %d", l)
	}
}

func TestMemOverridesReplace(t *testing.T) {
	ctx := context.Background()
	ds := NewMem()

	if err := ds.SetOverride(ctx, "acme", 25); err != nil {
		t.Fatal(err)
	}

	// Non-replace keeps the existing entry.
	if err := ds.SetOverrides(ctx, map[string]uint64{"acme": 10, "globex": 5}, false); err != nil {
		t.Fatal(err)
	}
	limit, ok, err := ds.Override(ctx, "acme")
	if err != nil || !ok {
		t.Fatalf("Override: %v ok=%v", err, ok)
	}
	if limit != 25 {
		t.Fatalf("acme limit = %d, want preserved 25", limit)
	}
	if limit, ok, _ := ds.Override(ctx, "globex"); !ok || limit != 5 {
		t.Fatalf("globex = %d ok=%v, want 5", limit, ok)
	}

	// Replace drops everything not in the new set.
	if err := ds.SetOverrides(ctx, map[string]uint64{"initech": 3}, true); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := ds.Override(ctx, "acme"); ok {
		t.Fatal("acme should be gone after replace")
	}
	if limit, ok, _ := ds.Override(ctx, "initech"); !ok || limit != 3 {
		t.Fatalf("initech = %d ok=%v, want 3", limit, ok)
	}
}

func TestMemMarkReleasedOnce(t *testing.T) {
	ctx := context.Background()
	ds := NewMem()

	first, err := ds.MarkReleased(ctx, "gantry-runner-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if !first {
		t.Fatal("first mark should win")
	}
	first, err = ds.MarkReleased(ctx, "gantry-runner-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if first {
		t.Fatal("second mark should lose")
	}
}

func TestMemLease(t *testing.T) {
	ctx := context.Background()
	ds := NewMem()

	ok, err := ds.AcquireLease(ctx, "reconcile", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := ds.AcquireLease(ctx, "reconcile", "b", time.Minute); ok {
		t.Fatal("second owner should not acquire a held lease")
	}
	// Holder re-acquire extends.
	if ok, _ := ds.AcquireLease(ctx, "reconcile", "a", time.Minute); !ok {
		t.Fatal("holder should re-acquire its own lease")
	}

	// Release by a non-holder is a no-op.
	if err := ds.ReleaseLease(ctx, "reconcile", "b"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := ds.AcquireLease(ctx, "reconcile", "b", time.Minute); ok {
		t.Fatal("non-holder release should not free the lease")
	}

	if err := ds.ReleaseLease(ctx, "reconcile", "a"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := ds.AcquireLease(ctx, "reconcile", "b", time.Minute); !ok {
		t.Fatal("lease should be free after holder release")
	}
}

func TestMemRunnerRecords(t *testing.T) {
	ctx := context.Background()
	ds := NewMem()

	rec := &models.RunnerRecord{
		Name: "gantry-runner-9", Org: "acme", JobID: 9,
		State: models.RunnerStateDispatched, CreatedAt: time.Now(),
	}
	if err := ds.SaveRunner(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := ds.Runner(ctx, "gantry-runner-9")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Org != "acme" || got.State != models.RunnerStateDispatched {
		t.Fatalf("got %+v", got)
	}

	// Saved records are copies; mutating the original must not leak in.
	rec.State = models.RunnerStateRunning
	got, _ = ds.Runner(ctx, "gantry-runner-9")
	if got.State != models.RunnerStateDispatched {
		t.Fatal("stored record aliases caller memory")
	}

	if err := ds.RemoveRunner(ctx, "gantry-runner-9"); err != nil {
		t.Fatal(err)
	}
	if got, _ := ds.Runner(ctx, "gantry-runner-9"); got != nil {
		t.Fatalf("runner still present: %+v", got)
	}
}
