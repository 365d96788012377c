package ledger

import (
	"context"
	"testing"

	"github.com/gantryproject/gantry/api/datastore"
	"github.com/gantryproject/gantry/api/models"
)

func TestAdmitUntilOrgLimit(t *testing.T) {
	ctx := context.Background()
	l := New(datastore.NewMem(), 100)

	for i := 0; i < 3; i++ {
		adm, err := l.TryAdmit(ctx, "acme", 3)
		if err != nil {
			t.Fatal(err)
		}
		if adm != models.Admitted {
			t.Fatalf("admission %d: got %s", i, adm)
		}
	}
	adm, err := l.TryAdmit(ctx, "acme", 3)
	if err != nil {
		t.Fatal(err)
	}
	if adm != models.DeniedOrgCap {
		t.Fatalf("got %s, want denied_org_cap", adm)
	}

	// Another org is unaffected by acme's saturation.
	if adm, _ := l.TryAdmit(ctx, "globex", 3); adm != models.Admitted {
		t.Fatalf("got %s, want admitted", adm)
	}
}

func TestAdmitGlobalCapWins(t *testing.T) {
	ctx := context.Background()
	l := New(datastore.NewMem(), 2)

	l.TryAdmit(ctx, "acme", 10)
	l.TryAdmit(ctx, "globex", 10)

	adm, err := l.TryAdmit(ctx, "initech", 10)
	if err != nil {
		t.Fatal(err)
	}
	if adm != models.DeniedGlobalCap {
		t.Fatalf("got %s, want denied_global_cap", adm)
	}
}

func TestReleaseFreesCapacity(t *testing.T) {
	ctx := context.Background()
	l := New(datastore.NewMem(), 100)

	l.TryAdmit(ctx, "acme", 1)
	if adm, _ := l.TryAdmit(ctx, "acme", 1); adm != models.DeniedOrgCap {
		t.Fatalf("got %s, want denied_org_cap", adm)
	}

	if err := l.Release(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	if adm, _ := l.TryAdmit(ctx, "acme", 1); adm != models.Admitted {
		t.Fatalf("got %s, want admitted after release", adm)
	}
}

func TestReleaseAtZeroDoesNotUnderflow(t *testing.T) {
	ctx := context.Background()
	l := New(datastore.NewMem(), 100)

	// Releasing with nothing running must not error or wrap the counter.
	if err := l.Release(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	n, err := l.OrgRunning(ctx, "acme")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("org running = %d, want 0", n)
	}
}

func TestSetCountersOverwrites(t *testing.T) {
	ctx := context.Background()
	l := New(datastore.NewMem(), 100)

	l.TryAdmit(ctx, "acme", 10)
	l.TryAdmit(ctx, "acme", 10)

	if err := l.SetCounters(ctx, "acme", 5); err != nil {
		t.Fatal(err)
	}
	if err := l.SetGlobal(ctx, 5); err != nil {
		t.Fatal(err)
	}

	if n, _ := l.OrgRunning(ctx, "acme"); n != 5 {
		t.Fatalf("org running = %d, want 5", n)
	}
	if g, _ := l.GlobalRunning(ctx); g != 5 {
		t.Fatalf("global running = %d, want 5", g)
	}
}
