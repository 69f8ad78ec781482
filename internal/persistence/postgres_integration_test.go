package persistence_test

import (
	"PerpClearing/internal/core"
	"PerpClearing/internal/persistence"
	"PerpClearing/internal/testutil"
	"context"
	"testing"
	"time"
)

// Requires PERP_INTEGRATION=1 and a Postgres at PERP_TEST_POSTGRES_DSN.
func TestPostgres_EventLogRoundTrip(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	w := persistence.NewEventLogWriter(db)

	rows := recordedRows(t)
	if err := w.WriteBatch(ctx, rows); err != nil {
		t.Fatalf("write: %v", err)
	}
	// a retried batch is a no-op
	if err := w.WriteBatch(ctx, rows); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	last, err := w.LastSequences(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last[core.CollateralPartition] != 3 {
		t.Errorf("collateral tip = %d, want 3", last[core.CollateralPartition])
	}

	cur, err := w.VerifyPartition(ctx, core.CollateralPartition, 2)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if cur.Sequence != 3 {
		t.Errorf("verified up to %d", cur.Sequence)
	}
}

func TestPostgres_SnapshotAndKeys(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	ch := testutil.NewHouse(t, nil, nil)
	store := persistence.NewSnapshotStore(db)
	rec, _, err := store.Save(ctx, ch.Snapshot(), time.Now())
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SetArchiveKey(ctx, rec.ID, "k"); err != nil {
		t.Fatalf("archive key: %v", err)
	}
	loaded, err := store.LoadLatest(ctx)
	if err != nil || loaded == nil {
		t.Fatalf("load latest: %v %v", loaded, err)
	}
	if err := testutil.NewHouse(t, nil, nil).Restore(loaded); err != nil {
		t.Errorf("restore loaded snapshot: %v", err)
	}

	keys := persistence.NewPostgresIdempotencyChecker(db)
	if dup, err := keys.IsDuplicate("deposit", "k1"); err != nil || dup {
		t.Fatalf("fresh key: dup=%v err=%v", dup, err)
	}
	if err := keys.Record("deposit", "k1"); err != nil {
		t.Fatal(err)
	}
	if err := keys.Record("deposit", "k1"); err != nil {
		t.Errorf("second record: %v", err)
	}
	if dup, _ := keys.IsDuplicate("deposit", "k1"); !dup {
		t.Error("recorded key not found")
	}
	recent, err := keys.RecentKeys(ctx, 10)
	if err != nil || len(recent) != 1 || recent[0] != "deposit:k1" {
		t.Errorf("recent = %v, %v", recent, err)
	}
}
