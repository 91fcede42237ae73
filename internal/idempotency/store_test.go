package idempotency

import (
	"context"
	"fmt"
	"testing"

	"signal-bridge/pkg/db"
)

func newTestStore(t *testing.T, retention int) (*Store, *db.Queries) {
	t.Helper()
	database, err := db.NewInMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	queries := db.NewQueries(database.DB)
	return NewStore(queries, retention), queries
}

func TestHasAndRecord(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, 0)

	seen, err := store.Has(ctx, "sig-1", "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("unrecorded signal reported as seen")
	}

	if err := store.Record(ctx, "sig-1", "acct-1"); err != nil {
		t.Fatal(err)
	}

	// Replaying the same delivery any number of times stays positive.
	for i := 0; i < 5; i++ {
		seen, err := store.Has(ctx, "sig-1", "acct-1")
		if err != nil {
			t.Fatal(err)
		}
		if !seen {
			t.Fatalf("replay %d: recorded signal reported unseen", i)
		}
	}

	// Same signal ID on another account is a distinct execution.
	if seen, _ := store.Has(ctx, "sig-1", "acct-2"); seen {
		t.Error("signal ID leaked across accounts")
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, queries := newTestStore(t, 0)

	for i := 0; i < 3; i++ {
		if err := store.Record(ctx, "sig-1", "acct-1"); err != nil {
			t.Fatalf("Record #%d failed: %v", i, err)
		}
	}
	n, err := queries.CountProcessedSignals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("table holds %d rows, want 1", n)
	}
}

func TestWarmCacheSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store, queries := newTestStore(t, 0)

	if err := store.Record(ctx, "sig-1", "acct-1"); err != nil {
		t.Fatal(err)
	}

	// A new store over the same table is an in-process restart.
	restarted := NewStore(queries, 0)
	if err := restarted.WarmCache(ctx); err != nil {
		t.Fatal(err)
	}
	if restarted.Size() != 1 {
		t.Errorf("warmed mirror size = %d, want 1", restarted.Size())
	}
	if seen, _ := restarted.Has(ctx, "sig-1", "acct-1"); !seen {
		t.Error("processed signal lost across restart")
	}
}

func TestStaleMirrorStillConsultsTable(t *testing.T) {
	ctx := context.Background()
	store, queries := newTestStore(t, 0)

	// Write through the queries directly so the mirror never hears of it.
	if err := queries.InsertProcessedSignal(ctx, "sig-raw", "acct-1"); err != nil {
		t.Fatal(err)
	}
	if seen, _ := store.Has(ctx, "sig-raw", "acct-1"); !seen {
		t.Error("mirror miss must fall through to the durable table")
	}
}

func TestSweepKeepsNewest(t *testing.T) {
	ctx := context.Background()
	store, queries := newTestStore(t, 5)

	for i := 0; i < 12; i++ {
		if err := store.Record(ctx, fmt.Sprintf("sig-%02d", i), "acct-1"); err != nil {
			t.Fatal(err)
		}
	}

	store.sweep(ctx)

	n, err := queries.CountProcessedSignals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("table holds %d rows after sweep, want 5", n)
	}
	if store.Size() != 5 {
		t.Errorf("mirror holds %d keys after sweep, want 5", store.Size())
	}
}

func TestSweepBelowRetentionIsNoop(t *testing.T) {
	ctx := context.Background()
	store, queries := newTestStore(t, 100)

	for i := 0; i < 3; i++ {
		if err := store.Record(ctx, fmt.Sprintf("sig-%d", i), "acct-1"); err != nil {
			t.Fatal(err)
		}
	}
	store.sweep(ctx)
	if n, _ := queries.CountProcessedSignals(ctx); n != 3 {
		t.Errorf("sweep below retention removed rows: %d left", n)
	}
}
