package recorder

import (
	"context"
	"testing"
	"time"

	"signal-bridge/pkg/db"
)

func newTestRecorder(t *testing.T, maxSize int) (*Recorder, *db.Queries) {
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
	r := New(queries, maxSize, time.Hour) // interval long enough to not interfere
	t.Cleanup(r.Close)
	return r, queries
}

func TestFlushPersistsBufferedRows(t *testing.T) {
	r, queries := newTestRecorder(t, 50)

	r.RecordExecution(db.Execution{
		SignalID: "sig-1", AccountID: "acct-1", Instrument: "EURUSD",
		Direction: "BUY", Size: 1, EntryPrice: 1.1,
	})
	r.RecordRejection("sig-2", "acct-1", "PolicyRejection", "sell-only account")

	r.Flush()

	rows, err := queries.ListExecutionsByAccount(context.Background(), "acct-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("persisted %d executions, want 1", len(rows))
	}
	if rows[0].ID == "" {
		t.Error("execution ID not assigned")
	}

	m := r.GetMetrics()
	if m.TotalWrites != 2 || m.TotalErrors != 0 {
		t.Errorf("metrics = %+v", m)
	}
	if m.LastFlush.IsZero() {
		t.Error("LastFlush not recorded after a flush")
	}
}

func TestMetricsReadDuringFlush(t *testing.T) {
	r, _ := newTestRecorder(t, 50)

	if got := r.GetMetrics(); !got.LastFlush.IsZero() {
		t.Errorf("LastFlush before any flush = %v, want zero", got.LastFlush)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			r.GetMetrics()
		}
	}()
	for i := 0; i < 100; i++ {
		r.RecordRejection("sig-1", "acct-1", "PolicyRejection", "sell-only account")
		r.Flush()
	}
	<-done
}

func TestBufferFullTriggersFlush(t *testing.T) {
	r, queries := newTestRecorder(t, 2)

	r.RecordExecution(db.Execution{SignalID: "sig-1", AccountID: "acct-1", Instrument: "EURUSD", Direction: "BUY", Size: 1, EntryPrice: 1.1})
	r.RecordExecution(db.Execution{SignalID: "sig-2", AccountID: "acct-1", Instrument: "EURUSD", Direction: "BUY", Size: 1, EntryPrice: 1.1})

	rows, err := queries.ListExecutionsByAccount(context.Background(), "acct-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Errorf("persisted %d executions after buffer fill, want 2", len(rows))
	}
}

func TestCloseFlushesRemaining(t *testing.T) {
	database, err := db.NewInMemory()
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatal(err)
	}
	queries := db.NewQueries(database.DB)

	r := New(queries, 50, time.Hour)
	r.RecordExecution(db.Execution{SignalID: "sig-1", AccountID: "acct-1", Instrument: "EURUSD", Direction: "BUY", Size: 1, EntryPrice: 1.1})
	r.Close()

	rows, err := queries.ListExecutionsByAccount(context.Background(), "acct-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("Close lost %d buffered row(s)", 1-len(rows))
	}
}
