// Package idempotency guarantees at-most-one accepted execution per
// (signalID, accountID) as observed through the durable store.
package idempotency

import (
	"context"
	"log"
	"sync"
	"time"

	"signal-bridge/pkg/db"
)

// Store answers "have I seen this signal before". The sqlite table is
// authoritative; the in-memory set is a fast-path cache rebuilt from the
// table on startup, never the reverse.
type Store struct {
	queries *db.Queries

	mu   sync.RWMutex
	seen map[string]struct{} // signalID|accountID

	retention int
}

// NewStore creates a store over the durable queries handle. retention caps
// how many records the background sweep keeps (oldest deleted first).
func NewStore(queries *db.Queries, retention int) *Store {
	if retention <= 0 {
		retention = 1000
	}
	return &Store{
		queries:   queries,
		seen:      make(map[string]struct{}),
		retention: retention,
	}
}

func key(signalID, accountID string) string {
	return signalID + "|" + accountID
}

// WarmCache rebuilds the in-memory mirror from the durable table.
func (s *Store) WarmCache(ctx context.Context) error {
	records, err := s.queries.ListProcessedSignals(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]struct{}, len(records))
	for _, r := range records {
		s.seen[key(r.SignalID, r.AccountID)] = struct{}{}
	}
	log.Printf("idempotency: cache warmed with %d processed signals", len(records))
	return nil
}

// Has reports whether the pair was already accepted. The memory mirror only
// short-circuits positives; a miss still consults the durable store so a
// stale cache can never cause a re-execution.
func (s *Store) Has(ctx context.Context, signalID, accountID string) (bool, error) {
	s.mu.RLock()
	_, hit := s.seen[key(signalID, accountID)]
	s.mu.RUnlock()
	if hit {
		return true, nil
	}
	return s.queries.HasProcessedSignal(ctx, signalID, accountID)
}

// Record marks the pair as accepted. Called only after a successful
// execution. The durable write happens first; the mirror follows.
func (s *Store) Record(ctx context.Context, signalID, accountID string) error {
	if err := s.queries.InsertProcessedSignal(ctx, signalID, accountID); err != nil {
		return err
	}
	s.mu.Lock()
	s.seen[key(signalID, accountID)] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Size returns the mirror size, for metrics.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// StartSweeper runs the bounded-retention sweep off the hot path until ctx
// ends. Retention is a capacity concern: the cap must comfortably exceed the
// duplicate-delivery window, which interval-sized sweeps preserve.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Store) sweep(ctx context.Context) {
	n, err := s.queries.CountProcessedSignals(ctx)
	if err != nil {
		log.Printf("idempotency: sweep count failed: %v", err)
		return
	}
	if n <= s.retention {
		return
	}

	removed, err := s.queries.SweepProcessedSignals(ctx, s.retention)
	if err != nil {
		log.Printf("idempotency: sweep failed: %v", err)
		return
	}
	log.Printf("idempotency: swept %d old records (%d kept)", removed, s.retention)

	// The mirror may now hold keys the table dropped; rebuild it so memory
	// stays bounded alongside the table.
	if err := s.WarmCache(ctx); err != nil {
		log.Printf("idempotency: cache rebuild after sweep failed: %v", err)
	}
}
