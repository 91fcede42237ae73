package account

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"signal-bridge/internal/signal"
)

func TestRunSerializesPerAccount(t *testing.T) {
	s := NewSerializer()

	var inCritical int32
	var overlaps int32
	var wg sync.WaitGroup
	directions := []signal.Direction{signal.DirectionBuy, signal.DirectionSell}

	for i := 0; i < 20; i++ {
		dir := directions[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Pending rejections are expected here; only interleaving of the
			// critical section itself would be a bug.
			_ = s.Run("acct-1", dir, func() error {
				if atomic.AddInt32(&inCritical, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inCritical, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if overlaps > 0 {
		t.Errorf("critical sections overlapped %d times for one account", overlaps)
	}
}

func TestRunIndependentAccountsProceed(t *testing.T) {
	s := NewSerializer()

	blocker := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Run("acct-slow", signal.DirectionBuy, func() error {
			close(started)
			<-blocker
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = s.Run("acct-fast", signal.DirectionBuy, func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent account blocked behind another account's execution")
	}
	close(blocker)
}

func TestRunRejectsPendingSamePair(t *testing.T) {
	s := NewSerializer()

	blocker := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = s.Run("acct-1", signal.DirectionBuy, func() error {
			close(started)
			<-blocker
			return nil
		})
	}()
	<-started

	if !s.Pending("acct-1", signal.DirectionBuy) {
		t.Fatal("pending marker missing while fn runs")
	}

	// Same pair fails fast instead of queueing behind the lock.
	err := s.Run("acct-1", signal.DirectionBuy, func() error {
		t.Error("second execution for a pending pair must not run")
		return nil
	})
	if !errors.Is(err, ErrExecutionPending) {
		t.Errorf("error = %v, want ErrExecutionPending", err)
	}

	close(blocker)
	for i := 0; i < 100 && s.Pending("acct-1", signal.DirectionBuy); i++ {
		time.Sleep(time.Millisecond)
	}
	if s.Pending("acct-1", signal.DirectionBuy) {
		t.Error("pending marker not cleared after fn returned")
	}
}

func TestRunClearsPendingOnError(t *testing.T) {
	s := NewSerializer()
	werr := errors.New("boom")
	if err := s.Run("acct-1", signal.DirectionSell, func() error { return werr }); !errors.Is(err, werr) {
		t.Fatalf("error = %v, want boom", err)
	}
	if s.Pending("acct-1", signal.DirectionSell) {
		t.Error("pending marker survived an error return")
	}
	// Pair is usable again.
	if err := s.Run("acct-1", signal.DirectionSell, func() error { return nil }); err != nil {
		t.Errorf("re-run after error failed: %v", err)
	}
}

func TestRunClearsPendingOnPanic(t *testing.T) {
	s := NewSerializer()
	func() {
		defer func() { _ = recover() }()
		_ = s.Run("acct-1", signal.DirectionBuy, func() error { panic("boom") })
	}()
	if s.Pending("acct-1", signal.DirectionBuy) {
		t.Error("pending marker survived a panic in fn")
	}
}

func TestAccounts(t *testing.T) {
	s := NewSerializer()
	_ = s.Run("a", signal.DirectionBuy, func() error { return nil })
	_ = s.Run("b", signal.DirectionBuy, func() error { return nil })
	_ = s.Run("a", signal.DirectionSell, func() error { return nil })
	if got := s.Accounts(); got != 2 {
		t.Errorf("Accounts() = %d, want 2", got)
	}
}
