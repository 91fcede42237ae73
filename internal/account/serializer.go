package account

import (
	"errors"
	"sync"
	"time"

	"signal-bridge/internal/signal"
)

// ErrExecutionPending means the account already has an in-flight execution
// for the same direction; the new signal is rejected, not queued behind it.
var ErrExecutionPending = errors.New("execution already pending for account and direction")

type pendingKey struct {
	accountID string
	direction signal.Direction
}

// Serializer guarantees at most one in-flight critical section per account.
// Locks are created lazily and retained for the lifetime of the process; lock
// identity per account is therefore stable for all concurrent access.
//
// It also owns the PendingExecution registry: while fn runs, the
// (account, direction) pair is marked pending and a second signal for the
// same pair fails fast with ErrExecutionPending instead of waiting.
type Serializer struct {
	mu    sync.RWMutex
	locks map[string]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[pendingKey]time.Time
}

// NewSerializer creates an empty serializer.
func NewSerializer() *Serializer {
	return &Serializer{
		locks:   make(map[string]*sync.Mutex),
		pending: make(map[pendingKey]time.Time),
	}
}

// lockFor returns the mutex for an account, creating it on first use.
func (s *Serializer) lockFor(accountID string) *sync.Mutex {
	s.mu.RLock()
	l, ok := s.locks[accountID]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[accountID]; ok {
		return l
	}
	l = &sync.Mutex{}
	s.locks[accountID] = l
	return l
}

// Run executes fn inside the account's critical section. The pending marker
// for (accountID, direction) is placed before fn starts and removed on every
// exit path, including a panic inside fn.
func (s *Serializer) Run(accountID string, direction signal.Direction, fn func() error) error {
	key := pendingKey{accountID: accountID, direction: direction}

	s.pendingMu.Lock()
	if _, inFlight := s.pending[key]; inFlight {
		s.pendingMu.Unlock()
		return ErrExecutionPending
	}
	s.pending[key] = time.Now()
	s.pendingMu.Unlock()

	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
	}()

	l := s.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	return fn()
}

// Pending reports whether an execution is in flight for the pair.
func (s *Serializer) Pending(accountID string, direction signal.Direction) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	_, ok := s.pending[pendingKey{accountID: accountID, direction: direction}]
	return ok
}

// Accounts returns how many accounts have ever acquired a lock.
func (s *Serializer) Accounts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.locks)
}
