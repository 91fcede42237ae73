// Package queue buffers accepted signals between the HTTP front door and the
// execution pipeline, with duplicate suppression and retry-with-backoff.
package queue

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-bridge/internal/events"
	"signal-bridge/internal/signal"
)

var (
	// ErrDuplicate means the signal matched one already queued or in flight
	// inside the duplicate window. A no-op outcome, not a failure.
	ErrDuplicate = errors.New("duplicate signal")
	// ErrQueueFull means intake is saturated; the caller should surface a
	// retryable condition upstream rather than block the HTTP handler.
	ErrQueueFull = errors.New("signal queue full")
	// ErrClosed means the queue no longer accepts work.
	ErrClosed = errors.New("signal queue closed")
)

// Job wraps a signal with its retry bookkeeping.
type Job struct {
	ID         string        `json:"id"`
	Signal     signal.Signal `json:"signal"`
	Attempt    int           `json:"attempt"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
}

// TerminalFailure is published when a job exhausts its retries.
type TerminalFailure struct {
	Job   Job
	Cause string
}

// Config tunes dedup and retry behavior.
type Config struct {
	Size            int
	DuplicateWindow time.Duration
	MaxRetries      int
	RetryBase       time.Duration
	WALDir          string // empty disables persistence
}

// Queue is a single logical FIFO. Dequeue order is best-effort fairness; the
// per-account serializer downstream is the actual correctness boundary.
type Queue struct {
	cfg Config
	ch  chan Job
	bus *events.Bus
	wal *wal

	mu     sync.Mutex
	recent map[string]time.Time // dedup key -> first seen
	closed bool

	retryWG sync.WaitGroup
}

// New creates a queue. When cfg.WALDir is set, intake is persisted and
// Recover replays incomplete jobs after a restart.
func New(cfg Config, bus *events.Bus) (*Queue, error) {
	if cfg.Size <= 0 {
		cfg.Size = 256
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}

	q := &Queue{
		cfg:    cfg,
		ch:     make(chan Job, cfg.Size),
		bus:    bus,
		recent: make(map[string]time.Time),
	}
	if cfg.WALDir != "" {
		w, err := openWAL(cfg.WALDir)
		if err != nil {
			return nil, err
		}
		q.wal = w
	}
	return q, nil
}

// Recover re-enqueues jobs persisted but never completed. Call before Drain.
func (q *Queue) Recover() error {
	if q.wal == nil {
		return nil
	}
	jobs, err := q.wal.pending()
	if err != nil {
		return err
	}
	requeued := jobs[:0]
	for _, job := range jobs {
		select {
		case q.ch <- job:
			requeued = append(requeued, job)
		default:
			log.Printf("queue: recovery overflow, dropping job %s", job.ID)
			if q.bus != nil {
				q.bus.Publish(events.EventExecutionFailed, TerminalFailure{Job: job, Cause: "recovery overflow"})
			}
		}
	}
	if len(jobs) > 0 {
		log.Printf("queue: recovered %d of %d pending signals from WAL", len(requeued), len(jobs))
		// Compacting to the requeued set also retires the overflow drops.
		if err := q.wal.compact(requeued); err != nil {
			log.Printf("queue: WAL compaction failed: %v", err)
		}
	}
	return nil
}

// IsDuplicate reports whether the signal matches one seen inside the
// duplicate window: same (signalID, accountID), or the same economic content
// when IDs are synthesized or reused across strategies.
func (q *Queue) IsDuplicate(sig signal.Signal) bool {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireLocked(now)

	if _, ok := q.recent[sig.DedupKey()]; ok {
		return true
	}
	_, ok := q.recent[sig.FallbackKey()]
	return ok
}

func (q *Queue) expireLocked(now time.Time) {
	for k, t := range q.recent {
		if now.Sub(t) > q.cfg.DuplicateWindow {
			delete(q.recent, k)
		}
	}
}

// Enqueue admits a signal and returns the job ID. Duplicate suppression and
// the WAL write happen before the channel send so intake stays sub-100ms and
// crash-safe.
func (q *Queue) Enqueue(sig signal.Signal) (string, error) {
	now := time.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrClosed
	}
	q.expireLocked(now)
	if _, ok := q.recent[sig.DedupKey()]; ok {
		q.mu.Unlock()
		return "", ErrDuplicate
	}
	if _, ok := q.recent[sig.FallbackKey()]; ok {
		q.mu.Unlock()
		return "", ErrDuplicate
	}
	q.recent[sig.DedupKey()] = now
	q.recent[sig.FallbackKey()] = now
	q.mu.Unlock()

	job := Job{
		ID:         uuid.NewString(),
		Signal:     sig,
		EnqueuedAt: now,
	}

	if q.wal != nil {
		if err := q.wal.append(walEntry{Action: "ENQUEUE", Job: job, Timestamp: now}); err != nil {
			q.forget(sig)
			return "", err
		}
	}

	select {
	case q.ch <- job:
		if q.bus != nil {
			q.bus.Publish(events.EventSignalAccepted, job)
		}
		return job.ID, nil
	default:
		// A rejected signal was never queued or in flight; its keys must not
		// suppress the caller's own retry as a duplicate.
		q.forget(sig)
		return "", ErrQueueFull
	}
}

// forget releases the dedup keys claimed for a signal that was turned away.
func (q *Queue) forget(sig signal.Signal) {
	q.mu.Lock()
	delete(q.recent, sig.DedupKey())
	delete(q.recent, sig.FallbackKey())
	q.mu.Unlock()
}

// Complete marks a job as finished (success, rejection, or terminal failure).
func (q *Queue) Complete(job Job) {
	if q.wal != nil {
		if err := q.wal.append(walEntry{Action: "COMPLETE", Job: Job{ID: job.ID}, Timestamp: time.Now()}); err != nil {
			log.Printf("queue: WAL complete for %s failed: %v", job.ID, err)
		}
	}
}

// RetryLater schedules the job for another attempt with exponential backoff.
// Returns false once retries are exhausted; the job is then completed and a
// terminal failure event is published so the drop stays observable.
func (q *Queue) RetryLater(job Job, cause error) bool {
	if job.Attempt+1 >= q.cfg.MaxRetries {
		log.Printf("queue: job %s exhausted %d attempts: %v", job.ID, q.cfg.MaxRetries, cause)
		q.Complete(job)
		if q.bus != nil {
			q.bus.Publish(events.EventExecutionFailed, TerminalFailure{Job: job, Cause: cause.Error()})
		}
		return false
	}

	job.Attempt++
	delay := q.cfg.RetryBase * (1 << (job.Attempt - 1))
	log.Printf("queue: retrying job %s in %s (attempt %d/%d): %v",
		job.ID, delay, job.Attempt+1, q.cfg.MaxRetries, cause)

	// Claim the retry under the lock so Close either waits for it or the
	// schedule is refused outright.
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.Complete(job)
		if q.bus != nil {
			q.bus.Publish(events.EventExecutionFailed, TerminalFailure{Job: job, Cause: "queue closed"})
		}
		return false
	}
	q.retryWG.Add(1)
	q.mu.Unlock()
	time.AfterFunc(delay, func() {
		defer q.retryWG.Done()
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
		select {
		case q.ch <- job:
		default:
			log.Printf("queue: retry overflow, dropping job %s", job.ID)
			q.Complete(job)
			if q.bus != nil {
				q.bus.Publish(events.EventExecutionFailed, TerminalFailure{Job: job, Cause: "retry overflow"})
			}
		}
	})
	return true
}

// Len returns current queue depth.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Drain consumes jobs with a handler until the context ends. Processing is
// single-threaded with respect to dequeue order.
func (q *Queue) Drain(ctx context.Context, handler func(Job)) {
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.ch:
			if !ok {
				return
			}
			handler(job)
		}
	}
}

// Close stops intake, waits for scheduled retries, and closes the WAL.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.retryWG.Wait()
	close(q.ch)
	if q.wal != nil {
		q.wal.close()
	}
}
