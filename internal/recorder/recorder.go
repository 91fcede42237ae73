// Package recorder persists execution outcomes off the hot path. Writes are
// batched and fire-and-forget: a persistence failure is logged, never
// propagated back into the execution pipeline.
package recorder

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"signal-bridge/pkg/db"
)

type writeOp struct {
	execution *db.Execution
	rejection *db.Rejection
}

// Metrics tracks recorder throughput for the status endpoint.
type Metrics struct {
	TotalWrites  uint64    `json:"total_writes"`
	TotalBatches uint64    `json:"total_batches"`
	TotalErrors  uint64    `json:"total_errors"`
	LastFlush    time.Time `json:"last_flush"`
}

// Recorder buffers outcome rows and flushes them in the background.
type Recorder struct {
	queries *db.Queries

	mu          sync.Mutex
	buffer      []writeOp
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup
	metrics     Metrics
	lastFlush   int64 // unix nanos, atomic
}

// New creates a recorder flushing every interval or once maxSize rows pile up.
func New(queries *db.Queries, maxSize int, interval time.Duration) *Recorder {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	r := &Recorder{
		queries:     queries,
		buffer:      make([]writeOp, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}
	r.wg.Add(1)
	go r.backgroundFlush()
	return r
}

// RecordExecution queues a placed-order outcome for persistence.
func (r *Recorder) RecordExecution(e db.Execution) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	r.push(writeOp{execution: &e})
}

// RecordRejection queues a refusal for persistence.
func (r *Recorder) RecordRejection(signalID, accountID, category, reason string) {
	r.push(writeOp{rejection: &db.Rejection{
		ID:        uuid.NewString(),
		SignalID:  signalID,
		AccountID: accountID,
		Category:  category,
		Reason:    reason,
	}})
}

func (r *Recorder) push(op writeOp) {
	r.mu.Lock()
	r.buffer = append(r.buffer, op)
	shouldFlush := len(r.buffer) >= r.maxSize
	r.mu.Unlock()

	if shouldFlush {
		r.Flush()
	}
}

// Flush writes all buffered rows now.
func (r *Recorder) Flush() {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	ops := r.buffer
	r.buffer = make([]writeOp, 0, r.maxSize)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	atomic.AddUint64(&r.metrics.TotalBatches, 1)
	atomic.StoreInt64(&r.lastFlush, time.Now().UnixNano())

	for _, op := range ops {
		var err error
		switch {
		case op.execution != nil:
			err = r.queries.InsertExecution(ctx, *op.execution)
		case op.rejection != nil:
			err = r.queries.InsertRejection(ctx, *op.rejection)
		}
		if err != nil {
			atomic.AddUint64(&r.metrics.TotalErrors, 1)
			log.Printf("recorder: persist failed: %v", err)
			continue
		}
		atomic.AddUint64(&r.metrics.TotalWrites, 1)
	}
}

func (r *Recorder) backgroundFlush() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushIntval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Flush()
		case <-r.done:
			r.Flush()
			return
		}
	}
}

// GetMetrics snapshots the counters.
func (r *Recorder) GetMetrics() Metrics {
	m := Metrics{
		TotalWrites:  atomic.LoadUint64(&r.metrics.TotalWrites),
		TotalBatches: atomic.LoadUint64(&r.metrics.TotalBatches),
		TotalErrors:  atomic.LoadUint64(&r.metrics.TotalErrors),
	}
	if ns := atomic.LoadInt64(&r.lastFlush); ns > 0 {
		m.LastFlush = time.Unix(0, ns)
	}
	return m
}

// Close flushes remaining rows and stops the background loop.
func (r *Recorder) Close() {
	close(r.done)
	r.wg.Wait()
}
