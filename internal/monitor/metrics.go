// Package monitor tracks pipeline counters and execution latency.
package monitor

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// PipelineMetrics tracks signal flow through the bridge.
type PipelineMetrics struct {
	signalsAccepted  uint64
	signalsDuplicate uint64
	signalsRejected  uint64
	executionsPlaced uint64
	executionsFailed uint64

	// ExecLatency samples the full orchestrator run, enqueue to outcome.
	ExecLatency *LatencyHistogram

	lastUpdate atomic.Int64 // unix nanos
}

// NewPipelineMetrics creates a metrics instance.
func NewPipelineMetrics() *PipelineMetrics {
	m := &PipelineMetrics{
		ExecLatency: NewLatencyHistogram(1000),
	}
	m.lastUpdate.Store(time.Now().UnixNano())
	return m
}

func (m *PipelineMetrics) touch() { m.lastUpdate.Store(time.Now().UnixNano()) }

// IncAccepted counts a signal admitted to the queue.
func (m *PipelineMetrics) IncAccepted() { atomic.AddUint64(&m.signalsAccepted, 1); m.touch() }

// IncDuplicate counts a suppressed duplicate.
func (m *PipelineMetrics) IncDuplicate() { atomic.AddUint64(&m.signalsDuplicate, 1); m.touch() }

// IncRejected counts a policy or validation rejection.
func (m *PipelineMetrics) IncRejected() { atomic.AddUint64(&m.signalsRejected, 1); m.touch() }

// IncPlaced counts a successfully placed execution.
func (m *PipelineMetrics) IncPlaced() { atomic.AddUint64(&m.executionsPlaced, 1); m.touch() }

// IncFailed counts a terminal execution failure.
func (m *PipelineMetrics) IncFailed() { atomic.AddUint64(&m.executionsFailed, 1); m.touch() }

// Snapshot is the JSON shape served by the metrics endpoint.
type Snapshot struct {
	SignalsAccepted  uint64       `json:"signals_accepted"`
	SignalsDuplicate uint64       `json:"signals_duplicate"`
	SignalsRejected  uint64       `json:"signals_rejected"`
	ExecutionsPlaced uint64       `json:"executions_placed"`
	ExecutionsFailed uint64       `json:"executions_failed"`
	ExecLatency      LatencyStats `json:"exec_latency_ms"`
	LastUpdate       time.Time    `json:"last_update"`
}

// GetSnapshot returns the current counters.
func (m *PipelineMetrics) GetSnapshot() Snapshot {
	return Snapshot{
		SignalsAccepted:  atomic.LoadUint64(&m.signalsAccepted),
		SignalsDuplicate: atomic.LoadUint64(&m.signalsDuplicate),
		SignalsRejected:  atomic.LoadUint64(&m.signalsRejected),
		ExecutionsPlaced: atomic.LoadUint64(&m.executionsPlaced),
		ExecutionsFailed: atomic.LoadUint64(&m.executionsFailed),
		ExecLatency:      m.ExecLatency.Stats(),
		LastUpdate:       time.Unix(0, m.lastUpdate.Load()),
	}
}

// LatencyHistogram tracks latency samples in a sliding window with lazily
// computed stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// LatencyStats summarizes a sample window.
type LatencyStats struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// Stats computes percentiles, reusing the cached result when nothing changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return h.cachedStats
	}
	if len(h.samples) == 0 {
		h.cachedStats = LatencyStats{}
		h.dirty = false
		return h.cachedStats
	}

	sorted := make([]float64, len(h.samples))
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	h.cachedStats = LatencyStats{
		Count: len(sorted),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Max:   sorted[len(sorted)-1],
	}
	h.dirty = false
	return h.cachedStats
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
