// Package market owns the live market-data connections and the
// freshness-bounded quote cache the execution path depends on.
package market

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"signal-bridge/internal/events"
)

// ManagerConfig tunes freshness, reconnect and idle behavior.
type ManagerConfig struct {
	Freshness      time.Duration // quotes older than this are stale
	IdleTimeout    time.Duration // connection closed after this with no activity
	MaxAttempts    int           // connection attempts before giving up
	MaxSpreadRatio float64       // spread/mid sanity threshold
}

func (c *ManagerConfig) applyDefaults() {
	if c.Freshness <= 0 {
		c.Freshness = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MaxSpreadRatio <= 0 {
		c.MaxSpreadRatio = 0.05
	}
}

// Manager supplies provably fresh quotes. It owns at most one live
// connection at a time; closed connections are never reused, a fresh one is
// dialed on next demand.
type Manager struct {
	cfg   ManagerConfig
	dial  Dialer
	bus   *events.Bus
	clock func() time.Time

	mu   sync.Mutex
	conn *Connection

	reconnects uint64
	hits       uint64
	misses     uint64
}

// NewManager creates a manager around a dialer.
func NewManager(cfg ManagerConfig, dial Dialer, bus *events.Bus) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:   cfg,
		dial:  dial,
		bus:   bus,
		clock: time.Now,
	}
}

// Stats reports cache and connection counters for the status endpoint.
func (m *Manager) Stats() (hits, misses, reconnects uint64, state string) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	state = "NONE"
	if conn != nil {
		state = conn.State().String()
	}
	return atomic.LoadUint64(&m.hits), atomic.LoadUint64(&m.misses),
		atomic.LoadUint64(&m.reconnects), state
}

// GetFreshQuote returns a quote for instrument no older than the freshness
// threshold, waiting up to timeout for the feed when the cache misses. A
// stale or invalid quote is a hard failure; execution pricing never falls
// back to last-known-good.
func (m *Manager) GetFreshQuote(ctx context.Context, instrument string, timeout time.Duration) (Quote, error) {
	// Fast path: live connection already holds a fresh observation.
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn != nil && conn.State() == StateOpen {
		if q, ok := conn.Quote(instrument); ok && m.fresh(q) {
			if err := q.Validate(m.cfg.MaxSpreadRatio); err != nil {
				return Quote{}, err
			}
			conn.touch()
			atomic.AddUint64(&m.hits, 1)
			return q, nil
		}
	}
	atomic.AddUint64(&m.misses, 1)

	// Slow path: make sure a live connection exists, ask the feed, and wait
	// for the next matching event.
	conn, err := m.ensureFreshConnection(ctx)
	if err != nil {
		return Quote{}, err
	}
	if err := conn.Subscribe(instrument); err != nil {
		return Quote{}, fmt.Errorf("subscribe %s: %w", instrument, err)
	}

	// Register the waiter before the request so the response cannot slip
	// past between send and wait.
	ch, cancelWaiter, err := conn.newWaiter(instrument)
	if err != nil {
		return Quote{}, err
	}
	defer cancelWaiter()

	if err := conn.RequestPrice(instrument); err != nil {
		return Quote{}, fmt.Errorf("request price %s: %w", instrument, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	q, err := conn.wait(waitCtx, ch)
	if err != nil {
		return Quote{}, err
	}
	// The awaited event can itself lag when the upstream feed is behind.
	if !m.fresh(q) {
		if m.bus != nil {
			m.bus.Publish(events.EventQuoteStale, q)
		}
		return Quote{}, fmt.Errorf("%w: %s age %s", ErrStaleQuote, instrument, q.Age().Round(time.Millisecond))
	}
	if err := q.Validate(m.cfg.MaxSpreadRatio); err != nil {
		return Quote{}, err
	}
	return q, nil
}

func (m *Manager) fresh(q Quote) bool {
	return m.clock().Sub(q.ObservedAt) <= m.cfg.Freshness
}

// ensureFreshConnection is the single connection-replacement path, invoked
// both proactively (idle reaper) and reactively (stale or missing quotes).
// It returns the current open connection, dialing a replacement with
// progressive backoff when the old one is gone.
func (m *Manager) ensureFreshConnection(ctx context.Context) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && m.conn.State() == StateOpen {
		return m.conn, nil
	}

	var resubscribe []string
	if m.conn != nil {
		resubscribe = m.conn.Subscriptions()
		m.conn.Close()
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		transport, err := m.dial(ctx)
		if err != nil {
			lastErr = err
			log.Printf("market: connect attempt %d/%d failed: %v", attempt, m.cfg.MaxAttempts, err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
			continue
		}

		conn := newConnection(transport)
		conn.open()
		for _, sym := range resubscribe {
			if err := conn.Subscribe(sym); err != nil {
				log.Printf("market: resubscribe %s failed: %v", sym, err)
			}
		}

		m.conn = conn
		atomic.AddUint64(&m.reconnects, 1)
		if m.bus != nil {
			m.bus.Publish(events.EventConnectionReplaced, map[string]any{
				"attempt":     attempt,
				"resubscribe": len(resubscribe),
			})
		}
		log.Printf("market: connection established (attempt %d, %d resubscriptions)", attempt, len(resubscribe))
		return conn, nil
	}
	return nil, fmt.Errorf("market: all %d connection attempts failed: %w", m.cfg.MaxAttempts, lastErr)
}

// StartIdleReaper closes the connection after IdleTimeout with no subscriber
// activity. The next demand dials a fresh one.
func (m *Manager) StartIdleReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.cfg.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.CloseCurrent()
				return
			case <-ticker.C:
				m.mu.Lock()
				conn := m.conn
				m.mu.Unlock()
				if conn == nil || conn.State() != StateOpen {
					continue
				}
				if time.Since(conn.LastActivity()) >= m.cfg.IdleTimeout {
					log.Printf("market: closing idle connection (no activity for %s)", m.cfg.IdleTimeout)
					conn.Close()
				}
			}
		}
	}()
}

// CloseCurrent tears down the live connection, if any.
func (m *Manager) CloseCurrent() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
