package market

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle of one market-data session.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	default:
		return "CLOSED"
	}
}

// Transport is the duplex message stream a connection runs over. The
// production implementation wraps a gorilla websocket; tests inject fakes.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a new transport. Called once per connection; closed
// connections are never re-dialed, a fresh connection replaces them.
type Dialer func(ctx context.Context) (Transport, error)

// Connection is one live market-data session subscribed to a set of
// instruments. It is replaced, never repaired: any read error or idle
// shutdown moves it to Closed terminally.
type Connection struct {
	transport Transport

	mu           sync.RWMutex
	state        State
	quotes       map[string]Quote
	subs         map[string]bool
	waiters      map[string][]chan Quote
	lastActivity time.Time

	done chan struct{}
}

func newConnection(transport Transport) *Connection {
	c := &Connection{
		transport:    transport,
		state:        StateConnecting,
		quotes:       make(map[string]Quote),
		subs:         make(map[string]bool),
		waiters:      make(map[string][]chan Quote),
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
	return c
}

// open marks the handshake complete and starts the read loop.
func (c *Connection) open() {
	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()
	go c.readLoop()
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastActivity returns the time of the last subscriber interaction or
// inbound quote.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Subscribe ensures the instrument is on the stream's subscription set.
func (c *Connection) Subscribe(instrument string) error {
	c.mu.Lock()
	if c.subs[instrument] {
		c.lastActivity = time.Now()
		c.mu.Unlock()
		return nil
	}
	c.subs[instrument] = true
	c.lastActivity = time.Now()
	c.mu.Unlock()

	return c.transport.WriteJSON(subscribeMessage{
		Action:      "subscribe",
		Instruments: []string{instrument},
	})
}

// Subscriptions snapshots the instrument set, used to resubscribe a
// replacement connection.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

// RequestPrice asks the feed to emit a fresh observation for the instrument.
func (c *Connection) RequestPrice(instrument string) error {
	c.touch()
	return c.transport.WriteJSON(priceRequestMessage{
		Action:     "price",
		Instrument: instrument,
	})
}

// Quote returns the cached observation for an instrument, if any.
func (c *Connection) Quote(instrument string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[instrument]
	return q, ok
}

// newWaiter registers interest in the next observation for instrument.
// Registering before sending the price request closes the window where a
// fast feed response lands between request and wait.
func (c *Connection) newWaiter(instrument string) (chan Quote, func(), error) {
	ch := make(chan Quote, 1)

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, nil, ErrConnectionClosed
	}
	c.waiters[instrument] = append(c.waiters[instrument], ch)
	c.mu.Unlock()

	return ch, func() { c.removeWaiter(instrument, ch) }, nil
}

// wait blocks until the registered waiter fires, the context ends, or the
// connection closes.
func (c *Connection) wait(ctx context.Context, ch chan Quote) (Quote, error) {
	select {
	case q := <-ch:
		return q, nil
	case <-c.done:
		return Quote{}, ErrConnectionClosed
	case <-ctx.Done():
		return Quote{}, ErrQuoteTimeout
	}
}

// WaitQuote blocks until the next quote for instrument arrives, the context
// ends, or the connection closes.
func (c *Connection) WaitQuote(ctx context.Context, instrument string) (Quote, error) {
	ch, cancel, err := c.newWaiter(instrument)
	if err != nil {
		return Quote{}, err
	}
	defer cancel()
	return c.wait(ctx, ch)
}

func (c *Connection) removeWaiter(instrument string, ch chan Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiters := c.waiters[instrument]
	for i, w := range waiters {
		if w == ch {
			c.waiters[instrument] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

// readLoop consumes inbound messages until the transport fails.
func (c *Connection) readLoop() {
	defer c.Close()
	for {
		msg, err := c.transport.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				log.Printf("market: stream read error: %v", err)
			}
			return
		}

		var raw quoteMessage
		if err := json.Unmarshal(msg, &raw); err != nil {
			log.Printf("market: stream parse error: %v", err)
			continue
		}
		if raw.Type != "quote" || raw.Instrument == "" {
			continue
		}

		q := Quote{
			Instrument: raw.Instrument,
			Bid:        raw.Bid,
			Ask:        raw.Ask,
			ObservedAt: time.Now(),
		}
		if raw.Timestamp > 0 {
			q.ObservedAt = time.UnixMilli(raw.Timestamp)
		}
		c.store(q)
	}
}

// store records the quote and wakes every waiter for the instrument.
func (c *Connection) store(q Quote) {
	c.mu.Lock()
	c.quotes[q.Instrument] = q
	c.lastActivity = time.Now()
	waiters := c.waiters[q.Instrument]
	c.waiters[q.Instrument] = nil
	c.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- q:
		default:
		}
	}
}

// Close moves the connection to Closed and releases every waiter. Safe to
// call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	close(c.done)
	c.mu.Unlock()

	_ = c.transport.Close()
}

func isExpectedClose(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "close 1000") ||
		strings.Contains(msg, "close 1001")
}
