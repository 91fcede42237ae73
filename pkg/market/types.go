package market

import (
	"errors"
	"fmt"
	"time"
)

// Quote is one bid/ask observation for an instrument. Quotes are owned by
// the connection manager; consumers receive copies.
type Quote struct {
	Instrument string
	Bid        float64
	Ask        float64
	ObservedAt time.Time
}

// Age returns how old the observation is.
func (q Quote) Age() time.Duration {
	return time.Since(q.ObservedAt)
}

// Mid returns the midpoint price.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread returns ask minus bid.
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

var (
	// ErrStaleQuote means the best available quote is older than the
	// freshness threshold. Never substituted for execution pricing.
	ErrStaleQuote = errors.New("quote is stale")
	// ErrQuoteTimeout means no quote arrived within the bounded wait.
	ErrQuoteTimeout = errors.New("timed out waiting for quote")
	// ErrConnectionClosed means the underlying stream went away mid-wait.
	ErrConnectionClosed = errors.New("market data connection closed")
)

// Validate applies the sanity checks every quote must pass before it may
// price an execution: both sides positive, ask above bid, and a
// spread-to-midpoint ratio below the corruption threshold.
func (q Quote) Validate(maxSpreadRatio float64) error {
	if q.Bid <= 0 || q.Ask <= 0 {
		return fmt.Errorf("quote %s has non-positive side (bid=%g ask=%g)", q.Instrument, q.Bid, q.Ask)
	}
	if q.Ask <= q.Bid {
		return fmt.Errorf("quote %s inverted (bid=%g ask=%g)", q.Instrument, q.Bid, q.Ask)
	}
	if maxSpreadRatio > 0 && q.Spread()/q.Mid() > maxSpreadRatio {
		return fmt.Errorf("quote %s spread %g exceeds %.1f%% of mid %g",
			q.Instrument, q.Spread(), maxSpreadRatio*100, q.Mid())
	}
	return nil
}

// Wire messages for the duplex market-data stream.

type subscribeMessage struct {
	Action      string   `json:"action"` // "subscribe"
	Instruments []string `json:"instruments"`
}

type priceRequestMessage struct {
	Action     string `json:"action"` // "price"
	Instrument string `json:"instrument"`
}

type quoteMessage struct {
	Type       string  `json:"type"` // "quote"
	Instrument string  `json:"instrument"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Timestamp  int64   `json:"timestamp"` // unix millis, 0 = use arrival time
}
