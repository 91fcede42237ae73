package db

import "time"

// ProcessedSignal is a durable dedup marker: this signal was accepted for
// this account and must never be executed again.
type ProcessedSignal struct {
	SignalID  string
	AccountID string
	CreatedAt time.Time
}

// Execution is the persisted outcome of a successfully placed order.
type Execution struct {
	ID            string
	SignalID      string
	AccountID     string
	Instrument    string
	Direction     string
	Size          float64
	EntryPrice    float64
	TakeProfit    float64
	StopLoss      float64
	Spread        float64
	DealReference string
	Timeframe     string
	MarketMode    string
	CreatedAt     time.Time
}

// Rejection records a signal that was refused, with a human-readable reason.
type Rejection struct {
	ID        string
	SignalID  string
	AccountID string
	Category  string
	Reason    string
	CreatedAt time.Time
}

// AccountPolicyRow is the storage shape of a per-account trading policy.
// Sessions is a JSON-encoded list of session window overrides.
type AccountPolicyRow struct {
	AccountID     string
	TradingMode   string
	ExclusiveMode bool
	MaxOpenSize   float64
	Sessions      string
	UpdatedAt     time.Time
}
