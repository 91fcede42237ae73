// Package signal defines the inbound trading instruction and its normalization.
package signal

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Direction of a trade.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// MarketMode selects the broker environment the signal targets.
type MarketMode string

const (
	ModeLive MarketMode = "live"
	ModeDemo MarketMode = "demo"
)

// Signal is one inbound trading instruction. It is built once at ingress and
// immutable afterwards; downstream stages reference it by ID only.
type Signal struct {
	ID         string            `json:"signal_id"`
	AccountID  string            `json:"account_id"`
	Direction  Direction         `json:"direction"`
	Instrument string            `json:"instrument"`
	Size       float64           `json:"size"`
	TakeProfit float64           `json:"take_profit_distance"` // in pips
	StopLoss   float64           `json:"stop_loss_distance"`   // in pips, 0 = none
	Timeframe  string            `json:"timeframe"`
	Mode       MarketMode        `json:"market_mode"`
	Meta       map[string]string `json:"meta,omitempty"` // passed through unvalidated
	Synthetic  bool              `json:"-"`              // ID was generated at ingress
}

var (
	ErrMissingAccount  = errors.New("signal missing account_id")
	ErrBadDirection    = errors.New("signal direction must be buy or sell")
	ErrMissingSymbol   = errors.New("signal missing instrument")
	ErrNonPositiveSize = errors.New("signal size must be positive")
	ErrNoTakeProfit    = errors.New("signal take profit distance must be positive")
)

// Normalize validates the listed fields, folds instrument and direction into
// canonical form, and synthesizes an ID when the alert carried none. The
// synthesized ID still gives the dedup machinery a stable key for retries of
// the same HTTP delivery, while distinct alerts get distinct IDs.
func Normalize(s Signal) (Signal, error) {
	if s.AccountID == "" {
		return Signal{}, ErrMissingAccount
	}

	switch strings.ToUpper(strings.TrimSpace(string(s.Direction))) {
	case "BUY", "LONG":
		s.Direction = DirectionBuy
	case "SELL", "SHORT":
		s.Direction = DirectionSell
	default:
		return Signal{}, fmt.Errorf("%w: %q", ErrBadDirection, s.Direction)
	}

	s.Instrument = NormalizeSymbol(s.Instrument)
	if s.Instrument == "" {
		return Signal{}, ErrMissingSymbol
	}
	if s.Size <= 0 {
		return Signal{}, ErrNonPositiveSize
	}
	if s.TakeProfit <= 0 {
		return Signal{}, ErrNoTakeProfit
	}

	if s.Mode != ModeLive {
		s.Mode = ModeDemo
	}

	if strings.TrimSpace(s.ID) == "" {
		s.ID = uuid.NewString()
		s.Synthetic = true
	}
	return s, nil
}

// NormalizeSymbol strips separators and uppercases so EUR/USD, eur-usd and
// EURUSD all key the same instrument.
func NormalizeSymbol(sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	sym = strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(sym)
	return sym
}

// DedupKey identifies a signal for duplicate suppression.
func (s Signal) DedupKey() string {
	return s.ID + "|" + s.AccountID
}

// FallbackKey identifies a signal by its economic content, used when IDs are
// synthesized or reused across distinct strategies.
func (s Signal) FallbackKey() string {
	return fmt.Sprintf("%s|%s|%s|%g", s.AccountID, s.Instrument, s.Direction, s.Size)
}
