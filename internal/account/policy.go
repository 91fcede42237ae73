// Package account holds per-account trading policy and the serializer that
// keeps one account's executions from racing each other.
package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"signal-bridge/internal/signal"
	"signal-bridge/pkg/db"
)

// TradingMode restricts the directions an account may trade.
type TradingMode string

const (
	ModeBoth     TradingMode = "both"
	ModeBuyOnly  TradingMode = "buy-only"
	ModeSellOnly TradingMode = "sell-only"
)

// Allows reports whether the mode permits the given direction.
func (m TradingMode) Allows(d signal.Direction) bool {
	switch m {
	case ModeBuyOnly:
		return d == signal.DirectionBuy
	case ModeSellOnly:
		return d == signal.DirectionSell
	default:
		return true
	}
}

// Session identifies one of the four recurring wall-clock trading windows.
// Hour boundaries are UTC and apply to both live gating and reporting; there
// is exactly one definition of them in this codebase.
type Session string

const (
	SessionAsia    Session = "asia"    // 22:00-07:00
	SessionLondon  Session = "london"  // 07:00-12:00
	SessionNewYork Session = "newyork" // 12:00-17:00
	SessionLateUS  Session = "late-us" // 17:00-22:00
)

// SessionAt resolves which window a wall-clock instant falls into.
func SessionAt(t time.Time) Session {
	switch h := t.UTC().Hour(); {
	case h >= 7 && h < 12:
		return SessionLondon
	case h >= 12 && h < 17:
		return SessionNewYork
	case h >= 17 && h < 22:
		return SessionLateUS
	default:
		return SessionAsia
	}
}

// Policy is the per-account trading configuration. It is read on every signal
// and only ever mutated through explicit configuration updates.
type Policy struct {
	AccountID   string           `yaml:"account_id" json:"account_id"`
	Mode        TradingMode      `yaml:"mode" json:"mode"`
	Exclusive   bool             `yaml:"exclusive" json:"exclusive"`         // at most one open position
	MaxOpenSize float64          `yaml:"max_open_size" json:"max_open_size"` // 0 = unlimited
	Sessions    map[Session]bool `yaml:"sessions" json:"sessions"`
}

// SessionEnabled reports whether trading is permitted in the given window.
// Windows absent from the map are enabled; disabling is explicit.
func (p Policy) SessionEnabled(s Session) bool {
	if p.Sessions == nil {
		return true
	}
	enabled, ok := p.Sessions[s]
	if !ok {
		return true
	}
	return enabled
}

// DefaultPolicy permits everything.
func DefaultPolicy(accountID string) Policy {
	return Policy{AccountID: accountID, Mode: ModeBoth}
}

// PolicyStore resolves policies from a YAML file seeded at startup with
// per-account overrides persisted in sqlite. The sqlite row wins when both
// exist for an account.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
	queries  *db.Queries
}

// NewPolicyStore builds a store over the given queries handle.
func NewPolicyStore(queries *db.Queries) *PolicyStore {
	return &PolicyStore{
		policies: make(map[string]Policy),
		queries:  queries,
	}
}

// LoadFile seeds the store from a YAML policy file. A missing file is not an
// error; accounts simply fall back to the default policy.
func (ps *PolicyStore) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read policy file: %w", err)
	}

	var list []Policy
	if err := yaml.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("parse policy file: %w", err)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, p := range list {
		if p.AccountID == "" {
			continue
		}
		if p.Mode == "" {
			p.Mode = ModeBoth
		}
		ps.policies[p.AccountID] = p
	}
	log.Printf("policy: loaded %d account policies from %s", len(list), path)
	return nil
}

// GetPolicy resolves the effective policy for an account.
func (ps *PolicyStore) GetPolicy(ctx context.Context, accountID string) Policy {
	if ps.queries != nil {
		if row, err := ps.queries.GetAccountPolicy(ctx, accountID); err == nil {
			return policyFromRow(row)
		} else if !errors.Is(err, db.ErrNotFound) {
			log.Printf("policy: db lookup for %s failed, using file/default: %v", accountID, err)
		}
	}

	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if p, ok := ps.policies[accountID]; ok {
		return p
	}
	return DefaultPolicy(accountID)
}

// Update persists a policy override and refreshes the in-memory copy.
func (ps *PolicyStore) Update(ctx context.Context, p Policy) error {
	if p.AccountID == "" {
		return errors.New("policy missing account_id")
	}
	if p.Mode == "" {
		p.Mode = ModeBoth
	}

	if ps.queries != nil {
		sessions, err := json.Marshal(p.Sessions)
		if err != nil {
			return fmt.Errorf("encode sessions: %w", err)
		}
		row := db.AccountPolicyRow{
			AccountID:     p.AccountID,
			TradingMode:   string(p.Mode),
			ExclusiveMode: p.Exclusive,
			MaxOpenSize:   p.MaxOpenSize,
			Sessions:      string(sessions),
		}
		if err := ps.queries.UpsertAccountPolicy(ctx, row); err != nil {
			return err
		}
	}

	ps.mu.Lock()
	ps.policies[p.AccountID] = p
	ps.mu.Unlock()
	return nil
}

func policyFromRow(row db.AccountPolicyRow) Policy {
	p := Policy{
		AccountID:   row.AccountID,
		Mode:        TradingMode(row.TradingMode),
		Exclusive:   row.ExclusiveMode,
		MaxOpenSize: row.MaxOpenSize,
	}
	if p.Mode == "" {
		p.Mode = ModeBoth
	}
	if row.Sessions != "" {
		var sessions map[Session]bool
		if err := json.Unmarshal([]byte(row.Sessions), &sessions); err == nil {
			p.Sessions = sessions
		} else {
			log.Printf("policy: bad sessions payload for %s: %v", row.AccountID, err)
		}
	}
	return p
}
