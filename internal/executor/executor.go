// Package executor turns a validated, lock-held signal into an external
// order or a recorded rejection.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"signal-bridge/internal/account"
	"signal-bridge/internal/events"
	"signal-bridge/internal/idempotency"
	"signal-bridge/internal/instrument"
	"signal-bridge/internal/monitor"
	"signal-bridge/internal/signal"
	"signal-bridge/pkg/broker"
	"signal-bridge/pkg/db"
	"signal-bridge/pkg/market"
)

// QuoteSource supplies freshness-bounded execution prices.
type QuoteSource interface {
	GetFreshQuote(ctx context.Context, instrument string, timeout time.Duration) (market.Quote, error)
}

// OutcomeSink persists results without ever blocking the execution path.
type OutcomeSink interface {
	RecordExecution(e db.Execution)
	RecordRejection(signalID, accountID, category, reason string)
}

// Config tunes the attempt loop.
type Config struct {
	Attempts  int           // full quote->validate->place cycles per signal
	Backoff   time.Duration // linear: attempt * Backoff between cycles
	QuoteWait time.Duration // bounded wait inside the quote cache
}

func (c *Config) applyDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.QuoteWait <= 0 {
		c.QuoteWait = 5 * time.Second
	}
}

// Orchestrator runs the execution pipeline for one signal at a time per
// account.
type Orchestrator struct {
	cfg        Config
	broker     broker.API
	quotes     QuoteSource
	idem       *idempotency.Store
	policies   *account.PolicyStore
	serializer *account.Serializer
	outcomes   OutcomeSink
	bus        *events.Bus
	metrics    *monitor.PipelineMetrics

	// sleep is swapped out by tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an orchestrator.
func New(cfg Config, brokerAPI broker.API, quotes QuoteSource, idem *idempotency.Store,
	policies *account.PolicyStore, ser *account.Serializer, outcomes OutcomeSink,
	bus *events.Bus, metrics *monitor.PipelineMetrics) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:        cfg,
		broker:     brokerAPI,
		quotes:     quotes,
		idem:       idem,
		policies:   policies,
		serializer: ser,
		outcomes:   outcomes,
		bus:        bus,
		metrics:    metrics,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Process executes a signal inside its account's critical section. Returned
// errors are classified: ErrDuplicateSignal and RejectionError are final
// outcomes already recorded here; a transient error asks the queue for
// another delivery; TerminalError means the attempt cap is spent.
func (o *Orchestrator) Process(ctx context.Context, sig signal.Signal) error {
	err := o.serializer.Run(sig.AccountID, sig.Direction, func() error {
		return o.execute(ctx, sig)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, account.ErrExecutionPending):
		// In-flight twin: treated exactly like an already-processed signal.
		o.recordRejection(sig, CategoryDuplicate, "execution already in flight for this account and direction")
		if o.metrics != nil {
			o.metrics.IncDuplicate()
		}
		return ErrDuplicateSignal
	case errors.Is(err, ErrDuplicateSignal):
		o.recordRejection(sig, CategoryDuplicate, "signal already processed")
		if o.metrics != nil {
			o.metrics.IncDuplicate()
		}
		return err
	default:
		return err
	}
}

// execute runs the full orchestration with the account lock held.
func (o *Orchestrator) execute(ctx context.Context, sig signal.Signal) error {
	// Step 1: rejections that consume no retry attempt.
	seen, err := o.idem.Has(ctx, sig.ID, sig.AccountID)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if seen {
		return ErrDuplicateSignal
	}

	policy := o.policies.GetPolicy(ctx, sig.AccountID)
	if !policy.Mode.Allows(sig.Direction) {
		return o.reject(sig, policyRejection("trading mode %s forbids %s", policy.Mode, sig.Direction))
	}

	session := account.SessionAt(time.Now())
	if !policy.SessionEnabled(session) {
		return o.reject(sig, policyRejection("trading session %s is disabled for account", session))
	}

	positions, err := o.broker.OpenPositions(ctx, sig.AccountID)
	if err != nil {
		// Could not even establish account state; let the queue redeliver.
		return fmt.Errorf("fetch open positions: %w", err)
	}
	if policy.Exclusive && len(positions) > 0 {
		return o.reject(sig, policyRejection("exclusive mode: account already holds %d open position(s)", len(positions)))
	}
	if policy.MaxOpenSize > 0 {
		var open float64
		for _, p := range positions {
			open += p.Size
		}
		if open+sig.Size > policy.MaxOpenSize {
			return o.reject(sig, policyRejection("size limit: %.2f open + %.2f requested exceeds %.2f", open, sig.Size, policy.MaxOpenSize))
		}
	}
	for _, p := range positions {
		if signal.NormalizeSymbol(p.Epic) == sig.Instrument && signal.Direction(p.Direction) == sig.Direction {
			return o.reject(sig, policyRejection("account already has an open %s position on %s", sig.Direction, sig.Instrument))
		}
	}
	working, err := o.broker.WorkingOrders(ctx, sig.AccountID)
	if err != nil {
		return fmt.Errorf("fetch working orders: %w", err)
	}
	for _, w := range working {
		if signal.NormalizeSymbol(w.Epic) == sig.Instrument && signal.Direction(w.Direction) == sig.Direction {
			return o.reject(sig, policyRejection("account already has a working %s order on %s", sig.Direction, sig.Instrument))
		}
	}

	// Step 2: static instrument resolution.
	spec := instrument.Lookup(sig.Instrument)

	// Steps 3-5 with linear backoff between full cycles.
	var lastErr error
	for attempt := 1; attempt <= o.cfg.Attempts; attempt++ {
		if attempt > 1 {
			if err := o.sleep(ctx, time.Duration(attempt-1)*o.cfg.Backoff); err != nil {
				lastErr = err
				break
			}
		}

		quote, err := o.quotes.GetFreshQuote(ctx, sig.Instrument, o.cfg.QuoteWait)
		if err != nil {
			lastErr = err
			log.Printf("executor: attempt %d/%d quote for %s failed: %v", attempt, o.cfg.Attempts, sig.Instrument, err)
			continue
		}

		levels, err := computeLevels(sig, spec, quote)
		if err != nil {
			// The inputs themselves are wrong; retrying cannot fix them.
			return o.reject(sig, err)
		}

		res, err := o.broker.PlaceOrder(ctx, sig.AccountID, broker.OrderRequest{
			Epic:        sig.Instrument,
			Direction:   string(sig.Direction),
			Size:        sig.Size,
			ProfitLevel: levels.TakeProfit,
			StopLevel:   levels.StopLoss,
		})
		if err != nil {
			if IsTransientCause(err) {
				lastErr = err
				log.Printf("executor: attempt %d/%d place order failed: %v", attempt, o.cfg.Attempts, err)
				continue
			}
			// Broker refused the order outright.
			return o.reject(sig, validationRejection("broker rejected order: %v", err))
		}

		o.finish(ctx, sig, levels, res)
		return nil
	}

	terminal := &TerminalError{Attempts: o.cfg.Attempts, Last: lastErr}
	o.recordRejection(sig, CategoryTerminal, terminal.Error())
	if o.metrics != nil {
		o.metrics.IncFailed()
	}
	if o.bus != nil {
		o.bus.Publish(events.EventExecutionFailed, map[string]string{
			"signal_id":  sig.ID,
			"account_id": sig.AccountID,
			"cause":      terminal.Error(),
		})
	}
	return terminal
}

// finish persists the outcome and marks the idempotency store. The durable
// dedup marker is written only now, after the broker accepted the order.
func (o *Orchestrator) finish(ctx context.Context, sig signal.Signal, levels Levels, res broker.OrderResult) {
	entry := levels.Entry
	if res.FillPrice > 0 {
		entry = res.FillPrice
	}

	if o.outcomes != nil {
		o.outcomes.RecordExecution(db.Execution{
			SignalID:      sig.ID,
			AccountID:     sig.AccountID,
			Instrument:    sig.Instrument,
			Direction:     string(sig.Direction),
			Size:          sig.Size,
			EntryPrice:    entry,
			TakeProfit:    levels.TakeProfit,
			StopLoss:      levels.StopLoss,
			Spread:        levels.Spread,
			DealReference: res.DealReference,
			Timeframe:     sig.Timeframe,
			MarketMode:    string(sig.Mode),
		})
	}

	if err := o.idem.Record(ctx, sig.ID, sig.AccountID); err != nil {
		// The order is live but the marker write failed; a replay inside the
		// dedup window is still caught by the queue. Loudly log the gap.
		log.Printf("executor: CRITICAL idempotency record for %s/%s failed: %v", sig.ID, sig.AccountID, err)
	}

	if o.metrics != nil {
		o.metrics.IncPlaced()
	}
	if o.bus != nil {
		o.bus.Publish(events.EventExecutionPlaced, map[string]any{
			"signal_id":  sig.ID,
			"account_id": sig.AccountID,
			"instrument": sig.Instrument,
			"direction":  sig.Direction,
			"entry":      entry,
			"deal_ref":   res.DealReference,
		})
	}
	log.Printf("executor: placed %s %s size=%.2f entry=%.5f tp=%.5f sl=%.5f ref=%s",
		sig.Instrument, sig.Direction, sig.Size, entry, levels.TakeProfit, levels.StopLoss, res.DealReference)
}

// reject records a terminal refusal and returns the rejection error.
func (o *Orchestrator) reject(sig signal.Signal, err error) error {
	var r *RejectionError
	if errors.As(err, &r) {
		o.recordRejection(sig, r.Category, r.Reason)
	} else {
		o.recordRejection(sig, CategoryValidation, err.Error())
	}
	if o.metrics != nil {
		o.metrics.IncRejected()
	}
	if o.bus != nil {
		o.bus.Publish(events.EventSignalRejected, map[string]string{
			"signal_id":  sig.ID,
			"account_id": sig.AccountID,
			"reason":     err.Error(),
		})
	}
	return err
}

func (o *Orchestrator) recordRejection(sig signal.Signal, category, reason string) {
	if o.outcomes != nil {
		o.outcomes.RecordRejection(sig.ID, sig.AccountID, category, reason)
	}
	log.Printf("executor: %s %s/%s: %s", category, sig.AccountID, sig.ID, reason)
}
