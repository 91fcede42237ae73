// Package db provides sqlite-backed persistence for the signal bridge.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a lookup matches no rows.
	ErrNotFound = errors.New("record not found")
)

// Queries wraps the common read/write paths used by the pipeline.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a Queries instance over an open handle.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Processed signals (idempotency)
// ----------------------------------------

// HasProcessedSignal reports whether (signalID, accountID) was already accepted.
func (q *Queries) HasProcessedSignal(ctx context.Context, signalID, accountID string) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx, `
		SELECT 1 FROM processed_signals
		WHERE signal_id = ? AND account_id = ?
	`, signalID, accountID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query processed signal: %w", err)
	}
	return true, nil
}

// InsertProcessedSignal records an accepted signal. Inserting the same pair
// twice is a no-op so concurrent markers cannot corrupt the table.
func (q *Queries) InsertProcessedSignal(ctx context.Context, signalID, accountID string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_signals (signal_id, account_id)
		VALUES (?, ?)
	`, signalID, accountID)
	if err != nil {
		return fmt.Errorf("insert processed signal: %w", err)
	}
	return nil
}

// ListProcessedSignals returns all dedup markers, newest first.
func (q *Queries) ListProcessedSignals(ctx context.Context) ([]ProcessedSignal, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT signal_id, account_id, created_at
		FROM processed_signals
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query processed signals: %w", err)
	}
	defer rows.Close()

	var out []ProcessedSignal
	for rows.Next() {
		var p ProcessedSignal
		if err := rows.Scan(&p.SignalID, &p.AccountID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan processed signal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountProcessedSignals returns the number of dedup markers.
func (q *Queries) CountProcessedSignals(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_signals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processed signals: %w", err)
	}
	return n, nil
}

// SweepProcessedSignals deletes the oldest markers so at most keep remain.
// Returns the number of rows removed.
func (q *Queries) SweepProcessedSignals(ctx context.Context, keep int) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM processed_signals
		WHERE rowid NOT IN (
			SELECT rowid FROM processed_signals
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("sweep processed signals: %w", err)
	}
	return res.RowsAffected()
}

// ----------------------------------------
// Executions
// ----------------------------------------

// InsertExecution stores a placed-order outcome.
func (q *Queries) InsertExecution(ctx context.Context, e Execution) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO executions
			(id, signal_id, account_id, instrument, direction, size,
			 entry_price, take_profit, stop_loss, spread, deal_reference,
			 timeframe, market_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SignalID, e.AccountID, e.Instrument, e.Direction, e.Size,
		e.EntryPrice, e.TakeProfit, e.StopLoss, e.Spread, e.DealReference,
		e.Timeframe, e.MarketMode)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// ListExecutionsByAccount returns recent executions for an account.
func (q *Queries) ListExecutionsByAccount(ctx context.Context, accountID string, limit int) ([]Execution, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, signal_id, account_id, instrument, direction, size,
		       entry_price, COALESCE(take_profit, 0), COALESCE(stop_loss, 0),
		       COALESCE(spread, 0), COALESCE(deal_reference, ''),
		       COALESCE(timeframe, ''), COALESCE(market_mode, ''), created_at
		FROM executions
		WHERE account_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var e Execution
		if err := rows.Scan(&e.ID, &e.SignalID, &e.AccountID, &e.Instrument,
			&e.Direction, &e.Size, &e.EntryPrice, &e.TakeProfit, &e.StopLoss,
			&e.Spread, &e.DealReference, &e.Timeframe, &e.MarketMode, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertRejection stores a refused signal with its reason.
func (q *Queries) InsertRejection(ctx context.Context, r Rejection) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO rejections (id, signal_id, account_id, category, reason)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.SignalID, r.AccountID, r.Category, r.Reason)
	if err != nil {
		return fmt.Errorf("insert rejection: %w", err)
	}
	return nil
}

// ----------------------------------------
// Account policies
// ----------------------------------------

// GetAccountPolicy loads the stored policy row for an account.
func (q *Queries) GetAccountPolicy(ctx context.Context, accountID string) (AccountPolicyRow, error) {
	var (
		row       AccountPolicyRow
		exclusive int
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT account_id, trading_mode, exclusive_mode, max_open_size,
		       COALESCE(sessions, ''), updated_at
		FROM account_policies
		WHERE account_id = ?
	`, accountID).Scan(&row.AccountID, &row.TradingMode, &exclusive,
		&row.MaxOpenSize, &row.Sessions, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return AccountPolicyRow{}, ErrNotFound
	}
	if err != nil {
		return AccountPolicyRow{}, fmt.Errorf("query account policy: %w", err)
	}
	row.ExclusiveMode = exclusive == 1
	return row, nil
}

// UpsertAccountPolicy creates or replaces the stored policy for an account.
func (q *Queries) UpsertAccountPolicy(ctx context.Context, row AccountPolicyRow) error {
	exclusive := 0
	if row.ExclusiveMode {
		exclusive = 1
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO account_policies (account_id, trading_mode, exclusive_mode, max_open_size, sessions, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id) DO UPDATE SET
			trading_mode = excluded.trading_mode,
			exclusive_mode = excluded.exclusive_mode,
			max_open_size = excluded.max_open_size,
			sessions = excluded.sessions,
			updated_at = CURRENT_TIMESTAMP
	`, row.AccountID, row.TradingMode, exclusive, row.MaxOpenSize, row.Sessions)
	if err != nil {
		return fmt.Errorf("upsert account policy: %w", err)
	}
	return nil
}
