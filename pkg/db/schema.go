package db

import (
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS processed_signals (
    signal_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (signal_id, account_id)
);

CREATE INDEX IF NOT EXISTS idx_processed_signals_created
    ON processed_signals(created_at);

CREATE TABLE IF NOT EXISTS executions (
    id TEXT PRIMARY KEY,
    signal_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    instrument TEXT NOT NULL,
    direction TEXT NOT NULL,
    size REAL NOT NULL,
    entry_price REAL NOT NULL,
    take_profit REAL,
    stop_loss REAL,
    spread REAL,
    deal_reference TEXT,
    timeframe TEXT,
    market_mode TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_executions_account
    ON executions(account_id, created_at);

CREATE TABLE IF NOT EXISTS rejections (
    id TEXT PRIMARY KEY,
    signal_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    category TEXT NOT NULL,
    reason TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_rejections_account
    ON rejections(account_id, created_at);

CREATE TABLE IF NOT EXISTS account_policies (
    account_id TEXT PRIMARY KEY,
    trading_mode TEXT NOT NULL DEFAULT 'both',
    exclusive_mode INTEGER NOT NULL DEFAULT 0,
    max_open_size REAL NOT NULL DEFAULT 0,
    sessions TEXT,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations creates the schema if missing. Statements are idempotent so
// re-running at every startup is safe.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
