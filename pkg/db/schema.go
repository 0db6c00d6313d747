package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS strategies (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    owner_id TEXT NOT NULL DEFAULT '',
    config TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_runs (
    id TEXT PRIMARY KEY,
    strategy_id TEXT NOT NULL,
    config TEXT NOT NULL,
    status TEXT NOT NULL,
    initial_balance TEXT NOT NULL,
    current_balance TEXT NOT NULL,
    total_trades INTEGER NOT NULL DEFAULT 0,
    winning_trades INTEGER NOT NULL DEFAULT 0,
    total_profit TEXT NOT NULL DEFAULT '0',
    last_error TEXT NOT NULL DEFAULT '',
    error_count INTEGER NOT NULL DEFAULT 0,
    node_id TEXT NOT NULL DEFAULT '',
    started_at DATETIME NOT NULL,
    stopped_at DATETIME,
    FOREIGN KEY(strategy_id) REFERENCES strategies(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_strategy_runs_one_running
    ON strategy_runs(strategy_id) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_strategy_runs_status ON strategy_runs(status, node_id);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity TEXT NOT NULL,
    entry_price TEXT NOT NULL,
    exit_price TEXT,
    profit_loss TEXT,
    profit_percent TEXT,
    status TEXT NOT NULL,
    opened_at DATETIME NOT NULL,
    closed_at DATETIME,
    FOREIGN KEY(run_id) REFERENCES strategy_runs(id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_one_open
    ON positions(run_id, symbol) WHERE status = 'open';
CREATE INDEX IF NOT EXISTS idx_positions_run ON positions(run_id, opened_at);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Columns added after the first release.
	if err := ensureColumn(d.DB, "strategy_runs", "last_tick_at", "DATETIME"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
