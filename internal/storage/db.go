package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database shared by every persistent component:
// the processed-event ledger, positions, budgets, cooldowns, pipeline
// metrics, the virtual wallet and snapshot history.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) the database and applies pending migrations
func NewDB(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &DB{db: db}, nil
}

// migrations are applied in order, each inside its own transaction.
// Never edit an entry after release; append a new one.
var migrations = []string{
	// 1: event ledger, positions, budgets, cooldowns
	`
	CREATE TABLE IF NOT EXISTS processed_events (
		signature TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		seen_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_processed_seen ON processed_events(seen_at);

	CREATE TABLE IF NOT EXISTS positions (
		mint TEXT PRIMARY KEY,
		raw_amount TEXT NOT NULL DEFAULT '0',
		pending_raw TEXT,
		decimals INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'CONFIRMED',
		cost_lamports INTEGER NOT NULL DEFAULT 0,
		last_signature TEXT,
		opened_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS daily_budgets (
		day TEXT PRIMARY KEY,
		spent_lamports INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS cooldowns (
		mint TEXT PRIMARY KEY,
		last_buy_at INTEGER NOT NULL
	);
	`,
	// 2: upstream trade history and pipeline metrics
	`
	CREATE TABLE IF NOT EXISTS source_trades (
		signature TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		mint TEXT NOT NULL,
		base_lamports INTEGER NOT NULL,
		raw_amount TEXT NOT NULL,
		unsafe_parse INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_source_trades_ts ON source_trades(ts);

	CREATE TABLE IF NOT EXISTS pipeline_metrics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signature TEXT NOT NULL,
		direction TEXT NOT NULL,
		mint TEXT NOT NULL,
		source TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reject_reason TEXT,
		unsafe_parse INTEGER NOT NULL DEFAULT 0,
		drift_pct REAL,
		sell_buffer_ms INTEGER NOT NULL DEFAULT 0,
		risk_ms INTEGER NOT NULL DEFAULT 0,
		exec_ms INTEGER NOT NULL DEFAULT 0,
		total_ms INTEGER NOT NULL DEFAULT 0,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_ts ON pipeline_metrics(ts);
	CREATE INDEX IF NOT EXISTS idx_metrics_outcome ON pipeline_metrics(outcome, ts);
	`,
	// 3: virtual wallet for dry-run mode
	`
	CREATE TABLE IF NOT EXISTS virtual_wallet (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		starting_lamports INTEGER NOT NULL,
		cash_lamports INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS virtual_holdings (
		mint TEXT PRIMARY KEY,
		raw_amount TEXT NOT NULL,
		decimals INTEGER NOT NULL DEFAULT 0,
		spent_lamports INTEGER NOT NULL DEFAULT 0,
		received_lamports INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS virtual_trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signature TEXT NOT NULL,
		direction TEXT NOT NULL,
		mint TEXT NOT NULL,
		lamports INTEGER NOT NULL,
		raw_amount TEXT NOT NULL,
		fee_lamports INTEGER NOT NULL DEFAULT 0,
		ts INTEGER NOT NULL
	);
	`,
	// 4: periodic snapshots and quoted-vs-landed fill comparisons
	`
	CREATE TABLE IF NOT EXISTS pnl_snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cash_lamports INTEGER NOT NULL,
		holdings_value_lamports INTEGER NOT NULL,
		open_positions INTEGER NOT NULL,
		realized_pnl_lamports INTEGER NOT NULL,
		ts INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS execution_comparisons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signature TEXT NOT NULL,
		mint TEXT NOT NULL,
		direction TEXT NOT NULL,
		quoted_price REAL NOT NULL,
		executed_price REAL NOT NULL,
		slippage_pct REAL NOT NULL,
		fee_lamports INTEGER NOT NULL DEFAULT 0,
		compute_units INTEGER NOT NULL DEFAULT 0,
		alerted INTEGER NOT NULL DEFAULT 0,
		ts INTEGER NOT NULL
	);
	`,
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`)
	if err != nil {
		return err
	}

	var current int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current)
	if err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
		log.Info().Int("version", version).Msg("applied migration")
	}
	return nil
}

// Ping verifies the database is reachable, for health probes
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// DayKey formats a time as the UTC day used for daily budget rows
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Now returns current Unix timestamp (helper)
func Now() int64 {
	return time.Now().Unix()
}
