package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a SQLite database.
//
// The pool is pinned to a single connection, so every transaction started
// through WithTx runs serialized against all others. The pipeline relies on
// this for compare-and-set slot takes and for reading a consistent view of a
// layer while advancing it.
type DB struct {
	db *sql.DB
}

// Tx is a single serialized unit of work against the store. All typed
// queries live on Tx; a Tx must not escape the WithTx callback.
type Tx struct {
	tx *sql.Tx
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks the database connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise. SQLITE_BUSY from another process
// holding the file is retried with bounded backoff; fn may therefore run more
// than once and must not have effects outside the transaction.
//
// WithTx must not be called from inside another WithTx callback: the pool has
// one connection and the nested call would block forever.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		sqlTx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(&Tx{tx: sqlTx}); err != nil {
			_ = sqlTx.Rollback()
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// IsNotFound reports whether err wraps sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, backing off
// exponentially from 50ms with jitter, capped at 500ms.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS protocols (
    name TEXT PRIMARY KEY,
    stages TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS claims (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    domain TEXT NOT NULL DEFAULT '',
    protocol TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pipelines (
    id TEXT PRIMARY KEY,
    claim_id TEXT NOT NULL UNIQUE,
    protocol_name TEXT NOT NULL,
    current_layer INTEGER NOT NULL,
    current_phase TEXT NOT NULL,
    status TEXT NOT NULL,
    round INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS slots (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    claim_id TEXT NOT NULL,
    protocol_name TEXT NOT NULL,
    layer INTEGER NOT NULL,
    round INTEGER NOT NULL DEFAULT 0,
    slot_type TEXT NOT NULL,
    role TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'open',
    agent_id TEXT NOT NULL DEFAULT '',
    output TEXT NOT NULL DEFAULT '',
    structured_output TEXT,
    confidence REAL,
    stake_amount INTEGER NOT NULL DEFAULT 0,
    taken_at INTEGER NOT NULL DEFAULT 0,
    expire_at INTEGER NOT NULL DEFAULT 0,
    completed_at INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS flags (
    id TEXT PRIMARY KEY,
    claim_id TEXT NOT NULL,
    layer INTEGER NOT NULL,
    reason TEXT NOT NULL,
    avg_confidence REAL NOT NULL,
    threshold REAL NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
    agent_id TEXT PRIMARY KEY,
    amount INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS syntheses (
    id TEXT PRIMARY KEY,
    claim_id TEXT NOT NULL,
    summary TEXT NOT NULL,
    key_points TEXT NOT NULL,
    confidence REAL NOT NULL,
    recommendation TEXT NOT NULL DEFAULT '',
    attributed_agent TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    claim_id TEXT NOT NULL,
    layer INTEGER NOT NULL DEFAULT 0,
    agent_id TEXT NOT NULL DEFAULT '',
    slot_id TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '{}',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at INTEGER NOT NULL,
    delivered_at INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_slots_layer ON slots(claim_id, layer, round, slot_type);
CREATE INDEX IF NOT EXISTS idx_slots_status ON slots(status);
CREATE INDEX IF NOT EXISTS idx_slots_agent ON slots(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_slots_expire ON slots(status, expire_at);
CREATE INDEX IF NOT EXISTS idx_pipelines_status ON pipelines(status);
CREATE INDEX IF NOT EXISTS idx_flags_claim ON flags(claim_id);
CREATE INDEX IF NOT EXISTS idx_syntheses_claim ON syntheses(claim_id);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(delivered_at, failed, next_attempt_at);`
	_, err := d.db.Exec(schema)
	return err
}

// boolToInt converts a bool to an integer (0 or 1) for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
