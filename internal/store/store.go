// Package store provides durable sync state for mailagent.
//
// Each watched message has exactly one row keyed by its Mail.app ROWID.
// The row carries the message's sync lifecycle: pending, synced, failed,
// fetch_failed, skipped or dead_letter. The store is the only writer to its
// database file; Mail.app's own Envelope Index is never touched from here.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store provides database operations for sync state.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Exclusive locking: a second process opening the same file fails its first
// write with SQLITE_BUSY, so a second daemon instance refuses to start.
const defaultSQLiteParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON&_locking_mode=EXCLUSIVE"

// timeFormat is the canonical stored timestamp layout. Values are always UTC.
const timeFormat = time.RFC3339

// Message lifecycle states.
const (
	StatusPending     = "pending"
	StatusSynced      = "synced"
	StatusFailed      = "failed"
	StatusFetchFailed = "fetch_failed"
	StatusSkipped     = "skipped"
	StatusDeadLetter  = "dead_letter"
)

// MaxRetries is the attempt count at which a message goes to dead_letter.
const MaxRetries = 5

// retryBackoff maps retry_count (after increment) to the delay before the
// next attempt. Values beyond the table clamp to the last entry.
var retryBackoff = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
	7200 * time.Second,
}

// schemaVersion is the version an up-to-date database reports in the
// sync_state key db_version.
const schemaVersion = 1

// isSQLiteError checks if err is a sqlite3.Error with a message containing substr.
// Type-asserts with errors.As rather than string-matching the whole chain.
// Handles both value (sqlite3.Error) and pointer (*sqlite3.Error) forms.
func isSQLiteError(err error, substr string) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return strings.Contains(sqliteErr.Error(), substr)
	}
	var sqliteErrPtr *sqlite3.Error
	if errors.As(err, &sqliteErrPtr) && sqliteErrPtr != nil {
		return strings.Contains(sqliteErrPtr.Error(), substr)
	}
	return false
}

// Open opens or creates the database at the given path.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dbPath + defaultSQLiteParams
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer; a second connection would only queue on the busy
	// timeout, and EXCLUSIVE locking wants one connection anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable. Used by the health probe.
func (s *Store) Ping() error {
	var one int
	if err := s.db.QueryRow("SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// withTx executes fn within a database transaction. If fn returns an error,
// the transaction is rolled back; otherwise it is committed.
func (s *Store) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// InitSchema initializes the database schema and runs migrations.
// Idempotent; also takes the exclusive file lock, so a second daemon
// instance fails here with a busy error.
func (s *Store) InitSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		if isSQLiteError(err, "database is locked") {
			return fmt.Errorf("sync database is in use by another process: %w", err)
		}
		return fmt.Errorf("execute schema: %w", err)
	}
	if err := s.migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// migrations run in order inside one transaction each; the version advances
// with the statements so a crash leaves the database on a consistent step.
var migrations = []struct {
	version int
	stmts   []string
}{
	// 1: baseline, nothing beyond schema.sql.
	{version: 1},
}

func (s *Store) migrate() error {
	return s.withTx(func(tx *sql.Tx) error {
		current, err := dbVersionTx(tx)
		if err != nil {
			return err
		}
		if current > schemaVersion {
			return fmt.Errorf("database version %d is newer than supported %d", current, schemaVersion)
		}
		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			for _, stmt := range m.stmts {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("migration %d: %w", m.version, err)
				}
			}
			if err := setStateTx(tx, stateDBVersion, fmt.Sprintf("%d", m.version)); err != nil {
				return fmt.Errorf("record migration %d: %w", m.version, err)
			}
		}
		return nil
	})
}

// Vacuum reclaims free pages. Run from the maintenance job, never inline
// with sync work.
func (s *Store) Vacuum() error {
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// Stats summarizes the store for the status surfaces.
type Stats struct {
	TotalMessages int64
	ByStatus      map[string]int64
	DeadLetters   int64
	LastMaxRowID  int64
	LastSyncTime  time.Time
	DatabaseSize  int64
}

// GetStats returns per-status counts and the radar watermark.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{ByStatus: make(map[string]int64)}

	rows, err := s.db.Query("SELECT sync_status, COUNT(*) FROM email_messages GROUP BY sync_status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[status] = n
		stats.TotalMessages += n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stats.DeadLetters = stats.ByStatus[StatusDeadLetter]

	if v, err := s.GetLastMaxRowID(); err == nil {
		stats.LastMaxRowID = v
	}
	if t, err := s.GetLastSyncTime(); err == nil {
		stats.LastSyncTime = t
	}

	if fi, err := os.Stat(s.dbPath); err == nil {
		stats.DatabaseSize = fi.Size()
	}
	return stats, nil
}

// parseStoredTime parses a stored timestamp. Empty or NULL yields zero time.
func parseStoredTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeFormat, v.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v.String, err)
	}
	return t.UTC(), nil
}

func formatStoredTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}
