package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// sync_state keys.
const (
	stateLastMaxRowID = "last_max_row_id"
	stateLastSyncTime = "last_sync_time"
	stateDBVersion    = "db_version"
)

// GetState reads a sync_state value. Missing keys return ("", nil).
func (s *Store) GetState(key string) (string, error) {
	var v sql.NullString
	err := s.db.QueryRow("SELECT value FROM sync_state WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %q: %w", key, err)
	}
	return v.String, nil
}

// SetState upserts a sync_state value.
func (s *Store) SetState(key, value string) error {
	return s.withTx(func(tx *sql.Tx) error {
		return setStateTx(tx, key, value)
	})
}

func setStateTx(tx *sql.Tx, key, value string) error {
	_, err := tx.Exec(`
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("set state %q: %w", key, err)
	}
	return nil
}

func dbVersionTx(tx *sql.Tx) (int, error) {
	var v sql.NullString
	err := tx.QueryRow("SELECT value FROM sync_state WHERE key = ?", stateDBVersion).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read db_version: %w", err)
	}
	n, err := strconv.Atoi(v.String)
	if err != nil {
		return 0, fmt.Errorf("parse db_version %q: %w", v.String, err)
	}
	return n, nil
}

// GetLastMaxRowID returns the radar watermark. Zero when never set.
func (s *Store) GetLastMaxRowID() (int64, error) {
	v, err := s.GetState(stateLastMaxRowID)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", stateLastMaxRowID, v, err)
	}
	return n, nil
}

// SetLastMaxRowID advances the radar watermark.
func (s *Store) SetLastMaxRowID(rowID int64) error {
	return s.SetState(stateLastMaxRowID, strconv.FormatInt(rowID, 10))
}

// GetLastSyncTime returns when an ingest batch last committed.
func (s *Store) GetLastSyncTime() (time.Time, error) {
	v, err := s.GetState(stateLastSyncTime)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(timeFormat, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: %w", stateLastSyncTime, v, err)
	}
	return t.UTC(), nil
}

// MarkThreadHeadNotFound records that a thread's root could not be located,
// so the next few syncs skip the lookup. The note is diagnostic only.
func (s *Store) MarkThreadHeadNotFound(threadID, note string) error {
	_, err := s.db.Exec(`
		INSERT INTO thread_head_cache (thread_id, checked_at, note) VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE
			SET checked_at = excluded.checked_at, note = excluded.note`,
		threadID, time.Now().UTC().Format(timeFormat), nullString(note),
	)
	if err != nil {
		return fmt.Errorf("cache thread head miss %q: %w", threadID, err)
	}
	return nil
}

// IsThreadHeadNotFound reports whether a fresh negative-cache entry exists.
// Entries older than maxAge do not count and are left for the purge job.
func (s *Store) IsThreadHeadNotFound(threadID string, maxAge time.Duration) (bool, error) {
	var checkedAt string
	err := s.db.QueryRow(
		"SELECT checked_at FROM thread_head_cache WHERE thread_id = ?",
		threadID,
	).Scan(&checkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read thread head cache %q: %w", threadID, err)
	}
	t, err := time.Parse(timeFormat, checkedAt)
	if err != nil {
		return false, fmt.Errorf("parse checked_at %q: %w", checkedAt, err)
	}
	return time.Since(t) < maxAge, nil
}

// ForgetThreadHead drops the negative-cache entry, typically right after the
// head page was created.
func (s *Store) ForgetThreadHead(threadID string) error {
	_, err := s.db.Exec("DELETE FROM thread_head_cache WHERE thread_id = ?", threadID)
	if err != nil {
		return fmt.Errorf("forget thread head %q: %w", threadID, err)
	}
	return nil
}

// PurgeThreadHeadCache removes entries older than maxAge. Returns the number
// removed.
func (s *Store) PurgeThreadHeadCache(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(timeFormat)
	res, err := s.db.Exec("DELETE FROM thread_head_cache WHERE checked_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge thread head cache: %w", err)
	}
	return res.RowsAffected()
}
