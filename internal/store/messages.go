package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Message is one tracked Mail.app message and its sync lifecycle.
type Message struct {
	InternalID   int64
	MessageID    string
	Subject      string
	Sender       string
	SenderName   string
	ToAddr       string
	CCAddr       string
	DateSent     time.Time
	DateReceived time.Time
	Mailbox      string
	IsRead       bool
	IsFlagged    bool
	ThreadID     string
	NotionPageID string
	SyncStatus   string
	RetryCount   int
	NextRetryAt  time.Time
	SyncError    string
	CreatedAt    time.Time
	SyncedAt     time.Time
	UpdatedAt    time.Time
}

// MessageMeta is what the radar (or backfill) knows about a row before the
// arm has extracted it.
type MessageMeta struct {
	InternalID   int64
	MessageID    string
	Subject      string
	Sender       string
	DateReceived time.Time
	Mailbox      string
	IsRead       bool
	IsFlagged    bool
}

// ErrNotFound is returned when a message row does not exist.
var ErrNotFound = errors.New("message not found")

// ErrDuplicateMessageID is returned when a write would give a row a
// message_id another row already owns. Mail re-indexing a message under a
// new ROWID is the usual cause.
var ErrDuplicateMessageID = errors.New("message id already tracked")

// Insert records a newly observed ROWID as pending. Idempotent by
// internal_id; reports true when a row was created.
func (s *Store) Insert(meta MessageMeta) (bool, error) {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO email_messages
			(internal_id, message_id, subject, sender, date_received, mailbox,
			 is_read, is_flagged, sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.InternalID, nullString(meta.MessageID), meta.Subject, meta.Sender,
		formatStoredTime(meta.DateReceived), meta.Mailbox,
		meta.IsRead, meta.IsFlagged, StatusPending, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert %d: %w", meta.InternalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertBatch inserts a radar batch and advances the watermark in the same
// transaction, so a crash never loses rows behind the checkpoint.
func (s *Store) InsertBatch(metas []MessageMeta, newMaxRowID int64) (int, error) {
	var inserted int
	err := s.withTx(func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(timeFormat)
		for _, meta := range metas {
			res, err := tx.Exec(`
				INSERT OR IGNORE INTO email_messages
					(internal_id, message_id, subject, sender, date_received, mailbox,
					 is_read, is_flagged, sync_status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				meta.InternalID, nullString(meta.MessageID), meta.Subject, meta.Sender,
				formatStoredTime(meta.DateReceived), meta.Mailbox,
				meta.IsRead, meta.IsFlagged, StatusPending, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert %d: %w", meta.InternalID, err)
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				inserted++
			}
		}
		if err := setStateTx(tx, stateLastMaxRowID, fmt.Sprintf("%d", newMaxRowID)); err != nil {
			return err
		}
		return setStateTx(tx, stateLastSyncTime, now)
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// FetchedFields is the metadata filled in once the arm has extracted a
// message. MessageID here wins over the radar's value, which can be blank
// for rows the local index had not indexed yet.
type FetchedFields struct {
	MessageID  string
	Subject    string
	Sender     string
	SenderName string
	ToAddr     string
	CCAddr     string
	DateSent   time.Time
	IsRead     bool
	IsFlagged  bool
	ThreadID   string
}

// UpdateAfterFetch stores extraction results on an existing row. Status is
// left untouched.
func (s *Store) UpdateAfterFetch(internalID int64, f FetchedFields) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`
		UPDATE email_messages
		SET message_id = COALESCE(?, message_id), subject = ?, sender = ?,
			sender_name = ?, to_addr = ?, cc_addr = ?, date_sent = ?,
			is_read = ?, is_flagged = ?, thread_id = ?, updated_at = ?
		WHERE internal_id = ?`,
		nullString(f.MessageID), f.Subject, f.Sender, f.SenderName,
		f.ToAddr, f.CCAddr, formatStoredTime(f.DateSent),
		f.IsRead, f.IsFlagged, f.ThreadID, now, internalID,
	)
	if err != nil {
		if isSQLiteError(err, "UNIQUE constraint failed: email_messages.message_id") {
			return fmt.Errorf("update after fetch %d: %w", internalID, ErrDuplicateMessageID)
		}
		return fmt.Errorf("update after fetch %d: %w", internalID, err)
	}
	return requireRow(res, internalID)
}

// MarkSynced transitions a row to synced and records its Notion page.
// retry_count is kept for observability; the retry fields are cleared.
func (s *Store) MarkSynced(internalID int64, notionPageID string) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`
		UPDATE email_messages
		SET sync_status = ?, notion_page_id = ?, synced_at = ?, updated_at = ?,
			next_retry_at = NULL, sync_error = NULL
		WHERE internal_id = ?`,
		StatusSynced, notionPageID, now, now, internalID,
	)
	if err != nil {
		return fmt.Errorf("mark synced %d: %w", internalID, err)
	}
	return requireRow(res, internalID)
}

// SetNotionPageID records the created page before the pipeline has finished.
// A later failure then retries against the existing page instead of creating
// a duplicate.
func (s *Store) SetNotionPageID(internalID int64, notionPageID string) error {
	res, err := s.db.Exec(`
		UPDATE email_messages SET notion_page_id = ?, updated_at = ?
		WHERE internal_id = ?`,
		notionPageID, time.Now().UTC().Format(timeFormat), internalID,
	)
	if err != nil {
		return fmt.Errorf("set page id %d: %w", internalID, err)
	}
	return requireRow(res, internalID)
}

// MarkFailed records a page-sync failure: retry_count increments, the next
// attempt time comes from the backoff schedule, and at MaxRetries the row
// becomes dead_letter.
func (s *Store) MarkFailed(internalID int64, cause string, now time.Time) error {
	return s.recordFailure(internalID, StatusFailed, cause, now)
}

// MarkFetchFailed records that the message could not be extracted from
// Mail. Shares the retry budget with MarkFailed; the retry loop re-runs the
// fetch step for these rows.
func (s *Store) MarkFetchFailed(internalID int64, cause string, now time.Time) error {
	return s.recordFailure(internalID, StatusFetchFailed, cause, now)
}

func (s *Store) recordFailure(internalID int64, status, cause string, now time.Time) error {
	return s.withTx(func(tx *sql.Tx) error {
		var retryCount int
		err := tx.QueryRow(
			"SELECT retry_count FROM email_messages WHERE internal_id = ?",
			internalID,
		).Scan(&retryCount)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("record failure %d: %w", internalID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read retry count %d: %w", internalID, err)
		}

		retryCount++
		var nextRetry any
		if retryCount >= MaxRetries {
			status = StatusDeadLetter
		} else {
			idx := retryCount - 1
			if idx >= len(retryBackoff) {
				idx = len(retryBackoff) - 1
			}
			nextRetry = now.UTC().Add(retryBackoff[idx]).Format(timeFormat)
		}

		_, err = tx.Exec(`
			UPDATE email_messages
			SET sync_status = ?, retry_count = ?, next_retry_at = ?,
				sync_error = ?, updated_at = ?
			WHERE internal_id = ?`,
			status, retryCount, nextRetry, truncateError(cause),
			now.UTC().Format(timeFormat), internalID,
		)
		if err != nil {
			return fmt.Errorf("record failure %d: %w", internalID, err)
		}
		return nil
	})
}

// MarkSkipped records a message excluded by the start-date cutoff. Terminal,
// but the row stays so replies can still find their thread ancestor.
func (s *Store) MarkSkipped(internalID int64) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`
		UPDATE email_messages
		SET sync_status = ?, next_retry_at = NULL, updated_at = ?
		WHERE internal_id = ?`,
		StatusSkipped, now, internalID,
	)
	if err != nil {
		return fmt.Errorf("mark skipped %d: %w", internalID, err)
	}
	return requireRow(res, internalID)
}

// Delete removes a row entirely. Used when Mail reports the message gone
// and by operator tooling.
func (s *Store) Delete(internalID int64) error {
	res, err := s.db.Exec("DELETE FROM email_messages WHERE internal_id = ?", internalID)
	if err != nil {
		return fmt.Errorf("delete %d: %w", internalID, err)
	}
	return requireRow(res, internalID)
}

// GetPending returns up to limit pending rows, newest received first.
func (s *Store) GetPending(limit int) ([]Message, error) {
	return s.queryMessages(`
		SELECT `+messageColumns+` FROM email_messages
		WHERE sync_status = ?
		ORDER BY date_received DESC, internal_id DESC LIMIT ?`,
		StatusPending, limit)
}

// GetReadyForRetry returns failed and fetch_failed rows whose next attempt
// time has passed, soonest first.
func (s *Store) GetReadyForRetry(now time.Time, limit int) ([]Message, error) {
	return s.queryMessages(`
		SELECT `+messageColumns+` FROM email_messages
		WHERE sync_status IN (?, ?) AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC LIMIT ?`,
		StatusFailed, StatusFetchFailed, now.UTC().Format(timeFormat), limit)
}

// Get fetches one row. Returns ErrNotFound if absent.
func (s *Store) Get(internalID int64) (*Message, error) {
	return s.queryOne(
		"SELECT "+messageColumns+" FROM email_messages WHERE internal_id = ?",
		internalID)
}

// GetByMessageID fetches one row by RFC 822 Message-ID.
func (s *Store) GetByMessageID(messageID string) (*Message, error) {
	return s.queryOne(
		"SELECT "+messageColumns+" FROM email_messages WHERE message_id = ?",
		messageID)
}

// GetByPageID fetches one row by Notion page id.
func (s *Store) GetByPageID(pageID string) (*Message, error) {
	return s.queryOne(
		"SELECT "+messageColumns+" FROM email_messages WHERE notion_page_id = ?",
		pageID)
}

// ThreadQuery narrows GetAllByThread.
type ThreadQuery struct {
	ExcludeInternalID int64 // 0 excludes nothing
	SyncedOnly        bool
}

// GetAllByThread returns a thread's messages, newest received first. Ties on
// date_received break toward the larger internal id so repeated runs agree.
func (s *Store) GetAllByThread(threadID string, q ThreadQuery) ([]Message, error) {
	query := "SELECT " + messageColumns + " FROM email_messages WHERE thread_id = ?"
	args := []any{threadID}
	if q.ExcludeInternalID != 0 {
		query += " AND internal_id != ?"
		args = append(args, q.ExcludeInternalID)
	}
	if q.SyncedOnly {
		query += " AND sync_status = ? AND notion_page_id IS NOT NULL"
		args = append(args, StatusSynced)
	}
	query += " ORDER BY date_received DESC, internal_id DESC"
	return s.queryMessages(query, args...)
}

// ListDeadLetters returns terminal failures, most recent first.
func (s *Store) ListDeadLetters(limit int) ([]Message, error) {
	return s.queryMessages(`
		SELECT `+messageColumns+` FROM email_messages
		WHERE sync_status = ?
		ORDER BY updated_at DESC LIMIT ?`,
		StatusDeadLetter, limit)
}

// RetryDeadLetter requeues one dead-lettered message as pending with a
// fresh retry budget.
func (s *Store) RetryDeadLetter(internalID int64) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`
		UPDATE email_messages
		SET sync_status = ?, retry_count = 0, next_retry_at = NULL,
			sync_error = NULL, updated_at = ?
		WHERE internal_id = ? AND sync_status = ?`,
		StatusPending, now, internalID, StatusDeadLetter,
	)
	if err != nil {
		return fmt.Errorf("retry dead letter %d: %w", internalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("retry dead letter %d: %w", internalID, ErrNotFound)
	}
	return nil
}

const messageColumns = `internal_id, message_id, subject, sender, sender_name,
	to_addr, cc_addr, date_sent, date_received, mailbox, is_read, is_flagged,
	thread_id, notion_page_id, sync_status, retry_count, next_retry_at,
	sync_error, created_at, synced_at, updated_at`

func (s *Store) queryOne(query string, args ...any) (*Message, error) {
	msgs, err := s.queryMessages(query, args...)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return &msgs[0], nil
}

func (s *Store) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}

func scanMessage(rows *sql.Rows) (Message, error) {
	var m Message
	var messageID, subject, sender, senderName, toAddr, ccAddr sql.NullString
	var dateSent, dateReceived, mailbox, threadID, pageID sql.NullString
	var nextRetryAt, syncError, createdAt, syncedAt, updatedAt sql.NullString

	err := rows.Scan(
		&m.InternalID, &messageID, &subject, &sender, &senderName,
		&toAddr, &ccAddr, &dateSent, &dateReceived, &mailbox,
		&m.IsRead, &m.IsFlagged, &threadID, &pageID, &m.SyncStatus,
		&m.RetryCount, &nextRetryAt, &syncError, &createdAt, &syncedAt,
		&updatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}

	m.MessageID = messageID.String
	m.Subject = subject.String
	m.Sender = sender.String
	m.SenderName = senderName.String
	m.ToAddr = toAddr.String
	m.CCAddr = ccAddr.String
	m.Mailbox = mailbox.String
	m.ThreadID = threadID.String
	m.NotionPageID = pageID.String
	m.SyncError = syncError.String

	for _, f := range []struct {
		src sql.NullString
		dst *time.Time
	}{
		{dateSent, &m.DateSent},
		{dateReceived, &m.DateReceived},
		{nextRetryAt, &m.NextRetryAt},
		{createdAt, &m.CreatedAt},
		{syncedAt, &m.SyncedAt},
		{updatedAt, &m.UpdatedAt},
	} {
		t, err := parseStoredTime(f.src)
		if err != nil {
			return m, err
		}
		*f.dst = t
	}
	return m, nil
}

func requireRow(res sql.Result, internalID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", internalID, ErrNotFound)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// truncateError keeps stored error text bounded.
func truncateError(s string) string {
	const max = 1000
	if len(s) <= max {
		return s
	}
	return s[:max]
}
