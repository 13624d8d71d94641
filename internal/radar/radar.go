// Package radar detects new mail by polling Mail.app's Envelope Index.
//
// The index is Mail.app's own SQLite file; it is opened read-only, per
// call, and never held across suspension points. The radar reports row id
// movement and enumerates new rows; it has no state of its own beyond the
// resolved file path.
package radar

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ChenyqThu/MailAgent/internal/store"
)

// Radar polls the Envelope Index for new messages.
type Radar struct {
	dbPath    string
	mailboxes []string
	logger    *slog.Logger
}

// New resolves the Envelope Index and returns a radar for the given
// mailbox names. An empty explicitPath triggers discovery under
// ~/Library/Mail. A radar with no database is still valid; it reports
// unavailable and returns empty results.
func New(explicitPath string, mailboxes []string) *Radar {
	path := explicitPath
	if path == "" {
		path = discoverEnvelopeIndex()
	}
	if len(mailboxes) == 0 {
		mailboxes = []string{"INBOX"}
	}
	return &Radar{
		dbPath:    path,
		mailboxes: mailboxes,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger and returns the radar for chaining.
func (r *Radar) WithLogger(logger *slog.Logger) *Radar {
	r.logger = logger
	return r
}

// DBPath returns the resolved Envelope Index path, empty if not found.
func (r *Radar) DBPath() string {
	return r.dbPath
}

// discoverEnvelopeIndex finds the highest-version V* Mail data directory.
func discoverEnvelopeIndex() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	matches, err := filepath.Glob(filepath.Join(home, "Library", "Mail", "V*"))
	if err != nil || len(matches) == 0 {
		return ""
	}
	sort.Slice(matches, func(i, j int) bool {
		return versionNum(matches[i]) > versionNum(matches[j])
	})
	path := filepath.Join(matches[0], "MailData", "Envelope Index")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func versionNum(dir string) int {
	name := filepath.Base(dir)
	n, err := strconv.Atoi(strings.TrimPrefix(name, "V"))
	if err != nil {
		return 0
	}
	return n
}

// open returns a short-lived read-only connection.
func (r *Radar) open() (*sql.DB, error) {
	if r.dbPath == "" {
		return nil, fmt.Errorf("envelope index not found")
	}
	dsn := "file:" + r.dbPath + "?mode=ro&_busy_timeout=10000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open envelope index: %w", err)
	}
	return db, nil
}

// IsAvailable reports whether the index file exists and answers a query.
func (r *Radar) IsAvailable(ctx context.Context) bool {
	db, err := r.open()
	if err != nil {
		return false
	}
	defer db.Close()
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		r.logger.Error("envelope index probe failed", "error", err)
		return false
	}
	return true
}

// mailboxFilter builds the WHERE fragment restricting to the configured
// mailboxes. Patterns come from the compiled-in table only.
func (r *Radar) mailboxFilter() string {
	var conditions []string
	for _, mailbox := range r.mailboxes {
		for _, pattern := range PatternsFor(mailbox) {
			if !validPattern(pattern) {
				r.logger.Warn("skipping invalid mailbox pattern", "pattern", pattern)
				continue
			}
			conditions = append(conditions, "mb.url LIKE '%"+pattern+"%'")
		}
	}
	if len(conditions) == 0 {
		return "1=1"
	}
	return "(" + strings.Join(conditions, " OR ") + ")"
}

// CurrentMaxRowID returns the highest ROWID among non-deleted messages in
// the watched mailboxes. Zero when empty or unreachable.
func (r *Radar) CurrentMaxRowID(ctx context.Context) int64 {
	db, err := r.open()
	if err != nil {
		r.logger.Error("radar unavailable", "error", err)
		return 0
	}
	defer db.Close()

	query := `
		SELECT MAX(m.ROWID)
		FROM messages m
		LEFT JOIN mailboxes mb ON m.mailbox = mb.ROWID
		WHERE m.deleted = 0 AND ` + r.mailboxFilter()

	var max sql.NullInt64
	if err := db.QueryRowContext(ctx, query).Scan(&max); err != nil {
		r.logger.Error("max rowid query failed", "error", err)
		return 0
	}
	return max.Int64
}

// CheckForChanges compares the current max ROWID to the caller's watermark.
// The caller owns the watermark; the radar keeps no state across calls.
func (r *Radar) CheckForChanges(ctx context.Context, lastMaxRowID int64) (hasNew bool, currentMax int64, estimated int64) {
	currentMax = r.CurrentMaxRowID(ctx)
	if currentMax > lastMaxRowID {
		estimated = currentMax - lastMaxRowID
		r.logger.Info("detected mail changes",
			"last_max_row_id", lastMaxRowID,
			"current_max_row_id", currentMax,
			"estimated_new", estimated,
		)
		return true, currentMax, estimated
	}
	return false, currentMax, 0
}

// GetNewEmails enumerates non-deleted rows with ROWID above sinceRowID in
// the watched mailboxes, oldest first. Message-IDs are not available in the
// index; the arm fills them in later. Errors are logged and yield an empty
// slice, per the degrade-gracefully contract.
func (r *Radar) GetNewEmails(ctx context.Context, sinceRowID int64) []store.MessageMeta {
	db, err := r.open()
	if err != nil {
		r.logger.Error("radar unavailable", "error", err)
		return nil
	}
	defer db.Close()

	query := `
		SELECT m.ROWID, COALESCE(s.subject, ''), COALESCE(a.address, ''),
			COALESCE(m.date_received, 0), COALESCE(mb.url, ''),
			COALESCE(m.read, 0), COALESCE(m.flagged, 0)
		FROM messages m
		LEFT JOIN mailboxes mb ON m.mailbox = mb.ROWID
		LEFT JOIN subjects s ON m.subject = s.ROWID
		LEFT JOIN addresses a ON m.sender = a.ROWID
		WHERE m.deleted = 0 AND m.ROWID > ? AND ` + r.mailboxFilter() + `
		ORDER BY m.ROWID ASC`

	rows, err := db.QueryContext(ctx, query, sinceRowID)
	if err != nil {
		r.logger.Error("new emails query failed", "error", err)
		return nil
	}
	defer rows.Close()

	var metas []store.MessageMeta
	for rows.Next() {
		var meta store.MessageMeta
		var epoch int64
		var mbURL string
		var read, flagged int
		if err := rows.Scan(&meta.InternalID, &meta.Subject, &meta.Sender,
			&epoch, &mbURL, &read, &flagged); err != nil {
			r.logger.Error("scan new email row failed", "error", err)
			return nil
		}
		if epoch > 0 {
			meta.DateReceived = time.Unix(epoch, 0).UTC()
		}
		meta.Mailbox = r.mailboxNameFor(mbURL)
		meta.IsRead = read != 0
		meta.IsFlagged = flagged != 0
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("new emails iteration failed", "error", err)
		return nil
	}
	return metas
}

// EmailCountByMailbox counts non-deleted rows per watched mailbox.
// Diagnostic only.
func (r *Radar) EmailCountByMailbox(ctx context.Context) map[string]int64 {
	db, err := r.open()
	if err != nil {
		r.logger.Error("radar unavailable", "error", err)
		return nil
	}
	defer db.Close()

	result := make(map[string]int64, len(r.mailboxes))
	for _, mailbox := range r.mailboxes {
		var conditions []string
		for _, pattern := range PatternsFor(mailbox) {
			if validPattern(pattern) {
				conditions = append(conditions, "mb.url LIKE '%"+pattern+"%'")
			}
		}
		if len(conditions) == 0 {
			continue
		}
		query := `
			SELECT COUNT(*)
			FROM messages m
			LEFT JOIN mailboxes mb ON m.mailbox = mb.ROWID
			WHERE m.deleted = 0 AND (` + strings.Join(conditions, " OR ") + ")"

		var count int64
		if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
			r.logger.Error("mailbox count failed", "mailbox", mailbox, "error", err)
			continue
		}
		result[mailbox] = count
	}
	return result
}

// mailboxNameFor maps an Envelope Index mailbox URL back to the configured
// name whose pattern matched it. Falls back to the URL's last path segment.
func (r *Radar) mailboxNameFor(mbURL string) string {
	for _, mailbox := range r.mailboxes {
		for _, pattern := range PatternsFor(mailbox) {
			// Patterns are literal URL fragments; the %xx sequences in
			// them appear verbatim in the mailbox URL.
			if strings.Contains(mbURL, pattern) {
				return mailbox
			}
		}
	}
	if i := strings.LastIndex(mbURL, "/"); i >= 0 && i+1 < len(mbURL) {
		if seg, err := url.PathUnescape(mbURL[i+1:]); err == nil {
			return seg
		}
		return mbURL[i+1:]
	}
	return mbURL
}
