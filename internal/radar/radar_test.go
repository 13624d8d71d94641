package radar

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// newEnvelopeIndex fabricates a minimal Envelope Index with the tables the
// radar consumes.
func newEnvelopeIndex(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Envelope Index")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("create index: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		`CREATE TABLE mailboxes (ROWID INTEGER PRIMARY KEY, url TEXT)`,
		`CREATE TABLE subjects (ROWID INTEGER PRIMARY KEY, subject TEXT)`,
		`CREATE TABLE addresses (ROWID INTEGER PRIMARY KEY, address TEXT, comment TEXT)`,
		`CREATE TABLE messages (
			ROWID INTEGER PRIMARY KEY, message_id INTEGER,
			subject INTEGER, sender INTEGER, date_received INTEGER,
			mailbox INTEGER, read INTEGER DEFAULT 0,
			flagged INTEGER DEFAULT 0, deleted INTEGER DEFAULT 0)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	return path, db
}

func seedMessage(t *testing.T, db *sql.DB, rowid, mailbox int64, subject string, received time.Time, deleted bool) {
	t.Helper()
	res, err := db.Exec("INSERT INTO subjects (subject) VALUES (?)", subject)
	if err != nil {
		t.Fatalf("insert subject: %v", err)
	}
	subjID, _ := res.LastInsertId()
	res, err = db.Exec("INSERT INTO addresses (address) VALUES (?)", "someone@example.com")
	if err != nil {
		t.Fatalf("insert address: %v", err)
	}
	addrID, _ := res.LastInsertId()
	_, err = db.Exec(`
		INSERT INTO messages (ROWID, subject, sender, date_received, mailbox, deleted)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rowid, subjID, addrID, received.Unix(), mailbox, deleted)
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}
}

func TestCheckForChanges_DetectsRowIDMovement(t *testing.T) {
	path, db := newEnvelopeIndex(t)
	if _, err := db.Exec("INSERT INTO mailboxes (ROWID, url) VALUES (1, 'imap://u@host/INBOX.mbox')"); err != nil {
		t.Fatalf("insert mailbox: %v", err)
	}
	seedMessage(t, db, 100, 1, "first", time.Now(), false)

	r := New(path, []string{"INBOX"})
	ctx := context.Background()

	if !r.IsAvailable(ctx) {
		t.Fatal("radar should be available")
	}

	hasNew, current, estimated := r.CheckForChanges(ctx, 0)
	if !hasNew || current != 100 || estimated != 100 {
		t.Fatalf("first check: hasNew=%v current=%d estimated=%d", hasNew, current, estimated)
	}

	// No movement: quiet.
	hasNew, current, _ = r.CheckForChanges(ctx, 100)
	if hasNew || current != 100 {
		t.Fatalf("steady state: hasNew=%v current=%d", hasNew, current)
	}

	seedMessage(t, db, 101, 1, "second", time.Now(), false)
	hasNew, current, estimated = r.CheckForChanges(ctx, 100)
	if !hasNew || current != 101 || estimated != 1 {
		t.Fatalf("after new mail: hasNew=%v current=%d estimated=%d", hasNew, current, estimated)
	}
}

func TestGetNewEmails_FiltersAndOrders(t *testing.T) {
	path, db := newEnvelopeIndex(t)
	// URL-encoded 收件箱 mailbox plus an unwatched Junk mailbox.
	if _, err := db.Exec(`INSERT INTO mailboxes (ROWID, url) VALUES
		(1, 'imap://u@host/%E6%94%B6%E4%BB%B6%E7%AE%B1'),
		(2, 'imap://u@host/Junk')`); err != nil {
		t.Fatalf("insert mailboxes: %v", err)
	}

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	seedMessage(t, db, 10, 1, "old", base, false)
	seedMessage(t, db, 11, 1, "watched-a", base.Add(time.Minute), false)
	seedMessage(t, db, 12, 2, "junk", base.Add(2*time.Minute), false)
	seedMessage(t, db, 13, 1, "deleted", base.Add(3*time.Minute), true)
	seedMessage(t, db, 14, 1, "watched-b", base.Add(4*time.Minute), false)

	r := New(path, []string{"收件箱"})
	metas := r.GetNewEmails(context.Background(), 10)

	if len(metas) != 2 {
		t.Fatalf("got %d rows, want 2: %+v", len(metas), metas)
	}
	if metas[0].InternalID != 11 || metas[1].InternalID != 14 {
		t.Errorf("order = [%d %d], want [11 14]", metas[0].InternalID, metas[1].InternalID)
	}
	if metas[0].Subject != "watched-a" {
		t.Errorf("subject = %q", metas[0].Subject)
	}
	if metas[0].Mailbox != "收件箱" {
		t.Errorf("mailbox = %q, want 收件箱", metas[0].Mailbox)
	}
	if !metas[0].DateReceived.Equal(base.Add(time.Minute)) {
		t.Errorf("date = %v", metas[0].DateReceived)
	}
	if metas[0].MessageID != "" {
		t.Errorf("message id should be empty until the arm fills it in")
	}
}

func TestRadar_MissingDatabaseDegrades(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "does-not-exist"), []string{"INBOX"})
	ctx := context.Background()

	// Missing file: sql.Open defers the failure to first use.
	if r.CurrentMaxRowID(ctx) != 0 {
		t.Error("missing index should report max rowid 0")
	}
	if metas := r.GetNewEmails(ctx, 0); len(metas) != 0 {
		t.Errorf("missing index returned rows: %v", metas)
	}
	if r.IsAvailable(ctx) {
		t.Error("missing index should be unavailable")
	}

	hasNew, current, _ := r.CheckForChanges(ctx, 5)
	if hasNew || current != 0 {
		t.Errorf("missing index: hasNew=%v current=%d", hasNew, current)
	}
}

func TestEmailCountByMailbox(t *testing.T) {
	path, db := newEnvelopeIndex(t)
	if _, err := db.Exec("INSERT INTO mailboxes (ROWID, url) VALUES (1, 'imap://u@host/INBOX.mbox')"); err != nil {
		t.Fatalf("insert mailbox: %v", err)
	}
	seedMessage(t, db, 1, 1, "a", time.Now(), false)
	seedMessage(t, db, 2, 1, "b", time.Now(), false)
	seedMessage(t, db, 3, 1, "c", time.Now(), true)

	r := New(path, []string{"INBOX"})
	counts := r.EmailCountByMailbox(context.Background())
	if counts["INBOX"] != 2 {
		t.Errorf("INBOX count = %d, want 2", counts["INBOX"])
	}
}

func TestValidPattern(t *testing.T) {
	cases := []struct {
		pattern string
		want    bool
	}{
		{"INBOX", true},
		{"E6%94%B6%E4%BB%B6%E7%AE%B1", true},
		{"Sent-Items_2", true},
		{"", false},
		{"x' OR '1'='1", false},
		{"收件箱", false}, // raw CJK never reaches SQL; only encoded forms do
	}
	for _, c := range cases {
		if got := validPattern(c.pattern); got != c.want {
			t.Errorf("validPattern(%q) = %v, want %v", c.pattern, got, c.want)
		}
	}
}
