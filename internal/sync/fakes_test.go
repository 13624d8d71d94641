package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ChenyqThu/MailAgent/internal/arm"
	"github.com/ChenyqThu/MailAgent/internal/ical"
	"github.com/ChenyqThu/MailAgent/internal/notion"
	"github.com/ChenyqThu/MailAgent/internal/store"
	"github.com/ChenyqThu/MailAgent/internal/testutil"
)

var testNow = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRadar struct {
	available  bool
	hasNew     bool
	currentMax int64
	estimated  int
	metas      []store.MessageMeta
	checkErr   error
}

func (f *fakeRadar) CheckForChanges(ctx context.Context, lastMaxRowID int64) (bool, int64, int, error) {
	if f.checkErr != nil {
		return false, 0, 0, f.checkErr
	}
	return f.hasNew, f.currentMax, f.estimated, nil
}

func (f *fakeRadar) GetNewEmails(ctx context.Context, sinceRowID int64) ([]store.MessageMeta, error) {
	return f.metas, nil
}

func (f *fakeRadar) IsAvailable() bool { return f.available }

type armCall struct {
	op        string
	messageID string
	mailbox   string
	value     bool
}

type fakeArm struct {
	emails      map[int64]*arm.Email
	fetchErr    map[int64]error
	markReadErr error
	setFlagErr  error
	calls       []armCall
}

func (f *fakeArm) FetchByID(ctx context.Context, internalID int64, mailbox string) (*arm.Email, error) {
	if err := f.fetchErr[internalID]; err != nil {
		return nil, err
	}
	if e, ok := f.emails[internalID]; ok {
		return e, nil
	}
	return nil, &arm.NotFoundError{InternalID: internalID}
}

func (f *fakeArm) MarkRead(ctx context.Context, messageID string, read bool, mailbox string) error {
	if f.markReadErr != nil {
		return f.markReadErr
	}
	f.calls = append(f.calls, armCall{op: "mark_read", messageID: messageID, mailbox: mailbox, value: read})
	return nil
}

func (f *fakeArm) SetFlag(ctx context.Context, messageID string, flagged bool, mailbox string) error {
	if f.setFlagErr != nil {
		return f.setFlagErr
	}
	f.calls = append(f.calls, armCall{op: "set_flag", messageID: messageID, mailbox: mailbox, value: flagged})
	return nil
}

type fakeUploader struct {
	uploads []string
	errs    map[string]error
	nextID  int
}

func (f *fakeUploader) UploadFile(ctx context.Context, filename string, content []byte) (string, error) {
	if err := f.errs[filename]; err != nil {
		return "", err
	}
	f.nextID++
	f.uploads = append(f.uploads, filename)
	return fmt.Sprintf("upload-%d", f.nextID), nil
}

type pageCreate struct {
	databaseID string
	props      notion.Properties
	children   []notion.Block
}

type pageUpdate struct {
	pageID string
	props  notion.Properties
}

type fakeRemote struct {
	creates   []pageCreate
	createErr error
	partial   *notion.Page // returned alongside createErr

	find    map[string]*notion.Page // keyed by queried value
	findErr error

	queryPages []*notion.Page
	queryErr   error
	queryCalls int

	updates   []pageUpdate
	updateErr error
}

func (f *fakeRemote) CreatePage(ctx context.Context, databaseID string, props notion.Properties, children []notion.Block) (*notion.Page, error) {
	f.creates = append(f.creates, pageCreate{databaseID: databaseID, props: props, children: children})
	if f.createErr != nil {
		return f.partial, f.createErr
	}
	return &notion.Page{ID: fmt.Sprintf("page-%d", len(f.creates))}, nil
}

func (f *fakeRemote) UpdatePageProperties(ctx context.Context, pageID string, props notion.Properties) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, pageUpdate{pageID: pageID, props: props})
	return nil
}

func (f *fakeRemote) FindPageByText(ctx context.Context, databaseID, property, value string) (*notion.Page, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.find[value], nil
}

func (f *fakeRemote) QueryDatabaseAll(ctx context.Context, databaseID string, filter any) ([]*notion.Page, error) {
	f.queryCalls++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryPages, nil
}

type fakeMeetings struct {
	enabled   bool
	pageID    string
	upsertErr error
	upserts   []*ical.Invite
	links     [][2]string // calendar page id, email page id
}

func (f *fakeMeetings) Enabled() bool { return f.enabled }

func (f *fakeMeetings) Upsert(ctx context.Context, inv *ical.Invite) (string, string, error) {
	if f.upsertErr != nil {
		return "", "", f.upsertErr
	}
	f.upserts = append(f.upserts, inv)
	return f.pageID, "created", nil
}

func (f *fakeMeetings) LinkSourceEmail(ctx context.Context, calendarPageID, emailPageID string) error {
	f.links = append(f.links, [2]string{calendarPageID, emailPageID})
	return nil
}

// testEnv bundles a reconciler over a real store with fake collaborators.
type testEnv struct {
	st       *store.Store
	radar    *fakeRadar
	arm      *fakeArm
	remote   *fakeRemote
	uploader *fakeUploader
	meetings *fakeMeetings
	rec      *Reconciler
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	env := &testEnv{
		st:       testutil.NewTestStore(t),
		radar:    &fakeRadar{available: true},
		arm:      &fakeArm{emails: map[int64]*arm.Email{}, fetchErr: map[int64]error{}},
		remote:   &fakeRemote{find: map[string]*notion.Page{}},
		uploader: &fakeUploader{errs: map[string]error{}},
	}
	env.rec = NewReconciler(env.st, env.radar, env.arm, env.remote, env.uploader, nil, nil, "db-1", opts).
		WithLogger(discardLogger())
	env.rec.now = func() time.Time { return testNow }
	return env
}

func (e *testEnv) useMeetings(pageID string) *fakeMeetings {
	e.meetings = &fakeMeetings{enabled: true, pageID: pageID}
	e.rec.meetings = e.meetings
	return e.meetings
}

// seedPending inserts a pending row and registers the extracted email.
func (e *testEnv) seedPending(t *testing.T, internalID int64, email *arm.Email) {
	t.Helper()
	_, err := e.st.Insert(store.MessageMeta{
		InternalID:   internalID,
		Subject:      email.Subject,
		Sender:       email.Sender,
		DateReceived: email.DateReceived,
		Mailbox:      "INBOX",
	})
	testutil.MustNoErr(t, err, "seed pending")
	e.arm.emails[internalID] = email
}

func rawSource(messageID, subject, body string) string {
	return "From: Ada Lovelace <ada@example.com>\r\n" +
		"To: Bob <bob@example.com>\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Feb 2026 10:00:00 +0000\r\n" +
		"Message-ID: <" + messageID + ">\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		body + "\r\n"
}

func plainEmail(internalID int64, messageID, subject string) *arm.Email {
	return &arm.Email{
		InternalID:   internalID,
		MessageID:    messageID,
		Subject:      subject,
		Sender:       "ada@example.com",
		DateReceived: time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
		Source:       rawSource(messageID, subject, "Hello from the test."),
	}
}

// remotePage builds a page carrying only a Date property, as the thread
// query returns them.
func remotePage(id string, date time.Time) *notion.Page {
	p := &notion.Page{ID: id, Properties: map[string]json.RawMessage{}}
	if !date.IsZero() {
		p.Properties[propDate] = json.RawMessage(
			fmt.Sprintf(`{"date":{"start":%q}}`, date.Format(time.RFC3339)))
	}
	return p
}

// reviewedPage builds a page as the reverse sync filter returns them.
func reviewedPage(id, messageID, action string) *notion.Page {
	p := &notion.Page{ID: id, Properties: map[string]json.RawMessage{}}
	if messageID != "" {
		p.Properties[propMessageID] = json.RawMessage(fmt.Sprintf(
			`{"rich_text":[{"type":"text","text":{"content":%q}}]}`, messageID))
	}
	if action != "" {
		p.Properties[propAIAction] = json.RawMessage(fmt.Sprintf(
			`{"select":{"name":%q}}`, action))
	}
	return p
}

func propString(t *testing.T, props notion.Properties, name string) string {
	t.Helper()
	m, ok := props[name].(map[string]any)
	if !ok {
		t.Fatalf("property %q missing or wrong shape: %#v", name, props[name])
	}
	for _, key := range []string{"title", "rich_text"} {
		if rts, ok := m[key].([]notion.RichText); ok {
			var s string
			for _, rt := range rts {
				s += rt.Text.Content
			}
			return s
		}
	}
	t.Fatalf("property %q has no text payload: %#v", name, m)
	return ""
}

func relationIDs(t *testing.T, props notion.Properties, name string) []string {
	t.Helper()
	m, ok := props[name].(map[string]any)
	if !ok {
		t.Fatalf("property %q missing or wrong shape: %#v", name, props[name])
	}
	rels, ok := m["relation"].([]map[string]string)
	if !ok {
		t.Fatalf("property %q is not a relation: %#v", name, m)
	}
	ids := make([]string, 0, len(rels))
	for _, r := range rels {
		ids = append(ids, r["id"])
	}
	return ids
}

func checkboxValue(t *testing.T, props notion.Properties, name string) bool {
	t.Helper()
	m, ok := props[name].(map[string]any)
	if !ok {
		t.Fatalf("property %q missing or wrong shape: %#v", name, props[name])
	}
	v, ok := m["checkbox"].(bool)
	if !ok {
		t.Fatalf("property %q is not a checkbox: %#v", name, m)
	}
	return v
}
