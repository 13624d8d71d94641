package sync

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/ChenyqThu/MailAgent/internal/arm"
	"github.com/ChenyqThu/MailAgent/internal/notion"
	"github.com/ChenyqThu/MailAgent/internal/store"
	"github.com/ChenyqThu/MailAgent/internal/testutil"
)

func TestTickSyncsPendingMessage(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedPending(t, 1, plainEmail(1, "msg-1@example.com", "quarterly numbers"))

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	if len(env.remote.creates) != 1 {
		t.Fatalf("creates = %d, want 1", len(env.remote.creates))
	}
	props := env.remote.creates[0].props
	if got := propString(t, props, propSubject); got != "quarterly numbers" {
		t.Errorf("subject = %q", got)
	}
	if got := propString(t, props, propMessageID); got != "msg-1@example.com" {
		t.Errorf("message id = %q", got)
	}
	if got := propString(t, props, propThreadID); got != "msg-1@example.com" {
		t.Errorf("thread id = %q", got)
	}

	m, err := env.st.Get(1)
	testutil.MustNoErr(t, err, "get")
	if m.SyncStatus != store.StatusSynced || m.NotionPageID != "page-1" {
		t.Errorf("row = %q/%q, want synced/page-1", m.SyncStatus, m.NotionPageID)
	}
	if m.Sender != "ada@example.com" || m.SenderName != "Ada Lovelace" {
		t.Errorf("sender = %q/%q", m.Sender, m.SenderName)
	}

	// The raw MIME archive is always uploaded alongside the page.
	if len(env.uploader.uploads) != 1 || env.uploader.uploads[0] != "message-1.eml" {
		t.Errorf("uploads = %v, want [message-1.eml]", env.uploader.uploads)
	}
	if _, ok := props[propOriginalEML]; !ok {
		t.Error("Original EML property missing")
	}
}

func TestTickIngestsFromRadar(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.radar.hasNew = true
	env.radar.currentMax = 7
	env.radar.metas = []store.MessageMeta{
		{InternalID: 5, Subject: "a", DateReceived: testNow, Mailbox: "INBOX"},
		{InternalID: 6, Subject: "b", DateReceived: testNow, Mailbox: "INBOX"},
	}
	env.arm.emails[5] = plainEmail(5, "a@example.com", "a")
	env.arm.emails[6] = plainEmail(6, "b@example.com", "b")

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	watermark, err := env.st.GetLastMaxRowID()
	testutil.MustNoErr(t, err, "watermark")
	if watermark != 7 {
		t.Errorf("watermark = %d, want 7", watermark)
	}
	for _, id := range []int64{5, 6} {
		m, err := env.st.Get(id)
		testutil.MustNoErr(t, err, "get")
		if m.SyncStatus != store.StatusSynced {
			t.Errorf("message %d status = %q, want synced", id, m.SyncStatus)
		}
	}
}

func TestFetchNotFoundDropsRow(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedPending(t, 1, plainEmail(1, "gone@example.com", "gone"))
	delete(env.arm.emails, 1) // fake arm reports not found

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	if _, err := env.st.Get(1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("get after drop: %v, want ErrNotFound", err)
	}
	if len(env.remote.creates) != 0 {
		t.Errorf("creates = %d, want 0", len(env.remote.creates))
	}
}

func TestFetchFailureSchedulesRetry(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedPending(t, 1, plainEmail(1, "x@example.com", "x"))
	env.arm.fetchErr[1] = errors.New("osascript: timeout")

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	m, err := env.st.Get(1)
	testutil.MustNoErr(t, err, "get")
	if m.SyncStatus != store.StatusFetchFailed || m.RetryCount != 1 {
		t.Errorf("row = %q retry=%d, want fetch_failed/1", m.SyncStatus, m.RetryCount)
	}
	if m.NextRetryAt.IsZero() {
		t.Error("next retry not scheduled")
	}
}

func TestStartDateCutoffSkips(t *testing.T) {
	env := newTestEnv(t, Options{StartDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)})
	env.seedPending(t, 1, plainEmail(1, "old@example.com", "old news"))

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	m, err := env.st.Get(1)
	testutil.MustNoErr(t, err, "get")
	if m.SyncStatus != store.StatusSkipped {
		t.Errorf("status = %q, want skipped", m.SyncStatus)
	}
	// Skipped rows keep the extracted metadata for thread lookups.
	if m.ThreadID != "old@example.com" {
		t.Errorf("thread id = %q", m.ThreadID)
	}
	if len(env.remote.creates) != 0 {
		t.Errorf("creates = %d, want 0", len(env.remote.creates))
	}
}

func TestDuplicateGuardAdoptsExistingPage(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedPending(t, 1, plainEmail(1, "dup@example.com", "dup"))
	env.remote.find["dup@example.com"] = &notion.Page{ID: "page-existing"}

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	if len(env.remote.creates) != 0 {
		t.Fatalf("creates = %d, want 0", len(env.remote.creates))
	}
	m, err := env.st.Get(1)
	testutil.MustNoErr(t, err, "get")
	if m.SyncStatus != store.StatusSynced || m.NotionPageID != "page-existing" {
		t.Errorf("row = %q/%q, want synced/page-existing", m.SyncStatus, m.NotionPageID)
	}
}

func TestDuplicateGuardQueryFailureRetries(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedPending(t, 1, plainEmail(1, "q@example.com", "q"))
	env.remote.findErr = errors.New("502 from remote")

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	// A failed lookup is not absence; no page may be created.
	if len(env.remote.creates) != 0 {
		t.Fatalf("creates = %d, want 0", len(env.remote.creates))
	}
	m, err := env.st.Get(1)
	testutil.MustNoErr(t, err, "get")
	if m.SyncStatus != store.StatusFailed || m.RetryCount != 1 {
		t.Errorf("row = %q retry=%d, want failed/1", m.SyncStatus, m.RetryCount)
	}
}

func TestCreateFailureRecordsPartialPage(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedPending(t, 1, plainEmail(1, "p@example.com", "p"))
	env.remote.createErr = errors.New("append blocks: 500")
	env.remote.partial = &notion.Page{ID: "page-partial"}

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	m, err := env.st.Get(1)
	testutil.MustNoErr(t, err, "get")
	if m.SyncStatus != store.StatusFailed {
		t.Errorf("status = %q, want failed", m.SyncStatus)
	}
	// The page id is recorded so the retry adopts instead of duplicating.
	if m.NotionPageID != "page-partial" {
		t.Errorf("page id = %q, want page-partial", m.NotionPageID)
	}
}

func TestEmptySourceRebuildsFallback(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedPending(t, 1, &arm.Email{
		InternalID:   1,
		MessageID:    "plain@example.com",
		Subject:      "no raw source",
		Sender:       "ada@example.com",
		DateReceived: time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
		Content:      "Body recovered from AppleScript.",
	})

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	if len(env.remote.creates) != 1 {
		t.Fatalf("creates = %d, want 1", len(env.remote.creates))
	}
	props := env.remote.creates[0].props
	if got := propString(t, props, propMessageID); got != "plain@example.com" {
		t.Errorf("message id = %q", got)
	}
	m, err := env.st.Get(1)
	testutil.MustNoErr(t, err, "get")
	if m.SyncStatus != store.StatusSynced {
		t.Errorf("status = %q, want synced", m.SyncStatus)
	}
}

func TestEmlUploadFailureDegradesPage(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedPending(t, 1, plainEmail(1, "eml@example.com", "eml"))
	env.uploader.errs["message-1.eml"] = errors.New("upload refused")

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	if len(env.remote.creates) != 1 {
		t.Fatalf("creates = %d, want 1", len(env.remote.creates))
	}
	if _, ok := env.remote.creates[0].props[propOriginalEML]; ok {
		t.Error("Original EML property set despite failed upload")
	}
	m, err := env.st.Get(1)
	testutil.MustNoErr(t, err, "get")
	if m.SyncStatus != store.StatusSynced {
		t.Errorf("status = %q, want synced", m.SyncStatus)
	}
}

func TestAttachmentsUploadedAndListed(t *testing.T) {
	b64 := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 test"))
	source := "From: ada@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: report attached\r\n" +
		"Date: Mon, 02 Feb 2026 10:00:00 +0000\r\n" +
		"Message-ID: <att@example.com>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
		"\r\n" +
		"--outer\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"See attachment.\r\n" +
		"--outer\r\n" +
		"Content-Type: application/pdf; name=\"report.pdf\"\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		b64 + "\r\n" +
		"--outer--\r\n"

	env := newTestEnv(t, Options{})
	env.seedPending(t, 1, &arm.Email{
		InternalID:   1,
		MessageID:    "att@example.com",
		Subject:      "report attached",
		Sender:       "ada@example.com",
		DateReceived: time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
		Source:       source,
	})

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	if len(env.uploader.uploads) != 2 {
		t.Fatalf("uploads = %v, want attachment and eml", env.uploader.uploads)
	}
	props := env.remote.creates[0].props
	if !checkboxValue(t, props, propHasAttachments) {
		t.Error("Has Attachments = false")
	}

	children := env.remote.creates[0].children
	var haveFile, haveDivider bool
	for _, b := range children {
		switch b["type"] {
		case "file":
			haveFile = true
		case "divider":
			haveDivider = true
		}
	}
	if !haveFile || !haveDivider {
		t.Errorf("children missing file/divider: %v %v", haveFile, haveDivider)
	}
}

func TestMeetingInviteCreatesCalendarLink(t *testing.T) {
	ics := "BEGIN:VCALENDAR\r\n" +
		"METHOD:REQUEST\r\n" +
		"BEGIN:VEVENT\r\n" +
		"UID:evt-1\r\n" +
		"SUMMARY:Planning\r\n" +
		"DTSTART:20260215T100000Z\r\n" +
		"DTEND:20260215T110000Z\r\n" +
		"END:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	source := "From: ada@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: Planning\r\n" +
		"Date: Mon, 02 Feb 2026 10:00:00 +0000\r\n" +
		"Message-ID: <invite@example.com>\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=\"alt\"\r\n" +
		"\r\n" +
		"--alt\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"You are invited.\r\n" +
		"--alt\r\n" +
		"Content-Type: text/calendar; method=REQUEST; charset=utf-8\r\n" +
		"\r\n" +
		ics +
		"--alt--\r\n"

	env := newTestEnv(t, Options{})
	meetings := env.useMeetings("cal-1")
	env.seedPending(t, 1, &arm.Email{
		InternalID:   1,
		MessageID:    "invite@example.com",
		Subject:      "Planning",
		Sender:       "ada@example.com",
		DateReceived: time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
		Source:       source,
	})

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	if len(meetings.upserts) != 1 || meetings.upserts[0].UID != "evt-1" {
		t.Fatalf("upserts = %+v, want one for evt-1", meetings.upserts)
	}
	props := env.remote.creates[0].props
	if got := relationIDs(t, props, propCalendarEvents); len(got) != 1 || got[0] != "cal-1" {
		t.Errorf("Calendar Events = %v, want [cal-1]", got)
	}
	if len(meetings.links) != 1 || meetings.links[0] != [2]string{"cal-1", "page-1"} {
		t.Errorf("links = %v, want [[cal-1 page-1]]", meetings.links)
	}
	// The page body leads with the meeting callout.
	if typ := env.remote.creates[0].children[0]["type"]; typ != "quote" {
		t.Errorf("first child = %v, want quote", typ)
	}
}

func TestReindexedMessageAdoptsExistingPage(t *testing.T) {
	env := newTestEnv(t, Options{})

	// Row 1 synced the message under its old ROWID.
	_, err := env.st.Insert(store.MessageMeta{InternalID: 1, DateReceived: testNow, Mailbox: "INBOX"})
	testutil.MustNoErr(t, err, "insert old row")
	testutil.MustNoErr(t, env.st.UpdateAfterFetch(1, store.FetchedFields{MessageID: "dup@example.com"}), "claim id")
	testutil.MustNoErr(t, env.st.MarkSynced(1, "page-old"), "mark synced")

	// Mail re-indexed the same message as ROWID 2.
	env.seedPending(t, 2, plainEmail(2, "dup@example.com", "re-indexed"))
	env.remote.find["dup@example.com"] = &notion.Page{ID: "page-old"}

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	if _, err := env.st.Get(1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stale row lookup = %v, want ErrNotFound", err)
	}
	m, err := env.st.Get(2)
	testutil.MustNoErr(t, err, "get new row")
	if m.SyncStatus != store.StatusSynced || m.NotionPageID != "page-old" {
		t.Errorf("row = %q/%q, want synced/page-old", m.SyncStatus, m.NotionPageID)
	}
	if len(env.remote.creates) != 0 {
		t.Errorf("creates = %d, want 0 (existing page adopted)", len(env.remote.creates))
	}
}

func TestMissingMessageIDGetsGeneratedID(t *testing.T) {
	env := newTestEnv(t, Options{})
	src := "From: Ada Lovelace <ada@example.com>\r\n" +
		"Subject: no id\r\n" +
		"Date: Mon, 02 Feb 2026 10:00:00 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"A notification without a Message-ID header.\r\n"
	env.seedPending(t, 7, &arm.Email{
		InternalID:   7,
		Subject:      "no id",
		Sender:       "ada@example.com",
		DateReceived: time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
		Source:       src,
	})

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	const genID = "<generated-7@mailagent.local>"
	m, err := env.st.Get(7)
	testutil.MustNoErr(t, err, "get")
	if m.SyncStatus != store.StatusSynced || m.MessageID != genID {
		t.Fatalf("row = %q/%q, want synced/%s", m.SyncStatus, m.MessageID, genID)
	}
	if got := propString(t, env.remote.creates[0].props, propMessageID); got != genID {
		t.Errorf("Message ID property = %q, want %q", got, genID)
	}

	// A later retry must find the page through the generated id instead of
	// creating a duplicate.
	env.remote.find[genID] = &notion.Page{ID: "page-1"}
	testutil.MustNoErr(t, env.st.MarkFailed(7, "tail failed", testNow.Add(-time.Hour)), "mark failed")
	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "retry tick")

	if len(env.remote.creates) != 1 {
		t.Errorf("creates = %d, want 1 (retry must adopt)", len(env.remote.creates))
	}
	m, err = env.st.Get(7)
	testutil.MustNoErr(t, err, "get after retry")
	if m.SyncStatus != store.StatusSynced || m.NotionPageID != "page-1" {
		t.Errorf("row = %q/%q, want synced/page-1", m.SyncStatus, m.NotionPageID)
	}
}

func TestRetryQueueProcessedOnTick(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.seedPending(t, 1, plainEmail(1, "retry@example.com", "retry me"))
	testutil.MustNoErr(t, env.st.MarkFailed(1, "remote 500", testNow.Add(-time.Hour)), "mark failed")

	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	m, err := env.st.Get(1)
	testutil.MustNoErr(t, err, "get")
	if m.SyncStatus != store.StatusSynced {
		t.Errorf("status = %q, want synced after retry", m.SyncStatus)
	}
}

func TestTickRadarUnavailableStillProcessesQueues(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.radar.available = false
	env.seedPending(t, 1, plainEmail(1, "pending@example.com", "fresh"))
	env.seedPending(t, 2, plainEmail(2, "retry@example.com", "stuck"))
	testutil.MustNoErr(t, env.st.MarkFailed(2, "remote 500", testNow.Add(-time.Hour)), "mark failed")

	// An unreachable index pauses ingest only; queued work keeps moving.
	testutil.MustNoErr(t, env.rec.Tick(context.Background()), "tick")

	for _, id := range []int64{1, 2} {
		m, err := env.st.Get(id)
		testutil.MustNoErr(t, err, "get")
		if m.SyncStatus != store.StatusSynced {
			t.Errorf("message %d status = %q, want synced with index gone", id, m.SyncStatus)
		}
	}
}

func TestRunStopsWhenUnhealthy(t *testing.T) {
	env := newTestEnv(t, Options{
		PollInterval:         time.Millisecond,
		ReverseInterval:      time.Millisecond,
		MaxConsecutiveErrors: 1,
	})
	// A broken store fails every tick and the health probe confirms it.
	env.st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := env.rec.Run(ctx); !errors.Is(err, ErrUnhealthy) {
		t.Errorf("Run = %v, want ErrUnhealthy", err)
	}
}

func TestRunSurvivesRemoteFailuresWhenProbesPass(t *testing.T) {
	env := newTestEnv(t, Options{
		PollInterval:         time.Millisecond,
		ReverseInterval:      time.Millisecond,
		MaxConsecutiveErrors: 1,
	})
	// Ticks fail persistently but both probes pass, so the loop keeps going
	// until the context expires.
	env.radar.checkErr = errors.New("transient read error")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := env.rec.Run(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want nil or deadline", err)
	}
}
