package sync

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ChenyqThu/MailAgent/internal/notion"
	"github.com/ChenyqThu/MailAgent/internal/store"
	"github.com/ChenyqThu/MailAgent/internal/testutil"
)

func threadMsg(threadID string, received time.Time) *store.Message {
	return &store.Message{InternalID: 1, ThreadID: threadID, DateReceived: received}
}

func TestReconcileThreadSoleMemberCachesAbsence(t *testing.T) {
	env := newTestEnv(t, Options{})
	msg := threadMsg("t-1", testNow)
	env.remote.queryPages = []*notion.Page{remotePage("page-self", testNow)}

	err := env.rec.reconcileThread(context.Background(), msg, "page-self")
	testutil.MustNoErr(t, err, "reconcile")

	if len(env.remote.updates) != 0 {
		t.Errorf("updates = %d, want 0", len(env.remote.updates))
	}
	cached, err := env.st.IsThreadHeadNotFound("t-1", time.Hour)
	testutil.MustNoErr(t, err, "cache read")
	if !cached {
		t.Error("sole membership not cached")
	}
}

func TestReconcileThreadCachedAbsenceSkipsQuery(t *testing.T) {
	env := newTestEnv(t, Options{})
	testutil.MustNoErr(t, env.st.MarkThreadHeadNotFound("t-1", "no synced siblings"), "seed cache")

	err := env.rec.reconcileThread(context.Background(), threadMsg("t-1", testNow), "page-self")
	testutil.MustNoErr(t, err, "reconcile")

	if env.remote.queryCalls != 0 {
		t.Errorf("query calls = %d, want 0", env.remote.queryCalls)
	}
}

func TestReconcileThreadNewestTakesOver(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.remote.queryPages = []*notion.Page{
		remotePage("page-b", testNow.Add(-2*time.Hour)),
		remotePage("page-a", testNow.Add(-time.Hour)),
	}

	err := env.rec.reconcileThread(context.Background(), threadMsg("t-1", testNow), "page-new")
	testutil.MustNoErr(t, err, "reconcile")

	if len(env.remote.updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(env.remote.updates))
	}
	// The parent relation is cleared before sub-items are written so the
	// remote never observes a cycle.
	first := env.remote.updates[0]
	if first.pageID != "page-new" {
		t.Errorf("first update on %q, want page-new", first.pageID)
	}
	if got := relationIDs(t, first.props, propParentItem); len(got) != 0 {
		t.Errorf("parent relation = %v, want empty", got)
	}
	second := env.remote.updates[1]
	if second.pageID != "page-new" {
		t.Errorf("second update on %q, want page-new", second.pageID)
	}
	want := []string{"page-a", "page-b"}
	if diff := cmp.Diff(want, relationIDs(t, second.props, propSubItem)); diff != "" {
		t.Errorf("sub-items mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileThreadEqualDateTakesOver(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.remote.queryPages = []*notion.Page{remotePage("page-a", testNow)}

	// Same timestamp as the remote head still promotes the new message.
	err := env.rec.reconcileThread(context.Background(), threadMsg("t-1", testNow), "page-new")
	testutil.MustNoErr(t, err, "reconcile")

	if len(env.remote.updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(env.remote.updates))
	}
	if env.remote.updates[1].pageID != "page-new" {
		t.Errorf("head = %q, want page-new", env.remote.updates[1].pageID)
	}
}

func TestReconcileThreadJoinsExistingHead(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.remote.queryPages = []*notion.Page{
		remotePage("page-head", testNow.Add(time.Hour)),
		remotePage("page-old", testNow.Add(-time.Hour)),
	}

	err := env.rec.reconcileThread(context.Background(), threadMsg("t-1", testNow), "page-new")
	testutil.MustNoErr(t, err, "reconcile")

	if len(env.remote.updates) != 1 {
		t.Fatalf("updates = %d, want 1", len(env.remote.updates))
	}
	u := env.remote.updates[0]
	if u.pageID != "page-head" {
		t.Errorf("update on %q, want page-head", u.pageID)
	}
	want := []string{"page-new", "page-old"}
	if diff := cmp.Diff(want, relationIDs(t, u.props, propSubItem)); diff != "" {
		t.Errorf("sub-items mismatch (-want +got):\n%s", diff)
	}
}

func TestReconcileThreadQueryFailurePropagates(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.remote.queryErr = context.DeadlineExceeded

	err := env.rec.reconcileThread(context.Background(), threadMsg("t-1", testNow), "page-self")
	if err == nil {
		t.Fatal("expected error")
	}
	cached, cerr := env.st.IsThreadHeadNotFound("t-1", time.Hour)
	testutil.MustNoErr(t, cerr, "cache read")
	if cached {
		t.Error("failed query must not poison the cache")
	}
}

func TestReconcileThreadEmptyThreadIDNoop(t *testing.T) {
	env := newTestEnv(t, Options{})

	err := env.rec.reconcileThread(context.Background(), threadMsg("", testNow), "page-self")
	testutil.MustNoErr(t, err, "reconcile")
	if env.remote.queryCalls != 0 {
		t.Errorf("query calls = %d, want 0", env.remote.queryCalls)
	}
}

func TestLatestPage(t *testing.T) {
	older := remotePage("page-a", testNow.Add(-time.Hour))
	newer := remotePage("page-b", testNow)

	if got := latestPage([]*notion.Page{older, newer}); got.ID != "page-b" {
		t.Errorf("latest = %q, want page-b", got.ID)
	}

	// Exact date ties break toward the larger page id.
	tieA := remotePage("page-a", testNow)
	tieB := remotePage("page-b", testNow)
	if got := latestPage([]*notion.Page{tieB, tieA}); got.ID != "page-b" {
		t.Errorf("tie latest = %q, want page-b", got.ID)
	}
}

func TestDedupeIDs(t *testing.T) {
	got := dedupeIDs([]string{"c", "a", "c", "", "parent", "b"}, "parent")
	want := []string{"a", "b", "c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dedupeIDs mismatch (-want +got):\n%s", diff)
	}
}
