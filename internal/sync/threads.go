package sync

import (
	"context"
	"fmt"
	"sort"

	"github.com/ChenyqThu/MailAgent/internal/notion"
	"github.com/ChenyqThu/MailAgent/internal/store"
)

// reconcileThread repairs the parent/sub-item relations of the thread the
// newly synced message belongs to. The newest message is the designated
// head; every other page points at it. Writing the head's Sub-items is
// enough, the relation is symmetric and mirrors onto the children.
func (r *Reconciler) reconcileThread(ctx context.Context, msg *store.Message, pageID string) error {
	threadID := msg.ThreadID
	if threadID == "" {
		return nil
	}

	cached, err := r.store.IsThreadHeadNotFound(threadID, r.opts.ThreadCacheExpiry)
	if err != nil {
		return err
	}
	if cached {
		// Last lookup found no synced siblings and nothing joined since.
		return nil
	}

	pages, err := r.remote.QueryDatabaseAll(ctx, r.databaseID, notion.TextEquals(propThreadID, threadID))
	if err != nil {
		return fmt.Errorf("query thread %s: %w", threadID, err)
	}

	others := make([]*notion.Page, 0, len(pages))
	for _, p := range pages {
		if p.ID != pageID {
			others = append(others, p)
		}
	}

	if len(others) == 0 {
		// Sole member; remember so retries skip the query until the
		// membership changes.
		if err := r.store.MarkThreadHeadNotFound(threadID, "no synced siblings"); err != nil {
			r.logger.Warn("thread cache write failed", "error", err)
		}
		return nil
	}

	latest := latestPage(others)
	msgDate := msg.DateReceived.UTC()
	latestDate := latest.DateValue(propDate)

	if !msgDate.Before(latestDate) {
		// The new message takes over as head. Clearing its parent before
		// writing sub-items avoids a transient relation cycle.
		if err := r.remote.UpdatePageProperties(ctx, pageID, notion.Properties{
			propParentItem: notion.Relation(),
		}); err != nil {
			return fmt.Errorf("clear parent of %s: %w", pageID, err)
		}
		children := dedupeIDs(pageIDs(others), pageID)
		if err := r.remote.UpdatePageProperties(ctx, pageID, notion.Properties{
			propSubItem: notion.Relation(children...),
		}); err != nil {
			return fmt.Errorf("set sub-items of %s: %w", pageID, err)
		}
		r.logger.Info("thread head updated", "thread_id", threadID, "head", pageID, "children", len(children))
		return nil
	}

	// An existing page stays head; the new message joins its siblings.
	siblings := []string{pageID}
	for _, p := range others {
		if p.ID != latest.ID {
			siblings = append(siblings, p.ID)
		}
	}
	siblings = dedupeIDs(siblings, latest.ID)
	if err := r.remote.UpdatePageProperties(ctx, latest.ID, notion.Properties{
		propSubItem: notion.Relation(siblings...),
	}); err != nil {
		return fmt.Errorf("set sub-items of head %s: %w", latest.ID, err)
	}
	r.logger.Info("joined existing thread", "thread_id", threadID, "head", latest.ID, "children", len(siblings))
	return nil
}

// latestPage picks the newest page by the Date property, breaking exact
// ties deterministically on page id.
func latestPage(pages []*notion.Page) *notion.Page {
	latest := pages[0]
	latestDate := latest.DateValue(propDate)
	for _, p := range pages[1:] {
		d := p.DateValue(propDate)
		if d.After(latestDate) || (d.Equal(latestDate) && p.ID > latest.ID) {
			latest = p
			latestDate = d
		}
	}
	return latest
}

func pageIDs(pages []*notion.Page) []string {
	ids := make([]string, 0, len(pages))
	for _, p := range pages {
		ids = append(ids, p.ID)
	}
	return ids
}

// dedupeIDs removes duplicates and the parent's own id from a child list,
// returning a sorted slice for deterministic writes.
func dedupeIDs(ids []string, parentID string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == parentID || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
