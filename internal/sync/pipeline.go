package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChenyqThu/MailAgent/internal/arm"
	"github.com/ChenyqThu/MailAgent/internal/blocks"
	"github.com/ChenyqThu/MailAgent/internal/ical"
	"github.com/ChenyqThu/MailAgent/internal/mime"
	"github.com/ChenyqThu/MailAgent/internal/notion"
	"github.com/ChenyqThu/MailAgent/internal/store"
)

// processOne runs the single-message pipeline and records the outcome in
// the store. It never returns an error: failures become retry state.
func (r *Reconciler) processOne(ctx context.Context, msg store.Message) {
	log := r.logger.With("internal_id", msg.InternalID, "subject", firstChars(msg.Subject, 60))

	// Fetch phase: failures here are fetch_failed so the retry re-fetches.
	raw, err := r.arm.FetchByID(ctx, msg.InternalID, msg.Mailbox)
	if err != nil {
		var nf *arm.NotFoundError
		if errors.As(err, &nf) {
			// The message was deleted from the mail store; drop the row.
			log.Info("message gone from mail store, dropping")
			if derr := r.store.Delete(msg.InternalID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
				log.Error("drop failed", "error", derr)
			}
			return
		}
		log.Warn("fetch failed", "error", err)
		r.markFetchFailed(msg.InternalID, err, log)
		return
	}

	parsed, emlRaw, err := r.parseSource(raw)
	if err != nil {
		log.Warn("source unusable", "error", err)
		r.markFetchFailed(msg.InternalID, err, log)
		return
	}

	messageID := firstNonEmpty(raw.MessageID, parsed.MessageID)
	if messageID == "" {
		// Some notifications carry no Message-ID header. A deterministic
		// stand-in keeps the duplicate guard and retry adoption keyed.
		messageID = fmt.Sprintf("<generated-%d@mailagent.local>", msg.InternalID)
		log.Info("no message id header, using generated id", "message_id", messageID)
	}

	// Persist the fetched envelope; later phases read from msg.
	fields := store.FetchedFields{
		MessageID:  messageID,
		Subject:    firstNonEmpty(parsed.Subject, raw.Subject),
		Sender:     firstNonEmpty(parsed.GetFirstFrom().Email, raw.Sender),
		SenderName: parsed.GetFirstFrom().Name,
		ToAddr:     mime.JoinAddresses(parsed.To),
		CCAddr:     mime.JoinAddresses(parsed.Cc),
		DateSent:   parsed.Date,
		IsRead:     raw.IsRead,
		IsFlagged:  raw.IsFlagged,
		ThreadID:   parsed.ThreadID(),
	}
	if err := r.store.UpdateAfterFetch(msg.InternalID, fields); err != nil {
		if errors.Is(err, store.ErrDuplicateMessageID) {
			err = r.resolveReindexed(msg.InternalID, fields, log)
		}
		if err != nil {
			log.Error("persist fetch failed", "error", err)
			r.markFailed(msg.InternalID, err, log)
			return
		}
	}
	applyFetched(&msg, fields)
	if msg.DateReceived.IsZero() {
		msg.DateReceived = raw.DateReceived
	}

	// Meeting invites sync independently of the email page; a calendar
	// failure never fails the message.
	calendarPageID := r.syncMeeting(ctx, parsed, log)

	if !r.opts.StartDate.IsZero() && msg.DateReceived.Before(r.opts.StartDate) {
		log.Info("before sync start date, skipping", "date", msg.DateReceived)
		if err := r.store.MarkSkipped(msg.InternalID); err != nil {
			log.Error("mark skipped failed", "error", err)
		}
		return
	}

	// Duplicate guard. A query failure is not absence; the message goes
	// back through the retry queue rather than risking a duplicate page.
	existing, err := r.remote.FindPageByText(ctx, r.databaseID, propMessageID, msg.MessageID)
	if err != nil {
		log.Warn("duplicate guard query failed", "error", err)
		r.markFailed(msg.InternalID, fmt.Errorf("duplicate guard: %w", err), log)
		return
	}
	if existing != nil {
		log.Info("page already exists, adopting", "page_id", existing.ID)
		r.finishSynced(ctx, &msg, existing.ID, calendarPageID, false, log)
		return
	}

	// Upload phase: per-file failures degrade the page, not the message.
	inline, fileBlocks := r.uploadAttachments(ctx, parsed, log)
	emlUploadID := r.uploadEML(ctx, &msg, emlRaw, log)

	children := r.buildChildren(parsed, inline, fileBlocks, calendarPageID)
	props := buildPageProperties(&msg, parsed, r.opts.DisplayLocation, emlUploadID, calendarPageID)

	page, err := r.remote.CreatePage(ctx, r.databaseID, props, children)
	if err != nil {
		if page != nil && page.ID != "" {
			// The page exists but the block tail did not land; record the
			// id so the retry adopts instead of duplicating.
			if serr := r.store.SetNotionPageID(msg.InternalID, page.ID); serr != nil {
				log.Error("record page id failed", "error", serr)
			}
		}
		log.Warn("create page failed", "error", err)
		r.markFailed(msg.InternalID, err, log)
		return
	}

	log.Info("page created", "page_id", page.ID)
	r.finishSynced(ctx, &msg, page.ID, calendarPageID, true, log)
}

// finishSynced records the page id, repairs thread relations, and marks
// the row synced. Thread failures do not roll back the page.
func (r *Reconciler) finishSynced(ctx context.Context, msg *store.Message, pageID, calendarPageID string, created bool, log logger) {
	if err := r.store.SetNotionPageID(msg.InternalID, pageID); err != nil {
		log.Error("record page id failed", "error", err)
		r.markFailed(msg.InternalID, err, log)
		return
	}

	if calendarPageID != "" && r.meetings != nil {
		if err := r.meetings.LinkSourceEmail(ctx, calendarPageID, pageID); err != nil {
			log.Warn("calendar back-link failed", "error", err)
		}
	}

	if msg.ThreadID != "" {
		if created {
			// Membership changed; the next lookup must hit the remote.
			if err := r.store.ForgetThreadHead(msg.ThreadID); err != nil {
				log.Warn("thread cache invalidation failed", "error", err)
			}
		}
		if err := r.reconcileThread(ctx, msg, pageID); err != nil {
			// Self-healing: the next sync in this thread recomputes.
			log.Warn("thread reconciliation failed", "error", err)
		}
	}

	if err := r.store.MarkSynced(msg.InternalID, pageID); err != nil {
		log.Error("mark synced failed", "error", err)
	}
}

// resolveReindexed handles a UNIQUE(message_id) conflict: Mail assigned a
// new ROWID to a message another row already tracks. The stale row's id no
// longer exists in Mail, so it is dropped and the fetch result re-applied;
// the duplicate guard then adopts the existing remote page.
func (r *Reconciler) resolveReindexed(internalID int64, fields store.FetchedFields, log logger) error {
	prev, err := r.store.GetByMessageID(fields.MessageID)
	if err != nil {
		return fmt.Errorf("lookup duplicate owner: %w", err)
	}
	log.Info("message re-indexed under a new id, dropping stale row", "stale_internal_id", prev.InternalID)
	if err := r.store.Delete(prev.InternalID); err != nil {
		return fmt.Errorf("drop stale row %d: %w", prev.InternalID, err)
	}
	return r.store.UpdateAfterFetch(internalID, fields)
}

// parseSource parses the raw MIME source, reconstructing a minimal
// document when the mail application returned none.
func (r *Reconciler) parseSource(raw *arm.Email) (*mime.Message, []byte, error) {
	source := []byte(raw.Source)
	if len(source) == 0 {
		rebuilt, err := mime.BuildFallbackEML(mime.FallbackEnvelope{
			MessageID: raw.MessageID,
			Subject:   raw.Subject,
			From:      raw.Sender,
			Date:      raw.DateReceived,
			Body:      raw.Content,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("rebuild source: %w", err)
		}
		source = rebuilt
	}

	parsed, err := mime.Parse(source)
	if err != nil {
		return nil, nil, fmt.Errorf("parse source: %w", err)
	}
	if parsed.BodyText == "" && parsed.BodyHTML == "" {
		parsed.BodyText = raw.Content
	}
	return parsed, source, nil
}

// syncMeeting upserts a calendar event when the message carries an invite.
// Returns the calendar page id or empty.
func (r *Reconciler) syncMeeting(ctx context.Context, parsed *mime.Message, log logger) string {
	if r.meetings == nil || !r.meetings.Enabled() || !parsed.HasCalendarPart() {
		return ""
	}
	inv, err := ical.Parse(parsed.CalendarRaw, r.opts.DisplayLocation)
	if err != nil {
		if !errors.Is(err, ical.ErrNoEvent) {
			log.Warn("invite parse failed", "error", err)
		}
		return ""
	}
	pageID, action, err := r.meetings.Upsert(ctx, inv)
	if err != nil {
		log.Warn("calendar upsert failed", "error", err)
		return ""
	}
	log.Info("meeting invite processed", "action", action, "calendar_page_id", pageID)
	return pageID
}

// uploadAttachments uploads every attachment, building the cid/filename
// inline map and file blocks for the non-inline ones. Failed files are
// skipped with a warning.
func (r *Reconciler) uploadAttachments(ctx context.Context, parsed *mime.Message, log logger) (blocks.InlineMap, []notion.Block) {
	inline := blocks.InlineMap{}
	var fileBlocks []notion.Block

	for _, att := range parsed.Attachments {
		name := att.Filename
		if name == "" {
			name = "attachment"
		}
		uploadID, err := r.uploader.UploadFile(ctx, name, att.Content)
		if err != nil {
			var tooLarge *notion.ErrFileTooLarge
			if errors.As(err, &tooLarge) {
				log.Warn("attachment over size limit, skipped", "filename", name, "size", att.Size)
			} else {
				log.Warn("attachment upload failed, skipped", "filename", name, "error", err)
			}
			continue
		}

		entry := blocks.InlineFile{UploadID: uploadID, ContentType: att.ContentType}
		if att.ContentID != "" {
			inline[att.ContentID] = entry
		}
		inline[name] = entry

		if !att.IsInline {
			fileBlocks = append(fileBlocks, notion.FileBlock(name, uploadID))
		}
	}
	return inline, fileBlocks
}

// uploadEML uploads the raw MIME archive referenced by the Original EML
// property. Failure degrades to a page without the archive.
func (r *Reconciler) uploadEML(ctx context.Context, msg *store.Message, emlRaw []byte, log logger) string {
	uploadID, err := r.uploader.UploadFile(ctx, emlFilename(msg), emlRaw)
	if err != nil {
		log.Warn("eml archive upload failed", "error", err)
		return ""
	}
	return uploadID
}

// buildChildren assembles the page body: an optional meeting callout, the
// converted message body, and trailing file blocks.
func (r *Reconciler) buildChildren(parsed *mime.Message, inline blocks.InlineMap, fileBlocks []notion.Block, calendarPageID string) []notion.Block {
	var children []notion.Block
	if calendarPageID != "" {
		children = append(children, notion.Quote("Meeting invite detected; the event is linked under Calendar Events."))
	}
	children = append(children, r.converter.Convert(parsed.BodyHTML, parsed.GetBodyText(), inline)...)
	if len(fileBlocks) > 0 {
		children = append(children, notion.Divider())
		children = append(children, fileBlocks...)
	}
	return children
}

func (r *Reconciler) markFailed(internalID int64, cause error, log logger) {
	if err := r.store.MarkFailed(internalID, cause.Error(), r.now()); err != nil {
		log.Error("mark failed errored", "error", err)
	}
}

func (r *Reconciler) markFetchFailed(internalID int64, cause error, log logger) {
	if err := r.store.MarkFetchFailed(internalID, cause.Error(), r.now()); err != nil {
		log.Error("mark fetch failed errored", "error", err)
	}
}

// applyFetched mirrors the persisted fetch fields onto the in-memory row.
func applyFetched(msg *store.Message, f store.FetchedFields) {
	if f.MessageID != "" {
		msg.MessageID = f.MessageID
	}
	msg.Subject = firstNonEmpty(f.Subject, msg.Subject)
	msg.Sender = firstNonEmpty(f.Sender, msg.Sender)
	msg.SenderName = f.SenderName
	msg.ToAddr = f.ToAddr
	msg.CCAddr = f.CCAddr
	msg.DateSent = f.DateSent
	msg.IsRead = f.IsRead
	msg.IsFlagged = f.IsFlagged
	msg.ThreadID = f.ThreadID
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// logger is the slice of slog.Logger the pipeline passes around.
type logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
