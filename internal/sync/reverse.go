package sync

import (
	"context"
	"errors"
	"time"

	"github.com/ChenyqThu/MailAgent/internal/notion"
	"github.com/ChenyqThu/MailAgent/internal/store"
)

func (r *Reconciler) runReverse(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.ReverseInterval)
	defer ticker.Stop()

	r.logger.Info("reverse sync loop started", "interval", r.opts.ReverseInterval)
	for {
		if err := r.ReverseTick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Reverse failures retry on the next tick; they never share
			// the forward retry queue.
			r.logger.Error("reverse tick failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ReverseTick propagates reviewed actions from the remote back to the mail
// store. Pages that fail stay unmarked and are retried next tick.
func (r *Reconciler) ReverseTick(ctx context.Context) error {
	filter := notion.And(
		notion.SelectEquals(propAIReviewStatus, reviewStatusReviewed),
		notion.CheckboxEquals(propSyncedToMail, false),
	)
	pages, err := r.remote.QueryDatabaseAll(ctx, r.databaseID, filter)
	if err != nil {
		return err
	}

	for _, page := range pages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.applyReviewedAction(ctx, page)
	}
	return nil
}

func (r *Reconciler) applyReviewedAction(ctx context.Context, page *notion.Page) {
	action := page.SelectValue(propAIAction)
	messageID := page.PlainText(propMessageID)
	log := r.logger.With("page_id", page.ID, "action", action)

	if messageID == "" {
		log.Warn("reviewed page has no message id, skipping")
		return
	}

	mailbox := ""
	if msg, err := r.store.GetByPageID(page.ID); err == nil {
		mailbox = msg.Mailbox
	} else if !errors.Is(err, store.ErrNotFound) {
		log.Warn("mailbox lookup failed", "error", err)
	}

	if err := r.dispatchAction(ctx, action, messageID, mailbox); err != nil {
		// Leave the page untouched; the next tick retries.
		log.Warn("reverse action failed", "error", err)
		return
	}

	err := r.remote.UpdatePageProperties(ctx, page.ID, notion.Properties{
		propSyncedToMail: notion.Checkbox(true),
		propMailSyncTime: notion.Date(r.now(), r.opts.DisplayLocation),
	})
	if err != nil {
		// The mail-side write landed; the page will be re-actioned next
		// tick, which is harmless since the actions are idempotent.
		log.Warn("reverse ack failed", "error", err)
		return
	}
	log.Info("reverse action applied")
}

// dispatchAction maps an AI Action option onto Arm writes. Archive maps to
// mark-read; true archiving is not automatable through the script surface.
func (r *Reconciler) dispatchAction(ctx context.Context, action, messageID, mailbox string) error {
	switch action {
	case actionMarkRead, actionArchive:
		return r.arm.MarkRead(ctx, messageID, true, mailbox)
	case actionFlagImportant:
		return r.arm.SetFlag(ctx, messageID, true, mailbox)
	case actionMarkReadAndFlag:
		if err := r.arm.MarkRead(ctx, messageID, true, mailbox); err != nil {
			return err
		}
		return r.arm.SetFlag(ctx, messageID, true, mailbox)
	case "":
		return errors.New("no action set")
	default:
		return errors.New("unknown action: " + action)
	}
}
