package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ChenyqThu/MailAgent/internal/arm"
	"github.com/ChenyqThu/MailAgent/internal/store"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Queue existing messages for sync",
	Long: `Queue messages already present in a mailbox, newest first.

The radar only observes messages that arrive while the daemon runs;
backfill lists existing messages through Mail.app and inserts them as
pending so the daemon syncs them on its next polls. Safe to re-run:
already-tracked messages are skipped.`,
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().String("mailbox", "", "mailbox to list (default: first configured)")
	backfillCmd.Flags().Int("count", 50, "number of messages to queue")
	backfillCmd.Flags().Int("offset", 0, "skip this many newest messages first")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, args []string) error {
	mailbox, _ := cmd.Flags().GetString("mailbox")
	count, _ := cmd.Flags().GetInt("count")
	offset, _ := cmd.Flags().GetInt("offset")

	if mailbox == "" {
		mailbox = defaultMailbox()
	}

	s, err := store.Open(cfg.SyncDBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	if err := s.InitSchema(); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	mailArm := arm.New(cfg.Mail.AccountName, defaultMailbox(), cfg.ScriptTimeout()).WithLogger(logger)

	fmt.Printf("Listing %d message(s) from %q (offset %d)...\n", count, mailbox, offset)
	metas, err := mailArm.FetchByPosition(cmd.Context(), count, mailbox, offset)
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}

	inserted := 0
	for _, meta := range metas {
		created, err := s.Insert(store.MessageMeta{
			InternalID:   meta.InternalID,
			MessageID:    meta.MessageID,
			Subject:      meta.Subject,
			Sender:       meta.Sender,
			DateReceived: meta.DateReceived,
			Mailbox:      mailbox,
			IsRead:       meta.IsRead,
			IsFlagged:    meta.IsFlagged,
		})
		if err != nil {
			return fmt.Errorf("queue message %d: %w", meta.InternalID, err)
		}
		if created {
			inserted++
		}
	}

	fmt.Printf("Queued %d new message(s), %d already tracked.\n", inserted, len(metas)-inserted)
	if inserted > 0 {
		fmt.Println("Run 'mailagent serve' to sync them.")
	}
	return nil
}
