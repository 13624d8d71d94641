package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChenyqThu/MailAgent/internal/store"
)

var deadLetterCmd = &cobra.Command{
	Use:   "dead-letter",
	Short: "Inspect and requeue terminally failed messages",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		s, err := store.Open(cfg.SyncDBPath())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		msgs, err := s.ListDeadLetters(limit)
		if err != nil {
			return fmt.Errorf("list dead letters: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Println("No dead-lettered messages.")
			return nil
		}

		for _, m := range msgs {
			fmt.Printf("%d  %s\n", m.InternalID, m.Subject)
			fmt.Printf("    from:     %s\n", m.Sender)
			if !m.DateReceived.IsZero() {
				fmt.Printf("    received: %s\n", m.DateReceived.Local().Format(time.RFC3339))
			}
			fmt.Printf("    retries:  %d\n", m.RetryCount)
			if m.SyncError != "" {
				fmt.Printf("    error:    %s\n", m.SyncError)
			}
		}
		fmt.Printf("\n%d dead-lettered message(s). Requeue with 'mailagent dead-letter retry <id>'.\n", len(msgs))
		return nil
	},
}

var deadLetterRetryCmd = &cobra.Command{
	Use:   "retry <internal-id>",
	Short: "Requeue a dead-lettered message with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid internal id %q", args[0])
		}

		s, err := store.Open(cfg.SyncDBPath())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		if err := s.RetryDeadLetter(id); err != nil {
			return fmt.Errorf("requeue %d: %w", id, err)
		}

		fmt.Printf("Message %d requeued; the daemon picks it up on its next poll.\n", id)
		return nil
	},
}

func init() {
	deadLetterListCmd.Flags().Int("limit", 50, "maximum messages to list")
	deadLetterCmd.AddCommand(deadLetterListCmd)
	deadLetterCmd.AddCommand(deadLetterRetryCmd)
	rootCmd.AddCommand(deadLetterCmd)
}
