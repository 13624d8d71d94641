package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChenyqThu/MailAgent/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sync database statistics",
	Long:  `Show per-status message counts and the radar watermark.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.Open(cfg.SyncDBPath())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		stats, err := s.GetStats()
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		fmt.Printf("Database: %s\n", cfg.SyncDBPath())
		printStats(stats)
		return nil
	},
}

func printStats(stats *store.Stats) {
	fmt.Printf("  Messages:     %d\n", stats.TotalMessages)

	statuses := make([]string, 0, len(stats.ByStatus))
	for status := range stats.ByStatus {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Printf("    %-12s %d\n", status+":", stats.ByStatus[status])
	}

	fmt.Printf("  Dead letters: %d\n", stats.DeadLetters)
	fmt.Printf("  Watermark:    %d\n", stats.LastMaxRowID)
	if !stats.LastSyncTime.IsZero() {
		fmt.Printf("  Last sync:    %s\n", stats.LastSyncTime.Local().Format(time.RFC3339))
	}
	fmt.Printf("  Size:         %.2f MB\n", float64(stats.DatabaseSize)/(1024*1024))
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
