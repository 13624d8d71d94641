package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ChenyqThu/MailAgent/internal/store"
)

var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Initialize the sync database schema",
	Long: `Initialize the mailagent sync database with the required schema.

This command creates the message lifecycle, sync state, and thread cache
tables. It is safe to run multiple times - tables are only created if
they don't already exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := cfg.SyncDBPath()
		logger.Info("initializing sync database", "path", dbPath)

		s, err := store.Open(dbPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer s.Close()

		if err := s.InitSchema(); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}

		logger.Info("database initialized successfully")

		stats, err := s.GetStats()
		if err != nil {
			return fmt.Errorf("get stats: %w", err)
		}

		fmt.Printf("Database: %s\n", dbPath)
		printStats(stats)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initDBCmd)
}
