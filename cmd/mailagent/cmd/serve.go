package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChenyqThu/MailAgent/internal/api"
	"github.com/ChenyqThu/MailAgent/internal/arm"
	"github.com/ChenyqThu/MailAgent/internal/ical"
	"github.com/ChenyqThu/MailAgent/internal/maint"
	"github.com/ChenyqThu/MailAgent/internal/notion"
	"github.com/ChenyqThu/MailAgent/internal/radar"
	"github.com/ChenyqThu/MailAgent/internal/store"
	"github.com/ChenyqThu/MailAgent/internal/sync"
)

// shutdownGrace bounds how long a stop request waits for in-flight work.
const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Mail-to-Notion sync daemon",
	Long: `Run mailagent as a long-running daemon.

The daemon runs in the foreground and performs:
  - Forward sync: new Mail.app messages become Notion pages
  - Reverse sync: reviewed actions in Notion are applied back to Mail
  - Scheduled store maintenance (vacuum, cache expiry)
  - Local status HTTP server on the configured port

Use Ctrl+C to stop the daemon gracefully.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfg.Notion.Token == "" {
		return fmt.Errorf("notion token not configured\n\nSet NOTION_TOKEN or add to %s:\n  [notion]\n  token = \"secret_...\"", cfg.ConfigFilePath())
	}
	if cfg.Notion.DatabaseID == "" {
		return fmt.Errorf("notion database not configured\n\nAdd to %s:\n  [notion]\n  database_id = \"...\"", cfg.ConfigFilePath())
	}

	displayLoc, err := cfg.DisplayLocation()
	if err != nil {
		return err
	}
	startDate, err := cfg.StartDate()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.SyncDBPath())
	if err != nil {
		return fmt.Errorf("open sync database: %w", err)
	}
	defer st.Close()

	if err := st.InitSchema(); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	rd := radar.New(cfg.Mail.EnvelopeIndexPath, cfg.Mail.Mailboxes).WithLogger(logger)
	if rd.DBPath() == "" {
		logger.Warn("envelope index not found; forward sync idles until it appears")
	}

	mailArm := arm.New(cfg.Mail.AccountName, defaultMailbox(), cfg.ScriptTimeout()).WithLogger(logger)

	client := notion.NewClient(cfg.Notion.Token,
		notion.WithLogger(logger),
		notion.WithMaxUpload(cfg.Notion.MaxUploadBytes),
	)

	var meetings sync.MeetingHandler
	if cfg.Notion.CalendarDatabaseID != "" {
		meetings = ical.NewMeetingSync(client, cfg.Notion.CalendarDatabaseID, displayLoc).WithLogger(logger)
		logger.Info("meeting invite sync enabled", "calendar_database", cfg.Notion.CalendarDatabaseID)
	}

	source := radarSource{radar: rd}
	rec := sync.NewReconciler(st, source, mailArm, client, client, nil, meetings,
		cfg.Notion.DatabaseID,
		sync.Options{
			PollInterval:         time.Duration(cfg.Sync.PollIntervalSecs) * time.Second,
			ReverseInterval:      time.Duration(cfg.Sync.ReverseIntervalSecs) * time.Second,
			PendingBatchSize:     cfg.Sync.PendingBatchSize,
			RetryBatchSize:       cfg.Sync.RetryBatchSize,
			MaxConsecutiveErrors: cfg.Sync.MaxConsecutiveErrors,
			StartDate:            startDate,
			ThreadCacheExpiry:    time.Duration(cfg.Sync.ThreadCacheExpiryHours) * time.Hour,
			DisplayLocation:      displayLoc,
		},
	).WithLogger(logger)

	maintenance := maint.New().WithLogger(logger)
	cacheMaxAge := time.Duration(cfg.Sync.ThreadCacheExpiryHours) * time.Hour
	if err := maintenance.AddStoreJobs(st, cfg.Sync.MaintenanceSchedule, cacheMaxAge); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	maintenance.Start()

	runCtx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var apiServer *api.Server
	serverErr := make(chan error, 1)
	if cfg.Server.Enabled {
		apiServer = api.NewServer(cfg, st, rec, source, logger)
		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- rec.Run(runCtx)
	}()

	fmt.Println("mailagent daemon started")
	fmt.Printf("  Account:     %s\n", cfg.Mail.AccountName)
	fmt.Printf("  Mailboxes:   %v\n", cfg.Mail.Mailboxes)
	fmt.Printf("  Database:    %s\n", cfg.Notion.DatabaseID)
	if cfg.Server.Enabled {
		bindAddr := cfg.Server.BindAddr
		if bindAddr == "" {
			bindAddr = "127.0.0.1"
		}
		fmt.Printf("  Status API:  http://%s\n", net.JoinHostPort(bindAddr, strconv.Itoa(cfg.Server.APIPort)))
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-runCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-syncErr:
		if err != nil {
			logger.Error("sync loop stopped", "error", err)
			runErr = err
		}
	case err := <-serverErr:
		logger.Error("status server error", "error", err)
		runErr = err
	}

	fmt.Println("\nShutting down...")
	cancel()

	// Bound the whole shutdown: in-flight message processing, the HTTP
	// server, and maintenance jobs all share the grace window.
	deadline := time.After(shutdownGrace)
	select {
	case <-syncErr:
	case <-deadline:
		logger.Warn("sync loop did not stop within grace period")
	}

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown error", "error", err)
		}
		shutdownCancel()
	}

	select {
	case <-maintenance.Stop().Done():
	case <-deadline:
		logger.Warn("maintenance jobs did not stop within grace period")
	}

	fmt.Println("Shutdown complete.")
	return runErr
}

func defaultMailbox() string {
	if len(cfg.Mail.Mailboxes) > 0 {
		return cfg.Mail.Mailboxes[0]
	}
	return "INBOX"
}

// radarSource adapts the radar's degrade-gracefully surface to the
// reconciler and status server interfaces. An unreachable index never
// errors; the reconciler skips ingest and keeps draining its queues.
type radarSource struct {
	radar *radar.Radar
}

func (s radarSource) CheckForChanges(ctx context.Context, lastMaxRowID int64) (bool, int64, int, error) {
	hasNew, currentMax, estimated := s.radar.CheckForChanges(ctx, lastMaxRowID)
	return hasNew, currentMax, int(estimated), nil
}

func (s radarSource) GetNewEmails(ctx context.Context, sinceRowID int64) ([]store.MessageMeta, error) {
	return s.radar.GetNewEmails(ctx, sinceRowID), nil
}

func (s radarSource) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.radar.IsAvailable(ctx)
}
