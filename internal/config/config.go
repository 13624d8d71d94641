// Package config handles loading and managing mailagent configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the mailagent configuration.
type Config struct {
	Mail   MailConfig   `toml:"mail"`
	Sync   SyncConfig   `toml:"sync"`
	Notion NotionConfig `toml:"notion"`
	Server ServerConfig `toml:"server"`

	// Computed paths (not from config file)
	HomeDir    string `toml:"-"`
	configFile string
}

// MailConfig holds Mail.app access configuration.
type MailConfig struct {
	// AccountName is the Mail.app account the scripts address.
	AccountName string `toml:"account_name"`
	// EnvelopeIndexPath overrides auto-discovery of
	// ~/Library/Mail/V*/MailData/Envelope Index.
	EnvelopeIndexPath string `toml:"envelope_index_path"`
	// Mailboxes names the mailboxes to watch. Known names:
	// INBOX, 收件箱, Sent, 已发送, Archive, 归档.
	Mailboxes []string `toml:"mailboxes"`
	// ScriptTimeoutSecs bounds each osascript invocation.
	// Attachment-heavy messages need a generous limit.
	ScriptTimeoutSecs int `toml:"script_timeout_secs"`
}

// SyncConfig holds forward/reverse sync loop configuration.
type SyncConfig struct {
	PollIntervalSecs       int    `toml:"poll_interval_secs"`      // forward poll cadence
	ReverseIntervalSecs    int    `toml:"reverse_interval_secs"`   // reverse poll cadence
	PendingBatchSize       int    `toml:"pending_batch_size"`      // pending rows per cycle
	RetryBatchSize         int    `toml:"retry_batch_size"`        // due retries per cycle
	StartDate              string `toml:"start_date"`              // YYYY-MM-DD; older messages are skipped
	MaxConsecutiveErrors   int    `toml:"max_consecutive_errors"`  // health stop threshold
	MaintenanceSchedule    string `toml:"maintenance_schedule"`    // cron expression
	DisplayTimezoneOffset  string `toml:"display_timezone_offset"` // e.g. "+08:00"
	ThreadCacheExpiryHours int    `toml:"thread_cache_expiry_hours"`
}

// NotionConfig holds Notion API configuration.
type NotionConfig struct {
	Token              string `toml:"token"`
	DatabaseID         string `toml:"database_id"`
	CalendarDatabaseID string `toml:"calendar_database_id"` // optional, enables meeting sync
	MaxUploadBytes     int64  `toml:"max_upload_bytes"`
}

// ServerConfig holds the local status HTTP server configuration.
type ServerConfig struct {
	BindAddr string `toml:"bind_addr"` // default 127.0.0.1
	APIPort  int    `toml:"api_port"`  // default 8643
	Enabled  bool   `toml:"enabled"`
}

// DefaultHome returns the default mailagent home directory.
// Respects MAILAGENT_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MAILAGENT_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mailagent"
	}
	return filepath.Join(home, ".mailagent")
}

// Load reads the configuration from the specified file.
// If path is empty, uses the default location (~/.mailagent/config.toml).
// If homeOverride is non-empty it replaces the computed home directory.
func Load(path, homeOverride string) (*Config, error) {
	homeDir := DefaultHome()
	if homeOverride != "" {
		homeDir = expandPath(homeOverride)
	}

	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		// Defaults
		Mail: MailConfig{
			AccountName:       "Exchange",
			Mailboxes:         []string{"INBOX", "收件箱"},
			ScriptTimeoutSecs: 200,
		},
		Sync: SyncConfig{
			PollIntervalSecs:       5,
			ReverseIntervalSecs:    30,
			PendingBatchSize:       10,
			RetryBatchSize:         3,
			MaxConsecutiveErrors:   5,
			MaintenanceSchedule:    "@daily",
			DisplayTimezoneOffset:  "+08:00",
			ThreadCacheExpiryHours: 24,
		},
		Notion: NotionConfig{
			MaxUploadBytes: 20 * 1024 * 1024,
		},
		Server: ServerConfig{
			BindAddr: "127.0.0.1",
			APIPort:  8643,
			Enabled:  true,
		},
	}

	// Config file is optional - use defaults if not present
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.configFile = path

	if t := os.Getenv("NOTION_TOKEN"); t != "" {
		cfg.Notion.Token = t
	}

	cfg.Mail.EnvelopeIndexPath = expandPath(cfg.Mail.EnvelopeIndexPath)

	return cfg, nil
}

// SyncDBPath returns the path to the sync state SQLite database.
func (c *Config) SyncDBPath() string {
	return filepath.Join(c.HomeDir, "sync.db")
}

// ConfigFilePath returns the path the config was (or would be) loaded from.
func (c *Config) ConfigFilePath() string {
	if c.configFile != "" {
		return c.configFile
	}
	return filepath.Join(c.HomeDir, "config.toml")
}

// EnsureHomeDir creates the home directory if it does not exist.
func (c *Config) EnsureHomeDir() error {
	return os.MkdirAll(c.HomeDir, 0o755)
}

// StartDate parses sync.start_date. A zero time means no cutoff.
func (c *Config) StartDate() (time.Time, error) {
	if c.Sync.StartDate == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse("2006-01-02", c.Sync.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse sync.start_date %q: %w", c.Sync.StartDate, err)
	}
	return t.UTC(), nil
}

// DisplayLocation returns the fixed zone used when rendering dates for
// Notion. Storage is always UTC; this applies only at the API boundary.
func (c *Config) DisplayLocation() (*time.Location, error) {
	off := c.Sync.DisplayTimezoneOffset
	if off == "" {
		off = "+08:00"
	}
	t, err := time.Parse("-07:00", off)
	if err != nil {
		return nil, fmt.Errorf("parse sync.display_timezone_offset %q: %w", off, err)
	}
	return t.Location(), nil
}

// ScriptTimeout returns the osascript timeout as a duration.
func (c *Config) ScriptTimeout() time.Duration {
	secs := c.Mail.ScriptTimeoutSecs
	if secs <= 0 {
		secs = 200
	}
	return time.Duration(secs) * time.Second
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
