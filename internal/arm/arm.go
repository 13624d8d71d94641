// Package arm drives Mail.app through AppleScript.
//
// It is the only component that talks to the mail application. Every
// operation is one osascript invocation bounded by a timeout; the arm
// never retries, that is the reconciler's job.
package arm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Email is the result of a full fetch: envelope fields plus the raw MIME
// source. Dates are converted from the script's zone-less local form to UTC.
type Email struct {
	InternalID   int64
	MessageID    string
	Subject      string
	Sender       string
	DateReceived time.Time
	Content      string
	Source       string
	IsRead       bool
	IsFlagged    bool
}

// PositionMeta is one row of a backfill listing. ThreadID is extracted from
// the References / In-Reply-To headers the script reads directly; empty
// means the message starts its own thread.
type PositionMeta struct {
	InternalID   int64
	MessageID    string
	Subject      string
	Sender       string
	DateReceived time.Time
	IsRead       bool
	IsFlagged    bool
	ThreadID     string
}

// NotFoundError reports that the message is no longer in the mail store.
type NotFoundError struct {
	InternalID int64
	MessageID  string
}

func (e *NotFoundError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("message %s not found in Mail", e.MessageID)
	}
	return fmt.Sprintf("message id %d not found in Mail", e.InternalID)
}

// ErrTimeout reports that the script exceeded the configured limit.
var ErrTimeout = errors.New("applescript timed out")

// ScriptError carries the raw diagnostic of a failed script.
type ScriptError struct {
	Output string
}

func (e *ScriptError) Error() string {
	return "applescript error: " + e.Output
}

// Runner executes a script and returns its trimmed stdout. The default
// runner shells out to osascript; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, script string) (string, error)
}

type osascriptRunner struct{}

func (osascriptRunner) Run(ctx context.Context, script string) (string, error) {
	cmd := exec.CommandContext(ctx, "osascript", "-e", script)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &ScriptError{Output: strings.TrimSpace(string(exitErr.Stderr))}
		}
		return "", fmt.Errorf("run osascript: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Arm executes Mail.app operations.
type Arm struct {
	account string
	inbox   string
	timeout time.Duration
	runner  Runner
	logger  *slog.Logger
}

// New returns an arm for the given account. The inbox is the default
// mailbox for operations that do not name one.
func New(account, inbox string, timeout time.Duration) *Arm {
	if inbox == "" {
		inbox = "INBOX"
	}
	if timeout <= 0 {
		timeout = 200 * time.Second
	}
	return &Arm{
		account: account,
		inbox:   inbox,
		timeout: timeout,
		runner:  osascriptRunner{},
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger and returns the arm for chaining.
func (a *Arm) WithLogger(logger *slog.Logger) *Arm {
	a.logger = logger
	return a
}

// WithRunner substitutes the script runner. Used by tests.
func (a *Arm) WithRunner(r Runner) *Arm {
	a.runner = r
	return a
}

func (a *Arm) mailboxOrInbox(mailbox string) string {
	if mailbox == "" {
		return a.inbox
	}
	return mailbox
}

func (a *Arm) run(ctx context.Context, script string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.runner.Run(ctx, script)
}

// FetchByID fetches one message by its integer id.
func (a *Arm) FetchByID(ctx context.Context, internalID int64, mailbox string) (*Email, error) {
	script := fetchByIDScript(a.account, a.mailboxOrInbox(mailbox), internalID)
	out, err := a.run(ctx, script)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, &ScriptError{Output: "empty script output"}
	}

	if rest, ok := strings.CutPrefix(out, "ERROR"+fieldSep); ok {
		if strings.HasPrefix(rest, "NOT_FOUND") {
			return nil, &NotFoundError{InternalID: internalID}
		}
		return nil, &ScriptError{Output: rest}
	}
	rest, ok := strings.CutPrefix(out, "OK"+fieldSep)
	if !ok {
		return nil, &ScriptError{Output: firstChars(out, 200)}
	}

	parts := strings.Split(rest, fieldSep)
	if len(parts) < 8 {
		return nil, &ScriptError{Output: fmt.Sprintf("expected 8 fields, got %d", len(parts))}
	}

	date, err := parseScriptDate(parts[3])
	if err != nil {
		a.logger.Warn("unparseable script date", "value", parts[3], "error", err)
	}

	return &Email{
		InternalID:   internalID,
		MessageID:    parts[0],
		Subject:      parts[1],
		Sender:       parts[2],
		DateReceived: date,
		Content:      parts[4],
		Source:       parts[5],
		IsRead:       strings.EqualFold(parts[6], "true"),
		IsFlagged:    strings.EqualFold(parts[7], "true"),
	}, nil
}

// FetchByPosition lists the count newest messages at the given offset.
func (a *Arm) FetchByPosition(ctx context.Context, count int, mailbox string, offset int) ([]PositionMeta, error) {
	if count <= 0 {
		return nil, nil
	}
	script := fetchByPositionScript(a.account, a.mailboxOrInbox(mailbox), count, offset)
	out, err := a.run(ctx, script)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}

	var metas []PositionMeta
	for _, record := range strings.Split(out, recordSep) {
		if strings.TrimSpace(record) == "" {
			continue
		}
		parts := strings.Split(record, fieldSep)
		if len(parts) < 7 {
			a.logger.Warn("malformed position record", "record", firstChars(record, 100))
			continue
		}

		var meta PositionMeta
		if _, err := fmt.Sscanf(parts[0], "%d", &meta.InternalID); err != nil {
			a.logger.Warn("malformed internal id", "value", parts[0])
			continue
		}
		meta.MessageID = parts[1]
		meta.Subject = parts[2]
		meta.Sender = parts[3]
		if d, err := parseScriptDate(parts[4]); err == nil {
			meta.DateReceived = d
		}
		meta.IsRead = strings.EqualFold(parts[5], "true")
		meta.IsFlagged = strings.EqualFold(parts[6], "true")

		var references, inReplyTo string
		if len(parts) > 7 {
			references = parts[7]
		}
		if len(parts) > 8 {
			inReplyTo = parts[8]
		}
		meta.ThreadID = threadIDFromHeaders(references, inReplyTo)

		metas = append(metas, meta)
	}
	if len(metas) > count {
		metas = metas[:count]
	}
	return metas, nil
}

// MarkRead sets the read status of a message located by message id.
func (a *Arm) MarkRead(ctx context.Context, messageID string, read bool, mailbox string) error {
	script := markReadScript(a.account, a.mailboxOrInbox(mailbox), messageID, read)
	return a.runWrite(ctx, script, messageID)
}

// SetFlag sets the flagged status of a message located by message id.
func (a *Arm) SetFlag(ctx context.Context, messageID string, flagged bool, mailbox string) error {
	script := setFlagScript(a.account, a.mailboxOrInbox(mailbox), messageID, flagged)
	return a.runWrite(ctx, script, messageID)
}

func (a *Arm) runWrite(ctx context.Context, script, messageID string) error {
	out, err := a.run(ctx, script)
	if err != nil {
		return err
	}
	if out == "OK" {
		return nil
	}
	diag := strings.TrimPrefix(out, "ERROR: ")
	if strings.Contains(diag, "Can’t get message") || strings.Contains(diag, "Can't get message") {
		return &NotFoundError{MessageID: messageID}
	}
	return &ScriptError{Output: firstChars(diag, 200)}
}

// threadIDFromHeaders derives a thread id: first References token, then
// In-Reply-To, angle brackets stripped. Empty when the message is its own
// thread root.
func threadIDFromHeaders(references, inReplyTo string) string {
	if refs := strings.Fields(strings.TrimSpace(references)); len(refs) > 0 {
		return strings.Trim(refs[0], "<>")
	}
	if v := strings.TrimSpace(inReplyTo); v != "" {
		return strings.Trim(v, "<>")
	}
	return ""
}

// scriptDateLayout matches the ISO string the scripts build field by field.
// The value carries no zone; Mail reports wall-clock local time, so the
// host's zone applies before converting to UTC.
const scriptDateLayout = "2006-01-02T15:04:05"

func parseScriptDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(scriptDateLayout, strings.TrimSpace(s), time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse script date %q: %w", s, err)
	}
	return t.UTC(), nil
}

func firstChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
