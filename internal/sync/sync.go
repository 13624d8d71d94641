// Package sync drives the forward and reverse synchronization loops: it
// ingests new mail observed by the radar, runs each message through the
// fetch-upload-create pipeline, keeps thread relations consistent, and
// propagates reviewed actions back to the mail store.
package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChenyqThu/MailAgent/internal/arm"
	"github.com/ChenyqThu/MailAgent/internal/blocks"
	"github.com/ChenyqThu/MailAgent/internal/ical"
	"github.com/ChenyqThu/MailAgent/internal/notion"
	"github.com/ChenyqThu/MailAgent/internal/store"
)

// Radar observes the local mail index.
type Radar interface {
	CheckForChanges(ctx context.Context, lastMaxRowID int64) (hasNew bool, currentMax int64, estimated int, err error)
	GetNewEmails(ctx context.Context, sinceRowID int64) ([]store.MessageMeta, error)
	IsAvailable() bool
}

// Arm drives the mail application.
type Arm interface {
	FetchByID(ctx context.Context, internalID int64, mailbox string) (*arm.Email, error)
	MarkRead(ctx context.Context, messageID string, read bool, mailbox string) error
	SetFlag(ctx context.Context, messageID string, flagged bool, mailbox string) error
}

// Uploader pushes files to the remote.
type Uploader interface {
	UploadFile(ctx context.Context, filename string, content []byte) (string, error)
}

// RemoteDB is the page API surface the reconciler needs.
type RemoteDB interface {
	CreatePage(ctx context.Context, databaseID string, props notion.Properties, children []notion.Block) (*notion.Page, error)
	UpdatePageProperties(ctx context.Context, pageID string, props notion.Properties) error
	FindPageByText(ctx context.Context, databaseID, property, value string) (*notion.Page, error)
	QueryDatabaseAll(ctx context.Context, databaseID string, filter any) ([]*notion.Page, error)
}

// MeetingHandler upserts calendar events from meeting invites.
type MeetingHandler interface {
	Enabled() bool
	Upsert(ctx context.Context, inv *ical.Invite) (pageID, action string, err error)
	LinkSourceEmail(ctx context.Context, calendarPageID, emailPageID string) error
}

// Options tunes the reconciler loops. Zero fields take defaults.
type Options struct {
	PollInterval         time.Duration // forward tick, default 5s
	ReverseInterval      time.Duration // reverse tick, default 30s
	PendingBatchSize     int           // default 10
	RetryBatchSize       int           // default 3
	MaxConsecutiveErrors int           // default 5
	StartDate            time.Time     // zero means no cutoff
	ThreadCacheExpiry    time.Duration // default 24h
	DisplayLocation      *time.Location
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.ReverseInterval <= 0 {
		o.ReverseInterval = 30 * time.Second
	}
	if o.PendingBatchSize <= 0 {
		o.PendingBatchSize = 10
	}
	if o.RetryBatchSize <= 0 {
		o.RetryBatchSize = 3
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = 5
	}
	if o.ThreadCacheExpiry <= 0 {
		o.ThreadCacheExpiry = 24 * time.Hour
	}
	if o.DisplayLocation == nil {
		o.DisplayLocation = time.UTC
	}
}

// Reconciler owns the forward pipeline and the reverse poller.
type Reconciler struct {
	store      *store.Store
	radar      Radar
	arm        Arm
	remote     RemoteDB
	uploader   Uploader
	converter  blocks.Converter
	meetings   MeetingHandler
	databaseID string
	opts       Options
	logger     *slog.Logger
	now        func() time.Time

	consecutiveErrors int
	polls             int64
}

// NewReconciler wires the reconciler. meetings may be nil when no calendar
// database is configured.
func NewReconciler(st *store.Store, radar Radar, mailArm Arm, remote RemoteDB, uploader Uploader, converter blocks.Converter, meetings MeetingHandler, databaseID string, opts Options) *Reconciler {
	opts.withDefaults()
	if converter == nil {
		converter = blocks.NewHTMLConverter()
	}
	return &Reconciler{
		store:      st,
		radar:      radar,
		arm:        mailArm,
		remote:     remote,
		uploader:   uploader,
		converter:  converter,
		meetings:   meetings,
		databaseID: databaseID,
		opts:       opts,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithLogger sets the logger and returns the reconciler for chaining.
func (r *Reconciler) WithLogger(logger *slog.Logger) *Reconciler {
	r.logger = logger
	return r
}

// ErrUnhealthy reports that the loop stopped itself after repeated failures
// confirmed by the health probes.
var ErrUnhealthy = errors.New("sync loop unhealthy")

// Run drives the forward and reverse loops until the context is canceled
// or the forward loop declares itself unhealthy.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.runForward(ctx) })
	g.Go(func() error { return r.runReverse(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Reconciler) runForward(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	r.logger.Info("forward sync loop started", "interval", r.opts.PollInterval)
	for {
		if err := r.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.consecutiveErrors++
			r.logger.Error("poll tick failed", "error", err, "consecutive", r.consecutiveErrors)
			if r.consecutiveErrors >= r.opts.MaxConsecutiveErrors && !r.healthy(ctx) {
				return ErrUnhealthy
			}
		} else {
			r.consecutiveErrors = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one forward poll cycle: detect, ingest, process pending,
// process retries. Per-message failures are recorded in the store and do
// not fail the tick. A missing mail index only pauses ingest; queued
// pending and retry work still runs.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.polls++

	if r.radar.IsAvailable() {
		if err := r.ingest(ctx); err != nil {
			return err
		}
	} else {
		r.logger.Warn("mail index unavailable, skipping ingest")
	}

	pending, err := r.store.GetPending(r.opts.PendingBatchSize)
	if err != nil {
		return err
	}
	for _, msg := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.processOne(ctx, msg)
	}

	due, err := r.store.GetReadyForRetry(r.now(), r.opts.RetryBatchSize)
	if err != nil {
		return err
	}
	for _, msg := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.processOne(ctx, msg)
	}
	return nil
}

// ingest advances the radar watermark. The batch insert and the checkpoint
// commit in one transaction; inserts are idempotent, so a crash between
// radar read and checkpoint replays harmlessly.
func (r *Reconciler) ingest(ctx context.Context) error {
	last, err := r.store.GetLastMaxRowID()
	if err != nil {
		return err
	}

	hasNew, currentMax, estimated, err := r.radar.CheckForChanges(ctx, last)
	if err != nil {
		return err
	}
	if !hasNew {
		return nil
	}

	r.logger.Info("new mail detected", "estimated", estimated, "watermark", last, "current_max", currentMax)
	metas, err := r.radar.GetNewEmails(ctx, last)
	if err != nil {
		return err
	}

	inserted, err := r.store.InsertBatch(metas, currentMax)
	if err != nil {
		return err
	}
	if inserted > 0 {
		r.logger.Info("ingested messages", "count", inserted)
	}
	return nil
}

// healthy probes the store and the radar. Repeated tick failures stop the
// loop only when one of the probes confirms the environment is broken.
func (r *Reconciler) healthy(ctx context.Context) bool {
	if err := r.store.Ping(); err != nil {
		r.logger.Error("store probe failed", "error", err)
		return false
	}
	if !r.radar.IsAvailable() {
		r.logger.Error("mail index probe failed")
		return false
	}
	// Both probes pass: the failures are likely remote, keep running.
	r.consecutiveErrors = 0
	return true
}

// Polls returns the number of completed forward ticks.
func (r *Reconciler) Polls() int64 {
	return r.polls
}
