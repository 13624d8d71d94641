package ical

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChenyqThu/MailAgent/internal/notion"
)

// Calendar database property names.
const (
	propTitle          = "Title"
	propTime           = "Time"
	propLocation       = "Location"
	propOrganizer      = "Organizer"
	propOrganizerEmail = "Organizer Email"
	propAttendees      = "Attendees"
	propStatus         = "Status"
	propEventID        = "Event ID"
	propIsAllDay       = "Is All Day"
	propSourceEmail    = "Source Email"
	propLastSynced     = "Last Synced"
)

// pageAPI is the slice of the Notion client meeting sync needs.
type pageAPI interface {
	FindPageByText(ctx context.Context, databaseID, property, value string) (*notion.Page, error)
	CreatePage(ctx context.Context, databaseID string, props notion.Properties, children []notion.Block) (*notion.Page, error)
	UpdatePageProperties(ctx context.Context, pageID string, props notion.Properties) error
}

// MeetingSync mirrors meeting invites into the calendar database, keyed by
// the invite UID so reschedules update in place.
type MeetingSync struct {
	api        pageAPI
	databaseID string
	displayLoc *time.Location
	logger     *slog.Logger
	now        func() time.Time
}

// NewMeetingSync returns a meeting sync against the given calendar database.
func NewMeetingSync(api pageAPI, databaseID string, displayLoc *time.Location) *MeetingSync {
	if displayLoc == nil {
		displayLoc = time.UTC
	}
	return &MeetingSync{
		api:        api,
		databaseID: databaseID,
		displayLoc: displayLoc,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// WithLogger sets the logger and returns the sync for chaining.
func (s *MeetingSync) WithLogger(logger *slog.Logger) *MeetingSync {
	s.logger = logger
	return s
}

// Enabled reports whether a calendar database is configured.
func (s *MeetingSync) Enabled() bool {
	return s.databaseID != ""
}

// Upsert creates or updates the event page for the invite and returns its
// page id with the action taken ("created" or "updated"). Cancellations
// update the existing page's status; a cancellation for an unknown event is
// not created.
func (s *MeetingSync) Upsert(ctx context.Context, inv *Invite) (pageID, action string, err error) {
	if !s.Enabled() {
		return "", "", fmt.Errorf("calendar database not configured")
	}

	existing, err := s.api.FindPageByText(ctx, s.databaseID, propEventID, inv.UID)
	if err != nil {
		return "", "", fmt.Errorf("look up event %s: %w", shortUID(inv.UID), err)
	}

	if existing == nil {
		if inv.Cancelled() {
			s.logger.Debug("cancellation for unknown event, skipping", "uid", shortUID(inv.UID))
			return "", "skipped", nil
		}
		page, err := s.api.CreatePage(ctx, s.databaseID, s.properties(inv), nil)
		if err != nil {
			return "", "", fmt.Errorf("create event %s: %w", shortUID(inv.UID), err)
		}
		s.logger.Info("created calendar event", "uid", shortUID(inv.UID), "summary", inv.Summary)
		return page.ID, "created", nil
	}

	if err := s.api.UpdatePageProperties(ctx, existing.ID, s.properties(inv)); err != nil {
		return "", "", fmt.Errorf("update event %s: %w", shortUID(inv.UID), err)
	}
	if inv.Cancelled() {
		s.logger.Info("cancelled calendar event", "uid", shortUID(inv.UID), "summary", inv.Summary)
	} else {
		s.logger.Info("updated calendar event", "uid", shortUID(inv.UID), "summary", inv.Summary)
	}
	return existing.ID, "updated", nil
}

// LinkSourceEmail points the event page back at the email page it came
// from. A failed link is logged, not fatal; the event itself is synced.
func (s *MeetingSync) LinkSourceEmail(ctx context.Context, calendarPageID, emailPageID string) error {
	err := s.api.UpdatePageProperties(ctx, calendarPageID, notion.Properties{
		propSourceEmail: notion.Relation(emailPageID),
	})
	if err != nil {
		return fmt.Errorf("link source email: %w", err)
	}
	return nil
}

func (s *MeetingSync) properties(inv *Invite) notion.Properties {
	status := "Confirmed"
	if inv.Cancelled() {
		status = "Cancelled"
	} else if strings.EqualFold(inv.Status, "TENTATIVE") {
		status = "Tentative"
	}

	props := notion.Properties{
		propTitle:      notion.Title(inv.Summary),
		propTime:       notion.DateRange(inv.Start, inv.End, s.displayLoc, inv.AllDay),
		propEventID:    notion.Text(inv.UID),
		propStatus:     notion.Select(status),
		propIsAllDay:   notion.Checkbox(inv.AllDay),
		propLastSynced: notion.Date(s.now(), s.displayLoc),
	}
	if inv.Location != "" {
		props[propLocation] = notion.Text(inv.Location)
	}
	if inv.Organizer != "" {
		props[propOrganizer] = notion.Text(inv.Organizer)
	}
	if inv.OrganizerEmail != "" {
		props[propOrganizerEmail] = notion.Text(inv.OrganizerEmail)
	}
	if len(inv.Attendees) > 0 {
		props[propAttendees] = notion.Text(strings.Join(inv.Attendees, ", "))
	}
	return props
}

func shortUID(uid string) string {
	if len(uid) > 40 {
		return uid[:40]
	}
	return uid
}
