package sync

import (
	"strconv"
	"time"

	"github.com/ChenyqThu/MailAgent/internal/mime"
	"github.com/ChenyqThu/MailAgent/internal/notion"
	"github.com/ChenyqThu/MailAgent/internal/store"
)

// Email database property names. These are contracts with the remote
// schema; renaming one breaks the sync silently.
const (
	propSubject        = "Subject"
	propFrom           = "From"
	propFromName       = "From Name"
	propTo             = "To"
	propCC             = "CC"
	propDate           = "Date"
	propMessageID      = "Message ID"
	propThreadID       = "Thread ID"
	propMailbox        = "Mailbox"
	propProcStatus     = "Processing Status"
	propIsRead         = "Is Read"
	propIsFlagged      = "Is Flagged"
	propHasAttachments = "Has Attachments"
	propOriginalEML    = "Original EML"
	propParentItem     = "Parent Item"
	propSubItem        = "Sub-item"
	propCalendarEvents = "Calendar Events"
	propAIReviewStatus = "AI Review Status"
	propAIAction       = "AI Action"
	propSyncedToMail   = "Synced to Mail"
	propMailSyncTime   = "Mail Sync Time"
)

// AI Action option names read during reverse sync.
const (
	actionMarkRead        = "Mark Read"
	actionFlagImportant   = "Flag Important"
	actionMarkReadAndFlag = "Mark Read and Flag"
	actionArchive         = "Archive"

	reviewStatusReviewed = "Reviewed"
	procStatusUnreviewed = "Unreviewed"
)

// buildPageProperties assembles the email page property map. emlUploadID
// and calendarPageID are optional.
func buildPageProperties(msg *store.Message, parsed *mime.Message, loc *time.Location, emlUploadID, calendarPageID string) notion.Properties {
	subject := msg.Subject
	if subject == "" {
		subject = "(no subject)"
	}

	from := parsed.GetFirstFrom()
	fromEmail := from.Email
	if fromEmail == "" {
		fromEmail = msg.Sender
	}
	fromName := from.Name
	if fromName == "" {
		fromName = msg.SenderName
	}

	props := notion.Properties{
		propSubject:        notion.Title(subject),
		propFrom:           notion.Email(fromEmail),
		propFromName:       notion.Text(fromName),
		propTo:             notion.Text(mime.JoinAddresses(parsed.To)),
		propCC:             notion.Text(mime.JoinAddresses(parsed.Cc)),
		propDate:           notion.Date(msg.DateReceived, loc),
		propMessageID:      notion.Text(msg.MessageID),
		propThreadID:       notion.Text(msg.ThreadID),
		propMailbox:        notion.Select(msg.Mailbox),
		propProcStatus:     notion.Select(procStatusUnreviewed),
		propIsRead:         notion.Checkbox(msg.IsRead),
		propIsFlagged:      notion.Checkbox(msg.IsFlagged),
		propHasAttachments: notion.Checkbox(len(parsed.Attachments) > 0),
	}
	if emlUploadID != "" {
		props[propOriginalEML] = notion.FileUploadProperty(emlFilename(msg), emlUploadID)
	}
	if calendarPageID != "" {
		props[propCalendarEvents] = notion.Relation(calendarPageID)
	}
	return props
}

// emlFilename names the archive file after the message's internal id, which
// is stable and filesystem-safe where subjects are not.
func emlFilename(msg *store.Message) string {
	return "message-" + strconv.FormatInt(msg.InternalID, 10) + ".eml"
}
