// Package mime provides MIME message parsing using enmime.
package mime

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
)

// Message represents a parsed email message.
type Message struct {
	Subject     string
	Date        time.Time
	From        []Address
	To          []Address
	Cc          []Address
	ReplyTo     []Address
	MessageID   string
	InReplyTo   string
	References  []string
	BodyText    string
	BodyHTML    string
	Attachments []Attachment
	CalendarRaw []byte   // text/calendar part, nil when absent
	Errors      []string // Non-fatal parsing errors
}

// Address represents an email address with optional display name.
type Address struct {
	Name  string
	Email string
}

// Attachment represents a file attachment or inline part.
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Size        int
	ContentHash string // SHA-256 of content
	Content     []byte
	IsInline    bool
}

// Parse parses raw MIME data into a Message.
func Parse(raw []byte) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Subject:   EnsureUTF8(env.GetHeader("Subject")),
		MessageID: env.GetHeader("Message-ID"),
		InReplyTo: env.GetHeader("In-Reply-To"),
		BodyText:  EnsureUTF8(env.Text),
		BodyHTML:  EnsureUTF8(env.HTML),
	}

	if dateStr := env.GetHeader("Date"); dateStr != "" {
		if t, err := parseDate(dateStr); err == nil {
			msg.Date = t
		}
	}

	// enmime's AddressList handles the encoded-word and quoting edge cases.
	msg.From = parseAddressList(env, "From")
	msg.To = parseAddressList(env, "To")
	msg.Cc = parseAddressList(env, "Cc")
	msg.ReplyTo = parseAddressList(env, "Reply-To")

	if refs := env.GetHeader("References"); refs != "" {
		msg.References = parseReferences(refs)
	}

	// Only parts with a filename or an explicit attachment disposition are
	// attachments; bare text/plain and text/html parts are body content.
	msg.Attachments = append(msg.Attachments, processParts(env.Attachments, false)...)
	msg.Attachments = append(msg.Attachments, processParts(env.Inlines, true)...)

	msg.CalendarRaw = findCalendarPart(env)

	for _, e := range env.Errors {
		msg.Errors = append(msg.Errors, e.Error())
	}

	return msg, nil
}

// ThreadID derives the thread root's message id: first References token,
// then In-Reply-To, then the message's own id. Angle brackets stripped.
func (m *Message) ThreadID() string {
	if len(m.References) > 0 {
		return m.References[0]
	}
	if v := strings.TrimSpace(m.InReplyTo); v != "" {
		return strings.Trim(v, "<>")
	}
	return strings.Trim(m.MessageID, "<>")
}

// HasCalendarPart reports whether a text/calendar part was found.
func (m *Message) HasCalendarPart() bool {
	return len(m.CalendarRaw) > 0
}

// findCalendarPart scans every non-body part for a text/calendar payload.
func findCalendarPart(env *enmime.Envelope) []byte {
	lists := [][]*enmime.Part{env.Attachments, env.Inlines, env.OtherParts}
	for _, parts := range lists {
		for _, part := range parts {
			if baseContentType(part.ContentType) == "text/calendar" {
				return part.Content
			}
		}
	}
	return nil
}

func baseContentType(ct string) string {
	ct = strings.ToLower(ct)
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return ct
}

// parseAddressList parses an address header using enmime's AddressList method.
func parseAddressList(env *enmime.Envelope, header string) []Address {
	list, err := env.AddressList(header)
	if err != nil || list == nil {
		return nil
	}

	addresses := make([]Address, 0, len(list))
	for _, addr := range list {
		if addr.Address == "" {
			continue
		}
		addresses = append(addresses, Address{
			Name:  EnsureUTF8(addr.Name),
			Email: strings.ToLower(addr.Address),
		})
	}
	return addresses
}

// isBodyPart returns true if the part should be treated as body content
// rather than an attachment: text/plain and text/html parts without a
// filename and without explicit Content-Disposition: attachment.
func isBodyPart(part *enmime.Part) bool {
	contentType := baseContentType(part.ContentType)
	if contentType != "text/plain" && contentType != "text/html" {
		return false
	}
	if part.FileName != "" {
		return false
	}
	disposition := strings.ToLower(part.Disposition)
	if idx := strings.Index(disposition, ";"); idx >= 0 {
		disposition = strings.TrimSpace(disposition[:idx])
	}
	return disposition != "attachment"
}

// processParts filters body parts and converts the remaining parts to Attachments.
func processParts(parts []*enmime.Part, isInline bool) []Attachment {
	var result []Attachment
	for _, part := range parts {
		if !isBodyPart(part) {
			result = append(result, makeAttachment(part, isInline))
		}
	}
	return result
}

// makeAttachment creates an Attachment from an enmime Part.
func makeAttachment(part *enmime.Part, isInline bool) Attachment {
	content := part.Content
	hash := sha256.Sum256(content)

	return Attachment{
		Filename:    part.FileName,
		ContentType: baseContentType(part.ContentType),
		ContentID:   strings.Trim(part.ContentID, "<>"),
		Size:        len(content),
		ContentHash: hex.EncodeToString(hash[:]),
		Content:     content,
		IsInline:    isInline,
	}
}

// parseReferences parses the References header into individual message IDs.
func parseReferences(refs string) []string {
	var result []string
	for _, ref := range strings.Fields(refs) {
		ref = strings.Trim(ref, "<>")
		if ref != "" {
			result = append(result, ref)
		}
	}
	return result
}

// dateFormats lists common email date formats for parseDate.
var dateFormats = []string{
	time.RFC1123Z,                           // "Mon, 02 Jan 2006 15:04:05 -0700"
	time.RFC1123,                            // "Mon, 02 Jan 2006 15:04:05 MST"
	"Mon, 2 Jan 2006 15:04:05 -0700",        // Single-digit day
	"Mon, 2 Jan 2006 15:04:05 MST",          // Single-digit day with named TZ
	"2 Jan 2006 15:04:05 -0700",             // No weekday
	"2 Jan 2006 15:04:05 MST",               // No weekday, named TZ
	"02 Jan 2006 15:04:05 -0700",            // No weekday, zero-padded
	"02 Jan 2006 15:04:05 MST",              // No weekday, zero-padded, named TZ
	time.RFC822Z,                            // "02 Jan 06 15:04 -0700"
	time.RFC822,                             // "02 Jan 06 15:04 MST"
	time.RFC850,                             // "Monday, 02-Jan-06 15:04:05 MST"
	time.ANSIC,                              // "Mon Jan _2 15:04:05 2006"
	time.UnixDate,                           // "Mon Jan _2 15:04:05 MST 2006"
	"Mon, 02 Jan 2006 15:04:05 -0700 (MST)", // With parenthesized TZ
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",  // Single-digit day with paren TZ
	time.RFC3339,                            // "2006-01-02T15:04:05Z07:00" (ISO 8601)
	"2006-01-02T15:04:05Z",                  // ISO 8601 UTC
	"2006-01-02T15:04:05-07:00",             // ISO 8601 with offset
	"2006-01-02 15:04:05 -0700",             // SQL-like format
	"2006-01-02 15:04:05",                   // SQL-like without TZ
}

// parseDate attempts to parse a date string in various formats.
// Returns the time in UTC for consistent storage.
func parseDate(s string) (time.Time, error) {
	s = strings.Join(strings.Fields(s), " ")

	// Strip trailing timezone name in parentheses like "(UTC)" or "(PST)"
	// but keep the numeric offset for parsing
	baseStr := s
	if idx := strings.LastIndex(s, "("); idx > 0 {
		baseStr = strings.TrimSpace(s[:idx])
	}

	for _, format := range dateFormats {
		if t, err := time.Parse(format, baseStr); err == nil {
			return t.UTC(), nil
		}
	}

	if baseStr != s {
		for _, format := range dateFormats {
			if t, err := time.Parse(format, s); err == nil {
				return t.UTC(), nil
			}
		}
	}

	return time.Time{}, nil
}

// Block tags that should create line breaks when stripped
var blockTagRe = regexp.MustCompile(`(?i)<(/?)(p|div|br|hr|h[1-6]|li|tr|td|th|blockquote|pre|table|ul|ol|dl|dt|dd)[^>]*>`)

var scriptTagRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
var styleTagRe = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
var headTagRe = regexp.MustCompile(`(?is)<head[^>]*>.*?</head>`)
var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

// StripHTML removes HTML tags, decodes entities, and normalizes whitespace.
// Block elements are converted to line breaks for readable plain text output.
func StripHTML(rawHTML string) string {
	text := scriptTagRe.ReplaceAllString(rawHTML, "")
	text = styleTagRe.ReplaceAllString(text, "")
	text = headTagRe.ReplaceAllString(text, "")

	text = blockTagRe.ReplaceAllStringFunc(text, func(match string) string {
		return "\n"
	})

	text = htmlTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.ReplaceAll(text, " ", " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	text = strings.Join(lines, "\n")

	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}

	return strings.TrimSpace(text)
}

// GetBodyText returns the best available body text.
// Prefers plain text, falls back to stripped HTML.
func (m *Message) GetBodyText() string {
	if m.BodyText != "" {
		return m.BodyText
	}
	if m.BodyHTML != "" {
		return StripHTML(m.BodyHTML)
	}
	return ""
}

// GetFirstFrom returns the first From address, or empty if none.
func (m *Message) GetFirstFrom() Address {
	if len(m.From) > 0 {
		return m.From[0]
	}
	return Address{}
}

// JoinAddresses renders an address list as a comma-separated string of
// bare emails, the form the page properties use.
func JoinAddresses(addrs []Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.Email)
	}
	return strings.Join(parts, ", ")
}
