// Package ical parses the iCalendar subset that meeting invites carry and
// mirrors them into the calendar database.
package ical

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Invite is one VEVENT extracted from a text/calendar part.
type Invite struct {
	UID            string
	Summary        string
	Description    string
	Location       string
	Organizer      string
	OrganizerEmail string
	Attendees      []string
	Method         string // REQUEST, CANCEL, REPLY
	Status         string // CONFIRMED, CANCELLED, TENTATIVE
	Start          time.Time
	End            time.Time
	AllDay         bool
}

// Cancelled reports whether the invite withdraws the meeting.
func (inv *Invite) Cancelled() bool {
	return inv.Method == "CANCEL" || strings.EqualFold(inv.Status, "CANCELLED")
}

// ErrNoEvent is returned when the payload has no usable VEVENT. Invites
// without a UID or DTSTART cannot be upserted and count as no event.
var ErrNoEvent = errors.New("no usable VEVENT in calendar data")

// unfoldRe collapses RFC 5545 folded lines (continuation lines start with
// space or tab).
var unfoldRe = regexp.MustCompile(`\r?\n[ \t]`)

type contentLine struct {
	name   string
	params map[string]string
	value  string
}

func parseLine(line string) (contentLine, bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return contentLine{}, false
	}
	keyPart, value := line[:idx], line[idx+1:]

	cl := contentLine{value: value, params: map[string]string{}}
	fields := strings.Split(keyPart, ";")
	cl.name = strings.ToUpper(fields[0])
	for _, p := range fields[1:] {
		if k, v, ok := strings.Cut(p, "="); ok {
			cl.params[strings.ToUpper(k)] = v
		}
	}
	return cl, true
}

// Parse extracts the first VEVENT. defaultLoc applies to local (zone-less
// and TZID-tagged) timestamps; invites from this mail flow carry named
// Windows zones that Go cannot load, so the configured display zone stands
// in for all of them.
func Parse(raw []byte, defaultLoc *time.Location) (*Invite, error) {
	if defaultLoc == nil {
		defaultLoc = time.UTC
	}
	text := unfoldRe.ReplaceAllString(string(raw), "")

	inv := &Invite{Method: "REQUEST"}
	inEvent := false
	var startLine, endLine *contentLine

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		cl, ok := parseLine(strings.TrimSpace(line))
		if !ok {
			continue
		}

		switch cl.name {
		case "BEGIN":
			if strings.EqualFold(cl.value, "VEVENT") {
				inEvent = true
			}
		case "END":
			if strings.EqualFold(cl.value, "VEVENT") && inEvent {
				return finishInvite(inv, startLine, endLine, defaultLoc)
			}
		case "METHOD":
			inv.Method = strings.ToUpper(strings.TrimSpace(cl.value))
		}

		if !inEvent {
			continue
		}

		switch cl.name {
		case "UID":
			inv.UID = strings.TrimSpace(cl.value)
		case "SUMMARY":
			inv.Summary = unescapeText(cl.value)
		case "DESCRIPTION":
			inv.Description = unescapeText(cl.value)
		case "LOCATION":
			inv.Location = unescapeText(cl.value)
		case "STATUS":
			inv.Status = strings.ToUpper(strings.TrimSpace(cl.value))
		case "ORGANIZER":
			inv.Organizer, inv.OrganizerEmail = parseOrganizer(cl)
		case "ATTENDEE":
			if email := mailtoAddress(cl.value); email != "" {
				inv.Attendees = append(inv.Attendees, email)
			}
		case "DTSTART":
			c := cl
			startLine = &c
		case "DTEND":
			c := cl
			endLine = &c
		}
	}

	return nil, ErrNoEvent
}

func finishInvite(inv *Invite, startLine, endLine *contentLine, loc *time.Location) (*Invite, error) {
	if inv.UID == "" || startLine == nil {
		return nil, ErrNoEvent
	}

	start, allDay, err := parseDateTime(*startLine, loc)
	if err != nil {
		return nil, ErrNoEvent
	}
	inv.Start = start
	inv.AllDay = allDay

	if endLine != nil {
		if end, _, err := parseDateTime(*endLine, loc); err == nil {
			inv.End = end
		}
	}
	if inv.End.IsZero() && !inv.AllDay {
		inv.End = inv.Start.Add(time.Hour)
	}
	return inv, nil
}

// parseDateTime handles the three DTSTART shapes: date-only (all day),
// UTC-suffixed, and local with an optional TZID parameter.
func parseDateTime(cl contentLine, loc *time.Location) (time.Time, bool, error) {
	value := strings.TrimSpace(cl.value)

	if cl.params["VALUE"] == "DATE" || len(value) == 8 {
		t, err := time.ParseInLocation("20060102", value, loc)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC(), true, nil
	}

	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.UTC(), false, nil
	}

	t, err := time.ParseInLocation("20060102T150405", value, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), false, nil
}

// parseOrganizer splits "ORGANIZER;CN=Name:MAILTO:addr" into its parts.
func parseOrganizer(cl contentLine) (name, email string) {
	name = cl.params["CN"]
	name = strings.Trim(name, `"`)
	email = mailtoAddress(cl.value)
	if name == "" {
		name = email
	}
	return name, email
}

func mailtoAddress(v string) string {
	v = strings.TrimSpace(v)
	if rest, ok := cutPrefixFold(v, "MAILTO:"); ok {
		return strings.ToLower(rest)
	}
	if strings.Contains(v, "@") && !strings.ContainsAny(v, " ;") {
		return strings.ToLower(v)
	}
	return ""
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return s, false
}

// unescapeText reverses RFC 5545 text escaping.
func unescapeText(s string) string {
	r := strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)
	return strings.TrimSpace(r.Replace(s))
}
