package mime

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
)

// FallbackEnvelope holds the fields available when Mail returns no raw
// source for a message. BuildFallbackEML reconstructs a minimal RFC 5322
// document from them so the archive upload never goes empty.
type FallbackEnvelope struct {
	MessageID string
	Subject   string
	From      string
	To        string
	Cc        string
	Date      time.Time
	Body      string
}

// BuildFallbackEML renders the envelope as a single-part text/plain message.
func BuildFallbackEML(env FallbackEnvelope) ([]byte, error) {
	var h message.Header
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if env.MessageID != "" {
		h.Set("Message-ID", ensureAngles(env.MessageID))
	}
	if env.Subject != "" {
		h.SetText("Subject", env.Subject)
	}
	if env.From != "" {
		h.Set("From", env.From)
	}
	if env.To != "" {
		h.Set("To", env.To)
	}
	if env.Cc != "" {
		h.Set("Cc", env.Cc)
	}
	if !env.Date.IsZero() {
		h.Set("Date", env.Date.UTC().Format(time.RFC1123Z))
	}
	h.Set("X-Reconstructed", "true")

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(w, env.Body); err != nil {
		w.Close()
		return nil, fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), nil
}

func ensureAngles(id string) string {
	if len(id) > 0 && id[0] == '<' {
		return id
	}
	return "<" + id + ">"
}
