// Package chat holds the message model and wire shapes shared by the
// sync engine, the CLI and the reference server.
package chat

import (
	"bytes"
	"errors"
	"strings"
	"time"
)

// DefaultRoom is the well-known room joined when no code is given.
const DefaultRoom = "global"

// ErrEmptyMessage is returned when a message carries neither text nor image.
var ErrEmptyMessage = errors.New("chat: message has no text and no image")

// Message is the atomic unit of a room timeline.
//
// The JSON shape matches the backend protocol: {username, text, image,
// timestamp}, where image is a data URI and timestamp is ISO-8601.
// SentAt is nil for outbound messages the server has not stamped yet.
type Message struct {
	Sender     string      `json:"username"`
	Body       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"image,omitempty"`
	SentAt     *time.Time  `json:"timestamp,omitempty"`
}

// Empty reports whether the message violates the text-or-image invariant.
func (m Message) Empty() bool {
	return m.Body == "" && m.Attachment == nil
}

// Equal reports exact equality of (sender, body, attachment, sentAt).
//
// This is the de-duplication identity: the protocol assigns no message IDs,
// so two distinct messages with identical content and timestamp collapse,
// and a skewed resend does not. Best effort, known limitation.
func (m Message) Equal(o Message) bool {
	if m.Sender != o.Sender || m.Body != o.Body {
		return false
	}
	if !m.Attachment.Equal(o.Attachment) {
		return false
	}
	switch {
	case m.SentAt == nil && o.SentAt == nil:
		return true
	case m.SentAt == nil || o.SentAt == nil:
		return false
	default:
		return m.SentAt.Equal(*o.SentAt)
	}
}

// Equal compares media type and raw bytes. Both nil counts as equal.
func (a *Attachment) Equal(b *Attachment) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.MediaType == b.MediaType && bytes.Equal(a.Data, b.Data)
}

// NormalizeRoom maps an empty or blank room code to DefaultRoom.
func NormalizeRoom(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return DefaultRoom
	}
	return code
}
