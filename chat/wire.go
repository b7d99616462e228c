package chat

import (
	"fmt"
	"time"
)

// Live-channel event names. These mirror the backend's socket events.
const (
	EventJoin    = "join room"
	EventLeave   = "leave room"
	EventMessage = "chat message"
)

// Envelope is the flattened JSON frame exchanged over the live channel.
// Which fields are set depends on Event: "join room"/"leave room" carry
// Room, "chat message" carries the message fields plus RoomCode.
type Envelope struct {
	Event     string `json:"event"`
	Room      string `json:"room,omitempty"`
	Username  string `json:"username,omitempty"`
	Text      string `json:"text,omitempty"`
	Image     string `json:"image,omitempty"`
	RoomCode  string `json:"roomCode,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// JoinEnvelope announces room membership.
func JoinEnvelope(room string) Envelope {
	return Envelope{Event: EventJoin, Room: room}
}

// LeaveEnvelope retracts room membership.
func LeaveEnvelope(room string) Envelope {
	return Envelope{Event: EventLeave, Room: room}
}

// MessageEnvelope frames an outbound message for a room.
func MessageEnvelope(room string, m Message) Envelope {
	e := Envelope{
		Event:    EventMessage,
		Username: m.Sender,
		Text:     m.Body,
		Image:    m.Attachment.DataURI(),
		RoomCode: room,
	}
	if m.SentAt != nil {
		e.Timestamp = m.SentAt.UTC().Format(time.RFC3339Nano)
	}
	return e
}

// Message decodes a "chat message" envelope back into a Message.
func (e Envelope) Message() (Message, error) {
	if e.Event != EventMessage {
		return Message{}, fmt.Errorf("chat: envelope event %q is not a message", e.Event)
	}
	m := Message{Sender: e.Username, Body: e.Text}
	if e.Image != "" {
		att, err := ParseDataURI(e.Image)
		if err != nil {
			return Message{}, err
		}
		m.Attachment = att
	}
	if e.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil {
			return Message{}, fmt.Errorf("chat: bad timestamp %q: %w", e.Timestamp, err)
		}
		m.SentAt = &ts
	}
	return m, nil
}
