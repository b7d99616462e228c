package server

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomsync/chat"
)

const subjectPrefix = "roomsync.rooms"

// bridgeFrame is the cross-instance wire format. Instance carries the
// publisher's ID so an instance can skip its own publishes.
type bridgeFrame struct {
	Instance string       `json:"instance"`
	Room     string       `json:"room"`
	Message  chat.Message `json:"message"`
}

// Bridge fans room traffic out across server instances over NATS core
// subjects. History durability stays with the pebble store; the bridge only
// moves live messages, so plain pub/sub is enough.
type Bridge struct {
	nc  *nats.Conn
	id  string
	sub *nats.Subscription
}

// NewBridge connects to NATS and folds remote room traffic into deliver.
func NewBridge(url string, deliver func(room string, m chat.Message)) (*Bridge, error) {
	nc, err := nats.Connect(url, nats.Name("roomsyncd"))
	if err != nil {
		return nil, fmt.Errorf("bridge connect: %w", err)
	}
	b := &Bridge{nc: nc, id: uuid.NewString()}

	sub, err := nc.Subscribe(subjectPrefix+".>", func(msg *nats.Msg) {
		var frame bridgeFrame
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("[bridge] drop bad frame")
			return
		}
		if frame.Instance == b.id {
			return // own publish echoed back
		}
		deliver(frame.Room, frame.Message)
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bridge subscribe: %w", err)
	}
	b.sub = sub
	log.Info().Str("url", url).Str("instance", b.id).Msg("[bridge] connected")
	return b, nil
}

// Publish announces one room message to the other instances. Room codes are
// already sanitized to a token charset, so they are safe subject segments.
func (b *Bridge) Publish(room string, m chat.Message) error {
	data, err := json.Marshal(bridgeFrame{Instance: b.id, Room: room, Message: m})
	if err != nil {
		return fmt.Errorf("bridge publish: %w", err)
	}
	return b.nc.Publish(subjectPrefix+"."+room, data)
}

func (b *Bridge) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	b.nc.Close()
}
