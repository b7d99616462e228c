// Package server is the reference chat backend the sync engine talks to:
// a websocket hub with room-scoped broadcast, a pebble-backed history log
// and an optional NATS bridge for multi-instance fan-out.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomsync/chat"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn is one websocket participant. Writes are serialized through wmu.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	wmu  sync.Mutex
	room string // active room, at most one per connection
}

// Hub routes messages between connections grouped by room. It keeps a
// bounded in-memory backlog per room for the history endpoint; the store,
// when attached, makes that backlog survive restarts.
type Hub struct {
	maxBacklog int
	maxImage   int64

	mu      sync.RWMutex
	conns   map[*wsConn]struct{}
	rooms   map[string]map[*wsConn]struct{}
	backlog map[string][]chat.Message
	store   *Store
	bridge  *Bridge
}

func NewHub(maxBacklog int, maxImage int64) *Hub {
	if maxBacklog <= 0 {
		maxBacklog = 100
	}
	return &Hub{
		maxBacklog: maxBacklog,
		maxImage:   maxImage,
		conns:      map[*wsConn]struct{}{},
		rooms:      map[string]map[*wsConn]struct{}{},
		backlog:    map[string][]chat.Message{},
	}
}

// AttachStore makes broadcasts durable.
func (h *Hub) AttachStore(s *Store) {
	h.mu.Lock()
	h.store = s
	h.mu.Unlock()
}

// AttachBridge publishes room traffic to other instances.
func (h *Hub) AttachBridge(b *Bridge) {
	h.mu.Lock()
	h.bridge = b
	h.mu.Unlock()
}

// Bootstrap preloads per-room backlogs, typically from Store.RecentAll.
func (h *Hub) Bootstrap(rooms map[string][]chat.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, msgs := range rooms {
		h.backlog[room] = trimBacklog(msgs, h.maxBacklog)
	}
}

// History returns the in-memory tail window for a room, oldest first.
func (h *Hub) History(room string) []chat.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	msgs := h.backlog[room]
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out
}

// ServeWS upgrades the request and pumps the connection until it dies.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("[hub] upgrade failed")
		return
	}
	c := &wsConn{id: uuid.NewString(), ws: ws}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	log.Debug().Str("conn", c.id).Msg("[hub] connected")

	go h.pingLoop(c)
	h.readLoop(c)
}

func (h *Hub) readLoop(c *wsConn) {
	defer h.drop(c)
	c.ws.SetReadLimit(h.readLimit())
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var env chat.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			log.Debug().Err(err).Str("conn", c.id).Msg("[hub] read")
			return
		}
		switch env.Event {
		case chat.EventJoin:
			h.join(c, sanitizeRoom(env.Room))
		case chat.EventLeave:
			h.leave(c, sanitizeRoom(env.Room))
		case chat.EventMessage:
			h.receive(c, env)
		default:
			log.Debug().Str("event", env.Event).Msg("[hub] unknown event")
		}
	}
}

func (h *Hub) pingLoop(c *wsConn) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for range ticker.C {
		c.wmu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.ws.WriteMessage(websocket.PingMessage, nil)
		c.wmu.Unlock()
		if err != nil {
			return
		}
	}
}

// join moves the connection into room, superseding its previous room.
func (h *Hub) join(c *wsConn, room string) {
	h.mu.Lock()
	if c.room != "" {
		h.detachLocked(c, c.room)
	}
	c.room = room
	set, ok := h.rooms[room]
	if !ok {
		set = map[*wsConn]struct{}{}
		h.rooms[room] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	log.Debug().Str("conn", c.id).Str("room", room).Msg("[hub] join")
}

func (h *Hub) leave(c *wsConn, room string) {
	h.mu.Lock()
	if c.room == room {
		c.room = ""
	}
	h.detachLocked(c, room)
	h.mu.Unlock()
}

func (h *Hub) detachLocked(c *wsConn, room string) {
	if set, ok := h.rooms[room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) drop(c *wsConn) {
	h.mu.Lock()
	delete(h.conns, c)
	if c.room != "" {
		h.detachLocked(c, c.room)
	}
	h.mu.Unlock()
	_ = c.ws.Close()
	log.Debug().Str("conn", c.id).Msg("[hub] disconnected")
}

// receive sanitizes, stamps and fans out one inbound message.
func (h *Hub) receive(c *wsConn, env chat.Envelope) {
	room := sanitizeRoom(env.RoomCode)
	m := chat.Message{
		Sender: sanitizeUsername(env.Username),
		Body:   sanitizeBody(env.Text),
	}
	if env.Image != "" {
		att, err := chat.ParseDataURI(env.Image)
		if err != nil {
			log.Warn().Err(err).Str("conn", c.id).Msg("[hub] drop bad image")
			return
		}
		if h.maxImage > 0 && int64(len(att.Data)) > h.maxImage {
			log.Warn().Int("bytes", len(att.Data)).Str("conn", c.id).Msg("[hub] drop oversized image")
			return
		}
		m.Attachment = att
	}
	if m.Empty() {
		return
	}
	now := time.Now().UTC()
	m.SentAt = &now

	h.Deliver(room, m)

	h.mu.RLock()
	bridge := h.bridge
	h.mu.RUnlock()
	if bridge != nil {
		if err := bridge.Publish(room, m); err != nil {
			log.Warn().Err(err).Str("room", room).Msg("[hub] bridge publish failed")
		}
	}
}

// Deliver appends to the room backlog, persists, and broadcasts to every
// connection currently joined to the room. Remote instances call this via
// the bridge, which is why it does not republish.
func (h *Hub) Deliver(room string, m chat.Message) {
	h.mu.Lock()
	h.backlog[room] = trimBacklog(append(h.backlog[room], m), h.maxBacklog)
	store := h.store
	set := h.rooms[room]
	conns := make([]*wsConn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	if store != nil {
		if err := store.Append(room, m); err != nil {
			log.Warn().Err(err).Str("room", room).Msg("[hub] persist failed")
		}
	}

	env := chat.MessageEnvelope(room, m)
	for _, c := range conns {
		c.wmu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(env); err != nil {
			log.Debug().Err(err).Str("conn", c.id).Msg("[hub] write")
		}
		c.wmu.Unlock()
	}
}

// CloseAll drops every connection, typically during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.wmu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
		c.wmu.Unlock()
		_ = c.ws.Close()
	}
}

func (h *Hub) readLimit() int64 {
	if h.maxImage > 0 {
		// Data-URI base64 inflates ~33%; double it for framing headroom.
		return h.maxImage * 2
	}
	return 8 << 20
}

func trimBacklog(msgs []chat.Message, limit int) []chat.Message {
	if limit > 0 && len(msgs) > limit {
		copy(msgs, msgs[len(msgs)-limit:])
		msgs = msgs[:limit]
	}
	return msgs
}
