// Package session owns the one long-lived websocket channel to the chat
// backend. It multiplexes all rooms over a single connection: at most one
// room is active at a time, and exactly one inbound listener is registered.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomsync/chat"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	readLimit    = 8 << 20 // inline images inflate ~33%, leave headroom
)

// ErrNotConnected is returned by Send while the session is not connected.
// This is a caller bug, not a transient condition; nothing is retried.
var ErrNotConnected = errors.New("session: not connected")

// Status is the connection state machine: disconnected → connecting →
// connected, falling back to connecting on transport loss.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config tunes a Session. Zero values get sensible defaults.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws.
	URL        string
	Dialer     *websocket.Dialer
	BackoffMin time.Duration
	BackoffMax time.Duration
	Logger     *zerolog.Logger
}

// Session is a live bidirectional channel with automatic reconnection.
// Server-side room membership does not survive a transport reconnect, so
// the session re-announces the active room every time it comes back up.
type Session struct {
	cfg Config
	lg  zerolog.Logger

	mu      sync.Mutex
	status  Status
	room    string // active room, "" when none joined yet
	handler func(chat.Message)
	conn    *websocket.Conn
	started bool
	stop    chan struct{}

	wmu sync.Mutex // serializes writes on the current conn
}

// New builds a session for the given endpoint. Connect starts it.
func New(cfg Config) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 15 * time.Second
	}
	lg := log.Logger
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}
	return &Session{cfg: cfg, lg: lg, stop: make(chan struct{})}
}

// Connect establishes the channel and keeps it alive until ctx is done or
// Close is called. Idempotent: calling it again while the session is
// running is a no-op.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.status = StatusConnecting
	s.mu.Unlock()

	go s.run(ctx)
}

// Status returns the current connection state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetListener registers the single inbound-message handler. Registering a
// new handler replaces the previous one; there is exactly one subscription
// slot, so room switches cannot accumulate stale listeners.
func (s *Session) SetListener(h func(chat.Message)) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// ClearListener drops the inbound handler.
func (s *Session) ClearListener() {
	s.SetListener(nil)
}

// JoinRoom makes code the active room, superseding any previous one. When
// connected, a conservative leave for the old room is issued before the
// join; while disconnected the room is only recorded and announced on the
// next (re)connect.
func (s *Session) JoinRoom(code string) error {
	code = chat.NormalizeRoom(code)

	s.mu.Lock()
	prev := s.room
	s.room = code
	conn := s.conn
	connected := s.status == StatusConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return nil
	}
	if prev != "" && prev != code {
		if err := s.write(conn, chat.LeaveEnvelope(prev)); err != nil {
			return fmt.Errorf("leave room: %w", err)
		}
	}
	if err := s.write(conn, chat.JoinEnvelope(code)); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}

// Room returns the active room code, or "" when none is set.
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Send transmits a message tagged with the active room. Fails with
// ErrNotConnected while the session is down.
func (s *Session) Send(m chat.Message) error {
	s.mu.Lock()
	conn := s.conn
	room := s.room
	connected := s.status == StatusConnected
	s.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	if m.Empty() {
		return chat.ErrEmptyMessage
	}
	if room == "" {
		room = chat.DefaultRoom
	}
	if err := s.write(conn, chat.MessageEnvelope(room, m)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	conn := s.conn
	s.conn = nil
	s.status = StatusDisconnected
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) run(ctx context.Context) {
	backoff := s.cfg.BackoffMin
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.stop:
			return
		default:
		}

		conn, _, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
		if err != nil {
			s.lg.Warn().Err(err).Str("url", s.cfg.URL).Msg("[session] dial failed")
			select {
			case <-ctx.Done():
				s.Close()
				return
			case <-s.stop:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, s.cfg.BackoffMax)
			continue
		}
		backoff = s.cfg.BackoffMin

		s.mu.Lock()
		select {
		case <-s.stop:
			// Close raced with the dial; do not resurrect the session.
			s.mu.Unlock()
			_ = conn.Close()
			return
		default:
		}
		s.conn = conn
		s.status = StatusConnected
		room := s.room
		s.mu.Unlock()
		s.lg.Info().Str("url", s.cfg.URL).Msg("[session] connected")

		// Membership does not survive a reconnect; re-announce.
		if room != "" {
			if err := s.write(conn, chat.JoinEnvelope(room)); err != nil {
				s.lg.Warn().Err(err).Str("room", room).Msg("[session] rejoin failed")
			}
		}

		s.readLoop(conn)

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		closed := false
		select {
		case <-s.stop:
			closed = true
			s.status = StatusDisconnected
		default:
			s.status = StatusConnecting
		}
		s.mu.Unlock()
		_ = conn.Close()
		if closed {
			return
		}
		s.lg.Info().Msg("[session] connection lost, reconnecting")
	}
}

// readLoop pumps inbound frames until the connection dies. Messages are
// handed to the listener synchronously, preserving server emission order.
func (s *Session) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, pingDone)

	for {
		var env chat.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			s.lg.Debug().Err(err).Msg("[session] read")
			return
		}
		if env.Event != chat.EventMessage {
			continue
		}
		msg, err := env.Message()
		if err != nil {
			s.lg.Warn().Err(err).Msg("[session] drop malformed message")
			continue
		}
		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h(msg)
		}
	}
}

func (s *Session) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.wmu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.wmu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) write(conn *websocket.Conn, env chat.Envelope) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}
