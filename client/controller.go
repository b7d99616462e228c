// Package client orchestrates the sync engine: on every room switch it
// resets the timeline, announces membership, wires the live stream into the
// merger and reconciles the concurrently fetched history snapshot.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomsync/chat"
	"github.com/gosuda/roomsync/timeline"
)

// LiveSession is the slice of the connection session the controller drives.
// The controller is the only component allowed to join rooms or touch the
// listener slot, so nothing else can race to define the active room.
type LiveSession interface {
	JoinRoom(code string) error
	Send(m chat.Message) error
	SetListener(h func(chat.Message))
	ClearListener()
}

// HistoryFetcher retrieves a room's message history snapshot.
type HistoryFetcher interface {
	Fetch(ctx context.Context, room string) ([]chat.Message, error)
}

// Config wires a Controller. Sender is the display name stamped on
// outbound messages; it comes from the presentation layer as-is.
type Config struct {
	Sender       string
	Session      LiveSession
	History      HistoryFetcher
	FetchTimeout time.Duration // bound on each history fetch; default 15s
	Logger       *zerolog.Logger
}

// Controller exposes switchRoom/send/timeline to the presentation layer.
type Controller struct {
	sender       string
	sess         LiveSession
	hist         HistoryFetcher
	merger       *timeline.Merger
	fetchTimeout time.Duration
	lg           zerolog.Logger

	mu          sync.Mutex
	epoch       uint64 // bumped per switch; stale fetches and listeners check it
	room        string
	cancelFetch context.CancelFunc

	notifyMu sync.Mutex // serializes onUpdate invocations
	onUpdate func()
}

func New(cfg Config) *Controller {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	lg := log.Logger
	if cfg.Logger != nil {
		lg = *cfg.Logger
	}
	return &Controller{
		sender:       cfg.Sender,
		sess:         cfg.Session,
		hist:         cfg.History,
		merger:       timeline.NewMerger(),
		fetchTimeout: cfg.FetchTimeout,
		lg:           lg,
	}
}

// SetOnUpdate registers a callback invoked after every timeline change.
// Invocations are serialized: the live-listener path and the history-fetch
// goroutine both notify, but never concurrently, so the callback may keep
// plain render state. It must not call back into SwitchRoom synchronously.
func (c *Controller) SetOnUpdate(fn func()) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn == nil {
		return
	}
	c.notifyMu.Lock()
	fn()
	c.notifyMu.Unlock()
}

// SwitchRoom leaves the previous room and enters code: timeline reset,
// listener replaced, membership announced, history fetch launched. A fetch
// still in flight for the previous room is cancelled and its result, should
// it arrive anyway, is discarded rather than applied.
func (c *Controller) SwitchRoom(ctx context.Context, code string) {
	code = chat.NormalizeRoom(code)

	c.mu.Lock()
	c.epoch++
	ep := c.epoch
	c.room = code
	if c.cancelFetch != nil {
		c.cancelFetch()
	}
	fctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	c.cancelFetch = cancel
	c.merger.BeginRoom(code)
	c.mu.Unlock()

	c.sess.SetListener(func(m chat.Message) {
		c.mu.Lock()
		if c.epoch != ep {
			// Listener replacement raced with a late delivery; drop it.
			c.mu.Unlock()
			return
		}
		c.merger.ApplyLive(m)
		c.mu.Unlock()
		c.notify()
	})

	if err := c.sess.JoinRoom(code); err != nil {
		// Non-fatal: the session re-announces the room on reconnect.
		c.lg.Warn().Err(err).Str("room", code).Msg("[controller] join announce failed")
	}

	go func() {
		msgs, err := c.hist.Fetch(fctx, code)
		cancel()

		c.mu.Lock()
		if c.epoch != ep {
			// The user already navigated away; this snapshot belongs to a
			// room that is no longer active.
			c.mu.Unlock()
			return
		}
		if err != nil {
			c.lg.Warn().Err(err).Str("room", code).Msg("[controller] history fetch failed, going live empty")
			c.merger.Fail()
		} else {
			c.merger.ApplyHistory(msgs)
		}
		c.mu.Unlock()
		c.notify()
	}()
}

// Send composes a message from the session identity and forwards it. The
// message shows up in the timeline via its own live-channel echo, not by
// local insertion, so control returns before any server acknowledgment.
func (c *Controller) Send(text string, att *chat.Attachment) error {
	m := chat.Message{Sender: c.sender, Body: text, Attachment: att}
	if m.Empty() {
		return chat.ErrEmptyMessage
	}
	return c.sess.Send(m)
}

// SendFile encodes a local file as an inline attachment and sends it with
// the given caption. An unreadable file surfaces the encoding error to the
// caller, who may retry text-only.
func (c *Controller) SendFile(text, path string) error {
	att, err := chat.EncodeFile(path)
	if err != nil {
		return err
	}
	return c.Send(text, att)
}

// Timeline returns the merged, ordered sequence for the active room.
func (c *Controller) Timeline() []chat.Message {
	return c.merger.Timeline()
}

// Room returns the active room code.
func (c *Controller) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Close cancels any in-flight fetch and clears the listener slot.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.cancelFetch != nil {
		c.cancelFetch()
	}
	c.epoch++
	c.mu.Unlock()
	c.sess.ClearListener()
}
