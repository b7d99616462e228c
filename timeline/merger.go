// Package timeline merges a room's fetched history with its live message
// stream into one ordered, de-duplicated sequence.
//
// The merger owns the "current room" and the one real race in the system:
// live messages that arrive before the history snapshot resolves. Those are
// buffered while the room is loading and reconciled when the snapshot lands,
// so nothing is dropped regardless of which side wins the race.
package timeline

import (
	"sort"
	"sync"

	"github.com/gosuda/roomsync/chat"
)

// Merger is the single authority over a room timeline. It performs no I/O;
// the room controller feeds it history and live messages.
type Merger struct {
	mu      sync.Mutex
	room    string
	live    bool
	pending []chat.Message // live arrivals buffered while history loads
	msgs    []chat.Message
}

func NewMerger() *Merger {
	return &Merger{}
}

// BeginRoom resets the merger for a new room. The previous room's timeline
// and any buffered live messages are discarded outright; no cross-room
// leakage. The room is "loading" until ApplyHistory or Fail.
func (g *Merger) BeginRoom(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.room = chat.NormalizeRoom(code)
	g.live = false
	g.pending = nil
	g.msgs = nil
}

// ApplyHistory merges the fetched snapshot and flips the room to live.
//
// The snapshot is defensively re-sorted by SentAt ascending: servers promise
// oldest-first but the merger does not rely on it. Messages without SentAt
// sort last, keeping their relative order. Buffered live messages are then
// appended in arrival order, minus any that exactly duplicate a snapshot
// entry. Calling this on an already-live room is a no-op.
func (g *Merger) ApplyHistory(snapshot []chat.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.live {
		return
	}

	base := make([]chat.Message, len(snapshot))
	copy(base, snapshot)
	sort.SliceStable(base, func(i, j int) bool {
		a, b := base[i].SentAt, base[j].SentAt
		if a == nil || b == nil {
			// Only "timestamped before untimestamped" is an ordering.
			return a != nil && b == nil
		}
		return a.Before(*b)
	})

	for _, m := range g.pending {
		if !containsExact(base[:len(snapshot)], m) {
			base = append(base, m)
		}
	}
	g.msgs = base
	g.pending = nil
	g.live = true
}

// ApplyLive merges one live-arrived message. While the room is loading the
// message is buffered; once live it is appended as-is — live order is
// authoritative after reconciliation, so no re-sort happens here.
func (g *Merger) ApplyLive(m chat.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.live {
		g.pending = append(g.pending, m)
		return
	}
	g.msgs = append(g.msgs, m)
}

// Fail transitions a loading room straight to live with an empty base, used
// when the history fetch failed. Buffered live messages are kept so a broken
// history load never blocks live traffic.
func (g *Merger) Fail() {
	g.ApplyHistory(nil)
}

// Timeline returns a copy of the current merged sequence.
func (g *Merger) Timeline() []chat.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]chat.Message, len(g.msgs))
	copy(out, g.msgs)
	return out
}

// Room returns the current room code.
func (g *Merger) Room() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.room
}

// Live reports whether history reconciliation has completed for the room.
func (g *Merger) Live() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.live
}

func containsExact(msgs []chat.Message, m chat.Message) bool {
	for _, h := range msgs {
		if h.Equal(m) {
			return true
		}
	}
	return false
}
