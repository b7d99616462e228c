package server

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/gosuda/roomsync/chat"
)

// Store persists room histories in a PebbleDB key-value store.
// Keys are <room> 0x00 <8-byte big-endian sequence>, so one iterator range
// covers exactly one room in append order. Room codes are sanitized before
// they get here and never contain NUL.
type Store struct {
	db   *pebble.DB
	mu   sync.Mutex
	next map[string]uint64 // per-room next sequence, discovered lazily
}

func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db, next: map[string]uint64{}}, nil
}

func roomKey(room string, seq uint64) []byte {
	key := make([]byte, 0, len(room)+9)
	key = append(key, room...)
	key = append(key, 0)
	key = binary.BigEndian.AppendUint64(key, seq)
	return key
}

// roomBounds returns the iterator bounds spanning every key of one room.
func roomBounds(room string) (lower, upper []byte) {
	lower = append([]byte(room), 0)
	upper = append([]byte(room), 1)
	return
}

// Append persists one message at the tail of the room's log.
func (s *Store) Append(room string, m chat.Message) error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.next[room]
	if !ok {
		last, err := s.lastSeqLocked(room)
		if err != nil {
			return err
		}
		seq = last
	}
	s.next[room] = seq + 1
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store append: %w", err)
	}
	if err := s.db.Set(roomKey(room, seq), val, pebble.Sync); err != nil {
		return fmt.Errorf("store append: %w", err)
	}
	return nil
}

func (s *Store) lastSeqLocked(room string) (uint64, error) {
	lower, upper := roomBounds(room)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, fmt.Errorf("store seek: %w", err)
	}
	defer func() { _ = it.Close() }()
	if it.Last() {
		key := it.Key()
		if len(key) >= len(lower)+8 {
			return binary.BigEndian.Uint64(key[len(lower):]) + 1, nil
		}
	}
	return 0, nil
}

// Recent loads the most recent limit messages of one room, oldest first.
// limit <= 0 loads the whole room.
func (s *Store) Recent(room string, limit int) ([]chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	lower, upper := roomBounds(room)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("store scan: %w", err)
	}
	defer func() { _ = it.Close() }()

	// Walk backwards to find the window start, then decode forward.
	out := make([]chat.Message, 0, max(limit, 16))
	for ok := it.Last(); ok; ok = it.Prev() {
		var m chat.Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecentAll loads the tail window of every room, used to warm the hub
// backlog at boot.
func (s *Store) RecentAll(limit int) (map[string][]chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	it, err := s.db.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("store scan: %w", err)
	}
	rooms := map[string]struct{}{}
	for ok := it.First(); ok; ok = it.Next() {
		key := it.Key()
		if i := indexNul(key); i > 0 {
			rooms[string(key[:i])] = struct{}{}
		}
	}
	if err := it.Close(); err != nil {
		return nil, fmt.Errorf("store scan: %w", err)
	}

	out := make(map[string][]chat.Message, len(rooms))
	for room := range rooms {
		msgs, err := s.Recent(room, limit)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			out[room] = msgs
		}
	}
	return out, nil
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
