package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gosuda/roomsync/chat"
	"github.com/gosuda/roomsync/session"
)

type fakeSession struct {
	mu       sync.Mutex
	joined   []string
	sent     []chat.Message
	sendErr  error
	listener func(chat.Message)
}

func (s *fakeSession) JoinRoom(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined = append(s.joined, code)
	return nil
}

func (s *fakeSession) Send(m chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, m)
	return nil
}

func (s *fakeSession) SetListener(h func(chat.Message)) {
	s.mu.Lock()
	s.listener = h
	s.mu.Unlock()
}

func (s *fakeSession) ClearListener() { s.SetListener(nil) }

// fire simulates a live-channel delivery.
func (s *fakeSession) fire(m chat.Message) {
	s.mu.Lock()
	h := s.listener
	s.mu.Unlock()
	if h != nil {
		h(m)
	}
}

type fetchFunc func(ctx context.Context, room string) ([]chat.Message, error)

func (f fetchFunc) Fetch(ctx context.Context, room string) ([]chat.Message, error) {
	return f(ctx, room)
}

func newTestController(t *testing.T, sess *fakeSession, fetch fetchFunc) (*Controller, chan struct{}) {
	t.Helper()
	ctrl := New(Config{Sender: "alice", Session: sess, History: fetch})
	updates := make(chan struct{}, 64)
	ctrl.SetOnUpdate(func() { updates <- struct{}{} })
	t.Cleanup(ctrl.Close)
	return ctrl, updates
}

func waitUpdate(t *testing.T, updates chan struct{}) {
	t.Helper()
	select {
	case <-updates:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a timeline update")
	}
}

func TestSwitchRoomMergesHistoryAndLive(t *testing.T) {
	release := make(chan struct{})
	sess := &fakeSession{}
	t1 := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	ctrl, updates := newTestController(t, sess, func(ctx context.Context, room string) ([]chat.Message, error) {
		<-release
		return []chat.Message{{Sender: "alice", Body: "hi", SentAt: &t1}}, nil
	})

	ctrl.SwitchRoom(context.Background(), "lobby")
	if got := sess.joined; len(got) != 1 || got[0] != "lobby" {
		t.Fatalf("joined = %v", got)
	}

	// The live message beats the history fetch.
	sess.fire(chat.Message{Sender: "bob", Body: "yo", SentAt: &t2})
	close(release)
	waitUpdate(t, updates) // live buffer notification comes with history apply
	waitUpdate(t, updates)

	msgs := ctrl.Timeline()
	if len(msgs) != 2 || msgs[0].Body != "hi" || msgs[1].Body != "yo" {
		t.Fatalf("timeline = %+v", msgs)
	}
}

func TestStaleFetchDiscarded(t *testing.T) {
	releaseA := make(chan struct{})
	doneA := make(chan struct{})
	sess := &fakeSession{}

	ctrl, updates := newTestController(t, sess, func(ctx context.Context, room string) ([]chat.Message, error) {
		if room == "a" {
			defer close(doneA)
			<-releaseA
			return []chat.Message{{Sender: "x", Body: "stale-a"}}, nil
		}
		return []chat.Message{{Sender: "y", Body: "fresh-b"}}, nil
	})

	ctrl.SwitchRoom(context.Background(), "a")
	ctrl.SwitchRoom(context.Background(), "b")
	waitUpdate(t, updates) // room b history applied

	// Now the slow fetch for the abandoned room resolves.
	close(releaseA)
	<-doneA
	time.Sleep(50 * time.Millisecond) // give a wrong apply the chance to land

	msgs := ctrl.Timeline()
	if len(msgs) != 1 || msgs[0].Body != "fresh-b" {
		t.Fatalf("stale fetch mutated room b: %+v", msgs)
	}
	if ctrl.Room() != "b" {
		t.Fatalf("active room = %q", ctrl.Room())
	}
}

func TestSwitchRoomCancelsPendingFetch(t *testing.T) {
	cancelled := make(chan struct{})
	sess := &fakeSession{}

	ctrl, _ := newTestController(t, sess, func(ctx context.Context, room string) ([]chat.Message, error) {
		if room == "a" {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}
		return nil, nil
	})

	ctrl.SwitchRoom(context.Background(), "a")
	ctrl.SwitchRoom(context.Background(), "b")

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("previous room's fetch was not cancelled")
	}
}

func TestStaleListenerCannotFeedNewRoom(t *testing.T) {
	sess := &fakeSession{}
	ctrl, updates := newTestController(t, sess, func(ctx context.Context, room string) ([]chat.Message, error) {
		return nil, nil
	})

	ctrl.SwitchRoom(context.Background(), "a")
	waitUpdate(t, updates)
	sess.mu.Lock()
	stale := sess.listener
	sess.mu.Unlock()

	ctrl.SwitchRoom(context.Background(), "b")
	waitUpdate(t, updates)

	// A delivery racing through the replaced listener must be dropped.
	stale(chat.Message{Sender: "x", Body: "from-a"})
	if msgs := ctrl.Timeline(); len(msgs) != 0 {
		t.Fatalf("stale listener leaked into room b: %+v", msgs)
	}
}

func TestFetchFailureGoesLiveEmpty(t *testing.T) {
	sess := &fakeSession{}
	ctrl, updates := newTestController(t, sess, func(ctx context.Context, room string) ([]chat.Message, error) {
		return nil, errors.New("backend down")
	})

	ctrl.SwitchRoom(context.Background(), "lobby")
	waitUpdate(t, updates)

	if msgs := ctrl.Timeline(); len(msgs) != 0 {
		t.Fatalf("timeline not empty after failed fetch: %+v", msgs)
	}
	// Live traffic still flows.
	sess.fire(chat.Message{Sender: "bob", Body: "still-works"})
	msgs := ctrl.Timeline()
	if len(msgs) != 1 || msgs[0].Body != "still-works" {
		t.Fatalf("live blocked after fetch failure: %+v", msgs)
	}
}

func TestOnUpdateInvocationsSerialized(t *testing.T) {
	release := make(chan struct{})
	sess := &fakeSession{}
	ctrl := New(Config{Sender: "alice", Session: sess, History: fetchFunc(func(ctx context.Context, room string) ([]chat.Message, error) {
		<-release
		return []chat.Message{{Sender: "alice", Body: "from-history"}}, nil
	})})
	defer ctrl.Close()

	// Plain render state, valid only because notifications never overlap.
	rendered := 0
	notified := make(chan struct{}, 256)
	ctrl.SetOnUpdate(func() {
		rendered = len(ctrl.Timeline())
		notified <- struct{}{}
	})

	ctrl.SwitchRoom(context.Background(), "lobby")

	// Several live deliveries overlap the history apply from the fetch
	// goroutine; every path must funnel through the serialized callback.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				sess.fire(chat.Message{Sender: "bob", Body: fmt.Sprintf("g%d-%d", i, j)})
			}
		}(i)
	}
	close(release)
	wg.Wait()

	// One notification per apply: 100 live plus the history resolve. Once
	// all have landed, the last serialized callback saw the full timeline.
	for i := 0; i < 101; i++ {
		select {
		case <-notified:
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d notifications, want 101", i)
		}
	}
	if rendered != 101 {
		t.Fatalf("rendered = %d, want 101 (100 live + 1 history)", rendered)
	}
}

func TestSendComposesFromIdentity(t *testing.T) {
	sess := &fakeSession{}
	ctrl, _ := newTestController(t, sess, func(ctx context.Context, room string) ([]chat.Message, error) {
		return nil, nil
	})

	if err := ctrl.Send("hello", nil); err != nil {
		t.Fatal(err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent = %+v", sess.sent)
	}
	m := sess.sent[0]
	if m.Sender != "alice" || m.Body != "hello" || m.SentAt != nil {
		t.Fatalf("composed message wrong: %+v", m)
	}
	// No optimistic local echo: visibility comes from the live-channel echo.
	if len(ctrl.Timeline()) != 0 {
		t.Fatal("send inserted into the timeline locally")
	}
}

func TestSendWhileNotConnected(t *testing.T) {
	sess := &fakeSession{sendErr: session.ErrNotConnected}
	ctrl, _ := newTestController(t, sess, func(ctx context.Context, room string) ([]chat.Message, error) {
		return nil, nil
	})

	err := ctrl.Send("hello", nil)
	if !errors.Is(err, session.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
	if len(ctrl.Timeline()) != 0 {
		t.Fatal("timeline changed on failed send")
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	sess := &fakeSession{}
	ctrl, _ := newTestController(t, sess, func(ctx context.Context, room string) ([]chat.Message, error) {
		return nil, nil
	})

	if err := ctrl.Send("", nil); !errors.Is(err, chat.ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	if len(sess.sent) != 0 {
		t.Fatal("empty message reached the session")
	}
}

func TestSendFileFailureLeavesTextPathOpen(t *testing.T) {
	sess := &fakeSession{}
	ctrl, _ := newTestController(t, sess, func(ctx context.Context, room string) ([]chat.Message, error) {
		return nil, nil
	})

	err := ctrl.SendFile("caption", filepath.Join(t.TempDir(), "nope.png"))
	if err == nil {
		t.Fatal("expected encoding error for unreadable file")
	}
	if len(sess.sent) != 0 {
		t.Fatal("failed encode still sent something")
	}

	// The caller can fall back to text-only and that must succeed.
	if err := ctrl.Send("caption", nil); err != nil {
		t.Fatal(err)
	}
	if len(sess.sent) != 1 || sess.sent[0].Attachment != nil {
		t.Fatalf("text-only fallback wrong: %+v", sess.sent)
	}
}
