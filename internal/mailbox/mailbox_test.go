package mailbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/talkpair/talkpair/internal/database"
	"github.com/talkpair/talkpair/internal/mailbox"
)

type fakeStore struct {
	mu   sync.Mutex
	bots map[string]*database.Bot
}

func newFakeStore(tokens ...string) *fakeStore {
	s := &fakeStore{bots: make(map[string]*database.Bot)}
	for _, tok := range tokens {
		s.bots[tok] = &database.Bot{Token: tok, Name: "bot-" + tok, LastUpdateID: 1}
	}
	return s
}

func (s *fakeStore) GetBot(_ context.Context, token string) (*database.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[token]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *bot
	return &copied, nil
}

func (s *fakeStore) SetBotLastUpdateID(_ context.Context, token string, lastUpdateID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bot, ok := s.bots[token]
	if !ok {
		return database.ErrNotFound
	}
	bot.LastUpdateID = lastUpdateID
	return nil
}

func TestGetUpdatesUnknownToken(t *testing.T) {
	t.Parallel()

	m := mailbox.NewMailbox(newFakeStore(), nil)
	_, err := m.GetUpdates(context.Background(), "nope", 10, 10*time.Millisecond)
	if !errors.Is(err, mailbox.ErrBotNotRegistered) {
		t.Fatalf("GetUpdates() error = %v, want ErrBotNotRegistered", err)
	}
}

func TestGetUpdatesBannedBot(t *testing.T) {
	t.Parallel()

	store := newFakeStore("t1")
	store.bots["t1"].Banned = true
	m := mailbox.NewMailbox(store, nil)

	m.Enqueue("t1", mailbox.Envelope{Text: "stale"})
	if _, err := m.GetUpdates(context.Background(), "t1", 10, 10*time.Millisecond); !errors.Is(err, mailbox.ErrBotNotRegistered) {
		t.Fatalf("GetUpdates() error = %v, want ErrBotNotRegistered", err)
	}

	// The queue is discarded, so unbanning later starts clean.
	store.bots["t1"].Banned = false
	updates, err := m.GetUpdates(context.Background(), "t1", 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("GetUpdates() after unban error = %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("stale updates survived the ban: %+v", updates)
	}
}

func TestGetUpdatesEmptyTimesOut(t *testing.T) {
	t.Parallel()

	m := mailbox.NewMailbox(newFakeStore("t1"), nil)
	updates, err := m.GetUpdates(context.Background(), "t1", 10, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("GetUpdates() error = %v", err)
	}
	if len(updates) != 0 {
		t.Fatalf("GetUpdates() returned %d updates, want 0", len(updates))
	}
}

func TestGetUpdatesNumbersAndPersists(t *testing.T) {
	t.Parallel()

	store := newFakeStore("t1")
	m := mailbox.NewMailbox(store, nil)

	m.Enqueue("t1", mailbox.Envelope{Text: "hello"})
	m.Enqueue("t1", mailbox.Envelope{Text: "world"})

	updates, err := m.GetUpdates(context.Background(), "t1", 10, time.Second)
	if err != nil {
		t.Fatalf("GetUpdates() error = %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("GetUpdates() returned %d updates, want 2", len(updates))
	}
	if updates[0].UpdateID != 1 || updates[1].UpdateID != 2 {
		t.Errorf("update ids = %d, %d, want 1, 2", updates[0].UpdateID, updates[1].UpdateID)
	}
	if updates[0].Message.Text != "hello" || updates[1].Message.Text != "world" {
		t.Errorf("messages out of order: %q, %q", updates[0].Message.Text, updates[1].Message.Text)
	}

	bot, _ := store.GetBot(context.Background(), "t1")
	if bot.LastUpdateID != 3 {
		t.Errorf("persisted counter = %d, want 3", bot.LastUpdateID)
	}
}

func TestGetUpdatesHonorsLimit(t *testing.T) {
	t.Parallel()

	m := mailbox.NewMailbox(newFakeStore("t1"), nil)
	for i := 0; i < 3; i++ {
		m.Enqueue("t1", mailbox.Envelope{Text: "msg"})
	}

	first, err := m.GetUpdates(context.Background(), "t1", 2, time.Second)
	if err != nil {
		t.Fatalf("GetUpdates() error = %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first batch has %d updates, want 2", len(first))
	}

	second, err := m.GetUpdates(context.Background(), "t1", 2, time.Second)
	if err != nil {
		t.Fatalf("GetUpdates() error = %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("second batch has %d updates, want 1", len(second))
	}
	if second[0].UpdateID != first[1].UpdateID+1 {
		t.Errorf("update ids not contiguous across polls: %d then %d", first[1].UpdateID, second[0].UpdateID)
	}
}

func TestGetUpdatesWakesBlockedPoller(t *testing.T) {
	t.Parallel()

	m := mailbox.NewMailbox(newFakeStore("t1"), nil)

	type result struct {
		updates []mailbox.Update
		err     error
	}
	done := make(chan result, 1)
	go func() {
		updates, err := m.GetUpdates(context.Background(), "t1", 10, 5*time.Second)
		done <- result{updates, err}
	}()

	time.Sleep(50 * time.Millisecond)
	m.Enqueue("t1", mailbox.Envelope{Text: "wake up"})

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("GetUpdates() error = %v", res.err)
		}
		if len(res.updates) != 1 || res.updates[0].Message.Text != "wake up" {
			t.Fatalf("unexpected updates: %+v", res.updates)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("poller was not woken by Enqueue")
	}
}

func TestGetUpdatesContextCanceled(t *testing.T) {
	t.Parallel()

	m := mailbox.NewMailbox(newFakeStore("t1"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := m.GetUpdates(ctx, "t1", 10, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("GetUpdates() error = %v, want context.Canceled", err)
	}
}
