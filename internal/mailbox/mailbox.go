// Package mailbox buffers outgoing messages for registered bots until they
// are collected through long polling. Each bot token owns a FIFO queue;
// update ids are assigned at collection time and persisted so they stay
// monotonic across restarts.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/talkpair/talkpair/internal/database"
)

// ErrBotNotRegistered signals a poll with a token no bot was registered
// under.
var ErrBotNotRegistered = errors.New("bot is not registered")

// Long-poll limit bounds, matching the Telegram Bot API.
const (
	minLimit = 1
	maxLimit = 100
)

// Store is the persistence surface the mailbox needs.
type Store interface {
	GetBot(ctx context.Context, token string) (*database.Bot, error)
	SetBotLastUpdateID(ctx context.Context, token string, lastUpdateID int64) error
}

// From identifies the sender of an enveloped message. The conversation id
// doubles as the sender id so a bot can route concurrent dialogs.
type From struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
}

// Chat identifies the dialog a message belongs to.
type Chat struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Type      string `json:"type"`
}

// Envelope is a single message as delivered to a bot.
type Envelope struct {
	MessageID int64 `json:"message_id"`
	From      From  `json:"from"`
	Chat      Chat  `json:"chat"`
	// Date is a unix timestamp.
	Date int64  `json:"date"`
	Text string `json:"text"`
}

// Update pairs an envelope with its per-bot monotonic update id.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  Envelope `json:"message"`
}

type queue struct {
	items []Envelope
	// notify carries a wake-up for a blocked poller. Buffered so an
	// enqueue never blocks when nobody is waiting.
	notify chan struct{}
}

// Mailbox holds the per-bot message queues.
type Mailbox struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]*queue
}

// NewMailbox creates a mailbox backed by the given store.
func NewMailbox(store Store, logger *slog.Logger) *Mailbox {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Mailbox{
		store:  store,
		logger: logger.With("component", "mailbox"),
		queues: make(map[string]*queue),
	}
}

func (m *Mailbox) queueFor(token string) *queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[token]
	if !ok {
		q = &queue{notify: make(chan struct{}, 1)}
		m.queues[token] = q
	}
	return q
}

// Enqueue appends an envelope to the bot's queue and wakes a blocked poller
// if there is one.
func (m *Mailbox) Enqueue(token string, env Envelope) {
	q := m.queueFor(token)

	m.mu.Lock()
	q.items = append(q.items, env)
	m.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// GetUpdates returns queued messages for the bot. When the queue is empty it
// waits up to timeout for the first message to arrive, then drains whatever
// is queued up to limit. A poll for an unknown token returns
// ErrBotNotRegistered.
func (m *Mailbox) GetUpdates(ctx context.Context, token string, limit int, timeout time.Duration) ([]Update, error) {
	bot, err := m.store.GetBot(ctx, token)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrBotNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up bot: %w", err)
	}
	if bot.Banned {
		m.Drop(token)
		return nil, ErrBotNotRegistered
	}

	if limit < minLimit {
		limit = minLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	q := m.queueFor(token)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		if len(q.items) > 0 {
			n := min(limit, len(q.items))
			batch := q.items[:n]
			q.items = append([]Envelope(nil), q.items[n:]...)
			m.mu.Unlock()

			return m.assignUpdateIDs(ctx, bot, batch)
		}
		m.mu.Unlock()

		select {
		case <-q.notify:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// assignUpdateIDs numbers a batch starting at the bot's stored counter and
// persists the advanced counter.
func (m *Mailbox) assignUpdateIDs(ctx context.Context, bot *database.Bot, batch []Envelope) ([]Update, error) {
	updates := make([]Update, len(batch))
	next := bot.LastUpdateID
	for i, env := range batch {
		updates[i] = Update{UpdateID: next, Message: env}
		next++
	}

	if err := m.store.SetBotLastUpdateID(ctx, bot.Token, next); err != nil {
		return nil, fmt.Errorf("failed to persist update counter: %w", err)
	}

	m.logger.DebugContext(ctx, "Updates delivered",
		"bot", bot.Name, "count", len(updates), "next_update_id", next)
	return updates, nil
}

// Drop discards the bot's queue, if any. Used when a bot is banned mid-dialog.
func (m *Mailbox) Drop(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, token)
}
