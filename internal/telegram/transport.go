package telegram

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/talkpair/talkpair/internal/database"
	"github.com/talkpair/talkpair/internal/humangw"
)

// Store is the persistence surface the transport needs to resolve incoming
// Telegram users.
type Store interface {
	FindOrCreateUser(ctx context.Context, key database.UserKey, displayName string) (*database.User, error)
}

// Transport routes Telegram updates into the human gateway.
type Transport struct {
	gateway *humangw.Gateway
	store   Store
	logger  *slog.Logger
}

// NewTransport creates the update router. Call RegisterHandlers before
// starting the client.
func NewTransport(gateway *humangw.Gateway, store Store, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transport{
		gateway: gateway,
		store:   store,
		logger:  logger.With("component", "telegram"),
	}
}

// commandRoutes maps slash commands to gateway entry points.
func (t *Transport) commandRoutes() map[string]func(context.Context, *database.User) {
	return map[string]func(context.Context, *database.User){
		"start":    t.gateway.OnStart,
		"help":     t.gateway.OnHelp,
		"begin":    t.gateway.OnBegin,
		"end":      t.gateway.OnEnd,
		"complain": t.gateway.OnComplain,
		"topic":    t.gateway.OnTopic,
		"setbot":   t.gateway.OnSetBot,
	}
}

// RegisterHandlers installs the command and callback handlers on the client.
func (t *Transport) RegisterHandlers(b *bot.Bot) {
	for pattern, route := range t.commandRoutes() {
		b.RegisterHandler(bot.HandlerTypeMessageText, pattern, bot.MatchTypeCommandStartOnly,
			t.commandHandler(pattern, route))
	}
}

// HandleUpdate is the client's default handler: callbacks and free text that
// matched no registered command.
func (t *Transport) HandleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	switch {
	case update.CallbackQuery != nil:
		t.handleCallback(ctx, b, update.CallbackQuery)
	case update.Message != nil && update.Message.Text != "":
		t.handleText(ctx, update.Message)
	}
}

func (t *Transport) commandHandler(name string, route func(context.Context, *database.User)) bot.HandlerFunc {
	return func(ctx context.Context, _ *bot.Bot, update *models.Update) {
		if update.Message == nil || update.Message.From == nil {
			return
		}
		user, err := t.resolveUser(ctx, update.Message.From, update.Message.Chat.ID)
		if err != nil {
			t.logger.ErrorContext(ctx, "Failed to resolve user",
				"command", name, "error", err)
			return
		}
		route(ctx, user)
	}
}

func (t *Transport) handleText(ctx context.Context, msg *models.Message) {
	if msg.From == nil {
		return
	}
	user, err := t.resolveUser(ctx, msg.From, msg.Chat.ID)
	if err != nil {
		t.logger.ErrorContext(ctx, "Failed to resolve user", "error", err)
		return
	}
	t.gateway.OnText(ctx, user, msg.Text)
}

func (t *Transport) handleCallback(ctx context.Context, b *bot.Bot, cq *models.CallbackQuery) {
	user, err := t.resolveUser(ctx, &cq.From, cq.From.ID)
	if err != nil {
		t.logger.ErrorContext(ctx, "Failed to resolve user", "error", err)
		return
	}

	// Stop the client-side spinner before the gateway does any work.
	if _, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: cq.ID}); err != nil {
		t.logger.DebugContext(ctx, "Failed to answer callback query", "error", err)
	}

	t.gateway.OnCallback(ctx, user, cq.Data)
}

// resolveUser maps a Telegram sender onto a stored user, refreshing the
// display name on every contact.
func (t *Transport) resolveUser(ctx context.Context, from *models.User, chatID int64) (*database.User, error) {
	name := strings.TrimSpace(strings.Join([]string{from.FirstName, from.LastName}, " "))
	if name == "" {
		name = from.Username
	}

	key := database.UserKey{
		Platform:   database.PlatformTelegram,
		ExternalID: strconv.FormatInt(chatID, 10),
	}
	return t.store.FindOrCreateUser(ctx, key, name)
}
