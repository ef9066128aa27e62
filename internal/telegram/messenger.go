// Package telegram adapts the human gateway to the Telegram Bot API using
// the go-telegram/bot client: outbound messages and keyboards on one side,
// update routing into the gateway's state machine on the other.
package telegram

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/talkpair/talkpair/internal/database"
	"github.com/talkpair/talkpair/internal/humangw"
)

// Messenger sends gateway output through the Telegram client.
type Messenger struct {
	bot *bot.Bot
}

var _ humangw.Messenger = (*Messenger)(nil)

// NewMessenger wraps an initialized Telegram client.
func NewMessenger(b *bot.Bot) *Messenger {
	return &Messenger{bot: b}
}

func chatID(user *database.User) (int64, error) {
	id, err := strconv.ParseInt(user.ExternalID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("user %q has a non-numeric telegram id: %w", user.ExternalID, err)
	}
	return id, nil
}

// SendText sends a plain text message to the user.
func (m *Messenger) SendText(ctx context.Context, user *database.User, text string) error {
	id, err := chatID(user)
	if err != nil {
		return err
	}

	_, err = m.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: id, Text: text})
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// SendButtons sends text with an inline keyboard.
func (m *Messenger) SendButtons(ctx context.Context, user *database.User, text string, buttons [][]humangw.Button) error {
	id, err := chatID(user)
	if err != nil {
		return err
	}

	keyboard := make([][]models.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		line := make([]models.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			line = append(line, models.InlineKeyboardButton{Text: b.Text, CallbackData: b.Data})
		}
		keyboard = append(keyboard, line)
	}

	_, err = m.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      id,
		Text:        text,
		ReplyMarkup: models.InlineKeyboardMarkup{InlineKeyboard: keyboard},
	})
	if err != nil {
		return fmt.Errorf("failed to send telegram keyboard: %w", err)
	}
	return nil
}
