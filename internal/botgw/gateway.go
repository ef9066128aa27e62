// Package botgw is the bot-facing gateway. Outgoing orchestrator events
// become Telegram-compatible envelopes queued in the mailbox; incoming
// sendMessage payloads are parsed into dialog handler calls.
package botgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/talkpair/talkpair/internal/database"
	"github.com/talkpair/talkpair/internal/mailbox"
	"github.com/talkpair/talkpair/internal/orchestrator"
)

// EvalMessageID is the well-known message id of the evaluation-start
// envelope bots receive.
const EvalMessageID = 1_000_000

// endCommand opens and closes a dialog from the bot's point of view.
const (
	startCommand = "/start"
	endCommand   = "/end"
)

// Store is the persistence surface the gateway needs.
type Store interface {
	GetBot(ctx context.Context, token string) (*database.Bot, error)
}

// Gateway translates between the orchestrator and the long-poll bot API.
type Gateway struct {
	mailbox *mailbox.Mailbox
	store   Store
	logger  *slog.Logger

	mu      sync.Mutex
	handler orchestrator.DialogHandler
}

var _ orchestrator.Gateway = (*Gateway)(nil)

// NewGateway creates the gateway with a no-op dialog handler; inject the real
// one with SetHandler once the orchestrator exists.
func NewGateway(mb *mailbox.Mailbox, store Store, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		mailbox: mb,
		store:   store,
		logger:  logger.With("component", "botgw"),
		handler: orchestrator.NoopHandler{},
	}
}

// SetHandler injects the dialog handler. The handler must outlive the
// gateway.
func (g *Gateway) SetHandler(h orchestrator.DialogHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

func (g *Gateway) dialogHandler() orchestrator.DialogHandler {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.handler
}

// envelope builds the Telegram-compatible message shape bots consume. The
// conversation id doubles as the sender and chat id; the msg id rides in the
// first_name fields.
func envelope(convID int64, msgID int, text string) mailbox.Envelope {
	name := strconv.Itoa(msgID)
	return mailbox.Envelope{
		MessageID: int64(msgID),
		From:      mailbox.From{ID: convID, IsBot: true, FirstName: name},
		Chat:      mailbox.Chat{ID: convID, FirstName: name, Type: "private"},
		Date:      time.Now().Unix(),
		Text:      text,
	}
}

// StartConversation queues the /start envelope carrying the bot's assigned
// profile. Its message id is always 0.
func (g *Gateway) StartConversation(_ context.Context, convID int64, cp *database.ConversationPeer) error {
	if cp.Peer.Bot == nil {
		return fmt.Errorf("bot gateway received a non-bot peer")
	}

	text := startCommand + "\n" + cp.AssignedProfile.Description()
	g.mailbox.Enqueue(cp.Peer.Bot.Token, envelope(convID, 0, text))
	return nil
}

// SendMessage queues a dialog message for the receiving bot.
func (g *Gateway) SendMessage(_ context.Context, convID int64, msgID int, text string, receiver database.Peer) error {
	if receiver.Bot == nil {
		return fmt.Errorf("bot gateway received a non-bot receiver")
	}
	g.mailbox.Enqueue(receiver.Bot.Token, envelope(convID, msgID, text))
	return nil
}

// StartEvaluation queues the evaluation-start envelope: the score range plus
// the candidate partner profiles, under the well-known message id.
func (g *Gateway) StartEvaluation(_ context.Context, convID int64, cp *database.ConversationPeer, scoreFrom, scoreTo int) error {
	if cp.Peer.Bot == nil {
		return fmt.Errorf("bot gateway received a non-bot peer")
	}

	text := fmt.Sprintf("%s %d %d", endCommand, scoreFrom, scoreTo)
	for i, p := range cp.ProfileOptions {
		text += fmt.Sprintf("\n/profile_%d\n%s", i, p.Description())
	}
	g.mailbox.Enqueue(cp.Peer.Bot.Token, envelope(convID, EvalMessageID, text))
	return nil
}

// FinishConversation is a no-op for bots; the evaluation envelope already
// told them the dialog is over.
func (g *Gateway) FinishConversation(context.Context, int64, database.Peer) error {
	return nil
}

// TopicSwitched is a no-op for bots; topics are a human-facing hint.
func (g *Gateway) TopicSwitched(context.Context, int64, database.Peer, string) error {
	return nil
}

// GetUpdates long-polls the bot's mailbox.
func (g *Gateway) GetUpdates(ctx context.Context, token string, limit int, timeout time.Duration) ([]mailbox.Update, error) {
	return g.mailbox.GetUpdates(ctx, token, limit, timeout)
}

// inboundEnvelope is the opaque JSON bots post via sendMessage.
type inboundEnvelope struct {
	Text          string             `json:"text"`
	Evaluation    *inboundEvaluation `json:"evaluation,omitempty"`
	MsgEvaluation json.RawMessage    `json:"msg_evaluation,omitempty"`
}

type inboundEvaluation struct {
	Score      *int `json:"score,omitempty"`
	ProfileIdx *int `json:"profile_idx,omitempty"`
}

// SendResult is echoed back to the bot, with the assigned msg id filled in
// for dialog messages.
type SendResult struct {
	MessageID     int                `json:"message_id"`
	Text          string             `json:"text"`
	Evaluation    *inboundEvaluation `json:"evaluation,omitempty"`
	MsgEvaluation json.RawMessage    `json:"msg_evaluation,omitempty"`
}

// HandleSendMessage parses an inbound bot payload and routes it: "/end"
// closes the dialog and may carry an evaluation, anything else is a chat
// message with an optional in-line rating of a prior message.
func (g *Gateway) HandleSendMessage(ctx context.Context, token string, convID int64, rawText string) (*SendResult, error) {
	bot, err := g.store.GetBot(ctx, token)
	if errors.Is(err, database.ErrNotFound) {
		return nil, mailbox.ErrBotNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up bot: %w", err)
	}
	sender := database.BotPeer(bot)

	var env inboundEnvelope
	if err := json.Unmarshal([]byte(rawText), &env); err != nil {
		// Tolerate bots posting bare text instead of an envelope.
		env = inboundEnvelope{Text: rawText}
	}
	if env.Text == "" {
		return nil, fmt.Errorf("envelope is missing the text field")
	}

	handler := g.dialogHandler()

	if env.Text == endCommand {
		if err := handler.TriggerDialogEnd(ctx, convID, sender); err != nil {
			return nil, err
		}
		if env.Evaluation != nil {
			if err := handler.EvaluateDialog(ctx, convID, sender, env.Evaluation.Score); err != nil {
				return nil, err
			}
			if env.Evaluation.ProfileIdx != nil {
				if err := handler.SelectPeerProfile(ctx, convID, sender, *env.Evaluation.ProfileIdx); err != nil {
					return nil, err
				}
			}
		}
		return &SendResult{Text: env.Text, Evaluation: env.Evaluation}, nil
	}

	msgID, err := handler.HandleMessage(ctx, convID, sender, env.Text, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	if len(env.MsgEvaluation) > 0 {
		if err := g.applyMessageEvaluation(ctx, convID, sender, env.MsgEvaluation); err != nil {
			return nil, err
		}
	}

	return &SendResult{
		MessageID:     msgID,
		Text:          env.Text,
		MsgEvaluation: env.MsgEvaluation,
	}, nil
}

// applyMessageEvaluation accepts either a bare 0/1 integer or a
// {score, message_id} object.
func (g *Gateway) applyMessageEvaluation(ctx context.Context, convID int64, sender database.Peer, raw json.RawMessage) error {
	var score int
	if err := json.Unmarshal(raw, &score); err == nil {
		return g.dialogHandler().EvaluateMessage(ctx, convID, sender, score, nil)
	}

	var targeted struct {
		Score     int `json:"score"`
		MessageID int `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &targeted); err != nil {
		return fmt.Errorf("unrecognized msg_evaluation shape: %w", err)
	}
	return g.dialogHandler().EvaluateMessage(ctx, convID, sender, targeted.Score, &targeted.MessageID)
}
