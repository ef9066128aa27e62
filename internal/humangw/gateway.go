// Package humangw is the human-facing gateway: a per-user state machine that
// maps messenger commands and callbacks onto the dialog handler, and renders
// orchestrator events back through the messenger transport.
package humangw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/talkpair/talkpair/internal/config"
	"github.com/talkpair/talkpair/internal/database"
	"github.com/talkpair/talkpair/internal/orchestrator"
)

// State is the per-user conversation state.
type State int

const (
	StateIdle State = iota
	StateInLobby
	StateInDialog
	StateEvaluating
	StateWaitingForPartner
	StateWaitingForBotToken
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInLobby:
		return "in_lobby"
	case StateInDialog:
		return "in_dialog"
	case StateEvaluating:
		return "evaluating"
	case StateWaitingForPartner:
		return "waiting_for_partner_evaluation"
	case StateWaitingForBotToken:
		return "waiting_for_bot_token"
	}
	return "unknown"
}

// Callback data prefixes for inline keyboards.
const (
	cbMessageScore = "ms" // ms:<msgId>:<0|1>
	cbDialogScore  = "ds" // ds:<score>
	cbProfile      = "pf" // pf:<optionIdx>
	cbSentence     = "st" // st:<sentenceIdx>:<optionIdx>
)

// Button is one inline keyboard button.
type Button struct {
	Text string
	Data string
}

// Messenger is the outbound transport surface. The Telegram adapter
// implements it; tests use a fake.
type Messenger interface {
	SendText(ctx context.Context, user *database.User, text string) error
	SendButtons(ctx context.Context, user *database.User, text string, buttons [][]Button) error
}

// Config holds the gateway's feature switches and user-visible texts.
type Config struct {
	Messages config.MessagesConfig

	AssignProfile  bool
	ShowTopics     bool
	AllowSetBot    bool
	RevealDialogID bool

	ScoreDialog  bool
	GuessProfile bool
	SentenceMode bool
}

// Store is the persistence surface the gateway needs for the set-bot flow
// and sentence-mode option building.
type Store interface {
	GetBot(ctx context.Context, token string) (*database.Bot, error)
	ListBots(ctx context.Context) ([]database.Bot, error)
	SetAssignedTestBot(ctx context.Context, key database.UserKey, token string) error
	SampleSentenceAt(ctx context.Context, idx int) (string, error)
}

// session is the transient per-user state. It outlives any one conversation.
type session struct {
	user  *database.User
	state State

	convID  int64
	guid    string
	profile database.PersonProfile

	// lastConvID allows complaining right after a conversation finished.
	lastConvID int64

	// Evaluation progress.
	scoreGiven     bool
	profileDone    bool
	scoreFrom      int
	scoreTo        int
	profileOptions []database.PersonProfile
	sentenceTuples [][]string
	sentenceIdx    int
}

// Gateway drives the per-user state machines.
type Gateway struct {
	cfg       Config
	store     Store
	messenger Messenger
	logger    *slog.Logger

	mu       sync.Mutex
	handler  orchestrator.DialogHandler
	sessions map[database.UserKey]*session
}

// NewGateway creates the gateway with a no-op dialog handler; inject the real
// one with SetHandler once the orchestrator exists.
func NewGateway(cfg Config, store Store, messenger Messenger, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Gateway{
		cfg:       cfg,
		store:     store,
		messenger: messenger,
		logger:    logger.With("component", "humangw"),
		handler:   orchestrator.NoopHandler{},
		sessions:  make(map[database.UserKey]*session),
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

func (g *Gateway) sessionFor(user *database.User) *session {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.sessions[user.Key()]
	if !ok {
		s = &session{user: user, state: StateIdle}
		g.sessions[user.Key()] = s
	}
	s.user = user
	return s
}

// StateOf reports the user's current state. Mostly useful in tests.
func (g *Gateway) StateOf(user *database.User) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.sessions[user.Key()]; ok {
		return s.state
	}
	return StateIdle
}

func (g *Gateway) send(ctx context.Context, user *database.User, text string) {
	if err := g.messenger.SendText(ctx, user, text); err != nil {
		g.logger.WarnContext(ctx, "Failed to send message",
			"user", user.Key(), "error", err)
	}
}

func (g *Gateway) sendButtons(ctx context.Context, user *database.User, text string, buttons [][]Button) {
	if err := g.messenger.SendButtons(ctx, user, text, buttons); err != nil {
		g.logger.WarnContext(ctx, "Failed to send keyboard",
			"user", user.Key(), "error", err)
	}
}

// OnStart handles the platform /start command.
func (g *Gateway) OnStart(ctx context.Context, user *database.User) {
	g.sessionFor(user)
	g.send(ctx, user, g.cfg.Messages.Welcome)
}

// OnHelp handles /help.
func (g *Gateway) OnHelp(ctx context.Context, user *database.User) {
	g.send(ctx, user, g.cfg.Messages.Help)
}

// OnBegin handles /begin: admit the user into matching.
func (g *Gateway) OnBegin(ctx context.Context, user *database.User) {
	s := g.sessionFor(user)

	g.mu.Lock()
	if s.state != StateIdle {
		g.mu.Unlock()
		g.send(ctx, user, g.cfg.Messages.CannotStart)
		return
	}
	g.mu.Unlock()

	err := g.dialogHandler().StartDialog(ctx, user)
	switch {
	case err == nil:
	case errors.Is(err, orchestrator.ErrUserBanned):
		g.send(ctx, user, g.cfg.Messages.Banned)
		return
	case errors.Is(err, orchestrator.ErrPeerNotFound):
		g.send(ctx, user, g.cfg.Messages.NoPeersFound)
		return
	case errors.Is(err, orchestrator.ErrSimultaneousDialogs):
		g.send(ctx, user, g.cfg.Messages.CannotStart)
		return
	default:
		g.logger.ErrorContext(ctx, "Failed to start matching",
			"user", user.Key(), "error", err)
		g.send(ctx, user, g.cfg.Messages.CannotStart)
		return
	}

	// A bot match starts the conversation synchronously; only announce the
	// lobby when the user actually landed there.
	g.mu.Lock()
	entered := s.state == StateIdle
	if entered {
		s.state = StateInLobby
	}
	g.mu.Unlock()

	if entered {
		g.send(ctx, user, g.cfg.Messages.SearchingForPeer)
	}
}

// OnEnd handles /end.
func (g *Gateway) OnEnd(ctx context.Context, user *database.User) {
	s := g.sessionFor(user)

	g.mu.Lock()
	if s.state != StateInDialog {
		g.mu.Unlock()
		g.send(ctx, user, g.cfg.Messages.NotInDialog)
		return
	}
	convID := s.convID
	g.mu.Unlock()

	if err := g.dialogHandler().TriggerDialogEnd(ctx, convID, database.UserPeer(user)); err != nil {
		g.logger.WarnContext(ctx, "Failed to end dialog",
			"user", user.Key(), "conversation_id", convID, "error", err)
		g.send(ctx, user, g.cfg.Messages.NotInDialog)
	}
}

// OnComplain handles /complain. Complaining is possible during a
// conversation and right after it finished.
func (g *Gateway) OnComplain(ctx context.Context, user *database.User) {
	s := g.sessionFor(user)

	g.mu.Lock()
	convID := s.convID
	if s.state == StateIdle {
		convID = s.lastConvID
	}
	g.mu.Unlock()

	if convID == 0 {
		g.send(ctx, user, g.cfg.Messages.ComplainNotAvailable)
		return
	}

	ok, err := g.dialogHandler().Complain(ctx, convID, database.UserPeer(user))
	if err != nil {
		g.logger.ErrorContext(ctx, "Failed to file complaint",
			"user", user.Key(), "conversation_id", convID, "error", err)
		g.send(ctx, user, g.cfg.Messages.ComplainNotAvailable)
		return
	}
	if ok {
		g.send(ctx, user, g.cfg.Messages.ComplainSuccess)
	} else {
		g.send(ctx, user, g.cfg.Messages.ComplainFail)
	}
}

// OnTopic handles /topic: advance to the next conversation topic.
func (g *Gateway) OnTopic(ctx context.Context, user *database.User) {
	if !g.cfg.ShowTopics {
		g.send(ctx, user, g.cfg.Messages.TopicNotAllowed)
		return
	}

	s := g.sessionFor(user)
	g.mu.Lock()
	if s.state != StateInDialog {
		g.mu.Unlock()
		g.send(ctx, user, g.cfg.Messages.NotInDialog)
		return
	}
	convID := s.convID
	g.mu.Unlock()

	switched, err := g.dialogHandler().SwitchToNextTopic(ctx, convID, database.UserPeer(user))
	if err != nil {
		g.logger.WarnContext(ctx, "Failed to switch topic",
			"user", user.Key(), "conversation_id", convID, "error", err)
		return
	}
	if !switched {
		g.send(ctx, user, g.cfg.Messages.TopicNotAvailable)
	}
}

// OnSetBot handles /setbot: enter the bot token entry flow.
func (g *Gateway) OnSetBot(ctx context.Context, user *database.User) {
	if !g.cfg.AllowSetBot {
		g.send(ctx, user, g.cfg.Messages.SetBotNotAllowed)
		return
	}

	s := g.sessionFor(user)
	g.mu.Lock()
	if s.state != StateIdle {
		g.mu.Unlock()
		g.send(ctx, user, g.cfg.Messages.CannotStart)
		return
	}
	s.state = StateWaitingForBotToken
	g.mu.Unlock()

	current := user.AssignedTestBot
	if current == "" {
		current = "none"
	}
	g.send(ctx, user, fmt.Sprintf(g.cfg.Messages.SetBotEnterToken, current))
}

// OnText handles free text: a dialog message, or a bot token while in the
// set-bot flow.
func (g *Gateway) OnText(ctx context.Context, user *database.User, text string) {
	s := g.sessionFor(user)

	g.mu.Lock()
	state := s.state
	convID := s.convID
	g.mu.Unlock()

	switch state {
	case StateInDialog:
		_, err := g.dialogHandler().HandleMessage(ctx, convID, database.UserPeer(user), text, time.Now().UTC())
		if err != nil {
			g.logger.WarnContext(ctx, "Failed to relay message",
				"user", user.Key(), "conversation_id", convID, "error", err)
			g.send(ctx, user, g.cfg.Messages.UnexpectedMessage)
		}
	case StateWaitingForBotToken:
		g.onBotToken(ctx, s, text)
	default:
		g.send(ctx, user, g.cfg.Messages.UnexpectedMessage)
	}
}

// onBotToken processes input in the WAITING_FOR_BOT_TOKEN state.
func (g *Gateway) onBotToken(ctx context.Context, s *session, text string) {
	user := s.user

	leave := func() {
		g.mu.Lock()
		s.state = StateIdle
		g.mu.Unlock()
	}

	switch strings.TrimSpace(text) {
	case "/cancel":
		leave()
		g.send(ctx, user, g.cfg.Messages.SetBotCanceled)
		return
	case "/unsetbot":
		if err := g.store.SetAssignedTestBot(ctx, user.Key(), ""); err != nil {
			g.logger.ErrorContext(ctx, "Failed to unset assigned bot", "error", err)
			return
		}
		user.AssignedTestBot = ""
		leave()
		g.send(ctx, user, g.cfg.Messages.SetBotWasUnset)
		return
	case "/listbots":
		bots, err := g.store.ListBots(ctx)
		if err != nil {
			g.logger.ErrorContext(ctx, "Failed to list bots", "error", err)
			return
		}
		lines := make([]string, 0, len(bots))
		for _, b := range bots {
			lines = append(lines, fmt.Sprintf("%s: %s", b.Name, b.Token))
		}
		g.send(ctx, user, strings.Join(lines, "\n"))
		return
	}

	token := strings.TrimSpace(text)
	bot, err := g.store.GetBot(ctx, token)
	if errors.Is(err, database.ErrNotFound) {
		g.send(ctx, user, fmt.Sprintf(g.cfg.Messages.SetBotNotFound, token))
		return
	}
	if err != nil {
		g.logger.ErrorContext(ctx, "Failed to look up bot", "error", err)
		return
	}

	if err := g.store.SetAssignedTestBot(ctx, user.Key(), bot.Token); err != nil {
		g.logger.ErrorContext(ctx, "Failed to set assigned bot", "error", err)
		return
	}
	user.AssignedTestBot = bot.Token
	leave()
	g.send(ctx, user, fmt.Sprintf(g.cfg.Messages.SetBotWasSet, bot.Name))
}

// OnCallback handles inline keyboard callbacks. Data is one of the cb*
// prefixed forms.
func (g *Gateway) OnCallback(ctx context.Context, user *database.User, data string) {
	parts := strings.Split(data, ":")
	if len(parts) < 2 {
		return
	}

	switch parts[0] {
	case cbMessageScore:
		if len(parts) != 3 {
			return
		}
		msgID, err1 := strconv.Atoi(parts[1])
		score, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil {
			return
		}
		g.onMessageScore(ctx, user, msgID, score)
	case cbDialogScore:
		score, err := strconv.Atoi(parts[1])
		if err != nil {
			return
		}
		g.onDialogScore(ctx, user, score)
	case cbProfile:
		idx, err := strconv.Atoi(parts[1])
		if err != nil {
			return
		}
		g.onProfileSelected(ctx, user, idx)
	case cbSentence:
		if len(parts) != 3 {
			return
		}
		sentenceIdx, err1 := strconv.Atoi(parts[1])
		optIdx, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil {
			return
		}
		g.onSentenceSelected(ctx, user, sentenceIdx, optIdx)
	}
}

func (g *Gateway) onMessageScore(ctx context.Context, user *database.User, msgID, score int) {
	s := g.sessionFor(user)

	g.mu.Lock()
	convID := s.convID
	g.mu.Unlock()
	if convID == 0 {
		return
	}

	err := g.dialogHandler().EvaluateMessage(ctx, convID, database.UserPeer(user), score, &msgID)
	if err != nil {
		g.logger.WarnContext(ctx, "Failed to record message score",
			"user", user.Key(), "conversation_id", convID, "msg_id", msgID, "error", err)
	}
}
