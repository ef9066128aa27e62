package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/talkpair/talkpair/internal/database"
	"github.com/talkpair/talkpair/internal/scheduler"
)

// Errors produced by the orchestrator. Gateways translate them into
// user-visible messages or HTTP statuses.
var (
	ErrUserBanned           = errors.New("user is banned")
	ErrSimultaneousDialogs  = errors.New("user is already in a lobby or a conversation")
	ErrPeerNotFound         = errors.New("no peer available for matching")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("peer is not a conversation participant")
	ErrInEvaluation         = errors.New("conversation is already being evaluated")
	ErrEvaluationClosed     = errors.New("evaluation is not open")
	ErrInvalidScore         = errors.New("score is out of range")
	ErrInvalidSelection     = errors.New("profile selection is out of range")
	ErrMessageNotFound      = errors.New("referenced message not found")
)

// FailReason explains an asynchronous matching failure to the human gateway.
type FailReason string

const (
	ReasonPeerNotFound FailReason = "peer_not_found"
	ReasonInternal     FailReason = "internal"
)

// Gateway is the capability set the orchestrator requires from both the
// human-facing and the bot-facing side. The orchestrator picks the gateway by
// the peer's variant.
type Gateway interface {
	// StartConversation announces a freshly matched conversation to one
	// side, including its assigned profile.
	StartConversation(ctx context.Context, convID int64, peer *database.ConversationPeer) error

	// SendMessage delivers a dialog message to the receiving peer.
	SendMessage(ctx context.Context, convID int64, msgID int, text string, receiver database.Peer) error

	// StartEvaluation moves one side into the evaluation phase. The peer
	// carries the prepared profile options.
	StartEvaluation(ctx context.Context, convID int64, peer *database.ConversationPeer, scoreFrom, scoreTo int) error

	// FinishConversation tears down one side's per-conversation state.
	FinishConversation(ctx context.Context, convID int64, peer database.Peer) error

	// TopicSwitched announces the active conversation topic to one side.
	TopicSwitched(ctx context.Context, convID int64, peer database.Peer, topic string) error
}

// HumanGateway extends Gateway with failure reporting: matching can fail
// asynchronously, after the triggering command has already returned.
type HumanGateway interface {
	Gateway
	ConversationFailed(ctx context.Context, user *database.User, reason FailReason)
}

// DialogHandler is the surface gateways call into. The orchestrator
// implements it; gateways are constructed with a no-op handler and get the
// real one injected once all three exist.
type DialogHandler interface {
	// StartDialog admits a human into matching.
	StartDialog(ctx context.Context, user *database.User) error

	// HandleMessage appends a dialog message and forwards it to the other
	// peer. It returns the assigned msgId.
	HandleMessage(ctx context.Context, convID int64, sender database.Peer, text string, at time.Time) (int, error)

	// EvaluateMessage records an in-line 0/1 rating of a prior message.
	// A nil msgID targets the most recent message not sent by the evaluator.
	EvaluateMessage(ctx context.Context, convID int64, evaluator database.Peer, score int, msgID *int) error

	// SwitchToNextTopic advances the conversation topic. It reports whether
	// the switch happened.
	SwitchToNextTopic(ctx context.Context, convID int64, peer database.Peer) (bool, error)

	// TriggerDialogEnd moves the conversation into evaluation. Calling it
	// again while evaluation is open is a no-op; a peer that is not a
	// participant gets ErrNotParticipant.
	TriggerDialogEnd(ctx context.Context, convID int64, peer database.Peer) error

	// EvaluateDialog records a numeric dialog score. A nil score counts as
	// a submission without a rating.
	EvaluateDialog(ctx context.Context, convID int64, evaluator database.Peer, score *int) error

	// SelectPeerProfile records a whole-profile guess by option index.
	SelectPeerProfile(ctx context.Context, convID int64, evaluator database.Peer, profileIdx int) error

	// SelectPeerProfileSentence records a sentence-by-sentence guess. A nil
	// sentenceIdx targets the first unanswered position.
	SelectPeerProfileSentence(ctx context.Context, convID int64, evaluator database.Peer, sentence string, sentenceIdx *int) error

	// Complain files a complaint against the other participant. It reports
	// whether there was anything to complain about.
	Complain(ctx context.Context, convID int64, complainer database.Peer) (bool, error)
}

// NoopHandler is the default DialogHandler gateways start with. Every call
// fails with ErrConversationNotFound until the real handler is injected.
type NoopHandler struct{}

func (NoopHandler) StartDialog(context.Context, *database.User) error { return ErrConversationNotFound }

func (NoopHandler) HandleMessage(context.Context, int64, database.Peer, string, time.Time) (int, error) {
	return 0, ErrConversationNotFound
}

func (NoopHandler) EvaluateMessage(context.Context, int64, database.Peer, int, *int) error {
	return ErrConversationNotFound
}

func (NoopHandler) SwitchToNextTopic(context.Context, int64, database.Peer) (bool, error) {
	return false, ErrConversationNotFound
}

func (NoopHandler) TriggerDialogEnd(context.Context, int64, database.Peer) error {
	return ErrConversationNotFound
}

func (NoopHandler) EvaluateDialog(context.Context, int64, database.Peer, *int) error {
	return ErrConversationNotFound
}

func (NoopHandler) SelectPeerProfile(context.Context, int64, database.Peer, int) error {
	return ErrConversationNotFound
}

func (NoopHandler) SelectPeerProfileSentence(context.Context, int64, database.Peer, string, *int) error {
	return ErrConversationNotFound
}

func (NoopHandler) Complain(context.Context, int64, database.Peer) (bool, error) {
	return false, ErrConversationNotFound
}

// Timers is the one-shot timer surface the orchestrator needs. The scheduler
// package provides the production implementation.
type Timers interface {
	Schedule(delay time.Duration, task func()) (scheduler.CancelFunc, error)
}
