// Package orchestrator implements the dialog lifecycle core: lobby matching,
// conversation state, timers, the anti-leak guard, and evaluation
// aggregation. All live state is in memory and owned by a single
// Orchestrator instance; gateways reach it only through the DialogHandler
// interface.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talkpair/talkpair/internal/database"
	"github.com/talkpair/talkpair/internal/scheduler"
	"github.com/talkpair/talkpair/internal/trigram"
)

// Config holds the matching and lifecycle parameters.
type Config struct {
	// HumanBotRatio is the probability of attempting a human match before
	// falling back to a bot peer.
	HumanBotRatio     float64
	MaxTimeInLobby    time.Duration
	InactivityTimeout time.Duration
	// MaxLength forces evaluation once a conversation reaches this many
	// messages.
	MaxLength     int
	AssignProfile bool
	ShowTopics    bool

	ScoreFrom    int
	ScoreTo      int
	GuessProfile bool
	// SentenceMode switches profile guessing to sentence-by-sentence.
	SentenceMode bool

	// BadMessagesThreshold terminates a dialog after this many consecutive
	// profile-leaking bot messages. 0 disables the guard.
	BadMessagesThreshold int
	TrigramWindow        int
}

type evalState uint8

const (
	evalScoreGiven evalState = 1 << iota
	evalProfileSelected

	evalComplete = evalScoreGiven | evalProfileSelected
)

type lobbyEntry struct {
	user   *database.User
	cancel scheduler.CancelFunc
}

// Orchestrator is the concurrency core. Its maps are guarded by a single
// mutex which is never held across store or gateway calls.
type Orchestrator struct {
	cfg    Config
	store  database.Store
	timers Timers
	humans HumanGateway
	bots   Gateway
	logger *slog.Logger

	mu          sync.Mutex
	lobby       map[database.UserKey]*lobbyEntry
	active      map[int64]*database.Conversation
	timeouts    map[int64]scheduler.CancelFunc
	evaluations map[int64]map[string]evalState
	guards      map[int64]*trigram.Guard
}

// New creates the orchestrator. Gateways must outlive it; inject it into them
// via their SetHandler after construction.
func New(cfg Config, store database.Store, timers Timers, humans HumanGateway, bots Gateway, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		cfg:         cfg,
		store:       store,
		timers:      timers,
		humans:      humans,
		bots:        bots,
		logger:      logger.With("component", "orchestrator"),
		lobby:       make(map[database.UserKey]*lobbyEntry),
		active:      make(map[int64]*database.Conversation),
		timeouts:    make(map[int64]scheduler.CancelFunc),
		evaluations: make(map[int64]map[string]evalState),
		guards:      make(map[int64]*trigram.Guard),
	}
}

func (o *Orchestrator) gatewayFor(peer database.Peer) Gateway {
	if peer.IsBot() {
		return o.bots
	}
	return o.humans
}

// StartDialog admits a human into matching per the configured human/bot
// ratio: either pair with a lobbied human, wait in the lobby with a timeout
// fallback to a bot, or match with a bot immediately.
func (o *Orchestrator) StartDialog(ctx context.Context, user *database.User) error {
	if user.Banned {
		return ErrUserBanned
	}

	o.mu.Lock()
	if o.isEngagedLocked(user) {
		o.mu.Unlock()
		return ErrSimultaneousDialogs
	}

	if rand.Float64() >= o.cfg.HumanBotRatio {
		o.mu.Unlock()
		return o.matchWithBot(ctx, user)
	}

	if partner := o.takeFromLobbyLocked(); partner != nil {
		o.mu.Unlock()
		return o.instantiate(ctx, database.UserPeer(partner), database.UserPeer(user))
	}

	entry := &lobbyEntry{user: user}
	o.lobby[user.Key()] = entry
	o.mu.Unlock()

	cancel, err := o.timers.Schedule(o.cfg.MaxTimeInLobby, func() {
		o.onLobbyExpired(user)
	})
	if err != nil {
		o.mu.Lock()
		delete(o.lobby, user.Key())
		o.mu.Unlock()
		return fmt.Errorf("failed to schedule lobby timeout: %w", err)
	}

	o.mu.Lock()
	// The timer may have been beaten by a concurrent match.
	if e, ok := o.lobby[user.Key()]; ok && e == entry {
		e.cancel = cancel
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()
	cancel()
	return nil
}

// isEngagedLocked reports whether the user waits in the lobby or participates
// in any active conversation.
func (o *Orchestrator) isEngagedLocked(user *database.User) bool {
	if _, ok := o.lobby[user.Key()]; ok {
		return true
	}
	peer := database.UserPeer(user)
	for _, conv := range o.active {
		if conv.PeerFor(peer) != nil {
			return true
		}
	}
	return false
}

// takeFromLobbyLocked removes and returns a uniformly random lobbied user,
// canceling their timer, or returns nil when the lobby is empty.
func (o *Orchestrator) takeFromLobbyLocked() *database.User {
	if len(o.lobby) == 0 {
		return nil
	}

	n := rand.IntN(len(o.lobby))
	for key, entry := range o.lobby {
		if n > 0 {
			n--
			continue
		}
		delete(o.lobby, key)
		if entry.cancel != nil {
			entry.cancel()
		}
		return entry.user
	}
	return nil
}

// onLobbyExpired is the lobby timer callback: fall back to bot matching and
// report failures through the human gateway.
func (o *Orchestrator) onLobbyExpired(user *database.User) {
	o.mu.Lock()
	if _, ok := o.lobby[user.Key()]; !ok {
		o.mu.Unlock()
		return
	}
	delete(o.lobby, user.Key())
	o.mu.Unlock()

	ctx := context.Background()
	err := o.matchWithBot(ctx, user)
	switch {
	case err == nil:
	case errors.Is(err, ErrPeerNotFound):
		o.humans.ConversationFailed(ctx, user, ReasonPeerNotFound)
	default:
		o.logger.ErrorContext(ctx, "Lobby fallback match failed",
			"user", user.Key(), "error", err)
		o.humans.ConversationFailed(ctx, user, ReasonInternal)
	}
}

func (o *Orchestrator) matchWithBot(ctx context.Context, user *database.User) error {
	bot, err := o.store.SampleBot(ctx, user)
	if errors.Is(err, database.ErrNotFound) {
		return ErrPeerNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to sample a bot peer: %w", err)
	}
	return o.instantiate(ctx, database.UserPeer(user), database.BotPeer(bot))
}

// instantiate builds the in-memory conversation, assigns profiles, notifies
// both gateways, and arms the inactivity timer.
func (o *Orchestrator) instantiate(ctx context.Context, p1, p2 database.Peer) error {
	convID, err := o.newConversationID(ctx)
	if err != nil {
		return err
	}

	profile1, profile2, err := o.assignProfiles(ctx)
	if err != nil {
		return err
	}

	conv := &database.Conversation{
		ID: convID,
		Participant1: database.ConversationPeer{
			Peer:             p1,
			AssignedProfile:  profile1,
			ConversationGUID: uuid.NewString(),
		},
		Participant2: database.ConversationPeer{
			Peer:             p2,
			AssignedProfile:  profile2,
			ConversationGUID: uuid.NewString(),
		},
	}

	o.mu.Lock()
	o.active[convID] = conv
	if p2.IsBot() && o.cfg.BadMessagesThreshold > 0 {
		o.guards[convID] = trigram.NewGuard(o.cfg.TrigramWindow, profile2.Sentences)
	}
	o.mu.Unlock()

	for _, cp := range conv.Participants() {
		if err := o.gatewayFor(cp.Peer).StartConversation(ctx, convID, cp); err != nil {
			o.discard(convID)
			return fmt.Errorf("failed to start conversation %d: %w", convID, err)
		}
	}

	if o.cfg.ShowTopics {
		for _, cp := range conv.Participants() {
			if len(cp.AssignedProfile.Topics) > 0 {
				if err := o.gatewayFor(cp.Peer).TopicSwitched(ctx, convID, cp.Peer, cp.AssignedProfile.Topics[0]); err != nil {
					o.logger.WarnContext(ctx, "Failed to announce initial topic",
						"conversation_id", convID, "error", err)
				}
			}
		}
	}

	o.mu.Lock()
	o.resetInactivityLocked(convID)
	o.mu.Unlock()

	o.logger.InfoContext(ctx, "Conversation started",
		"conversation_id", convID, "peer1", p1.Key(), "peer2", p2.Key())
	return nil
}

// newConversationID draws 31-bit random ids until one collides with neither
// a live nor a stored conversation.
func (o *Orchestrator) newConversationID(ctx context.Context) (int64, error) {
	for {
		id := int64(rand.Int32())

		o.mu.Lock()
		_, live := o.active[id]
		o.mu.Unlock()
		if live {
			continue
		}

		exists, err := o.store.ConversationExists(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to check conversation id: %w", err)
		}
		if !exists {
			return id, nil
		}
	}
}

// assignProfiles picks a random profile for the first peer and, for the
// second, prefers a linked paraphrase, then a profile with different
// sentences, then the same profile.
func (o *Orchestrator) assignProfiles(ctx context.Context) (database.PersonProfile, database.PersonProfile, error) {
	if !o.cfg.AssignProfile {
		return database.PersonProfile{}, database.PersonProfile{}, nil
	}

	first, err := o.store.SampleProfile(ctx)
	if err != nil {
		return database.PersonProfile{}, database.PersonProfile{}, fmt.Errorf("failed to sample a profile: %w", err)
	}

	second, err := o.store.FindLinkedProfile(ctx, first.LinkGroupID, first.ID)
	if errors.Is(err, database.ErrNotFound) {
		second, err = o.store.SampleProfileExcluding(ctx, first.Sentences)
	}
	if errors.Is(err, database.ErrNotFound) {
		return first, first, nil
	}
	if err != nil {
		return database.PersonProfile{}, database.PersonProfile{}, fmt.Errorf("failed to pick a partner profile: %w", err)
	}
	return first, second, nil
}

// HandleMessage validates, appends, and forwards a dialog message, then
// checks the length cap and the anti-leak guard.
func (o *Orchestrator) HandleMessage(ctx context.Context, convID int64, sender database.Peer, text string, at time.Time) (int, error) {
	o.mu.Lock()
	conv, ok := o.active[convID]
	if !ok {
		o.mu.Unlock()
		return 0, ErrConversationNotFound
	}
	if _, evaluating := o.evaluations[convID]; evaluating {
		o.mu.Unlock()
		return 0, ErrInEvaluation
	}
	if conv.PeerFor(sender) == nil {
		o.mu.Unlock()
		return 0, ErrNotParticipant
	}

	msgID := len(conv.Messages)
	conv.Messages = append(conv.Messages, database.Message{
		MsgID:  msgID,
		Text:   text,
		Sender: sender,
		Time:   at,
	})
	receiver := conv.OtherPeer(sender).Peer
	capped := len(conv.Messages) >= o.cfg.MaxLength

	// The guard verdict never reaches the bot: the message is forwarded
	// either way, only the dialog may end.
	leaked := false
	if guard, ok := o.guards[convID]; ok && sender.IsBot() {
		leaked = guard.Check(text) && guard.Streak() >= o.cfg.BadMessagesThreshold
	}
	o.mu.Unlock()

	if err := o.gatewayFor(receiver).SendMessage(ctx, convID, msgID, text, receiver); err != nil {
		o.logger.WarnContext(ctx, "Failed to forward message",
			"conversation_id", convID, "msg_id", msgID, "error", err)
	}

	if capped || leaked {
		if leaked {
			o.logger.InfoContext(ctx, "Profile leak threshold reached",
				"conversation_id", convID, "sender", sender.Key())
		}
		if err := o.TriggerDialogEnd(ctx, convID, sender); err != nil {
			return msgID, err
		}
		return msgID, nil
	}

	o.mu.Lock()
	if _, still := o.active[convID]; still {
		o.resetInactivityLocked(convID)
	}
	o.mu.Unlock()

	return msgID, nil
}

// EvaluateMessage records an in-line 0/1 rating of a prior message. A nil
// msgID targets the most recent message sent by the other side.
func (o *Orchestrator) EvaluateMessage(_ context.Context, convID int64, evaluator database.Peer, score int, msgID *int) error {
	if score != 0 && score != 1 {
		return ErrInvalidScore
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	conv, ok := o.active[convID]
	if !ok {
		return ErrConversationNotFound
	}
	if conv.PeerFor(evaluator) == nil {
		return ErrNotParticipant
	}

	var target *database.Message
	if msgID != nil {
		if *msgID < 0 || *msgID >= len(conv.Messages) {
			return ErrMessageNotFound
		}
		target = &conv.Messages[*msgID]
	} else {
		for i := len(conv.Messages) - 1; i >= 0; i-- {
			if !conv.Messages[i].Sender.Equal(evaluator) {
				target = &conv.Messages[i]
				break
			}
		}
	}
	if target == nil || target.Sender.Equal(evaluator) {
		return ErrMessageNotFound
	}

	target.EvaluationScore = &score
	return nil
}

// SwitchToNextTopic advances the active topic when both profiles define one
// at the next index, records a system message, and announces the new topic
// to both sides.
func (o *Orchestrator) SwitchToNextTopic(ctx context.Context, convID int64, peer database.Peer) (bool, error) {
	o.mu.Lock()
	conv, ok := o.active[convID]
	if !ok {
		o.mu.Unlock()
		return false, ErrConversationNotFound
	}
	if _, evaluating := o.evaluations[convID]; evaluating {
		o.mu.Unlock()
		return false, ErrInEvaluation
	}
	if conv.PeerFor(peer) == nil {
		o.mu.Unlock()
		return false, ErrNotParticipant
	}

	if !conv.NextTopic() {
		o.mu.Unlock()
		return false, nil
	}

	idx := conv.ActiveTopicIndex
	conv.Messages = append(conv.Messages, database.Message{
		MsgID:  len(conv.Messages),
		Text:   fmt.Sprintf("Switched to topic %d", idx),
		Sender: peer,
		Time:   time.Now().UTC(),
		System: true,
	})
	participants := conv.Participants()
	o.mu.Unlock()

	for _, cp := range participants {
		if idx >= len(cp.AssignedProfile.Topics) {
			continue
		}
		if err := o.gatewayFor(cp.Peer).TopicSwitched(ctx, convID, cp.Peer, cp.AssignedProfile.Topics[idx]); err != nil {
			o.logger.WarnContext(ctx, "Failed to announce topic switch",
				"conversation_id", convID, "error", err)
		}
	}
	return true, nil
}

// Complain files a complaint against the other participant. A conversation
// that produced no messages yields false. The conversation is persisted
// alongside the complaint so the report always references a stored dialog.
func (o *Orchestrator) Complain(ctx context.Context, convID int64, complainer database.Peer) (bool, error) {
	o.mu.Lock()
	conv, live := o.active[convID]
	o.mu.Unlock()

	if !live {
		stored, err := o.store.GetConversation(ctx, convID)
		if errors.Is(err, database.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to load conversation %d: %w", convID, err)
		}
		conv = stored
	}

	if len(conv.Messages) == 0 {
		return false, nil
	}

	other := conv.OtherPeer(complainer)
	if other == nil {
		return false, ErrNotParticipant
	}

	if live {
		if err := o.store.SaveConversation(ctx, conv); err != nil {
			return false, fmt.Errorf("failed to persist complained conversation: %w", err)
		}
	}

	complaint := &database.Complaint{
		ComplainTo:     other.Peer,
		ConversationID: convID,
	}
	if complainer.User != nil {
		complaint.ComplainerKey = complainer.User.Key()
	}
	if err := o.store.SaveComplaint(ctx, complaint); err != nil {
		return false, fmt.Errorf("failed to save complaint: %w", err)
	}

	o.logger.InfoContext(ctx, "Complaint recorded",
		"conversation_id", convID, "complainer", complainer.Key())
	return true, nil
}

// resetInactivityLocked re-arms the conversation's single inactivity timer.
// During the dialog phase firing ends the dialog; during evaluation it forces
// cleanup.
func (o *Orchestrator) resetInactivityLocked(convID int64) {
	if cancel, ok := o.timeouts[convID]; ok {
		cancel()
	}

	cancel, err := o.timers.Schedule(o.cfg.InactivityTimeout, func() {
		o.onInactive(convID)
	})
	if err != nil {
		o.logger.Error("Failed to arm inactivity timer",
			"conversation_id", convID, "error", err)
		delete(o.timeouts, convID)
		return
	}
	o.timeouts[convID] = cancel
}

func (o *Orchestrator) onInactive(convID int64) {
	ctx := context.Background()

	o.mu.Lock()
	_, live := o.active[convID]
	_, evaluating := o.evaluations[convID]
	o.mu.Unlock()

	if !live {
		return
	}

	if evaluating {
		o.logger.InfoContext(ctx, "Evaluation timed out", "conversation_id", convID)
		if err := o.cleanup(ctx, convID); err != nil {
			o.logger.ErrorContext(ctx, "Cleanup after evaluation timeout failed",
				"conversation_id", convID, "error", err)
		}
		return
	}

	o.logger.InfoContext(ctx, "Dialog timed out", "conversation_id", convID)
	if err := o.beginEvaluation(ctx, convID); err != nil {
		o.logger.ErrorContext(ctx, "Failed to end timed-out dialog",
			"conversation_id", convID, "error", err)
	}
}

// discard drops a conversation that never got off the ground.
func (o *Orchestrator) discard(convID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	delete(o.active, convID)
	delete(o.guards, convID)
	delete(o.evaluations, convID)
	if cancel, ok := o.timeouts[convID]; ok {
		cancel()
		delete(o.timeouts, convID)
	}
}
