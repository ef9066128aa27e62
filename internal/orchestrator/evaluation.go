package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"golang.org/x/sync/errgroup"

	"github.com/talkpair/talkpair/internal/database"
)

// TriggerDialogEnd marks the invoking participant and transitions the
// conversation into evaluation. Repeated calls while evaluation is open only
// record the marker. A peer that is not a participant is rejected.
func (o *Orchestrator) TriggerDialogEnd(ctx context.Context, convID int64, peer database.Peer) error {
	o.mu.Lock()
	conv, ok := o.active[convID]
	if !ok {
		o.mu.Unlock()
		return ErrConversationNotFound
	}
	cp := conv.PeerFor(peer)
	if cp == nil {
		o.mu.Unlock()
		return ErrNotParticipant
	}
	cp.TriggeredDialogEnd = true
	o.mu.Unlock()

	return o.beginEvaluation(ctx, convID)
}

// beginEvaluation opens the evaluation phase. It is the shared transition
// behind a participant's end trigger and the inactivity timeout; calling it
// while evaluation is already open is a no-op.
func (o *Orchestrator) beginEvaluation(ctx context.Context, convID int64) error {
	o.mu.Lock()
	conv, ok := o.active[convID]
	if !ok {
		o.mu.Unlock()
		return ErrConversationNotFound
	}
	if _, open := o.evaluations[convID]; open {
		o.mu.Unlock()
		return nil
	}

	o.evaluations[convID] = map[string]evalState{
		conv.Participant1.Peer.Key(): 0,
		conv.Participant2.Peer.Key(): 0,
	}
	// The inactivity timer now doubles as the evaluation timeout.
	o.resetInactivityLocked(convID)

	trueProfiles := [2]database.PersonProfile{
		conv.Participant1.AssignedProfile,
		conv.Participant2.AssignedProfile,
	}
	o.mu.Unlock()

	// Distractor lookups hit the store, so they run outside the lock.
	var options [2][]database.PersonProfile
	for i := range options {
		options[i] = o.profileOptions(ctx, trueProfiles[1-i])
	}

	o.mu.Lock()
	if _, still := o.active[convID]; !still {
		o.mu.Unlock()
		return nil
	}
	participants := conv.Participants()
	for i, cp := range participants {
		cp.ProfileOptions = options[i]
		if o.cfg.SentenceMode {
			otherTrue := trueProfiles[1-i]
			cp.SelectedSentences = make([]string, len(otherTrue.Sentences))
		}
	}
	o.mu.Unlock()

	var g errgroup.Group
	for _, cp := range participants {
		g.Go(func() error {
			return o.gatewayFor(cp.Peer).StartEvaluation(ctx, convID, cp, o.cfg.ScoreFrom, o.cfg.ScoreTo)
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.WarnContext(ctx, "Failed to start evaluation on a gateway",
			"conversation_id", convID, "error", err)
	}

	o.logger.InfoContext(ctx, "Evaluation started", "conversation_id", convID)
	return nil
}

// profileOptions builds the shuffled candidate list for guessing the other
// peer's profile: the true profile plus a distractor with different
// sentences, falling back to the true profile when none exists.
func (o *Orchestrator) profileOptions(ctx context.Context, trueProfile database.PersonProfile) []database.PersonProfile {
	distractor, err := o.store.SampleProfileExcluding(ctx, trueProfile.Sentences)
	if errors.Is(err, database.ErrNotFound) {
		distractor = trueProfile
	} else if err != nil {
		o.logger.WarnContext(ctx, "Failed to sample a distractor profile", "error", err)
		distractor = trueProfile
	}

	options := []database.PersonProfile{trueProfile, distractor}
	rand.Shuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})
	return options
}

// EvaluateDialog records a dialog score submission for one side.
func (o *Orchestrator) EvaluateDialog(ctx context.Context, convID int64, evaluator database.Peer, score *int) error {
	o.mu.Lock()
	eval, open := o.evaluations[convID]
	if !open {
		o.mu.Unlock()
		return ErrEvaluationClosed
	}
	conv := o.active[convID]
	cp := conv.PeerFor(evaluator)
	if cp == nil {
		o.mu.Unlock()
		return ErrNotParticipant
	}

	if score != nil {
		if *score < o.cfg.ScoreFrom || *score > o.cfg.ScoreTo {
			o.mu.Unlock()
			return ErrInvalidScore
		}
		cp.DialogScore = score
	}

	key := evaluator.Key()
	eval[key] |= evalScoreGiven
	if !o.cfg.GuessProfile {
		eval[key] |= evalProfileSelected
	}
	done := bothComplete(conv, eval)
	o.mu.Unlock()

	if done {
		return o.cleanup(ctx, convID)
	}
	return nil
}

// SelectPeerProfile records a whole-profile guess by option index.
func (o *Orchestrator) SelectPeerProfile(ctx context.Context, convID int64, evaluator database.Peer, profileIdx int) error {
	o.mu.Lock()
	eval, open := o.evaluations[convID]
	if !open {
		o.mu.Unlock()
		return ErrEvaluationClosed
	}
	conv := o.active[convID]
	cp := conv.PeerFor(evaluator)
	if cp == nil {
		o.mu.Unlock()
		return ErrNotParticipant
	}
	if profileIdx < 0 || profileIdx >= len(cp.ProfileOptions) {
		o.mu.Unlock()
		return ErrInvalidSelection
	}

	selected := cp.ProfileOptions[profileIdx]
	cp.ProfileSelected = &selected
	eval[evaluator.Key()] |= evalProfileSelected
	done := bothComplete(conv, eval)
	o.mu.Unlock()

	if done {
		return o.cleanup(ctx, convID)
	}
	return nil
}

// SelectPeerProfileSentence records a sentence-by-sentence guess. A nil
// sentenceIdx targets the first unanswered position; an indexed re-selection
// updates the stored guess without advancing completion.
func (o *Orchestrator) SelectPeerProfileSentence(ctx context.Context, convID int64, evaluator database.Peer, sentence string, sentenceIdx *int) error {
	o.mu.Lock()
	eval, open := o.evaluations[convID]
	if !open {
		o.mu.Unlock()
		return ErrEvaluationClosed
	}
	conv := o.active[convID]
	cp := conv.PeerFor(evaluator)
	if cp == nil {
		o.mu.Unlock()
		return ErrNotParticipant
	}
	if len(cp.SelectedSentences) == 0 {
		o.mu.Unlock()
		return ErrInvalidSelection
	}

	idx := -1
	if sentenceIdx != nil {
		idx = *sentenceIdx
	} else {
		for i, s := range cp.SelectedSentences {
			if s == "" {
				idx = i
				break
			}
		}
	}
	if idx < 0 || idx >= len(cp.SelectedSentences) {
		o.mu.Unlock()
		return ErrInvalidSelection
	}

	cp.SelectedSentences[idx] = sentence

	answered := true
	for _, s := range cp.SelectedSentences {
		if s == "" {
			answered = false
			break
		}
	}
	if answered {
		eval[evaluator.Key()] |= evalProfileSelected
	}
	done := bothComplete(conv, eval)
	o.mu.Unlock()

	if done {
		return o.cleanup(ctx, convID)
	}
	return nil
}

// bothComplete applies the completion rule: a bot side is complete on any
// submission, a human side once it has both a score and a profile guess.
func bothComplete(conv *database.Conversation, eval map[string]evalState) bool {
	for _, cp := range conv.Participants() {
		state := eval[cp.Peer.Key()]
		if cp.Peer.IsBot() {
			if state == 0 {
				return false
			}
			continue
		}
		if state != evalComplete {
			return false
		}
	}
	return true
}

// cleanup tears the conversation down: both gateways are notified in
// parallel with errors swallowed, the conversation is persisted, and all
// in-memory state and timers are dropped.
func (o *Orchestrator) cleanup(ctx context.Context, convID int64) error {
	o.mu.Lock()
	conv, ok := o.active[convID]
	if !ok {
		o.mu.Unlock()
		return nil
	}
	delete(o.active, convID)
	delete(o.evaluations, convID)
	delete(o.guards, convID)
	if cancel, ok := o.timeouts[convID]; ok {
		cancel()
		delete(o.timeouts, convID)
	}
	participants := conv.Participants()
	o.mu.Unlock()

	var g errgroup.Group
	for _, cp := range participants {
		g.Go(func() error {
			return o.gatewayFor(cp.Peer).FinishConversation(ctx, convID, cp.Peer)
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.WarnContext(ctx, "Gateway finish failed",
			"conversation_id", convID, "error", err)
	}

	if err := o.store.SaveConversation(ctx, conv); err != nil {
		if errors.Is(err, database.ErrEmptyConversation) {
			o.logger.WarnContext(ctx, "Dropping empty conversation", "conversation_id", convID)
			return nil
		}
		return fmt.Errorf("failed to persist conversation %d: %w", convID, err)
	}

	o.logger.InfoContext(ctx, "Conversation finished and saved",
		"conversation_id", convID, "messages", len(conv.Messages))
	return nil
}
