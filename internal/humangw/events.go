package humangw

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/talkpair/talkpair/internal/database"
	"github.com/talkpair/talkpair/internal/orchestrator"
)

var _ orchestrator.HumanGateway = (*Gateway)(nil)

// StartConversation moves the user into the dialog state and shows the
// assigned role-play profile.
func (g *Gateway) StartConversation(ctx context.Context, convID int64, cp *database.ConversationPeer) error {
	user := cp.Peer.User
	if user == nil {
		return fmt.Errorf("human gateway received a non-human peer")
	}

	s := g.sessionFor(user)
	g.mu.Lock()
	s.state = StateInDialog
	s.convID = convID
	s.guid = cp.ConversationGUID
	s.profile = cp.AssignedProfile
	s.scoreGiven = false
	s.profileDone = false
	s.profileOptions = nil
	s.sentenceTuples = nil
	s.sentenceIdx = 0
	g.mu.Unlock()

	g.send(ctx, user, g.cfg.Messages.PeerFound)
	if g.cfg.AssignProfile && len(cp.AssignedProfile.Sentences) > 0 {
		g.send(ctx, user, g.cfg.Messages.ProfileAssigning+"\n\n"+cp.AssignedProfile.Description())
	}
	return nil
}

// SendMessage delivers a partner message with inline thumbs for the in-line
// message rating.
func (g *Gateway) SendMessage(ctx context.Context, _ int64, msgID int, text string, receiver database.Peer) error {
	user := receiver.User
	if user == nil {
		return fmt.Errorf("human gateway received a non-human receiver")
	}

	buttons := [][]Button{{
		{Text: "\U0001F44D", Data: fmt.Sprintf("%s:%d:1", cbMessageScore, msgID)},
		{Text: "\U0001F44E", Data: fmt.Sprintf("%s:%d:0", cbMessageScore, msgID)},
	}}
	return g.messenger.SendButtons(ctx, user, text, buttons)
}

// StartEvaluation moves the user into the evaluation state and prompts for
// the dialog score, or skips straight to profile guessing when scoring is
// disabled.
func (g *Gateway) StartEvaluation(ctx context.Context, convID int64, cp *database.ConversationPeer, scoreFrom, scoreTo int) error {
	user := cp.Peer.User
	if user == nil {
		return fmt.Errorf("human gateway received a non-human peer")
	}

	s := g.sessionFor(user)

	var tuples [][]string
	if g.cfg.GuessProfile && g.cfg.SentenceMode {
		tuples = g.buildSentenceTuples(ctx, len(cp.SelectedSentences), cp.ProfileOptions)
	}

	g.mu.Lock()
	s.state = StateEvaluating
	s.convID = convID
	s.scoreFrom = scoreFrom
	s.scoreTo = scoreTo
	s.scoreGiven = false
	s.profileDone = false
	s.profileOptions = cp.ProfileOptions
	s.sentenceTuples = tuples
	s.sentenceIdx = 0
	g.mu.Unlock()

	g.send(ctx, user, g.cfg.Messages.EvaluationStart)

	if !g.cfg.ScoreDialog {
		// No score step: submit an empty score so the orchestrator can
		// track completion, then continue with profile guessing.
		if err := g.dialogHandler().EvaluateDialog(ctx, convID, cp.Peer, nil); err != nil {
			g.logger.WarnContext(ctx, "Failed to submit empty dialog score",
				"conversation_id", convID, "error", err)
		}
		g.mu.Lock()
		s.scoreGiven = true
		g.mu.Unlock()
		g.continueEvaluation(ctx, s)
		return nil
	}

	row := make([]Button, 0, scoreTo-scoreFrom+1)
	for v := scoreFrom; v <= scoreTo; v++ {
		row = append(row, Button{
			Text: strconv.Itoa(v),
			Data: fmt.Sprintf("%s:%d", cbDialogScore, v),
		})
	}
	g.sendButtons(ctx, user, g.cfg.Messages.EvaluationStart, [][]Button{row})
	return nil
}

// FinishConversation returns the user to idle and thanks them.
func (g *Gateway) FinishConversation(ctx context.Context, convID int64, peer database.Peer) error {
	user := peer.User
	if user == nil {
		return fmt.Errorf("human gateway received a non-human peer")
	}

	s := g.sessionFor(user)
	g.mu.Lock()
	s.state = StateIdle
	s.lastConvID = convID
	s.convID = 0
	guid := s.guid
	g.mu.Unlock()

	g.send(ctx, user, g.cfg.Messages.FinishThanks)
	if g.cfg.RevealDialogID && guid != "" {
		g.send(ctx, user, fmt.Sprintf(g.cfg.Messages.FinishShowID, guid))
	}
	return nil
}

// TopicSwitched announces the new topic to the user.
func (g *Gateway) TopicSwitched(ctx context.Context, _ int64, peer database.Peer, topic string) error {
	user := peer.User
	if user == nil {
		return fmt.Errorf("human gateway received a non-human peer")
	}
	return g.messenger.SendText(ctx, user, fmt.Sprintf(g.cfg.Messages.TopicSwitched, topic))
}

// ConversationFailed reports an asynchronous matching failure.
func (g *Gateway) ConversationFailed(ctx context.Context, user *database.User, reason orchestrator.FailReason) {
	s := g.sessionFor(user)
	g.mu.Lock()
	s.state = StateIdle
	g.mu.Unlock()

	if reason == orchestrator.ReasonPeerNotFound {
		g.send(ctx, user, g.cfg.Messages.NoPeersFound)
	} else {
		g.send(ctx, user, g.cfg.Messages.CannotStart)
	}
}

func (g *Gateway) onDialogScore(ctx context.Context, user *database.User, score int) {
	s := g.sessionFor(user)

	g.mu.Lock()
	if s.state != StateEvaluating || s.scoreGiven {
		g.mu.Unlock()
		g.send(ctx, user, g.cfg.Messages.EvaluationNotAllowed)
		return
	}
	convID := s.convID
	g.mu.Unlock()

	if err := g.dialogHandler().EvaluateDialog(ctx, convID, database.UserPeer(user), &score); err != nil {
		g.logger.WarnContext(ctx, "Failed to record dialog score",
			"user", user.Key(), "conversation_id", convID, "error", err)
		g.send(ctx, user, g.cfg.Messages.EvaluationNotAllowed)
		return
	}

	g.mu.Lock()
	s.scoreGiven = true
	g.mu.Unlock()
	g.continueEvaluation(ctx, s)
}

func (g *Gateway) onProfileSelected(ctx context.Context, user *database.User, idx int) {
	s := g.sessionFor(user)

	g.mu.Lock()
	if s.state != StateEvaluating || s.profileDone {
		g.mu.Unlock()
		g.send(ctx, user, g.cfg.Messages.ProfileSelectionNA)
		return
	}
	convID := s.convID
	g.mu.Unlock()

	if err := g.dialogHandler().SelectPeerProfile(ctx, convID, database.UserPeer(user), idx); err != nil {
		g.logger.WarnContext(ctx, "Failed to record profile guess",
			"user", user.Key(), "conversation_id", convID, "error", err)
		g.send(ctx, user, g.cfg.Messages.ProfileSelectionNA)
		return
	}

	g.mu.Lock()
	s.profileDone = true
	g.mu.Unlock()
	g.continueEvaluation(ctx, s)
}

// onSentenceSelected records the option chosen for one sentence position. A
// click on an earlier keyboard updates that position's guess without moving
// the user forward; only answering the current position advances.
func (g *Gateway) onSentenceSelected(ctx context.Context, user *database.User, sentenceIdx, optIdx int) {
	s := g.sessionFor(user)

	g.mu.Lock()
	if s.state != StateEvaluating || sentenceIdx > s.sentenceIdx {
		g.mu.Unlock()
		g.send(ctx, user, g.cfg.Messages.ProfileSelectionNA)
		return
	}
	if sentenceIdx < 0 || sentenceIdx >= len(s.sentenceTuples) {
		g.mu.Unlock()
		return
	}
	tuple := s.sentenceTuples[sentenceIdx]
	if optIdx < 0 || optIdx >= len(tuple) {
		g.mu.Unlock()
		return
	}
	sentence := tuple[optIdx]
	current := sentenceIdx == s.sentenceIdx
	convID := s.convID
	g.mu.Unlock()

	if err := g.dialogHandler().SelectPeerProfileSentence(ctx, convID, database.UserPeer(user), sentence, &sentenceIdx); err != nil {
		g.logger.WarnContext(ctx, "Failed to record sentence guess",
			"user", user.Key(), "conversation_id", convID, "error", err)
		return
	}

	if !current {
		return
	}

	g.mu.Lock()
	s.sentenceIdx++
	if s.sentenceIdx >= len(s.sentenceTuples) {
		s.profileDone = true
	}
	g.mu.Unlock()
	g.continueEvaluation(ctx, s)
}

// continueEvaluation advances the user through the evaluation steps:
// profile guessing after the score, then waiting for the partner. It must be
// called without the gateway lock held.
func (g *Gateway) continueEvaluation(ctx context.Context, s *session) {
	g.mu.Lock()
	if s.state != StateEvaluating {
		// Cleanup already ran and FinishConversation moved the user on.
		g.mu.Unlock()
		return
	}

	if !s.scoreGiven {
		g.mu.Unlock()
		return
	}

	if g.cfg.GuessProfile && !s.profileDone {
		if g.cfg.SentenceMode {
			idx := s.sentenceIdx
			tuples := s.sentenceTuples
			user := s.user
			g.mu.Unlock()
			g.promptSentence(ctx, user, idx, tuples)
			return
		}
		options := s.profileOptions
		user := s.user
		g.mu.Unlock()
		g.promptProfiles(ctx, user, options)
		return
	}

	s.state = StateWaitingForPartner
	user := s.user
	guid := s.guid
	g.mu.Unlock()

	if g.cfg.RevealDialogID && guid != "" {
		g.send(ctx, user, fmt.Sprintf(g.cfg.Messages.EvaluationSavedID, guid))
	} else {
		g.send(ctx, user, g.cfg.Messages.EvaluationSaved)
	}
}

// promptProfiles presents the whole-profile candidates with numbered
// buttons.
func (g *Gateway) promptProfiles(ctx context.Context, user *database.User, options []database.PersonProfile) {
	text := g.cfg.Messages.ProfileSelection
	row := make([]Button, 0, len(options))
	for i, p := range options {
		text += fmt.Sprintf("\n\n%d)\n%s", i+1, p.Description())
		row = append(row, Button{
			Text: strconv.Itoa(i + 1),
			Data: fmt.Sprintf("%s:%d", cbProfile, i),
		})
	}
	g.sendButtons(ctx, user, text, [][]Button{row})
}

// promptSentence presents one sentence tuple, one button per candidate.
func (g *Gateway) promptSentence(ctx context.Context, user *database.User, idx int, tuples [][]string) {
	if idx >= len(tuples) {
		return
	}
	buttons := make([][]Button, 0, len(tuples[idx]))
	for i, sentence := range tuples[idx] {
		buttons = append(buttons, []Button{{
			Text: sentence,
			Data: fmt.Sprintf("%s:%d:%d", cbSentence, idx, i),
		}})
	}
	text := fmt.Sprintf(g.cfg.Messages.SentenceSelection, idx+1, len(tuples))
	g.sendButtons(ctx, user, text, buttons)
}

// buildSentenceTuples prepares one candidate tuple per sentence of the true
// profile. Each candidate profile contributes its sentence at that position,
// or a random stored sentence when it is shorter; each tuple is shuffled
// independently.
func (g *Gateway) buildSentenceTuples(ctx context.Context, trueLen int, options []database.PersonProfile) [][]string {
	tuples := make([][]string, 0, trueLen)
	for i := 0; i < trueLen; i++ {
		tuple := make([]string, 0, len(options))
		for _, p := range options {
			if i < len(p.Sentences) {
				tuple = append(tuple, p.Sentences[i])
				continue
			}
			sentence, err := g.store.SampleSentenceAt(ctx, i)
			if err != nil {
				if len(p.Sentences) == 0 {
					continue
				}
				g.logger.WarnContext(ctx, "No stored sentence at position, reusing last",
					"position", i, "error", err)
				sentence = p.Sentences[len(p.Sentences)-1]
			}
			tuple = append(tuple, sentence)
		}
		rand.Shuffle(len(tuple), func(a, b int) {
			tuple[a], tuple[b] = tuple[b], tuple[a]
		})
		tuples = append(tuples, tuple)
	}
	return tuples
}
