package botgw_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/talkpair/talkpair/internal/botgw"
	"github.com/talkpair/talkpair/internal/database"
	"github.com/talkpair/talkpair/internal/mailbox"
)

type fakeStore struct {
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
	bot, ok := s.bots[token]
	if !ok {
		return nil, database.ErrNotFound
	}
	return bot, nil
}

func (s *fakeStore) SetBotLastUpdateID(_ context.Context, token string, id int64) error {
	if bot, ok := s.bots[token]; ok {
		bot.LastUpdateID = id
	}
	return nil
}

// fakeHandler records the dialog handler calls the gateway routes.
type fakeHandler struct {
	mu        sync.Mutex
	messages  []string
	nextMsgID int
	ends      int
	scores    []*int
	profiles  []int
	msgEvals  []struct {
		score int
		msgID *int
	}
}

func (h *fakeHandler) StartDialog(context.Context, *database.User) error { return nil }

func (h *fakeHandler) HandleMessage(_ context.Context, _ int64, _ database.Peer, text string, _ time.Time) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, text)
	id := h.nextMsgID
	h.nextMsgID++
	return id, nil
}

func (h *fakeHandler) EvaluateMessage(_ context.Context, _ int64, _ database.Peer, score int, msgID *int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgEvals = append(h.msgEvals, struct {
		score int
		msgID *int
	}{score, msgID})
	return nil
}

func (h *fakeHandler) SwitchToNextTopic(context.Context, int64, database.Peer) (bool, error) {
	return false, nil
}

func (h *fakeHandler) TriggerDialogEnd(context.Context, int64, database.Peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ends++
	return nil
}

func (h *fakeHandler) EvaluateDialog(_ context.Context, _ int64, _ database.Peer, score *int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scores = append(h.scores, score)
	return nil
}

func (h *fakeHandler) SelectPeerProfile(_ context.Context, _ int64, _ database.Peer, idx int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.profiles = append(h.profiles, idx)
	return nil
}

func (h *fakeHandler) SelectPeerProfileSentence(context.Context, int64, database.Peer, string, *int) error {
	return nil
}

func (h *fakeHandler) Complain(context.Context, int64, database.Peer) (bool, error) {
	return false, nil
}

func newGateway(t *testing.T, tokens ...string) (*botgw.Gateway, *fakeHandler, *fakeStore) {
	t.Helper()
	store := newFakeStore(tokens...)
	gw := botgw.NewGateway(mailbox.NewMailbox(store, nil), store, nil)
	handler := &fakeHandler{}
	gw.SetHandler(handler)
	return gw, handler, store
}

func drain(t *testing.T, gw *botgw.Gateway, token string) []mailbox.Update {
	t.Helper()
	updates, err := gw.GetUpdates(context.Background(), token, 100, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("GetUpdates() error = %v", err)
	}
	return updates
}

func TestStartConversationEnvelope(t *testing.T) {
	t.Parallel()

	gw, _, store := newGateway(t, "tok")
	cp := &database.ConversationPeer{
		Peer:            database.BotPeer(store.bots["tok"]),
		AssignedProfile: database.PersonProfile{ID: "p1", Sentences: []string{"I like trains.", "I live in Oslo."}},
	}

	if err := gw.StartConversation(context.Background(), 77, cp); err != nil {
		t.Fatalf("StartConversation() error = %v", err)
	}

	updates := drain(t, gw, "tok")
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	msg := updates[0].Message
	if msg.MessageID != 0 {
		t.Errorf("message_id = %d, want 0", msg.MessageID)
	}
	if msg.Chat.ID != 77 || msg.From.ID != 77 {
		t.Errorf("chat/from ids = %d/%d, want the conversation id 77", msg.Chat.ID, msg.From.ID)
	}
	want := "/start\nI like trains.\nI live in Oslo."
	if msg.Text != want {
		t.Errorf("text = %q, want %q", msg.Text, want)
	}
}

func TestStartConversationRejectsHumanPeer(t *testing.T) {
	t.Parallel()

	gw, _, _ := newGateway(t, "tok")
	cp := &database.ConversationPeer{
		Peer: database.UserPeer(&database.User{Platform: database.PlatformTelegram, ExternalID: "1"}),
	}
	if err := gw.StartConversation(context.Background(), 77, cp); err == nil {
		t.Fatal("StartConversation() accepted a human peer")
	}
}

func TestSendMessageEnvelope(t *testing.T) {
	t.Parallel()

	gw, _, store := newGateway(t, "tok")
	receiver := database.BotPeer(store.bots["tok"])

	if err := gw.SendMessage(context.Background(), 77, 4, "hello", receiver); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	updates := drain(t, gw, "tok")
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	msg := updates[0].Message
	if msg.MessageID != 4 || msg.From.FirstName != "4" || msg.Chat.FirstName != "4" {
		t.Errorf("msg id fields = %d/%s/%s, want 4 everywhere",
			msg.MessageID, msg.From.FirstName, msg.Chat.FirstName)
	}
	if msg.Text != "hello" {
		t.Errorf("text = %q, want hello", msg.Text)
	}
}

func TestStartEvaluationEnvelope(t *testing.T) {
	t.Parallel()

	gw, _, store := newGateway(t, "tok")
	cp := &database.ConversationPeer{
		Peer: database.BotPeer(store.bots["tok"]),
		ProfileOptions: []database.PersonProfile{
			{ID: "a", Sentences: []string{"Option A."}},
			{ID: "b", Sentences: []string{"Option B."}},
		},
	}

	if err := gw.StartEvaluation(context.Background(), 77, cp, 1, 5); err != nil {
		t.Fatalf("StartEvaluation() error = %v", err)
	}

	updates := drain(t, gw, "tok")
	if len(updates) != 1 {
		t.Fatalf("got %d updates, want 1", len(updates))
	}
	msg := updates[0].Message
	if msg.MessageID != botgw.EvalMessageID {
		t.Errorf("message_id = %d, want %d", msg.MessageID, botgw.EvalMessageID)
	}
	want := "/end 1 5\n/profile_0\nOption A.\n/profile_1\nOption B."
	if msg.Text != want {
		t.Errorf("text = %q, want %q", msg.Text, want)
	}
}

func TestHandleSendMessageUnknownToken(t *testing.T) {
	t.Parallel()

	gw, _, _ := newGateway(t, "tok")
	_, err := gw.HandleSendMessage(context.Background(), "nope", 77, "hello")
	if !errors.Is(err, mailbox.ErrBotNotRegistered) {
		t.Fatalf("error = %v, want ErrBotNotRegistered", err)
	}
}

func TestHandleSendMessagePlainText(t *testing.T) {
	t.Parallel()

	gw, handler, _ := newGateway(t, "tok")
	handler.nextMsgID = 3

	res, err := gw.HandleSendMessage(context.Background(), "tok", 77, "just some text")
	if err != nil {
		t.Fatalf("HandleSendMessage() error = %v", err)
	}
	if res.MessageID != 3 || res.Text != "just some text" {
		t.Errorf("result = %+v, want message_id 3 and the original text", res)
	}
	if len(handler.messages) != 1 || handler.messages[0] != "just some text" {
		t.Errorf("relayed messages = %v", handler.messages)
	}
}

func TestHandleSendMessageEnvelopeText(t *testing.T) {
	t.Parallel()

	gw, handler, _ := newGateway(t, "tok")
	raw := `{"text": "enveloped hello"}`

	if _, err := gw.HandleSendMessage(context.Background(), "tok", 77, raw); err != nil {
		t.Fatalf("HandleSendMessage() error = %v", err)
	}
	if len(handler.messages) != 1 || handler.messages[0] != "enveloped hello" {
		t.Errorf("relayed messages = %v, want [enveloped hello]", handler.messages)
	}
}

func TestHandleSendMessageEndWithEvaluation(t *testing.T) {
	t.Parallel()

	gw, handler, _ := newGateway(t, "tok")
	raw := `{"text": "/end", "evaluation": {"score": 4, "profile_idx": 1}}`

	res, err := gw.HandleSendMessage(context.Background(), "tok", 77, raw)
	if err != nil {
		t.Fatalf("HandleSendMessage() error = %v", err)
	}
	if res.Text != "/end" {
		t.Errorf("result text = %q, want /end", res.Text)
	}
	if handler.ends != 1 {
		t.Errorf("TriggerDialogEnd called %d times, want 1", handler.ends)
	}
	if len(handler.scores) != 1 || handler.scores[0] == nil || *handler.scores[0] != 4 {
		t.Errorf("dialog scores = %v, want [4]", handler.scores)
	}
	if len(handler.profiles) != 1 || handler.profiles[0] != 1 {
		t.Errorf("profile selections = %v, want [1]", handler.profiles)
	}
}

func TestHandleSendMessageEndWithoutEvaluation(t *testing.T) {
	t.Parallel()

	gw, handler, _ := newGateway(t, "tok")
	if _, err := gw.HandleSendMessage(context.Background(), "tok", 77, `{"text": "/end"}`); err != nil {
		t.Fatalf("HandleSendMessage() error = %v", err)
	}
	if handler.ends != 1 {
		t.Errorf("TriggerDialogEnd called %d times, want 1", handler.ends)
	}
	if len(handler.scores) != 0 || len(handler.profiles) != 0 {
		t.Error("an /end without an evaluation submitted one anyway")
	}
}

func TestHandleSendMessageBareMsgEvaluation(t *testing.T) {
	t.Parallel()

	gw, handler, _ := newGateway(t, "tok")
	raw := `{"text": "nice one", "msg_evaluation": 1}`

	if _, err := gw.HandleSendMessage(context.Background(), "tok", 77, raw); err != nil {
		t.Fatalf("HandleSendMessage() error = %v", err)
	}
	if len(handler.msgEvals) != 1 {
		t.Fatalf("recorded %d message evaluations, want 1", len(handler.msgEvals))
	}
	if handler.msgEvals[0].score != 1 || handler.msgEvals[0].msgID != nil {
		t.Errorf("evaluation = %+v, want score 1 targeting the latest message", handler.msgEvals[0])
	}
}

func TestHandleSendMessageTargetedMsgEvaluation(t *testing.T) {
	t.Parallel()

	gw, handler, _ := newGateway(t, "tok")
	raw := `{"text": "reply", "msg_evaluation": {"score": 0, "message_id": 2}}`

	if _, err := gw.HandleSendMessage(context.Background(), "tok", 77, raw); err != nil {
		t.Fatalf("HandleSendMessage() error = %v", err)
	}
	if len(handler.msgEvals) != 1 {
		t.Fatalf("recorded %d message evaluations, want 1", len(handler.msgEvals))
	}
	ev := handler.msgEvals[0]
	if ev.score != 0 || ev.msgID == nil || *ev.msgID != 2 {
		t.Errorf("evaluation = %+v, want score 0 for message 2", ev)
	}
}

func TestHandleSendMessageEmptyText(t *testing.T) {
	t.Parallel()

	gw, _, _ := newGateway(t, "tok")
	_, err := gw.HandleSendMessage(context.Background(), "tok", 77, `{"evaluation": {"score": 3}}`)
	if err == nil || !strings.Contains(err.Error(), "text") {
		t.Fatalf("error = %v, want a missing-text error", err)
	}
}
