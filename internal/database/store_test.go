package database_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/talkpair/talkpair/internal/database"
)

func newTestStore(t *testing.T) database.Store {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseDB(db) })

	return database.NewStore(db, nil)
}

func testKey(id string) database.UserKey {
	return database.UserKey{Platform: database.PlatformTelegram, ExternalID: id}
}

func TestFindOrCreateUser(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.FindOrCreateUser(ctx, testKey("1"), "Alice")
	if err != nil {
		t.Fatalf("FindOrCreateUser() error = %v", err)
	}
	if user.DisplayName != "Alice" || user.Banned {
		t.Errorf("user = %+v, want Alice, not banned", user)
	}

	// Second contact with an empty name keeps the stored one.
	again, err := store.FindOrCreateUser(ctx, testKey("1"), "")
	if err != nil {
		t.Fatalf("FindOrCreateUser() second call error = %v", err)
	}
	if again.ID != user.ID {
		t.Errorf("second call created a new record: ids %d and %d", user.ID, again.ID)
	}
	if again.DisplayName != "Alice" {
		t.Errorf("display name = %q, want the original Alice", again.DisplayName)
	}

	// A new name refreshes it.
	renamed, err := store.FindOrCreateUser(ctx, testKey("1"), "Alice B")
	if err != nil {
		t.Fatalf("FindOrCreateUser() third call error = %v", err)
	}
	if renamed.DisplayName != "Alice B" {
		t.Errorf("display name = %q, want Alice B", renamed.DisplayName)
	}
}

func TestGetUserNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	if _, err := store.GetUser(context.Background(), testKey("missing")); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestBotLifecycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	bot, err := store.CreateBot(ctx, "tok1", "alpha")
	if err != nil {
		t.Fatalf("CreateBot() error = %v", err)
	}
	if bot.LastUpdateID != 1 {
		t.Errorf("last_update_id = %d, want the initial 1", bot.LastUpdateID)
	}

	if err := store.SetBotLastUpdateID(ctx, "tok1", 42); err != nil {
		t.Fatalf("SetBotLastUpdateID() error = %v", err)
	}
	bot, err = store.GetBot(ctx, "tok1")
	if err != nil {
		t.Fatalf("GetBot() error = %v", err)
	}
	if bot.LastUpdateID != 42 {
		t.Errorf("last_update_id = %d, want 42", bot.LastUpdateID)
	}

	if err := store.SetBotLastUpdateID(ctx, "nope", 1); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("updating an unknown bot: error = %v, want ErrNotFound", err)
	}

	if _, err := store.CreateBot(ctx, "tok2", "beta"); err != nil {
		t.Fatalf("CreateBot() error = %v", err)
	}
	if err := store.SetBotBanned(ctx, "tok2", true); err != nil {
		t.Fatalf("SetBotBanned() error = %v", err)
	}
	bots, err := store.ListBots(ctx)
	if err != nil {
		t.Fatalf("ListBots() error = %v", err)
	}
	if len(bots) != 1 || bots[0].Token != "tok1" {
		t.Errorf("ListBots() = %v, want only the non-banned tok1", bots)
	}
}

func TestSampleBot(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.FindOrCreateUser(ctx, testKey("1"), "Alice")
	if err != nil {
		t.Fatalf("FindOrCreateUser() error = %v", err)
	}

	if _, err := store.SampleBot(ctx, user); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("sampling with no bots: error = %v, want ErrNotFound", err)
	}

	for _, tok := range []string{"a", "b", "c"} {
		if _, err := store.CreateBot(ctx, tok, tok); err != nil {
			t.Fatalf("CreateBot(%s) error = %v", tok, err)
		}
	}

	if _, err := store.SampleBot(ctx, user); err != nil {
		t.Fatalf("SampleBot() error = %v", err)
	}

	// Banned pairs exclude specific bots for this user.
	if err := store.AddBannedPair(ctx, user.Key(), "a"); err != nil {
		t.Fatalf("AddBannedPair() error = %v", err)
	}
	if err := store.AddBannedPair(ctx, user.Key(), "b"); err != nil {
		t.Fatalf("AddBannedPair() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		bot, err := store.SampleBot(ctx, user)
		if err != nil {
			t.Fatalf("SampleBot() error = %v", err)
		}
		if bot.Token != "c" {
			t.Fatalf("sampled %q despite the banned pair", bot.Token)
		}
	}

	// An assigned test bot pins the sample.
	if err := store.SetAssignedTestBot(ctx, user.Key(), "c"); err != nil {
		t.Fatalf("SetAssignedTestBot() error = %v", err)
	}
	user, err = store.GetUser(ctx, user.Key())
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	bot, err := store.SampleBot(ctx, user)
	if err != nil {
		t.Fatalf("SampleBot() error = %v", err)
	}
	if bot.Token != "c" {
		t.Errorf("sampled %q, want the assigned bot c", bot.Token)
	}
}

func testProfiles() []database.PersonProfile {
	return []database.PersonProfile{
		{ID: "p1", LinkGroupID: "g1", Sentences: []string{"I sail.", "I bake."}, Topics: []string{"boats"}},
		{ID: "p2", LinkGroupID: "g1", Sentences: []string{"I am a sailor.", "I love baking.", "I ski."}},
		{ID: "p3", Sentences: []string{"I paint."}},
	}
}

func TestProfileSampling(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.SampleProfile(ctx); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("sampling with no profiles: error = %v, want ErrNotFound", err)
	}

	if err := store.ImportProfiles(ctx, testProfiles()); err != nil {
		t.Fatalf("ImportProfiles() error = %v", err)
	}

	p, err := store.SampleProfile(ctx)
	if err != nil {
		t.Fatalf("SampleProfile() error = %v", err)
	}
	if len(p.Sentences) == 0 {
		t.Errorf("sampled profile %q has no sentences", p.ID)
	}

	linked, err := store.FindLinkedProfile(ctx, "g1", "p1")
	if err != nil {
		t.Fatalf("FindLinkedProfile() error = %v", err)
	}
	if linked.ID != "p2" {
		t.Errorf("linked profile = %q, want p2", linked.ID)
	}
	if _, err := store.FindLinkedProfile(ctx, "g1", ""); err != nil {
		t.Errorf("FindLinkedProfile() without exclusion error = %v", err)
	}
	if _, err := store.FindLinkedProfile(ctx, "", "p1"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("empty link group: error = %v, want ErrNotFound", err)
	}

	other, err := store.SampleProfileExcluding(ctx, []string{"I paint."})
	if err != nil {
		t.Fatalf("SampleProfileExcluding() error = %v", err)
	}
	if other.ID == "p3" {
		t.Error("SampleProfileExcluding() returned the excluded profile")
	}
}

func TestSampleSentenceAt(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if err := store.ImportProfiles(ctx, testProfiles()); err != nil {
		t.Fatalf("ImportProfiles() error = %v", err)
	}

	// Only p2 has three sentences.
	sentence, err := store.SampleSentenceAt(ctx, 2)
	if err != nil {
		t.Fatalf("SampleSentenceAt(2) error = %v", err)
	}
	if sentence != "I ski." {
		t.Errorf("sentence = %q, want the third p2 sentence", sentence)
	}

	if _, err := store.SampleSentenceAt(ctx, 3); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("position past every profile: error = %v, want ErrNotFound", err)
	}
}

func testConversation(id int64) *database.Conversation {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	user := &database.User{Platform: database.PlatformTelegram, ExternalID: "1"}
	bot := &database.Bot{Token: "tok", Name: "alpha"}

	return &database.Conversation{
		ID:           id,
		Participant1: database.ConversationPeer{Peer: database.UserPeer(user), ConversationGUID: "guid-a"},
		Participant2: database.ConversationPeer{Peer: database.BotPeer(bot), ConversationGUID: "guid-b"},
		Messages: []database.Message{
			{MsgID: 0, Text: "hi", Sender: database.UserPeer(user), Time: base.Add(time.Minute)},
			{MsgID: 1, Text: "hello", Sender: database.BotPeer(bot), Time: base},
		},
	}
}

func TestSaveConversationRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveConversation(ctx, &database.Conversation{ID: 1}); !errors.Is(err, database.ErrEmptyConversation) {
		t.Fatalf("saving an empty conversation: error = %v, want ErrEmptyConversation", err)
	}

	conv := testConversation(7)
	if err := store.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("SaveConversation() error = %v", err)
	}

	// Start/end come from the message extremes, not message order.
	if !conv.StartTime.Equal(conv.Messages[1].Time) || !conv.EndTime.Equal(conv.Messages[0].Time) {
		t.Errorf("start/end = %v/%v, want the extremes of the message times", conv.StartTime, conv.EndTime)
	}

	exists, err := store.ConversationExists(ctx, 7)
	if err != nil || !exists {
		t.Fatalf("ConversationExists() = %v, %v, want true", exists, err)
	}

	loaded, err := store.GetConversation(ctx, 7)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if len(loaded.Messages) != 2 || loaded.Messages[0].Text != "hi" {
		t.Errorf("loaded conversation = %+v, want the saved messages", loaded)
	}
	if loaded.Participant2.Peer.Bot == nil || loaded.Participant2.Peer.Bot.Token != "tok" {
		t.Errorf("loaded participant2 = %+v, want the bot peer", loaded.Participant2.Peer)
	}

	// Saving again upserts rather than failing.
	conv.Messages = append(conv.Messages, database.Message{MsgID: 2, Text: "bye", Sender: conv.Participant1.Peer, Time: conv.EndTime.Add(time.Minute)})
	if err := store.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("second SaveConversation() error = %v", err)
	}
	loaded, err = store.GetConversation(ctx, 7)
	if err != nil {
		t.Fatalf("GetConversation() after upsert error = %v", err)
	}
	if len(loaded.Messages) != 3 {
		t.Errorf("loaded %d messages after upsert, want 3", len(loaded.Messages))
	}

	if _, err := store.GetConversation(ctx, 999); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("unknown conversation: error = %v, want ErrNotFound", err)
	}
}

func TestComplaints(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	complaint := &database.Complaint{
		ComplainerKey:  testKey("1"),
		ComplainTo:     database.BotPeer(&database.Bot{Token: "tok", Name: "alpha"}),
		ConversationID: 7,
	}
	if err := store.SaveComplaint(ctx, complaint); err != nil {
		t.Fatalf("SaveComplaint() error = %v", err)
	}
	if complaint.ID == 0 {
		t.Error("complaint id was not backfilled")
	}

	unprocessed, err := store.ListComplaints(ctx, true)
	if err != nil {
		t.Fatalf("ListComplaints() error = %v", err)
	}
	if len(unprocessed) != 1 {
		t.Fatalf("got %d unprocessed complaints, want 1", len(unprocessed))
	}
	if unprocessed[0].ComplainTo.Bot == nil || unprocessed[0].ComplainTo.Bot.Token != "tok" {
		t.Errorf("complaint target = %+v, want the bot peer", unprocessed[0].ComplainTo)
	}

	if err := store.MarkComplaintProcessed(ctx, complaint.ID); err != nil {
		t.Fatalf("MarkComplaintProcessed() error = %v", err)
	}
	unprocessed, err = store.ListComplaints(ctx, true)
	if err != nil {
		t.Fatalf("ListComplaints() after processing error = %v", err)
	}
	if len(unprocessed) != 0 {
		t.Errorf("got %d unprocessed complaints after processing, want 0", len(unprocessed))
	}

	all, err := store.ListComplaints(ctx, false)
	if err != nil {
		t.Fatalf("ListComplaints(all) error = %v", err)
	}
	if len(all) != 1 || !all[0].Processed {
		t.Errorf("all complaints = %+v, want one processed record", all)
	}

	if err := store.MarkComplaintProcessed(ctx, 999); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("unknown complaint: error = %v, want ErrNotFound", err)
	}
}
