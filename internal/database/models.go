package database

import (
	"strings"
	"time"
)

// Platform names for user keys.
const (
	PlatformTelegram = "Telegram"
	PlatformFacebook = "Facebook"
)

// UserKey uniquely identifies a human participant as a pair of messaging
// platform and the user's id within that platform.
type UserKey struct {
	Platform   string `json:"platform"`
	ExternalID string `json:"external_id"`
}

// User is a human conversation participant. Records are created lazily on
// first contact and mutated only to refresh the display name or to set the
// assigned test bot.
type User struct {
	ID          int64     `db:"id" json:"-"`
	Platform    string    `db:"platform" json:"platform"`
	ExternalID  string    `db:"external_id" json:"external_id"`
	DisplayName string    `db:"display_name" json:"display_name,omitempty"`
	Banned      bool      `db:"banned" json:"banned"`
	// AssignedTestBot holds the token of the bot this user is pinned to,
	// or an empty string.
	AssignedTestBot string    `db:"assigned_test_bot" json:"assigned_test_bot,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"-"`
	UpdatedAt       time.Time `db:"updated_at" json:"-"`
}

// Key returns the user's identity key.
func (u *User) Key() UserKey {
	return UserKey{Platform: u.Platform, ExternalID: u.ExternalID}
}

// Bot is an automated conversation participant. The token is both identity
// and authentication.
type Bot struct {
	Token  string `db:"token" json:"token"`
	Name   string `db:"name" json:"name"`
	Banned bool   `db:"banned" json:"banned"`
	// LastUpdateID is the monotonically increasing counter the bot sees
	// across long-poll responses.
	LastUpdateID int64     `db:"last_update_id" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"-"`
	UpdatedAt    time.Time `db:"updated_at" json:"-"`
}

// BannedPair marks a user-bot pair that must never be matched with each other.
type BannedPair struct {
	ID         int64     `db:"id"`
	Platform   string    `db:"platform"`
	ExternalID string    `db:"external_id"`
	BotToken   string    `db:"bot_token"`
	CreatedAt  time.Time `db:"created_at"`
}

// PersonProfile is a role-play persona assigned to a participant for the
// duration of a conversation. Profiles sharing a LinkGroupID are paraphrases
// of one another.
type PersonProfile struct {
	ID          string   `json:"id"`
	LinkGroupID string   `json:"link_group_id,omitempty"`
	Sentences   []string `json:"sentences"`
	Topics      []string `json:"topics,omitempty"`
}

// Description returns the newline-joined profile sentences.
func (p PersonProfile) Description() string {
	return strings.Join(p.Sentences, "\n")
}

// Peer is a tagged variant over the two participant kinds. Exactly one of
// User and Bot is set.
type Peer struct {
	User *User `json:"user,omitempty"`
	Bot  *Bot  `json:"bot,omitempty"`
}

// UserPeer wraps a human participant.
func UserPeer(u *User) Peer { return Peer{User: u} }

// BotPeer wraps a bot participant.
func BotPeer(b *Bot) Peer { return Peer{Bot: b} }

// IsBot reports whether the peer is an automated participant.
func (p Peer) IsBot() bool { return p.Bot != nil }

// Key returns a string identity usable for equality checks and map keys.
func (p Peer) Key() string {
	if p.Bot != nil {
		return "bot:" + p.Bot.Token
	}
	if p.User != nil {
		return "user:" + p.User.Platform + ":" + p.User.ExternalID
	}
	return ""
}

// Equal reports whether two peers denote the same participant.
func (p Peer) Equal(other Peer) bool {
	return p.Key() != "" && p.Key() == other.Key()
}

// Message is a single message within a conversation. MsgID is a dense
// per-conversation index starting at 0.
type Message struct {
	MsgID  int       `json:"msg_id"`
	Text   string    `json:"text"`
	Sender Peer      `json:"sender"`
	Time   time.Time `json:"time"`
	// EvaluationScore is an optional in-line 0/1 rating by the receiver.
	EvaluationScore *int `json:"evaluation_score,omitempty"`
	System          bool `json:"system,omitempty"`
}

// ConversationPeer holds the per-participant conversation state: the assigned
// profile, evaluation results, and the profile-guessing material.
type ConversationPeer struct {
	Peer            Peer          `json:"peer"`
	AssignedProfile PersonProfile `json:"assigned_profile"`
	DialogScore     *int          `json:"dialog_score,omitempty"`
	// ProfileOptions are the candidate partner profiles offered during
	// evaluation; ProfileSelected is the whole-profile guess.
	ProfileOptions  []PersonProfile `json:"other_peer_profile_options,omitempty"`
	ProfileSelected *PersonProfile  `json:"other_peer_profile_selected,omitempty"`
	// SelectedSentences is the sentence-by-sentence guess. The slice is
	// sparse: an empty string marks a position that has not been answered.
	SelectedSentences  []string `json:"other_peer_profile_selected_sentences,omitempty"`
	TriggeredDialogEnd bool     `json:"triggered_dialog_end"`
	ConversationGUID   string   `json:"peer_conversation_guid"`
}

// Conversation is an ordered message exchange between exactly two peers.
// It lives in memory while active and is persisted on cleanup.
type Conversation struct {
	ID               int64            `json:"conversation_id"`
	Participant1     ConversationPeer `json:"participant1"`
	Participant2     ConversationPeer `json:"participant2"`
	Messages         []Message        `json:"messages"`
	StartTime        time.Time        `json:"start_time"`
	EndTime          time.Time        `json:"end_time"`
	ActiveTopicIndex int              `json:"active_topic_index"`
}

// Participants returns both conversation sides for iteration.
func (c *Conversation) Participants() [2]*ConversationPeer {
	return [2]*ConversationPeer{&c.Participant1, &c.Participant2}
}

// PeerFor returns the conversation side belonging to peer, or nil if peer is
// not a participant.
func (c *Conversation) PeerFor(peer Peer) *ConversationPeer {
	for _, p := range c.Participants() {
		if p.Peer.Equal(peer) {
			return p
		}
	}
	return nil
}

// OtherPeer returns the conversation side opposite to peer, or nil if peer is
// not a participant.
func (c *Conversation) OtherPeer(peer Peer) *ConversationPeer {
	if c.PeerFor(peer) == nil {
		return nil
	}
	for _, p := range c.Participants() {
		if !p.Peer.Equal(peer) {
			return p
		}
	}
	return nil
}

// NextTopic advances the active topic index if both participants' profiles
// define a topic at the next index. It reports whether the switch happened.
func (c *Conversation) NextTopic() bool {
	next := c.ActiveTopicIndex + 1
	if next < len(c.Participant1.AssignedProfile.Topics) && next < len(c.Participant2.AssignedProfile.Topics) {
		c.ActiveTopicIndex = next
		return true
	}
	return false
}

// Complaint is an abuse report filed by one participant against the other.
type Complaint struct {
	ID             int64     `db:"id"`
	ComplainerKey  UserKey   `db:"-"`
	ComplainTo     Peer      `db:"-"`
	ConversationID int64     `db:"conversation_id"`
	Processed      bool      `db:"processed"`
	CreatedAt      time.Time `db:"created_at"`
}
