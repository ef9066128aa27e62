package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Sentinel errors returned by the Store.
var (
	// ErrNotFound signals that no record matched the query.
	ErrNotFound = errors.New("record not found")
	// ErrEmptyConversation signals an attempt to persist a conversation
	// without messages. An abandoned match is a valid outcome, so callers
	// usually log and move on.
	ErrEmptyConversation = errors.New("conversation has no messages")
)

// Store defines the data access layer. All persistence operations take a
// context and may block; callers must not hold exclusive locks across them.
type Store interface {
	Ping(ctx context.Context) error

	// FindOrCreateUser fetches the user with the given key, creating the
	// record on first contact. A non-empty displayName refreshes the
	// stored one.
	FindOrCreateUser(ctx context.Context, key UserKey, displayName string) (*User, error)
	GetUser(ctx context.Context, key UserKey) (*User, error)
	SetAssignedTestBot(ctx context.Context, key UserKey, token string) error
	SetUserBanned(ctx context.Context, key UserKey, banned bool) error

	CreateBot(ctx context.Context, token, name string) (*Bot, error)
	GetBot(ctx context.Context, token string) (*Bot, error)
	// ListBots returns all non-banned bots.
	ListBots(ctx context.Context) ([]Bot, error)
	SetBotBanned(ctx context.Context, token string, banned bool) error
	SetBotLastUpdateID(ctx context.Context, token string, lastUpdateID int64) error

	AddBannedPair(ctx context.Context, key UserKey, token string) error

	// SampleBot picks a uniformly random non-banned bot for the user,
	// excluding banned pairs and honoring the user's assigned test bot.
	// Returns ErrNotFound when no eligible bot exists.
	SampleBot(ctx context.Context, user *User) (*Bot, error)

	ImportProfiles(ctx context.Context, profiles []PersonProfile) error
	// SampleProfile picks a uniformly random profile.
	SampleProfile(ctx context.Context) (PersonProfile, error)
	// SampleProfileExcluding picks a random profile whose sentence content
	// differs from the given sentences. Returns ErrNotFound when none exists.
	SampleProfileExcluding(ctx context.Context, sentences []string) (PersonProfile, error)
	// FindLinkedProfile picks a random profile from the same link group,
	// excluding the given profile id. Returns ErrNotFound when none exists.
	FindLinkedProfile(ctx context.Context, linkGroupID, excludeID string) (PersonProfile, error)
	// SampleSentenceAt returns the sentence at position idx from a random
	// profile that has one. Returns ErrNotFound when no profile is long enough.
	SampleSentenceAt(ctx context.Context, idx int) (string, error)

	// SaveConversation validates and upserts a finished conversation.
	// Start and end times are derived from the message extremes.
	SaveConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, conversationID int64) (*Conversation, error)
	ConversationExists(ctx context.Context, conversationID int64) (bool, error)

	SaveComplaint(ctx context.Context, complaint *Complaint) error
	ListComplaints(ctx context.Context, onlyUnprocessed bool) ([]Complaint, error)
	MarkComplaintProcessed(ctx context.Context, id int64) error
}

// sqlxStore implements Store on top of sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx. It requires a
// connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlxStore) FindOrCreateUser(ctx context.Context, key UserKey, displayName string) (*User, error) {
	if key.Platform == "" || key.ExternalID == "" {
		return nil, fmt.Errorf("user key must have a platform and an external id")
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO users (platform, external_id, display_name, banned, assigned_test_bot, created_at, updated_at)
        VALUES (?, ?, ?, 0, '', ?, ?)
        ON CONFLICT (platform, external_id) DO UPDATE SET
            display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
            updated_at = excluded.updated_at;`,
		key.Platform, key.ExternalID, displayName, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user (%s/%s): %w", key.Platform, key.ExternalID, err)
	}

	return s.GetUser(ctx, key)
}

func (s *sqlxStore) GetUser(ctx context.Context, key UserKey) (*User, error) {
	var user User
	err := s.db.GetContext(ctx, &user,
		`SELECT * FROM users WHERE platform = ? AND external_id = ?;`, key.Platform, key.ExternalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user (%s/%s): %w", key.Platform, key.ExternalID, err)
	}
	return &user, nil
}

func (s *sqlxStore) SetAssignedTestBot(ctx context.Context, key UserKey, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET assigned_test_bot = ?, updated_at = ? WHERE platform = ? AND external_id = ?;`,
		token, time.Now().UTC(), key.Platform, key.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to set assigned test bot: %w", err)
	}
	return nil
}

func (s *sqlxStore) SetUserBanned(ctx context.Context, key UserKey, banned bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET banned = ?, updated_at = ? WHERE platform = ? AND external_id = ?;`,
		banned, time.Now().UTC(), key.Platform, key.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to update user ban flag: %w", err)
	}
	return nil
}

func (s *sqlxStore) CreateBot(ctx context.Context, token, name string) (*Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("bot token cannot be empty")
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO bots (token, name, banned, last_update_id, created_at, updated_at)
        VALUES (?, ?, 0, 1, ?, ?);`, token, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot %q: %w", name, err)
	}

	return s.GetBot(ctx, token)
}

func (s *sqlxStore) GetBot(ctx context.Context, token string) (*Bot, error) {
	var bot Bot
	err := s.db.GetContext(ctx, &bot, `SELECT * FROM bots WHERE token = ?;`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bot: %w", err)
	}
	return &bot, nil
}

func (s *sqlxStore) ListBots(ctx context.Context) ([]Bot, error) {
	var bots []Bot
	if err := s.db.SelectContext(ctx, &bots, `SELECT * FROM bots WHERE banned = 0 ORDER BY name;`); err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	return bots, nil
}

func (s *sqlxStore) SetBotBanned(ctx context.Context, token string, banned bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bots SET banned = ?, updated_at = ? WHERE token = ?;`, banned, time.Now().UTC(), token)
	if err != nil {
		return fmt.Errorf("failed to update bot ban flag: %w", err)
	}
	return nil
}

func (s *sqlxStore) SetBotLastUpdateID(ctx context.Context, token string, lastUpdateID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET last_update_id = ?, updated_at = ? WHERE token = ?;`,
		lastUpdateID, time.Now().UTC(), token)
	if err != nil {
		return fmt.Errorf("failed to update bot last_update_id: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlxStore) AddBannedPair(ctx context.Context, key UserKey, token string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO banned_pairs (platform, external_id, bot_token, created_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT (platform, external_id, bot_token) DO NOTHING;`,
		key.Platform, key.ExternalID, token, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add banned pair: %w", err)
	}
	return nil
}

func (s *sqlxStore) SampleBot(ctx context.Context, user *User) (*Bot, error) {
	if user == nil {
		return nil, fmt.Errorf("cannot sample a bot for a nil user")
	}

	query := `
        SELECT * FROM bots
        WHERE banned = 0
          AND (? = '' OR token = ?)
          AND token NOT IN (
              SELECT bot_token FROM banned_pairs WHERE platform = ? AND external_id = ?
          )
        ORDER BY RANDOM() LIMIT 1;`

	var bot Bot
	err := s.db.GetContext(ctx, &bot, query,
		user.AssignedTestBot, user.AssignedTestBot, user.Platform, user.ExternalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to sample a bot: %w", err)
	}
	return &bot, nil
}

// profileRow is the database shape of a PersonProfile; sentence and topic
// lists are stored as JSON arrays.
type profileRow struct {
	ID          string    `db:"id"`
	LinkGroupID string    `db:"link_group_id"`
	Sentences   string    `db:"sentences"`
	Topics      string    `db:"topics"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r profileRow) toProfile() (PersonProfile, error) {
	p := PersonProfile{ID: r.ID, LinkGroupID: r.LinkGroupID}
	if err := json.Unmarshal([]byte(r.Sentences), &p.Sentences); err != nil {
		return PersonProfile{}, fmt.Errorf("failed to decode profile %s sentences: %w", r.ID, err)
	}
	if r.Topics != "" {
		if err := json.Unmarshal([]byte(r.Topics), &p.Topics); err != nil {
			return PersonProfile{}, fmt.Errorf("failed to decode profile %s topics: %w", r.ID, err)
		}
	}
	return p, nil
}

func marshalSentences(sentences []string) (string, error) {
	if sentences == nil {
		sentences = []string{}
	}
	raw, err := json.Marshal(sentences)
	if err != nil {
		return "", fmt.Errorf("failed to encode sentences: %w", err)
	}
	return string(raw), nil
}

func (s *sqlxStore) ImportProfiles(ctx context.Context, profiles []PersonProfile) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for profile import: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.WarnContext(ctx, "Error rolling back profile import", "error", err)
		}
	}()

	now := time.Now().UTC()
	for _, p := range profiles {
		if p.ID == "" {
			return fmt.Errorf("profile must have an id")
		}
		if len(p.Sentences) == 0 {
			return fmt.Errorf("profile %s must have at least one sentence", p.ID)
		}

		sentences, err := marshalSentences(p.Sentences)
		if err != nil {
			return err
		}
		topics, err := json.Marshal(p.Topics)
		if err != nil {
			return fmt.Errorf("failed to encode profile %s topics: %w", p.ID, err)
		}

		_, err = tx.ExecContext(ctx, `
            INSERT INTO profiles (id, link_group_id, sentences, topics, created_at)
            VALUES (?, ?, ?, ?, ?)
            ON CONFLICT (id) DO UPDATE SET
                link_group_id = excluded.link_group_id,
                sentences = excluded.sentences,
                topics = excluded.topics;`,
			p.ID, p.LinkGroupID, sentences, string(topics), now)
		if err != nil {
			return fmt.Errorf("failed to import profile %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit profile import: %w", err)
	}

	s.logger.InfoContext(ctx, "Profiles imported", "count", len(profiles))
	return nil
}

func (s *sqlxStore) sampleProfileWhere(ctx context.Context, where string, args ...any) (PersonProfile, error) {
	var row profileRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM profiles `+where+` ORDER BY RANDOM() LIMIT 1;`, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return PersonProfile{}, ErrNotFound
	}
	if err != nil {
		return PersonProfile{}, fmt.Errorf("failed to sample a profile: %w", err)
	}
	return row.toProfile()
}

func (s *sqlxStore) SampleProfile(ctx context.Context) (PersonProfile, error) {
	return s.sampleProfileWhere(ctx, "")
}

func (s *sqlxStore) SampleProfileExcluding(ctx context.Context, sentences []string) (PersonProfile, error) {
	encoded, err := marshalSentences(sentences)
	if err != nil {
		return PersonProfile{}, err
	}
	return s.sampleProfileWhere(ctx, `WHERE sentences != ?`, encoded)
}

func (s *sqlxStore) FindLinkedProfile(ctx context.Context, linkGroupID, excludeID string) (PersonProfile, error) {
	if linkGroupID == "" {
		return PersonProfile{}, ErrNotFound
	}
	return s.sampleProfileWhere(ctx, `WHERE link_group_id = ? AND id != ?`, linkGroupID, excludeID)
}

func (s *sqlxStore) SampleSentenceAt(ctx context.Context, idx int) (string, error) {
	if idx < 0 {
		return "", fmt.Errorf("sentence index cannot be negative")
	}

	profile, err := s.sampleProfileWhere(ctx, `WHERE json_array_length(sentences) > ?`, idx)
	if err != nil {
		return "", err
	}
	return profile.Sentences[idx], nil
}

func (s *sqlxStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	if conv == nil {
		return fmt.Errorf("cannot save a nil conversation")
	}
	if len(conv.Messages) == 0 {
		return ErrEmptyConversation
	}

	// Derive start/end times from the message extremes.
	conv.StartTime = conv.Messages[0].Time
	conv.EndTime = conv.Messages[0].Time
	for _, m := range conv.Messages {
		if m.Time.Before(conv.StartTime) {
			conv.StartTime = m.Time
		}
		if m.Time.After(conv.EndTime) {
			conv.EndTime = m.Time
		}
	}

	payload, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode conversation %d: %w", conv.ID, err)
	}

	// Upsert: complaints may persist the conversation before cleanup does.
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO conversations (conversation_id, payload, start_time, end_time, created_at)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (conversation_id) DO UPDATE SET
            payload = excluded.payload,
            start_time = excluded.start_time,
            end_time = excluded.end_time;`,
		conv.ID, string(payload), conv.StartTime, conv.EndTime, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save conversation %d: %w", conv.ID, err)
	}

	s.logger.DebugContext(ctx, "Conversation saved", "conversation_id", conv.ID, "messages", len(conv.Messages))
	return nil
}

func (s *sqlxStore) GetConversation(ctx context.Context, conversationID int64) (*Conversation, error) {
	var payload string
	err := s.db.GetContext(ctx, &payload,
		`SELECT payload FROM conversations WHERE conversation_id = ?;`, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversation %d: %w", conversationID, err)
	}

	var conv Conversation
	if err := json.Unmarshal([]byte(payload), &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %d: %w", conversationID, err)
	}
	return &conv, nil
}

func (s *sqlxStore) ConversationExists(ctx context.Context, conversationID int64) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM conversations WHERE conversation_id = ?;`, conversationID)
	if err != nil {
		return false, fmt.Errorf("failed to check conversation %d: %w", conversationID, err)
	}
	return count > 0, nil
}

func (s *sqlxStore) SaveComplaint(ctx context.Context, complaint *Complaint) error {
	if complaint == nil {
		return fmt.Errorf("cannot save a nil complaint")
	}

	complainTo, err := json.Marshal(complaint.ComplainTo)
	if err != nil {
		return fmt.Errorf("failed to encode complaint target: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO complaints (complainer_platform, complainer_external_id, complain_to, conversation_id, processed, created_at)
        VALUES (?, ?, ?, ?, 0, ?);`,
		complaint.ComplainerKey.Platform, complaint.ComplainerKey.ExternalID,
		string(complainTo), complaint.ConversationID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save complaint: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		complaint.ID = id
	}
	return nil
}

func (s *sqlxStore) ListComplaints(ctx context.Context, onlyUnprocessed bool) ([]Complaint, error) {
	query := `SELECT id, complainer_platform, complainer_external_id, complain_to, conversation_id, processed, created_at
              FROM complaints`
	if onlyUnprocessed {
		query += ` WHERE processed = 0`
	}
	query += ` ORDER BY id;`

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list complaints: %w", err)
	}
	defer rows.Close()

	var complaints []Complaint
	for rows.Next() {
		var (
			c          Complaint
			complainTo string
		)
		if err := rows.Scan(&c.ID, &c.ComplainerKey.Platform, &c.ComplainerKey.ExternalID,
			&complainTo, &c.ConversationID, &c.Processed, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan complaint: %w", err)
		}
		if err := json.Unmarshal([]byte(complainTo), &c.ComplainTo); err != nil {
			return nil, fmt.Errorf("failed to decode complaint %d target: %w", c.ID, err)
		}
		complaints = append(complaints, c)
	}
	return complaints, rows.Err()
}

func (s *sqlxStore) MarkComplaintProcessed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE complaints SET processed = 1 WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("failed to mark complaint %d processed: %w", id, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrNotFound
	}
	return nil
}
