// Package config provides configuration loading, validation, and defaults
// for the talkpair router. Values come from a YAML file and TALKPAIR_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config defines the application configuration parameters for all components
// of the router: logging, storage, the bot HTTP API, the Telegram transport,
// dialog matching, and evaluation.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger"`
	Database   DatabaseConfig   `mapstructure:"database"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Dialog     DialogConfig     `mapstructure:"dialog"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Messages   MessagesConfig   `mapstructure:"messages"`
}

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig controls the SQLite storage.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// HTTPConfig controls the bot-facing HTTP API.
type HTTPConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=1s"`
}

// TelegramConfig controls the human-facing Telegram transport. The transport
// is optional so the router can run with only the bot API (e.g. in tests or
// bot-vs-bot setups).
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token" validate:"required_if=Enabled true"`
}

// DialogConfig controls matching and the conversation lifecycle.
type DialogConfig struct {
	// HumanBotRatio is the probability of attempting a human-human match
	// before falling back to a bot peer.
	HumanBotRatio     float64       `mapstructure:"human_bot_ratio" validate:"min=0,max=1"`
	MaxTimeInLobby    time.Duration `mapstructure:"max_time_in_lobby" validate:"min=1s"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout" validate:"min=1s"`
	// MaxLength is the number of messages after which the dialog is
	// forced into evaluation.
	MaxLength      int  `mapstructure:"max_length" validate:"gt=0"`
	AssignProfile  bool `mapstructure:"assign_profile"`
	ShowTopics     bool `mapstructure:"show_topics"`
	AllowSetBot    bool `mapstructure:"allow_set_bot"`
	RevealDialogID bool `mapstructure:"reveal_dialog_id"`
	// BadMessagesThreshold is the number of consecutive profile-leaking
	// bot messages after which the dialog is terminated. 0 disables the
	// trigram guard.
	BadMessagesThreshold int `mapstructure:"n_bad_messages_in_a_row_threshold" validate:"min=0"`
	TrigramWindow        int `mapstructure:"trigram_window" validate:"min=1"`
}

// EvaluationConfig controls the post-dialog evaluation phase.
type EvaluationConfig struct {
	ScoreFrom int `mapstructure:"score_from"`
	ScoreTo   int `mapstructure:"score_to" validate:"gtefield=ScoreFrom"`
	// GuessProfile enables the partner-profile guessing step.
	GuessProfile bool `mapstructure:"guess_profile"`
	// GuessProfileSentenceBySentence switches profile guessing from
	// whole-profile selection to per-sentence selection.
	GuessProfileSentenceBySentence bool `mapstructure:"guess_profile_sentence_by_sentence"`
	ScoreDialog                    bool `mapstructure:"score_dialog"`
}

// MessagesConfig holds the user-visible texts sent by the human gateway.
type MessagesConfig struct {
	Welcome              string `mapstructure:"welcome"`
	Help                 string `mapstructure:"help"`
	SearchingForPeer     string `mapstructure:"searching_for_peer"`
	CannotStart          string `mapstructure:"cannot_start"`
	PeerFound            string `mapstructure:"peer_found"`
	ProfileAssigning     string `mapstructure:"profile_assigning"`
	NotInDialog          string `mapstructure:"not_in_dialog"`
	UnexpectedMessage    string `mapstructure:"unexpected_message"`
	EvaluationStart      string `mapstructure:"evaluation_start"`
	EvaluationNotAllowed string `mapstructure:"evaluation_not_allowed"`
	EvaluationSaved      string `mapstructure:"evaluation_saved"`
	EvaluationSavedID    string `mapstructure:"evaluation_saved_show_id"`
	FinishThanks         string `mapstructure:"finish_thanks"`
	FinishShowID         string `mapstructure:"finish_show_id"`
	Banned               string `mapstructure:"banned"`
	NoPeersFound         string `mapstructure:"no_peers_found"`
	ComplainSuccess      string `mapstructure:"complain_success"`
	ComplainFail         string `mapstructure:"complain_fail"`
	ComplainNotAvailable string `mapstructure:"complain_not_available"`
	TopicSwitched        string `mapstructure:"topic_switched"`
	TopicNotAllowed      string `mapstructure:"topic_not_allowed"`
	TopicNotAvailable    string `mapstructure:"topic_not_available"`
	ProfileSelection     string `mapstructure:"profile_selection"`
	ProfileSelectionNA   string `mapstructure:"profile_selection_not_allowed"`
	SentenceSelection    string `mapstructure:"sentence_selection"`
	SetBotEnterToken     string `mapstructure:"set_bot_enter_token"`
	SetBotWasSet         string `mapstructure:"set_bot_was_set"`
	SetBotNotFound       string `mapstructure:"set_bot_not_found"`
	SetBotWasUnset       string `mapstructure:"set_bot_was_unset"`
	SetBotCanceled       string `mapstructure:"set_bot_canceled"`
	SetBotNotAllowed     string `mapstructure:"set_bot_not_allowed"`
	SetBotNotAvailable   string `mapstructure:"set_bot_not_available"`
}

// LoadConfig loads and validates configuration from:
//  1. default values
//  2. the YAML file at configPath (optional)
//  3. TALKPAIR_* environment variables
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("TALKPAIR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env vars apply.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.json", true)

	viper.SetDefault("database.path", "talkpair.db")

	viper.SetDefault("http.listen_addr", ":8080")
	viper.SetDefault("http.shutdown_timeout", 10*time.Second)

	viper.SetDefault("telegram.enabled", false)

	viper.SetDefault("dialog.human_bot_ratio", 0.1)
	viper.SetDefault("dialog.max_time_in_lobby", 120*time.Second)
	viper.SetDefault("dialog.inactivity_timeout", 300*time.Second)
	viper.SetDefault("dialog.max_length", 1000)
	viper.SetDefault("dialog.assign_profile", true)
	viper.SetDefault("dialog.show_topics", false)
	viper.SetDefault("dialog.allow_set_bot", false)
	viper.SetDefault("dialog.reveal_dialog_id", false)
	viper.SetDefault("dialog.n_bad_messages_in_a_row_threshold", 0)
	viper.SetDefault("dialog.trigram_window", 3)

	viper.SetDefault("evaluation.score_from", 1)
	viper.SetDefault("evaluation.score_to", 5)
	viper.SetDefault("evaluation.guess_profile", true)
	viper.SetDefault("evaluation.guess_profile_sentence_by_sentence", false)
	viper.SetDefault("evaluation.score_dialog", true)

	viper.SetDefault("messages.welcome", "Welcome! Send /begin to start looking for a conversation partner.")
	viper.SetDefault("messages.help", "Commands:\n/begin - find a conversation partner\n/end - finish the current conversation\n/complain - report your partner\n/topic - switch to the next conversation topic\n/help - show this message")
	viper.SetDefault("messages.searching_for_peer", "Searching for a peer to talk to. Please wait...")
	viper.SetDefault("messages.cannot_start", "You cannot start a new conversation right now.")
	viper.SetDefault("messages.peer_found", "Partner found! Say hi.")
	viper.SetDefault("messages.profile_assigning", "This is your profile for the conversation. Try to role-play it:")
	viper.SetDefault("messages.not_in_dialog", "You are not in a conversation right now.")
	viper.SetDefault("messages.unexpected_message", "You are not in a conversation. Send /begin to start one.")
	viper.SetDefault("messages.evaluation_start", "The conversation is over. Please rate it.")
	viper.SetDefault("messages.evaluation_not_allowed", "There is nothing to evaluate right now.")
	viper.SetDefault("messages.evaluation_saved", "Thank you! Your evaluation has been saved.")
	viper.SetDefault("messages.evaluation_saved_show_id", "Thank you! Your evaluation has been saved. Your dialog id: %s")
	viper.SetDefault("messages.finish_thanks", "The conversation is finished. Thank you for participating!")
	viper.SetDefault("messages.finish_show_id", "Your dialog id: %s")
	viper.SetDefault("messages.banned", "You are banned and not allowed to start conversations.")
	viper.SetDefault("messages.no_peers_found", "No partners are available at the moment. Please try again later.")
	viper.SetDefault("messages.complain_success", "Your complaint has been recorded. Thank you.")
	viper.SetDefault("messages.complain_fail", "Nothing to complain about: the conversation is empty.")
	viper.SetDefault("messages.complain_not_available", "Complaining is only possible during or right after a conversation.")
	viper.SetDefault("messages.topic_switched", "New conversation topic: %s")
	viper.SetDefault("messages.topic_not_allowed", "Topic switching is disabled.")
	viper.SetDefault("messages.topic_not_available", "No more topics are available.")
	viper.SetDefault("messages.profile_selection", "Which of these profiles describes your partner?")
	viper.SetDefault("messages.profile_selection_not_allowed", "Profile selection is not available right now.")
	viper.SetDefault("messages.sentence_selection", "Which sentence describes your partner? (%d of %d)")
	viper.SetDefault("messages.set_bot_enter_token", "Enter the token of the bot you want to talk to (current: %s). Send /listbots, /unsetbot or /cancel.")
	viper.SetDefault("messages.set_bot_was_set", "You will now be paired with bot %q.")
	viper.SetDefault("messages.set_bot_not_found", "No bot with token %q was found.")
	viper.SetDefault("messages.set_bot_was_unset", "Bot assignment removed. You will be paired normally.")
	viper.SetDefault("messages.set_bot_canceled", "Bot selection canceled.")
	viper.SetDefault("messages.set_bot_not_allowed", "Choosing a specific bot is disabled.")
	viper.SetDefault("messages.set_bot_not_available", "Send /setbot first.")
}
