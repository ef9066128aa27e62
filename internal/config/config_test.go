package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/talkpair/talkpair/internal/config"
)

// The loader uses the process-wide viper instance, so these tests must not
// run in parallel.

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Logger.Level != "info" {
		t.Errorf("logger level = %q, want info", cfg.Logger.Level)
	}
	if cfg.HTTP.ListenAddr != ":8080" {
		t.Errorf("listen addr = %q, want :8080", cfg.HTTP.ListenAddr)
	}
	if cfg.Dialog.MaxLength != 1000 {
		t.Errorf("max length = %d, want 1000", cfg.Dialog.MaxLength)
	}
	if cfg.Dialog.InactivityTimeout != 300*time.Second {
		t.Errorf("inactivity timeout = %v, want 5m", cfg.Dialog.InactivityTimeout)
	}
	if cfg.Evaluation.ScoreFrom != 1 || cfg.Evaluation.ScoreTo != 5 {
		t.Errorf("score range = %d..%d, want 1..5", cfg.Evaluation.ScoreFrom, cfg.Evaluation.ScoreTo)
	}
	if !cfg.Evaluation.GuessProfile {
		t.Error("guess_profile default should be true")
	}
	if cfg.Telegram.Enabled {
		t.Error("telegram should be disabled by default")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
  json: false
dialog:
  human_bot_ratio: 0.5
  max_length: 40
evaluation:
  score_from: 0
  score_to: 10
`)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Logger.Level != "debug" {
		t.Errorf("logger level = %q, want debug", cfg.Logger.Level)
	}
	if cfg.Dialog.HumanBotRatio != 0.5 {
		t.Errorf("human_bot_ratio = %v, want 0.5", cfg.Dialog.HumanBotRatio)
	}
	if cfg.Dialog.MaxLength != 40 {
		t.Errorf("max_length = %d, want 40", cfg.Dialog.MaxLength)
	}
	if cfg.Evaluation.ScoreFrom != 0 || cfg.Evaluation.ScoreTo != 10 {
		t.Errorf("score range = %d..%d, want 0..10", cfg.Evaluation.ScoreFrom, cfg.Evaluation.ScoreTo)
	}
}

func TestLoadConfigRejectsBadLevel(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: chatty
`)

	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("LoadConfig() accepted an invalid log level")
	}
}

func TestLoadConfigRejectsInvertedScoreRange(t *testing.T) {
	path := writeConfig(t, `
evaluation:
  score_from: 5
  score_to: 1
`)

	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("LoadConfig() accepted score_to < score_from")
	}
}

func TestLoadConfigRequiresTelegramToken(t *testing.T) {
	path := writeConfig(t, `
telegram:
  enabled: true
`)

	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("LoadConfig() accepted an enabled Telegram transport without a token")
	}
}
