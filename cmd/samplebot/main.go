// Package main contains a reference bot for the talkpair bot API: it long
// polls for updates and role-plays its assigned profile, generating replies
// with Gemini when an API key is available and echoing otherwise.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"google.golang.org/genai"

	"github.com/talkpair/talkpair/internal/logger"
	"github.com/talkpair/talkpair/internal/mailbox"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

func run(ctx context.Context) int {
	apiBase := flag.String("api", "http://localhost:8080", "Base URL of the talkpair bot API")
	token := flag.String("token", "", "Bot token registered with the router")
	model := flag.String("model", "gemini-2.0-flash", "Gemini model used for replies")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	log := logger.NewLogger(*logLevel, false)
	slog.SetDefault(log)

	if *token == "" {
		log.Error("A bot token is required (-token)")
		return 1
	}

	var ai *genai.Client
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  key,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			log.Error("Failed to create genai client", "error", err)
			return 1
		}
		ai = client
		log.Info("Gemini replies enabled", "model", *model)
	} else {
		log.Info("GEMINI_API_KEY not set, falling back to echo replies")
	}

	b := &sampleBot{
		apiBase: strings.TrimRight(*apiBase, "/"),
		token:   *token,
		model:   *model,
		ai:      ai,
		http:    &http.Client{Timeout: 90 * time.Second},
		log:     log.With("component", "samplebot"),
		dialogs: make(map[int64]*dialog),
	}

	if err := b.poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Polling stopped", "error", err)
		return 1
	}
	return 0
}

// dialog is the per-conversation state the bot keeps between updates.
type dialog struct {
	profile string
	history []string
}

type sampleBot struct {
	apiBase string
	token   string
	model   string
	ai      *genai.Client
	http    *http.Client
	log     *slog.Logger
	dialogs map[int64]*dialog
}

type apiResponse struct {
	OK          bool             `json:"ok"`
	Result      []mailbox.Update `json:"result"`
	ErrorCode   int              `json:"error_code"`
	Description string           `json:"description"`
}

// poll runs the long-poll loop until the context is canceled.
func (b *sampleBot) poll(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		updates, err := b.getUpdates(ctx)
		if err != nil {
			b.log.WarnContext(ctx, "getUpdates failed, retrying", "error", err)
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, u := range updates {
			b.handleUpdate(ctx, u)
		}
	}
}

func (b *sampleBot) getUpdates(ctx context.Context) ([]mailbox.Update, error) {
	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?timeout=30&limit=100", b.apiBase, b.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unexpected response: %w", err)
	}
	if !parsed.OK {
		return nil, fmt.Errorf("api error %d: %s", parsed.ErrorCode, parsed.Description)
	}
	return parsed.Result, nil
}

func (b *sampleBot) handleUpdate(ctx context.Context, u mailbox.Update) {
	convID := u.Message.Chat.ID
	text := u.Message.Text

	switch {
	case strings.HasPrefix(text, "/start"):
		profile := strings.TrimPrefix(text, "/start")
		b.dialogs[convID] = &dialog{profile: strings.TrimSpace(profile)}
		b.log.InfoContext(ctx, "Conversation started", "conversation_id", convID)

	case strings.HasPrefix(text, "/end"):
		b.finishDialog(ctx, convID, text)
		delete(b.dialogs, convID)

	default:
		d, ok := b.dialogs[convID]
		if !ok {
			d = &dialog{}
			b.dialogs[convID] = d
		}
		d.history = append(d.history, "Partner: "+text)

		reply := b.reply(ctx, d, text)
		d.history = append(d.history, "Me: "+reply)

		envelope := map[string]any{"text": reply}
		if err := b.sendEnvelope(ctx, convID, envelope); err != nil {
			b.log.WarnContext(ctx, "Failed to send reply",
				"conversation_id", convID, "error", err)
		}
	}
}

// finishDialog parses "/end <min> <max>\n/profile_0\n..." and submits a
// random in-range score with a guess for the first profile option.
func (b *sampleBot) finishDialog(ctx context.Context, convID int64, text string) {
	scoreFrom, scoreTo := 1, 5
	fields := strings.Fields(strings.SplitN(text, "\n", 2)[0])
	if len(fields) >= 3 {
		if v, err := strconv.Atoi(fields[1]); err == nil {
			scoreFrom = v
		}
		if v, err := strconv.Atoi(fields[2]); err == nil {
			scoreTo = v
		}
	}

	score := scoreFrom + rand.IntN(scoreTo-scoreFrom+1)
	envelope := map[string]any{
		"text": "/end",
		"evaluation": map[string]any{
			"score":       score,
			"profile_idx": 0,
		},
	}
	if err := b.sendEnvelope(ctx, convID, envelope); err != nil {
		b.log.WarnContext(ctx, "Failed to submit evaluation",
			"conversation_id", convID, "error", err)
	}
}

// reply produces the next message: Gemini when configured, echo otherwise.
func (b *sampleBot) reply(ctx context.Context, d *dialog, text string) string {
	if b.ai == nil {
		return "You said: " + text
	}

	prompt := "Continue this chat with one short conversational reply.\n\n" +
		strings.Join(d.history, "\n")
	cfg := &genai.GenerateContentConfig{}
	if d.profile != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{
			Text: "Role-play a person described by this profile. Never quote the profile verbatim.\n" + d.profile,
		}}}
	}

	resp, err := b.ai.Models.GenerateContent(ctx, b.model, genai.Text(prompt), cfg)
	if err != nil {
		b.log.WarnContext(ctx, "Gemini reply failed, echoing", "error", err)
		return "You said: " + text
	}

	reply := strings.TrimSpace(resp.Text())
	if reply == "" {
		return "You said: " + text
	}
	return reply
}

func (b *sampleBot) sendEnvelope(ctx context.Context, convID int64, envelope map[string]any) error {
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("chat_id", strconv.FormatInt(convID, 10))
	form.Set("text", string(encoded))

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", b.apiBase, b.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var parsed struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("unexpected response: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("api error %d: %s", parsed.ErrorCode, parsed.Description)
	}
	return nil
}
