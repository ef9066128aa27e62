// Package botapi exposes the Telegram-style HTTP surface bots integrate
// with: long-poll getUpdates and sendMessage, authenticated only by the
// token path segment.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/talkpair/talkpair/internal/botgw"
	"github.com/talkpair/talkpair/internal/mailbox"
)

const (
	defaultLimit   = 100
	maxPollTimeout = 60 * time.Second
)

// Server wires the bot gateway onto an HTTP listener.
type Server struct {
	gateway         *botgw.Gateway
	logger          *slog.Logger
	httpServer      *http.Server
	shutdownTimeout time.Duration
}

// NewServer creates the HTTP server for the bot API.
func NewServer(listenAddr string, shutdownTimeout time.Duration, gateway *botgw.Gateway, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		gateway:         gateway,
		logger:          logger.With("component", "botapi"),
		shutdownTimeout: shutdownTimeout,
	}
	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the route table. The token is embedded in the first path
// segment, Telegram style, so routing is done by hand. Both GET and POST are
// accepted on every route.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, method, ok := splitBotPath(r.URL.Path)
		if !ok {
			s.writeError(w, http.StatusNotFound, "Not Found")
			return
		}
		switch method {
		case "getUpdates":
			s.handleGetUpdates(w, r, token)
		case "sendMessage":
			s.handleSendMessage(w, r, token)
		default:
			s.writeError(w, http.StatusNotFound, "Not Found")
		}
	})
}

// splitBotPath parses "/bot<token>/<method>".
func splitBotPath(path string) (token, method string, ok bool) {
	rest, found := strings.CutPrefix(path, "/bot")
	if !found {
		return "", "", false
	}
	token, method, found = strings.Cut(rest, "/")
	if !found || token == "" || method == "" {
		return "", "", false
	}
	return token, method, true
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Bot API listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("bot API server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bot API shutdown failed: %w", err)
	}
	return nil
}

// params merges request parameters from, in priority order, the query
// string, a JSON body, and form fields.
func params(r *http.Request) map[string]string {
	out := make(map[string]string)

	if r.Body != nil {
		var body map[string]any
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err == nil && json.Unmarshal(raw, &body) == nil {
			for k, v := range body {
				switch val := v.(type) {
				case string:
					out[k] = val
				case float64:
					out[k] = strconv.FormatFloat(val, 'f', -1, 64)
				case bool:
					out[k] = strconv.FormatBool(val)
				default:
					encoded, err := json.Marshal(val)
					if err == nil {
						out[k] = string(encoded)
					}
				}
			}
		} else if err == nil {
			// Not JSON; let ParseForm have a go at it.
			r.Body = io.NopCloser(bytes.NewReader(raw))
			if err := r.ParseForm(); err == nil {
				for k, vs := range r.PostForm {
					if len(vs) > 0 {
						out[k] = vs[0]
					}
				}
			}
		}
	}

	// Query parameters win.
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

func (s *Server) handleGetUpdates(w http.ResponseWriter, r *http.Request, token string) {
	p := params(r)

	timeout := time.Duration(0)
	if raw, ok := p["timeout"]; ok {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = time.Duration(seconds) * time.Second
	}
	if timeout > maxPollTimeout {
		timeout = maxPollTimeout
	}

	limit := defaultLimit
	if raw, ok := p["limit"]; ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	updates, err := s.gateway.GetUpdates(r.Context(), token, limit, timeout)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	if updates == nil {
		updates = []mailbox.Update{}
	}
	s.writeResult(w, updates)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, token string) {
	p := params(r)

	rawChatID, ok := p["chat_id"]
	if !ok {
		s.writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	chatID, err := strconv.ParseInt(rawChatID, 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid chat_id")
		return
	}

	text, ok := p["text"]
	if !ok {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	result, err := s.gateway.HandleSendMessage(r.Context(), token, chatID, text)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	s.writeResult(w, result)
}

// writeGatewayError maps gateway errors to the API's status contract:
// unknown tokens are 401, everything else is 400.
func (s *Server) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, mailbox.ErrBotNotRegistered) {
		s.writeError(w, http.StatusUnauthorized, "BotNotRegistered")
		return
	}
	s.logger.DebugContext(r.Context(), "Request rejected",
		"path", r.URL.Path, "error", err)
	s.writeError(w, http.StatusBadRequest, err.Error())
}

func (s *Server) writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result}); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"ok":          false,
		"error_code":  code,
		"description": description,
	}); err != nil {
		s.logger.Warn("Failed to encode error response", "error", err)
	}
}
