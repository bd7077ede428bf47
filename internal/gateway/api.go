// ABOUTME: HTTP API handlers for health, token issuance, DM history and presence
// ABOUTME: Routes are served by chi; /api endpoints require a bearer token

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389/dm-gateway/internal/auth"
	"github.com/2389/dm-gateway/internal/conversation"
	"github.com/2389/dm-gateway/internal/dispatch"
	"github.com/2389/dm-gateway/internal/session"
)

// LoginRequest is the body of POST /auth/login and POST /auth/dev-login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// TokenResponse is returned by the login endpoints.
type TokenResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// PresenceResponse describes one user's presence.
type PresenceResponse struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
	Sessions int    `json:"sessions"`
}

// routes builds the HTTP router.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)

	// Health endpoints - no auth required
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	if g.config.Auth.LoginPasswordHash != "" {
		r.Post("/auth/login", g.handleLogin)
	} else {
		g.logger.Info("password login disabled - no auth.login_password_hash configured")
	}
	if g.config.Auth.DevLogin {
		r.Post("/auth/dev-login", g.handleDevLogin)
		g.logger.Warn("dev login enabled - any username can obtain a token")
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(g.verifier))
		r.Get("/api/dm/conversations", g.handleListConversations)
		r.Get("/api/dm/{conversationID}/messages", g.handleHistory)
		r.Get("/api/presence", g.handleListPresence)
		r.Get("/api/presence/{username}", g.handlePresence)
	})

	// Authentication happens on the CONNECT frame
	r.Get("/ws", g.handleWebSocket)

	return r
}

// requestLogger logs each request through the gateway logger.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "server_id": g.serverID})
}

// handleReady returns 200 OK if the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Error("readiness check failed", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"online": len(g.presence.Online()),
	})
}

// decodeLogin parses a login body and trims the username.
func decodeLogin(r *http.Request) (*LoginRequest, error) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		return nil, errors.New("username is required")
	}
	return &req, nil
}

// handleLogin issues a token when the password matches the configured bcrypt hash.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeLogin(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := auth.CheckPassword(g.config.Auth.LoginPasswordHash, req.Password); err != nil {
		g.logger.Warn("login rejected", "username", req.Username)
		g.sendJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	g.issueToken(w, req.Username)
}

// handleDevLogin issues a token for any username. Only mounted when auth.dev_login is set.
func (g *Gateway) handleDevLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeLogin(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.issueToken(w, req.Username)
}

func (g *Gateway) issueToken(w http.ResponseWriter, username string) {
	token, err := g.verifier.Generate(username, g.config.Auth.TokenTTL)
	if err != nil {
		g.logger.Error("token generation failed", "username", username, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	g.logger.Info("token issued", "username", username)
	g.writeJSON(w, http.StatusOK, TokenResponse{Token: token, Username: username})
}

// caller returns the authenticated username placed on the context by the auth middleware.
func caller(r *http.Request) string {
	if ac := auth.FromContext(r.Context()); ac != nil {
		return ac.Username
	}
	return ""
}

// handleListConversations returns the caller's conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.engine.Conversations(r.Context(), caller(r))
	if err != nil {
		g.sendEngineError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, convs)
}

// handleHistory returns the latest messages of a conversation in chronological order.
// Query: limit (default from config), format=html to add rendered markdown.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	convID, err := strconv.ParseInt(chi.URLParam(r, "conversationID"), 10, 64)
	if err != nil || convID <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	msgs, err := g.engine.History(r.Context(), caller(r), convID, limit)
	if err != nil {
		g.sendEngineError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "html" {
		for i := range msgs {
			msgs[i].HTML = g.renderMarkdown(msgs[i].Content)
		}
	}

	g.writeJSON(w, http.StatusOK, msgs)
}

// renderMarkdown converts message content to HTML. Falls back to the raw content on error.
func (g *Gateway) renderMarkdown(content string) string {
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(content), &buf); err != nil {
		g.logger.Warn("markdown render failed", "error", err)
		return content
	}
	return buf.String()
}

// handleListPresence returns every connected username.
func (g *Gateway) handleListPresence(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string][]string{"online": g.presence.Online()})
}

// handlePresence reports one user's presence.
func (g *Gateway) handlePresence(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	g.writeJSON(w, http.StatusOK, PresenceResponse{
		Username: username,
		Online:   g.presence.IsOnline(username),
		Sessions: g.presence.Sessions(username),
	})
}

// sendEngineError maps a dispatch error to an HTTP status.
func (g *Gateway) sendEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, conversation.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, conversation.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, conversation.ErrUserNotFound), errors.Is(err, conversation.ErrConversationNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
	}
	g.sendJSONError(w, status, dispatch.ErrorMessage(err))
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes an error response in JSON format.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
