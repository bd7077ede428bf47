// ABOUTME: Binds a verified identity to a connection at CONNECT and stamps it on later frames
// ABOUTME: Owns presence transitions for connect and disconnect

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/dm-gateway/internal/auth"
	"github.com/2389/dm-gateway/internal/wire"
)

var (
	// ErrUnauthorized is returned when a CONNECT frame cannot be authenticated.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnauthenticated is returned when a frame arrives on a connection with no identity.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Presence is what the binder needs from the presence registry
type Presence interface {
	MarkOnline(identity string)
	MarkOffline(identity string)
}

// Session is the identity bound to one connection. It is created by Connect
// and never shared between connections.
type Session struct {
	ID          string
	ClientID    string
	ConnectedAt time.Time

	mu       sync.RWMutex
	identity string
}

// Identity returns the bound username, or "" once disconnected.
func (s *Session) Identity() string {
	if s == nil {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// LogAttrs returns the structured fields every log line about this session carries.
func (s *Session) LogAttrs() []any {
	return []any{"session_id", s.ID, "user", s.Identity(), "client_id", s.ClientID}
}

// Binder authenticates connections and keeps presence in step with them.
type Binder struct {
	verifier auth.TokenVerifier
	presence Presence
	clock    func() time.Time
	logger   *slog.Logger
}

// NewBinder creates a Binder. Pass nil logger for default.
func NewBinder(verifier auth.TokenVerifier, presence Presence, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		verifier: verifier,
		presence: presence,
		clock:    time.Now,
		logger:   logger.With("component", "binder"),
	}
}

// Connect authenticates a CONNECT frame from its Authorization header and
// returns the connection's Session. On success the identity is marked online.
func (b *Binder) Connect(ctx context.Context, frame *wire.Frame) (*Session, error) {
	if frame == nil || frame.Command != wire.CmdConnect {
		return nil, fmt.Errorf("%w: expected CONNECT frame", ErrUnauthorized)
	}

	token, errMsg := auth.ExtractBearerToken(frame.Header(wire.HeaderAuthorization))
	if errMsg != "" {
		b.logger.Warn("connect rejected", "reason", errMsg)
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, errMsg)
	}

	username, err := b.verifier.Verify(token)
	if err != nil {
		b.logger.Warn("connect rejected", "reason", "token verification failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	sess := &Session{
		ID:          uuid.New().String(),
		ClientID:    frame.Header(wire.HeaderClientID),
		ConnectedAt: b.clock(),
		identity:    username,
	}
	b.presence.MarkOnline(username)

	b.logger.Info("session connected", sess.LogAttrs()...)
	return sess, nil
}

// Stamp returns the identity cached on the session for an inbound frame. It
// never re-verifies tokens and never reads frame headers.
func (b *Binder) Stamp(sess *Session) (string, error) {
	identity := sess.Identity()
	if identity == "" {
		return "", ErrUnauthenticated
	}
	return identity, nil
}

// Disconnect marks the session's identity offline and clears it. Calling it
// more than once is a no-op.
func (b *Binder) Disconnect(sess *Session) {
	if sess == nil {
		return
	}

	sess.mu.Lock()
	identity := sess.identity
	sess.identity = ""
	sess.mu.Unlock()

	if identity == "" {
		return
	}
	b.presence.MarkOffline(identity)

	b.logger.Info("session disconnected",
		"session_id", sess.ID,
		"user", identity,
		"client_id", sess.ClientID,
		"duration", b.clock().Sub(sess.ConnectedAt).Round(time.Millisecond))
}

type sessionContextKey struct{}

// WithSession returns a new context carrying sess.
func WithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// FromContext retrieves the Session from the context, returning nil if not present.
func FromContext(ctx context.Context) *Session {
	sess, ok := ctx.Value(sessionContextKey{}).(*Session)
	if !ok {
		return nil
	}
	return sess
}
