// ABOUTME: Resolver maps an unordered pair of identities to exactly one DM conversation
// ABOUTME: Creates on demand and survives concurrent creators via the dm_key unique index

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/dm-gateway/internal/store"
)

// ConversationStore defines what the resolver needs from storage
type ConversationStore interface {
	GetConversationByKey(ctx context.Context, dmKey string) (*store.Conversation, error)
	CreateConversation(ctx context.Context, conv *store.Conversation, members []string) error
}

// Resolver finds or creates the single DM conversation for a pair of users.
type Resolver struct {
	store  ConversationStore
	clock  func() time.Time
	logger *slog.Logger
}

// NewResolver creates a Resolver. Pass nil logger for default.
func NewResolver(s ConversationStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  s,
		clock:  time.Now,
		logger: logger.With("component", "resolver"),
	}
}

// CanonicalKey returns the order-independent dm_key for two identities along
// with the pair ordered case-insensitively. The key is lowercased; the
// returned names keep their original casing.
func CanonicalKey(u1, u2 string) (key, a, b string) {
	a, b = u1, u2
	if strings.ToLower(u2) < strings.ToLower(u1) {
		a, b = u2, u1
	}
	return strings.ToLower(a) + ":" + strings.ToLower(b), a, b
}

// ResolveOrCreate returns the conversation between u1 and u2, creating it
// (with both memberships) when absent. Argument order does not matter.
//
// The self check is case-sensitive. Two spellings of the same name that
// differ only in case pass it and resolve to a conversation keyed "x:x".
func (r *Resolver) ResolveOrCreate(ctx context.Context, u1, u2 string) (*store.Conversation, error) {
	if strings.TrimSpace(u1) == "" || strings.TrimSpace(u2) == "" {
		return nil, fmt.Errorf("%w: identities must not be blank", ErrInvalidArgument)
	}
	if u1 == u2 {
		return nil, fmt.Errorf("%w: DM with self not allowed", ErrInvalidArgument)
	}

	key, a, b := CanonicalKey(u1, u2)

	conv, err := r.store.GetConversationByKey(ctx, key)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: looking up %s: %w", ErrStorageUnavailable, key, err)
	}

	conv = &store.Conversation{
		DMKey:     key,
		Kind:      store.KindDirectMessage,
		CreatedAt: r.clock().UTC(),
	}
	err = r.store.CreateConversation(ctx, conv, []string{a, b})
	if err == nil {
		r.logger.Info("conversation created", "conversation_id", conv.ID, "dm_key", key)
		return conv, nil
	}
	if !errors.Is(err, store.ErrDuplicateConversation) {
		return nil, fmt.Errorf("%w: creating %s: %w", ErrStorageUnavailable, key, err)
	}

	// Lost the race: another creator committed first. Re-read exactly once.
	existing, lookupErr := r.store.GetConversationByKey(ctx, key)
	if lookupErr != nil {
		r.logger.Error("conversation missing after duplicate insert",
			"dm_key", key,
			"error", lookupErr)
		return nil, fmt.Errorf("%w: re-reading %s after conflict: %w", ErrStorageUnavailable, key, lookupErr)
	}

	r.logger.Debug("found existing conversation after race", "conversation_id", existing.ID, "dm_key", key)
	return existing, nil
}
