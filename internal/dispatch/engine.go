// ABOUTME: DispatchEngine persists direct messages and fans them out to live sessions
// ABOUTME: Implements send, open, history, read markers and conversation listing

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/2389/dm-gateway/internal/conversation"
	"github.com/2389/dm-gateway/internal/journal"
	"github.com/2389/dm-gateway/internal/session"
	"github.com/2389/dm-gateway/internal/store"
	"github.com/2389/dm-gateway/internal/wire"
)

// Defaults applied when Options leaves a limit at zero.
const (
	DefaultMaxContentLength = 500
	DefaultPreviewLength    = 40
	DefaultHistoryLimit     = 50
	MaxHistoryLimit         = 200

	previewEllipsis = "..."
)

// Store defines what the engine needs from storage
type Store interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
	ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]*store.Message, error)
	GetConversation(ctx context.Context, id int64) (*store.Conversation, error)
	ListMembers(ctx context.Context, conversationID int64) ([]store.ConversationMember, error)
	MemberExists(ctx context.Context, username string) (bool, error)
	SenderExists(ctx context.Context, username string) (bool, error)
	MarkRead(ctx context.Context, marker *store.ReadMarker) error
	ListConversationsForUser(ctx context.Context, username string) ([]store.ConversationSummary, error)
}

// Resolver maps a user pair to its conversation
type Resolver interface {
	ResolveOrCreate(ctx context.Context, u1, u2 string) (*store.Conversation, error)
}

// Presence answers whether a user has a live session
type Presence interface {
	IsOnline(identity string) bool
}

// Deliverer pushes a payload to every live session of a user
type Deliverer interface {
	Deliver(username, destination string, payload any) int
}

// Journal records accepted messages
type Journal interface {
	Record(ctx context.Context, e journal.Entry)
}

// Options configures an Engine. Store, Resolver, Presence and Hub are required.
type Options struct {
	Store    Store
	Resolver Resolver
	Presence Presence
	Hub      Deliverer
	Unread   UnreadCounter // defaults to FixedUnread
	Journal  Journal       // optional
	Clock    func() time.Time
	Logger   *slog.Logger

	MaxContentLength int
	PreviewLength    int
	HistoryLimit     int
}

// Engine is the DM dispatch protocol.
type Engine struct {
	store    Store
	resolver Resolver
	presence Presence
	hub      Deliverer
	unread   UnreadCounter
	journal  Journal
	clock    func() time.Time
	logger   *slog.Logger

	validate     *validator.Validate
	contentRule  string
	maxContent   int
	preview      int
	historyLimit int
}

// New creates an Engine from opts.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:        opts.Store,
		resolver:     opts.Resolver,
		presence:     opts.Presence,
		hub:          opts.Hub,
		unread:       opts.Unread,
		journal:      opts.Journal,
		clock:        opts.Clock,
		logger:       logger.With("component", "dispatch"),
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		maxContent:   lo.Ternary(opts.MaxContentLength > 0, opts.MaxContentLength, DefaultMaxContentLength),
		preview:      lo.Ternary(opts.PreviewLength > len(previewEllipsis), opts.PreviewLength, DefaultPreviewLength),
		historyLimit: lo.Ternary(opts.HistoryLimit > 0, min(opts.HistoryLimit, MaxHistoryLimit), DefaultHistoryLimit),
	}
	if e.unread == nil {
		e.unread = FixedUnread{}
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	e.contentRule = fmt.Sprintf("required,max=%d", e.maxContent)
	return e
}

// validateContent rejects blank content and content longer than the limit in runes.
func (e *Engine) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: content must not be blank", conversation.ErrInvalidArgument)
	}
	if err := e.validate.Var(content, e.contentRule); err != nil {
		return fmt.Errorf("%w: content exceeds %d characters", conversation.ErrInvalidArgument, e.maxContent)
	}
	return nil
}

// Preview shortens content for notifications: longer than limit runes becomes
// the first limit-3 runes followed by "...".
func Preview(content string, limit int) string {
	runes := []rune(content)
	if len(runes) <= limit {
		return content
	}
	if limit <= len(previewEllipsis) {
		return string(runes[:max(limit, 0)])
	}
	return string(runes[:limit-len(previewEllipsis)]) + previewEllipsis
}

// Send persists content from caller to otherUser and delivers it to every
// live session of both participants, then notifies otherUser if connected.
// Persistence does not depend on either party being online.
func (e *Engine) Send(ctx context.Context, caller, otherUser, content string) (*MessageDTO, error) {
	if caller == "" {
		return nil, session.ErrUnauthenticated
	}
	if err := e.validateContent(content); err != nil {
		return nil, err
	}

	conv, err := e.resolver.ResolveOrCreate(ctx, caller, otherUser)
	if err != nil {
		return nil, err
	}

	msg := &store.Message{
		ConversationID: conv.ID,
		Sender:         caller,
		Content:        content,
		SentAt:         e.clock(),
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: saving message: %w", conversation.ErrStorageUnavailable, err)
	}

	dto := toMessageDTO(msg)
	dest := wire.ConversationDestination(conv.ID)

	participants := lo.UniqBy([]string{caller, otherUser}, strings.ToLower)
	for _, user := range participants {
		if !e.presence.IsOnline(user) {
			continue
		}
		e.hub.Deliver(user, dest, dto)
	}

	recipientOnline := e.presence.IsOnline(otherUser)
	if recipientOnline {
		count, err := e.unread.Unread(ctx, conv.ID, otherUser)
		if err != nil {
			e.logger.Warn("unread count failed, reporting 1",
				"conversation_id", conv.ID,
				"recipient", otherUser,
				"error", err)
			count = 1
		}
		e.hub.Deliver(otherUser, wire.DestNotify, Notification{
			ConversationID: conv.ID,
			From:           caller,
			Preview:        Preview(content, e.preview),
			SentAt:         msg.SentAt,
			UnreadCount:    count,
		})
	}

	if e.journal != nil {
		e.journal.Record(ctx, journal.Entry{
			ConversationID: conv.ID,
			MessageID:      msg.ID,
			From:           caller,
			To:             otherUser,
			Content:        content,
			Status:         lo.Ternary(recipientOnline, journal.StatusLive, journal.StatusOffline),
		})
	}

	e.logger.Info("dm sent",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender", caller,
		"recipient", otherUser,
		"recipient_online", recipientOnline)

	return &dto, nil
}

// Open resolves (creating if needed) the conversation between caller and
// otherUser. It never returns an error: failures are reported as OpenErr.
func (e *Engine) Open(ctx context.Context, caller, otherUser string) (result OpenResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("open panicked", "caller", caller, "target", otherUser, "panic", r)
			result = e.openFailure(otherUser, fmt.Errorf("panic: %v", r))
		}
	}()

	exists, err := e.userExists(ctx, otherUser)
	if err != nil {
		return e.openFailure(otherUser, err)
	}
	if !exists {
		e.logger.Warn("open target not found", "caller", caller, "target", otherUser)
		return OpenErr{ErrorCode: CodeUserNotFound, Message: msgUserNotFound, OtherUsername: otherUser}
	}

	if caller == "" {
		return e.openFailure(otherUser, session.ErrUnauthenticated)
	}

	conv, err := e.resolver.ResolveOrCreate(ctx, caller, otherUser)
	if err != nil {
		return e.openFailure(otherUser, err)
	}

	e.logger.Info("open resolved", "caller", caller, "target", otherUser, "conversation_id", conv.ID)
	return OpenOk{ConversationID: conv.ID, OtherUsername: otherUser}
}

// openFailure is the single translation point from errors to OpenErr.
func (e *Engine) openFailure(otherUser string, err error) OpenErr {
	switch {
	case errors.Is(err, conversation.ErrUserNotFound):
		return OpenErr{ErrorCode: CodeUserNotFound, Message: msgUserNotFound, OtherUsername: otherUser}
	case errors.Is(err, conversation.ErrInvalidArgument):
		return OpenErr{ErrorCode: CodeInvalidArgument, Message: msgSelfDM, OtherUsername: otherUser}
	default:
		e.logger.Error("open failed", "target", otherUser, "error", err)
		return OpenErr{ErrorCode: CodeOpenFailed, Message: "Could not open conversation.", OtherUsername: otherUser}
	}
}

// userExists reports whether username has ever taken part in a conversation,
// sent a message, or is connected right now.
func (e *Engine) userExists(ctx context.Context, username string) (bool, error) {
	if strings.TrimSpace(username) == "" {
		return false, nil
	}
	if e.presence.IsOnline(username) {
		return true, nil
	}

	member, err := e.store.MemberExists(ctx, username)
	if err != nil {
		return false, fmt.Errorf("%w: member lookup: %w", conversation.ErrStorageUnavailable, err)
	}
	if member {
		return true, nil
	}

	sender, err := e.store.SenderExists(ctx, username)
	if err != nil {
		return false, fmt.Errorf("%w: sender lookup: %w", conversation.ErrStorageUnavailable, err)
	}
	return sender, nil
}

func (e *Engine) requireMember(ctx context.Context, caller string, conversationID int64) error {
	if caller == "" {
		return session.ErrUnauthenticated
	}
	if _, err := e.store.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %d", conversation.ErrConversationNotFound, conversationID)
		}
		return fmt.Errorf("%w: conversation lookup: %w", conversation.ErrStorageUnavailable, err)
	}
	members, err := e.store.ListMembers(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("%w: membership lookup: %w", conversation.ErrStorageUnavailable, err)
	}
	if !lo.ContainsBy(members, func(m store.ConversationMember) bool { return strings.EqualFold(m.Username, caller) }) {
		return fmt.Errorf("%w: %s is not a member of conversation %d", conversation.ErrForbidden, caller, conversationID)
	}
	return nil
}

// History returns the latest limit messages of a conversation in
// chronological order and advances the caller's read marker to the newest.
// limit <= 0 selects the configured default; larger values are capped.
func (e *Engine) History(ctx context.Context, caller string, conversationID int64, limit int) ([]MessageDTO, error) {
	if err := e.requireMember(ctx, caller, conversationID); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = e.historyLimit
	}
	limit = min(limit, MaxHistoryLimit)

	msgs, err := e.store.ListRecentMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: listing messages: %w", conversation.ErrStorageUnavailable, err)
	}

	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if err := e.store.MarkRead(ctx, &store.ReadMarker{
			ConversationID:    conversationID,
			Username:          caller,
			LastReadMessageID: last.ID,
			UpdatedAt:         e.clock(),
		}); err != nil {
			e.logger.Warn("advancing read marker failed",
				"conversation_id", conversationID,
				"user", caller,
				"error", err)
		}
	}

	return toMessageDTOs(msgs), nil
}

// MarkRead records that caller has read conversationID up to messageID.
func (e *Engine) MarkRead(ctx context.Context, caller string, conversationID, messageID int64) error {
	if messageID <= 0 {
		return fmt.Errorf("%w: messageId must be positive", conversation.ErrInvalidArgument)
	}
	if err := e.requireMember(ctx, caller, conversationID); err != nil {
		return err
	}

	if err := e.store.MarkRead(ctx, &store.ReadMarker{
		ConversationID:    conversationID,
		Username:          caller,
		LastReadMessageID: messageID,
		UpdatedAt:         e.clock(),
	}); err != nil {
		return fmt.Errorf("%w: marking read: %w", conversation.ErrStorageUnavailable, err)
	}
	return nil
}

// Conversations lists caller's conversations with the other participant's name.
func (e *Engine) Conversations(ctx context.Context, caller string) ([]ConversationDTO, error) {
	if caller == "" {
		return nil, session.ErrUnauthenticated
	}

	sums, err := e.store.ListConversationsForUser(ctx, caller)
	if err != nil {
		return nil, fmt.Errorf("%w: listing conversations: %w", conversation.ErrStorageUnavailable, err)
	}

	return lo.Map(sums, func(s store.ConversationSummary, _ int) ConversationDTO {
		return ConversationDTO{
			ConversationID: s.Conversation.ID,
			OtherUsername:  s.OtherUsername,
			CreatedAt:      s.Conversation.CreatedAt,
		}
	}), nil
}
