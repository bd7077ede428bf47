// ABOUTME: Store interface and data types for dm-gateway persistence
// ABOUTME: Defines Conversation, ConversationMember, Message, ReadMarker and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation with the same dm_key already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// ConversationKind tags the conversation variant. Only direct messages exist today.
type ConversationKind string

// KindDirectMessage is a two-party conversation.
const KindDirectMessage ConversationKind = "DM"

// Conversation is a single two-party thread identified by its canonical dm_key.
type Conversation struct {
	ID        int64
	DMKey     string
	Kind      ConversationKind
	CreatedAt time.Time
}

// ConversationMember associates one username with one conversation.
type ConversationMember struct {
	ConversationID int64
	Username       string
}

// Message is an immutable chat message owned by exactly one conversation.
type Message struct {
	ID             int64
	ConversationID int64
	Sender         string
	Content        string
	SentAt         time.Time
}

// ReadMarker records the last message a user has read in a conversation.
type ReadMarker struct {
	ConversationID    int64
	Username          string
	LastReadMessageID int64
	UpdatedAt         time.Time
}

// ConversationSummary is a conversation as seen by one of its members.
type ConversationSummary struct {
	Conversation  Conversation
	OtherUsername string
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	GetConversationByKey(ctx context.Context, dmKey string) (*Conversation, error)
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	// CreateConversation inserts the conversation and its members atomically.
	// conv.ID is assigned on success. Returns ErrDuplicateConversation when the
	// dm_key is already taken.
	CreateConversation(ctx context.Context, conv *Conversation, members []string) error
	ListMembers(ctx context.Context, conversationID int64) ([]ConversationMember, error)
	ListConversationsForUser(ctx context.Context, username string) ([]ConversationSummary, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error)

	// User existence heuristics (case-insensitive)
	MemberExists(ctx context.Context, username string) (bool, error)
	SenderExists(ctx context.Context, username string) (bool, error)

	// Read markers
	MarkRead(ctx context.Context, marker *ReadMarker) error
	CountUnread(ctx context.Context, conversationID int64, username string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
