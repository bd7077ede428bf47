// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject storage faults

package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
//
// The exported hook fields let tests inject faults. Each hook runs before the
// operation touches state; a non-nil return is passed back to the caller.
// Set hooks before the store is shared between goroutines.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[int64]*Conversation
	byKey         map[string]int64               // dm_key -> conversation ID
	members       map[int64][]ConversationMember // keyed by conversation ID
	messages      map[int64][]*Message           // keyed by conversation ID
	markers       map[string]*ReadMarker         // keyed by "convID:lower(username)"
	nextConvID    int64
	nextMsgID     int64
	saveCalls     int

	BeforeGetConversationByKey func(dmKey string) error
	BeforeCreateConversation   func(conv *Conversation) error
	BeforeSaveMessage          func(msg *Message) error
	BeforeExists               func(username string) error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[int64]*Conversation),
		byKey:         make(map[string]int64),
		members:       make(map[int64][]ConversationMember),
		messages:      make(map[int64][]*Message),
		markers:       make(map[string]*ReadMarker),
	}
}

func markerKey(conversationID int64, username string) string {
	return strconv.FormatInt(conversationID, 10) + ":" + strings.ToLower(username)
}

// GetConversationByKey retrieves a conversation by dm_key.
func (m *MockStore) GetConversationByKey(ctx context.Context, dmKey string) (*Conversation, error) {
	if m.BeforeGetConversationByKey != nil {
		if err := m.BeforeGetConversationByKey(dmKey); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byKey[dmKey]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.conversations[id]
	return &result, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// CreateConversation stores a conversation and its members.
// Enforces dm_key uniqueness like the SQLite unique index.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation, members []string) error {
	if m.BeforeCreateConversation != nil {
		if err := m.BeforeCreateConversation(conv); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byKey[conv.DMKey]; exists {
		return ErrDuplicateConversation
	}

	if conv.Kind == "" {
		conv.Kind = KindDirectMessage
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	m.nextConvID++
	conv.ID = m.nextConvID

	c := *conv
	m.conversations[c.ID] = &c
	m.byKey[c.DMKey] = c.ID
	for _, u := range members {
		m.members[c.ID] = append(m.members[c.ID], ConversationMember{ConversationID: c.ID, Username: u})
	}
	return nil
}

// ListMembers returns the members of a conversation.
func (m *MockStore) ListMembers(ctx context.Context, conversationID int64) ([]ConversationMember, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ConversationMember, len(m.members[conversationID]))
	copy(out, m.members[conversationID])
	return out, nil
}

// ListConversationsForUser returns the user's conversations ordered by ID.
func (m *MockStore) ListConversationsForUser(ctx context.Context, username string) ([]ConversationSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ConversationSummary
	for id, mems := range m.members {
		for i, me := range mems {
			if !strings.EqualFold(me.Username, username) {
				continue
			}
			for j, other := range mems {
				if j == i {
					continue
				}
				out = append(out, ConversationSummary{
					Conversation:  *m.conversations[id],
					OtherUsername: other.Username,
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Conversation.ID < out[j].Conversation.ID
	})
	return out, nil
}

// SaveMessage stores a message and assigns its ID.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	if m.BeforeSaveMessage != nil {
		if err := m.BeforeSaveMessage(msg); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.saveCalls++
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return ErrNotFound
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	msg.SentAt = msg.SentAt.UTC()

	m.nextMsgID++
	msg.ID = m.nextMsgID

	stored := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &stored)
	return nil
}

// SaveCalls reports how many times SaveMessage reached the store state.
func (m *MockStore) SaveCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveCalls
}

// ListRecentMessages returns the latest limit messages in chronological order.
func (m *MockStore) ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := make([]*Message, len(m.messages[conversationID]))
	copy(msgs, m.messages[conversationID])

	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].SentAt.Equal(msgs[j].SentAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].SentAt.Before(msgs[j].SentAt)
	})

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		c := *msg
		result[i] = &c
	}
	return result, nil
}

// MemberExists reports whether username has ever been a conversation member.
func (m *MockStore) MemberExists(ctx context.Context, username string) (bool, error) {
	if m.BeforeExists != nil {
		if err := m.BeforeExists(username); err != nil {
			return false, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mems := range m.members {
		for _, mem := range mems {
			if strings.EqualFold(mem.Username, username) {
				return true, nil
			}
		}
	}
	return false, nil
}

// SenderExists reports whether username has ever sent a message.
func (m *MockStore) SenderExists(ctx context.Context, username string) (bool, error) {
	if m.BeforeExists != nil {
		if err := m.BeforeExists(username); err != nil {
			return false, err
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if strings.EqualFold(msg.Sender, username) {
				return true, nil
			}
		}
	}
	return false, nil
}

// MarkRead advances a read marker; it never moves backwards.
func (m *MockStore) MarkRead(ctx context.Context, marker *ReadMarker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := markerKey(marker.ConversationID, marker.Username)
	if marker.UpdatedAt.IsZero() {
		marker.UpdatedAt = time.Now()
	}

	existing, ok := m.markers[key]
	if ok && existing.LastReadMessageID > marker.LastReadMessageID {
		existing.UpdatedAt = marker.UpdatedAt
		return nil
	}
	c := *marker
	m.markers[key] = &c
	return nil
}

// CountUnread counts other participants' messages newer than the user's read marker.
func (m *MockStore) CountUnread(ctx context.Context, conversationID int64, username string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var after int64
	if mk, ok := m.markers[markerKey(conversationID, username)]; ok {
		after = mk.LastReadMessageID
	}

	var n int64
	for _, msg := range m.messages[conversationID] {
		if msg.ID > after && !strings.EqualFold(msg.Sender, username) {
			n++
		}
	}
	return n, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time check that MockStore implements Store.
var _ Store = (*MockStore)(nil)
