// ABOUTME: Wire payloads produced by the dispatch engine
// ABOUTME: Message DTOs, recipient notifications, open results and error payloads

package dispatch

import (
	"time"

	"github.com/samber/lo"

	"github.com/2389/dm-gateway/internal/store"
)

// MessageDTO is the payload delivered on /user/queue/dm/{conversationId}.
type MessageDTO struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
	HTML           string    `json:"html,omitempty"`
}

func toMessageDTO(m *store.Message) MessageDTO {
	return MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender,
		Content:        m.Content,
		SentAt:         m.SentAt,
	}
}

func toMessageDTOs(msgs []*store.Message) []MessageDTO {
	return lo.Map(msgs, func(m *store.Message, _ int) MessageDTO {
		return toMessageDTO(m)
	})
}

// Notification is the payload delivered on /user/queue/dm/notify.
type Notification struct {
	ConversationID int64     `json:"conversationId"`
	From           string    `json:"from"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sentAt"`
	UnreadCount    int64     `json:"unreadCount"`
}

// ConversationDTO describes a conversation from the caller's point of view.
type ConversationDTO struct {
	ConversationID int64     `json:"conversationId"`
	OtherUsername  string    `json:"otherUsername"`
	CreatedAt      time.Time `json:"createdAt"`
}

// OpenResult is the outcome of Open: either OpenOk or OpenErr.
type OpenResult interface {
	isOpenResult()
}

// OpenOk reports the resolved conversation.
type OpenOk struct {
	ConversationID int64  `json:"conversationId"`
	OtherUsername  string `json:"otherUsername"`
}

// OpenErr reports why a conversation could not be opened.
type OpenErr struct {
	ErrorCode     string `json:"errorCode"`
	Message       string `json:"message"`
	OtherUsername string `json:"otherUsername"`
}

func (OpenOk) isOpenResult()  {}
func (OpenErr) isOpenResult() {}

// ErrorPayload is delivered on /user/queue/errors when a SEND fails.
type ErrorPayload struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}
