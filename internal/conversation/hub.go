// ABOUTME: In-memory fan-out hub delivering outbound envelopes to live sessions
// ABOUTME: Keyed by username; every connected session of a user gets its own channel

package conversation

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each session.
	subscriberBufferSize = 64
)

// Envelope is one outbound payload addressed to a user destination.
type Envelope struct {
	Destination string
	Payload     any
}

// Hub provides in-memory per-user fan-out. Each live session subscribes under
// its username and receives every envelope delivered to that user.
// Usernames compare case-insensitively.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Envelope // username -> subID -> ch
	logger      *slog.Logger
}

// NewHub creates a hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]map[string]chan Envelope),
		logger:      logger.With("component", "hub"),
	}
}

// Subscribe registers a session for envelopes addressed to username.
// Returns the receive channel and a subscription ID for later unsubscription.
// The subscription is automatically cleaned up when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, username string) (<-chan Envelope, string) {
	key := strings.ToLower(username)
	subID := uuid.New().String()
	ch := make(chan Envelope, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[key]; !ok {
		h.subscribers[key] = make(map[string]chan Envelope)
	}
	h.subscribers[key][subID] = ch
	h.mu.Unlock()

	h.logger.Debug("session subscribed", "user", username, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(username, subID)
	}()

	return ch, subID
}

// Deliver sends payload to every session of username and returns how many
// sessions accepted it. Fire-and-forget: envelopes are dropped for sessions
// whose channels are full.
func (h *Hub) Deliver(username, destination string, payload any) int {
	key := strings.ToLower(username)
	env := Envelope{Destination: destination, Payload: payload}

	// Sends are non-blocking, so holding the read lock cannot stall writers for
	// long and keeps Unsubscribe from closing a channel mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for subID, ch := range h.subscribers[key] {
		select {
		case ch <- env:
			delivered++
		default:
			h.logger.Warn("dropped envelope for slow session",
				"user", username,
				"sub_id", subID,
				"destination", destination)
		}
	}
	return delivered
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(username, subID string) {
	key := strings.ToLower(username)

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(h.subscribers, key)
	}

	h.logger.Debug("session unsubscribed", "user", username, "sub_id", subID)
}

// Close shuts down the hub and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, key)
	}

	h.logger.Debug("hub closed")
}
