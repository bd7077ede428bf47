// ABOUTME: Unread-count strategies used for recipient notifications
// ABOUTME: fixed always reports one; store counts messages after the recipient's read marker

package dispatch

import (
	"context"
	"fmt"
)

// Unread strategy names accepted by NewUnreadCounter.
const (
	UnreadFixed = "fixed"
	UnreadStore = "store"
)

// UnreadCounter computes the unread count carried on a notification.
type UnreadCounter interface {
	Unread(ctx context.Context, conversationID int64, recipient string) (int64, error)
}

// FixedUnread reports one unread message per notification.
type FixedUnread struct{}

// Unread always returns 1.
func (FixedUnread) Unread(context.Context, int64, string) (int64, error) {
	return 1, nil
}

// UnreadCountStore is the storage needed by StoreUnread.
type UnreadCountStore interface {
	CountUnread(ctx context.Context, conversationID int64, username string) (int64, error)
}

// StoreUnread counts other participants' messages after the recipient's read marker.
type StoreUnread struct {
	Store UnreadCountStore
}

// Unread returns the stored unread count.
func (s StoreUnread) Unread(ctx context.Context, conversationID int64, recipient string) (int64, error) {
	return s.Store.CountUnread(ctx, conversationID, recipient)
}

// NewUnreadCounter returns the counter for strategy. An empty strategy means fixed.
func NewUnreadCounter(strategy string, s UnreadCountStore) (UnreadCounter, error) {
	switch strategy {
	case "", UnreadFixed:
		return FixedUnread{}, nil
	case UnreadStore:
		if s == nil {
			return nil, fmt.Errorf("unread strategy %q requires a store", strategy)
		}
		return StoreUnread{Store: s}, nil
	default:
		return nil, fmt.Errorf("unknown unread strategy %q", strategy)
	}
}
