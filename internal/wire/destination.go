// ABOUTME: Destination parsing and matching for inbound app routes and outbound user queues
// ABOUTME: Inbound routes look like /app/dm/{target}/{action}

package wire

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Outbound user destinations.
const (
	DestNotify = "/user/queue/dm/notify"
	DestOpen   = "/user/queue/dm/open"
	DestErrors = "/user/queue/errors"

	conversationPrefix = "/user/queue/dm/"
	appPrefix          = "/app/dm/"
)

// ErrUnknownDestination is returned for inbound destinations that match no route.
var ErrUnknownDestination = errors.New("unknown destination")

// Action is the verb of an inbound app destination.
type Action string

const (
	ActionSend Action = "send"
	ActionOpen Action = "open"
	ActionRead Action = "read"
)

// Route is a parsed inbound destination.
// Target is the other username for send/open and the conversation ID for read.
type Route struct {
	Target string
	Action Action
}

// ConversationID parses Target as a conversation ID.
func (r Route) ConversationID() (int64, error) {
	id, err := strconv.ParseInt(r.Target, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad conversation id %q", ErrUnknownDestination, r.Target)
	}
	return id, nil
}

// ParseAppDestination parses /app/dm/{target}/{action}. The target segment is
// path-unescaped.
func ParseAppDestination(dest string) (Route, error) {
	rest, ok := strings.CutPrefix(dest, appPrefix)
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownDestination, dest)
	}

	target, action, ok := strings.Cut(rest, "/")
	if !ok || target == "" || strings.Contains(action, "/") {
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownDestination, dest)
	}

	target, err := url.PathUnescape(target)
	if err != nil {
		return Route{}, fmt.Errorf("%w: %q: %w", ErrUnknownDestination, dest, err)
	}

	switch a := Action(action); a {
	case ActionSend, ActionOpen, ActionRead:
		return Route{Target: target, Action: a}, nil
	default:
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownDestination, dest)
	}
}

// ConversationDestination is the per-conversation user queue for message DTOs.
func ConversationDestination(conversationID int64) string {
	return conversationPrefix + strconv.FormatInt(conversationID, 10)
}

// AlwaysDelivered reports whether dest reaches a session without a subscription.
func AlwaysDelivered(dest string) bool {
	return dest == DestOpen || dest == DestErrors
}

// MatchDestination reports whether dest matches pattern. A trailing "*" in the
// pattern matches any suffix.
func MatchDestination(pattern, dest string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(dest, prefix)
	}
	return pattern == dest
}
