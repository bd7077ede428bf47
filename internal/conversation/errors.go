// ABOUTME: Sentinel errors for conversation resolution and dispatch
// ABOUTME: Callers match with errors.Is; storage causes are wrapped

package conversation

import "errors"

var (
	// ErrInvalidArgument is returned for blank identities, self-DMs and invalid content.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUserNotFound is returned when the target identity is unknown.
	ErrUserNotFound = errors.New("user not found")

	// ErrStorageUnavailable wraps persistence failures.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConversationNotFound is returned for an unknown conversation ID.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrForbidden is returned when the caller is not a member of the conversation.
	ErrForbidden = errors.New("forbidden")
)
