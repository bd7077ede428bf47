// ABOUTME: Maps internal errors to client-visible error codes
// ABOUTME: The single translation point between sentinel errors and wire codes

package dispatch

import (
	"errors"

	"github.com/2389/dm-gateway/internal/conversation"
	"github.com/2389/dm-gateway/internal/session"
)

// Client-visible error codes.
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeUserNotFound    = "USER_NOT_FOUND"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "CONVERSATION_NOT_FOUND"
	CodeSendFailed      = "SEND_FAILED"
	CodeOpenFailed      = "OPEN_FAILED"
)

// Client-visible messages for codes whose wording is fixed.
const (
	msgUserNotFound = "No user with that username."
	msgSelfDM       = "DM with self not allowed"
)

// ErrorCode returns the wire code for err. Anything unrecognized is fallback.
func ErrorCode(err error, fallback string) string {
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, conversation.ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, conversation.ErrUserNotFound):
		return CodeUserNotFound
	case errors.Is(err, conversation.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, conversation.ErrConversationNotFound):
		return CodeNotFound
	default:
		return fallback
	}
}

// ErrorMessage returns a client-safe message for err. Storage details are not exposed.
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrUnauthenticated):
		return "Not authenticated."
	case errors.Is(err, conversation.ErrUserNotFound):
		return msgUserNotFound
	case errors.Is(err, conversation.ErrForbidden):
		return "Not a member of this conversation."
	case errors.Is(err, conversation.ErrConversationNotFound):
		return "No such conversation."
	case errors.Is(err, conversation.ErrInvalidArgument):
		return err.Error()
	default:
		return "Internal error."
	}
}
