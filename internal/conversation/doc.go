// Package conversation resolves direct-message conversations and fans
// outbound envelopes to live sessions.
//
// # Resolver
//
// Resolver maps an unordered pair of identities to exactly one conversation:
//
//	r := conversation.NewResolver(store, logger)
//	conv, err := r.ResolveOrCreate(ctx, "Bob", "alice") // same as ("alice", "Bob")
//
// The canonical key is the lowercased pair ordered case-insensitively
// ("alice:bob"). Creation is optimistic: when a concurrent creator wins the
// unique dm_key index, the loser re-reads the winner's row once. A failed
// re-read surfaces as ErrStorageUnavailable instead of retrying.
//
// # Hub
//
// Hub is per-user pub/sub for connected sessions. Each WebSocket session
// subscribes under its username; Deliver pushes an Envelope to all of them
// without blocking.
//
// # Errors
//
//   - ErrInvalidArgument: blank identity, self-DM, invalid content
//   - ErrUserNotFound: unknown DM target
//   - ErrStorageUnavailable: persistence failure (wraps the cause)
//   - ErrForbidden: caller is not a conversation member
package conversation
