// Package dispatch implements the direct-message protocol: Send persists a
// message and fans it out to live sessions, Open resolves a conversation for
// a target user, and History, MarkRead and Conversations serve reads.
//
// Persistence never depends on presence. Delivery is fire-and-forget through
// a Deliverer, and the recipient's notification carries an unread count from
// a pluggable UnreadCounter ("fixed" or "store").
//
// ErrorCode and ErrorMessage are the single translation point from sentinel
// errors to client-visible codes.
package dispatch
