// Package session binds a verified identity to a connection.
//
// A connection's first frame must be CONNECT carrying
// "Authorization: Bearer <jwt>". Binder.Connect verifies the token once,
// returns the connection's Session and marks the identity online. Every later
// frame is attributed with Binder.Stamp, which reads the cached identity and
// never looks at frame headers. Binder.Disconnect is idempotent and marks the
// identity offline exactly once per session.
package session
