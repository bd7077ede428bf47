// Package store provides persistent storage for dm-gateway using SQLite.
//
// # Data Models
//
//   - Conversation: a two-party thread keyed by its canonical dm_key
//   - ConversationMember: one row per participant, original casing kept
//   - Message: immutable message owned by one conversation
//   - ReadMarker: last message a participant has read
//
// # Uniqueness
//
// A unique index on conversations.dm_key guarantees at most one conversation
// per unordered user pair regardless of application-level races. A losing
// concurrent creator receives ErrDuplicateConversation and is expected to
// re-read the winner's row.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single pooled connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// Two drivers are supported: modernc.org/sqlite (DriverModernc, the default)
// and github.com/mattn/go-sqlite3 (DriverCGO).
//
// Timestamps are stored as fixed-width UTC RFC3339 text so that ORDER BY on
// the column is chronological.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateConversation: dm_key already taken
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests; its Before* hooks inject storage faults.
// Use NewSQLiteStore(filepath.Join(t.TempDir(), "test.db")) for integration tests.
package store
