// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverCGO     = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

// timeFormat is fixed-width so that lexical order in SQLite matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path using the pure Go driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDriver(DriverModernc, path)
}

// NewSQLiteStoreWithDriver is NewSQLiteStore with an explicit driver name
// (DriverModernc or DriverCGO).
func NewSQLiteStoreWithDriver(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCGO {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection keeps PRAGMAs (and :memory: databases) consistent and
	// lets SQLite's own locking arbitrate concurrent writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			kind       TEXT NOT NULL DEFAULT 'DM',
			dm_key     TEXT NOT NULL,
			created_at TEXT NOT NULL,

			CHECK (kind IN ('DM'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_dm_key
			ON conversations(dm_key);

		CREATE TABLE IF NOT EXISTS conversation_members (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id),
			username        TEXT NOT NULL,

			UNIQUE(conversation_id, username)
		);

		CREATE INDEX IF NOT EXISTS idx_members_username
			ON conversation_members(username COLLATE NOCASE);

		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id INTEGER NOT NULL REFERENCES conversations(id),
			sender          TEXT NOT NULL,
			content         TEXT NOT NULL,
			sent_at         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_sent
			ON messages(conversation_id, sent_at, id);

		CREATE INDEX IF NOT EXISTS idx_messages_sender
			ON messages(sender COLLATE NOCASE);

		CREATE TABLE IF NOT EXISTS read_markers (
			conversation_id      INTEGER NOT NULL REFERENCES conversations(id),
			username             TEXT NOT NULL COLLATE NOCASE,
			last_read_message_id INTEGER NOT NULL,
			updated_at           TEXT NOT NULL,

			PRIMARY KEY (conversation_id, username)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isUniqueViolation checks if the error is a SQLite UNIQUE constraint violation.
// Both drivers report "UNIQUE constraint failed: <table>.<column>".
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateConversation inserts the conversation row and one membership row per
// member inside a single transaction.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation, members []string) error {
	if conv.Kind == "" {
		conv.Kind = KindDirectMessage
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (kind, dm_key, created_at) VALUES (?, ?, ?)`,
		string(conv.Kind), conv.DMKey, conv.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading conversation id: %w", err)
	}

	for _, username := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_members (conversation_id, username) VALUES (?, ?)`,
			id, username,
		); err != nil {
			return fmt.Errorf("inserting member %q: %w", username, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("committing conversation: %w", err)
	}

	conv.ID = id
	s.logger.Debug("created conversation", "id", id, "dm_key", conv.DMKey)
	return nil
}

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var conv Conversation
	var kind, createdAt string
	if err := row.Scan(&conv.ID, &kind, &conv.DMKey, &createdAt); err != nil {
		return nil, err
	}
	conv.Kind = ConversationKind(kind)

	t, err := time.Parse(timeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.CreatedAt = t
	return &conv, nil
}

// GetConversationByKey retrieves a conversation by its canonical dm_key.
// Returns ErrNotFound if no conversation has that key.
func (s *SQLiteStore) GetConversationByKey(ctx context.Context, dmKey string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, dm_key, created_at FROM conversations WHERE dm_key = ?`, dmKey)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation by key: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, dm_key, created_at FROM conversations WHERE id = ?`, id)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListMembers returns the membership rows of a conversation in insertion order.
func (s *SQLiteStore) ListMembers(ctx context.Context, conversationID int64) ([]ConversationMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, username FROM conversation_members WHERE conversation_id = ? ORDER BY id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying members: %w", err)
	}
	defer rows.Close()

	var members []ConversationMember
	for rows.Next() {
		var m ConversationMember
		if err := rows.Scan(&m.ConversationID, &m.Username); err != nil {
			return nil, fmt.Errorf("scanning member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListConversationsForUser returns every conversation username belongs to,
// oldest first, together with the other participant's name.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, username string) ([]ConversationSummary, error) {
	query := `
		SELECT c.id, c.kind, c.dm_key, c.created_at, other.username
		FROM conversation_members me
		JOIN conversations c ON c.id = me.conversation_id
		JOIN conversation_members other ON other.conversation_id = c.id AND other.id <> me.id
		WHERE me.username = ? COLLATE NOCASE
		ORDER BY c.id
	`
	rows, err := s.db.QueryContext(ctx, query, username)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var (
			sum       ConversationSummary
			kind      string
			createdAt string
		)
		if err := rows.Scan(&sum.Conversation.ID, &kind, &sum.Conversation.DMKey, &createdAt, &sum.OtherUsername); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		sum.Conversation.Kind = ConversationKind(kind)
		if sum.Conversation.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// SaveMessage persists a message and assigns msg.ID.
// SentAt defaults to the current time when zero.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	msg.SentAt = msg.SentAt.UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, sender, content, sent_at) VALUES (?, ?, ?, ?)`,
		msg.ConversationID, msg.Sender, msg.Content, msg.SentAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading message id: %w", err)
	}
	msg.ID = id
	return nil
}

// ListRecentMessages returns the latest limit messages of a conversation in
// chronological order (sent_at, then insertion order).
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, sender, content, sent_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var sentAt string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Sender, &msg.Content, &sentAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if msg.SentAt, err = time.Parse(timeFormat, sentAt); err != nil {
			return nil, fmt.Errorf("parsing sent_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	// Reverse into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MemberExists reports whether username (case-insensitive) has ever been a conversation member.
func (s *SQLiteStore) MemberExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversation_members WHERE username = ? COLLATE NOCASE)`,
		username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking member existence: %w", err)
	}
	return exists, nil
}

// SenderExists reports whether username (case-insensitive) has ever sent a message.
func (s *SQLiteStore) SenderExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE sender = ? COLLATE NOCASE)`,
		username).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking sender existence: %w", err)
	}
	return exists, nil
}

// MarkRead advances the user's read marker. Markers never move backwards.
func (s *SQLiteStore) MarkRead(ctx context.Context, marker *ReadMarker) error {
	if marker.UpdatedAt.IsZero() {
		marker.UpdatedAt = time.Now()
	}
	query := `
		INSERT INTO read_markers (conversation_id, username, last_read_message_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, username) DO UPDATE SET
			last_read_message_id = MAX(last_read_message_id, excluded.last_read_message_id),
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		marker.ConversationID, marker.Username, marker.LastReadMessageID,
		marker.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("upserting read marker: %w", err)
	}
	return nil
}

// CountUnread counts messages from other participants newer than username's read marker.
func (s *SQLiteStore) CountUnread(ctx context.Context, conversationID int64, username string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM messages m
		WHERE m.conversation_id = ?
		  AND m.sender <> ? COLLATE NOCASE
		  AND m.id > COALESCE(
			(SELECT last_read_message_id FROM read_markers
			 WHERE conversation_id = ? AND username = ?), 0)
	`
	var n int64
	if err := s.db.QueryRowContext(ctx, query, conversationID, username, conversationID, username).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return n, nil
}

var _ Store = (*SQLiteStore)(nil)
