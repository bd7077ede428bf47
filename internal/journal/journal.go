// ABOUTME: Append-only delivery journal recording every accepted DM as one JSON line
// ABOUTME: Notes whether the recipient was connected (LIVE) or not (OFFLINE) at send time

package journal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Status is the recipient's liveness when the message was dispatched.
type Status string

const (
	StatusLive    Status = "LIVE"
	StatusOffline Status = "OFFLINE"
)

// Entry is one journal line.
type Entry struct {
	ConversationID int64
	MessageID      int64
	From           string
	To             string
	Content        string
	Status         Status
}

// Journal writes entries as NDJSON through a slog JSON handler.
type Journal struct {
	out    *slog.Logger
	closer io.Closer
}

// New creates a journal writing to w.
func New(w io.Writer) *Journal {
	return &Journal{out: slog.New(slog.NewJSONHandler(w, nil))}
}

// Open creates (or appends to) the journal file at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	j := New(f)
	j.closer = f
	return j, nil
}

// Record appends an entry. Safe for concurrent use.
func (j *Journal) Record(ctx context.Context, e Entry) {
	j.out.LogAttrs(ctx, slog.LevelInfo, "dm",
		slog.Int64("conv", e.ConversationID),
		slog.Int64("message_id", e.MessageID),
		slog.String("from", e.From),
		slog.String("to", e.To),
		slog.String("content", e.Content),
		slog.String("delivered", string(e.Status)),
	)
}

// Close closes the underlying file, if any.
func (j *Journal) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer.Close()
}
