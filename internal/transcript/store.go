// ABOUTME: Store interface and entry types for per-session transcript persistence.
// ABOUTME: The health tiers read back recent output from here; the actor writes into it.

package transcript

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Entry kinds. Inbound is contact → agent; everything else is agent output.
const (
	KindInbound    = "inbound"
	KindThinking   = "thinking"
	KindText       = "text"
	KindToolUse    = "tool_use"
	KindToolResult = "tool_result"
	KindError      = "error"
)

// Entry is one transcript line for a session.
type Entry struct {
	// Seq is a store-assigned monotonically increasing sequence number,
	// global across sessions. Health checks use it as a cursor.
	Seq int64

	ID        string
	SessionID string
	Kind      string
	Content   string
	ToolName  string
	ToolID    string
	IsError   bool
	CreatedAt time.Time
}

// Store persists transcript entries for audit and health inspection.
type Store interface {
	// Append writes one entry. Seq and ID are assigned by the store.
	Append(ctx context.Context, e Entry) error

	// Since returns entries for a session with Seq greater than afterSeq,
	// in ascending Seq order, capped at limit.
	Since(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]Entry, error)

	// Recent returns the last n entries for a session in ascending Seq order.
	Recent(ctx context.Context, sessionID string, n int) ([]Entry, error)

	// LastSeq returns the highest sequence number in the store (0 if empty).
	LastSeq(ctx context.Context) (int64, error)

	Close() error
}
