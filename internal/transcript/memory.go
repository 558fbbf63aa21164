// ABOUTME: In-memory Store implementation for tests and ephemeral runs.
// ABOUTME: Mirrors the SQLite semantics including sequence assignment.

package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a volatile Store used in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	nextSeq int64
}

// NewMemoryStore creates an empty in-memory transcript store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextSeq: 1}
}

// Append assigns Seq/ID and stores the entry.
func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.Seq = m.nextSeq
	m.nextSeq++
	e.ID = uuid.New().String()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.entries = append(m.entries, e)
	return nil
}

// Since returns entries for a session after the cursor.
func (m *MemoryStore) Since(_ context.Context, sessionID string, afterSeq int64, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if e.SessionID == sessionID && e.Seq > afterSeq {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// Recent returns the last n entries for a session in ascending order.
func (m *MemoryStore) Recent(_ context.Context, sessionID string, n int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []Entry
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			all = append(all, e)
		}
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

// LastSeq returns the highest assigned sequence number.
func (m *MemoryStore) LastSeq(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextSeq - 1, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}
