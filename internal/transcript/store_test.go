// ABOUTME: Tests for the transcript store implementations.
// ABOUTME: Runs the same contract suite against SQLite and the in-memory store.

package transcript

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "transcript.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func TestAppendAndRecent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, content := range []string{"one", "two", "three"} {
				require.NoError(t, s.Append(ctx, Entry{
					SessionID: "sess-a",
					Kind:      KindText,
					Content:   content,
				}))
			}
			require.NoError(t, s.Append(ctx, Entry{
				SessionID: "sess-b",
				Kind:      KindInbound,
				Content:   "other session",
			}))

			got, err := s.Recent(ctx, "sess-a", 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "two", got[0].Content)
			assert.Equal(t, "three", got[1].Content)
			assert.Less(t, got[0].Seq, got[1].Seq)
		})
	}
}

func TestSinceCursor(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				require.NoError(t, s.Append(ctx, Entry{
					SessionID: "sess-a",
					Kind:      KindText,
					Content:   "line",
				}))
			}

			first, err := s.Since(ctx, "sess-a", 0, 100)
			require.NoError(t, err)
			require.Len(t, first, 5)

			cursor := first[len(first)-1].Seq
			rest, err := s.Since(ctx, "sess-a", cursor, 100)
			require.NoError(t, err)
			assert.Empty(t, rest)

			require.NoError(t, s.Append(ctx, Entry{
				SessionID: "sess-a",
				Kind:      KindError,
				Content:   "boom",
			}))
			rest, err = s.Since(ctx, "sess-a", cursor, 100)
			require.NoError(t, err)
			require.Len(t, rest, 1)
			assert.Equal(t, KindError, rest[0].Kind)
		})
	}
}

func TestSinceLimit(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 10; i++ {
				require.NoError(t, s.Append(ctx, Entry{SessionID: "sess-a", Kind: KindText, Content: "x"}))
			}
			got, err := s.Since(ctx, "sess-a", 0, 3)
			require.NoError(t, err)
			assert.Len(t, got, 3)
		})
	}
}

func TestLastSeq(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			seq, err := s.LastSeq(ctx)
			require.NoError(t, err)
			assert.Zero(t, seq)

			require.NoError(t, s.Append(ctx, Entry{SessionID: "sess-a", Kind: KindText, Content: "x"}))
			seq, err = s.LastSeq(ctx)
			require.NoError(t, err)
			assert.Positive(t, seq)
		})
	}
}

func TestToolFieldsRoundTrip(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Append(ctx, Entry{
				SessionID: "sess-a",
				Kind:      KindToolResult,
				Content:   "output",
				ToolName:  "bash",
				ToolID:    "t1",
				IsError:   true,
			}))

			got, err := s.Recent(ctx, "sess-a", 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "bash", got[0].ToolName)
			assert.Equal(t, "t1", got[0].ToolID)
			assert.True(t, got[0].IsError)
		})
	}
}
