// ABOUTME: Tests for the session registry: durability, debounce, and atomic writes.
// ABOUTME: Includes a simulated crash between debounced writes checking the staleness bound.

package registry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, debounce time.Duration) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.json")
	r, err := Open(path, debounce, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, path
}

func testRecord(id string) *SessionRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return &SessionRecord{
		ID:            id,
		SessionName:   id + "-imsg",
		Backend:       "imessage",
		Tier:          "family",
		Model:         "claude-sonnet-4-5",
		CreatedAt:     now,
		LastActivity:  now,
		TranscriptDir: "/tmp/transcripts/" + id,
	}
}

func readDocument(t *testing.T, path string) *document {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc document
	require.NoError(t, json.Unmarshal(data, &doc))
	return &doc
}

func TestPutGetRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t, time.Second)

	rec := testRecord("+15555550123")
	rec.Participants = []string{"+1555", "+1666"}
	require.NoError(t, r.Put(rec.ID, rec))

	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	t.Run("returned record is a copy", func(t *testing.T) {
		got.Tier = "mutated"
		got.Participants[0] = "mutated"
		again, err := r.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "family", again.Tier)
		assert.Equal(t, "+1555", again.Participants[0])
	})
}

func TestGetMissing(t *testing.T) {
	r, _ := newTestRegistry(t, time.Second)

	_, err := r.Get("+19999999999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStructuralWritesAreImmediate(t *testing.T) {
	r, path := newTestRegistry(t, time.Hour) // debounce can never fire

	rec := testRecord("+15555550123")
	require.NoError(t, r.Put(rec.ID, rec))

	doc := readDocument(t, path)
	require.Contains(t, doc.Sessions, rec.ID)
	assert.Equal(t, documentVersion, doc.Version)

	require.NoError(t, r.Remove(rec.ID))
	doc = readDocument(t, path)
	assert.NotContains(t, doc.Sessions, rec.ID)
}

func TestRemoveAbsentIsNoop(t *testing.T) {
	r, path := newTestRegistry(t, time.Second)

	require.NoError(t, r.Remove("+19999999999"))
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist, "no-op remove should not create the document")
}

func TestDebouncedResumeToken(t *testing.T) {
	r, path := newTestRegistry(t, 50*time.Millisecond)

	rec := testRecord("+15555550123")
	require.NoError(t, r.Put(rec.ID, rec))

	r.SetResumeToken(rec.ID, "resume-abc")

	// Before the debounce window, the document may still be stale.
	doc := readDocument(t, path)
	assert.Empty(t, doc.Sessions[rec.ID].ResumeToken)

	// One debounce interval later the token must be durable.
	require.Eventually(t, func() bool {
		return readDocument(t, path).Sessions[rec.ID].ResumeToken == "resume-abc"
	}, time.Second, 10*time.Millisecond, "token not persisted within the staleness bound")
}

func TestCrashBetweenDebouncedWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	r, err := Open(path, time.Hour, slog.Default())
	require.NoError(t, err)

	rec := testRecord("+15555550123")
	require.NoError(t, r.Put(rec.ID, rec))
	r.SetResumeToken(rec.ID, "never-flushed")
	// Simulated crash: drop the registry without Flush or Close.

	reopened, err := Open(path, time.Second, slog.Default())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(rec.ID)
	require.NoError(t, err)
	// The token is no staler than the last structural write: empty, not garbage.
	assert.Empty(t, got.ResumeToken)
	assert.Equal(t, rec.SessionName, got.SessionName)
}

func TestFlushOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	r, err := Open(path, time.Hour, slog.Default())
	require.NoError(t, err)

	rec := testRecord("+15555550123")
	require.NoError(t, r.Put(rec.ID, rec))
	r.SetResumeToken(rec.ID, "resume-final")
	require.NoError(t, r.Close())

	doc := readDocument(t, path)
	assert.Equal(t, "resume-final", doc.Sessions[rec.ID].ResumeToken)
}

func TestTouchUpdatesActivity(t *testing.T) {
	r, _ := newTestRegistry(t, 20*time.Millisecond)

	rec := testRecord("+15555550123")
	require.NoError(t, r.Put(rec.ID, rec))

	later := rec.LastActivity.Add(time.Hour)
	r.Touch(rec.ID, later)

	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.True(t, got.LastActivity.Equal(later))
}

func TestTouchUnknownIDIsNoop(t *testing.T) {
	r, _ := newTestRegistry(t, 20*time.Millisecond)
	r.Touch("+19999999999", time.Now())
	r.SetResumeToken("+19999999999", "orphan")

	assert.Empty(t, r.SnapshotAll())
}

func TestSnapshotAll(t *testing.T) {
	r, _ := newTestRegistry(t, time.Second)

	require.NoError(t, r.Put("+1555", testRecord("+1555")))
	require.NoError(t, r.Put("+1666", testRecord("+1666")))

	snap := r.SnapshotAll()
	require.Len(t, snap, 2)

	// Mutating the snapshot must not affect the registry.
	snap["+1555"].Tier = "mutated"
	got, err := r.Get("+1555")
	require.NoError(t, err)
	assert.Equal(t, "family", got.Tier)
}

func TestReloadAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	r, err := Open(path, time.Second, slog.Default())
	require.NoError(t, err)
	rec := testRecord("+15555550123")
	rec.ResumeToken = "resume-xyz"
	require.NoError(t, r.Put(rec.ID, rec))
	require.NoError(t, r.Close())

	reopened, err := Open(path, time.Second, slog.Default())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "resume-xyz", got.ResumeToken)
}

func TestWriteFileAtomicLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	require.NoError(t, writeFileAtomic(path, []byte("{}\n")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doc.json", entries[0].Name())
}
