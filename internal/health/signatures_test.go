// ABOUTME: Tests for the fast health tier signature matcher.
// ABOUTME: Covers builtin signatures, config extras, stuck detection, and inbound immunity.

package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/transcript"
)

func entries(kind string, lines ...string) []transcript.Entry {
	out := make([]transcript.Entry, len(lines))
	for i, line := range lines {
		out[i] = transcript.Entry{Seq: int64(i + 1), SessionID: "s", Kind: kind, Content: line}
	}
	return out
}

func TestScanFatalSignatures(t *testing.T) {
	m, err := NewMatcher(nil)
	require.NoError(t, err)

	tests := []struct {
		name  string
		line  string
		fatal bool
	}{
		{"fatal error", "FATAL ERROR: something broke", true},
		{"panic", "panic: runtime error: index out of range", true},
		{"corrupt session", "session corrupted, cannot continue", true},
		{"api key", "Invalid API key provided", true},
		{"ordinary output", "Here is the weather for today", false},
		{"mentions error benignly", "I fixed the error in your script", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, fatal := m.Scan(entries(transcript.KindText, tt.line))
			assert.Equal(t, tt.fatal, fatal, "reason: %s", reason)
		})
	}
}

func TestScanExtraSignatures(t *testing.T) {
	m, err := NewMatcher([]string{`quota exhausted`})
	require.NoError(t, err)

	_, fatal := m.Scan(entries(transcript.KindText, "daily quota exhausted"))
	assert.True(t, fatal)
}

func TestScanBadExtraSignature(t *testing.T) {
	_, err := NewMatcher([]string{`[unclosed`})
	require.Error(t, err)
}

func TestScanStuckOutput(t *testing.T) {
	m, err := NewMatcher(nil)
	require.NoError(t, err)

	t.Run("repeated line is stuck", func(t *testing.T) {
		lines := []string{"retrying...", "retrying...", "retrying...", "retrying...", "retrying..."}
		reason, fatal := m.Scan(entries(transcript.KindText, lines...))
		assert.True(t, fatal)
		assert.Contains(t, reason, "repeated")
	})

	t.Run("varied output is healthy", func(t *testing.T) {
		lines := []string{"step 1", "step 2", "step 1", "step 2", "step 1"}
		_, fatal := m.Scan(entries(transcript.KindText, lines...))
		assert.False(t, fatal)
	})

	t.Run("short repetition is healthy", func(t *testing.T) {
		lines := []string{"ok", "ok", "ok"}
		_, fatal := m.Scan(entries(transcript.KindText, lines...))
		assert.False(t, fatal)
	})
}

func TestScanIgnoresInbound(t *testing.T) {
	m, err := NewMatcher(nil)
	require.NoError(t, err)

	// A contact typing "panic:" must never restart their own session.
	_, fatal := m.Scan(entries(transcript.KindInbound, "panic: what do I do?"))
	assert.False(t, fatal)
}
