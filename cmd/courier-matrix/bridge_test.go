// ABOUTME: Tests for the bridge's inject queueing and tier resolution.
// ABOUTME: Uses an httptest server standing in for the courier daemon.

package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBridge(t *testing.T, courierURL string) *Bridge {
	t.Helper()

	cfg := &Config{
		Matrix: MatrixConfig{
			Homeserver:  "https://example.org",
			UserID:      "@courier:example.org",
			AccessToken: "syt_test",
		},
		Courier: CourierConfig{URL: courierURL, Token: "test-token"},
		Bridge: BridgeConfig{
			DefaultTier: "friend",
			Tiers:       map[string]string{"@ana:example.org": "family"},
			GroupRooms:  []string{"!crew:example.org"},
		},
	}
	b, err := NewBridge(cfg, discardLogger())
	require.NoError(t, err)

	b.ctx, b.cancel = context.WithCancel(context.Background())
	t.Cleanup(b.cancel)
	return b
}

func TestInjectQueueDeliversBurstInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	firstInFlight := make(chan struct{})
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req InjectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		mu.Lock()
		got = append(got, req.Text)
		first := len(got) == 1
		mu.Unlock()

		// Hold the first inject open to simulate a slow first-session create.
		if first {
			close(firstInFlight)
			<-release
		}

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(InjectResponse{Status: "queued"})
	}))
	defer srv.Close()

	b := testBridge(t, srv.URL)

	b.enqueueInject(InjectRequest{ID: "@ana:example.org", SenderID: "@ana:example.org", Text: "first", Backend: "matrix", Tier: "family"})

	select {
	case <-firstInFlight:
	case <-time.After(3 * time.Second):
		t.Fatal("first inject never reached the daemon")
	}

	// Arrives while the first inject is still in flight. It must queue
	// behind it, not vanish.
	b.enqueueInject(InjectRequest{ID: "@ana:example.org", SenderID: "@ana:example.org", Text: "second", Backend: "matrix", Tier: "family"})
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestInjectQueueIsPerContact(t *testing.T) {
	var mu sync.Mutex
	var got []string
	blockAna := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req InjectRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.ID == "@ana:example.org" {
			<-blockAna
		}

		mu.Lock()
		got = append(got, req.ID)
		mu.Unlock()

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(InjectResponse{Status: "queued"})
	}))
	defer srv.Close()

	b := testBridge(t, srv.URL)

	b.enqueueInject(InjectRequest{ID: "@ana:example.org", Text: "hi", Backend: "matrix"})
	b.enqueueInject(InjectRequest{ID: "@bo:example.org", Text: "hi", Backend: "matrix"})

	// One contact's slow inject must not hold up another contact.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "@bo:example.org"
	}, 3*time.Second, 5*time.Millisecond)

	close(blockAna)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestTierResolution(t *testing.T) {
	b := testBridge(t, "http://127.0.0.1:0")

	assert.Equal(t, "family", b.tierFor("@ana:example.org"))
	assert.Equal(t, "friend", b.tierFor("@stranger:example.org"))
	assert.True(t, b.isGroupRoom("!crew:example.org"))
	assert.False(t, b.isGroupRoom("!other:example.org"))
}
