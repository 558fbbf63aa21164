// ABOUTME: Tests for the control-plane HTTP API.
// ABOUTME: Exercises auth gating, inject/dedupe, and the session action routes.

package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/agent"
	"github.com/2389/coven-courier/internal/auth"
	"github.com/2389/coven-courier/internal/backend"
	"github.com/2389/coven-courier/internal/dedupe"
	"github.com/2389/coven-courier/internal/health"
	"github.com/2389/coven-courier/internal/registry"
	"github.com/2389/coven-courier/internal/session"
	"github.com/2389/coven-courier/internal/tier"
	"github.com/2389/coven-courier/internal/transcript"
)

// echoConn answers every prompt with a Done event echoing the text.
type echoConn struct {
	events chan agent.Event
	once   sync.Once
}

func (c *echoConn) Prompt(_ context.Context, text string) error {
	c.events <- agent.Event{Type: agent.EventDone, Text: "re: " + text}
	return nil
}

func (c *echoConn) Events() <-chan agent.Event { return c.events }
func (c *echoConn) Connected() bool            { return true }
func (c *echoConn) Close(_ context.Context) error {
	c.once.Do(func() { close(c.events) })
	return nil
}

type echoClient struct{}

func (echoClient) Connect(_ context.Context, _ agent.ConnectOptions) (agent.Conn, error) {
	return &echoConn{events: make(chan agent.Event, 16)}, nil
}

// recordSender counts deliveries.
type recordSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordSender) Send(_ context.Context, _, _, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *recordSender) SendGroup(ctx context.Context, backendName, groupID, text string) error {
	return s.Send(ctx, backendName, groupID, text)
}

func (s *recordSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

type apiFixture struct {
	daemon  *Daemon
	handler http.Handler
	token   string
	sender  *recordSender
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backends, err := backend.NewRegistry("", "imessage")
	require.NoError(t, err)
	matcher, err := health.NewMatcher(nil)
	require.NoError(t, err)

	reg, err := registry.Open(filepath.Join(t.TempDir(), "sessions.json"), 10*time.Millisecond, logger)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	store := transcript.NewMemoryStore()
	sender := &recordSender{}

	manager := session.NewManager(session.ManagerParams{
		Client:      echoClient{},
		Sender:      sender,
		Backends:    backends,
		Tiers:       tier.NewResolver(nil),
		Registry:    reg,
		Transcripts: store,
		Matcher:     matcher,
		Logger:      logger,

		DataDir:        t.TempDir(),
		ConnectTimeout: time.Second,
		TurnTimeout:    time.Second,
		StopTimeout:    time.Second,
		IdleTimeout:    2 * time.Hour,

		HealthInterval:     time.Hour,
		DeepHealthInterval: time.Hour,
	})
	t.Cleanup(manager.StopAll)

	d := &Daemon{
		logger:      logger,
		manager:     manager,
		reg:         reg,
		transcripts: store,
		dedupe:      dedupe.New(10*time.Minute, 100),
	}
	t.Cleanup(d.dedupe.Close)

	verifier := auth.NewJWTVerifier([]byte("test-secret"))
	token, err := verifier.Generate("bridge:test", time.Hour)
	require.NoError(t, err)

	return &apiFixture{
		daemon:  d,
		handler: d.routes(verifier),
		token:   token,
		sender:  sender,
	}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+fx.token)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func injectBody(id, text string) InjectRequest {
	return InjectRequest{
		ID:        id,
		SenderID:  id,
		Text:      text,
		Backend:   "imessage",
		Tier:      "friend",
		Timestamp: time.Unix(1700000000, 0),
	}
}

func TestHealthzIsOpen(t *testing.T) {
	fx := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestAPIRequiresToken(t *testing.T) {
	fx := newAPIFixture(t)

	for _, path := range []string{"/api/inject", "/api/status", "/api/sessions"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		fx.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestInjectQueuesMessage(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/inject", injectBody("ana", "hello"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queued"`)

	require.Eventually(t, func() bool { return fx.sender.count() == 1 }, 3*time.Second, 5*time.Millisecond)
}

func TestInjectDeduplicates(t *testing.T) {
	fx := newAPIFixture(t)
	body := injectBody("ana", "hello")

	rec := fx.do(t, http.MethodPost, "/api/inject", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/inject", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate"`)

	// Only the first delivery reached the session.
	require.Eventually(t, func() bool { return fx.sender.count() == 1 }, 3*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fx.sender.count())
}

func TestInjectDropsUnknownTier(t *testing.T) {
	fx := newAPIFixture(t)

	body := injectBody("stranger", "hello")
	body.Tier = "unknown"

	rec := fx.do(t, http.MethodPost, "/api/inject", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"dropped"`)
	assert.Equal(t, 0, fx.daemon.manager.LiveCount())
}

func TestInjectValidation(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/inject", InjectRequest{Text: "no id"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/inject", InjectRequest{ID: "ana"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/inject", injectBody("ana", "hello"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = fx.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, 1, status.Live)
	assert.Equal(t, "ana", status.Sessions[0].ID)
	assert.Equal(t, "friend", status.Sessions[0].Tier)
}

func TestListSessionsIncludesKilled(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/inject", injectBody("ana", "hello"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/sessions/ana/kill", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, fx.daemon.manager.LiveCount())

	// The record outlives the actor.
	rec = fx.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ana"`)
}

func TestRestartAction(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/inject", injectBody("ana", "hello"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/sessions/ana/restart", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/sessions/nobody/restart", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPromptAction(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/inject", injectBody("ana", "hello"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = fx.do(t, http.MethodPost, "/api/sessions/ana/prompt", PromptRequest{Text: "checking in"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool { return fx.sender.count() == 2 }, 3*time.Second, 5*time.Millisecond)

	rec = fx.do(t, http.MethodPost, "/api/sessions/nobody/prompt", PromptRequest{Text: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnknownAction(t *testing.T) {
	fx := newAPIFixture(t)

	rec := fx.do(t, http.MethodPost, "/api/sessions/ana/explode", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
