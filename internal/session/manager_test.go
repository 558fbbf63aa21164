// ABOUTME: Tests for the session manager: creation collapsing, tier gating,
// ABOUTME: health-driven restarts, idle reaping, and resume across restarts.

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-courier/internal/backend"
	"github.com/2389/coven-courier/internal/health"
	"github.com/2389/coven-courier/internal/registry"
	"github.com/2389/coven-courier/internal/tier"
	"github.com/2389/coven-courier/internal/transcript"
)

// stubClassifier replays a fixed sequence of verdicts, then reports healthy.
type stubClassifier struct {
	mu       sync.Mutex
	verdicts []bool
	err      error
	calls    int
}

func (c *stubClassifier) Assess(_ context.Context, _ string, _ []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return false, c.err
	}
	if len(c.verdicts) == 0 {
		return false, nil
	}
	v := c.verdicts[0]
	c.verdicts = c.verdicts[1:]
	return v, nil
}

type managerFixture struct {
	m      *Manager
	client *fakeClient
	sender *fakeSender
	reg    *registry.Registry
	store  *transcript.MemoryStore
}

func newTestManager(t *testing.T, client *fakeClient, classifier health.Classifier) *managerFixture {
	t.Helper()

	backends, err := backend.NewRegistry("", "imessage")
	require.NoError(t, err)
	matcher, err := health.NewMatcher(nil)
	require.NoError(t, err)

	reg := testRegistry(t)
	store := transcript.NewMemoryStore()
	sender := &fakeSender{}

	m := NewManager(ManagerParams{
		Client:      client,
		Sender:      sender,
		Backends:    backends,
		Tiers:       tier.NewResolver(nil),
		Registry:    reg,
		Transcripts: store,
		Matcher:     matcher,
		Classifier:  classifier,
		Logger:      discardLogger(),

		DataDir:        t.TempDir(),
		ConnectTimeout: time.Second,
		TurnTimeout:    time.Second,
		StopTimeout:    time.Second,
		IdleTimeout:    2 * time.Hour,

		HealthInterval:     time.Hour,
		DeepHealthInterval: time.Hour,
	})
	t.Cleanup(m.StopAll)

	return &managerFixture{m: m, client: client, sender: sender, reg: reg, store: store}
}

func friendContact() ContactInfo {
	return ContactInfo{Tier: "friend", DisplayName: "Ana", Backend: "imessage"}
}

// soleActor returns the single live actor, failing the test otherwise.
func (fx *managerFixture) soleActor(t *testing.T) *Actor {
	t.Helper()
	snap := fx.m.snapshot()
	require.Len(t, snap, 1)
	for _, a := range snap {
		return a
	}
	return nil
}

func TestInjectCollapsesConcurrentCreation(t *testing.T) {
	client := &fakeClient{delay: 30 * time.Millisecond}
	fx := newTestManager(t, client, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fx.m.Inject(ctx, "c1", fmt.Sprintf("msg-%d", i), friendContact())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "inject %d", i)
	}

	assert.Equal(t, 1, client.connectCount())
	assert.Equal(t, 1, fx.m.LiveCount())

	// All ten messages funnel through the one connection, one turn each.
	require.Eventually(t, func() bool { return client.conn(0).promptCount() == 10 }, waitFor, tick)
}

func TestInjectDropsUnknownTier(t *testing.T) {
	client := &fakeClient{}
	fx := newTestManager(t, client, nil)

	err := fx.m.Inject(context.Background(), "stranger", "let me in", ContactInfo{Tier: "nemesis"})
	require.ErrorIs(t, err, ErrUnknownTier)

	assert.Equal(t, 0, client.connectCount())
	assert.Equal(t, 0, fx.m.LiveCount())
	assert.Equal(t, 0, fx.sender.count())

	_, err = fx.reg.Get("stranger")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestInjectRecreatesDeadActor(t *testing.T) {
	client := &fakeClient{}
	fx := newTestManager(t, client, nil)
	ctx := context.Background()

	require.NoError(t, fx.m.Inject(ctx, "c1", "hello", friendContact()))
	require.Eventually(t, func() bool { return fx.sender.count() == 1 }, waitFor, tick)

	// Kill the actor behind the manager's back; the next inject must notice
	// and build a fresh one instead of failing.
	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	fx.soleActor(t).Stop(stopCtx)
	cancel()

	require.NoError(t, fx.m.Inject(ctx, "c1", "anyone there?", friendContact()))
	assert.Equal(t, 2, client.connectCount())
	assert.Equal(t, 1, fx.m.LiveCount())
}

func TestInjectConnectFailure(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("spawn failed")}
	fx := newTestManager(t, client, nil)
	ctx := context.Background()

	err := fx.m.Inject(ctx, "c1", "hello", friendContact())
	require.ErrorIs(t, err, ErrCreateFailed)
	assert.Equal(t, 0, fx.m.LiveCount())

	// The reservation must not leak; the retry fails the same way instead
	// of deadlocking.
	err = fx.m.Inject(ctx, "c1", "hello again", friendContact())
	require.ErrorIs(t, err, ErrCreateFailed)
}

func TestKillRetainsRegistryRecord(t *testing.T) {
	client := &fakeClient{}
	fx := newTestManager(t, client, nil)
	ctx := context.Background()

	require.NoError(t, fx.m.Inject(ctx, "c1", "hello", friendContact()))
	require.Eventually(t, func() bool { return fx.sender.count() == 1 }, waitFor, tick)

	fx.m.Kill("c1")
	assert.Equal(t, 0, fx.m.LiveCount())

	rec, err := fx.reg.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, "friend", rec.Tier)

	// Killing an absent session is a no-op.
	fx.m.Kill("c1")
}

func TestRestartResumesFromPersistedToken(t *testing.T) {
	client := &fakeClient{configure: func(c *fakeConn) { c.resumeTok = "tok-9" }}
	fx := newTestManager(t, client, nil)
	ctx := context.Background()

	require.NoError(t, fx.m.Inject(ctx, "c1", "remember this", friendContact()))
	require.Eventually(t, func() bool {
		rec, err := fx.reg.Get("c1")
		return err == nil && rec.ResumeToken == "tok-9"
	}, waitFor, tick)

	require.NoError(t, fx.m.Restart(ctx, "c1", "test"))

	require.Equal(t, 2, client.connectCount())
	assert.Equal(t, "tok-9", client.connectOpts(1).ResumeToken)
	assert.Equal(t, 1, fx.m.LiveCount())
}

func TestReapIdleSession(t *testing.T) {
	client := &fakeClient{}
	fx := newTestManager(t, client, nil)
	ctx := context.Background()

	require.NoError(t, fx.m.Inject(ctx, "c1", "hello", friendContact()))
	require.Eventually(t, func() bool { return fx.sender.count() == 1 }, waitFor, tick)

	fx.soleActor(t).lastActivity.Store(time.Now().Add(-3 * time.Hour).UnixNano())

	fx.m.reapIdle()
	assert.Equal(t, 0, fx.m.LiveCount())

	// The record survives so the conversation resumes later.
	_, err := fx.reg.Get("c1")
	require.NoError(t, err)

	// Reaping again finds nothing to do.
	fx.m.reapIdle()
}

func TestReapSkipsPinnedSessions(t *testing.T) {
	client := &fakeClient{}
	fx := newTestManager(t, client, nil)
	ctx := context.Background()

	owner := ContactInfo{Tier: "owner", DisplayName: "Boss", Backend: "imessage"}
	require.NoError(t, fx.m.Inject(ctx, "boss", "status?", owner))
	require.Eventually(t, func() bool { return fx.sender.count() == 1 }, waitFor, tick)

	fx.soleActor(t).lastActivity.Store(time.Now().Add(-24 * time.Hour).UnixNano())

	fx.m.reapIdle()
	assert.Equal(t, 1, fx.m.LiveCount())
}

func TestFastHealthRestartsOnceOnFatalLine(t *testing.T) {
	client := &fakeClient{}
	fx := newTestManager(t, client, nil)
	ctx := context.Background()

	require.NoError(t, fx.m.Inject(ctx, "c1", "hello", friendContact()))
	require.Eventually(t, func() bool { return fx.sender.count() == 1 }, waitFor, tick)

	actor := fx.soleActor(t)
	require.NoError(t, fx.store.Append(ctx, transcript.Entry{
		SessionID: actor.sessionName,
		Kind:      transcript.KindText,
		Content:   "fatal error: session state corrupted",
	}))

	fx.m.fastHealthCheck(ctx)
	require.Equal(t, 2, client.connectCount())

	// The scan cursor moved past the fatal line: the replacement actor is
	// not blamed for it.
	require.Eventually(t, func() bool { return fx.soleActor(t).Healthy() }, waitFor, tick)
	fx.m.fastHealthCheck(ctx)
	assert.Equal(t, 2, client.connectCount())
}

func TestDeepHealthRestartsOnStuckVerdict(t *testing.T) {
	classifier := &stubClassifier{verdicts: []bool{true}}
	client := &fakeClient{}
	fx := newTestManager(t, client, classifier)
	ctx := context.Background()

	require.NoError(t, fx.m.Inject(ctx, "c1", "hello", friendContact()))
	require.Eventually(t, func() bool { return fx.sender.count() == 1 }, waitFor, tick)

	fx.m.deepHealthCheck(ctx)
	require.Equal(t, 2, client.connectCount())

	require.Eventually(t, func() bool { return fx.soleActor(t).Healthy() }, waitFor, tick)
	fx.m.deepHealthCheck(ctx)
	assert.Equal(t, 2, client.connectCount())
}

func TestDeepHealthIgnoresClassifierErrors(t *testing.T) {
	classifier := &stubClassifier{err: errors.New("api unavailable")}
	client := &fakeClient{}
	fx := newTestManager(t, client, classifier)
	ctx := context.Background()

	require.NoError(t, fx.m.Inject(ctx, "c1", "hello", friendContact()))
	require.Eventually(t, func() bool { return fx.sender.count() == 1 }, waitFor, tick)

	// No verdict means no restart, ever.
	fx.m.deepHealthCheck(ctx)
	assert.Equal(t, 1, client.connectCount())
}

func TestStatusSnapshot(t *testing.T) {
	client := &fakeClient{}
	fx := newTestManager(t, client, nil)
	ctx := context.Background()

	require.NoError(t, fx.m.Inject(ctx, "c1", "hello", friendContact()))
	require.Eventually(t, func() bool { return fx.sender.count() == 1 }, waitFor, tick)

	statuses := fx.m.Status()
	require.Len(t, statuses, 1)
	s := statuses[0]
	assert.Equal(t, "c1", s.ID)
	assert.Equal(t, "friend", s.Tier)
	assert.Equal(t, "running", s.State)
	assert.Equal(t, int64(1), s.Turns)
	assert.True(t, s.Healthy)
}

func TestStopAll(t *testing.T) {
	client := &fakeClient{}
	fx := newTestManager(t, client, nil)
	ctx := context.Background()

	require.NoError(t, fx.m.Inject(ctx, "c1", "hi", friendContact()))
	require.NoError(t, fx.m.Inject(ctx, "c2", "hi", friendContact()))
	require.Eventually(t, func() bool { return fx.sender.count() == 2 }, waitFor, tick)

	fx.m.StopAll()
	assert.Equal(t, 0, fx.m.LiveCount())
}
