// ABOUTME: Session manager: creates, multiplexes, supervises, and reaps session actors.
// ABOUTME: The single manager lock scopes only map mutation, never connection setup or I/O.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-courier/internal/agent"
	"github.com/2389/coven-courier/internal/backend"
	"github.com/2389/coven-courier/internal/health"
	"github.com/2389/coven-courier/internal/registry"
	"github.com/2389/coven-courier/internal/tier"
	"github.com/2389/coven-courier/internal/transcript"
)

// ErrUnknownTier indicates an inject from an untrusted or unknown tier.
// The message is dropped by policy: no actor, no send primitive, no reply.
var ErrUnknownTier = errors.New("unknown contact tier")

// ErrCreateFailed indicates session creation failed for this inject.
var ErrCreateFailed = errors.New("session creation failed")

// ErrNoLiveSession indicates a restart was requested for a contact with no
// running actor.
var ErrNoLiveSession = errors.New("no live session")

// ContactInfo is what the external contact resolver knows about a sender.
type ContactInfo struct {
	Tier         string
	DisplayName  string
	Backend      string
	IsGroup      bool
	Participants []string
}

// ManagerParams are the construction inputs for a Manager.
type ManagerParams struct {
	Client      agent.Client
	Sender      backend.Sender
	Backends    *backend.Registry
	Tiers       *tier.Resolver
	Registry    *registry.Registry
	Transcripts transcript.Store
	Matcher     *health.Matcher
	Classifier  health.Classifier
	Logger      *slog.Logger

	DataDir        string
	ConnectTimeout time.Duration
	TurnTimeout    time.Duration
	StopTimeout    time.Duration
	IdleTimeout    time.Duration

	HealthInterval     time.Duration
	DeepHealthInterval time.Duration
}

// Manager owns the live actor map. At most one live actor exists per
// contact id; concurrent injects for the same brand-new id collapse into a
// single creation.
type Manager struct {
	p ManagerParams

	mu       sync.Mutex
	actors   map[string]*Actor
	creating map[string]chan struct{}

	// healthCursors tracks, per contact id, the last transcript sequence
	// scanned by the fast health tier. Survives actor restarts so one
	// fatal line triggers exactly one restart.
	cursorMu     sync.Mutex
	healthCursor map[string]int64

	logger *slog.Logger
}

// NewManager creates a Manager. Run starts its periodic tasks.
func NewManager(p ManagerParams) *Manager {
	return &Manager{
		p:            p,
		actors:       make(map[string]*Actor),
		creating:     make(map[string]chan struct{}),
		healthCursor: make(map[string]int64),
		logger:       p.Logger.With("component", "manager"),
	}
}

// Inject routes one inbound message to the contact's session, creating the
// actor if needed. The manager lock covers only the map lookup and the
// creation reservation; prompt construction and the agent connect happen
// unlocked so a slow session start cannot stall unrelated contacts.
func (m *Manager) Inject(ctx context.Context, id, text string, contact ContactInfo) error {
	policy, ok := m.p.Tiers.Lookup(contact.Tier)
	if !ok {
		// Security boundary: categorically no response, no actor, no send.
		m.logger.Debug("dropping message from unknown tier", "tier", contact.Tier)
		return ErrUnknownTier
	}

	for {
		m.mu.Lock()
		if actor, ok := m.actors[id]; ok {
			m.mu.Unlock()
			err := actor.Enqueue(text)
			if err == nil {
				m.p.Registry.Touch(id, time.Now())
				return nil
			}
			// Dead actor: tear it down and fall through to a fresh create.
			m.discard(id, actor)
			continue
		}

		if wait, ok := m.creating[id]; ok {
			// Another inject is creating this session; wait unlocked and
			// enqueue on whatever it produced.
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// Reserve creation for this id while still holding the lock, so a
		// concurrent inject for the same brand-new id cannot race into a
		// duplicate actor.
		done := make(chan struct{})
		m.creating[id] = done
		m.mu.Unlock()

		actor, err := m.createActor(ctx, id, contact, policy)

		m.mu.Lock()
		delete(m.creating, id)
		if err == nil {
			m.actors[id] = actor
		}
		m.mu.Unlock()
		close(done)

		if err != nil {
			return fmt.Errorf("%w: %v", ErrCreateFailed, err)
		}
		return actor.Enqueue(text)
	}
}

// createActor does all the heavy per-session work outside the lock: record
// lookup or creation, prompt construction, resume token resolution, and the
// agent connect.
func (m *Manager) createActor(ctx context.Context, id string, contact ContactInfo, policy tier.Policy) (*Actor, error) {
	bcfg := m.p.Backends.Get(contact.Backend)

	rec, err := m.p.Registry.Get(id)
	if errors.Is(err, registry.ErrNotFound) {
		rec = &registry.SessionRecord{
			ID:            id,
			SessionName:   bcfg.SessionName(id),
			Backend:       bcfg.Name,
			Tier:          policy.Name,
			Model:         modelFor(policy),
			CreatedAt:     time.Now().UTC(),
			LastActivity:  time.Now().UTC(),
			TranscriptDir: fmt.Sprintf("%s/transcripts/%s", m.p.DataDir, bcfg.SessionName(id)),
			Participants:  contact.Participants,
		}
		if err := m.p.Registry.Put(id, rec); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else if rec.Tier != policy.Name {
		// Tier changes are structural: persist immediately.
		rec.Tier = policy.Name
		rec.Model = modelFor(policy)
		if err := m.p.Registry.Put(id, rec); err != nil {
			return nil, err
		}
	}

	actor := NewActor(ActorParams{
		ID:           id,
		SessionName:  rec.SessionName,
		Tier:         policy,
		Model:        rec.Model,
		SystemPrompt: buildSystemPrompt(contact, policy),
		ResumeToken:  rec.ResumeToken,
		WorkDir:      rec.TranscriptDir,
		Backend:      rec.Backend,
		IsGroup:      contact.IsGroup,

		Client:      m.p.Client,
		Sender:      m.p.Sender,
		Registry:    m.p.Registry,
		Transcripts: m.p.Transcripts,
		Logger:      m.logger,

		ConnectTimeout: m.p.ConnectTimeout,
		TurnTimeout:    m.p.TurnTimeout,
	})

	if err := actor.Start(ctx); err != nil {
		return nil, err
	}

	// New actors scan transcript output from now, not from history.
	m.initCursor(ctx, id)

	return actor, nil
}

// discard removes a dead actor from the map if it is still the installed
// one, and stops it with a bounded drain.
func (m *Manager) discard(id string, actor *Actor) {
	m.mu.Lock()
	if m.actors[id] == actor {
		delete(m.actors, id)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.p.StopTimeout)
	defer cancel()
	actor.Stop(ctx)
}

// Kill stops and removes the live actor for id. The registry record stays
// for future resume. Killing an absent id is a no-op.
func (m *Manager) Kill(id string) {
	m.mu.Lock()
	actor, ok := m.actors[id]
	if ok {
		delete(m.actors, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.p.StopTimeout)
	defer cancel()
	actor.Stop(ctx)
	m.logger.Info("session killed", "contact", id)
}

// Restart tears the actor down and immediately recreates it from its
// registry record. Used by health checks and the control API.
func (m *Manager) Restart(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	actor, ok := m.actors[id]
	if ok {
		delete(m.actors, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w for %s", ErrNoLiveSession, id)
	}

	m.logger.Warn("restarting session", "contact", id, "reason", reason)

	stopCtx, cancel := context.WithTimeout(context.Background(), m.p.StopTimeout)
	actor.Stop(stopCtx)
	cancel()

	rec, err := m.p.Registry.Get(id)
	if err != nil {
		return fmt.Errorf("restarting %s: %w", id, err)
	}

	policy, ok := m.p.Tiers.Lookup(rec.Tier)
	if !ok {
		return fmt.Errorf("restarting %s: %w", id, ErrUnknownTier)
	}

	contact := ContactInfo{
		Tier:         rec.Tier,
		Backend:      rec.Backend,
		IsGroup:      len(rec.Participants) > 0,
		Participants: rec.Participants,
	}

	return m.startReserved(ctx, id, contact, policy)
}

// startReserved runs the same reservation dance as Inject for callers that
// already decided to create (restart path).
func (m *Manager) startReserved(ctx context.Context, id string, contact ContactInfo, policy tier.Policy) error {
	m.mu.Lock()
	if _, exists := m.actors[id]; exists {
		m.mu.Unlock()
		return nil
	}
	if _, busy := m.creating[id]; busy {
		m.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	m.creating[id] = done
	m.mu.Unlock()

	actor, err := m.createActor(ctx, id, contact, policy)

	m.mu.Lock()
	delete(m.creating, id)
	if err == nil {
		m.actors[id] = actor
	}
	m.mu.Unlock()
	close(done)

	if err != nil {
		return fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	return nil
}

// SessionStatus is one live session's snapshot for the control API.
type SessionStatus struct {
	ID           string    `json:"id"`
	SessionName  string    `json:"session_name"`
	Tier         string    `json:"tier"`
	Model        string    `json:"model"`
	State        string    `json:"state"`
	Healthy      bool      `json:"healthy"`
	QueueLen     int       `json:"queue_len"`
	Turns        int64     `json:"turns"`
	LastActivity time.Time `json:"last_activity"`
}

// Status returns a snapshot of every live session.
func (m *Manager) Status() []SessionStatus {
	statuses := make([]SessionStatus, 0)
	for id, actor := range m.snapshot() {
		statuses = append(statuses, SessionStatus{
			ID:           id,
			SessionName:  actor.sessionName,
			Tier:         actor.tier.Name,
			Model:        actor.model,
			State:        actor.State().String(),
			Healthy:      actor.Healthy(),
			QueueLen:     actor.QueueLen(),
			Turns:        actor.Turns(),
			LastActivity: actor.LastActivity(),
		})
	}
	return statuses
}

// LiveCount returns the number of live actors.
func (m *Manager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

// Run drives the periodic tasks: fast health checks, deep health checks,
// and idle reaping. Blocks until ctx is cancelled, then stops all actors.
func (m *Manager) Run(ctx context.Context) {
	fast := time.NewTicker(m.p.HealthInterval)
	deep := time.NewTicker(m.p.DeepHealthInterval)
	defer fast.Stop()
	defer deep.Stop()

	for {
		select {
		case <-ctx.Done():
			m.StopAll()
			return
		case <-fast.C:
			m.fastHealthCheck(ctx)
		case <-deep.C:
			m.deepHealthCheck(ctx)
			m.reapIdle()
		}
	}
}

// StopAll stops every live actor with a bounded drain. Called on shutdown;
// the registry flush afterwards is the daemon's job.
func (m *Manager) StopAll() {
	for id, actor := range m.snapshot() {
		ctx, cancel := context.WithTimeout(context.Background(), m.p.StopTimeout)
		actor.Stop(ctx)
		cancel()

		m.mu.Lock()
		delete(m.actors, id)
		m.mu.Unlock()
	}
}

// snapshot copies the live map. Restart and reap iteration always walks a
// snapshot, never the live map.
func (m *Manager) snapshot() map[string]*Actor {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*Actor, len(m.actors))
	for id, actor := range m.actors {
		out[id] = actor
	}
	return out
}

// fastHealthCheck scans each actor's new transcript output for fatal
// signatures and probes basic liveness. Any hit schedules one restart.
func (m *Manager) fastHealthCheck(ctx context.Context) {
	for id, actor := range m.snapshot() {
		cursor := m.getCursor(id)
		entries, err := m.p.Transcripts.Since(ctx, actor.sessionName, cursor, 200)
		if err != nil {
			m.logger.Error("health scan failed", "contact", id, "error", err)
			continue
		}
		if len(entries) > 0 {
			// Advance before restarting so the same line never triggers twice.
			m.setCursor(id, entries[len(entries)-1].Seq)
		}

		if reason, fatal := m.p.Matcher.Scan(entries); fatal {
			if err := m.Restart(ctx, id, reason); err != nil {
				m.logger.Error("health restart failed", "contact", id, "error", err)
			}
			continue
		}

		if !actor.Healthy() {
			if err := m.Restart(ctx, id, "failed health probe"); err != nil {
				m.logger.Error("health restart failed", "contact", id, "error", err)
			}
		}
	}
}

// deepHealthCheck asks the secondary classifier about each session's recent
// transcript. Classifier errors are logged, never treated as a verdict.
func (m *Manager) deepHealthCheck(ctx context.Context) {
	if m.p.Classifier == nil {
		return
	}

	for id, actor := range m.snapshot() {
		entries, err := m.p.Transcripts.Recent(ctx, actor.sessionName, 40)
		if err != nil {
			m.logger.Error("deep health read failed", "contact", id, "error", err)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		lines := make([]string, 0, len(entries))
		for _, e := range entries {
			lines = append(lines, fmt.Sprintf("[%s] %s", e.Kind, e.Content))
		}

		stuck, err := m.p.Classifier.Assess(ctx, actor.sessionName, lines)
		if err != nil {
			m.logger.Error("classifier error", "contact", id, "error", err)
			continue
		}
		if stuck {
			if err := m.Restart(ctx, id, "classifier verdict: stuck"); err != nil {
				m.logger.Error("deep health restart failed", "contact", id, "error", err)
			}
		}
	}
}

// reapIdle tears down ordinary sessions idle beyond the timeout. The
// registry record is untouched so the conversation resumes later.
func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.p.IdleTimeout)

	for id, actor := range m.snapshot() {
		if actor.tier.Pinned {
			continue
		}
		if actor.LastActivity().After(cutoff) {
			continue
		}

		m.logger.Info("reaping idle session", "contact", id, "idle_since", actor.LastActivity())
		m.Kill(id)
	}
}

func (m *Manager) getCursor(id string) int64 {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	return m.healthCursor[id]
}

func (m *Manager) setCursor(id string, seq int64) {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	m.healthCursor[id] = seq
}

// initCursor points the health scan at the end of the transcript so a new
// actor is never blamed for its predecessor's output.
func (m *Manager) initCursor(ctx context.Context, id string) {
	seq, err := m.p.Transcripts.LastSeq(ctx)
	if err != nil {
		m.logger.Error("reading transcript cursor", "contact", id, "error", err)
		return
	}
	m.setCursor(id, seq)
}

// modelFor picks the session model from tier policy.
func modelFor(policy tier.Policy) string {
	return policy.Model
}

// buildSystemPrompt assembles the per-contact system prompt. Deliberately
// cheap: anything slow here would run outside the lock anyway, but session
// creation latency is contact-visible.
func buildSystemPrompt(contact ContactInfo, policy tier.Policy) string {
	name := contact.DisplayName
	if name == "" {
		name = "an unnamed contact"
	}

	prompt := fmt.Sprintf(
		"You are a personal assistant conversing with %s (trust tier: %s) over a messaging transport. "+
			"Keep replies concise and conversational; this is a chat, not a document.",
		name, policy.Name,
	)
	if contact.IsGroup {
		prompt += " This is a group conversation; address the group, not one person."
	}
	return prompt
}
