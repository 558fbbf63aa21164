// ABOUTME: Session actor owning one live agent connection for one contact.
// ABOUTME: Runs independent send and receive tasks over a never-blocking inbound queue.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-courier/internal/agent"
	"github.com/2389/coven-courier/internal/backend"
	"github.com/2389/coven-courier/internal/registry"
	"github.com/2389/coven-courier/internal/tier"
	"github.com/2389/coven-courier/internal/transcript"
)

// ErrActorStopped indicates an enqueue on an actor that has shut down; the
// caller should discard the actor and create a fresh one.
var ErrActorStopped = errors.New("session actor stopped")

// ErrConnectionLost indicates the agent connection closed mid-session.
var ErrConnectionLost = errors.New("agent connection lost")

// State is the actor lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateErroring
	StateStopped
)

// String returns the status label for a state.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateErroring:
		return "erroring"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	// errorThreshold is the consecutive-error count at which an actor gives
	// up and reports itself dead instead of retrying in place.
	errorThreshold = 3

	// spuriousCancelLimit bounds context cancellations observed outside
	// shutdown. Past the limit the actor fails safe and treats them as a
	// real shutdown. The counter resets on the next clean turn.
	spuriousCancelLimit = 50
)

// ActorParams are the construction inputs for an Actor.
type ActorParams struct {
	ID           string
	SessionName  string
	Tier         tier.Policy
	Model        string
	SystemPrompt string
	ResumeToken  string
	WorkDir      string
	Backend      string
	IsGroup      bool

	Client      agent.Client
	Sender      backend.Sender
	Registry    *registry.Registry
	Transcripts transcript.Store
	Logger      *slog.Logger

	ConnectTimeout time.Duration
	TurnTimeout    time.Duration
}

// Actor owns exactly one live agent connection for one contact or group.
// All inbound text funnels through Enqueue; the send task drains the queue
// one item at a time while the receive task consumes the agent's stream.
type Actor struct {
	id          string
	sessionName string
	tier        tier.Policy
	model       string
	backendName string
	isGroup     bool

	client      agent.Client
	sender      backend.Sender
	reg         *registry.Registry
	transcripts transcript.Store
	logger      *slog.Logger

	connectTimeout time.Duration
	turnTimeout    time.Duration
	backoffUnit    time.Duration
	connectOpts    agent.ConnectOptions

	conn agent.Conn

	queueMu sync.Mutex
	queue   []string
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state           atomic.Int32
	errorCount      atomic.Int32
	spuriousCancels atomic.Int32
	turnsUsed       atomic.Int64
	lastActivity    atomic.Int64 // unix nanos
	recvAlive       atomic.Bool
	shuttingDown    atomic.Bool

	// turnDone carries the outcome of the in-flight turn from the receive
	// task to the send task.
	turnDone chan error
}

// NewActor constructs an actor; Start must be called before Enqueue.
func NewActor(p ActorParams) *Actor {
	a := &Actor{
		id:          p.ID,
		sessionName: p.SessionName,
		tier:        p.Tier,
		model:       p.Model,
		backendName: p.Backend,
		isGroup:     p.IsGroup,

		client:      p.Client,
		sender:      p.Sender,
		reg:         p.Registry,
		transcripts: p.Transcripts,
		logger:      p.Logger.With("session", p.SessionName),

		connectTimeout: p.ConnectTimeout,
		turnTimeout:    p.TurnTimeout,
		backoffUnit:    time.Second,
		connectOpts: agent.ConnectOptions{
			SessionName:  p.SessionName,
			Model:        p.Model,
			SystemPrompt: p.SystemPrompt,
			ResumeToken:  p.ResumeToken,
			WorkDir:      p.WorkDir,
		},

		wake:     make(chan struct{}, 1),
		turnDone: make(chan error, 1),
	}
	a.state.Store(int32(StateStarting))
	a.lastActivity.Store(time.Now().UnixNano())
	return a
}

// Start opens the agent connection (resuming when a token is present) and
// launches the send and receive tasks. A connect error leaves the actor
// stopped; it holds no resources.
func (a *Actor) Start(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, a.connectTimeout)
	defer cancel()

	conn, err := a.client.Connect(connectCtx, a.connectOpts)
	if err != nil {
		a.state.Store(int32(StateStopped))
		return fmt.Errorf("starting session %s: %w", a.sessionName, err)
	}

	a.conn = conn
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.state.Store(int32(StateRunning))

	a.wg.Add(2)
	go a.sendLoop()
	go a.recvLoop()

	a.logger.Info("session actor started",
		"contact", a.id,
		"model", a.model,
		"resumed", a.connectOpts.ResumeToken != "",
	)
	return nil
}

// Enqueue appends inbound text to the queue. It never blocks: if a turn is
// in flight, the text simply becomes the next unit of conversation without
// cancelling anything already dispatched.
func (a *Actor) Enqueue(text string) error {
	if a.State() == StateStopped {
		return ErrActorStopped
	}

	a.queueMu.Lock()
	a.queue = append(a.queue, text)
	a.queueMu.Unlock()
	a.lastActivity.Store(time.Now().UnixNano())

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop signals both tasks to end, waits for them up to the ctx deadline,
// closes the connection, and flushes the final resume token.
func (a *Actor) Stop(ctx context.Context) error {
	if a.shuttingDown.Swap(true) {
		return nil
	}
	a.state.Store(int32(StateStopped))
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("session tasks did not drain before deadline", "contact", a.id)
	}

	var err error
	if a.conn != nil {
		err = a.conn.Close(ctx)
	}

	// Final token flush: the registry already holds the latest token from
	// the receive task; make it durable now rather than one debounce later.
	if flushErr := a.reg.Flush(); flushErr != nil && err == nil {
		err = flushErr
	}

	a.logger.Info("session actor stopped", "contact", a.id, "turns", a.turnsUsed.Load())
	return err
}

// Healthy reports whether the actor can keep serving turns: receive task
// alive, error count below threshold, connection up.
func (a *Actor) Healthy() bool {
	return a.State() != StateStopped &&
		a.recvAlive.Load() &&
		a.errorCount.Load() < errorThreshold &&
		a.conn != nil && a.conn.Connected()
}

// State returns the current lifecycle state.
func (a *Actor) State() State {
	return State(a.state.Load())
}

// LastActivity returns the time of the last enqueue or completed turn.
func (a *Actor) LastActivity() time.Time {
	return time.Unix(0, a.lastActivity.Load())
}

// QueueLen returns the number of undelivered inbound messages.
func (a *Actor) QueueLen() int {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	return len(a.queue)
}

// Turns returns the number of completed turns.
func (a *Actor) Turns() int64 {
	return a.turnsUsed.Load()
}

// dequeue pops the oldest queued message.
func (a *Actor) dequeue() (string, bool) {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	if len(a.queue) == 0 {
		return "", false
	}
	text := a.queue[0]
	a.queue = a.queue[1:]
	return text, true
}

// sendLoop drains the inbound queue one item at a time, issuing a turn per
// item and waiting for its completion before the next.
func (a *Actor) sendLoop() {
	defer a.wg.Done()

	for {
		text, ok := a.dequeue()
		if !ok {
			select {
			case <-a.ctx.Done():
				return
			case <-a.wake:
				continue
			}
		}

		if !a.runTurn(text) {
			return
		}
	}
}

// runTurn issues one turn, reissuing the same text after a transient failure
// until it completes or the error threshold terminates the actor. A failed
// turn is never skipped in favor of the next queued message. Returns false
// when the actor should terminate.
func (a *Actor) runTurn(text string) bool {
	if a.tier.MaxTurns > 0 && a.turnsUsed.Load() >= int64(a.tier.MaxTurns) {
		a.logger.Warn("turn cap reached, dropping message",
			"contact", a.id,
			"cap", a.tier.MaxTurns,
		)
		a.appendTranscript(transcript.Entry{
			Kind:    transcript.KindError,
			Content: fmt.Sprintf("turn cap %d reached, message dropped", a.tier.MaxTurns),
		})
		return true
	}

	a.appendTranscript(transcript.Entry{Kind: transcript.KindInbound, Content: text})

	for {
		retry, ok := a.attemptTurn(text)
		if !ok {
			return false
		}
		if !retry {
			return true
		}
	}
}

// attemptTurn issues the prompt once and waits for its outcome. retry means
// the attempt failed and the same text must be reissued; ok=false means the
// actor terminates.
func (a *Actor) attemptTurn(text string) (retry, ok bool) {
	// Discard any stale outcome left over from a timed-out turn.
	select {
	case <-a.turnDone:
	default:
	}

	turnCtx, cancel := context.WithTimeout(a.ctx, a.turnTimeout)
	defer cancel()

	if err := a.conn.Prompt(turnCtx, text); err != nil {
		return true, a.handleTaskError("send", err)
	}

	select {
	case err := <-a.turnDone:
		if err != nil {
			return true, a.handleTaskError("turn", err)
		}
		a.clearErrors()
		return false, true
	case <-turnCtx.Done():
		if a.ctx.Err() != nil {
			return false, false
		}
		return true, a.handleTaskError("turn", fmt.Errorf("turn timed out after %v", a.turnTimeout))
	}
}

// recvLoop consumes the agent's streamed output, forwards it to the
// transcript, persists resume tokens, and delivers completed responses.
func (a *Actor) recvLoop() {
	defer a.wg.Done()

	a.recvAlive.Store(true)
	defer a.recvAlive.Store(false)

	for {
		select {
		case <-a.ctx.Done():
			return
		case ev, ok := <-a.conn.Events():
			if !ok {
				if a.ctx.Err() == nil && !a.shuttingDown.Load() {
					a.handleTaskError("receive", ErrConnectionLost)
					a.signalTurn(ErrConnectionLost)
				}
				return
			}
			a.handleEvent(ev)
		}
	}
}

// handleEvent processes one streamed agent event.
func (a *Actor) handleEvent(ev agent.Event) {
	switch ev.Type {
	case agent.EventThinking:
		a.appendTranscript(transcript.Entry{Kind: transcript.KindThinking, Content: ev.Text})

	case agent.EventText:
		a.appendTranscript(transcript.Entry{Kind: transcript.KindText, Content: ev.Text})

	case agent.EventToolUse:
		a.appendTranscript(transcript.Entry{
			Kind:     transcript.KindToolUse,
			Content:  ev.ToolUse.InputJSON,
			ToolName: ev.ToolUse.Name,
			ToolID:   ev.ToolUse.ID,
		})

	case agent.EventToolResult:
		a.appendTranscript(transcript.Entry{
			Kind:    transcript.KindToolResult,
			Content: ev.ToolResult.Output,
			ToolID:  ev.ToolResult.ID,
			IsError: ev.ToolResult.IsError,
		})

	case agent.EventResume:
		// Only values the agent itself issued ever become resume tokens.
		a.connectOpts.ResumeToken = ev.ResumeToken
		a.reg.SetResumeToken(a.id, ev.ResumeToken)

	case agent.EventDone:
		a.turnsUsed.Add(1)
		a.lastActivity.Store(time.Now().UnixNano())
		a.reg.Touch(a.id, time.Now())
		a.deliver(ev.Text)
		a.signalTurn(nil)

	case agent.EventError:
		a.appendTranscript(transcript.Entry{Kind: transcript.KindError, Content: ev.Error})
		a.signalTurn(errors.New(ev.Error))
	}
}

// deliver sends the completed response back through the transport.
func (a *Actor) deliver(text string) {
	if text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	if a.isGroup {
		err = a.sender.SendGroup(ctx, a.backendName, a.id, text)
	} else {
		err = a.sender.Send(ctx, a.backendName, a.id, text)
	}
	if err != nil {
		a.logger.Error("outbound delivery failed", "contact", a.id, "error", err)
	}
}

// signalTurn hands the turn outcome to the send task without blocking.
func (a *Actor) signalTurn(err error) {
	select {
	case a.turnDone <- err:
	default:
	}
}

// handleTaskError implements the shared failure policy of both tasks.
// Returns false when the actor must terminate.
func (a *Actor) handleTaskError(task string, err error) bool {
	// Shutdown-originated cancellation always propagates; it is never a
	// retryable error.
	if a.shuttingDown.Load() || a.ctx.Err() != nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		n := a.spuriousCancels.Add(1)
		a.logger.Warn("cancellation outside shutdown", "task", task, "count", n)
		if n >= spuriousCancelLimit {
			a.logger.Error("too many unexplained cancellations, treating as shutdown", "contact", a.id)
			a.terminate()
			return false
		}
		return true
	}

	count := a.errorCount.Add(1)
	a.state.Store(int32(StateErroring))
	a.logger.Error("session task error",
		"task", task,
		"contact", a.id,
		"consecutive", count,
		"error", err,
	)

	if count >= errorThreshold {
		a.logger.Error("error threshold reached, stopping actor", "contact", a.id)
		a.terminate()
		return false
	}

	// Linear backoff before the task retries.
	delay := time.Duration(2*count) * a.backoffUnit
	select {
	case <-a.ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// clearErrors marks a clean cycle: consecutive errors and the spurious
// cancellation counter reset to zero.
func (a *Actor) clearErrors() {
	a.errorCount.Store(0)
	a.spuriousCancels.Store(0)
	a.state.Store(int32(StateRunning))
}

// terminate moves the actor to stopped and ends both tasks. The actor is
// not retried in place; the manager tears it down and a fresh actor is
// created on the next inbound message.
func (a *Actor) terminate() {
	a.state.Store(int32(StateStopped))
	a.cancel()
}

func (a *Actor) appendTranscript(e transcript.Entry) {
	e.SessionID = a.sessionName
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.transcripts.Append(ctx, e); err != nil {
		a.logger.Error("transcript append failed", "error", err)
	}
}
