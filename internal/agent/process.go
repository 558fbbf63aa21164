// ABOUTME: Subprocess implementation of the agent client speaking JSON lines over stdio.
// ABOUTME: One subprocess per session; prompts go to stdin, streamed events come from stdout.

package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ProcessClient launches one agent subprocess per connection. The wire
// protocol is newline-delimited JSON in both directions.
type ProcessClient struct {
	command string
	args    []string
	logger  *slog.Logger
}

// NewProcessClient creates a client for the given agent command.
func NewProcessClient(command string, args []string, logger *slog.Logger) *ProcessClient {
	return &ProcessClient{
		command: command,
		args:    args,
		logger:  logger,
	}
}

// Connect starts the agent subprocess for one session. The ctx bounds only
// startup; the process outlives it.
func (c *ProcessClient) Connect(ctx context.Context, opts ConnectOptions) (Conn, error) {
	argv := append([]string(nil), c.args...)
	argv = append(argv, "--session-name", opts.SessionName)
	if opts.Model != "" {
		argv = append(argv, "--model", opts.Model)
	}
	if opts.SystemPrompt != "" {
		argv = append(argv, "--system-prompt", opts.SystemPrompt)
	}
	if opts.ResumeToken != "" {
		argv = append(argv, "--resume", opts.ResumeToken)
	}

	cmd := exec.Command(c.command, argv...)
	cmd.Dir = opts.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrConnectFailure, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrConnectFailure, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrConnectFailure, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", ErrConnectFailure, c.command, err)
	}

	logger := c.logger.With("session", opts.SessionName, "pid", cmd.Process.Pid)
	conn := &processConn{
		cmd:        cmd,
		stdin:      stdin,
		events:     make(chan Event, 64),
		ready:      make(chan struct{}),
		readerDone: make(chan struct{}),
		waitDone:   make(chan struct{}),
		logger:     logger,
	}

	go conn.readEvents(stdout)
	go conn.logStderr(stderr)
	go conn.wait()

	// The agent announces itself with a session line before anything else.
	// No announcement before the deadline (or an early exit) is a connect
	// failure, not a turn failure.
	select {
	case <-conn.ready:
	case <-conn.waitDone:
		return nil, fmt.Errorf("%w: agent exited during startup", ErrConnectFailure)
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn.Close(killCtx)
		return nil, fmt.Errorf("%w: %v", ErrConnectFailure, ctx.Err())
	}

	logger.Debug("agent subprocess started")
	return conn, nil
}

// processConn is a live agent subprocess.
type processConn struct {
	cmd    *exec.Cmd
	logger *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	events     chan Event
	ready      chan struct{}
	readyOnce  sync.Once
	readerDone chan struct{}
	waitDone   chan struct{}
	exited     atomic.Bool
	closed     atomic.Bool
}

// promptLine is the stdin wire format for issuing a turn.
type promptLine struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

// Prompt writes one turn request to the agent's stdin.
func (p *processConn) Prompt(ctx context.Context, text string) error {
	if !p.Connected() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(promptLine{
		Type:   "prompt",
		TurnID: uuid.New().String(),
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("encoding prompt: %w", err)
	}
	line = append(line, '\n')

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(line); err != nil {
		return fmt.Errorf("writing prompt: %w", err)
	}
	return nil
}

// Events returns the stream of agent output. Closed when the process exits.
func (p *processConn) Events() <-chan Event {
	return p.events
}

// Connected reports whether the subprocess is still running.
func (p *processConn) Connected() bool {
	return !p.exited.Load()
}

// Close ends the turn stream and terminates the subprocess, giving it until
// the ctx deadline to exit before being killed.
func (p *processConn) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}

	p.writeMu.Lock()
	p.stdin.Close()
	p.writeMu.Unlock()

	select {
	case <-p.waitDone:
		return nil
	case <-ctx.Done():
		p.logger.Warn("agent subprocess did not exit, killing")
		p.cmd.Process.Kill()
		<-p.waitDone
		return nil
	}
}

// readEvents decodes stdout lines into Events until EOF.
func (p *processConn) readEvents(stdout io.Reader) {
	defer close(p.events)
	defer close(p.readerDone)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		ev, ok := parseWireEvent(line)
		if !ok {
			p.logger.Warn("unparseable agent output line", "line", string(line))
			continue
		}

		p.readyOnce.Do(func() { close(p.ready) })

		// Block rather than drop: the receive task is the sole consumer
		// and must observe every event in order.
		p.events <- ev
	}
}

// logStderr forwards agent diagnostics to the daemon log.
func (p *processConn) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.logger.Debug("agent stderr", "line", scanner.Text())
	}
}

// wait reaps the process after the stdout reader has drained, then marks
// the connection dead. Close observes completion through waitDone.
func (p *processConn) wait() {
	<-p.readerDone
	if err := p.cmd.Wait(); err != nil && !p.closed.Load() {
		p.logger.Warn("agent subprocess exited", "error", err)
	}
	p.exited.Store(true)
	close(p.waitDone)
}

// wireEvent is the stdout wire format of the agent subprocess.
type wireEvent struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	ToolID      string          `json:"tool_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	Output      string          `json:"output,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// parseWireEvent maps one stdout line to an Event. Unknown types are
// dropped by the caller.
func parseWireEvent(line []byte) (Event, bool) {
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{}, false
	}

	switch w.Type {
	case "thinking":
		return Event{Type: EventThinking, Text: w.Text}, true
	case "text":
		return Event{Type: EventText, Text: w.Text}, true
	case "tool_use":
		return Event{Type: EventToolUse, ToolUse: &ToolUseEvent{
			ID:        w.ToolID,
			Name:      w.ToolName,
			InputJSON: string(w.ToolInput),
		}}, true
	case "tool_result":
		return Event{Type: EventToolResult, ToolResult: &ToolResultEvent{
			ID:      w.ToolID,
			Output:  w.Output,
			IsError: w.IsError,
		}}, true
	case "session":
		return Event{Type: EventResume, ResumeToken: w.SessionID}, true
	case "done":
		return Event{Type: EventDone, Text: w.Text}, true
	case "error":
		return Event{Type: EventError, Error: w.Message}, true
	default:
		return Event{}, false
	}
}
