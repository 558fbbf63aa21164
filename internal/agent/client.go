// ABOUTME: Opaque agent client boundary: connection options, streamed events, interfaces.
// ABOUTME: The orchestrator never sees the agent's reasoning, only this contract.

package agent

import (
	"context"
	"errors"
)

// ErrConnectFailure indicates the agent connection could not be established.
var ErrConnectFailure = errors.New("agent connection failed")

// ErrNotConnected indicates an operation on a closed or dead connection.
var ErrNotConnected = errors.New("agent not connected")

// ConnectOptions parameterize a new agent connection.
type ConnectOptions struct {
	// SessionName is the deterministic per-contact session identifier.
	SessionName string

	// Model selects the agent model for this session.
	Model string

	// SystemPrompt is the per-contact system prompt, built by the caller.
	SystemPrompt string

	// ResumeToken, when non-empty, resumes prior conversational context.
	// It must be a value the agent itself issued earlier.
	ResumeToken string

	// WorkDir is the session's working/transcript directory.
	WorkDir string
}

// Client establishes agent connections.
type Client interface {
	Connect(ctx context.Context, opts ConnectOptions) (Conn, error)
}

// Conn is one live agent connection. Prompt issues a turn; the streamed
// output of all turns arrives interleaved on Events, terminated per turn by
// an EventDone or EventError. Events is closed when the connection dies.
type Conn interface {
	Prompt(ctx context.Context, text string) error
	Events() <-chan Event
	Connected() bool
	Close(ctx context.Context) error
}

// EventType indicates the kind of streamed agent output.
type EventType int

const (
	EventThinking EventType = iota
	EventText
	EventToolUse
	EventToolResult
	EventResume // agent issued a new resume token
	EventDone   // turn completed
	EventError  // turn failed
)

// String returns the transcript label for an event type.
func (t EventType) String() string {
	switch t {
	case EventThinking:
		return "thinking"
	case EventText:
		return "text"
	case EventToolUse:
		return "tool_use"
	case EventToolResult:
		return "tool_result"
	case EventResume:
		return "resume"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one unit of streamed agent output.
type Event struct {
	Type        EventType
	Text        string
	ToolUse     *ToolUseEvent
	ToolResult  *ToolResultEvent
	ResumeToken string
	Error       string
}

// ToolUseEvent represents a tool invocation by the agent.
type ToolUseEvent struct {
	ID        string
	Name      string
	InputJSON string
}

// ToolResultEvent represents the result of a tool invocation.
type ToolResultEvent struct {
	ID      string
	Output  string
	IsError bool
}
