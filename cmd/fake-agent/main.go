// ABOUTME: Minimal fake agent for E2E testing — speaks the courier stdio line protocol.
// ABOUTME: Usage: fake-agent --session-name NAME [--model M] [--system-prompt P] [--resume TOKEN]
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type promptLine struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

type wireEvent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

func main() {
	sessionName := flag.String("session-name", "", "Session name")
	model := flag.String("model", "", "Model name (ignored)")
	systemPrompt := flag.String("system-prompt", "", "System prompt (ignored)")
	resume := flag.String("resume", "", "Resume token from a previous run")
	flag.Parse()

	_ = model
	_ = systemPrompt

	if err := run(*sessionName, *resume); err != nil {
		log.Fatal(err)
	}
}

func run(sessionName, resume string) error {
	out := json.NewEncoder(os.Stdout)

	// Announce the session first; the daemon treats this as connection ready.
	sessionID := resume
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	if err := out.Encode(wireEvent{Type: "session", SessionID: sessionID}); err != nil {
		return fmt.Errorf("writing session line: %w", err)
	}
	fmt.Fprintf(os.Stderr, "fake-agent ready: session=%s name=%s\n", sessionID, sessionName)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var p promptLine
		if err := json.Unmarshal(line, &p); err != nil || p.Type != "prompt" {
			fmt.Fprintf(os.Stderr, "ignoring input line: %s\n", line)
			continue
		}

		log.Printf("received prompt [%s]: %s", p.TurnID, p.Text)

		if err := out.Encode(wireEvent{Type: "thinking", Text: "composing a reply"}); err != nil {
			return fmt.Errorf("writing event: %w", err)
		}

		// Small delay to simulate streaming
		time.Sleep(50 * time.Millisecond)

		reply := echoReply(p.Text)
		if err := out.Encode(wireEvent{Type: "text", Text: reply}); err != nil {
			return fmt.Errorf("writing event: %w", err)
		}
		if err := out.Encode(wireEvent{Type: "done", Text: reply}); err != nil {
			return fmt.Errorf("writing event: %w", err)
		}
	}

	return scanner.Err()
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
