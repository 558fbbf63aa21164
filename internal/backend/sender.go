// ABOUTME: Outbound send primitive executing a transport's command template.
// ABOUTME: Renders {placeholder} argv templates and runs them with a bounded timeout.

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ErrNoSendCommand means the transport has no send template configured.
var ErrNoSendCommand = errors.New("transport has no send command")

// Sender delivers outbound messages through a transport.
type Sender interface {
	// Send delivers text to a single contact identifier.
	Send(ctx context.Context, backendName, id, text string) error

	// SendGroup delivers text to a group identifier.
	SendGroup(ctx context.Context, backendName, groupID, text string) error
}

// CommandSender implements Sender by executing the transport's command
// templates from the registry catalog.
type CommandSender struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewCommandSender creates a CommandSender. timeout bounds each send
// invocation; zero means 30 seconds.
func NewCommandSender(registry *Registry, timeout time.Duration, logger *slog.Logger) *CommandSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandSender{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
	}
}

// Send delivers text to id via the named transport's send template.
func (s *CommandSender) Send(ctx context.Context, backendName, id, text string) error {
	cfg := s.registry.Get(backendName)
	if len(cfg.SendCommand) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSendCommand, cfg.Name)
	}

	argv := renderArgs(cfg.SendCommand, map[string]string{
		"id":   cfg.FormatID(id),
		"text": text,
	})
	return s.run(ctx, cfg.Name, argv)
}

// SendGroup delivers text to a group via the named transport's group template.
func (s *CommandSender) SendGroup(ctx context.Context, backendName, groupID, text string) error {
	cfg := s.registry.Get(backendName)
	if len(cfg.GroupSendCommand) == 0 {
		return fmt.Errorf("%w: %s (group)", ErrNoSendCommand, cfg.Name)
	}

	argv := renderArgs(cfg.GroupSendCommand, map[string]string{
		"group_id": groupID,
		"text":     text,
	})
	return s.run(ctx, cfg.Name, argv)
}

func (s *CommandSender) run(ctx context.Context, backendName string, argv []string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		s.logger.Error("send command failed",
			"backend", backendName,
			"command", argv[0],
			"output", strings.TrimSpace(string(output)),
			"error", err,
		)
		return fmt.Errorf("sending via %s: %w", backendName, err)
	}

	s.logger.Debug("message sent", "backend", backendName, "command", argv[0])
	return nil
}

// renderArgs substitutes {key} placeholders in an argv template. Unknown
// placeholders are left as-is so template mistakes surface in command output
// rather than silently vanishing.
func renderArgs(template []string, vars map[string]string) []string {
	argv := make([]string, len(template))
	for i, arg := range template {
		for key, value := range vars {
			arg = strings.ReplaceAll(arg, "{"+key+"}", value)
		}
		argv[i] = arg
	}
	return argv
}
