// ABOUTME: Outbound send subcommand for courier-matrix
// ABOUTME: Delivers one message to a user or room, rendering markdown to HTML

package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// sendTimeout bounds the whole send invocation. The daemon kills the process
// after its own send timeout anyway, this keeps us from outliving it.
const sendTimeout = 25 * time.Second

// runSend delivers a single message and exits. Invoked by the courier daemon
// as the matrix transport's send command: courier-matrix send <target> <text>.
// Target is a room ID (!room:server) or a user ID (@user:server); user targets
// are resolved to a direct chat, creating one if needed.
func runSend(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: courier-matrix send <room-or-user-id> <text>")
	}
	target, text := args[0], args[1]

	cfg, err := Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		return fmt.Errorf("creating matrix client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	roomID, err := resolveRoom(ctx, client, target)
	if err != nil {
		return err
	}

	content := buildMessageContent(text)
	if _, err := client.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to %s: %w", roomID, err)
	}
	return nil
}

// resolveRoom maps a send target to a room. Room IDs pass through; user IDs
// resolve through the m.direct account data, creating a direct chat on first
// contact.
func resolveRoom(ctx context.Context, client *mautrix.Client, target string) (id.RoomID, error) {
	if strings.HasPrefix(target, "!") {
		return id.RoomID(target), nil
	}
	if !strings.HasPrefix(target, "@") {
		return "", fmt.Errorf("target %q is neither a room nor a user ID", target)
	}

	userID := id.UserID(target)

	directChats := map[id.UserID][]id.RoomID{}
	if err := client.GetAccountData(ctx, "m.direct", &directChats); err == nil {
		if rooms := directChats[userID]; len(rooms) > 0 {
			return rooms[0], nil
		}
	}

	resp, err := client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Invite:   []id.UserID{userID},
		IsDirect: true,
		Preset:   "trusted_private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("creating direct chat with %s: %w", target, err)
	}

	directChats[userID] = append(directChats[userID], resp.RoomID)
	// Failing to record the mapping only means the next send creates another
	// room, so the error is not fatal.
	_ = client.SetAccountData(ctx, "m.direct", directChats)

	return resp.RoomID, nil
}

// buildMessageContent renders agent markdown to Matrix HTML. The plain body
// keeps the raw text for clients that ignore formatting.
func buildMessageContent(text string) *event.MessageEventContent {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(text), &html); err == nil {
		rendered := strings.TrimSpace(html.String())
		// Skip the HTML variant when markdown renders to a bare paragraph of
		// the same text.
		if rendered != "<p>"+text+"</p>" {
			content.Format = event.FormatHTML
			content.FormattedBody = rendered
		}
	}

	return content
}
