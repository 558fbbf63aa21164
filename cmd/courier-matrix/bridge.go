// ABOUTME: Matrix bridge core for courier-matrix
// ABOUTME: Handles Matrix sync and injects messages into the courier daemon

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// injectQueueSize bounds the per-contact backlog of pending injects.
const injectQueueSize = 32

// Bridge connects Matrix rooms to the courier daemon.
type Bridge struct {
	config  *Config
	matrix  *mautrix.Client
	courier *CourierClient
	logger  *slog.Logger

	// Per-contact inject queues. One worker per contact keeps a burst of
	// messages ordered and delivered even while an earlier inject is still
	// waiting on the daemon (a first-session inject can take seconds).
	queueMu sync.Mutex
	queues  map[string]chan InjectRequest

	// ctx is the parent context for inject workers
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates a new Matrix bridge.
func NewBridge(cfg *Config, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, id.UserID(cfg.Matrix.UserID), cfg.Matrix.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Bridge{
		config:  cfg,
		matrix:  client,
		courier: NewCourierClient(cfg.Courier.URL, cfg.Courier.Token),
		logger:  logger,
		queues:  make(map[string]chan InjectRequest),
	}, nil
}

// Run starts the bridge and blocks until context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Matrix.Homeserver,
		"user_id", b.config.Matrix.UserID,
		"courier", b.config.Courier.URL,
	)

	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	b.logger.Info("connecting to matrix homeserver")

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(b.ctx)
	}()

	b.logger.Info("matrix bridge running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		b.cancel()
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent processes incoming Matrix messages.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	// Ignore our own messages
	if evt.Sender == id.UserID(b.config.Matrix.UserID) {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	// Only handle text messages
	if content.MsgType != event.MsgText {
		return
	}

	roomID := evt.RoomID.String()
	msgBody := strings.TrimSpace(content.Body)
	if msgBody == "" {
		return
	}

	if !b.isRoomAllowed(roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", truncate(msgBody, 50),
	)

	// Group rooms talk to the daemon as the room; direct chats as the sender.
	sender := evt.Sender.String()
	contactID := sender
	isGroup := b.isGroupRoom(roomID)
	if isGroup {
		contactID = roomID
	}

	b.enqueueInject(InjectRequest{
		ID:          contactID,
		SenderID:    sender,
		Text:        msgBody,
		Backend:     "matrix",
		Tier:        b.tierFor(contactID),
		DisplayName: displayName(evt.Sender),
		IsGroup:     isGroup,
		Timestamp:   time.UnixMilli(evt.Timestamp),
	})
}

// enqueueInject hands a message to the contact's inject worker, starting one
// on first contact. Keeps the sync loop unblocked while preserving per-contact
// message order.
func (b *Bridge) enqueueInject(req InjectRequest) {
	b.queueMu.Lock()
	q, ok := b.queues[req.ID]
	if !ok {
		q = make(chan InjectRequest, injectQueueSize)
		b.queues[req.ID] = q
		go b.injectWorker(q)
	}
	b.queueMu.Unlock()

	select {
	case q <- req:
	default:
		b.logger.Warn("inject backlog full, dropping message", "contact", req.ID)
	}
}

// injectWorker delivers one contact's messages to the daemon in order.
func (b *Bridge) injectWorker(q <-chan InjectRequest) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case req := <-q:
			b.injectMessage(b.ctx, req)
		}
	}
}

// injectMessage forwards one Matrix message into the courier daemon.
func (b *Bridge) injectMessage(ctx context.Context, req InjectRequest) {
	resp, err := b.courier.Inject(ctx, req)
	if err != nil {
		b.logger.Error("inject failed", "contact", req.ID, "error", err)
		return
	}

	switch resp.Status {
	case "queued":
		b.logger.Debug("message queued", "contact", req.ID)
	case "duplicate":
		b.logger.Debug("message deduplicated", "contact", req.ID)
	case "dropped":
		b.logger.Warn("message dropped", "contact", req.ID, "reason", resp.Reason)
	}
}

// tierFor resolves the relationship tier for a contact or room identifier.
func (b *Bridge) tierFor(contactID string) string {
	if tier, ok := b.config.Bridge.Tiers[contactID]; ok {
		return tier
	}
	return b.config.Bridge.DefaultTier
}

// isRoomAllowed checks if the room is in the allowed list.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.config.Bridge.AllowedRooms) == 0 {
		return true // Allow all if no filter
	}

	for _, allowed := range b.config.Bridge.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// isGroupRoom checks if the room is configured as a group conversation.
func (b *Bridge) isGroupRoom(roomID string) bool {
	for _, group := range b.config.Bridge.GroupRooms {
		if group == roomID {
			return true
		}
	}
	return false
}

// displayName derives a readable name from a Matrix user ID.
// Example: @ana:matrix.org -> ana
func displayName(userID id.UserID) string {
	local := userID.Localpart()
	if local == "" {
		return userID.String()
	}
	return local
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
