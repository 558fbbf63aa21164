// ABOUTME: Sliding-window deduplication for inbound transport events.
// ABOUTME: Bridges retry deliveries; the daemon must process each event once.

package dedupe

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Window tracks recently seen event keys for a bounded time and size.
// Insertion order is kept in a linked list so capacity eviction is O(1).
type Window struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

type seenEntry struct {
	at      time.Time
	element *list.Element
}

// New creates a dedupe window. A background goroutine sweeps expired keys
// so the map does not grow between capacity evictions.
func New(ttl time.Duration, maxSize int) *Window {
	w := &Window{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go w.sweep()
	return w
}

// EventKey derives the dedupe key for one inbound transport event. Two
// deliveries of the same message from the same sender hash identically;
// the text is hashed rather than embedded to keep keys short. Millisecond
// timestamp precision keeps a deliberate repeat (the same text sent twice
// in one second) from looking like a redelivery.
func EventKey(backend, senderID string, sentAt time.Time, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s|%s|%d|%s", backend, senderID, sentAt.UnixMilli(), hex.EncodeToString(sum[:8]))
}

// Duplicate atomically checks whether the key was seen inside the window
// and marks it if not. Returns true for duplicates. The single-call shape
// avoids the check-then-mark race two bridges could otherwise hit.
func (w *Window) Duplicate(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if entry, ok := w.seen[key]; ok && time.Since(entry.at) < w.ttl {
		return true
	}

	w.markLocked(key)
	return false
}

// markLocked records the key, refreshing it if already present and evicting
// the oldest entry at capacity. Caller holds mu.
func (w *Window) markLocked(key string) {
	now := time.Now()

	if entry, ok := w.seen[key]; ok {
		entry.at = now
		w.order.MoveToBack(entry.element)
		return
	}

	if len(w.seen) >= w.maxSize {
		if front := w.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			w.order.Remove(front)
			delete(w.seen, oldest)
		}
	}

	w.seen[key] = &seenEntry{at: now, element: w.order.PushBack(key)}
}

// Len returns the number of tracked keys, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *Window) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.removeExpired()
		case <-w.done:
			return
		}
	}
}

func (w *Window) removeExpired() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	for key, entry := range w.seen {
		if now.Sub(entry.at) > w.ttl {
			w.order.Remove(entry.element)
			delete(w.seen, key)
		}
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
