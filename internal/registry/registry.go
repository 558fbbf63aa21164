// ABOUTME: Durable session registry with atomic writes and debounced hot-field updates.
// ABOUTME: Structural changes persist immediately; activity/resume-token writes coalesce.

package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ErrNotFound is returned when no record exists for an id.
var ErrNotFound = errors.New("session record not found")

// ErrWriteFailed wraps a persistence failure that survived the retry.
var ErrWriteFailed = errors.New("registry write failed")

// Registry is the durable map from contact/group id to session metadata.
// All operations are safe for concurrent use. High-frequency field updates
// (Touch, SetResumeToken) are coalesced into at most one write per debounce
// interval; structural changes (Put, Remove) write through immediately.
type Registry struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	records map[string]*SessionRecord
	dirty   bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// Open loads (or initializes) the registry document at path and starts the
// background debounce flusher. Call Close on shutdown; Flush runs there as
// the last durable action.
func Open(path string, debounce time.Duration, logger *slog.Logger) (*Registry, error) {
	if debounce <= 0 {
		debounce = time.Second
	}

	r := &Registry{
		path:     path,
		debounce: debounce,
		logger:   logger,
		records:  make(map[string]*SessionRecord),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	if err := r.load(); err != nil {
		return nil, err
	}

	r.wg.Add(1)
	go r.flusher()

	return r, nil
}

// load reads the existing document under a shared advisory lock. A missing
// file is an empty registry, not an error.
func (r *Registry) load() error {
	unlock, err := lockShared(r.path)
	if err != nil {
		return fmt.Errorf("locking registry: %w", err)
	}
	defer unlock()

	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading registry: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing registry %s: %w", r.path, err)
	}

	for id, rec := range doc.Sessions {
		r.records[id] = rec
	}
	r.logger.Info("registry loaded", "path", r.path, "sessions", len(r.records))
	return nil
}

// Get returns a copy of the record for id, or ErrNotFound.
func (r *Registry) Get(id string) (*SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// Put stores a record and persists the document immediately. This is the
// structural write path: creation, tier change, participant change.
func (r *Registry) Put(id string, rec *SessionRecord) error {
	r.mu.Lock()
	r.records[id] = rec.clone()
	snapshot := r.snapshotLocked()
	r.dirty = false
	r.mu.Unlock()

	return r.write(snapshot)
}

// Remove deletes a record and persists immediately. Removing an absent id
// is a no-op.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	_, existed := r.records[id]
	delete(r.records, id)
	snapshot := r.snapshotLocked()
	r.dirty = false
	r.mu.Unlock()

	if !existed {
		return nil
	}
	return r.write(snapshot)
}

// SnapshotAll returns a copy of every record.
func (r *Registry) SnapshotAll() map[string]*SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*SessionRecord, len(r.records))
	for id, rec := range r.records {
		out[id] = rec.clone()
	}
	return out
}

// Touch updates last-activity for id. The write is debounced.
func (r *Registry) Touch(id string, at time.Time) {
	r.mu.Lock()
	if rec, ok := r.records[id]; ok {
		rec.LastActivity = at
		r.dirty = true
	}
	r.mu.Unlock()
	r.scheduleFlush()
}

// SetResumeToken records a token newly issued by the agent. The write is
// debounced; Flush on shutdown bounds staleness to one debounce interval.
func (r *Registry) SetResumeToken(id, token string) {
	r.mu.Lock()
	if rec, ok := r.records[id]; ok && token != "" {
		rec.ResumeToken = token
		r.dirty = true
	}
	r.mu.Unlock()
	r.scheduleFlush()
}

// Flush persists any pending debounced changes now. Safe to call at any
// time; on graceful shutdown it must be the last durable action.
func (r *Registry) Flush() error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	snapshot := r.snapshotLocked()
	r.dirty = false
	r.mu.Unlock()

	return r.write(snapshot)
}

// Close stops the background flusher and flushes pending state.
func (r *Registry) Close() error {
	close(r.done)
	r.wg.Wait()
	return r.Flush()
}

// scheduleFlush nudges the flusher; a pending nudge absorbs further ones.
func (r *Registry) scheduleFlush() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// flusher coalesces hot-field writes: after a nudge it sleeps one debounce
// interval, then writes whatever is dirty. Write errors keep the dirty flag
// set so the next cycle (or Flush) retries.
func (r *Registry) flusher() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done:
			return
		case <-r.wake:
		}

		timer := time.NewTimer(r.debounce)
		select {
		case <-r.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := r.Flush(); err != nil {
			r.logger.Error("debounced registry flush failed", "error", err)
			r.mu.Lock()
			r.dirty = true
			r.mu.Unlock()
		}
	}
}

// snapshotLocked marshals the current records into a document. Caller holds mu.
func (r *Registry) snapshotLocked() *document {
	doc := &document{
		Version:  documentVersion,
		Sessions: make(map[string]*SessionRecord, len(r.records)),
	}
	for id, rec := range r.records {
		doc.Sessions[id] = rec.clone()
	}
	return doc
}

// write persists a document snapshot. One retry on failure, then the error
// surfaces to the caller.
func (r *Registry) write(doc *document) error {
	err := r.writeOnce(doc)
	if err == nil {
		return nil
	}

	r.logger.Warn("registry write failed, retrying", "error", err)
	if err = r.writeOnce(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (r *Registry) writeOnce(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}
	data = append(data, '\n')

	unlock, err := lockExclusive(r.path)
	if err != nil {
		return fmt.Errorf("locking registry: %w", err)
	}
	defer unlock()

	return writeFileAtomic(r.path, data)
}
