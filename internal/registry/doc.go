// Package registry persists session metadata in a single JSON document.
//
// # Overview
//
// The registry maps contact/group identifiers to SessionRecords. It is the
// only durable state the daemon owns: actors are rebuilt from records after
// restarts by way of the resume token.
//
// # Write Discipline
//
// Two write paths with different durability:
//
//   - Structural (Put, Remove): written through immediately.
//   - Hot fields (Touch, SetResumeToken): coalesced to at most one write
//     per debounce interval (default 1s).
//
// Flush persists pending debounced changes; Close runs it as the last
// durable action on shutdown, bounding crash data loss to one debounce
// window.
//
// Every write goes to a temporary file that is fsynced and renamed into
// place under an exclusive advisory flock on <path>.lock, so no reader,
// in-process or external, ever observes a half-written document. External
// tools reading the document must take the shared lock.
//
// A failed write is retried once; a second failure surfaces as
// ErrWriteFailed and the in-memory state stays dirty for the next attempt.
package registry
