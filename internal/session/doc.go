// Package session hosts the per-contact actors and the manager that owns
// them.
//
// # Actors
//
// Each contact or group chat gets exactly one Actor holding one live agent
// connection. An actor runs two tasks: the send task drains a FIFO queue of
// inbound messages one turn at a time, and the receive task consumes the
// agent's streamed output, records it in the transcript, persists resume
// tokens, and delivers finished responses through the transport backend.
//
// Enqueue never blocks and never cancels an in-flight turn. A message that
// arrives mid-turn is steering: it waits its turn in the queue and the
// agent sees it as the next message in the same conversation.
//
// A failed turn is retried in place with the same text after a short linear
// backoff; no message is skipped because of a transient error. Three
// consecutive failures stop the actor; the next inbound message gets a
// fresh one, resumed from the registry record.
//
// # Manager
//
// The Manager multiplexes inbound traffic onto actors. Its lock covers
// only map mutation and the per-id creation reservation; everything slow
// (registry reads, prompt construction, the agent connect) runs unlocked,
// so one contact's cold start never delays another's hot path.
//
// The manager also runs the supervision loops: a fast signature scan over
// new transcript output, a slower classifier pass over recent activity,
// and an idle reaper that tears down non-pinned sessions while leaving
// their registry records in place for later resumption.
package session
