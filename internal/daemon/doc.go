// Package daemon assembles the courier process and serves its control plane.
//
// The daemon owns exactly one of everything: one session registry, one
// transcript store, one session manager, one HTTP server. Bridges deliver
// inbound transport events to POST /api/inject; operators use the session
// endpoints for status, kill, restart, and prompt. All /api/ routes require
// a JWT bearer token; /healthz stays open for the watchdog.
//
// Shutdown order matters: the HTTP server stops first so no new work
// arrives, the manager drains every actor, and the registry closes last so
// the resume tokens produced during the drain reach disk.
package daemon
