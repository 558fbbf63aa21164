// Package watchdog supervises the courier daemon from a separate process.
//
// Supervision from inside the daemon is worthless when the daemon itself
// wedges, so the watchdog runs on its own, probing /healthz on a fixed
// interval. When probes fail it issues the configured restart command,
// tells the operator over a normal messaging backend with the tail of the
// daemon log attached, and backs off before the next attempt: 60s doubling
// to a 900s ceiling, reset as soon as a probe succeeds.
//
// A flock on the lock file keeps a second watchdog from supervising the
// same daemon.
package watchdog
