// Package dedupe drops repeated deliveries of the same transport event.
// Bridges deliver at-least-once; the window makes injection effectively
// exactly-once inside its TTL.
package dedupe
