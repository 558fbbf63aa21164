// Package health implements the two-tier session health checks.
//
// The fast tier (Matcher) is cheap and runs every minute: it scans each
// actor's transcript output since the last scan for known-fatal signatures
// and for stuck repeated output. The signature list is configurable because
// agent failure modes change faster than releases.
//
// The deep tier (Classifier) runs every few minutes and asks a small
// secondary model whether the recent transcript reads as confused or
// looping despite the session being technically alive. Classifier errors
// never trigger restarts; only a positive verdict does.
//
// Both tiers only detect; scheduling the restart is the session manager's
// job.
package health
