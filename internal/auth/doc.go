// Package auth authenticates control-plane callers.
//
// The daemon's HTTP API is not contact-facing: its callers are bridge
// processes (courier-matrix and friends) and operator tooling. They present
// JWT bearer tokens signed with HS256 using the configured token_secret.
// The "sub" claim names the caller; Middleware verifies it and attaches a
// Caller to the request context.
//
// Contacts never authenticate here. Their identity arrives as part of the
// transport event and is trusted only as far as the tier the contact
// resolver assigns.
package auth
