// Package backend holds the frozen transport catalog and the outbound send
// primitive.
//
// # Overview
//
// Every supported messaging transport (iMessage, Signal, Matrix, ...) is one
// Config entry: a label, a session-name suffix, an id-prefix rule, and argv
// templates for send, group send, and history. The Registry is built once at
// startup from the builtin catalog plus an optional TOML overlay file, and
// never mutated afterwards.
//
// Lookups with Get(name) fall back to the configured default transport, so
// callers never handle a missing transport. No component outside this
// package branches on a transport's name; behavioral differences between
// transports are catalog data.
//
// # Sending
//
// CommandSender renders a transport's argv template ({id}, {text},
// {group_id} placeholders) and executes it with a bounded timeout:
//
//	sender := backend.NewCommandSender(registry, 30*time.Second, logger)
//	err := sender.Send(ctx, "imessage", "+15555550123", "hello")
//
// # Overlay File
//
// backends.toml may replace or add catalog entries:
//
//	[[backend]]
//	name = "whatsapp"
//	label = "WhatsApp"
//	session_suffix = "wapp"
//	send_command = ["mudslide", "send", "{id}", "{text}"]
package backend
