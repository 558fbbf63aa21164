// Package agent defines the boundary to the conversational agent backend.
//
// # Overview
//
// The orchestrator treats the agent as opaque: a Client opens a Conn for a
// session, Prompt issues turns, and the agent's streamed output arrives as
// Events. What the agent reasons about, which tools it runs, and how it
// stores memory are all somebody else's problem.
//
// # Wire Protocol
//
// ProcessClient runs one agent subprocess per session. Both directions are
// newline-delimited JSON.
//
// stdin (daemon → agent):
//
//	{"type":"prompt","turn_id":"…","text":"hello"}
//
// stdout (agent → daemon):
//
//	{"type":"session","session_id":"resume-token-…"}
//	{"type":"thinking","text":"…"}
//	{"type":"text","text":"…"}
//	{"type":"tool_use","tool_id":"…","tool_name":"…","tool_input":{…}}
//	{"type":"tool_result","tool_id":"…","output":"…","is_error":false}
//	{"type":"done","text":"full response"}
//	{"type":"error","message":"…"}
//
// The first line after startup is the session announcement; Connect blocks
// until it arrives (or the ctx deadline makes it a ConnectFailure). The
// session_id doubles as the resume token: passing it back via
// ConnectOptions.ResumeToken continues the prior conversation.
//
// # Resume Tokens
//
// A resume token is only ever a value the agent itself issued. The
// orchestrator stores the latest EventResume token and replays it verbatim
// on reconnect; it never synthesizes one.
package agent
