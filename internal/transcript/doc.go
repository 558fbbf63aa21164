// Package transcript persists per-session conversation entries in SQLite.
//
// # Overview
//
// Every inbound message and every streamed agent event becomes one Entry.
// Entries carry a store-assigned monotonic sequence number so readers can
// resume scans from a cursor:
//
//   - the fast health tier scans Since(session, lastSeenSeq) for fatal
//     signatures without ever rescanning the same line;
//   - the deep health tier feeds Recent(session, n) to the classifier;
//   - the control API serves transcript tails in status responses.
//
// The store is audit-grade, not the agent's memory: the agent keeps its own
// conversational context behind the resume token.
package transcript
