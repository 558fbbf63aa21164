// ABOUTME: SessionRecord type and the on-disk registry document shape.
// ABOUTME: One record per contact/group id; the document is read by external tools too.

package registry

import "time"

// SessionRecord is the durable metadata for one contact or group session.
// Records are created on first inbound message and survive idle reaping;
// only explicit removal deletes one.
type SessionRecord struct {
	// ID is the contact or group identifier (registry key).
	ID string `json:"id"`

	// SessionName is derived deterministically from (transport, id) and is
	// stable for the contact's lifetime.
	SessionName string `json:"sessionName"`

	// Backend names the transport this contact arrived on.
	Backend string `json:"backend"`

	// Tier is the contact's trust tier at session creation.
	Tier string `json:"tier"`

	// Model is the agent model selected for this session.
	Model string `json:"model"`

	// ResumeToken is the opaque token last issued by the agent, or empty.
	// It is only ever a value the agent itself produced.
	ResumeToken string `json:"resumeToken,omitempty"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`

	// TranscriptDir is where this session's transcript artifacts live.
	TranscriptDir string `json:"transcriptDir"`

	// Participants lists group member identifiers for group sessions.
	Participants []string `json:"participants,omitempty"`
}

// clone returns a deep copy so callers can never mutate registry state
// through a returned record.
func (r *SessionRecord) clone() *SessionRecord {
	c := *r
	if r.Participants != nil {
		c.Participants = append([]string(nil), r.Participants...)
	}
	return &c
}

// document is the single-file registry format. External readers parse the
// same shape and must honor the advisory lock.
type document struct {
	Version  int                       `json:"version"`
	Sessions map[string]*SessionRecord `json:"sessions"`
}

const documentVersion = 1
