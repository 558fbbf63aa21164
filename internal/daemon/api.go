// ABOUTME: HTTP API handlers for the control plane: inject, status, session actions.
// ABOUTME: Bridges POST transport events here; operators drive kill/restart/prompt.

package daemon

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-courier/internal/auth"
	"github.com/2389/coven-courier/internal/dedupe"
	"github.com/2389/coven-courier/internal/registry"
	"github.com/2389/coven-courier/internal/session"
)

// InjectRequest is the JSON body for POST /api/inject: one inbound
// transport event as observed by a bridge.
type InjectRequest struct {
	ID           string    `json:"id"`
	SenderID     string    `json:"sender_id,omitempty"`
	Text         string    `json:"text"`
	Backend      string    `json:"backend"`
	Tier         string    `json:"tier"`
	DisplayName  string    `json:"display_name,omitempty"`
	IsGroup      bool      `json:"is_group,omitempty"`
	Participants []string  `json:"participants,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitzero"`
}

// InjectResponse is the JSON response for POST /api/inject.
type InjectResponse struct {
	Status string `json:"status"` // "queued" | "duplicate" | "dropped"
	Reason string `json:"reason,omitempty"`
}

// PromptRequest is the JSON body for POST /api/sessions/{id}/prompt.
type PromptRequest struct {
	Text string `json:"text"`
}

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	Live     int                     `json:"live"`
	Sessions []session.SessionStatus `json:"sessions"`
}

// routes builds the control-plane handler. Everything under /api/ requires
// a bearer token; /healthz stays open for the watchdog probe.
func (d *Daemon) routes(verifier auth.TokenVerifier) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", d.handleHealthz)

	authed := auth.Middleware(verifier)
	mux.Handle("/api/inject", authed(http.HandlerFunc(d.handleInject)))
	mux.Handle("/api/status", authed(http.HandlerFunc(d.handleStatus)))
	mux.Handle("/api/sessions", authed(http.HandlerFunc(d.handleListSessions)))
	mux.Handle("/api/sessions/", authed(http.HandlerFunc(d.handleSessionAction)))
	return mux
}

// handleHealthz answers the watchdog's liveness probe. Deliberately shallow:
// if the process can serve this, supervision is working at the level the
// watchdog cares about.
func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": d.manager.LiveCount(),
	})
}

// handleInject accepts one transport event, dedupes it, and routes it into
// the sender's session.
func (d *Daemon) handleInject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseInjectRequest(r.Body)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := dedupe.EventKey(req.Backend, req.SenderID, req.Timestamp, req.Text)
	if d.dedupe.Duplicate(key) {
		writeJSON(w, http.StatusOK, InjectResponse{Status: "duplicate"})
		return
	}

	contact := session.ContactInfo{
		Tier:         req.Tier,
		DisplayName:  req.DisplayName,
		Backend:      req.Backend,
		IsGroup:      req.IsGroup,
		Participants: req.Participants,
	}

	err = d.manager.Inject(r.Context(), req.ID, req.Text, contact)
	switch {
	case errors.Is(err, session.ErrUnknownTier):
		// The contact never learns; the bridge does.
		writeJSON(w, http.StatusOK, InjectResponse{Status: "dropped", Reason: "unknown tier"})
	case errors.Is(err, session.ErrCreateFailed):
		d.logger.Error("session creation failed", "contact", req.ID, "error", err)
		sendJSONError(w, http.StatusServiceUnavailable, "session unavailable")
	case err != nil:
		d.logger.Error("inject failed", "contact", req.ID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusAccepted, InjectResponse{Status: "queued"})
	}
}

// parseInjectRequest decodes and validates an inject body.
func parseInjectRequest(r io.Reader) (*InjectRequest, error) {
	var req InjectRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.ID == "" {
		return nil, errors.New("id is required")
	}
	if req.Text == "" {
		return nil, errors.New("text is required")
	}
	if req.SenderID == "" {
		req.SenderID = req.ID
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	return &req, nil
}

// handleStatus handles GET /api/status: live session snapshots.
func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	statuses := d.manager.Status()
	writeJSON(w, http.StatusOK, StatusResponse{Live: len(statuses), Sessions: statuses})
}

// handleListSessions handles GET /api/sessions: every known session record,
// live or not.
func (d *Daemon) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	records := d.reg.SnapshotAll()
	out := make([]*registry.SessionRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleSessionAction routes POST /api/sessions/{id}/{kill|restart|prompt}.
func (d *Daemon) handleSessionAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	id, action, ok := strings.Cut(rest, "/")
	if !ok || id == "" {
		sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	switch action {
	case "kill":
		d.manager.Kill(id)
		w.WriteHeader(http.StatusNoContent)

	case "restart":
		if err := d.manager.Restart(r.Context(), id, "operator request"); err != nil {
			if errors.Is(err, session.ErrNoLiveSession) || errors.Is(err, registry.ErrNotFound) {
				sendJSONError(w, http.StatusNotFound, "unknown session")
				return
			}
			d.logger.Error("operator restart failed", "contact", id, "error", err)
			sendJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})

	case "prompt":
		d.handlePrompt(w, r, id)

	default:
		sendJSONError(w, http.StatusNotFound, "unknown action")
	}
}

// handlePrompt injects operator text into an existing session, rebuilding
// the contact shape from the registry record.
func (d *Daemon) handlePrompt(w http.ResponseWriter, r *http.Request, id string) {
	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		sendJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	rec, err := d.reg.Get(id)
	if errors.Is(err, registry.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	contact := session.ContactInfo{
		Tier:         rec.Tier,
		Backend:      rec.Backend,
		IsGroup:      len(rec.Participants) > 0,
		Participants: rec.Participants,
	}

	if err := d.manager.Inject(r.Context(), id, req.Text, contact); err != nil {
		d.logger.Error("operator prompt failed", "contact", id, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, InjectResponse{Status: "queued"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
