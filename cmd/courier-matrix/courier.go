// ABOUTME: Courier daemon API client for courier-matrix bridge
// ABOUTME: Posts inbound messages to the daemon's inject endpoint

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// InjectRequest is the request body for POST /api/inject.
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

// InjectResponse is the daemon's answer: queued, duplicate, or dropped.
type InjectResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// CourierClient communicates with the courier daemon HTTP API.
type CourierClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewCourierClient creates a new daemon client.
func NewCourierClient(baseURL, token string) *CourierClient {
	return &CourierClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Inject posts an inbound message to the daemon. The returned response says
// whether the message was queued, deduplicated, or dropped.
func (c *CourierClient) Inject(ctx context.Context, req InjectRequest) (*InjectResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/inject", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, c.handleErrorResponse(resp)
	}

	var injectResp InjectResponse
	if err := json.NewDecoder(resp.Body).Decode(&injectResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &injectResp, nil
}

// handleErrorResponse extracts an error message from a non-2xx response.
func (c *CourierClient) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("courier error (%d): %s", resp.StatusCode, errResp.Error)
		}
	}

	return fmt.Errorf("courier returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
