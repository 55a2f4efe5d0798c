package execopssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Execops HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Event represents an ingested event.
type Event struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Type       string         `json:"type"`
	ExternalID *string        `json:"external_id,omitempty"`
	Payload    map[string]any `json:"payload"`
	ReceivedAt string         `json:"received_at"`
	Processed  bool           `json:"processed"`
	Duplicate  bool           `json:"duplicate,omitempty"`
}

// Proposal represents a drafted action awaiting approval.
type Proposal struct {
	ID            string         `json:"id"`
	EventID       string         `json:"event_id"`
	Vertical      string         `json:"vertical"`
	ActionType    string         `json:"action_type"`
	Target        string         `json:"target"`
	Title         string         `json:"title"`
	Body          string         `json:"body,omitempty"`
	Params        map[string]any `json:"params"`
	Urgency       string         `json:"urgency"`
	Confidence    float64        `json:"confidence"`
	LowConfidence bool           `json:"low_confidence"`
	Status        string         `json:"status"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
	ApprovedAt    *string        `json:"approved_at,omitempty"`
	ExecutedAt    *string        `json:"executed_at,omitempty"`
}

// ProposeResult reports what the vertical pipeline decided for an event.
type ProposeResult struct {
	Outcome  string    `json:"outcome"`
	Proposal *Proposal `json:"proposal,omitempty"`
}

// Execution represents one attempt at running an approved proposal.
type Execution struct {
	ID             string         `json:"id"`
	ProposalID     string         `json:"proposal_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Attempt        int            `json:"attempt"`
	Status         string         `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      string         `json:"started_at"`
	FinishedAt     *string        `json:"finished_at,omitempty"`
}

// AuditEntry represents one audit log row.
type AuditEntry struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Action     string         `json:"action"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IngestEvent submits an event. Redeliveries return the original event with
// Duplicate set.
func (c *Client) IngestEvent(ctx context.Context, source, eventType, externalID string, payload map[string]any) (Event, error) {
	body := map[string]any{
		"source":  source,
		"type":    eventType,
		"payload": payload,
	}
	if externalID != "" {
		body["external_id"] = externalID
	}
	var resp Event
	err := c.do(ctx, http.MethodPost, "v0/events", body, &resp)
	return resp, err
}

// Propose runs an event through its vertical pipeline.
func (c *Client) Propose(ctx context.Context, eventID string) (ProposeResult, error) {
	var resp ProposeResult
	endpoint := fmt.Sprintf("v0/events/%s/propose", url.PathEscape(eventID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Proposals lists proposals, optionally filtered by status and vertical.
func (c *Client) Proposals(ctx context.Context, status, vertical string) ([]Proposal, error) {
	endpoint := "v0/proposals"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if vertical != "" {
		q.Set("vertical", vertical)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Proposal
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetProposal fetches a proposal by id.
func (c *Client) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	endpoint := fmt.Sprintf("v0/proposals/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Approve approves a pending proposal.
func (c *Client) Approve(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	endpoint := fmt.Sprintf("v0/proposals/%s/approve", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Reject rejects a pending proposal with a reason.
func (c *Client) Reject(ctx context.Context, id, reason string) (Proposal, error) {
	var resp Proposal
	endpoint := fmt.Sprintf("v0/proposals/%s/reject", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Execute runs an approved proposal. Repeat calls return the recorded
// execution instead of firing the action again.
func (c *Client) Execute(ctx context.Context, id string, newAttempt bool) (Execution, error) {
	var resp Execution
	endpoint := fmt.Sprintf("v0/proposals/%s/execute", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"new_attempt": newAttempt}, &resp)
	return resp, err
}

// Executions lists the execution history for a proposal.
func (c *Client) Executions(ctx context.Context, proposalID string) ([]Execution, error) {
	var resp []Execution
	endpoint := fmt.Sprintf("v0/proposals/%s/executions", url.PathEscape(proposalID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Audit returns recent audit entries, optionally filtered by action.
func (c *Client) Audit(ctx context.Context, action string, limit int) ([]AuditEntry, error) {
	endpoint := "v0/audit"
	q := url.Values{}
	if action != "" {
		q.Set("action", action)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
