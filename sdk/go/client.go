package leadflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Leadflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Lead represents the API lead model.
type Lead struct {
	ID             string         `json:"id"`
	VendorID       string         `json:"vendor_id"`
	Title          string         `json:"title"`
	ClientName     string         `json:"client_name,omitempty"`
	Stage          string         `json:"stage"`
	ActivityStatus string         `json:"activity_status"`
	OwnerRole      string         `json:"owner_role"`
	AssignedUserID string         `json:"assigned_user_id,omitempty"`
	Counts         map[string]int `json:"aggregate_counts"`
	StatusRemark   string         `json:"status_remark,omitempty"`
	StatusDueDate  *string        `json:"status_due_date,omitempty"`
	Version        int64          `json:"version"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// Readiness explains whether a lead may leave its stage.
type Readiness struct {
	Allowed   bool     `json:"allowed"`
	Reasons   []string `json:"reasons"`
	NextStage string   `json:"next_stage,omitempty"`
}

// ActionState tells whether an action should be shown and whether it can be used.
type ActionState struct {
	Action     string   `json:"action"`
	Visible    bool     `json:"visible"`
	Actionable bool     `json:"actionable"`
	Reasons    []string `json:"reasons,omitempty"`
}

// AuditEntry represents one audit log row.
type AuditEntry struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	LeadID     string         `json:"lead_id"`
	VendorID   string         `json:"vendor_id"`
	Action     string         `json:"action,omitempty"`
	FromStage  string         `json:"from_stage,omitempty"`
	ToStage    string         `json:"to_stage,omitempty"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	ActorID    string         `json:"actor_id"`
	Remark     string         `json:"remark,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// PaginatedAudit wraps audit listings with a cursor.
type PaginatedAudit struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Reasons returns the unmet preconditions or forbidden reasons carried by the error, if any.
func (e *APIError) Reasons() []string {
	raw, _ := e.Details["reasons"].([]any)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IsConflict reports whether err is a 409 from a stale version or target.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict && apiErr.Code == "conflict"
}

// CreateLeadInput carries the fields accepted by CreateLead.
type CreateLeadInput struct {
	Title          string         `json:"title"`
	ClientName     string         `json:"client_name,omitempty"`
	AssignedUserID string         `json:"assigned_user_id,omitempty"`
	Counts         map[string]int `json:"aggregate_counts,omitempty"`
}

// CreateLead creates a lead at the first stage.
func (c *Client) CreateLead(ctx context.Context, in CreateLeadInput) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodPost, "leads", in, &resp)
	return resp, err
}

// GetLead fetches a lead by id.
func (c *Client) GetLead(ctx context.Context, leadID string) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodGet, leadPath(leadID, ""), nil, &resp)
	return resp, err
}

// Advance moves a lead to toStage, which must be its next stage.
// expectedVersion of 0 skips the version check.
func (c *Client) Advance(ctx context.Context, leadID, toStage, remark string, expectedVersion int64) (Lead, error) {
	body := map[string]any{"remark": remark}
	if expectedVersion > 0 {
		body["expected_version"] = expectedVersion
	}
	var resp Lead
	endpoint := leadPath(leadID, "stages/"+url.PathEscape(toStage))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AdvanceNext reads the lead and advances it one stage. When another writer bumps the
// version in between, the lead is read again and the advance retried once; a stage
// that already moved comes back as a conflict rather than a double advance.
func (c *Client) AdvanceNext(ctx context.Context, leadID, remark string) (Lead, error) {
	lead, err := c.GetLead(ctx, leadID)
	if err != nil {
		return Lead{}, err
	}
	readiness, err := c.Readiness(ctx, leadID)
	if err != nil {
		return Lead{}, err
	}
	target := readiness.NextStage
	if target == "" {
		return Lead{}, fmt.Errorf("lead %s has no next stage", leadID)
	}
	out, err := c.Advance(ctx, leadID, target, remark, lead.Version)
	if !IsConflict(err) {
		return out, err
	}
	lead, err = c.GetLead(ctx, leadID)
	if err != nil {
		return Lead{}, err
	}
	return c.Advance(ctx, leadID, target, remark, lead.Version)
}

// ChangeStatus moves a lead's activity status. dueDate is required for on_hold.
func (c *Client) ChangeStatus(ctx context.Context, leadID, status, remark, dueDate string) (Lead, error) {
	body := map[string]any{
		"lead_id": leadID,
		"status":  status,
		"remark":  remark,
	}
	if dueDate != "" {
		body["due_date"] = dueDate
	}
	var resp Lead
	err := c.do(ctx, http.MethodPost, "activity-status", body, &resp)
	return resp, err
}

// Revert returns a suspended lead to active.
func (c *Client) Revert(ctx context.Context, leadID, remark string) (Lead, error) {
	body := map[string]any{
		"lead_id": leadID,
		"remark":  remark,
	}
	var resp Lead
	err := c.do(ctx, http.MethodPost, "activity-status/revert", body, &resp)
	return resp, err
}

// Reassign hands the lead to another user.
func (c *Client) Reassign(ctx context.Context, leadID, userID string) (Lead, error) {
	var resp Lead
	err := c.do(ctx, http.MethodPost, leadPath(leadID, "reassign"), map[string]any{"assigned_user_id": userID}, &resp)
	return resp, err
}

// RecordArtifact adjusts a lead counter by delta.
func (c *Client) RecordArtifact(ctx context.Context, leadID, counter string, delta int) (Lead, error) {
	body := map[string]any{
		"counter": counter,
		"delta":   delta,
	}
	var resp Lead
	err := c.do(ctx, http.MethodPost, leadPath(leadID, "artifacts"), body, &resp)
	return resp, err
}

// Readiness explains whether the lead can advance.
func (c *Client) Readiness(ctx context.Context, leadID string) (Readiness, error) {
	var resp Readiness
	err := c.do(ctx, http.MethodGet, leadPath(leadID, "readiness"), nil, &resp)
	return resp, err
}

// Actions lists the actions the caller can see and use on the lead.
func (c *Client) Actions(ctx context.Context, leadID string) ([]ActionState, error) {
	var resp []ActionState
	err := c.do(ctx, http.MethodGet, leadPath(leadID, "actions"), nil, &resp)
	return resp, err
}

// HistoryPage returns one page of a lead's audit trail, newest first.
func (c *Client) HistoryPage(ctx context.Context, leadID string, limit int, cursor string) (PaginatedAudit, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := leadPath(leadID, "history")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedAudit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func leadPath(leadID, sub string) string {
	p := "leads/" + url.PathEscape(leadID)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env errorEnvelope
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
