package server

import (
	"encoding/json"

	"leadflow/internal/domain"
	"leadflow/internal/engine"
)

// Request payloads

type CreateLeadRequest struct {
	ID             *string        `json:"id,omitempty"`
	Title          string         `json:"title" minLength:"1"`
	ClientName     string         `json:"client_name,omitempty"`
	AssignedUserID string         `json:"assigned_user_id,omitempty"`
	Counts         map[string]int `json:"aggregate_counts,omitempty"`
}

type EditLeadRequest struct {
	Title           *string `json:"title,omitempty"`
	ClientName      *string `json:"client_name,omitempty"`
	ExpectedVersion int64   `json:"expected_version,omitempty"`
}

type AdvanceStageRequest struct {
	Payload         map[string]any `json:"payload,omitempty"`
	Remark          string         `json:"remark,omitempty"`
	ExpectedVersion int64          `json:"expected_version,omitempty"`
}

type ActivityStatusRequest struct {
	LeadID          string `json:"lead_id" minLength:"1"`
	Status          string `json:"status" enum:"active,on_hold,lost_approval,lost"`
	Remark          string `json:"remark"`
	DueDate         string `json:"due_date,omitempty" doc:"RFC3339 timestamp or YYYY-MM-DD; required for on_hold"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type RevertRequest struct {
	LeadID          string `json:"lead_id" minLength:"1"`
	Remark          string `json:"remark"`
	ToStatus        string `json:"to_status,omitempty" enum:"active,on_hold"`
	DueDate         string `json:"due_date,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type ReassignRequest struct {
	AssignedUserID  string `json:"assigned_user_id"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type ArtifactRequest struct {
	Counter         string `json:"counter" minLength:"1"`
	Delta           int    `json:"delta"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type DevLoginRequest struct {
	ActorID  string `json:"actor_id"`
	Role     string `json:"role"`
	VendorID string `json:"vendor_id"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID  string `json:"actor_id"`
	Role     string `json:"role"`
	VendorID string `json:"vendor_id"`
	Source   string `json:"source"`
}

type StageResponse struct {
	Stage string `json:"stage"`
	Label string `json:"label"`
	Owner string `json:"owner_role"`
	Next  string `json:"next_stage,omitempty"`
}

type CountsResponse struct {
	LeadID  string         `json:"lead_id"`
	Counts  map[string]int `json:"aggregate_counts"`
	Version int64          `json:"version"`
}

type SummaryResponse struct {
	VendorID string         `json:"vendor_id"`
	ByStatus map[string]int `json:"by_status"`
}

type AuditEntryResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	LeadID     string         `json:"lead_id"`
	Kind       string         `json:"kind,omitempty"`
	Action     string         `json:"action,omitempty"`
	FromStage  string         `json:"from_stage,omitempty"`
	ToStage    string         `json:"to_stage,omitempty"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	ActorID    string         `json:"actor_id"`
	ActorRole  string         `json:"actor_role,omitempty"`
	Remark     string         `json:"remark,omitempty"`
	DueDate    string         `json:"due_date,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedLeads struct {
	Items      []domain.Lead `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedAudit struct {
	Items      []AuditEntryResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

func auditResponse(e domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		LeadID:     e.LeadID,
		Kind:       string(e.Kind),
		Action:     string(e.Action),
		FromStage:  string(e.FromStage),
		ToStage:    string(e.ToStage),
		FromStatus: string(e.FromStatus),
		ToStatus:   string(e.ToStatus),
		ActorID:    e.ActorID,
		ActorRole:  string(e.ActorRole),
		Remark:     e.Remark,
		DueDate:    e.DueDate,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapAudit(items []domain.AuditEntry) []AuditEntryResponse {
	res := make([]AuditEntryResponse, 0, len(items))
	for _, e := range items {
		res = append(res, auditResponse(e))
	}
	return res
}

func stageResponses() []StageResponse {
	stages := engine.Stages()
	res := make([]StageResponse, 0, len(stages))
	for _, s := range stages {
		next, _ := engine.NextStage(s.Stage)
		res = append(res, StageResponse{Stage: string(s.Stage), Label: s.Label, Owner: string(s.Owner), Next: string(next)})
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok && len(obj) > 0 {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func nonNilCounts(in map[string]int) map[string]int {
	if in == nil {
		return map[string]int{}
	}
	return in
}
