package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"leadflow/internal/domain"
	"leadflow/internal/events"
)

// ReplayState is the lead state rebuilt purely from its audit entries.
type ReplayState struct {
	LeadID         string                `json:"lead_id"`
	Stage          domain.Stage          `json:"stage"`
	ActivityStatus domain.ActivityStatus `json:"activity_status"`
	AssignedUserID string                `json:"assigned_user_id,omitempty"`
	Counts         map[string]int        `json:"aggregate_counts"`
	// Version equals the number of entries: creation writes version 1 and every later entry bumps it.
	Version int64 `json:"version"`
}

type replayPayload struct {
	Counts         map[string]int `json:"counts"`
	Counter        string         `json:"counter"`
	Value          int            `json:"value"`
	AssignedUserID string         `json:"assigned_user_id"`
	To             string         `json:"to"`
	Payload        map[string]any `json:"payload"`
}

// Replay folds the lead's audit log in commit order.
func (e Engine) Replay(ctx context.Context, leadID string, actor domain.Actor) (ReplayState, error) {
	if _, err := e.GetLead(ctx, leadID, actor); err != nil {
		return ReplayState{}, err
	}
	entries, err := e.Repo.LeadAudit(ctx, leadID)
	if err != nil {
		return ReplayState{}, err
	}
	return Fold(leadID, entries)
}

// Fold applies entries in order. The first entry must be the creation record.
func Fold(leadID string, entries []domain.AuditEntry) (ReplayState, error) {
	st := ReplayState{LeadID: leadID, Counts: map[string]int{}}
	for i, entry := range entries {
		var p replayPayload
		if entry.Payload != "" {
			if err := json.Unmarshal([]byte(entry.Payload), &p); err != nil {
				return st, fmt.Errorf("audit entry %d: decode payload: %w", entry.ID, err)
			}
		}
		if i == 0 && entry.Type != events.TypeLeadCreated {
			return st, fmt.Errorf("audit entry %d: history does not start with %s", entry.ID, events.TypeLeadCreated)
		}
		switch entry.Type {
		case events.TypeLeadCreated:
			st.Stage = entry.ToStage
			st.ActivityStatus = entry.ToStatus
			st.AssignedUserID = p.AssignedUserID
			for k, v := range p.Counts {
				st.Counts[k] = v
			}
		case events.TypeStageAdvanced:
			st.Stage = entry.ToStage
			if a, ok := p.Payload["assigned_user_id"].(string); ok && strings.TrimSpace(a) != "" {
				st.AssignedUserID = a
			}
		case events.TypeStatusChanged, events.TypeReverted:
			st.ActivityStatus = entry.ToStatus
		case events.TypeReassigned:
			st.AssignedUserID = p.To
		case events.TypeArtifactRecorded:
			st.Counts[p.Counter] = p.Value
		}
		st.Version++
	}
	return st, nil
}
