// Package events appends to the audit log. It has no update or delete path.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"leadflow/internal/domain"
)

const (
	TypeLeadCreated      = "lead.created"
	TypeStageAdvanced    = "lead.stage_advanced"
	TypeStatusChanged    = "lead.status_changed"
	TypeReverted         = "lead.reverted"
	TypeReassigned       = "lead.reassigned"
	TypeLeadUpdated      = "lead.updated"
	TypeArtifactRecorded = "artifact.recorded"
	TypeLeadDeleted      = "lead.deleted"
)

// Types lists every audit type the engine writes.
var Types = []string{
	TypeLeadCreated,
	TypeStageAdvanced,
	TypeStatusChanged,
	TypeReverted,
	TypeReassigned,
	TypeLeadUpdated,
	TypeArtifactRecorded,
	TypeLeadDeleted,
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one audit entry inside tx and returns it with ID and TS filled in.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, entry domain.AuditEntry, payload EventPayload) (domain.AuditEntry, error) {
	if tx == nil {
		return entry, fmt.Errorf("audit append requires a transaction")
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	if entry.TS == "" {
		entry.TS = w.Now().UTC().Format(time.RFC3339)
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return entry, fmt.Errorf("marshal event payload: %w", err)
	}
	entry.Payload = string(data)
	res, err := tx.ExecContext(ctx, `INSERT INTO audit_log(ts,type,lead_id,vendor_id,kind,action,from_stage,to_stage,from_status,to_status,actor_id,actor_role,remark,due_date,payload_json) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		entry.TS, entry.Type, entry.LeadID, entry.VendorID, nullable(string(entry.Kind)), nullable(string(entry.Action)),
		nullable(string(entry.FromStage)), nullable(string(entry.ToStage)), nullable(string(entry.FromStatus)), nullable(string(entry.ToStatus)),
		entry.ActorID, nullable(string(entry.ActorRole)), nullable(entry.Remark), nullable(entry.DueDate), entry.Payload)
	if err != nil {
		return entry, fmt.Errorf("append audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return entry, err
	}
	entry.ID = id
	return entry, nil
}

// FromTransition builds the audit row for an executed transition.
func FromTransition(evtType, vendorID string, t domain.Transition) domain.AuditEntry {
	entry := domain.AuditEntry{
		TS:         t.Timestamp,
		Type:       evtType,
		LeadID:     t.LeadID,
		VendorID:   vendorID,
		Kind:       t.Kind,
		Action:     t.Action,
		FromStage:  t.FromStage,
		ToStage:    t.ToStage,
		FromStatus: t.FromStatus,
		ToStatus:   t.ToStatus,
		ActorID:    t.ActorID,
		ActorRole:  t.ActorRole,
		Remark:     t.Remark,
	}
	if t.DueDate != nil {
		entry.DueDate = *t.DueDate
	}
	return entry
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
