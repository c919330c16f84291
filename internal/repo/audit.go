package repo

import (
	"context"
	"fmt"
	"strings"

	"leadflow/internal/domain"
)

const auditColumns = `id,ts,type,lead_id,vendor_id,COALESCE(kind,''),COALESCE(action,''),COALESCE(from_stage,''),COALESCE(to_stage,''),COALESCE(from_status,''),COALESCE(to_status,''),actor_id,COALESCE(actor_role,''),COALESCE(remark,''),COALESCE(due_date,''),payload_json`

type AuditFilters struct {
	VendorID string
	LeadID   string
	Type     string
	// Cursor returns entries strictly older than this id.
	Cursor int64
	Limit  int
}

func scanAudit(row rowScanner) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	err := row.Scan(&e.ID, &e.TS, &e.Type, &e.LeadID, &e.VendorID, &e.Kind, &e.Action, &e.FromStage, &e.ToStage,
		&e.FromStatus, &e.ToStatus, &e.ActorID, &e.ActorRole, &e.Remark, &e.DueDate, &e.Payload)
	return e, err
}

// ListAudit returns audit entries newest first.
func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.VendorID != "" {
		clauses = append(clauses, "vendor_id=?")
		args = append(args, f.VendorID)
	}
	if f.LeadID != "" {
		clauses = append(clauses, "lead_id=?")
		args = append(args, f.LeadID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT %s FROM audit_log WHERE %s ORDER BY id DESC LIMIT ?`, auditColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryAudit(ctx, query, args...)
}

// AuditAfter returns entries with IDs greater than the cursor in ascending order.
func (r Repo) AuditAfter(ctx context.Context, limit int, cursor int64, vendorID string) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if vendorID != "" {
		clauses = append(clauses, "vendor_id=?")
		args = append(args, vendorID)
	}
	query := fmt.Sprintf(`SELECT %s FROM audit_log WHERE %s ORDER BY id ASC LIMIT ?`, auditColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryAudit(ctx, query, args...)
}

// LeadAudit returns every entry for one lead in commit order.
func (r Repo) LeadAudit(ctx context.Context, leadID string) ([]domain.AuditEntry, error) {
	return r.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE lead_id=? ORDER BY id ASC`, leadID)
}

// LatestAuditID returns the highest audit id, or 0 for an empty log.
func (r Repo) LatestAuditID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_log`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CountAudit returns how many entries exist for a lead.
func (r Repo) CountAudit(ctx context.Context, leadID string) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE lead_id=?`, leadID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r Repo) queryAudit(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
