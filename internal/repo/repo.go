package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"leadflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a versioned write matched no row: someone else committed first.
	ErrConflict = errors.New("version conflict")
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const leadColumns = `id,vendor_id,title,client_name,stage,activity_status,owner_role,assigned_user_id,status_remark,status_due_date,lost_proposed_by,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (domain.Lead, error) {
	var l domain.Lead
	var clientName, assignee, remark, dueDate, proposedBy sql.NullString
	err := row.Scan(&l.ID, &l.VendorID, &l.Title, &clientName, &l.Stage, &l.ActivityStatus, &l.OwnerRole,
		&assignee, &remark, &dueDate, &proposedBy, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.ClientName = clientName.String
	l.AssignedUserID = assignee.String
	l.StatusRemark = remark.String
	l.LostProposedBy = proposedBy.String
	if dueDate.Valid {
		l.StatusDueDate = &dueDate.String
	}
	return l, nil
}

// InsertLead stores a new lead and its initial counters.
func (r Repo) InsertLead(ctx context.Context, tx *sql.Tx, l domain.Lead) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO leads(`+leadColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.VendorID, l.Title, nullable(l.ClientName), l.Stage, l.ActivityStatus, l.OwnerRole,
		nullable(l.AssignedUserID), nullable(l.StatusRemark), nullableStringPtr(l.StatusDueDate), nullable(l.LostProposedBy),
		l.Version, l.CreatedAt, l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	for name, value := range l.Counts {
		if err := r.SetCounter(ctx, tx, l.ID, name, value); err != nil {
			return err
		}
	}
	return nil
}

// GetLead reads a lead with its counters outside any transaction.
func (r Repo) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	return r.getLead(ctx, r.DB, id)
}

// GetLeadTx is the authoritative read used by the transition executor.
func (r Repo) GetLeadTx(ctx context.Context, tx *sql.Tx, id string) (domain.Lead, error) {
	return r.getLead(ctx, tx, id)
}

func (r Repo) getLead(ctx context.Context, q queryer, id string) (domain.Lead, error) {
	l, err := scanLead(q.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=?`, id))
	if err != nil {
		return l, err
	}
	counts, err := listCounters(ctx, q, id)
	if err != nil {
		return l, err
	}
	l.Counts = counts
	return l, nil
}

// UpdateLead writes the mutable lead fields if the stored version still equals expectedVersion,
// bumping the version by one. A stale version yields ErrConflict and no write.
func (r Repo) UpdateLead(ctx context.Context, tx *sql.Tx, l domain.Lead, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE leads SET title=?, client_name=?, stage=?, activity_status=?, owner_role=?, assigned_user_id=?, status_remark=?, status_due_date=?, lost_proposed_by=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		l.Title, nullable(l.ClientName), l.Stage, l.ActivityStatus, l.OwnerRole, nullable(l.AssignedUserID),
		nullable(l.StatusRemark), nullableStringPtr(l.StatusDueDate), nullable(l.LostProposedBy), l.UpdatedAt, l.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update lead: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteLead removes a lead and its counters. Audit rows are kept.
func (r Repo) DeleteLead(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM leads WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCounter upserts one named counter.
func (r Repo) SetCounter(ctx context.Context, tx *sql.Tx, leadID, name string, value int) error {
	if value < 0 {
		return fmt.Errorf("counter %s cannot be negative", name)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO lead_counters(lead_id,name,value) VALUES (?,?,?)
ON CONFLICT(lead_id,name) DO UPDATE SET value=excluded.value`, leadID, name, value)
	if err != nil {
		return fmt.Errorf("set counter %s: %w", name, err)
	}
	return nil
}

// ListCounters returns every counter stored for a lead.
func (r Repo) ListCounters(ctx context.Context, leadID string) (map[string]int, error) {
	return listCounters(ctx, r.DB, leadID)
}

func listCounters(ctx context.Context, q queryer, leadID string) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT name,value FROM lead_counters WHERE lead_id=?`, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var name string
		var value int
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		counts[name] = value
	}
	return counts, rows.Err()
}

type LeadFilters struct {
	VendorID        string
	Stage           string
	Status          string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListLeads returns leads newest first. Counters are loaded for each row.
func (r Repo) ListLeads(ctx context.Context, f LeadFilters) ([]domain.Lead, error) {
	var clauses []string
	var args []any
	if f.VendorID != "" {
		clauses = append(clauses, "vendor_id=?")
		args = append(args, f.VendorID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		clauses = append(clauses, "activity_status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assigned_user_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + leadColumns + ` FROM leads ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, l)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	// Counters are read after the cursor is closed: the pool holds a single connection.
	for i := range res {
		counts, err := r.ListCounters(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Counts = counts
	}
	return res, nil
}

// CountLeadsByStatus groups a vendor's leads by activity status.
func (r Repo) CountLeadsByStatus(ctx context.Context, vendorID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT activity_status, COUNT(*) FROM leads WHERE vendor_id=? GROUP BY activity_status`, vendorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

// SortedCounterNames returns counter names in a stable order for display.
func SortedCounterNames(counts map[string]int) []string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
