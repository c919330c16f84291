package engine

import (
	"fmt"
	"strings"
	"time"

	"leadflow/internal/domain"
	"leadflow/internal/engine/auth"
)

type statusEdge struct {
	from domain.ActivityStatus
	to   domain.ActivityStatus
}

// statusEdges is the complete overlay graph. Nothing reaches Lost except ApproveLost.
var statusEdges = map[statusEdge]domain.Action{
	{domain.StatusActive, domain.StatusOnHold}:       domain.ActionMarkOnHold,
	{domain.StatusActive, domain.StatusLostApproval}: domain.ActionMarkLostApproval,
	{domain.StatusOnHold, domain.StatusLostApproval}: domain.ActionMarkLost,
	{domain.StatusLostApproval, domain.StatusLost}:   domain.ActionApproveLost,
	{domain.StatusLostApproval, domain.StatusOnHold}: domain.ActionRevert,
	{domain.StatusOnHold, domain.StatusActive}:       domain.ActionRevert,
	{domain.StatusLostApproval, domain.StatusActive}: domain.ActionRevert,
	{domain.StatusLost, domain.StatusActive}:         domain.ActionRevert,
}

// actionTarget is the status each status-changing action lands on by default.
var actionTarget = map[domain.Action]domain.ActivityStatus{
	domain.ActionMarkOnHold:       domain.StatusOnHold,
	domain.ActionMarkLostApproval: domain.StatusLostApproval,
	domain.ActionMarkLost:         domain.StatusLostApproval,
	domain.ActionApproveLost:      domain.StatusLost,
	domain.ActionRevert:           domain.StatusActive,
}

// IsStatusAction reports whether a drives the overlay rather than the stage chain.
func IsStatusAction(a domain.Action) bool {
	_, ok := actionTarget[a]
	return ok
}

// statusActions lists the overlay actions in the order a requested status is attributed to them.
var statusActions = []domain.Action{
	domain.ActionMarkOnHold,
	domain.ActionMarkLostApproval,
	domain.ActionMarkLost,
	domain.ActionApproveLost,
	domain.ActionRevert,
}

// holdsStatusAction reports whether role may drive the overlay at stage at all.
func holdsStatusAction(role domain.Role, stage domain.Stage) bool {
	for _, a := range statusActions {
		if auth.IsPermitted(role, stage, a) {
			return true
		}
	}
	return false
}

// actionLandingOn names the first overlay action whose default target is status.
func actionLandingOn(status domain.ActivityStatus) domain.Action {
	for _, a := range statusActions {
		if actionTarget[a] == status {
			return a
		}
	}
	return domain.ActionMarkOnHold
}

// StatusEdgeAction returns the action that owns the edge from -> to.
func StatusEdgeAction(from, to domain.ActivityStatus) (domain.Action, bool) {
	a, ok := statusEdges[statusEdge{from, to}]
	return a, ok
}

// ResolveStatusAction maps a requested target status onto the action that reaches it from current.
// An unknown or illegal pair is an InvalidStatusEdge.
func ResolveStatusAction(current, requested domain.ActivityStatus) (domain.Action, error) {
	if !requested.Valid() {
		return "", validation("unknown activity status %q", requested)
	}
	a, ok := StatusEdgeAction(current, requested)
	if !ok {
		return "", invalidEdge(current, requested)
	}
	return a, nil
}

// checkStatusEdge validates that action moves current to target.
func checkStatusEdge(action domain.Action, current, target domain.ActivityStatus) error {
	a, ok := StatusEdgeAction(current, target)
	if !ok || a != action {
		return invalidEdge(current, target)
	}
	return nil
}

// StatusFields carries the inputs every overlay transition must collect.
type StatusFields struct {
	Remark  string
	DueDate string
}

// validateStatusFields enforces the remark and, for OnHold targets, a due date strictly after now.
// It returns the normalized due date.
func validateStatusFields(target domain.ActivityStatus, f StatusFields, now time.Time) (*string, error) {
	if strings.TrimSpace(f.Remark) == "" {
		return nil, validation("remark is required")
	}
	if target != domain.StatusOnHold {
		if strings.TrimSpace(f.DueDate) != "" {
			return nil, validation("due_date is only accepted when putting a lead on hold")
		}
		return nil, nil
	}
	if strings.TrimSpace(f.DueDate) == "" {
		return nil, validation("due_date is required for on_hold")
	}
	due, err := parseDueDate(f.DueDate)
	if err != nil {
		return nil, validation("due_date %q is not RFC3339 or YYYY-MM-DD", f.DueDate)
	}
	if !due.After(now) {
		return nil, validation("due_date must be in the future")
	}
	s := due.UTC().Format(time.RFC3339)
	return &s, nil
}

func parseDueDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func invalidEdge(from, to domain.ActivityStatus) *TransitionError {
	return &TransitionError{
		Kind:    KindInvalidStatusEdge,
		Code:    "invalid_status_edge",
		Message: fmt.Sprintf("no activity-status transition from %s to %s", from, to),
	}
}
