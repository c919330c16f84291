// Package auth holds the static permission matrix keyed by (role, stage, action).
// Identities arrive already authenticated; this package only authorizes.
package auth

import (
	"fmt"

	"leadflow/internal/domain"
)

// ForbiddenError indicates the role lacks the action at the lead's current stage.
type ForbiddenError struct {
	Role   domain.Role
	Stage  domain.Stage
	Action domain.Action
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not %s at stage %s", e.Role, e.Action, e.Stage)
}

type actionSet uint16

func (s actionSet) has(a domain.Action) bool {
	bit, ok := actionBits[a]
	return ok && s&bit != 0
}

var actionBits = func() map[domain.Action]actionSet {
	bits := make(map[domain.Action]actionSet, len(domain.Actions))
	for i, a := range domain.Actions {
		bits[a] = 1 << uint(i)
	}
	return bits
}()

func setOf(actions ...domain.Action) actionSet {
	var s actionSet
	for _, a := range actions {
		s |= actionBits[a]
	}
	return s
}

// stageChain mirrors the registry order; the matrix only needs membership and the terminal stage.
var stageChain = []domain.Stage{
	domain.StageLead,
	domain.StageDesigning,
	domain.StageBooking,
	domain.StageFinalMeasurement,
	domain.StageClientDocumentation,
	domain.StageClientApproval,
	domain.StageTechCheck,
	domain.StageOrderLogin,
	domain.StageProduction,
	domain.StageDispatchPlanning,
	domain.StageDispatch,
	domain.StageInstallation,
	domain.StageFinalHandover,
}

var stageOwners = map[domain.Stage][]domain.Role{
	domain.StageLead:                {domain.RoleSalesExecutive},
	domain.StageDesigning:           {domain.RoleSalesExecutive, domain.RoleDesigner},
	domain.StageBooking:             {domain.RoleSalesExecutive},
	domain.StageFinalMeasurement:    {domain.RoleSiteSupervisor},
	domain.StageClientDocumentation: {domain.RoleDesigner},
	domain.StageClientApproval:      {domain.RoleSalesExecutive},
	domain.StageTechCheck:           {domain.RoleTechCheck},
	domain.StageOrderLogin:          {domain.RoleDesigner},
	domain.StageProduction:          {domain.RoleFactory},
	domain.StageDispatchPlanning:    {domain.RoleFactory},
	domain.StageDispatch:            {domain.RoleFactory},
	domain.StageInstallation:        {domain.RoleSiteSupervisor},
	domain.StageFinalHandover:       {},
}

// Sales keeps reassignment rights until the order is handed to the backend.
var reassignStages = map[domain.Stage]bool{
	domain.StageLead:                true,
	domain.StageDesigning:           true,
	domain.StageBooking:             true,
	domain.StageFinalMeasurement:    true,
	domain.StageClientDocumentation: true,
	domain.StageClientApproval:      true,
}

var suspendActions = setOf(domain.ActionMarkOnHold, domain.ActionMarkLostApproval, domain.ActionMarkLost, domain.ActionRevert)

var matrix = buildMatrix()

func buildMatrix() map[domain.Role]map[domain.Stage]actionSet {
	m := make(map[domain.Role]map[domain.Stage]actionSet, len(domain.Roles))
	for _, role := range domain.Roles {
		m[role] = make(map[domain.Stage]actionSet, len(stageChain))
	}
	terminal := stageChain[len(stageChain)-1]
	all := setOf(domain.Actions...)
	for _, stage := range stageChain {
		for _, privileged := range []domain.Role{domain.RoleAdmin, domain.RoleSuperAdmin} {
			s := all
			if stage == terminal {
				s &^= setOf(domain.ActionAdvanceStage, domain.ActionMarkOnHold, domain.ActionMarkLostApproval, domain.ActionMarkLost)
			}
			m[privileged][stage] = s
		}
		for _, owner := range stageOwners[stage] {
			m[owner][stage] |= setOf(domain.ActionAdvanceStage, domain.ActionEdit)
		}
		if reassignStages[stage] {
			m[domain.RoleSalesExecutive][stage] |= setOf(domain.ActionReassign)
		}
		for _, proposer := range []domain.Role{domain.RoleSalesExecutive, domain.RoleDesigner} {
			if stage == terminal {
				m[proposer][stage] |= setOf(domain.ActionRevert)
				continue
			}
			m[proposer][stage] |= suspendActions
		}
	}
	return m
}

// IsPermitted answers the static (role, stage, action) lookup.
// Unknown roles, stages, or actions are never permitted.
func IsPermitted(role domain.Role, stage domain.Stage, action domain.Action) bool {
	stages, ok := matrix[role]
	if !ok {
		return false
	}
	return stages[stage].has(action)
}

// Visible reports whether a UI should render the control at all for this role.
// It is role-gated only; whether the control is usable right now is decided by the engine.
func Visible(role domain.Role, stage domain.Stage, action domain.Action) bool {
	return IsPermitted(role, stage, action)
}

// Check returns a ForbiddenError when the lookup denies.
func Check(role domain.Role, stage domain.Stage, action domain.Action) error {
	if IsPermitted(role, stage, action) {
		return nil
	}
	return ForbiddenError{Role: role, Stage: stage, Action: action}
}

// Allowed lists the actions a role holds at a stage, in domain.Actions order.
func Allowed(role domain.Role, stage domain.Stage) []domain.Action {
	var out []domain.Action
	for _, a := range domain.Actions {
		if IsPermitted(role, stage, a) {
			out = append(out, a)
		}
	}
	return out
}

// IsElevated reports roles that may approve a proposed loss.
func IsElevated(role domain.Role) bool {
	return role == domain.RoleAdmin || role == domain.RoleSuperAdmin
}
