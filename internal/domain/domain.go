package domain

// Stage is a position in the sales-to-delivery pipeline.
type Stage string

const (
	StageLead                Stage = "lead"
	StageDesigning           Stage = "designing"
	StageBooking             Stage = "booking"
	StageFinalMeasurement    Stage = "final_measurement"
	StageClientDocumentation Stage = "client_documentation"
	StageClientApproval      Stage = "client_approval"
	StageTechCheck           Stage = "tech_check"
	StageOrderLogin          Stage = "order_login"
	StageProduction          Stage = "production"
	StageDispatchPlanning    Stage = "dispatch_planning"
	StageDispatch            Stage = "dispatch"
	StageInstallation        Stage = "installation"
	StageFinalHandover       Stage = "final_handover"
)

// ActivityStatus is the suspension overlay, orthogonal to Stage.
type ActivityStatus string

const (
	StatusActive       ActivityStatus = "active"
	StatusOnHold       ActivityStatus = "on_hold"
	StatusLostApproval ActivityStatus = "lost_approval"
	StatusLost         ActivityStatus = "lost"
)

func (s ActivityStatus) Valid() bool {
	switch s {
	case StatusActive, StatusOnHold, StatusLostApproval, StatusLost:
		return true
	}
	return false
}

// Role is a lookup key into the permission matrix. There is no hierarchy.
type Role string

const (
	RoleSalesExecutive Role = "sales_executive"
	RoleDesigner       Role = "designer"
	RoleSiteSupervisor Role = "site_supervisor"
	RoleFactory        Role = "factory"
	RoleTechCheck      Role = "tech_check"
	RoleAdmin          Role = "admin"
	RoleSuperAdmin     Role = "super_admin"
)

// Roles lists every role in a stable order.
var Roles = []Role{
	RoleSalesExecutive,
	RoleDesigner,
	RoleSiteSupervisor,
	RoleFactory,
	RoleTechCheck,
	RoleAdmin,
	RoleSuperAdmin,
}

func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// Action is the closed set of things an actor can ask the engine to do.
type Action string

const (
	ActionAdvanceStage     Action = "advance_stage"
	ActionEdit             Action = "edit"
	ActionReassign         Action = "reassign"
	ActionDelete           Action = "delete"
	ActionMarkOnHold       Action = "mark_on_hold"
	ActionMarkLostApproval Action = "mark_lost_approval"
	ActionMarkLost         Action = "mark_lost"
	ActionRevert           Action = "revert"
	ActionApproveLost      Action = "approve_lost"
)

// Actions lists every action in a stable order.
var Actions = []Action{
	ActionAdvanceStage,
	ActionEdit,
	ActionReassign,
	ActionDelete,
	ActionMarkOnHold,
	ActionMarkLostApproval,
	ActionMarkLost,
	ActionRevert,
	ActionApproveLost,
}

func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// TransitionKind classifies an executed transition.
type TransitionKind string

const (
	KindStageAdvance TransitionKind = "stage_advance"
	KindStatusChange TransitionKind = "status_change"
	KindRevert       TransitionKind = "revert"
)

// Counter names used by the default precondition rules.
const (
	CounterQuotationDocs   = "quotationDocCount"
	CounterDesignDocs      = "designDocCount"
	CounterSelections      = "selectionCount"
	CounterBookingPayments = "bookingPaymentDocCount"
	CounterMeasurementDocs = "measurementDocCount"
	CounterClientDocs      = "clientDocCount"
	CounterClientApprovals = "clientApprovalCount"
	CounterTechCheckDocs   = "techCheckDocCount"
	CounterOrderLoginDocs  = "orderLoginDocCount"
	CounterProductionDocs  = "productionDocCount"
	CounterDispatchPlans   = "dispatchPlanCount"
	CounterDispatchDocs    = "dispatchDocCount"
	CounterInstallDocs     = "installationDocCount"
	CounterHandoverDocs    = "handoverDocCount"
)

type Lead struct {
	ID             string         `json:"id"`
	VendorID       string         `json:"vendor_id"`
	Title          string         `json:"title"`
	ClientName     string         `json:"client_name,omitempty"`
	Stage          Stage          `json:"stage"`
	ActivityStatus ActivityStatus `json:"activity_status"`
	OwnerRole      Role           `json:"owner_role"`
	AssignedUserID string         `json:"assigned_user_id,omitempty"`
	Counts         map[string]int `json:"aggregate_counts"`
	StatusRemark   string         `json:"status_remark,omitempty"`
	StatusDueDate  *string        `json:"status_due_date,omitempty" format:"date-time"`
	LostProposedBy string         `json:"lost_proposed_by,omitempty"`
	Version        int64          `json:"version"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

// Count returns the named counter, treating a missing entry as zero.
func (l Lead) Count(name string) int {
	if l.Counts == nil {
		return 0
	}
	return l.Counts[name]
}

// Transition is the value object logged for every executed stage or status change.
type Transition struct {
	LeadID     string         `json:"lead_id"`
	Kind       TransitionKind `json:"kind"`
	Action     Action         `json:"action"`
	FromStage  Stage          `json:"from_stage"`
	ToStage    Stage          `json:"to_stage,omitempty"`
	FromStatus ActivityStatus `json:"from_status"`
	ToStatus   ActivityStatus `json:"to_status,omitempty"`
	ActorID    string         `json:"actor_id"`
	ActorRole  Role           `json:"actor_role"`
	Remark     string         `json:"remark,omitempty"`
	DueDate    *string        `json:"due_date,omitempty" format:"date-time"`
	Timestamp  string         `json:"timestamp" format:"date-time"`
}

// AuditEntry is one immutable row of the append-only audit log.
type AuditEntry struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	LeadID     string         `json:"lead_id"`
	VendorID   string         `json:"vendor_id"`
	Kind       TransitionKind `json:"kind,omitempty"`
	Action     Action         `json:"action,omitempty"`
	FromStage  Stage          `json:"from_stage,omitempty"`
	ToStage    Stage          `json:"to_stage,omitempty"`
	FromStatus ActivityStatus `json:"from_status,omitempty"`
	ToStatus   ActivityStatus `json:"to_status,omitempty"`
	ActorID    string         `json:"actor_id"`
	ActorRole  Role           `json:"actor_role,omitempty"`
	Remark     string         `json:"remark,omitempty"`
	DueDate    string         `json:"due_date,omitempty"`
	Payload    string         `json:"payload_json"`
}

// Readiness is the Precondition Evaluator's answer for one lead.
type Readiness struct {
	Allowed   bool     `json:"allowed"`
	Reasons   []string `json:"reasons"`
	NextStage Stage    `json:"next_stage,omitempty"`
}

// ActionState tells a UI whether to show an action and whether it can be used now.
type ActionState struct {
	Action     Action   `json:"action"`
	Visible    bool     `json:"visible"`
	Actionable bool     `json:"actionable"`
	Reasons    []string `json:"reasons,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role"`
	VendorID  string `json:"vendor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Actor is the already-authenticated identity threaded into every engine call.
type Actor struct {
	ID       string `json:"actor_id"`
	Role     Role   `json:"role"`
	VendorID string `json:"vendor_id"`
}
