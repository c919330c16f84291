package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"leadflow/internal/config"
	"leadflow/internal/domain"
	"leadflow/internal/engine/auth"
	"leadflow/internal/events"
	"leadflow/internal/logging"
	"leadflow/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Rules  Rules
	Log    *charmLog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) (Engine, error) {
	rules, err := RulesFromConfig(cfg)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Rules:  rules,
		Log:    logging.Discard(),
		Now:    time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *charmLog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return logging.Discard()
}

func (e Engine) rules() Rules {
	if e.Rules != nil {
		return e.Rules
	}
	return DefaultRules()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func checkStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return validation("%s fails %q", strings.ToLower(fe.Field()), fe.Tag())
	}
	return validation("%v", err)
}

func checkActor(a domain.Actor) error {
	if strings.TrimSpace(a.ID) == "" {
		return validation("actor id is required")
	}
	if !a.Role.Valid() {
		return validation("unknown role %q", a.Role)
	}
	return nil
}

// visibleTo hides leads of other vendors. An actor without a vendor is unscoped.
func visibleTo(l domain.Lead, a domain.Actor) bool {
	return a.VendorID == "" || a.VendorID == l.VendorID
}

// CreateLeadOptions are parameters for creating a lead.
type CreateLeadOptions struct {
	ID             string
	Title          string `validate:"required,max=200"`
	ClientName     string `validate:"max=200"`
	AssignedUserID string
	// VendorID defaults to the actor's vendor.
	VendorID string
	Counts   map[string]int `validate:"dive,keys,required,endkeys,gte=0"`
	Actor    domain.Actor
}

// CreateLead registers a lead at the first stage with status active.
func (e Engine) CreateLead(ctx context.Context, opts CreateLeadOptions) (domain.Lead, error) {
	if err := checkActor(opts.Actor); err != nil {
		return domain.Lead{}, err
	}
	if err := checkStruct(opts); err != nil {
		return domain.Lead{}, err
	}
	vendor := opts.VendorID
	if vendor == "" {
		vendor = opts.Actor.VendorID
	}
	if vendor == "" {
		return domain.Lead{}, validation("vendor is required")
	}
	if opts.Actor.VendorID != "" && opts.Actor.VendorID != vendor {
		return domain.Lead{}, forbidden(fmt.Errorf("actor %s belongs to vendor %s", opts.Actor.ID, opts.Actor.VendorID))
	}
	first := FirstStage()
	// Creating a lead is editing the first stage.
	if err := auth.Check(opts.Actor.Role, first, domain.ActionEdit); err != nil {
		return domain.Lead{}, forbidden(err)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.timestamp()
	counts := make(map[string]int, len(opts.Counts))
	for k, v := range opts.Counts {
		counts[k] = v
	}
	lead := domain.Lead{
		ID:             id,
		VendorID:       vendor,
		Title:          strings.TrimSpace(opts.Title),
		ClientName:     strings.TrimSpace(opts.ClientName),
		Stage:          first,
		ActivityStatus: domain.StatusActive,
		OwnerRole:      StageOwner(first),
		AssignedUserID: opts.AssignedUserID,
		Counts:         counts,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertLead(ctx, tx, lead); err != nil {
		return domain.Lead{}, err
	}
	if _, err := e.Events.Append(ctx, tx, domain.AuditEntry{
		TS:        now,
		Type:      events.TypeLeadCreated,
		LeadID:    lead.ID,
		VendorID:  lead.VendorID,
		ToStage:   lead.Stage,
		ToStatus:  lead.ActivityStatus,
		ActorID:   opts.Actor.ID,
		ActorRole: opts.Actor.Role,
	}, events.EventPayload{"title": lead.Title, "counts": counts, "assigned_user_id": lead.AssignedUserID}); err != nil {
		return domain.Lead{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, err
	}
	e.logger().Info("lead created", "lead_id", lead.ID, "vendor_id", lead.VendorID, "actor_id", opts.Actor.ID)
	return lead, nil
}

// GetLead returns the current snapshot of a lead visible to the actor.
func (e Engine) GetLead(ctx context.Context, id string, actor domain.Actor) (domain.Lead, error) {
	lead, err := e.Repo.GetLead(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Lead{}, notFound(id)
	}
	if err != nil {
		return domain.Lead{}, fmt.Errorf("read lead %s: %w", id, err)
	}
	if !visibleTo(lead, actor) {
		return domain.Lead{}, notFound(id)
	}
	return lead, nil
}

// ListLeads lists the actor's vendor's leads newest first.
func (e Engine) ListLeads(ctx context.Context, actor domain.Actor, f repo.LeadFilters) ([]domain.Lead, error) {
	if actor.VendorID != "" {
		f.VendorID = actor.VendorID
	}
	if f.Stage != "" && !KnownStage(domain.Stage(f.Stage)) {
		return nil, validation("unknown stage %q", f.Stage)
	}
	if f.Status != "" && !domain.ActivityStatus(f.Status).Valid() {
		return nil, validation("unknown activity status %q", f.Status)
	}
	return e.Repo.ListLeads(ctx, f)
}

// Summary counts the actor's vendor's leads per activity status.
func (e Engine) Summary(ctx context.Context, actor domain.Actor) (map[string]int, error) {
	if actor.VendorID == "" {
		return nil, validation("vendor is required")
	}
	return e.Repo.CountLeadsByStatus(ctx, actor.VendorID)
}

// TransitionRequest is the input to Execute. Action may be empty for a status change,
// in which case it is resolved from the lead's current status and ToStatus.
type TransitionRequest struct {
	LeadID          string
	Actor           domain.Actor
	Action          domain.Action
	ToStage         domain.Stage
	ToStatus        domain.ActivityStatus
	Remark          string
	DueDate         string
	ExpectedVersion int64
	Payload         map[string]any
}

// Execute runs one transition against the authoritative lead record.
// Every rejection leaves the store untouched; every success appends exactly one audit entry.
func (e Engine) Execute(ctx context.Context, req TransitionRequest) (domain.Lead, error) {
	if err := checkActor(req.Actor); err != nil {
		return domain.Lead{}, err
	}
	if strings.TrimSpace(req.LeadID) == "" {
		return domain.Lead{}, validation("lead id is required")
	}
	switch {
	case req.Action == domain.ActionAdvanceStage:
		if req.ToStage == "" && req.ExpectedVersion == 0 {
			return domain.Lead{}, validation("to_stage or expected_version is required to advance")
		}
		return e.apply(ctx, req, requires(domain.ActionAdvanceStage), e.planAdvance)
	case req.Action == "" && req.ToStatus != "":
		return e.apply(ctx, req, permitStatus, e.planStatus)
	case IsStatusAction(req.Action):
		return e.apply(ctx, req, permitStatus, e.planStatus)
	default:
		return domain.Lead{}, validation("action %q is not a transition", req.Action)
	}
}

type AdvanceRequest struct {
	LeadID string
	Actor  domain.Actor
	// ToStage pins the intended target; a stale target is a conflict.
	ToStage         domain.Stage
	ExpectedVersion int64
	Remark          string
	Payload         map[string]any
}

// Advance moves the lead to the next stage in the chain. The request must pin
// either ToStage or ExpectedVersion so a repeated call cannot move the lead twice.
func (e Engine) Advance(ctx context.Context, req AdvanceRequest) (domain.Lead, error) {
	return e.Execute(ctx, TransitionRequest{
		LeadID:          req.LeadID,
		Actor:           req.Actor,
		Action:          domain.ActionAdvanceStage,
		ToStage:         req.ToStage,
		Remark:          req.Remark,
		ExpectedVersion: req.ExpectedVersion,
		Payload:         req.Payload,
	})
}

type StatusRequest struct {
	LeadID          string
	Actor           domain.Actor
	Status          domain.ActivityStatus
	Remark          string
	DueDate         string
	ExpectedVersion int64
}

// ChangeStatus moves the overlay to Status through whichever action owns that edge.
func (e Engine) ChangeStatus(ctx context.Context, req StatusRequest) (domain.Lead, error) {
	if req.Status == "" {
		return domain.Lead{}, validation("status is required")
	}
	return e.Execute(ctx, TransitionRequest{
		LeadID:          req.LeadID,
		Actor:           req.Actor,
		ToStatus:        req.Status,
		Remark:          req.Remark,
		DueDate:         req.DueDate,
		ExpectedVersion: req.ExpectedVersion,
	})
}

type RevertRequest struct {
	LeadID string
	Actor  domain.Actor
	Remark string
	// ToStatus defaults to active; on_hold is accepted from lost_approval with a DueDate.
	ToStatus        domain.ActivityStatus
	DueDate         string
	ExpectedVersion int64
}

// Revert returns a suspended lead to active (or lost_approval to on_hold). Stage never changes.
func (e Engine) Revert(ctx context.Context, req RevertRequest) (domain.Lead, error) {
	return e.Execute(ctx, TransitionRequest{
		LeadID:          req.LeadID,
		Actor:           req.Actor,
		Action:          domain.ActionRevert,
		ToStatus:        req.ToStatus,
		Remark:          req.Remark,
		DueDate:         req.DueDate,
		ExpectedVersion: req.ExpectedVersion,
	})
}

// ApproveLost confirms a proposed loss. The approver must differ from the proposer.
func (e Engine) ApproveLost(ctx context.Context, leadID string, actor domain.Actor, remark string) (domain.Lead, error) {
	return e.Execute(ctx, TransitionRequest{
		LeadID: leadID,
		Actor:  actor,
		Action: domain.ActionApproveLost,
		Remark: remark,
	})
}

// change is what a plan decided to write.
type change struct {
	next       domain.Lead
	entry      domain.AuditEntry
	payload    events.EventPayload
	counter    string
	counterVal int
}

type planFunc func(cur domain.Lead, req TransitionRequest, now time.Time) (change, error)

// permitFunc authorizes the caller against the authoritative lead before anything else is checked.
type permitFunc func(cur domain.Lead, req TransitionRequest) error

// requires permits callers holding action at the lead's current stage.
func requires(action domain.Action) permitFunc {
	return func(cur domain.Lead, req TransitionRequest) error {
		if err := auth.Check(req.Actor.Role, cur.Stage, action); err != nil {
			return forbidden(err)
		}
		return nil
	}
}

// permitStatus resolves the overlay action first. When the requested edge does not
// exist, a role holding no status action at this stage is still told it is forbidden.
func permitStatus(cur domain.Lead, req TransitionRequest) error {
	action := req.Action
	if action == "" {
		resolved, err := ResolveStatusAction(cur.ActivityStatus, req.ToStatus)
		if err != nil {
			if !holdsStatusAction(req.Actor.Role, cur.Stage) {
				return forbidden(auth.ForbiddenError{Role: req.Actor.Role, Stage: cur.Stage, Action: actionLandingOn(req.ToStatus)})
			}
			return err
		}
		action = resolved
	}
	return requires(action)(cur, req)
}

// apply is the single write path: authoritative read, permission, version, plan,
// versioned write, one audit row, commit.
func (e Engine) apply(ctx context.Context, req TransitionRequest, permit permitFunc, plan planFunc) (domain.Lead, error) {
	log := e.logger().With("lead_id", req.LeadID, "actor_id", req.Actor.ID, "action", req.Action)
	now := e.now().UTC()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lead{}, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetLeadTx(ctx, tx, req.LeadID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Lead{}, notFound(req.LeadID)
	}
	if err != nil {
		log.Error("read lead failed", "err", err)
		return domain.Lead{}, fmt.Errorf("read lead %s: %w", req.LeadID, err)
	}
	if !visibleTo(cur, req.Actor) {
		return domain.Lead{}, notFound(req.LeadID)
	}
	if !KnownStage(cur.Stage) || !cur.ActivityStatus.Valid() {
		return domain.Lead{}, fmt.Errorf("lead %s has corrupt state stage=%q status=%q", cur.ID, cur.Stage, cur.ActivityStatus)
	}
	if err := permit(cur, req); err != nil {
		log.Debug("transition rejected", "err", err)
		return domain.Lead{}, err
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != cur.Version {
		log.Warn("stale version", "expected", req.ExpectedVersion, "current", cur.Version)
		return domain.Lead{}, conflict("lead %s is at version %d, request expected %d", cur.ID, cur.Version, req.ExpectedVersion)
	}
	ch, err := plan(cur, req, now)
	if err != nil {
		log.Debug("transition rejected", "err", err)
		return domain.Lead{}, err
	}
	ch.next.UpdatedAt = now.Format(time.RFC3339)
	if err := e.Repo.UpdateLead(ctx, tx, ch.next, cur.Version); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			log.Warn("lost version race", "version", cur.Version)
			return domain.Lead{}, conflict("lead %s changed concurrently", cur.ID)
		}
		log.Error("write lead failed", "err", err)
		return domain.Lead{}, err
	}
	if ch.counter != "" {
		if err := e.Repo.SetCounter(ctx, tx, cur.ID, ch.counter, ch.counterVal); err != nil {
			return domain.Lead{}, err
		}
	}
	ch.entry.TS = ch.next.UpdatedAt
	ch.entry.LeadID = cur.ID
	ch.entry.VendorID = cur.VendorID
	ch.entry.ActorID = req.Actor.ID
	ch.entry.ActorRole = req.Actor.Role
	if _, err := e.Events.Append(ctx, tx, ch.entry, ch.payload); err != nil {
		log.Error("append audit failed", "err", err)
		return domain.Lead{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lead{}, fmt.Errorf("commit transition: %w", err)
	}
	ch.next.Version = cur.Version + 1
	log.Info("transition committed", "type", ch.entry.Type,
		"from_stage", cur.Stage, "to_stage", ch.next.Stage,
		"from_status", cur.ActivityStatus, "to_status", ch.next.ActivityStatus, "version", ch.next.Version)
	return ch.next, nil
}

func (e Engine) planAdvance(cur domain.Lead, req TransitionRequest, now time.Time) (change, error) {
	if cur.ActivityStatus != domain.StatusActive {
		return change{}, blockedByStatus(string(cur.ActivityStatus))
	}
	next, ok := NextStage(cur.Stage)
	if !ok {
		return change{}, validation("%s is the final stage", cur.Stage)
	}
	if req.ToStage != "" {
		to, known := StageIndex(req.ToStage)
		if !known {
			return change{}, validation("unknown stage %q", req.ToStage)
		}
		at, _ := StageIndex(cur.Stage)
		if to <= at {
			return change{}, conflict("lead %s is already at %s", cur.ID, cur.Stage)
		}
		if to > at+1 {
			return change{}, validation("cannot skip from %s to %s; next stage is %s", cur.Stage, req.ToStage, next)
		}
	}
	if r := e.rules().CanAdvance(cur); !r.Allowed {
		return change{}, preconditionUnmet(r.Reasons)
	}
	lead := cur
	lead.Stage = next
	lead.OwnerRole = StageOwner(next)
	if assignee, ok := req.Payload["assigned_user_id"].(string); ok && strings.TrimSpace(assignee) != "" {
		lead.AssignedUserID = assignee
	}
	payload := events.EventPayload{}
	if len(req.Payload) > 0 {
		payload["payload"] = req.Payload
	}
	return change{
		next: lead,
		entry: domain.AuditEntry{
			Type:       events.TypeStageAdvanced,
			Kind:       domain.KindStageAdvance,
			Action:     domain.ActionAdvanceStage,
			FromStage:  cur.Stage,
			ToStage:    next,
			FromStatus: cur.ActivityStatus,
			ToStatus:   cur.ActivityStatus,
			Remark:     strings.TrimSpace(req.Remark),
		},
		payload: payload,
	}, nil
}

func (e Engine) planStatus(cur domain.Lead, req TransitionRequest, now time.Time) (change, error) {
	action := req.Action
	target := req.ToStatus
	if action == "" {
		resolved, err := ResolveStatusAction(cur.ActivityStatus, target)
		if err != nil {
			return change{}, err
		}
		action = resolved
	}
	if target == "" {
		target = actionTarget[action]
	}
	if !target.Valid() {
		return change{}, validation("unknown activity status %q", target)
	}
	if err := checkStatusEdge(action, cur.ActivityStatus, target); err != nil {
		return change{}, err
	}
	if action == domain.ActionApproveLost && cur.LostProposedBy != "" && cur.LostProposedBy == req.Actor.ID {
		return change{}, &TransitionError{
			Kind:    KindForbidden,
			Code:    "same_actor_approval",
			Message: fmt.Sprintf("actor %s proposed this loss and cannot approve it", req.Actor.ID),
		}
	}
	due, err := validateStatusFields(target, StatusFields{Remark: req.Remark, DueDate: req.DueDate}, now)
	if err != nil {
		return change{}, err
	}
	remark := strings.TrimSpace(req.Remark)
	lead := cur
	lead.ActivityStatus = target
	switch target {
	case domain.StatusActive:
		lead.StatusRemark = ""
		lead.StatusDueDate = nil
		lead.LostProposedBy = ""
	case domain.StatusOnHold:
		lead.StatusRemark = remark
		lead.StatusDueDate = due
		lead.LostProposedBy = ""
	case domain.StatusLostApproval:
		lead.StatusRemark = remark
		lead.StatusDueDate = nil
		lead.LostProposedBy = req.Actor.ID
	case domain.StatusLost:
		lead.StatusRemark = remark
		lead.StatusDueDate = nil
	}
	kind, evtType := domain.KindStatusChange, events.TypeStatusChanged
	if action == domain.ActionRevert {
		kind, evtType = domain.KindRevert, events.TypeReverted
	}
	entry := events.FromTransition(evtType, cur.VendorID, domain.Transition{
		LeadID:     cur.ID,
		Kind:       kind,
		Action:     action,
		FromStage:  cur.Stage,
		ToStage:    cur.Stage,
		FromStatus: cur.ActivityStatus,
		ToStatus:   target,
		Remark:     remark,
		DueDate:    due,
	})
	payload := events.EventPayload{}
	if action == domain.ActionApproveLost {
		payload["proposed_by"] = cur.LostProposedBy
	}
	return change{next: lead, entry: entry, payload: payload}, nil
}

type ReassignRequest struct {
	LeadID          string
	Actor           domain.Actor
	AssignedUserID  string `validate:"required"`
	ExpectedVersion int64
}

// Reassign hands the lead to another user. Suspension does not block it.
func (e Engine) Reassign(ctx context.Context, req ReassignRequest) (domain.Lead, error) {
	if err := checkActor(req.Actor); err != nil {
		return domain.Lead{}, err
	}
	if err := checkStruct(req); err != nil {
		return domain.Lead{}, err
	}
	assignee := strings.TrimSpace(req.AssignedUserID)
	return e.apply(ctx, TransitionRequest{LeadID: req.LeadID, Actor: req.Actor, Action: domain.ActionReassign, ExpectedVersion: req.ExpectedVersion},
		requires(domain.ActionReassign),
		func(cur domain.Lead, _ TransitionRequest, _ time.Time) (change, error) {
			lead := cur
			lead.AssignedUserID = assignee
			return change{
				next: lead,
				entry: domain.AuditEntry{
					Type:       events.TypeReassigned,
					Action:     domain.ActionReassign,
					FromStage:  cur.Stage,
					FromStatus: cur.ActivityStatus,
				},
				payload: events.EventPayload{"from": cur.AssignedUserID, "to": assignee},
			}, nil
		})
}

type EditRequest struct {
	LeadID          string
	Actor           domain.Actor
	Title           *string
	ClientName      *string
	ExpectedVersion int64
}

// EditLead updates descriptive fields. Stage and status are never touched here.
func (e Engine) EditLead(ctx context.Context, req EditRequest) (domain.Lead, error) {
	if err := checkActor(req.Actor); err != nil {
		return domain.Lead{}, err
	}
	if req.Title == nil && req.ClientName == nil {
		return domain.Lead{}, validation("nothing to update")
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return domain.Lead{}, validation("title cannot be empty")
	}
	return e.apply(ctx, TransitionRequest{LeadID: req.LeadID, Actor: req.Actor, Action: domain.ActionEdit, ExpectedVersion: req.ExpectedVersion},
		requires(domain.ActionEdit),
		func(cur domain.Lead, _ TransitionRequest, _ time.Time) (change, error) {
			lead := cur
			payload := events.EventPayload{}
			if req.Title != nil {
				lead.Title = strings.TrimSpace(*req.Title)
				payload["title"] = lead.Title
			}
			if req.ClientName != nil {
				lead.ClientName = strings.TrimSpace(*req.ClientName)
				payload["client_name"] = lead.ClientName
			}
			return change{
				next: lead,
				entry: domain.AuditEntry{
					Type:       events.TypeLeadUpdated,
					Action:     domain.ActionEdit,
					FromStage:  cur.Stage,
					FromStatus: cur.ActivityStatus,
				},
				payload: payload,
			}, nil
		})
}

type DeleteRequest struct {
	LeadID          string
	Actor           domain.Actor
	Remark          string
	ExpectedVersion int64
}

// DeleteLead removes the lead and its counters. Its audit history stays behind,
// closed by a lead.deleted entry.
func (e Engine) DeleteLead(ctx context.Context, req DeleteRequest) error {
	if err := checkActor(req.Actor); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetLeadTx(ctx, tx, req.LeadID)
	if errors.Is(err, repo.ErrNotFound) {
		return notFound(req.LeadID)
	}
	if err != nil {
		return fmt.Errorf("read lead %s: %w", req.LeadID, err)
	}
	if !visibleTo(cur, req.Actor) {
		return notFound(req.LeadID)
	}
	if err := auth.Check(req.Actor.Role, cur.Stage, domain.ActionDelete); err != nil {
		return forbidden(err)
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != cur.Version {
		return conflict("lead %s is at version %d, request expected %d", cur.ID, cur.Version, req.ExpectedVersion)
	}
	if err := e.Repo.DeleteLead(ctx, tx, cur.ID); err != nil {
		return err
	}
	if _, err := e.Events.Append(ctx, tx, domain.AuditEntry{
		TS:         e.timestamp(),
		Type:       events.TypeLeadDeleted,
		LeadID:     cur.ID,
		VendorID:   cur.VendorID,
		Action:     domain.ActionDelete,
		FromStage:  cur.Stage,
		FromStatus: cur.ActivityStatus,
		ActorID:    req.Actor.ID,
		ActorRole:  req.Actor.Role,
		Remark:     strings.TrimSpace(req.Remark),
	}, events.EventPayload{"version": cur.Version}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	e.logger().Info("lead deleted", "lead_id", cur.ID, "actor_id", req.Actor.ID)
	return nil
}

type ArtifactRequest struct {
	LeadID          string
	Actor           domain.Actor
	Counter         string `validate:"required"`
	Delta           int    `validate:"ne=0"`
	ExpectedVersion int64
}

// RecordArtifact adjusts one lead counter after a document upload or removal.
// Counters clamp at zero. The audit entry carries the resulting value so counts can be replayed.
func (e Engine) RecordArtifact(ctx context.Context, req ArtifactRequest) (domain.Lead, error) {
	if err := checkActor(req.Actor); err != nil {
		return domain.Lead{}, err
	}
	if err := checkStruct(req); err != nil {
		return domain.Lead{}, err
	}
	counter := strings.TrimSpace(req.Counter)
	return e.apply(ctx, TransitionRequest{LeadID: req.LeadID, Actor: req.Actor, Action: domain.ActionEdit, ExpectedVersion: req.ExpectedVersion},
		requires(domain.ActionEdit),
		func(cur domain.Lead, _ TransitionRequest, _ time.Time) (change, error) {
			value := cur.Count(counter) + req.Delta
			if value < 0 {
				value = 0
			}
			lead := cur
			lead.Counts = make(map[string]int, len(cur.Counts)+1)
			for k, v := range cur.Counts {
				lead.Counts[k] = v
			}
			lead.Counts[counter] = value
			return change{
				next: lead,
				entry: domain.AuditEntry{
					Type:       events.TypeArtifactRecorded,
					Action:     domain.ActionEdit,
					FromStage:  cur.Stage,
					FromStatus: cur.ActivityStatus,
				},
				payload:    events.EventPayload{"counter": counter, "delta": req.Delta, "value": value},
				counter:    counter,
				counterVal: value,
			}, nil
		})
}

// Readiness answers whether the lead could advance right now, overlay included.
func (e Engine) Readiness(ctx context.Context, leadID string, actor domain.Actor) (domain.Readiness, error) {
	lead, err := e.GetLead(ctx, leadID, actor)
	if err != nil {
		return domain.Readiness{}, err
	}
	return e.readiness(lead), nil
}

func (e Engine) readiness(lead domain.Lead) domain.Readiness {
	r := e.rules().CanAdvance(lead)
	if lead.ActivityStatus != domain.StatusActive {
		r.Allowed = false
		r.Reasons = append([]string{"activity status is " + string(lead.ActivityStatus)}, r.Reasons...)
	}
	return r
}

// Actions reports, per action, whether the actor should see it and whether it would succeed now.
func (e Engine) Actions(ctx context.Context, leadID string, actor domain.Actor) ([]domain.ActionState, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	lead, err := e.GetLead(ctx, leadID, actor)
	if err != nil {
		return nil, err
	}
	return e.ActionStates(lead, actor), nil
}

// ActionStates is the pure form of Actions for an already-loaded lead.
func (e Engine) ActionStates(lead domain.Lead, actor domain.Actor) []domain.ActionState {
	out := make([]domain.ActionState, 0, len(domain.Actions))
	for _, action := range domain.Actions {
		st := domain.ActionState{Action: action, Visible: auth.Visible(actor.Role, lead.Stage, action)}
		if !st.Visible {
			st.Reasons = []string{auth.ForbiddenError{Role: actor.Role, Stage: lead.Stage, Action: action}.Error()}
			out = append(out, st)
			continue
		}
		switch {
		case action == domain.ActionAdvanceStage:
			r := e.readiness(lead)
			st.Actionable = r.Allowed
			st.Reasons = r.Reasons
		case IsStatusAction(action):
			st.Actionable, st.Reasons = statusActionable(action, lead, actor)
		default:
			st.Actionable = true
		}
		out = append(out, st)
	}
	return out
}

func statusActionable(action domain.Action, lead domain.Lead, actor domain.Actor) (bool, []string) {
	reachable := false
	for _, to := range []domain.ActivityStatus{domain.StatusActive, domain.StatusOnHold, domain.StatusLostApproval, domain.StatusLost} {
		if a, ok := StatusEdgeAction(lead.ActivityStatus, to); ok && a == action {
			reachable = true
			break
		}
	}
	if !reachable {
		return false, []string{fmt.Sprintf("%s is not available while %s", action, lead.ActivityStatus)}
	}
	if action == domain.ActionApproveLost && lead.LostProposedBy == actor.ID {
		return false, []string{"the proposer cannot approve the loss"}
	}
	return true, nil
}

// History returns the lead's audit feed newest first. next is 0 when there are no more entries.
// A deleted lead's feed stays readable; its vendor is taken from the surviving audit rows.
func (e Engine) History(ctx context.Context, leadID string, actor domain.Actor, cursor int64, limit int) ([]domain.AuditEntry, int64, error) {
	_, err := e.GetLead(ctx, leadID, actor)
	if KindOf(err) == KindNotFound {
		return e.deletedHistory(ctx, leadID, actor, cursor, limit)
	}
	if err != nil {
		return nil, 0, err
	}
	return e.auditPage(ctx, repo.AuditFilters{LeadID: leadID, Cursor: cursor, Limit: limit})
}

func (e Engine) deletedHistory(ctx context.Context, leadID string, actor domain.Actor, cursor int64, limit int) ([]domain.AuditEntry, int64, error) {
	if strings.TrimSpace(leadID) == "" {
		return nil, 0, notFound(leadID)
	}
	f := repo.AuditFilters{LeadID: leadID, VendorID: actor.VendorID, Type: events.TypeLeadDeleted, Limit: 1}
	closing, err := e.Repo.ListAudit(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	if len(closing) == 0 {
		return nil, 0, notFound(leadID)
	}
	return e.auditPage(ctx, repo.AuditFilters{LeadID: leadID, VendorID: closing[0].VendorID, Cursor: cursor, Limit: limit})
}

// Audit returns the vendor-wide feed newest first.
func (e Engine) Audit(ctx context.Context, actor domain.Actor, f repo.AuditFilters) ([]domain.AuditEntry, int64, error) {
	if actor.VendorID != "" {
		f.VendorID = actor.VendorID
	}
	return e.auditPage(ctx, f)
}

func (e Engine) auditPage(ctx context.Context, f repo.AuditFilters) ([]domain.AuditEntry, int64, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	limit := f.Limit
	f.Limit = limit + 1
	entries, err := e.Repo.ListAudit(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	var next int64
	if len(entries) > limit {
		entries = entries[:limit]
		next = entries[len(entries)-1].ID
	}
	return entries, next, nil
}
