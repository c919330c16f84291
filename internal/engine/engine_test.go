package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"leadflow/internal/config"
	"leadflow/internal/db"
	"leadflow/internal/domain"
	"leadflow/internal/engine"
	"leadflow/internal/events"
	"leadflow/internal/migrate"
	"leadflow/internal/repo"
)

var (
	sales    = domain.Actor{ID: "sam", Role: domain.RoleSalesExecutive, VendorID: "v1"}
	designer = domain.Actor{ID: "dana", Role: domain.RoleDesigner, VendorID: "v1"}
	admin    = domain.Actor{ID: "ada", Role: domain.RoleAdmin, VendorID: "v1"}
	boss     = domain.Actor{ID: "sal", Role: domain.RoleSuperAdmin, VendorID: "v1"}
	factory  = domain.Actor{ID: "fay", Role: domain.RoleFactory, VendorID: "v1"}
	outsider = domain.Actor{ID: "otto", Role: domain.RoleAdmin, VendorID: "v2"}
)

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	eng.Now = func() time.Time { return fixedNow }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) createLead(t *testing.T) domain.Lead {
	t.Helper()
	lead, err := env.Engine.CreateLead(env.Ctx, engine.CreateLeadOptions{Title: "Kitchen remodel", ClientName: "Rao", Actor: sales})
	if err != nil {
		t.Fatalf("create lead: %v", err)
	}
	return lead
}

// designingLead returns a lead that has moved from lead to designing.
func (env testEnv) designingLead(t *testing.T) domain.Lead {
	t.Helper()
	lead := env.createLead(t)
	lead, err := env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: sales, ToStage: domain.StageDesigning})
	if err != nil {
		t.Fatalf("advance to designing: %v", err)
	}
	if lead.Stage != domain.StageDesigning {
		t.Fatalf("expected designing, got %s", lead.Stage)
	}
	return lead
}

func (env testEnv) record(t *testing.T, leadID string, actor domain.Actor, counter string, delta int) domain.Lead {
	t.Helper()
	lead, err := env.Engine.RecordArtifact(env.Ctx, engine.ArtifactRequest{LeadID: leadID, Actor: actor, Counter: counter, Delta: delta})
	if err != nil {
		t.Fatalf("record %s: %v", counter, err)
	}
	return lead
}

func (env testEnv) readyForBooking(t *testing.T) domain.Lead {
	t.Helper()
	lead := env.designingLead(t)
	env.record(t, lead.ID, designer, domain.CounterQuotationDocs, 1)
	env.record(t, lead.ID, designer, domain.CounterDesignDocs, 1)
	return env.record(t, lead.ID, designer, domain.CounterSelections, 3)
}

func (env testEnv) auditCount(t *testing.T, leadID string) int {
	t.Helper()
	n, err := env.Engine.Repo.CountAudit(env.Ctx, leadID)
	if err != nil {
		t.Fatalf("count audit: %v", err)
	}
	return n
}

func expectKind(t *testing.T, err error, kind engine.ErrorKind) *engine.TransitionError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %T: %v", err, err)
	}
	if te.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, te.Kind, err)
	}
	return te
}

func TestCreateLeadStartsAtFirstStage(t *testing.T) {
	env := newTestEnv(t)
	lead := env.createLead(t)
	if lead.Stage != domain.StageLead || lead.ActivityStatus != domain.StatusActive || lead.Version != 1 {
		t.Fatalf("unexpected lead: %+v", lead)
	}
	if lead.OwnerRole != domain.RoleSalesExecutive || lead.VendorID != "v1" {
		t.Fatalf("unexpected owner/vendor: %+v", lead)
	}
	entries, _, err := env.Engine.History(env.Ctx, lead.ID, sales, 0, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 || entries[0].Type != events.TypeLeadCreated {
		t.Fatalf("expected one creation entry, got %+v", entries)
	}
}

func TestCreateLeadValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.CreateLeadOptions
		kind engine.ErrorKind
	}{
		{"missing title", engine.CreateLeadOptions{Actor: sales}, engine.KindValidation},
		{"negative counter", engine.CreateLeadOptions{Title: "x", Actor: sales, Counts: map[string]int{"selectionCount": -1}}, engine.KindValidation},
		{"missing actor", engine.CreateLeadOptions{Title: "x"}, engine.KindValidation},
		{"factory cannot create", engine.CreateLeadOptions{Title: "x", Actor: factory}, engine.KindForbidden},
		{"foreign vendor", engine.CreateLeadOptions{Title: "x", Actor: sales, VendorID: "v2"}, engine.KindForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateLead(env.Ctx, tc.opts)
			expectKind(t, err, tc.kind)
		})
	}
}

func TestAdvanceBlockedByQuotationCount(t *testing.T) {
	env := newTestEnv(t)
	lead := env.designingLead(t)
	before := env.auditCount(t, lead.ID)

	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: sales, ToStage: domain.StageBooking})
	te := expectKind(t, err, engine.KindPreconditionUnmet)
	if len(te.Reasons) != 3 {
		t.Fatalf("expected three unmet reasons, got %v", te.Reasons)
	}
	if te.Reasons[0] != "requires at least 1 quotation document (quotationDocCount=0)" {
		t.Fatalf("unexpected first reason %q", te.Reasons[0])
	}
	if !errors.Is(err, engine.ErrPreconditionUnmet) {
		t.Fatalf("errors.Is should match the precondition sentinel")
	}
	if got := env.auditCount(t, lead.ID); got != before {
		t.Fatalf("rejected advance wrote audit: %d -> %d", before, got)
	}
	cur, err := env.Engine.GetLead(env.Ctx, lead.ID, sales)
	if err != nil {
		t.Fatal(err)
	}
	if cur.Stage != domain.StageDesigning || cur.Version != lead.Version {
		t.Fatalf("rejected advance mutated lead: %+v", cur)
	}
}

func TestAdvanceSucceedsOnceCountsMet(t *testing.T) {
	env := newTestEnv(t)
	lead := env.readyForBooking(t)
	before := env.auditCount(t, lead.ID)

	out, err := env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: sales, ToStage: domain.StageBooking, Payload: map[string]any{"assigned_user_id": "bea"}})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.Stage != domain.StageBooking || out.OwnerRole != domain.RoleSalesExecutive {
		t.Fatalf("unexpected lead after advance: %+v", out)
	}
	if out.AssignedUserID != "bea" {
		t.Fatalf("payload assignee not applied: %q", out.AssignedUserID)
	}
	if out.Version != lead.Version+1 {
		t.Fatalf("version %d -> %d", lead.Version, out.Version)
	}
	if got := env.auditCount(t, lead.ID); got != before+1 {
		t.Fatalf("expected exactly one new audit entry, got %d", got-before)
	}
	entries, _, err := env.Engine.History(env.Ctx, lead.ID, sales, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	e := entries[0]
	if e.Type != events.TypeStageAdvanced || e.FromStage != domain.StageDesigning || e.ToStage != domain.StageBooking || e.ActorID != sales.ID {
		t.Fatalf("unexpected audit entry %+v", e)
	}
}

func TestOnHoldBlocksAdvance(t *testing.T) {
	env := newTestEnv(t)
	lead := env.readyForBooking(t)

	held, err := env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{
		LeadID: lead.ID, Actor: sales, Status: domain.StatusOnHold,
		Remark: "client unreachable", DueDate: "2024-01-02",
	})
	if err != nil {
		t.Fatalf("mark on hold: %v", err)
	}
	if held.ActivityStatus != domain.StatusOnHold || held.Stage != domain.StageDesigning {
		t.Fatalf("unexpected lead: %+v", held)
	}
	if held.StatusDueDate == nil || *held.StatusDueDate != "2024-01-02T00:00:00Z" {
		t.Fatalf("due date not normalized: %v", held.StatusDueDate)
	}

	r, err := env.Engine.Readiness(env.Ctx, lead.ID, sales)
	if err != nil {
		t.Fatal(err)
	}
	if r.Allowed || r.Reasons[0] != "activity status is on_hold" {
		t.Fatalf("readiness should report the overlay first: %+v", r)
	}

	before := env.auditCount(t, lead.ID)
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: sales, ToStage: domain.StageBooking})
	te := expectKind(t, err, engine.KindForbidden)
	if te.Code != "blocked_by_activity_status" {
		t.Fatalf("expected overlay block, got code %s", te.Code)
	}
	if got := env.auditCount(t, lead.ID); got != before {
		t.Fatalf("blocked advance wrote audit")
	}
}

func TestOverlayBlocksEveryNonActiveStatus(t *testing.T) {
	env := newTestEnv(t)
	steps := []struct {
		actor  domain.Actor
		status domain.ActivityStatus
		due    string
	}{
		{sales, domain.StatusOnHold, "2024-02-01"},
		{sales, domain.StatusLostApproval, ""},
		{admin, domain.StatusLost, ""},
	}
	lead := env.readyForBooking(t)
	for _, step := range steps {
		if _, err := env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: lead.ID, Actor: step.actor, Status: step.status, Remark: "r", DueDate: step.due}); err != nil {
			t.Fatalf("to %s: %v", step.status, err)
		}
		for _, actor := range []domain.Actor{sales, admin, boss} {
			_, err := env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: actor, ToStage: domain.StageBooking})
			expectKind(t, err, engine.KindForbidden)
		}
	}
}

func TestApproveLostRequiresLostApproval(t *testing.T) {
	env := newTestEnv(t)
	lead := env.designingLead(t)
	if _, err := env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: lead.ID, Actor: sales, Status: domain.StatusOnHold, Remark: "waiting", DueDate: "2024-01-05"}); err != nil {
		t.Fatal(err)
	}
	before := env.auditCount(t, lead.ID)
	_, err := env.Engine.ApproveLost(env.Ctx, lead.ID, admin, "lost to competitor")
	expectKind(t, err, engine.KindInvalidStatusEdge)
	if !errors.Is(err, engine.ErrInvalidStatusEdge) {
		t.Fatalf("errors.Is should match the invalid edge sentinel")
	}
	if got := env.auditCount(t, lead.ID); got != before {
		t.Fatalf("rejected approval wrote audit")
	}
}

func TestConcurrentAdvanceConflicts(t *testing.T) {
	env := newTestEnv(t)
	lead := env.readyForBooking(t)
	before := env.auditCount(t, lead.ID)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: sales, ToStage: domain.StageBooking})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		if !errors.Is(err, engine.ErrConflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one winner, got %d", ok)
	}
	if got := env.auditCount(t, lead.ID); got != before+1 {
		t.Fatalf("expected one audit entry, got %d", got-before)
	}
}

func TestStaleExpectedVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	lead := env.readyForBooking(t)
	if _, err := env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: sales, ExpectedVersion: lead.Version}); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: sales, ExpectedVersion: lead.Version})
	expectKind(t, err, engine.KindConflict)

	// A status change racing a stage advance loses the same way.
	_, err = env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: lead.ID, Actor: sales, Status: domain.StatusOnHold, Remark: "r", DueDate: "2024-03-01", ExpectedVersion: lead.Version})
	expectKind(t, err, engine.KindConflict)
}

func TestRepoVersionedUpdate(t *testing.T) {
	env := newTestEnv(t)
	lead := env.createLead(t)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	lead.Title = "changed"
	if err := env.Engine.Repo.UpdateLead(env.Ctx, tx, lead, lead.Version+5); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := env.Engine.Repo.UpdateLead(env.Ctx, tx, lead, lead.Version); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestAdvanceTargetChecks(t *testing.T) {
	env := newTestEnv(t)
	lead := env.readyForBooking(t)
	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: sales, ToStage: domain.StageDesigning})
	expectKind(t, err, engine.KindConflict)
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: sales, ToStage: domain.StageFinalMeasurement})
	expectKind(t, err, engine.KindValidation)
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: sales, ToStage: "warehouse"})
	expectKind(t, err, engine.KindValidation)
}

func TestRevertLostLead(t *testing.T) {
	env := newTestEnv(t)
	lead := env.designingLead(t)
	if _, err := env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: lead.ID, Actor: sales, Status: domain.StatusLostApproval, Remark: "budget cut"}); err != nil {
		t.Fatal(err)
	}
	lost, err := env.Engine.ApproveLost(env.Ctx, lead.ID, admin, "confirmed")
	if err != nil {
		t.Fatalf("approve lost: %v", err)
	}
	if lost.ActivityStatus != domain.StatusLost {
		t.Fatalf("expected lost, got %s", lost.ActivityStatus)
	}
	before := env.auditCount(t, lead.ID)

	out, err := env.Engine.Revert(env.Ctx, engine.RevertRequest{LeadID: lead.ID, Actor: sales, Remark: "client returned"})
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if out.ActivityStatus != domain.StatusActive || out.Stage != lost.Stage {
		t.Fatalf("revert must restore active and keep stage: %+v", out)
	}
	if out.StatusRemark != "" || out.StatusDueDate != nil || out.LostProposedBy != "" {
		t.Fatalf("suspension fields not cleared: %+v", out)
	}
	if got := env.auditCount(t, lead.ID); got != before+1 {
		t.Fatalf("expected one audit entry, got %d", got-before)
	}
	entries, _, _ := env.Engine.History(env.Ctx, lead.ID, sales, 0, 1)
	if entries[0].Type != events.TypeReverted || entries[0].Kind != domain.KindRevert || entries[0].Remark != "client returned" {
		t.Fatalf("unexpected revert entry %+v", entries[0])
	}
}

func TestRevertIsStageNeutralFromEveryStatus(t *testing.T) {
	env := newTestEnv(t)
	paths := map[string][]engine.StatusRequest{
		"on_hold": {
			{Actor: sales, Status: domain.StatusOnHold, Remark: "r", DueDate: "2024-01-09"},
		},
		"lost_approval": {
			{Actor: sales, Status: domain.StatusLostApproval, Remark: "r"},
		},
		"lost_via_hold": {
			{Actor: sales, Status: domain.StatusOnHold, Remark: "r", DueDate: "2024-01-09"},
			{Actor: designer, Status: domain.StatusLostApproval, Remark: "r"},
			{Actor: boss, Status: domain.StatusLost, Remark: "r"},
		},
	}
	for name, steps := range paths {
		t.Run(name, func(t *testing.T) {
			lead := env.readyForBooking(t)
			for _, step := range steps {
				step.LeadID = lead.ID
				if _, err := env.Engine.ChangeStatus(env.Ctx, step); err != nil {
					t.Fatalf("to %s: %v", step.Status, err)
				}
			}
			out, err := env.Engine.Revert(env.Ctx, engine.RevertRequest{LeadID: lead.ID, Actor: designer, Remark: "back"})
			if err != nil {
				t.Fatalf("revert: %v", err)
			}
			if out.Stage != lead.Stage || out.ActivityStatus != domain.StatusActive {
				t.Fatalf("unexpected lead %+v", out)
			}
		})
	}
}

func TestRevertLostApprovalToOnHold(t *testing.T) {
	env := newTestEnv(t)
	lead := env.designingLead(t)
	if _, err := env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: lead.ID, Actor: designer, Status: domain.StatusLostApproval, Remark: "silent"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Revert(env.Ctx, engine.RevertRequest{LeadID: lead.ID, Actor: sales, Remark: "call back later", ToStatus: domain.StatusOnHold})
	expectKind(t, err, engine.KindValidation)

	out, err := env.Engine.Revert(env.Ctx, engine.RevertRequest{LeadID: lead.ID, Actor: sales, Remark: "call back later", ToStatus: domain.StatusOnHold, DueDate: "2024-01-15T09:00:00Z"})
	if err != nil {
		t.Fatalf("revert to on hold: %v", err)
	}
	if out.ActivityStatus != domain.StatusOnHold || out.Stage != domain.StageDesigning {
		t.Fatalf("unexpected lead %+v", out)
	}
	_, err = env.Engine.Revert(env.Ctx, engine.RevertRequest{LeadID: lead.ID, Actor: sales, Remark: "x", ToStatus: domain.StatusLost})
	expectKind(t, err, engine.KindInvalidStatusEdge)
}

func TestRequiredStatusFields(t *testing.T) {
	env := newTestEnv(t)
	lead := env.designingLead(t)
	cases := []struct {
		name string
		req  engine.StatusRequest
		kind engine.ErrorKind
	}{
		{"hold without due date", engine.StatusRequest{Status: domain.StatusOnHold, Remark: "r"}, engine.KindValidation},
		{"hold with past due date", engine.StatusRequest{Status: domain.StatusOnHold, Remark: "r", DueDate: "2023-12-31"}, engine.KindValidation},
		{"hold due now", engine.StatusRequest{Status: domain.StatusOnHold, Remark: "r", DueDate: "2024-01-01T12:00:00Z"}, engine.KindValidation},
		{"hold with garbage date", engine.StatusRequest{Status: domain.StatusOnHold, Remark: "r", DueDate: "soon"}, engine.KindValidation},
		{"hold without remark", engine.StatusRequest{Status: domain.StatusOnHold, DueDate: "2024-01-03"}, engine.KindValidation},
		{"lost approval blank remark", engine.StatusRequest{Status: domain.StatusLostApproval, Remark: "   "}, engine.KindValidation},
		{"due date on lost approval", engine.StatusRequest{Status: domain.StatusLostApproval, Remark: "r", DueDate: "2024-01-03"}, engine.KindValidation},
		{"straight to lost", engine.StatusRequest{Status: domain.StatusLost, Remark: "r"}, engine.KindInvalidStatusEdge},
		{"active to active", engine.StatusRequest{Status: domain.StatusActive, Remark: "r"}, engine.KindInvalidStatusEdge},
		{"unknown status", engine.StatusRequest{Status: "paused", Remark: "r"}, engine.KindValidation},
	}
	before := env.auditCount(t, lead.ID)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.LeadID = lead.ID
			tc.req.Actor = sales
			_, err := env.Engine.ChangeStatus(env.Ctx, tc.req)
			expectKind(t, err, tc.kind)
		})
	}
	if got := env.auditCount(t, lead.ID); got != before {
		t.Fatalf("failed calls wrote %d audit entries", got-before)
	}
}

func TestPermissionCheckedBeforeEdge(t *testing.T) {
	env := newTestEnv(t)
	lead := env.designingLead(t)
	_, err := env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: lead.ID, Actor: factory, Status: domain.StatusOnHold, Remark: "r"})
	expectKind(t, err, engine.KindForbidden)
	_, err = env.Engine.ApproveLost(env.Ctx, lead.ID, sales, "r")
	expectKind(t, err, engine.KindForbidden)
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: factory, ToStage: domain.StageBooking})
	expectKind(t, err, engine.KindForbidden)

	// Requests with no overlay edge behind them still answer 403 to a role without status rights.
	for _, status := range []domain.ActivityStatus{domain.StatusLost, domain.StatusActive} {
		_, err = env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: lead.ID, Actor: factory, Status: status, Remark: "r"})
		expectKind(t, err, engine.KindForbidden)
		_, err = env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: lead.ID, Actor: sales, Status: status, Remark: "r"})
		expectKind(t, err, engine.KindInvalidStatusEdge)
	}

	// A stale version does not tell an unauthorized caller that the lead moved.
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: factory, ExpectedVersion: lead.Version - 1})
	expectKind(t, err, engine.KindForbidden)
	_, err = env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: lead.ID, Actor: factory, Status: domain.StatusOnHold, Remark: "r", DueDate: "2024-03-01", ExpectedVersion: lead.Version - 1})
	expectKind(t, err, engine.KindForbidden)
	err = env.Engine.DeleteLead(env.Ctx, engine.DeleteRequest{LeadID: lead.ID, Actor: sales, ExpectedVersion: lead.Version - 1})
	expectKind(t, err, engine.KindForbidden)
}

func TestAdvanceMustBePinned(t *testing.T) {
	env := newTestEnv(t)
	lead := env.readyForBooking(t)
	before := env.auditCount(t, lead.ID)

	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: sales})
	expectKind(t, err, engine.KindValidation)
	if got := env.auditCount(t, lead.ID); got != before {
		t.Fatalf("unpinned advance wrote %d audit entries", got-before)
	}

	// The same pinned request delivered twice moves the lead once.
	req := engine.AdvanceRequest{LeadID: lead.ID, Actor: sales, ToStage: domain.StageBooking}
	out, err := env.Engine.Advance(env.Ctx, req)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if out.Stage != domain.StageBooking {
		t.Fatalf("expected booking, got %s", out.Stage)
	}
	_, err = env.Engine.Advance(env.Ctx, req)
	expectKind(t, err, engine.KindConflict)

	stored, err := env.Engine.GetLead(env.Ctx, lead.ID, sales)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Stage != domain.StageBooking {
		t.Fatalf("repeated advance moved the lead to %s", stored.Stage)
	}
	if got := env.auditCount(t, lead.ID); got != before+1 {
		t.Fatalf("expected one audit entry, got %d", got-before)
	}
}

func TestApproveLostTwoPersonRule(t *testing.T) {
	env := newTestEnv(t)
	lead := env.designingLead(t)
	if _, err := env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: lead.ID, Actor: admin, Status: domain.StatusLostApproval, Remark: "no budget"}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.ApproveLost(env.Ctx, lead.ID, admin, "self approve")
	te := expectKind(t, err, engine.KindForbidden)
	if te.Code != "same_actor_approval" {
		t.Fatalf("unexpected code %s", te.Code)
	}
	out, err := env.Engine.ApproveLost(env.Ctx, lead.ID, boss, "approved")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if out.ActivityStatus != domain.StatusLost || out.LostProposedBy != admin.ID {
		t.Fatalf("unexpected lead %+v", out)
	}
}

func TestStageMonotonicityAcrossChain(t *testing.T) {
	env := newTestEnv(t)
	lead := env.createLead(t)
	rules := engine.DefaultRules()
	prev, _ := engine.StageIndex(lead.Stage)
	for {
		for _, req := range rules[lead.Stage] {
			lead = env.record(t, lead.ID, admin, req.Counter, req.Min)
		}
		next, err := env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: admin, ExpectedVersion: lead.Version})
		if err != nil {
			if _, ok := engine.NextStage(lead.Stage); ok {
				t.Fatalf("advance from %s: %v", lead.Stage, err)
			}
			expectKind(t, err, engine.KindForbidden)
			break
		}
		idx, _ := engine.StageIndex(next.Stage)
		if idx != prev+1 {
			t.Fatalf("stage jumped from %d to %d", prev, idx)
		}
		if next.OwnerRole != engine.StageOwner(next.Stage) {
			t.Fatalf("owner not updated at %s", next.Stage)
		}
		prev, lead = idx, next
	}
	if lead.Stage != domain.StageFinalHandover {
		t.Fatalf("walk ended at %s", lead.Stage)
	}
}

func TestRecordArtifactClampsAtZero(t *testing.T) {
	env := newTestEnv(t)
	lead := env.designingLead(t)
	out := env.record(t, lead.ID, designer, domain.CounterSelections, 2)
	if out.Count(domain.CounterSelections) != 2 {
		t.Fatalf("expected 2, got %d", out.Count(domain.CounterSelections))
	}
	out = env.record(t, lead.ID, designer, domain.CounterSelections, -5)
	if out.Count(domain.CounterSelections) != 0 {
		t.Fatalf("expected clamp to 0, got %d", out.Count(domain.CounterSelections))
	}
	stored, err := env.Engine.GetLead(env.Ctx, lead.ID, designer)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Count(domain.CounterSelections) != 0 || stored.Version != out.Version {
		t.Fatalf("stored lead out of sync: %+v", stored)
	}
	_, err = env.Engine.RecordArtifact(env.Ctx, engine.ArtifactRequest{LeadID: lead.ID, Actor: designer, Counter: domain.CounterSelections})
	expectKind(t, err, engine.KindValidation)
	_, err = env.Engine.RecordArtifact(env.Ctx, engine.ArtifactRequest{LeadID: lead.ID, Actor: factory, Counter: domain.CounterSelections, Delta: 1})
	expectKind(t, err, engine.KindForbidden)
}

func TestReassignAllowedWhileSuspended(t *testing.T) {
	env := newTestEnv(t)
	lead := env.designingLead(t)
	if _, err := env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: lead.ID, Actor: sales, Status: domain.StatusOnHold, Remark: "r", DueDate: "2024-01-09"}); err != nil {
		t.Fatal(err)
	}
	out, err := env.Engine.Reassign(env.Ctx, engine.ReassignRequest{LeadID: lead.ID, Actor: sales, AssignedUserID: "kim"})
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if out.AssignedUserID != "kim" || out.ActivityStatus != domain.StatusOnHold {
		t.Fatalf("unexpected lead %+v", out)
	}
	_, err = env.Engine.Reassign(env.Ctx, engine.ReassignRequest{LeadID: lead.ID, Actor: designer, AssignedUserID: "kim"})
	expectKind(t, err, engine.KindForbidden)
	_, err = env.Engine.Reassign(env.Ctx, engine.ReassignRequest{LeadID: lead.ID, Actor: sales})
	expectKind(t, err, engine.KindValidation)
}

func TestEditLead(t *testing.T) {
	env := newTestEnv(t)
	lead := env.createLead(t)
	title := "Wardrobe"
	out, err := env.Engine.EditLead(env.Ctx, engine.EditRequest{LeadID: lead.ID, Actor: sales, Title: &title})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if out.Title != "Wardrobe" || out.Stage != lead.Stage {
		t.Fatalf("unexpected lead %+v", out)
	}
	_, err = env.Engine.EditLead(env.Ctx, engine.EditRequest{LeadID: lead.ID, Actor: sales})
	expectKind(t, err, engine.KindValidation)
}

func TestVendorScopingHidesLeads(t *testing.T) {
	env := newTestEnv(t)
	lead := env.createLead(t)
	_, err := env.Engine.GetLead(env.Ctx, lead.ID, outsider)
	expectKind(t, err, engine.KindNotFound)
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: outsider, ToStage: domain.StageDesigning})
	expectKind(t, err, engine.KindNotFound)
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: "missing", Actor: admin, ToStage: domain.StageDesigning})
	expectKind(t, err, engine.KindNotFound)

	leads, err := env.Engine.ListLeads(env.Ctx, outsider, repo.LeadFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(leads) != 0 {
		t.Fatalf("outsider sees %d leads", len(leads))
	}
}

func TestListLeadsFilters(t *testing.T) {
	env := newTestEnv(t)
	a := env.createLead(t)
	b := env.designingLead(t)
	if _, err := env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: b.ID, Actor: sales, Status: domain.StatusOnHold, Remark: "r", DueDate: "2024-01-09"}); err != nil {
		t.Fatal(err)
	}
	held, err := env.Engine.ListLeads(env.Ctx, sales, repo.LeadFilters{Status: string(domain.StatusOnHold)})
	if err != nil {
		t.Fatal(err)
	}
	if len(held) != 1 || held[0].ID != b.ID {
		t.Fatalf("unexpected on-hold list %+v", held)
	}
	atLead, err := env.Engine.ListLeads(env.Ctx, sales, repo.LeadFilters{Stage: string(domain.StageLead)})
	if err != nil {
		t.Fatal(err)
	}
	if len(atLead) != 1 || atLead[0].ID != a.ID {
		t.Fatalf("unexpected stage list %+v", atLead)
	}
	_, err = env.Engine.ListLeads(env.Ctx, sales, repo.LeadFilters{Status: "paused"})
	expectKind(t, err, engine.KindValidation)

	summary, err := env.Engine.Summary(env.Ctx, sales)
	if err != nil {
		t.Fatal(err)
	}
	if summary["active"] != 1 || summary["on_hold"] != 1 {
		t.Fatalf("unexpected summary %v", summary)
	}
}

func TestActionStatesSeparateVisibleFromActionable(t *testing.T) {
	env := newTestEnv(t)
	lead := env.designingLead(t)
	states, err := env.Engine.Actions(env.Ctx, lead.ID, sales)
	if err != nil {
		t.Fatal(err)
	}
	byAction := map[domain.Action]domain.ActionState{}
	for _, st := range states {
		byAction[st.Action] = st
	}
	adv := byAction[domain.ActionAdvanceStage]
	if !adv.Visible || adv.Actionable || len(adv.Reasons) == 0 {
		t.Fatalf("advance should be visible but disabled with reasons: %+v", adv)
	}
	if st := byAction[domain.ActionRevert]; !st.Visible || st.Actionable {
		t.Fatalf("revert on an active lead: %+v", st)
	}
	if st := byAction[domain.ActionMarkOnHold]; !st.Visible || !st.Actionable {
		t.Fatalf("mark on hold: %+v", st)
	}
	if st := byAction[domain.ActionApproveLost]; st.Visible {
		t.Fatalf("sales should not see approve lost: %+v", st)
	}

	if _, err := env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: lead.ID, Actor: sales, Status: domain.StatusLostApproval, Remark: "r"}); err != nil {
		t.Fatal(err)
	}
	states, err = env.Engine.Actions(env.Ctx, lead.ID, admin)
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range states {
		if st.Action == domain.ActionApproveLost && (!st.Visible || !st.Actionable) {
			t.Fatalf("admin should be able to approve: %+v", st)
		}
		if st.Action == domain.ActionAdvanceStage && st.Actionable {
			t.Fatalf("advance actionable while lost_approval")
		}
	}
}

func TestReadinessIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	lead := env.designingLead(t)
	env.record(t, lead.ID, designer, domain.CounterSelections, 1)
	a, err := env.Engine.Readiness(env.Ctx, lead.ID, sales)
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.Readiness(env.Ctx, lead.ID, sales)
	if err != nil {
		t.Fatal(err)
	}
	if a.Allowed != b.Allowed || len(a.Reasons) != len(b.Reasons) {
		t.Fatalf("readiness differs: %+v vs %+v", a, b)
	}
	for i := range a.Reasons {
		if a.Reasons[i] != b.Reasons[i] {
			t.Fatalf("reason %d differs", i)
		}
	}
	if a.NextStage != domain.StageBooking {
		t.Fatalf("next stage %s", a.NextStage)
	}
}

func TestHistoryPagination(t *testing.T) {
	env := newTestEnv(t)
	lead := env.designingLead(t)
	for i := 0; i < 3; i++ {
		env.record(t, lead.ID, designer, domain.CounterDesignDocs, 1)
	}
	// created + advanced + 3 artifacts
	page1, next, err := env.Engine.History(env.Ctx, lead.ID, sales, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page1) != 2 || next == 0 {
		t.Fatalf("page1 len=%d next=%d", len(page1), next)
	}
	if page1[0].ID <= page1[1].ID {
		t.Fatalf("history must be newest first")
	}
	page2, next2, err := env.Engine.History(env.Ctx, lead.ID, sales, next, 2)
	if err != nil {
		t.Fatal(err)
	}
	page3, next3, err := env.Engine.History(env.Ctx, lead.ID, sales, next2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2) != 2 || len(page3) != 1 || next3 != 0 {
		t.Fatalf("pages %d/%d next3=%d", len(page2), len(page3), next3)
	}
	if page3[0].Type != events.TypeLeadCreated {
		t.Fatalf("oldest entry should be creation, got %s", page3[0].Type)
	}
	feed, _, err := env.Engine.Audit(env.Ctx, outsider, repo.AuditFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(feed) != 0 {
		t.Fatalf("outsider sees %d audit entries", len(feed))
	}
}

func TestReplayMatchesStoredLead(t *testing.T) {
	env := newTestEnv(t)
	lead := env.readyForBooking(t)
	if _, err := env.Engine.Advance(env.Ctx, engine.AdvanceRequest{LeadID: lead.ID, Actor: sales, ToStage: domain.StageBooking}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reassign(env.Ctx, engine.ReassignRequest{LeadID: lead.ID, Actor: sales, AssignedUserID: "lee"}); err != nil {
		t.Fatal(err)
	}
	env.record(t, lead.ID, sales, domain.CounterBookingPayments, 1)
	if _, err := env.Engine.ChangeStatus(env.Ctx, engine.StatusRequest{LeadID: lead.ID, Actor: sales, Status: domain.StatusOnHold, Remark: "r", DueDate: "2024-01-20"}); err != nil {
		t.Fatal(err)
	}

	stored, err := env.Engine.GetLead(env.Ctx, lead.ID, sales)
	if err != nil {
		t.Fatal(err)
	}
	st, err := env.Engine.Replay(env.Ctx, lead.ID, sales)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if st.Stage != stored.Stage || st.ActivityStatus != stored.ActivityStatus || st.AssignedUserID != stored.AssignedUserID {
		t.Fatalf("replay %+v differs from stored %+v", st, stored)
	}
	if st.Version != stored.Version {
		t.Fatalf("replay version %d, stored %d", st.Version, stored.Version)
	}
	for name, v := range stored.Counts {
		if st.Counts[name] != v {
			t.Fatalf("counter %s: replay %d stored %d", name, st.Counts[name], v)
		}
	}
}

func TestExecuteRejectsNonTransitionActions(t *testing.T) {
	env := newTestEnv(t)
	lead := env.createLead(t)
	_, err := env.Engine.Execute(env.Ctx, engine.TransitionRequest{LeadID: lead.ID, Actor: admin, Action: domain.ActionDelete})
	expectKind(t, err, engine.KindValidation)
	_, err = env.Engine.Execute(env.Ctx, engine.TransitionRequest{LeadID: lead.ID, Actor: domain.Actor{ID: "x", Role: "janitor"}, Action: domain.ActionAdvanceStage})
	expectKind(t, err, engine.KindValidation)
}

func TestDeleteLeadKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	lead := env.createLead(t)
	env.record(t, lead.ID, sales, domain.CounterQuotationDocs, 1)

	err := env.Engine.DeleteLead(env.Ctx, engine.DeleteRequest{LeadID: lead.ID, Actor: sales})
	expectKind(t, err, engine.KindForbidden)
	err = env.Engine.DeleteLead(env.Ctx, engine.DeleteRequest{LeadID: lead.ID, Actor: outsider})
	expectKind(t, err, engine.KindNotFound)
	err = env.Engine.DeleteLead(env.Ctx, engine.DeleteRequest{LeadID: lead.ID, Actor: admin, ExpectedVersion: 1})
	expectKind(t, err, engine.KindConflict)

	if err := env.Engine.DeleteLead(env.Ctx, engine.DeleteRequest{LeadID: lead.ID, Actor: admin, Remark: "duplicate"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = env.Engine.GetLead(env.Ctx, lead.ID, admin)
	expectKind(t, err, engine.KindNotFound)
	if n := env.auditCount(t, lead.ID); n != 3 {
		t.Fatalf("expected history to survive deletion, got %d entries", n)
	}
	counts, err := env.Engine.Repo.ListCounters(env.Ctx, lead.ID)
	if err != nil {
		t.Fatalf("list counters: %v", err)
	}
	if len(counts) != 0 {
		t.Fatalf("expected counters to cascade, got %v", counts)
	}

	feed, _, err := env.Engine.History(env.Ctx, lead.ID, sales, 0, 10)
	if err != nil {
		t.Fatalf("history after delete: %v", err)
	}
	if len(feed) != 3 || feed[0].Type != events.TypeLeadDeleted || feed[2].Type != events.TypeLeadCreated {
		t.Fatalf("unexpected feed after delete: %+v", feed)
	}
	_, _, err = env.Engine.History(env.Ctx, lead.ID, outsider, 0, 10)
	expectKind(t, err, engine.KindNotFound)
	_, _, err = env.Engine.History(env.Ctx, "never-existed", admin, 0, 10)
	expectKind(t, err, engine.KindNotFound)
}
