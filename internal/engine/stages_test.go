package engine_test

import (
	"testing"

	"leadflow/internal/config"
	"leadflow/internal/domain"
	"leadflow/internal/engine"
)

func TestStageChainIsLinear(t *testing.T) {
	stages := engine.Stages()
	if len(stages) != 13 {
		t.Fatalf("expected 13 stages, got %d", len(stages))
	}
	if engine.FirstStage() != domain.StageLead {
		t.Fatalf("first stage %s", engine.FirstStage())
	}
	for i := 0; i < len(stages)-1; i++ {
		next, ok := engine.NextStage(stages[i].Stage)
		if !ok || next != stages[i+1].Stage {
			t.Fatalf("next(%s) = %s,%v", stages[i].Stage, next, ok)
		}
	}
	if _, ok := engine.NextStage(domain.StageFinalHandover); ok {
		t.Fatalf("terminal stage must have no successor")
	}
}

func TestNextStagePanicsOnUnknown(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	engine.NextStage("warehouse")
}

func TestCanAdvance(t *testing.T) {
	rules := engine.DefaultRules()
	cases := []struct {
		name    string
		lead    domain.Lead
		allowed bool
		reasons int
	}{
		{"no precondition", domain.Lead{Stage: domain.StageLead}, true, 0},
		{"designing empty", domain.Lead{Stage: domain.StageDesigning}, false, 3},
		{"designing two selections", domain.Lead{Stage: domain.StageDesigning, Counts: map[string]int{
			domain.CounterQuotationDocs: 1, domain.CounterDesignDocs: 1, domain.CounterSelections: 2,
		}}, false, 1},
		{"designing met", domain.Lead{Stage: domain.StageDesigning, Counts: map[string]int{
			domain.CounterQuotationDocs: 1, domain.CounterDesignDocs: 4, domain.CounterSelections: 3,
		}}, true, 0},
		{"terminal", domain.Lead{Stage: domain.StageFinalHandover}, false, 1},
		{"unknown", domain.Lead{Stage: "warehouse"}, false, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := rules.CanAdvance(tc.lead)
			if r.Allowed != tc.allowed || len(r.Reasons) != tc.reasons {
				t.Fatalf("got %+v", r)
			}
			if r.Reasons == nil {
				t.Fatalf("reasons must be an empty slice, not nil")
			}
		})
	}
	if r := rules.CanAdvance(domain.Lead{Stage: "warehouse"}); r.Reasons[0] != "unknown stage" {
		t.Fatalf("unexpected reason %q", r.Reasons[0])
	}
	r := rules.CanAdvance(domain.Lead{Stage: domain.StageDesigning, Counts: map[string]int{
		domain.CounterQuotationDocs: 1, domain.CounterDesignDocs: 1, domain.CounterSelections: 2,
	}})
	if r.Reasons[0] != "requires at least 3 selections (selectionCount=2)" {
		t.Fatalf("unexpected reason %q", r.Reasons[0])
	}
}

func TestRulesFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Preconditions = map[string][]config.PreconditionConfig{
		"booking": {{Counter: "bookingPaymentDocCount", Min: 2}},
	}
	rules, err := engine.RulesFromConfig(cfg)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	r := rules.CanAdvance(domain.Lead{Stage: domain.StageBooking, Counts: map[string]int{"bookingPaymentDocCount": 1}})
	if r.Allowed {
		t.Fatalf("override not applied")
	}
	if r.Reasons[0] != "requires at least 2 bookingPaymentDocCounts (bookingPaymentDocCount=1)" {
		t.Fatalf("unexpected reason %q", r.Reasons[0])
	}
	if len(rules[domain.StageDesigning]) != 3 {
		t.Fatalf("unlisted stages keep defaults")
	}

	cfg.Preconditions = map[string][]config.PreconditionConfig{"warehouse": {{Counter: "x", Min: 1}}}
	if _, err := engine.RulesFromConfig(cfg); err == nil {
		t.Fatalf("expected unknown stage error")
	}
	cfg.Preconditions = map[string][]config.PreconditionConfig{"final_handover": {{Counter: "x", Min: 1}}}
	if _, err := engine.RulesFromConfig(cfg); err == nil {
		t.Fatalf("expected terminal stage error")
	}
}

func TestStatusEdges(t *testing.T) {
	cases := []struct {
		from, to domain.ActivityStatus
		action   domain.Action
		ok       bool
	}{
		{domain.StatusActive, domain.StatusOnHold, domain.ActionMarkOnHold, true},
		{domain.StatusActive, domain.StatusLostApproval, domain.ActionMarkLostApproval, true},
		{domain.StatusOnHold, domain.StatusLostApproval, domain.ActionMarkLost, true},
		{domain.StatusLostApproval, domain.StatusLost, domain.ActionApproveLost, true},
		{domain.StatusLostApproval, domain.StatusOnHold, domain.ActionRevert, true},
		{domain.StatusLost, domain.StatusActive, domain.ActionRevert, true},
		{domain.StatusActive, domain.StatusLost, "", false},
		{domain.StatusOnHold, domain.StatusLost, "", false},
		{domain.StatusLost, domain.StatusOnHold, "", false},
	}
	for _, tc := range cases {
		a, ok := engine.StatusEdgeAction(tc.from, tc.to)
		if ok != tc.ok || a != tc.action {
			t.Fatalf("%s -> %s: got %s,%v", tc.from, tc.to, a, ok)
		}
	}
	if _, err := engine.ResolveStatusAction(domain.StatusActive, domain.StatusLost); engine.KindOf(err) != engine.KindInvalidStatusEdge {
		t.Fatalf("expected invalid edge, got %v", err)
	}
}
