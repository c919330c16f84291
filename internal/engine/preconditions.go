package engine

import (
	"fmt"

	"leadflow/internal/config"
	"leadflow/internal/domain"
)

// Requirement is one numeric check against a lead counter.
type Requirement struct {
	Counter string
	Min     int
	Label   string
}

// Rules maps the stage being left to the conjunction guarding its advance edge.
type Rules map[domain.Stage][]Requirement

// DefaultRules returns the built-in precondition table.
func DefaultRules() Rules {
	return Rules{
		domain.StageDesigning: {
			{Counter: domain.CounterQuotationDocs, Min: 1, Label: "quotation document"},
			{Counter: domain.CounterDesignDocs, Min: 1, Label: "design document"},
			{Counter: domain.CounterSelections, Min: 3, Label: "selection"},
		},
		domain.StageBooking: {
			{Counter: domain.CounterBookingPayments, Min: 1, Label: "booking payment document"},
		},
		domain.StageFinalMeasurement: {
			{Counter: domain.CounterMeasurementDocs, Min: 1, Label: "site measurement document"},
		},
		domain.StageClientDocumentation: {
			{Counter: domain.CounterClientDocs, Min: 1, Label: "client documentation file"},
		},
		domain.StageClientApproval: {
			{Counter: domain.CounterClientApprovals, Min: 1, Label: "client approval"},
		},
		domain.StageTechCheck: {
			{Counter: domain.CounterTechCheckDocs, Min: 1, Label: "tech check sign-off"},
		},
		domain.StageOrderLogin: {
			{Counter: domain.CounterOrderLoginDocs, Min: 1, Label: "order login document"},
		},
		domain.StageProduction: {
			{Counter: domain.CounterProductionDocs, Min: 1, Label: "production completion document"},
		},
		domain.StageDispatchPlanning: {
			{Counter: domain.CounterDispatchPlans, Min: 1, Label: "dispatch plan"},
		},
		domain.StageDispatch: {
			{Counter: domain.CounterDispatchDocs, Min: 1, Label: "dispatch document"},
		},
		domain.StageInstallation: {
			{Counter: domain.CounterInstallDocs, Min: 1, Label: "installation photo"},
			{Counter: domain.CounterHandoverDocs, Min: 1, Label: "handover document"},
		},
	}
}

// RulesFromConfig overlays the config's precondition section on the defaults.
// A stage listed in config replaces the default conjunction for that stage entirely.
func RulesFromConfig(cfg *config.Config) (Rules, error) {
	rules := DefaultRules()
	if cfg == nil {
		return rules, nil
	}
	for stage, reqs := range cfg.Preconditions {
		if !KnownStage(domain.Stage(stage)) {
			return nil, fmt.Errorf("preconditions: unknown stage %q", stage)
		}
		if isTerminal(domain.Stage(stage)) {
			return nil, fmt.Errorf("preconditions: %s has no advance edge", stage)
		}
		out := make([]Requirement, 0, len(reqs))
		for _, r := range reqs {
			label := r.Label
			if label == "" {
				label = r.Counter
			}
			out = append(out, Requirement{Counter: r.Counter, Min: r.Min, Label: label})
		}
		rules[domain.Stage(stage)] = out
	}
	return rules, nil
}

// CanAdvance evaluates the advance edge leaving lead.Stage against lead.Counts.
// It is pure: same counters in, same answer out.
func (r Rules) CanAdvance(lead domain.Lead) domain.Readiness {
	if !KnownStage(lead.Stage) {
		return domain.Readiness{Allowed: false, Reasons: []string{"unknown stage"}}
	}
	next, ok := NextStage(lead.Stage)
	if !ok {
		return domain.Readiness{Allowed: false, Reasons: []string{fmt.Sprintf("%s is the final stage", lead.Stage)}}
	}
	reasons := []string{}
	for _, req := range r[lead.Stage] {
		have := lead.Count(req.Counter)
		if have < req.Min {
			reasons = append(reasons, fmt.Sprintf("requires at least %d %s (%s=%d)", req.Min, plural(req.Label, req.Min), req.Counter, have))
		}
	}
	return domain.Readiness{Allowed: len(reasons) == 0, Reasons: reasons, NextStage: next}
}

func plural(label string, n int) string {
	if n == 1 || label == "" {
		return label
	}
	return label + "s"
}
