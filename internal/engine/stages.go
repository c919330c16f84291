package engine

import "leadflow/internal/domain"

// StageInfo describes one entry of the pipeline chain.
type StageInfo struct {
	Stage domain.Stage
	Label string
	// Owner is the role that normally acts on a lead while it sits in this stage.
	Owner domain.Role
}

// pipeline is the canonical chain. Each stage has exactly one advance edge: to the next entry.
var pipeline = []StageInfo{
	{domain.StageLead, "Lead", domain.RoleSalesExecutive},
	{domain.StageDesigning, "Designing", domain.RoleDesigner},
	{domain.StageBooking, "Booking", domain.RoleSalesExecutive},
	{domain.StageFinalMeasurement, "Final Measurement", domain.RoleSiteSupervisor},
	{domain.StageClientDocumentation, "Client Documentation", domain.RoleDesigner},
	{domain.StageClientApproval, "Client Approval", domain.RoleSalesExecutive},
	{domain.StageTechCheck, "Tech Check", domain.RoleTechCheck},
	{domain.StageOrderLogin, "Order Login", domain.RoleDesigner},
	{domain.StageProduction, "Production", domain.RoleFactory},
	{domain.StageDispatchPlanning, "Dispatch Planning", domain.RoleFactory},
	{domain.StageDispatch, "Dispatch", domain.RoleFactory},
	{domain.StageInstallation, "Installation", domain.RoleSiteSupervisor},
	{domain.StageFinalHandover, "Final Handover", domain.RoleSiteSupervisor},
}

var stageIndex = func() map[domain.Stage]int {
	idx := make(map[domain.Stage]int, len(pipeline))
	for i, s := range pipeline {
		idx[s.Stage] = i
	}
	return idx
}()

// Stages returns the ordered chain.
func Stages() []StageInfo {
	out := make([]StageInfo, len(pipeline))
	copy(out, pipeline)
	return out
}

// FirstStage is where every new lead starts.
func FirstStage() domain.Stage {
	return pipeline[0].Stage
}

// StageIndex returns the position of s in the chain.
func StageIndex(s domain.Stage) (int, bool) {
	i, ok := stageIndex[s]
	return i, ok
}

// KnownStage reports whether s belongs to the registry.
func KnownStage(s domain.Stage) bool {
	_, ok := stageIndex[s]
	return ok
}

// NextStage returns the single successor of current; false for the terminal stage.
// Unknown stages panic: they can only come from a programming error.
func NextStage(current domain.Stage) (domain.Stage, bool) {
	i, ok := stageIndex[current]
	if !ok {
		panic("engine: unknown stage " + string(current))
	}
	if i == len(pipeline)-1 {
		return "", false
	}
	return pipeline[i+1].Stage, true
}

// StageOwner returns the role that owns leads in stage s.
func StageOwner(s domain.Stage) domain.Role {
	if i, ok := stageIndex[s]; ok {
		return pipeline[i].Owner
	}
	return ""
}

// StageLabel returns the human label for s.
func StageLabel(s domain.Stage) string {
	if i, ok := stageIndex[s]; ok {
		return pipeline[i].Label
	}
	return string(s)
}

func isTerminal(s domain.Stage) bool {
	i, ok := stageIndex[s]
	return ok && i == len(pipeline)-1
}
