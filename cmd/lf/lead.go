package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"leadflow/internal/app"
	"leadflow/internal/domain"
	"leadflow/internal/engine"
	"leadflow/internal/repo"
)

func leadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lead",
		Short: "Create, move and inspect leads",
	}
	cmd.AddCommand(leadCreateCmd())
	cmd.AddCommand(leadListCmd())
	cmd.AddCommand(leadShowCmd())
	cmd.AddCommand(leadEditCmd())
	cmd.AddCommand(leadAdvanceCmd())
	cmd.AddCommand(leadStatusCmd())
	cmd.AddCommand(leadRevertCmd())
	cmd.AddCommand(leadApproveLostCmd())
	cmd.AddCommand(leadReassignCmd())
	cmd.AddCommand(leadArtifactCmd())
	cmd.AddCommand(leadReadinessCmd())
	cmd.AddCommand(leadActionsCmd())
	cmd.AddCommand(leadHistoryCmd())
	cmd.AddCommand(leadReplayCmd())
	cmd.AddCommand(leadDeleteCmd())
	return cmd
}

func leadCreateCmd() *cobra.Command {
	var id, title, client, assignee string
	var counts map[string]int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lead at the first stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				lead, err := rt.Engine.CreateLead(ctx, engine.CreateLeadOptions{
					ID:             id,
					Title:          title,
					ClientName:     client,
					AssignedUserID: assignee,
					Counts:         counts,
					Actor:          currentActor(),
				})
				if err != nil {
					return err
				}
				return printLead(lead)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "lead id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "lead title")
	cmd.Flags().StringVar(&client, "client", "", "client name")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assigned user id")
	cmd.Flags().StringToIntVar(&counts, "count", nil, "initial counters, e.g. --count quotationDocCount=1")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func leadListCmd() *cobra.Command {
	var stage, status, assignee string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leads newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				leads, err := rt.Engine.ListLeads(ctx, currentActor(), repo.LeadFilters{
					Stage:      stage,
					Status:     status,
					AssigneeID: assignee,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(leads)
				}
				tw := newTable(table.Row{"ID", "Title", "Stage", "Status", "Owner", "Assignee", "Version"})
				for _, l := range leads {
					tw.AppendRow(table.Row{l.ID, l.Title, l.Stage, l.ActivityStatus, l.OwnerRole, l.AssignedUserID, l.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "filter by stage")
	cmd.Flags().StringVar(&status, "status", "", "filter by activity status")
	cmd.Flags().StringVar(&assignee, "assignee", "", "filter by assigned user")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func leadShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <lead-id>",
		Short: "Show one lead",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				lead, err := rt.Engine.GetLead(ctx, args[0], currentActor())
				if err != nil {
					return err
				}
				return printLead(lead)
			})
		},
	}
}

func leadEditCmd() *cobra.Command {
	var title, client string
	var expected int64
	cmd := &cobra.Command{
		Use:   "edit <lead-id>",
		Short: "Edit title or client name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				lead, err := rt.Engine.EditLead(ctx, engine.EditRequest{
					LeadID:          args[0],
					Actor:           currentActor(),
					Title:           optionalString(cmd, "title", title),
					ClientName:      optionalString(cmd, "client", client),
					ExpectedVersion: expected,
				})
				if err != nil {
					return err
				}
				return printLead(lead)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&client, "client", "", "new client name")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "reject if the lead moved past this version")
	return cmd
}

func leadAdvanceCmd() *cobra.Command {
	var to, remark string
	var expected int64
	cmd := &cobra.Command{
		Use:   "advance <lead-id>",
		Short: "Move a lead to its next stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				actor := currentActor()
				target := domain.Stage(to)
				if target == "" && expected == 0 {
					// pin to the lead as read here; a concurrent advance becomes a conflict, not a second move
					cur, err := rt.Engine.GetLead(ctx, args[0], actor)
					if err != nil {
						return explain(err)
					}
					expected = cur.Version
					if next, ok := engine.NextStage(cur.Stage); ok {
						target = next
					}
				}
				lead, err := rt.Engine.Advance(ctx, engine.AdvanceRequest{
					LeadID:          args[0],
					Actor:           actor,
					ToStage:         target,
					ExpectedVersion: expected,
					Remark:          remark,
				})
				if err != nil {
					return explain(err)
				}
				return printLead(lead)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "expected target stage (defaults to the stage after the current one)")
	cmd.Flags().StringVar(&remark, "remark", "", "remark stored in the audit log")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "reject if the lead moved past this version")
	return cmd
}

func leadStatusCmd() *cobra.Command {
	var remark, due string
	var expected int64
	cmd := &cobra.Command{
		Use:   "status <lead-id> <active|on_hold|lost_approval|lost>",
		Short: "Change a lead's activity status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				lead, err := rt.Engine.ChangeStatus(ctx, engine.StatusRequest{
					LeadID:          args[0],
					Actor:           currentActor(),
					Status:          domain.ActivityStatus(args[1]),
					Remark:          remark,
					DueDate:         due,
					ExpectedVersion: expected,
				})
				if err != nil {
					return explain(err)
				}
				return printLead(lead)
			})
		},
	}
	cmd.Flags().StringVar(&remark, "remark", "", "reason for the change")
	cmd.Flags().StringVar(&due, "due", "", "follow-up date for on_hold (YYYY-MM-DD or RFC3339)")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "reject if the lead moved past this version")
	return cmd
}

func leadRevertCmd() *cobra.Command {
	var remark, toStatus, due string
	var expected int64
	cmd := &cobra.Command{
		Use:   "revert <lead-id>",
		Short: "Return a suspended lead to active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				lead, err := rt.Engine.Revert(ctx, engine.RevertRequest{
					LeadID:          args[0],
					Actor:           currentActor(),
					Remark:          remark,
					ToStatus:        domain.ActivityStatus(toStatus),
					DueDate:         due,
					ExpectedVersion: expected,
				})
				if err != nil {
					return explain(err)
				}
				return printLead(lead)
			})
		},
	}
	cmd.Flags().StringVar(&remark, "remark", "", "reason for the revert")
	cmd.Flags().StringVar(&toStatus, "to-status", "", "active (default) or on_hold from lost_approval")
	cmd.Flags().StringVar(&due, "due", "", "follow-up date when reverting to on_hold")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "reject if the lead moved past this version")
	return cmd
}

func leadApproveLostCmd() *cobra.Command {
	var remark string
	cmd := &cobra.Command{
		Use:   "approve-lost <lead-id>",
		Short: "Confirm a proposed loss (needs a second admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				lead, err := rt.Engine.ApproveLost(ctx, args[0], currentActor(), remark)
				if err != nil {
					return explain(err)
				}
				return printLead(lead)
			})
		},
	}
	cmd.Flags().StringVar(&remark, "remark", "", "approval remark")
	return cmd
}

func leadReassignCmd() *cobra.Command {
	var expected int64
	cmd := &cobra.Command{
		Use:   "reassign <lead-id> <user-id>",
		Short: "Hand a lead to another user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				lead, err := rt.Engine.Reassign(ctx, engine.ReassignRequest{
					LeadID:          args[0],
					Actor:           currentActor(),
					AssignedUserID:  args[1],
					ExpectedVersion: expected,
				})
				if err != nil {
					return explain(err)
				}
				return printLead(lead)
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "reject if the lead moved past this version")
	return cmd
}

func leadArtifactCmd() *cobra.Command {
	var expected int64
	cmd := &cobra.Command{
		Use:   "artifact <lead-id> <counter> <delta>",
		Short: "Record a document upload (+n) or removal (-n)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			delta, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("delta must be an integer: %w", err)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				lead, err := rt.Engine.RecordArtifact(ctx, engine.ArtifactRequest{
					LeadID:          args[0],
					Actor:           currentActor(),
					Counter:         args[1],
					Delta:           delta,
					ExpectedVersion: expected,
				})
				if err != nil {
					return explain(err)
				}
				if viper.GetBool("json") {
					return printJSON(lead)
				}
				fmt.Printf("%s: %s=%d (version %d)\n", lead.ID, args[1], lead.Count(args[1]), lead.Version)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "reject if the lead moved past this version")
	return cmd
}

func leadReadinessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "readiness <lead-id>",
		Short: "Explain whether the lead can advance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				r, err := rt.Engine.Readiness(ctx, args[0], currentActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				if r.Allowed {
					fmt.Printf("ready to advance to %s\n", r.NextStage)
					return nil
				}
				fmt.Println("not ready:")
				for _, reason := range r.Reasons {
					fmt.Printf("  - %s\n", reason)
				}
				return nil
			})
		},
	}
}

func leadActionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions <lead-id>",
		Short: "List actions the current actor can see and use",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				states, err := rt.Engine.Actions(ctx, args[0], currentActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(states)
				}
				tw := newTable(table.Row{"Action", "Visible", "Actionable", "Reasons"})
				for _, s := range states {
					tw.AppendRow(table.Row{s.Action, s.Visible, s.Actionable, strings.Join(s.Reasons, "; ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func leadHistoryCmd() *cobra.Command {
	var limit int
	var cursor int64
	cmd := &cobra.Command{
		Use:   "history <lead-id>",
		Short: "Show a lead's audit trail, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				entries, next, err := rt.Engine.History(ctx, args[0], currentActor(), cursor, limit)
				if err != nil {
					return err
				}
				return printAudit(entries, next)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "continue before this audit id")
	return cmd
}

func leadReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <lead-id>",
		Short: "Rebuild lead state from its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				state, err := rt.Engine.Replay(ctx, args[0], currentActor())
				if err != nil {
					return err
				}
				return printJSON(state)
			})
		},
	}
}

func leadDeleteCmd() *cobra.Command {
	var remark string
	var expected int64
	cmd := &cobra.Command{
		Use:   "delete <lead-id>",
		Short: "Delete a lead; its audit trail is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				err := rt.Engine.DeleteLead(ctx, engine.DeleteRequest{
					LeadID:          args[0],
					Actor:           currentActor(),
					Remark:          remark,
					ExpectedVersion: expected,
				})
				if err != nil {
					return explain(err)
				}
				fmt.Printf("Lead %s deleted\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&remark, "remark", "", "reason for deletion")
	cmd.Flags().Int64Var(&expected, "expected-version", 0, "reject if the lead moved past this version")
	return cmd
}

func auditCmd() *cobra.Command {
	var leadID, typ string
	var limit int
	var cursor int64
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Browse the audit log for the current vendor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				entries, next, err := rt.Engine.Audit(ctx, currentActor(), repo.AuditFilters{
					LeadID: leadID,
					Type:   typ,
					Cursor: cursor,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				return printAudit(entries, next)
			})
		},
	}
	cmd.Flags().StringVar(&leadID, "lead", "", "filter by lead id")
	cmd.Flags().StringVar(&typ, "type", "", "filter by event type, e.g. lead.stage_advanced")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "continue before this audit id")
	return cmd
}

func summaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count leads by activity status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				counts, err := rt.Engine.Summary(ctx, currentActor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable(table.Row{"Status", "Leads"})
				for _, s := range []domain.ActivityStatus{domain.StatusActive, domain.StatusOnHold, domain.StatusLostApproval, domain.StatusLost} {
					tw.AppendRow(table.Row{s, counts[string(s)]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

type stageRow struct {
	Stage    domain.Stage `json:"stage"`
	Label    string       `json:"label"`
	Owner    domain.Role  `json:"owner_role"`
	Requires []string     `json:"requires"`
}

func stageRows(rt *app.Runtime) []stageRow {
	var rows []stageRow
	for _, s := range engine.Stages() {
		reqs := []string{}
		for _, r := range rt.Engine.Rules[s.Stage] {
			reqs = append(reqs, fmt.Sprintf("%s>=%d", r.Counter, r.Min))
		}
		rows = append(rows, stageRow{Stage: s.Stage, Label: s.Label, Owner: s.Owner, Requires: reqs})
	}
	return rows
}

func printLead(lead domain.Lead) error {
	if viper.GetBool("json") {
		return printJSON(lead)
	}
	fmt.Printf("Lead %s (v%d)\n", lead.ID, lead.Version)
	fmt.Printf("  title:    %s\n", lead.Title)
	if lead.ClientName != "" {
		fmt.Printf("  client:   %s\n", lead.ClientName)
	}
	fmt.Printf("  vendor:   %s\n", lead.VendorID)
	fmt.Printf("  stage:    %s (owner %s)\n", lead.Stage, lead.OwnerRole)
	fmt.Printf("  status:   %s\n", lead.ActivityStatus)
	if lead.StatusRemark != "" {
		fmt.Printf("  remark:   %s\n", lead.StatusRemark)
	}
	if lead.StatusDueDate != nil {
		fmt.Printf("  due:      %s\n", *lead.StatusDueDate)
	}
	if lead.AssignedUserID != "" {
		fmt.Printf("  assignee: %s\n", lead.AssignedUserID)
	}
	if names := repo.SortedCounterNames(lead.Counts); len(names) > 0 {
		fmt.Println("  counts:")
		for _, name := range names {
			fmt.Printf("    %s=%d\n", name, lead.Counts[name])
		}
	}
	return nil
}

func printAudit(entries []domain.AuditEntry, next int64) error {
	if viper.GetBool("json") {
		out := map[string]any{"items": entries}
		if next > 0 {
			out["next_cursor"] = strconv.FormatInt(next, 10)
		}
		return printJSON(out)
	}
	tw := newTable(table.Row{"ID", "TS", "Type", "Lead", "Actor", "Change", "Remark"})
	for _, e := range entries {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.LeadID, e.ActorID, describeChange(e), e.Remark})
	}
	tw.Render()
	if next > 0 {
		fmt.Printf("more: --cursor %d\n", next)
	}
	return nil
}

func describeChange(e domain.AuditEntry) string {
	switch {
	case e.ToStage != "" && e.FromStage != e.ToStage:
		return fmt.Sprintf("%s -> %s", e.FromStage, e.ToStage)
	case e.ToStatus != "" && e.FromStatus != e.ToStatus:
		return fmt.Sprintf("%s -> %s", e.FromStatus, e.ToStatus)
	default:
		return string(e.Action)
	}
}

// explain lays unmet preconditions out one per line.
func explain(err error) error {
	var te *engine.TransitionError
	if !errors.As(err, &te) || len(te.Reasons) == 0 {
		return err
	}
	msg := te.Message
	if msg == "" {
		msg = string(te.Kind)
	}
	return fmt.Errorf("%s:\n  - %s", msg, strings.Join(te.Reasons, "\n  - "))
}
