package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/xela07ax/spaceai-orchestrator/internal/console/service"
	"github.com/xela07ax/spaceai-orchestrator/internal/domain"
	"github.com/xela07ax/spaceai-orchestrator/internal/repository/sqlstore"
)

const timeLayout = "2006-01-02 15:04:05"

func pendingCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List actions waiting for approval (newest first)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, s *sqlstore.Store) error {
				list, err := s.Pending(ctx)
				if err != nil {
					return err
				}
				if list == nil {
					list = []*domain.ApprovalRecord{}
				}
				if opts.output != "table" {
					return render(cmd.OutOrStdout(), opts.output, list)
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No pending approvals")
					return nil
				}
				tw := newTable(cmd)
				tw.AppendHeader(table.Row{"Action ID", "Agent", "Function", "Risk", "Workflow", "Created", "Timeout"})
				for _, r := range list {
					tw.AppendRow(table.Row{r.ActionID, r.AgentName, r.FunctionName, r.RiskLevel, r.WorkflowType,
						r.CreatedAt.Local().Format(timeLayout), r.TimeoutAt.Local().Format(timeLayout)})
				}
				tw.SetCaption("%d pending", len(list))
				tw.Render()
				return nil
			})
		},
	}
}

func showCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show <action-id>",
		Short: "Show an action with its full history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, s *sqlstore.Store) error {
				d, err := s.Details(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.output != "table" {
					return render(cmd.OutOrStdout(), opts.output, d)
				}

				tw := newTable(cmd)
				tw.AppendRows([]table.Row{
					{"Action ID", d.ActionID},
					{"Agent", d.AgentName},
					{"Function", d.FunctionName},
					{"Risk", d.RiskLevel},
					{"Workflow", d.WorkflowType},
					{"Status", d.Status},
					{"Created", d.CreatedAt.Local().Format(timeLayout)},
					{"Timeout", d.TimeoutAt.Local().Format(timeLayout)},
					{"Parameters", compact(d.Parameters)},
				})
				if d.ApprovedBy != nil {
					tw.AppendRow(table.Row{"Approved by", *d.ApprovedBy})
				}
				if d.RejectionReason != nil {
					tw.AppendRow(table.Row{"Rejection reason", *d.RejectionReason})
				}
				if d.ExecutionResult != nil {
					tw.AppendRow(table.Row{"Result", compact(d.ExecutionResult)})
				}
				tw.Render()

				ht := newTable(cmd)
				ht.SetTitle("History")
				ht.AppendHeader(table.Row{"Time", "Event", "Operator", "Details"})
				for _, h := range d.History {
					ht.AppendRow(table.Row{h.Timestamp.Local().Format(timeLayout), h.EventType, h.Operator, compact(h.Details)})
				}
				ht.Render()
				return nil
			})
		},
	}
}

func approveCmd(opts *globalOpts) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "approve <action-id>",
		Short: "Approve a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, s *sqlstore.Store) error {
				dec, err := s.Approve(ctx, args[0], opts.operator, notes)
				if err != nil {
					return describe(err, args[0])
				}
				return printDecision(cmd, opts, dec)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "approval notes")
	return cmd
}

func rejectCmd(opts *globalOpts) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <action-id>",
		Short: "Reject a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reason) == "" {
				return errors.New("--reason is required")
			}
			return withStore(cmd.Context(), opts, func(ctx context.Context, s *sqlstore.Store) error {
				dec, err := s.Reject(ctx, args[0], opts.operator, reason)
				if err != nil {
					return describe(err, args[0])
				}
				return printDecision(cmd, opts, dec)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason (required)")
	return cmd
}

func statsCmd(opts *globalOpts) *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Operator activity statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, s *sqlstore.Store) error {
				stats, err := s.OperatorStatistics(ctx, operator)
				if err != nil {
					return err
				}
				if opts.output != "table" {
					return render(cmd.OutOrStdout(), opts.output, stats)
				}

				tw := newTable(cmd)
				tw.AppendHeader(table.Row{"Operator", "Action", "Count"})
				ops := make([]string, 0, len(stats))
				for op := range stats {
					ops = append(ops, op)
				}
				sort.Strings(ops)
				for _, op := range ops {
					actions := make([]string, 0, len(stats[op]))
					for a := range stats[op] {
						actions = append(actions, a)
					}
					sort.Strings(actions)
					for _, a := range actions {
						tw.AppendRow(table.Row{op, a, stats[op][a]})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&operator, "for", "", "only this operator")
	return cmd
}

func cleanupCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Mark pending actions past their deadline as expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, s *sqlstore.Store) error {
				n, err := s.CleanupExpired(ctx)
				if err != nil {
					return err
				}
				if opts.output != "table" {
					return render(cmd.OutOrStdout(), opts.output, map[string]int{"expired": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Expired %d action(s)\n", n)
				return nil
			})
		},
	}
}

// trailCmd читает зеркало журнала аудита (audit.mirror_db)
func trailCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "trail <action-id>",
		Short: "Show audit events mirrored to the database for an action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(ctx context.Context, s *sqlstore.Store) error {
				events, err := s.AuditEvents(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.output != "table" {
					return render(cmd.OutOrStdout(), opts.output, events)
				}
				if len(events) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No mirrored audit events for %s\n", args[0])
					return nil
				}
				tw := newTable(cmd)
				tw.AppendHeader(table.Row{"Time", "Event", "Agent", "Function", "Risk", "Approval", "Metadata"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.Timestamp.Local().Format(timeLayout), e.Event, e.AgentName, e.FunctionName,
						e.RiskLevel, e.ApprovalStatus, compact(e.Metadata)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func hashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for console.operators",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := service.HashPassword(args[0], cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 12, "bcrypt cost")
	return cmd
}

func printDecision(cmd *cobra.Command, opts *globalOpts, dec *domain.Decision) error {
	if opts.output != "table" {
		return render(cmd.OutOrStdout(), opts.output, dec)
	}
	out := cmd.OutOrStdout()
	switch dec.Status {
	case domain.ApprovalExpired:
		fmt.Fprintf(out, "Action %s expired before the decision, nothing will run\n", dec.ActionID)
	case domain.ApprovalApproved:
		fmt.Fprintf(out, "Action %s approved by %s\n", dec.ActionID, dec.Operator)
	default:
		fmt.Fprintf(out, "Action %s %s by %s\n", dec.ActionID, dec.Status, dec.Operator)
	}
	return nil
}

// describe — понятные сообщения для конфликтов хранилища
func describe(err error, actionID string) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("action %s not found", actionID)
	case errors.Is(err, domain.ErrNotPending):
		return fmt.Errorf("action %s is no longer pending", actionID)
	}
	return err
}
