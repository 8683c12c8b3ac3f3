package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"solarline/internal/config"
	"solarline/internal/domain"
	"solarline/internal/engine"
	"solarline/internal/milestone"
)

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{Use: "milestone", Short: "Derive and inspect milestones"}
	ms.AddCommand(milestoneSyncCmd())
	ms.AddCommand(milestoneListCmd())
	ms.AddCommand(milestoneManualCmd("complete", "Record a manual completion", true))
	ms.AddCommand(milestoneManualCmd("uncomplete", "Withdraw a completion and return the milestone to derivation", false))
	return ms
}

func milestoneSyncCmd() *cobra.Command {
	var all, dryRun, noNotify bool
	var retries int
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a milestone pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && dryRun {
				return errors.New("--dry-run works on one project")
			}
			if all {
				return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
					results, err := s.Engine.SyncAll(ctx, actorID())
					if err != nil {
						return err
					}
					failed := 0
					for _, res := range results {
						if res.Error != "" {
							failed++
							continue
						}
						if !noNotify {
							notifyChanges(ctx, s, res.ProjectID, res.Changes)
						}
					}
					if viper.GetBool("json") {
						return printJSON(results)
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Project", "Changes", "Admin %", "Engineering %", "Overall %", "Error"})
					for _, res := range results {
						tw.AppendRow(table.Row{res.ProjectID, len(res.Changes), res.Progress.AdminProgress, res.Progress.EngineeringProgress, res.Progress.OverallProgress, res.Error})
					}
					tw.Render()
					if failed > 0 {
						return fmt.Errorf("%d of %d projects failed", failed, len(results))
					}
					return nil
				})
			}
			return withProject(cmd.Context(), func(ctx context.Context, s *session, projectID string, _ *config.Config) error {
				if dryRun {
					plan, err := s.Engine.PlanProject(ctx, projectID, actorID())
					if err != nil {
						return err
					}
					return printPlan(plan, true)
				}
				plan, err := s.Engine.SyncProject(ctx, projectID, actorID())
				var applyErr *engine.ApplyError
				for attempt := 0; errors.As(err, &applyErr) && attempt < retries; attempt++ {
					s.Logger.Warn("retrying sync apply", "project_id", projectID, "attempt", attempt+1, "error", err)
					err = s.Engine.Apply(ctx, plan)
				}
				if err != nil {
					return err
				}
				if !noNotify {
					notifyChanges(ctx, s, projectID, plan.Changes)
				}
				return printPlan(plan, false)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "sync every active project")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the pass without writing it")
	cmd.Flags().BoolVar(&noNotify, "no-notify", false, "skip webhook notifications")
	cmd.Flags().IntVar(&retries, "retry-apply", 0, "re-apply the computed plan this many times when persisting fails")
	return cmd
}

func notifyChanges(ctx context.Context, s *session, projectID string, changes []domain.Change) {
	cfg, err := s.Engine.ProjectConfig(ctx, projectID)
	if err != nil {
		s.Logger.Warn("load config for notifications", "project_id", projectID, "error", err)
		return
	}
	if _, err := s.Notifier.Notify(ctx, cfg, projectID, actorID(), changes); err != nil {
		fmt.Fprintln(os.Stderr, "warning: notification failed:", err)
	}
}

func printPlan(plan *milestone.Plan, dryRun bool) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"project_id": plan.ProjectID,
			"dry_run":    dryRun,
			"synced":     plan.Synced,
			"unsynced":   plan.Unsynced,
			"triggered":  plan.Triggered,
			"preserved":  plan.Preserved,
			"changes":    plan.Changes,
			"progress":   plan.Progress,
		})
	}
	if dryRun {
		fmt.Println("dry run: nothing written")
	}
	if len(plan.Changes) == 0 {
		fmt.Println("no changes")
	} else {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Milestone", "From", "To", "Reason"})
		for _, c := range plan.Changes {
			tw.AppendRow(table.Row{c.Code, c.From, c.To, c.Reason})
		}
		tw.Render()
	}
	if len(plan.Preserved) > 0 {
		fmt.Println("kept manual:", strings.Join(plan.Preserved, ", "))
	}
	printProgress(plan.Progress)
	return nil
}

func milestoneListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List milestones with their stored state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, s *session, projectID string, _ *config.Config) error {
				views, err := s.Engine.Milestones(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "#", "Code", "Name", "Weight", "Done", "Source", "Completed", "By"})
				for _, v := range views {
					source := v.Provenance
					if v.Derived && source == "" {
						source = "rule"
					}
					completed := ""
					if v.CompletedAt != nil {
						completed = *v.CompletedAt
					}
					tw.AppendRow(table.Row{v.Type, v.SortOrder, v.Code, v.DisplayName, v.Weight, v.IsCompleted, source, completed, v.CompletedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func milestoneManualCmd(use, short string, completed bool) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   use + " <code>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, s *session, projectID string, _ *config.Config) error {
				res, err := s.Engine.RecordManual(ctx, engine.ManualOptions{
					ProjectID: projectID,
					Code:      args[0],
					Completed: completed,
					Note:      note,
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				if res.Change != nil {
					notifyChanges(ctx, s, projectID, []domain.Change{*res.Change})
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note stored with the milestone")
	return cmd
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Show the progress summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, s *session, projectID string, _ *config.Config) error {
				p, err := s.Engine.Progress(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				printProgress(p)
				return nil
			})
		},
	}
}

func printProgress(p domain.Progress) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Track", "Progress %", "Current stage"})
	tw.AppendRow(table.Row{"admin", p.AdminProgress, stringOrDash(p.AdminStage)})
	tw.AppendRow(table.Row{"engineering", p.EngineeringProgress, stringOrDash(p.EngineeringStage)})
	tw.AppendFooter(table.Row{"overall", p.OverallProgress, ""})
	tw.Render()
}
