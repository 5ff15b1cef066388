package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"homeostat/internal/app"
	"homeostat/internal/ledger"
	"homeostat/internal/regulator"
	"homeostat/internal/scheduler"
)

func regulatorCmd() *cobra.Command {
	reg := &cobra.Command{
		Use:   "regulator",
		Short: "Run and inspect the regulator",
		Long:  "Each cycle visits every boundary, recomputes its variables, refreshes its response policies and runs the actions they trigger.",
	}
	reg.AddCommand(regulatorRunCmd())
	reg.AddCommand(regulatorScheduleCmd())
	reg.AddCommand(regulatorExecutionsCmd())
	reg.AddCommand(regulatorLogCmd())
	return reg
}

func regulatorRunCmd() *cobra.Command {
	var boundaries []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if len(boundaries) > 0 {
					a.Regulator.Options.BoundaryOrganismIDs = boundaries
				}
				res, err := a.Regulator.RunCycle(ctx)
				if err != nil {
					return err
				}
				return printCycle(res)
			})
		},
	}
	cmd.Flags().StringSliceVar(&boundaries, "boundary", nil, "boundary organism id (repeatable, overrides config)")
	return cmd
}

func regulatorScheduleCmd() *cobra.Command {
	var schedule string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run cycles on a cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				expr := schedule
				if expr == "" {
					expr = a.Config.Regulator.Schedule
				}
				if expr == "" {
					return fmt.Errorf("no schedule: pass --schedule or set regulator.schedule")
				}
				if err := scheduler.Validate(expr); err != nil {
					return err
				}
				s := scheduler.New(a.Regulator, expr, &a.Logger)
				if err := s.Start(ctx); err != nil {
					return err
				}
				defer s.Stop()
				if next := s.NextRun(); next != nil {
					a.Logger.Info().Str("schedule", expr).Time("next_run", *next).Msg("regulator scheduled")
				}
				<-ctx.Done()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression (defaults to regulator.schedule)")
	return cmd
}

func regulatorExecutionsCmd() *cobra.Command {
	var f ledger.Filter
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List execution ledger rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Ledger.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Boundary", "Action", "Status", "Attempts", "Updated", "Error"})
				for _, ex := range items {
					tw.AppendRow(table.Row{ex.ID, ex.BoundaryOrganismID, ex.ActionOrganismID, ex.Status, ex.AttemptCount, ex.UpdatedAt, ex.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BoundaryOrganismID, "boundary", "", "boundary organism filter")
	cmd.Flags().StringVar(&f.ActionOrganismID, "action", "", "action organism filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func regulatorLogCmd() *cobra.Command {
	var cycleID string
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show regulator runtime log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.RuntimeLog.ListRuntimeLog(ctx, cycleID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Cycle", "Stage", "Boundary", "Action"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.OccurredAt, e.CycleID, e.Stage, e.BoundaryOrganismID, e.ActionOrganismID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cycleID, "cycle", "", "cycle id filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func printCycle(res regulator.CycleResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	fmt.Printf("cycle %s (%s .. %s)\n", res.CycleID, res.StartedAt, res.CompletedAt)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Boundary", "Variables", "Policies", "Skipped", "Direct", "Proposals", "Declined", "Failed", "Error"})
	for _, b := range res.Boundaries {
		c := b.Counters
		tw.AppendRow(table.Row{b.BoundaryOrganismID, c.VariableUpdates, c.ResponsePolicyUpdates, c.SkippedManagedVariables,
			c.DirectActionExecutions, c.ProposalActionsOpened, c.DeclinedActions, c.FailedActions, b.Error})
	}
	t := res.Totals
	tw.AppendFooter(table.Row{"total", t.VariableUpdates, t.ResponsePolicyUpdates, t.SkippedManagedVariables,
		t.DirectActionExecutions, t.ProposalActionsOpened, t.DeclinedActions, t.FailedActions, ""})
	tw.Render()
	return nil
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every mutation appends a domain event: creations, appends, compositions, proposals, grants and observations.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, organismID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.FindEvents(ctx, organismID, evtType)
				if err != nil {
					return err
				}
				if n > 0 && len(events) > n {
					events = events[len(events)-n:]
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Type", "Organism", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.OccurredAt, e.Type, e.OrganismID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&organismID, "organism", "", "organism filter")
	return cmd
}
