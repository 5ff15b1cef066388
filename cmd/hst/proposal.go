package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"homeostat/internal/app"
	"homeostat/internal/domain"
	"homeostat/internal/engine"
	"homeostat/internal/engine/evaluation"
)

func proposalCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "proposal",
		Short: "Manage proposals",
		Long:  "A proposal asks for one mutation of an organism. Integration needs integration authority and a pass from every policy composed into the organism.",
	}
	p.AddCommand(proposalOpenCmd())
	p.AddCommand(proposalShowCmd())
	p.AddCommand(proposalListCmd())
	p.AddCommand(proposalEvaluateCmd())
	p.AddCommand(proposalIntegrateCmd())
	p.AddCommand(proposalDeclineCmd())
	return p
}

func proposalOpenCmd() *cobra.Command {
	var m domain.Mutation
	var payload, payloadFile string
	var position int
	cmd := &cobra.Command{
		Use:   "open <organism-id>",
		Short: "Open a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if m.Kind == domain.MutationAppendState {
				raw, err := readPayload(payload, payloadFile)
				if err != nil {
					return err
				}
				m.Payload = raw
			}
			if cmd.Flags().Changed("position") {
				m.Position = &position
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.OpenProposal(ctx, engine.OpenProposalOptions{
					OrganismID: args[0],
					Mutation:   m,
					ActorID:    actor(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("opened proposal %s (%s) on %s\n", p.ID, p.Mutation.Kind, p.OrganismID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&m.Kind, "kind", domain.MutationAppendState, "append-state, compose, decompose or change-visibility")
	cmd.Flags().StringVar(&m.ContentTypeID, "type", "text", "content type id for append-state")
	cmd.Flags().StringVar(&payload, "payload", "", "state payload as JSON for append-state")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the payload from a file")
	cmd.Flags().StringVar(&m.ChildID, "child", "", "child id for compose and decompose")
	cmd.Flags().IntVar(&position, "position", 0, "position for compose")
	cmd.Flags().StringVar(&m.Visibility, "visibility", "", "target level for change-visibility")
	cmd.Flags().StringVar(&m.Description, "description", "", "free-form description")
	return cmd
}

func proposalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show a proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func proposalListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list <organism-id>",
		Short: "List proposals of an organism",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListProposals(ctx, args[0], status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "By", "Created", "Reason"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Mutation.Kind, p.Status, p.ProposedBy, p.CreatedAt, p.DeclineReason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "open, integrated or declined")
	return cmd
}

func proposalEvaluateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <proposal-id>",
		Short: "Run the organism's policies without resolving the proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				outcome, err := a.Engine.EvaluateProposal(ctx, args[0])
				if err != nil {
					return err
				}
				return printOutcome(outcome)
			})
		},
	}
}

func proposalIntegrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "integrate <proposal-id>",
		Short: "Integrate an open proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, outcome, err := a.Engine.IntegrateProposal(ctx, args[0], actor())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"proposal": p, "outcome": outcome})
				}
				fmt.Printf("integrated %s into %s\n", p.ID, p.OrganismID)
				return nil
			})
		},
	}
}

func proposalDeclineCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "decline <proposal-id>",
		Short: "Decline an open proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.DeclineProposal(ctx, args[0], actor(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the proposal is declined")
	return cmd
}

func printOutcome(o evaluation.Outcome) error {
	if viper.GetBool("json") {
		return printJSON(o)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Policy", "Type", "Decision", "Reason"})
	for _, r := range o.Results {
		tw.AppendRow(table.Row{r.PolicyOrganismID, r.ContentTypeID, r.Result.Decision, r.Result.Reason})
	}
	tw.AppendFooter(table.Row{"", "", fmt.Sprintf("passed=%t", o.Passed), ""})
	tw.Render()
	return nil
}

func accessCmd() *cobra.Command {
	acc := &cobra.Command{
		Use:   "access",
		Short: "Inspect access decisions",
	}
	var userID string
	check := &cobra.Command{
		Use:   "check <organism-id> <action>",
		Short: "Check whether a user may perform an action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				userID = actor()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.CheckAccess(ctx, userID, args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				verdict := "denied"
				if d.Allowed {
					verdict = "allowed"
				}
				fmt.Printf("%s: %s (%s)\n", args[1], verdict, d.Reason)
				return nil
			})
		},
	}
	check.Flags().StringVar(&userID, "user", "", "user to check (defaults to --actor-id)")
	acc.AddCommand(check)
	return acc
}
