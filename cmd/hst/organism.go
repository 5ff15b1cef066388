package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"homeostat/internal/app"
	"homeostat/internal/domain"
	"homeostat/internal/engine"
)

func organismCmd() *cobra.Command {
	org := &cobra.Command{
		Use:     "organism",
		Aliases: []string{"org"},
		Short:   "Manage organisms",
		Long:    "Organisms are versioned content items. Open-trunk organisms accept direct appends; others change through proposals.",
	}
	org.AddCommand(organismCreateCmd())
	org.AddCommand(organismListCmd())
	org.AddCommand(organismShowCmd())
	org.AddCommand(organismStatesCmd())
	org.AddCommand(organismAppendCmd())
	org.AddCommand(organismChildrenCmd())
	org.AddCommand(organismComposeCmd())
	org.AddCommand(organismDecomposeCmd())
	org.AddCommand(organismVisibilityCmd())
	org.AddCommand(organismGrantCmd())
	org.AddCommand(organismRelationshipsCmd())
	org.AddCommand(organismObserveCmd())
	return org
}

func organismCreateCmd() *cobra.Command {
	var opts engine.CreateOrganismOptions
	var payload, payloadFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an organism with its first state",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(payload, payloadFile)
			if err != nil {
				return err
			}
			opts.Payload = raw
			opts.ActorID = actor()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o, st, err := a.Engine.CreateOrganism(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"organism": o, "state": st})
				}
				fmt.Printf("created %s (%s, state %d)\n", o.ID, st.ContentTypeID, st.SequenceNumber)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "organism id (generated when empty)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "organism name")
	cmd.Flags().StringVar(&opts.ContentTypeID, "type", "text", "content type id")
	cmd.Flags().StringVar(&payload, "payload", "", "state payload as JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the payload from a file")
	cmd.Flags().BoolVar(&opts.OpenTrunk, "open-trunk", false, "accept direct appends")
	cmd.Flags().StringVar(&opts.Visibility, "visibility", domain.VisibilityPublic, "public, members or private")
	cmd.Flags().StringVar(&opts.ForkedFromID, "forked-from", "", "organism this one was forked from")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func organismListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List organisms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.ListOrganisms(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Steward", "Open trunk", "Created"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.Name, o.CreatedBy, o.OpenTrunk, o.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows")
	return cmd
}

func organismShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <organism-id>",
		Short: "Show an organism and its current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				o, err := a.Engine.GetOrganism(ctx, args[0])
				if err != nil {
					return err
				}
				st, err := a.Engine.FindCurrentByOrganismID(ctx, o.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"organism": o, "current_state": st})
			})
		},
	}
}

func organismStatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "states <organism-id>",
		Short: "List the state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				states, err := a.Engine.Repo.ListStates(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(states)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "By", "At", "Payload"})
				for _, st := range states {
					tw.AppendRow(table.Row{st.SequenceNumber, st.ContentTypeID, st.CreatedBy, st.CreatedAt, string(st.Payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func organismAppendCmd() *cobra.Command {
	var contentType, payload, payloadFile string
	cmd := &cobra.Command{
		Use:   "append <organism-id>",
		Short: "Append a state to an open-trunk organism",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(payload, payloadFile)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.AppendState(ctx, engine.AppendStateOptions{
					OrganismID:    args[0],
					ContentTypeID: contentType,
					Payload:       raw,
					ActorID:       actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	cmd.Flags().StringVar(&contentType, "type", "text", "content type id")
	cmd.Flags().StringVar(&payload, "payload", "", "state payload as JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "read the payload from a file")
	return cmd
}

func organismChildrenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "children <organism-id>",
		Short: "List composed children in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				children, err := a.Engine.FindChildren(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(children)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Position", "Child", "Type", "Composed by", "At"})
				for _, c := range children {
					pos := ""
					if c.Position != nil {
						pos = strconv.Itoa(*c.Position)
					}
					typ := ""
					if st, err := a.Engine.FindCurrentByOrganismID(ctx, c.ChildID); err == nil {
						typ = st.ContentTypeID
					}
					tw.AppendRow(table.Row{pos, c.ChildID, typ, c.ComposedBy, c.ComposedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func organismComposeCmd() *cobra.Command {
	var position int
	cmd := &cobra.Command{
		Use:   "compose <parent-id> <child-id>",
		Short: "Compose a child into a parent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ComposeOptions{ParentID: args[0], ChildID: args[1], ActorID: actor()}
			if cmd.Flags().Changed("position") {
				opts.Position = &position
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.Compose(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().IntVar(&position, "position", 0, "ordering position among siblings")
	return cmd
}

func organismDecomposeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decompose <parent-id> <child-id>",
		Short: "Remove a child from its parent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Decompose(ctx, args[0], args[1], actor()); err != nil {
					return err
				}
				fmt.Printf("decomposed %s from %s\n", args[1], args[0])
				return nil
			})
		},
	}
}

func organismVisibilityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "visibility <organism-id> <public|members|private>",
		Short: "Change visibility",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				v, err := a.Engine.ChangeVisibility(ctx, args[0], args[1], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func organismGrantCmd() *cobra.Command {
	var relType, role string
	cmd := &cobra.Command{
		Use:   "grant <organism-id> <user-id>",
		Short: "Grant a membership or integration authority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rel, err := a.Engine.GrantRelationship(ctx, engine.GrantRelationshipOptions{
					OrganismID: args[0],
					UserID:     args[1],
					Type:       relType,
					Role:       role,
					ActorID:    actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rel)
			})
		},
	}
	cmd.Flags().StringVar(&relType, "type", domain.RelationshipMembership, "membership or integration-authority")
	cmd.Flags().StringVar(&role, "role", "", "role, e.g. founder")
	return cmd
}

func organismRelationshipsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relationships <organism-id>",
		Short: "List relationships on an organism",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rels, err := a.Engine.Repo.ListRelationships(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rels)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Type", "Role", "Granted"})
				for _, r := range rels {
					tw.AppendRow(table.Row{r.UserID, r.Type, r.Role, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func organismObserveCmd() *cobra.Command {
	var metric, sampledAt string
	var value float64
	cmd := &cobra.Command{
		Use:   "observe <organism-id>",
		Short: "Record a metric observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ObservationOptions{OrganismID: args[0], Metric: metric, Value: value, ActorID: actor()}
			if sampledAt != "" {
				t, err := time.Parse(time.RFC3339, sampledAt)
				if err != nil {
					return fmt.Errorf("invalid --sampled-at: %w", err)
				}
				opts.SampledAt = &t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evt, err := a.Engine.RecordObservation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(evt)
			})
		},
	}
	cmd.Flags().StringVar(&metric, "metric", "", "metric name")
	cmd.Flags().Float64Var(&value, "value", 0, "observed value")
	cmd.Flags().StringVar(&sampledAt, "sampled-at", "", "sample time (RFC3339)")
	_ = cmd.MarkFlagRequired("metric")
	return cmd
}
