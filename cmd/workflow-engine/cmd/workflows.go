package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/blingmoon/distributed-workflow/internal/bootstrap"
	"github.com/blingmoon/distributed-workflow/workflow"
	"github.com/spf13/cobra"
)

func (c *cli) newStartCommand() *cobra.Command {
	var (
		version    int64
		businessID string
		input      string
		wfContext  string
		run        bool
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "start <definition-id>",
		Short: "Start a workflow instance",
		Long: `Create a workflow instance. Without --run the instance is left pending
for a serving engine to claim.

Examples:
  workflow-engine start approval_workflow --input '{"applicant":"li","amount":300}'
  workflow-engine start order_batch --input @orders.json --run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := parseJSONObject("input", input)
			if err != nil {
				return err
			}
			wctx, err := parseJSONObject("context", wfContext)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := c.app(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			if run {
				if err := app.Engine.Start(ctx); err != nil {
					return err
				}
				defer stopEngine(ctx, app)
			}
			id, err := app.Engine.StartWorkflow(ctx, &workflow.StartWorkflowReq{
				DefinitionID: args[0],
				Version:      version,
				BusinessID:   businessID,
				Input:        in,
				Context:      wctx,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workflow instance %d created\n", id)
			if !run {
				return nil
			}
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := app.Engine.RunWorkflow(runCtx, id); err != nil {
				return err
			}
			return printStatus(ctx, out, app, id, false)
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "definition version, 0 for latest")
	cmd.Flags().StringVar(&businessID, "business-id", "", "business id stored on the instance")
	cmd.Flags().StringVar(&input, "input", "", "workflow input json object, @file to read from a file")
	cmd.Flags().StringVar(&wfContext, "context", "", "workflow context json object, @file to read from a file")
	cmd.Flags().BoolVar(&run, "run", false, "run the workflow in this process until it finishes")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long --run waits")
	return cmd
}

func stopEngine(ctx context.Context, app *bootstrap.App) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_ = app.Engine.Stop(stopCtx)
}

func (c *cli) newStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <workflow-instance-id>",
		Short: "Show workflow progress and node states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkflowID(args[0])
			if err != nil {
				return err
			}
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			return printStatus(cmd.Context(), cmd.OutOrStdout(), app, id, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as json")
	return cmd
}

func printStatus(ctx context.Context, out io.Writer, app *bootstrap.App, id int64, asJSON bool) error {
	view, err := app.Engine.GetWorkflowStatus(ctx, id)
	if err != nil {
		return err
	}
	if asJSON {
		return writeJSON(out, view)
	}
	fmt.Fprintln(out, view.String())
	if view.LockOwner != "" {
		fmt.Fprintf(out, "lock owner: %s (degraded: %t)\n", view.LockOwner, view.LockDegraded)
	}
	if view.RestartedFromID > 0 {
		fmt.Fprintf(out, "restarted from: %d\n", view.RestartedFromID)
	}
	if view.ErrorMessage != "" {
		fmt.Fprintf(out, "error: %s\n", view.ErrorMessage)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tTYPE\tSTATUS\tRETRIES\tDURATION\tERROR")
	for _, n := range view.Nodes {
		retries := fmt.Sprintf("%d/%d", n.RetryCount, n.MaxRetries)
		if n.LoopTotal > 0 {
			retries = fmt.Sprintf("%s (%d/%d items)", retries, n.LoopCompleted, n.LoopTotal)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dms\t%s\n", n.NodeID, n.NodeType, n.Status, retries, n.DurationMs, n.ErrorMessage)
	}
	return w.Flush()
}

func (c *cli) newListCommand() *cobra.Command {
	var (
		statuses     []string
		definitionID string
		page, size   int64
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			app, err := c.app(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			params := &workflow.QueryWorkflowInstanceParams{
				StatusIn:     statuses,
				OrderbyIDAsc: workflow.Bool(false),
				Page:         &workflow.Pager{Page: page, Size: size},
			}
			if definitionID != "" {
				params.DefinitionIDIn = []string{definitionID}
			}
			instances, err := app.Engine.QueryWorkflowInstance(ctx, params)
			if err != nil {
				return err
			}
			total, err := app.Engine.CountWorkflowInstance(ctx, params)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDEFINITION\tSTATUS\tENGINE\tBUSINESS_ID\tCREATED")
			for _, wf := range instances {
				fmt.Fprintf(w, "%d\t%s@%d\t%s\t%s\t%s\t%s\n", wf.ID, wf.DefinitionID, wf.DefinitionVersion,
					wf.Status, wf.AssignedEngineID, wf.BusinessID, time.UnixMilli(wf.CreatedAt).Format(time.DateTime))
			}
			fmt.Fprintf(w, "total: %d\n", total)
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status, repeatable")
	cmd.Flags().StringVar(&definitionID, "definition", "", "filter by definition id")
	cmd.Flags().Int64Var(&page, "page", 1, "page number")
	cmd.Flags().Int64Var(&size, "size", 20, "page size")
	return cmd
}

func (c *cli) newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <workflow-instance-id>",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkflowID(args[0])
			if err != nil {
				return err
			}
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			cancelled, err := app.Engine.CancelWorkflow(cmd.Context(), id)
			if err != nil {
				return err
			}
			if !cancelled {
				fmt.Fprintf(cmd.OutOrStdout(), "workflow %d already finished\n", id)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %d cancelled\n", id)
			return nil
		},
	}
}

func (c *cli) newSignalCommand() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "signal <workflow-instance-id> <node-id>",
		Short: "Deliver a signal to a waiting node",
		Long: `Deliver a signal to a wait node. The signal data becomes the node output.

Example:
  workflow-engine signal 12 review --data '{"approved":true}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkflowID(args[0])
			if err != nil {
				return err
			}
			payload, err := parseJSONObject("data", data)
			if err != nil {
				return err
			}
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			if err := app.Engine.SignalNode(cmd.Context(), &workflow.SignalNodeReq{
				WorkflowInstanceID: id,
				NodeID:             args[1],
				Data:               payload,
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signal delivered to workflow %d node %s\n", id, args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "signal json object, @file to read from a file")
	return cmd
}

func (c *cli) newRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <workflow-instance-id>",
		Short: "Restart a failed or cancelled workflow",
		Long:  "Creates a new workflow instance from a failed or cancelled one. The old instance stays as it is; its completed nodes are copied with their output and the rest run again.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseWorkflowID(args[0])
			if err != nil {
				return err
			}
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			newID, err := app.Engine.RestartWorkflowInstance(cmd.Context(), &workflow.RestartWorkflowParams{WorkflowInstanceID: id})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workflow %d restarted as %d\n", id, newID)
			return nil
		},
	}
}

func (c *cli) newDefinitionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "definitions",
		Short: "List loaded workflow definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := c.app(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tPOLICY\tNODES")
			for _, def := range app.Definitions.List() {
				nodes := make([]string, 0, len(def.Nodes))
				for _, n := range def.Nodes {
					nodes = append(nodes, fmt.Sprintf("%s(%s)", n.ID, n.Type()))
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", def.ID, def.Version, def.FailurePolicy, strings.Join(nodes, " -> "))
			}
			return w.Flush()
		},
	}
}
