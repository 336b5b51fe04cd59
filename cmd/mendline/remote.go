package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mendline/internal/engine"
	"mendline/internal/repo"
	mendlinesdk "mendline/sdk/go"
)

func apiClient() *mendlinesdk.Client {
	c := mendlinesdk.New(viper.GetString("server"))
	c.BearerToken = viper.GetString("token")
	c.APIKey = viper.GetString("api-key")
	return c
}

func workflowCmd() *cobra.Command {
	c := &cobra.Command{Use: "workflow", Short: "Inspect and control remediation workflows"}
	c.AddCommand(workflowListCmd())
	c.AddCommand(workflowShowCmd())

	var reason string
	approve := &cobra.Command{
		Use:   "approve <id>",
		Short: "Record an approval",
		Args:  cobra.ExactArgs(1),
		RunE: remoteWorkflow(func(ctx context.Context, c *mendlinesdk.Client, id string) (mendlinesdk.Workflow, error) {
			return c.Approve(ctx, id, reason)
		}),
	}
	approve.Flags().StringVar(&reason, "reason", "", "note stored with the decision")
	reject := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending workflow",
		Args:  cobra.ExactArgs(1),
		RunE: remoteWorkflow(func(ctx context.Context, c *mendlinesdk.Client, id string) (mendlinesdk.Workflow, error) {
			return c.Reject(ctx, id, reason)
		}),
	}
	reject.Flags().StringVar(&reason, "reason", "", "note stored with the decision")
	c.AddCommand(approve, reject)
	c.AddCommand(&cobra.Command{
		Use:   "pause <id>",
		Short: "Stop before the next step",
		Args:  cobra.ExactArgs(1),
		RunE: remoteWorkflow(func(ctx context.Context, c *mendlinesdk.Client, id string) (mendlinesdk.Workflow, error) {
			return c.Pause(ctx, id)
		}),
	})
	c.AddCommand(&cobra.Command{
		Use:   "resume <id>",
		Short: "Continue a paused workflow",
		Args:  cobra.ExactArgs(1),
		RunE: remoteWorkflow(func(ctx context.Context, c *mendlinesdk.Client, id string) (mendlinesdk.Workflow, error) {
			return c.Resume(ctx, id)
		}),
	})
	c.AddCommand(&cobra.Command{
		Use:   "rollback <id>",
		Short: "Compensate completed steps in reverse order",
		Args:  cobra.ExactArgs(1),
		RunE: remoteWorkflow(func(ctx context.Context, c *mendlinesdk.Client, id string) (mendlinesdk.Workflow, error) {
			return c.Rollback(ctx, id)
		}),
	})
	c.AddCommand(&cobra.Command{
		Use:   "approve-step <id> <step>",
		Short: "Approve a step that requires its own sign-off",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("step must be a number: %w", err)
			}
			wf, err := apiClient().ApproveStep(cmd.Context(), args[0], step)
			if err != nil {
				return err
			}
			return printWorkflow(wf)
		},
	})
	var skipReason string
	skip := &cobra.Command{
		Use:   "skip-step <id> <step>",
		Short: "Skip the step a paused workflow is parked on",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			step, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("step must be a number: %w", err)
			}
			wf, err := apiClient().SkipStep(cmd.Context(), args[0], step, skipReason)
			if err != nil {
				return err
			}
			return printWorkflow(wf)
		},
	}
	skip.Flags().StringVar(&skipReason, "reason", "", "note stored in the audit ledger")
	c.AddCommand(skip)
	return c
}

func remoteWorkflow(fn func(context.Context, *mendlinesdk.Client, string) (mendlinesdk.Workflow, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		wf, err := fn(cmd.Context(), apiClient(), args[0])
		if err != nil {
			return err
		}
		return printWorkflow(wf)
	}
}

func workflowListCmd() *cobra.Command {
	var f repo.WorkflowFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWorkflows(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Status", "Name", "Risk", "Required approvals", "Issue", "Created")
				for _, wf := range items {
					tw.AppendRow(table.Row{wf.ID, wf.Status, wf.Name, wf.OverallRisk, wf.RequiredApprovals, wf.IssueID, wf.CreatedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.IssueID, "issue-id", "", "issue filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				wf, err := e.Repo.GetWorkflow(ctx, nil, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(wf)
				}
				fmt.Printf("Workflow %s [%s] %s\nRisk: %s  Approvals: %d/%d  Escalated: %t\n",
					wf.ID, wf.Status, wf.Name, wf.OverallRisk, len(wf.Approvals), wf.RequiredApprovals, wf.Escalated)
				tw := newTable("#", "Step", "Action", "Risk", "Status", "Attempts", "Error")
				for _, s := range wf.Steps {
					tw.AppendRow(table.Row{s.ID, s.Name, s.ActionType, s.RiskLevel, s.Status, s.Attempts, s.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func printWorkflow(wf mendlinesdk.Workflow) error {
	if viper.GetBool("json") {
		return printJSON(wf)
	}
	fmt.Printf("Workflow %s is %s (%d/%d approvals)\n", wf.ID, wf.Status, len(wf.Approvals), wf.RequiredApprovals)
	return nil
}

func agentCmd() *cobra.Command {
	c := &cobra.Command{Use: "agent", Short: "Query, trigger, start or stop the agent loop on the server"}
	c.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the agent loop status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiClient().AgentStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(st)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the periodic agent loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiClient().StartAgent(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(st)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the periodic agent loop after the cycle in flight",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := apiClient().StopAgent(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(st)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one observe, reason, decide and execute cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := apiClient().RunAgent(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("Patterns: %d  Issues: %d  Workflows: %d  Failed: %d\n",
				res.Report.Patterns, len(res.Report.Issues), len(res.Report.Workflows), res.Report.Failed)
			return nil
		},
	})
	return c
}
