package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow"
	"github.com/petrijr/stepflow/pkg/api"
)

type expense struct {
	Employee string
	Amount   int
}

type approvalRequest struct {
	Employee string
	Amount   int
	Limit    int
}

type decision struct {
	Approved bool
	By       string
}

func (decision) TypeTag() api.TypeTag { return "demo.decision.v1" }

type receipt struct {
	Employee  string
	Amount    int
	Reference string
}

const demoWorkflowID = "demo.expense"

// expenseFlow auto-approves small expenses, waits for a decision on large
// ones and pays approved ones out in the background.
func expenseFlow(limit int) *stepflow.FlowBuilder {
	return stepflow.New(demoWorkflowID).
		Step("submit", func(ctx context.Context, wctx *api.WorkflowContext, input any) (api.StepResult, error) {
			switch v := input.(type) {
			case expense:
				wctx.Set("employee", v.Employee)
				wctx.Set("amount", v.Amount)
				if v.Amount > limit {
					return stepflow.SuspendFor[decision](approvalRequest{Employee: v.Employee, Amount: v.Amount, Limit: limit}), nil
				}
				return api.Continue(decision{Approved: true, By: "policy"}), nil
			case decision:
				return api.Continue(v), nil
			}
			return api.Failf("unexpected input %T", input), nil
		}, stepflow.Route[decision]("settle")).
		Step("settle", stepflow.TypedStep(func(ctx context.Context, wctx *api.WorkflowContext, d decision) (api.StepResult, error) {
			if !d.Approved {
				return api.Finish(fmt.Sprintf("rejected by %s", d.By)), nil
			}
			amount := api.GetOr(wctx, "amount", 0)
			return api.Async("payout", time.Second, map[string]any{"amount": amount}, "payout scheduled"), nil
		}), stepflow.Input[decision](), stepflow.AsyncCapable()).
		AsyncTask("payout", stepflow.TypedAsync(func(ctx context.Context, wctx *api.WorkflowContext, args map[string]any, p api.AsyncProgressReporter) (receipt, error) {
			for pct := 25; pct <= 100; pct += 25 {
				if p.IsCancelled() {
					return receipt{}, api.ErrCancelled
				}
				select {
				case <-ctx.Done():
					return receipt{}, ctx.Err()
				case <-time.After(100 * time.Millisecond):
				}
				p.UpdateProgress(pct, "transferring")
			}
			employee := api.GetOr(wctx, "employee", "")
			amount, _ := args["amount"].(int)
			return receipt{Employee: employee, Amount: amount, Reference: "pay-" + wctx.RunID()[:8]}, nil
		}), stepflow.TaskTimeout(10*time.Second), stepflow.TaskRetry(stepflow.Retry(3).WithExponentialBackoff(100*time.Millisecond, 2, time.Second).Policy()))
}

type progressPrinter struct {
	api.NoopListener
	w io.Writer
}

func (p progressPrinter) OnWorkflowSuspended(ctx context.Context, inst *api.WorkflowInstance) {
	if inst.Status == api.StatusSuspended {
		fmt.Fprintf(p.w, "  run %s waiting for %s\n", inst.RunID, inst.ExpectedInputType)
	}
}

func (p progressPrinter) OnAsyncProgress(ctx context.Context, runID string, pr api.Progress) {
	fmt.Fprintf(p.w, "  %s %3d%% %s\n", pr.TaskID, pr.Percent, pr.Message)
}

var (
	demoEmployee string
	demoAmount   int
	demoLimit    int
	demoApprove  bool
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the built-in expense approval workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		a, err := newApp(ctx, map[string]api.WorkflowExecutionListener{"printer": progressPrinter{w: out}})
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))

		stepflow.RegisterTypes(approvalRequest{}, receipt{})
		if err := expenseFlow(demoLimit).Register(a.engine); err != nil {
			return err
		}

		h, err := a.engine.Execute(ctx, demoWorkflowID, expense{Employee: demoEmployee, Amount: demoAmount})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "run %s: %s\n", h.RunID(), h.Status())

		if h.IsSuspended() {
			fmt.Fprintf(out, "  prompt: %+v\n", h.Result())
			h, err = a.engine.Resume(ctx, h.RunID(), decision{Approved: demoApprove, By: "cli"})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "run %s: %s\n", h.RunID(), h.Status())
		}

		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := h.Wait(waitCtx); err != nil {
			return err
		}

		res, err := a.engine.GetCurrentResult(ctx, h.RunID())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "run %s: %s\n", res.RunID, res.Status)
		if res.Error != "" {
			fmt.Fprintf(out, "  error: %s\n", res.Error)
		} else {
			fmt.Fprintf(out, "  result: %+v\n", res.Value)
		}
		return nil
	},
}

func init() {
	demoCmd.Flags().StringVar(&demoEmployee, "employee", "alice", "Employee submitting the expense")
	demoCmd.Flags().IntVar(&demoAmount, "amount", 250, "Expense amount")
	demoCmd.Flags().IntVar(&demoLimit, "limit", 100, "Amount above which a decision is required")
	demoCmd.Flags().BoolVar(&demoApprove, "approve", true, "Decision given to runs that need one")
}
