package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/internal/config"
	"github.com/petrijr/stepflow/pkg/api"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the default configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(cmd.OutOrStdout(), config.DefaultYAML())
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count runs by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STATUS\tRUNS")
		for _, s := range []api.Status{api.StatusCreated, api.StatusRunning, api.StatusSuspended, api.StatusCompleted, api.StatusFailed} {
			n, err := a.engine.CountByStatus(ctx, s)
			if err != nil {
				return err
			}
			fmt.Fprintf(tw, "%s\t%d\n", s, n)
		}
		return tw.Flush()
	},
}

var (
	listWorkflow string
	listStatus   string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))

		insts, err := a.engine.ListInstances(ctx, api.InstanceFilter{
			WorkflowID: listWorkflow,
			Status:     api.Status(listStatus),
		})
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tSTEP\tUPDATED\tERROR")
		for _, inst := range insts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				inst.RunID, inst.WorkflowID, inst.Status, inst.CurrentStepID,
				inst.UpdatedAt.Format(time.RFC3339), inst.Error)
		}
		return tw.Flush()
	},
}

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete terminal runs older than a given age",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))

		age := purgeOlderThan
		if age <= 0 {
			age = a.cfg.Retention.MaxAge
		}
		if age <= 0 {
			return fmt.Errorf("no age given and retention.max_age is unset")
		}
		n, err := a.engine.PurgeOlderThan(ctx, time.Now().Add(-age))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d runs older than %s\n", n, age)
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail RUNNING runs left behind by a crashed process",
	Long: "Marks every RUNNING run in the store as FAILED. Only run this while no " +
		"other engine is working against the same store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))

		n, err := a.engine.RecoverStuckInstances(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recovered %d runs\n", n)
		return nil
	},
}

func init() {
	listCmd.Flags().StringVarP(&listWorkflow, "workflow", "w", "", "Only runs of this workflow")
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "Only runs in this status")
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "Age cutoff (defaults to retention.max_age)")
}
