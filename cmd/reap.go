package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/chart-audit/internal/config"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail reports stuck in PROCESSING",
	Long:  "Marks PROCESSING reports that started more than hard_budget x stale_margin ago as timed out so they can be retried.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		env, err := initApp(ctx, config.ModeAdmin)
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := env.Dispatcher(ctx, runnerDeferred)
		if err != nil {
			return err
		}

		if dryRun {
			stale, err := d.StaleReports(ctx)
			if err != nil {
				return eris.Wrap(err, "reap")
			}
			if len(stale) == 0 {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No stale reports.")
				return nil
			}
			formatReportList(cmd.OutOrStdout(), stale)
			return nil
		}

		n, err := d.Reap(ctx)
		if err != nil {
			return eris.Wrap(err, "reap")
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reaped %d stale report(s)\n", n)
		return nil
	},
}

func init() {
	reapCmd.Flags().Bool("dry-run", false, "list stale reports without failing them")
	rootCmd.AddCommand(reapCmd)
}
