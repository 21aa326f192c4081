package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/chart-audit/internal/config"
)

var retryCmd = &cobra.Command{
	Use:   "retry [report-id]",
	Short: "Retry failed reports",
	Long: "Resets a FAILED report to PENDING and enqueues it. Reports at the retry cap are refused unless --force is set. " +
		"--all retries every failed report that is under the cap and failed for a retryable reason.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		all, _ := cmd.Flags().GetBool("all")
		force, _ := cmd.Flags().GetBool("force")
		limit, _ := cmd.Flags().GetInt("limit")

		if all == (len(args) == 1) {
			return eris.New("pass a report id or --all")
		}
		if all && force {
			return eris.New("--force applies to a single report only")
		}

		env, err := initApp(ctx, config.ModeAdmin)
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := env.Dispatcher(ctx, runnerDeferred)
		if err != nil {
			return err
		}

		if all {
			sum, err := d.RetryFailed(ctx, limit)
			if err != nil {
				return eris.Wrap(err, "retry all")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		}

		enqueued, err := d.Retry(ctx, args[0], force)
		if err != nil {
			return eris.Wrap(err, "retry")
		}
		state := "left pending for a worker"
		if enqueued {
			state = "enqueued"
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "report %s reset and %s\n", args[0], state)
		return nil
	},
}

func init() {
	retryCmd.Flags().Bool("all", false, "retry all failed reports under the retry cap")
	retryCmd.Flags().Bool("force", false, "retry even if the report reached the retry cap")
	retryCmd.Flags().Int("limit", 100, "max number of reports for --all")
	rootCmd.AddCommand(retryCmd)
}
