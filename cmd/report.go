package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/chart-audit/internal/config"
	"github.com/sells-group/chart-audit/internal/dispatch"
	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/monitoring"
	"github.com/sells-group/chart-audit/internal/store"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect audit reports",
}

// -- report show --

var reportShowCmd = &cobra.Command{
	Use:   "show <report-id>",
	Short: "Show a report as JSON",
	Long: "Prints the stored report. With --live and the temporal backend the runner's task state " +
		"(none, queued, running, done) is added as task_state.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		live, _ := cmd.Flags().GetBool("live")

		if !live {
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			rep, err := st.GetReport(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "report show")
			}
			return encodeReport(cmd.OutOrStdout(), &reportView{Report: rep})
		}

		env, err := initApp(ctx, config.ModeAdmin)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Store.GetReport(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "report show")
		}
		if cfg.Dispatch.Backend != "temporal" {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Task state is only tracked remotely with the temporal backend; showing stored state.")
			return encodeReport(cmd.OutOrStdout(), &reportView{Report: rep})
		}

		d, err := env.Dispatcher(ctx, runnerDeferred)
		if err != nil {
			return err
		}
		view, err := liveReportView(ctx, d, rep)
		if err != nil {
			return eris.Wrap(err, "report show")
		}
		return encodeReport(cmd.OutOrStdout(), view)
	},
}

// reportView is a stored report plus, when known, the runner's task state.
type reportView struct {
	*model.Report
	TaskState dispatch.TaskState `json:"task_state,omitempty"`
}

func liveReportView(ctx context.Context, d *dispatch.Dispatcher, rep *model.Report) (*reportView, error) {
	state, err := d.TaskStatus(ctx, rep.ID)
	if err != nil {
		return nil, err
	}
	return &reportView{Report: rep, TaskState: state}, nil
}

func encodeReport(w io.Writer, v *reportView) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// -- report list --

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reports, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		status, _ := cmd.Flags().GetString("status")
		encounter, _ := cmd.Flags().GetString("encounter")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.ReportFilter{
			Status:      model.ReportStatus(status),
			EncounterID: encounter,
			Limit:       limit,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("unknown status %q", status)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reps, err := st.ListReports(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "report list")
		}
		if len(reps) == 0 {
			_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "No reports found.")
			return nil
		}

		formatReportList(cmd.OutOrStdout(), reps)
		return nil
	},
}

// -- report stats --

var reportStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize report outcomes over a lookback window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		since, _ := cmd.Flags().GetInt("since")
		asJSON, _ := cmd.Flags().GetBool("json")
		if since <= 0 {
			return eris.New("--since must be > 0")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st, staleCutoff(st)).Collect(ctx, since)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		formatStats(cmd.OutOrStdout(), snap)
		return nil
	},
}

// staleCutoff derives the reaper's cutoff from config without dialing a runner.
func staleCutoff(st store.Store) func() time.Time {
	d := dispatch.New(st, nil, nil, dispatch.Config{
		MaxRetries:  cfg.Dispatch.MaxRetries,
		HardBudget:  cfg.Dispatch.HardBudget(),
		StaleMargin: cfg.Dispatch.StaleMargin,
	})
	return d.StaleCutoff
}

func init() {
	reportStatsCmd.Flags().Int("since", 24, "lookback window in hours")
	reportStatsCmd.Flags().Bool("json", false, "print the snapshot as JSON")
	reportCmd.AddCommand(reportStatsCmd)

	reportListCmd.Flags().String("status", "", "filter by status (PENDING, PROCESSING, COMPLETE, FAILED)")
	reportListCmd.Flags().String("encounter", "", "filter by encounter id")
	reportListCmd.Flags().Int("limit", 50, "max number of reports to display")

	reportShowCmd.Flags().Bool("live", false, "include the runner's task state (temporal backend)")

	reportCmd.AddCommand(reportShowCmd)
	reportCmd.AddCommand(reportListCmd)
	rootCmd.AddCommand(reportCmd)
}

// formatReportList writes a table of reports.
func formatReportList(out io.Writer, reps []model.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTEP\tPROGRESS\tRETRIES\tINCREMENTAL\tCREATED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t----\t--------\t-------\t-----------\t-------\t-----")

	for _, r := range reps {
		incremental := "-"
		if r.Result != nil {
			incremental = fmt.Sprintf("%.2f", r.Result.IncrementalRevenue)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%d\t%s\t%s\t%s\n",
			r.ID,
			r.Status,
			r.CurrentStep,
			r.ProgressPercent,
			r.RetryCount,
			incremental,
			r.CreatedAt.Format(time.DateTime),
			r.ErrorMessage,
		)
	}
	_ = w.Flush()
}

// formatStats writes a metrics snapshot as aligned key/value lines.
func formatStats(out io.Writer, snap *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\tlast %dh\n", snap.LookbackHours)
	_, _ = fmt.Fprintf(w, "Reports:\t%d\n", snap.Total)
	_, _ = fmt.Fprintf(w, "  Pending:\t%d\n", snap.Pending)
	_, _ = fmt.Fprintf(w, "  Processing:\t%d\n", snap.Processing)
	_, _ = fmt.Fprintf(w, "  Complete:\t%d\n", snap.Complete)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", snap.Failed)
	_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", snap.FailRate*100)
	_, _ = fmt.Fprintf(w, "Stale:\t%d\n", snap.Stale)
	_, _ = fmt.Fprintf(w, "Avg processing:\t%dms\n", snap.AvgProcessingMs)
	_, _ = fmt.Fprintf(w, "Incremental revenue:\t%.2f\n", snap.IncrementalRevenue)
	_, _ = fmt.Fprintf(w, "Upgrades / new codes:\t%d / %d\n", snap.UpgradeCount, snap.NewCount)

	kinds := make([]string, 0, len(snap.FailuresByKind))
	for k := range snap.FailuresByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		_, _ = fmt.Fprintf(w, "  failed %s:\t%d\n", k, snap.FailuresByKind[k])
	}
	_ = w.Flush()
}
