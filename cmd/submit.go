package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/codes"
	"github.com/sells-group/chart-audit/internal/config"
	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/pipeline"
	"github.com/sells-group/chart-audit/internal/store"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a clinical note for audit",
	Long: "De-identifies the note, stores the encounter and an encrypted PHI mapping, and creates a PENDING report. " +
		"With the temporal backend the report is queued immediately; with the local backend a worker picks it up, " +
		"or --wait processes it in this process.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		file, _ := cmd.Flags().GetString("file")
		codeList, _ := cmd.Flags().GetString("codes")
		payer, _ := cmd.Flags().GetString("payer")
		dosFlag, _ := cmd.Flags().GetString("dos")
		hints, _ := cmd.Flags().GetStringSlice("hint")
		wait, _ := cmd.Flags().GetBool("wait")

		text, err := readText(cmd.InOrStdin(), file)
		if err != nil {
			return err
		}
		var dos time.Time
		if dosFlag != "" {
			dos, err = time.Parse("2006-01-02", dosFlag)
			if err != nil {
				return eris.Wrapf(err, "parse --dos %q", dosFlag)
			}
		}

		env, err := initApp(ctx, config.ModeSubmit)
		if err != nil {
			return err
		}
		defer env.Close()

		mode := runnerDeferred
		if wait {
			if err := cfg.Validate(config.ModeWorker); err != nil {
				return err
			}
			mode = runnerInProcess
		}
		intake, err := env.Intake(ctx, mode)
		if err != nil {
			return err
		}

		receipt, err := intake.Submit(ctx, pipeline.Submission{
			Text:          text,
			BilledCodes:   codes.ParseList(codeList),
			PayerID:       payer,
			DateOfService: dos,
			Hints:         hints,
		})
		if receipt == nil {
			return eris.Wrap(err, "submit")
		}
		if err != nil {
			zap.L().Warn("report created but not enqueued", zap.String("report_id", receipt.ReportID), zap.Error(err))
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if !wait {
			return enc.Encode(receipt)
		}

		limit := time.Duration(float64(cfg.Dispatch.HardBudget()) * cfg.Dispatch.StaleMargin)
		rep, err := waitForReport(ctx, env.Store, receipt.ReportID, limit, 500*time.Millisecond)
		if err != nil {
			return err
		}
		return enc.Encode(rep)
	},
}

// readText reads the note from path, or from stdin when path is "-".
func readText(stdin io.Reader, path string) (string, error) {
	if path == "" {
		return "", eris.New("--file is required (use - for stdin)")
	}
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", eris.Wrap(err, "read stdin")
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "read %s", path)
	}
	return string(data), nil
}

// waitForReport polls until the report reaches a terminal status or limit
// elapses.
func waitForReport(ctx context.Context, st store.Store, id string, limit, interval time.Duration) (*model.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rep, err := st.GetReport(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "poll report %s", id)
		}
		if rep.Status.IsTerminal() {
			return rep, nil
		}
		select {
		case <-ctx.Done():
			return rep, eris.Wrapf(ctx.Err(), "report %s still %s", id, rep.Status)
		case <-ticker.C:
		}
	}
}

func init() {
	submitCmd.Flags().String("file", "", "path to the clinical note (- for stdin)")
	submitCmd.Flags().String("codes", "", "billed codes, comma separated (e.g. 99213,J45.909)")
	submitCmd.Flags().String("payer", "", "payer id for fee schedule lookup")
	submitCmd.Flags().String("dos", "", "date of service (YYYY-MM-DD, default today)")
	submitCmd.Flags().StringSlice("hint", nil, "pre-extracted diagnosis or procedure (repeatable)")
	submitCmd.Flags().Bool("wait", false, "wait for the report to finish and print it")
	rootCmd.AddCommand(submitCmd)
}
