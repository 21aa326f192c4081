package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/chart-audit/internal/codes"
	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/rates"
)

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Manage code rates and payer fee schedules",
}

// -- rates import --

var ratesImportCmd = &cobra.Command{
	Use:   "import <schedule.xlsx>",
	Short: "Import a payer fee schedule spreadsheet into the rates file",
	Long: "Reads code and amount columns from an XLSX sheet and writes them into the rates YAML file, " +
		"either as a payer schedule (--payer, --effective) or as default table overrides (--default).",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = cfg.Rates.Path
		}
		if out == "" {
			return eris.New("--out or rates.path is required")
		}

		asDefault, _ := cmd.Flags().GetBool("default")
		payer, _ := cmd.Flags().GetString("payer")
		name, _ := cmd.Flags().GetString("name")
		effective, _ := cmd.Flags().GetString("effective")
		expires, _ := cmd.Flags().GetString("expires")
		sheet, _ := cmd.Flags().GetString("sheet")
		codeCol, _ := cmd.Flags().GetString("code-column")
		amountCol, _ := cmd.Flags().GetString("amount-column")

		imported, err := rates.ImportXLSX(args[0], rates.XLSXOptions{
			SheetName:    sheet,
			CodeColumn:   codeCol,
			AmountColumn: amountCol,
		})
		if err != nil {
			return err
		}

		file, err := loadRatesFile(out)
		if err != nil {
			return err
		}

		if asDefault {
			if file.Default == nil {
				file.Default = make(map[string]float64, len(imported))
			}
			for code, amt := range imported {
				file.Default[code] = amt
			}
		} else {
			sched, err := buildSchedule(payer, name, effective, expires, imported)
			if err != nil {
				return err
			}
			file.Schedules = upsertSchedule(file.Schedules, sched)
		}

		if err := rates.WriteFile(out, file); err != nil {
			return err
		}
		zap.L().Info("rates imported",
			zap.String("source", args[0]),
			zap.String("out", out),
			zap.Int("codes", len(imported)),
			zap.Bool("default", asDefault),
		)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "imported %d rate(s) into %s\n", len(imported), out)
		return nil
	},
}

// -- rates lookup --

var ratesLookupCmd = &cobra.Command{
	Use:   "lookup <code>...",
	Short: "Show the rate each code resolves to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payer, _ := cmd.Flags().GetString("payer")
		dateFlag, _ := cmd.Flags().GetString("date")

		asOf := time.Now().UTC()
		if dateFlag != "" {
			d, err := rates.ParseDate(dateFlag)
			if err != nil {
				return err
			}
			asOf = d.Time
		}

		lookup, err := rates.LoadLookup(cfg.Rates.Path)
		if err != nil {
			return err
		}
		formatRateLookup(cmd.Context(), cmd.OutOrStdout(), lookup, args, payer, asOf)
		return nil
	},
}

func init() {
	ratesImportCmd.Flags().String("out", "", "rates YAML file to update (default rates.path)")
	ratesImportCmd.Flags().Bool("default", false, "import as default table overrides instead of a payer schedule")
	ratesImportCmd.Flags().String("payer", "", "payer id for the schedule")
	ratesImportCmd.Flags().String("name", "", "schedule name")
	ratesImportCmd.Flags().String("effective", "", "effective date (YYYY-MM-DD)")
	ratesImportCmd.Flags().String("expires", "", "expiration date, exclusive (YYYY-MM-DD)")
	ratesImportCmd.Flags().String("sheet", "", "sheet name (default first sheet)")
	ratesImportCmd.Flags().String("code-column", "code", "header of the code column")
	ratesImportCmd.Flags().String("amount-column", "amount", "header of the amount column")

	ratesLookupCmd.Flags().String("payer", "", "payer id")
	ratesLookupCmd.Flags().String("date", "", "date of service (YYYY-MM-DD, default today)")

	ratesCmd.AddCommand(ratesImportCmd)
	ratesCmd.AddCommand(ratesLookupCmd)
	rootCmd.AddCommand(ratesCmd)
}

// loadRatesFile reads path, or returns an empty file if it does not exist.
func loadRatesFile(path string) (*rates.File, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &rates.File{}, nil
	}
	return rates.LoadFile(path)
}

func buildSchedule(payer, name, effective, expires string, amounts map[string]float64) (rates.Schedule, error) {
	if payer == "" || effective == "" {
		return rates.Schedule{}, eris.New("--payer and --effective are required unless --default is set")
	}
	eff, err := rates.ParseDate(effective)
	if err != nil {
		return rates.Schedule{}, err
	}
	sched := rates.Schedule{PayerID: payer, Name: name, EffectiveDate: eff, Rates: amounts}
	if expires != "" {
		exp, err := rates.ParseDate(expires)
		if err != nil {
			return rates.Schedule{}, err
		}
		if !exp.After(eff.Time) {
			return rates.Schedule{}, eris.Errorf("expiration %s is not after effective date %s", expires, effective)
		}
		sched.ExpirationDate = &exp
	}
	return sched, nil
}

// upsertSchedule replaces the schedule with the same payer and effective
// date, or appends s.
func upsertSchedule(list []rates.Schedule, s rates.Schedule) []rates.Schedule {
	for i := range list {
		if list[i].PayerID == s.PayerID && list[i].EffectiveDate.Equal(s.EffectiveDate.Time) {
			list[i] = s
			return list
		}
	}
	return append(list, s)
}

// formatRateLookup writes the resolved rate for each code. Unknown codes
// are listed with no amount.
func formatRateLookup(ctx context.Context, out io.Writer, lookup rates.Lookup, args []string, payer string, asOf time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CODE\tFAMILY\tAMOUNT\tSOURCE")
	_, _ = fmt.Fprintln(w, "----\t------\t------\t------")

	for _, arg := range args {
		code := codes.Normalize(arg)
		family, _ := codes.DetectFamily(code)
		r, ok := lookup.Rate(ctx, rates.Query{Code: code, Family: family, PayerID: payer, AsOf: asOf})
		if !ok {
			_, _ = fmt.Fprintf(w, "%s\t%s\t-\tunknown\n", code, familyLabel(family))
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", code, familyLabel(family), r.Amount, r.Source)
	}
	_ = w.Flush()
}

func familyLabel(f model.CodeFamily) string {
	if f == "" {
		return "-"
	}
	return string(f)
}
