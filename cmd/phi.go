package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/chart-audit/internal/config"
	"github.com/sells-group/chart-audit/internal/model"
	"github.com/sells-group/chart-audit/internal/phi"
	"github.com/sells-group/chart-audit/internal/pipeline"
)

var phiCmd = &cobra.Command{
	Use:   "phi",
	Short: "De-identify and reidentify clinical text",
}

// -- phi deidentify --

var phiDeidentifyCmd = &cobra.Command{
	Use:   "deidentify",
	Short: "Print the de-identified form of a note without storing anything",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		file, _ := cmd.Flags().GetString("file")

		text, err := readText(cmd.InOrStdin(), file)
		if err != nil {
			return err
		}

		env, err := initApp(ctx, config.ModePHI)
		if err != nil {
			return err
		}
		defer env.Close()

		engine, err := env.PHI(ctx)
		if err != nil {
			return err
		}
		res, err := engine.DetectAndDeidentify(ctx, text)
		if err != nil {
			return eris.Wrap(err, "phi deidentify")
		}

		_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.DeidentifiedText)
		formatTokenCounts(cmd.ErrOrStderr(), res.Mappings)
		return nil
	},
}

// -- phi reidentify --

var phiReidentifyCmd = &cobra.Command{
	Use:   "reidentify <encounter-id>",
	Short: "Print an encounter's original text using its stored mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, config.ModePHI)
		if err != nil {
			return err
		}
		defer env.Close()

		engine, err := env.PHI(ctx)
		if err != nil {
			return err
		}
		text, err := engine.ReidentifyEncounter(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "phi reidentify")
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	},
}

// -- phi rerun --

var phiRerunCmd = &cobra.Command{
	Use:   "rerun <encounter-id>",
	Short: "De-identify a corrected note again and replace the encounter's mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		file, _ := cmd.Flags().GetString("file")

		text, err := readText(cmd.InOrStdin(), file)
		if err != nil {
			return err
		}

		env, err := initApp(ctx, config.ModePHI)
		if err != nil {
			return err
		}
		defer env.Close()

		engine, err := env.PHI(ctx)
		if err != nil {
			return err
		}
		res, err := pipeline.NewIntake(env.Store, engine, nil, env.Notifier).Rerun(ctx, args[0], text)
		if err != nil {
			return eris.Wrap(err, "phi rerun")
		}

		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "encounter %s mapping replaced\n", args[0])
		formatTokenCounts(cmd.ErrOrStderr(), res.Mappings)
		return nil
	},
}

func init() {
	phiDeidentifyCmd.Flags().String("file", "", "path to the clinical note (- for stdin)")
	phiRerunCmd.Flags().String("file", "", "path to the corrected note (- for stdin)")

	phiCmd.AddCommand(phiDeidentifyCmd)
	phiCmd.AddCommand(phiReidentifyCmd)
	phiCmd.AddCommand(phiRerunCmd)
	rootCmd.AddCommand(phiCmd)
}

// formatTokenCounts writes how many tokens of each PHI type were issued.
// Only types and counts are printed, never original values.
func formatTokenCounts(out io.Writer, mappings []model.PHIToken) {
	counts := make(map[string]int)
	for _, m := range mappings {
		counts[phi.TokenType(m.EntityType)]++
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)

	_, _ = fmt.Fprintf(out, "%d token(s)\n", len(mappings))
	for _, t := range types {
		_, _ = fmt.Fprintf(out, "  %s\t%d\n", t, counts[t])
	}
}
