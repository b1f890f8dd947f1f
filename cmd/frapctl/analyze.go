package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rbnvrw/frapalyzer/internal/batch"
	"github.com/rbnvrw/frapalyzer/internal/pipeline"
	"github.com/rbnvrw/frapalyzer/internal/report"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <uri>",
	Short: "Run a FRAP analysis on one ND2 file",
	Long: `Analyze one FRAP acquisition. The input is a local path or a file://,
http(s):// or ssh:// URI. The report goes to stdout unless --output is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := report.ParseFormat(stringFlag(cmd, "format", cfg.Output.Format))
		if err != nil {
			return err
		}
		res, err := runner(cmd, pipeline.CallerCLI).Analyze(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, w := range res.Warnings {
			log.Warn().Str("source", res.Source).Msg(w)
		}
		if out, _ := cmd.Flags().GetString("output"); out != "" {
			if err := report.WriteFile(out, res, format); err != nil {
				return err
			}
			log.Info().Str("path", out).Msg("report written")
			return nil
		}
		return report.Render(cmd.OutOrStdout(), res, format)
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <uri|glob>...",
	Short: "Analyze many ND2 files concurrently",
	Long: `Analyze every input with bounded concurrency and write one report per
input into the output directory as <name>.frap.<ext>.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := report.ParseFormat(stringFlag(cmd, "format", cfg.Output.Format))
		if err != nil {
			return err
		}
		outDir := stringFlag(cmd, "out-dir", cfg.Output.Dir)
		if outDir == "" {
			outDir = "."
		}
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
		workers := cfg.Batch.Workers
		if cmd.Flags().Changed("workers") {
			workers, _ = cmd.Flags().GetInt("workers")
		}

		inputs, err := expandInputs(args)
		if err != nil {
			return err
		}
		r := runner(cmd, pipeline.CallerBatch)
		outcomes, err := batch.Run(cmd.Context(), inputs, workers, r.Analyze)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		failed := batch.Failed(outcomes)
		paths := outputPaths(outDir, outcomes, format)
		for i, o := range outcomes {
			if o.Err != nil {
				fmt.Fprintf(w, "FAIL %s: %v\n", o.Input, o.Err)
				continue
			}
			path := paths[i]
			if err := report.WriteFile(path, o.Result, format); err != nil {
				failed++
				fmt.Fprintf(w, "FAIL %s: %v\n", o.Input, err)
				continue
			}
			fmt.Fprintf(w, "ok   %s -> %s (%s)\n", o.Input, path, o.Duration.Round(time.Millisecond))
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d inputs failed", failed, len(outcomes))
		}
		return nil
	},
}

// outputPaths assigns one report path per successful outcome. Inputs that
// share a base name get a numeric suffix in input order so no report
// overwrites another.
func outputPaths(outDir string, outcomes []batch.Outcome, f report.Format) []string {
	paths := make([]string, len(outcomes))
	taken := make(map[string]bool, len(outcomes))
	suffix := ".frap." + report.Extension(f)
	for i, o := range outcomes {
		if o.Err != nil {
			continue
		}
		path := report.OutputPath(outDir, o.Result.Source, f)
		stem := strings.TrimSuffix(path, suffix)
		for n := 2; taken[path]; n++ {
			path = fmt.Sprintf("%s-%d%s", stem, n, suffix)
		}
		taken[path] = true
		paths[i] = path
	}
	return paths
}

// expandInputs expands local glob patterns. URIs and plain paths without
// glob characters pass through.
func expandInputs(args []string) ([]string, error) {
	var inputs []string
	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			inputs = append(inputs, arg)
			continue
		}
		inputs = append(inputs, matches...)
	}
	return inputs, nil
}

func init() {
	addAnalysisFlags(analyzeCmd)
	analyzeCmd.Flags().StringP("format", "f", "text", "report format: text|markdown|json|csv")
	analyzeCmd.Flags().StringP("output", "o", "", "write the report to this file instead of stdout")

	addAnalysisFlags(batchCmd)
	batchCmd.Flags().StringP("format", "f", "text", "report format: text|markdown|json|csv")
	batchCmd.Flags().String("out-dir", "", "directory for reports (default: current directory)")
	batchCmd.Flags().IntP("workers", "w", 4, "number of files analyzed concurrently")
}
