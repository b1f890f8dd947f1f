package main

import (
	"github.com/rbnvrw/frapalyzer/internal/mcptool"
	"github.com/rbnvrw/frapalyzer/internal/pipeline"
	"github.com/rbnvrw/frapalyzer/internal/report"
	"github.com/rbnvrw/frapalyzer/internal/server"
	"github.com/rbnvrw/frapalyzer/internal/watch"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP analysis API",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := stringFlag(cmd, "addr", cfg.Server.Addr)
		r := runner(cmd, pipeline.CallerHTTP)
		r.Source.AllowedSchemes = cfg.Server.AllowedSchemes
		s := server.New(addr, cfg.Server.CorsOrigins, r)
		log.Info().Str("addr", addr).Msg("frapalyzer api started")
		return s.Serve(cmd.Context())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve analysis tools over MCP stdio",
	Long: `Run an MCP server on stdin/stdout exposing analyze_frap, list_rois and
describe_nd2. Logs go to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcptool.Serve(mcptool.NewTools(runner(cmd, pipeline.CallerMCP)))
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Analyze ND2 files as they appear in a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := cfg.Watch.Dir
		if len(args) == 1 {
			dir = args[0]
		}
		format, err := report.ParseFormat(stringFlag(cmd, "format", cfg.Output.Format))
		if err != nil {
			return err
		}
		debounce := cfg.Watch.Debounce.Std()
		if cmd.Flags().Changed("debounce") {
			debounce, _ = cmd.Flags().GetDuration("debounce")
		}
		initial := cfg.Watch.Initial
		if cmd.Flags().Changed("initial") {
			initial, _ = cmd.Flags().GetBool("initial")
		}

		r := runner(cmd, pipeline.CallerWatch)
		w := &watch.Watcher{
			Dir:      dir,
			Pattern:  stringFlag(cmd, "pattern", cfg.Watch.Pattern),
			Format:   format,
			OutDir:   stringFlag(cmd, "out-dir", cfg.Watch.OutDir),
			Debounce: debounce,
			Initial:  initial,
			Analyze:  r.Analyze,
		}
		err = w.Run(cmd.Context())
		processed, failed := w.Stats()
		log.Info().Int64("processed", processed).Int64("failed", failed).Msg("watch finished")
		return err
	},
}

func init() {
	addAnalysisFlags(serveCmd)
	serveCmd.Flags().String("addr", ":8087", "listen address")

	addAnalysisFlags(mcpCmd)

	addAnalysisFlags(watchCmd)
	watchCmd.Flags().StringP("format", "f", "text", "report format: text|markdown|json|csv")
	watchCmd.Flags().String("pattern", watch.DefaultPattern, "file name pattern to analyze")
	watchCmd.Flags().String("out-dir", "", "directory for reports (default: the watched directory)")
	watchCmd.Flags().Duration("debounce", watch.DefaultDebounce, "quiet period after the last write before analyzing")
	watchCmd.Flags().Bool("initial", false, "also analyze files present at startup")
}
