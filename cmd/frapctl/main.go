package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rbnvrw/frapalyzer/internal/config"
	"github.com/rbnvrw/frapalyzer/internal/logging"
	"github.com/rbnvrw/frapalyzer/internal/observability"
	"github.com/rbnvrw/frapalyzer/internal/pipeline"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:           "frapctl",
	Short:         "Analyze FRAP experiments stored in Nikon ND2 files",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		observability.InitLogger("frapctl")
		if logLevel != "" {
			lvl, ok := logging.ParseLevel(logLevel)
			if !ok {
				return fmt.Errorf("unknown log level %q", logLevel)
			}
			zerolog.SetGlobalLevel(lvl)
		}
		loaded, err := config.LoadOrDefault(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		if configPath != "" {
			log.Debug().Str("path", configPath).Msg("loaded config")
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("FRAPALYZER_CONFIG"), "path to frapalyzer.toml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace|debug|info|warn|error|disabled")

	rootCmd.AddCommand(infoCmd, roisCmd, analyzeCmd, batchCmd, serveCmd, mcpCmd, watchCmd, synthCmd, configCmd)
}

// runner builds a pipeline runner from the loaded config with any analysis
// flags set on cmd applied on top.
func runner(cmd *cobra.Command, caller string) pipeline.Runner {
	opts := cfg.AnalysisOptions()
	flags := cmd.Flags()
	if flags.Changed("channel") {
		opts.Channel, _ = flags.GetInt("channel")
	}
	if flags.Changed("subtract-background") {
		opts.SubtractBackground, _ = flags.GetBool("subtract-background")
	}
	if flags.Changed("only-positive") {
		opts.OnlyPositive, _ = flags.GetBool("only-positive")
	}
	if flags.Changed("plateau-window") {
		opts.PlateauWindow, _ = flags.GetInt("plateau-window")
	}
	return pipeline.Runner{Analysis: opts, Source: cfg.SourceOptions(), Caller: caller}
}

func addAnalysisFlags(cmd *cobra.Command) {
	d := config.DefaultConfig().Analysis
	cmd.Flags().Int("channel", d.Channel, "image component to analyze")
	cmd.Flags().Bool("subtract-background", d.SubtractBackground, "subtract the background ROI level")
	cmd.Flags().Bool("only-positive", d.OnlyPositive, "ignore non-positive pixels after background subtraction")
	cmd.Flags().Int("plateau-window", d.PlateauWindow, "trailing frames averaged into the recovery plateau")
}

// stringFlag returns the flag value when set on the command line and
// fallback otherwise.
func stringFlag(cmd *cobra.Command, name, fallback string) string {
	if cmd.Flags().Changed(name) {
		v, _ := cmd.Flags().GetString(name)
		return v
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("frapctl failed")
		stop()
		os.Exit(1)
	}
}
