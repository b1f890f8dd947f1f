package main

import (
	"encoding/json"
	"fmt"

	"github.com/rbnvrw/frapalyzer/internal/pipeline"
	"github.com/rbnvrw/frapalyzer/internal/report"
	"github.com/rbnvrw/frapalyzer/internal/source"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <uri>",
	Short: "Describe an ND2 file",
	Long:  "Print image layout, calibration, experiment loops and ROIs of an ND2 file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := runner(cmd, pipeline.CallerCLI).Describe(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(meta)
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), report.Describe(source.Name(args[0]), meta))
		return err
	},
}

var roisCmd = &cobra.Command{
	Use:   "rois <uri>",
	Short: "List the ROIs of an ND2 file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := runner(cmd, pipeline.CallerCLI).Describe(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), report.ROITable(meta))
		return err
	},
}

func init() {
	infoCmd.Flags().Bool("json", false, "print metadata as JSON")
}
