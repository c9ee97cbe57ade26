package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudforge/cloudforge/internal/config"
	"github.com/cloudforge/cloudforge/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect a run's debug log",
}

var logsExportCmd = &cobra.Command{
	Use:   "export OUTPUT",
	Short: "Filter and export debug.log to json, text, or csv",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogsExport,
}

func init() {
	logsExportCmd.Flags().String("format", "json", "output format: json, text, or csv")
	logsExportCmd.Flags().String("level", "", "minimum level to include: debug, info, warn, error")
	logsExportCmd.Flags().String("phase", "", "restrict to entries from this phase")
	logsExportCmd.Flags().Int("iteration", 0, "restrict to entries from this iteration")
	logsExportCmd.Flags().String("contains", "", "restrict to entries whose message contains this substring")

	logsCmd.AddCommand(logsExportCmd)
	rootCmd.AddCommand(logsCmd)
}

func runLogsExport(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return usageError(err)
	}

	entries, err := logging.AggregateLogs(cfg.ArtifactDir())
	if err != nil {
		return haltError(err)
	}

	level, _ := cmd.Flags().GetString("level")
	phase, _ := cmd.Flags().GetString("phase")
	iteration, _ := cmd.Flags().GetInt("iteration")
	contains, _ := cmd.Flags().GetString("contains")
	format, _ := cmd.Flags().GetString("format")

	filtered := logging.FilterLogs(entries, logging.LogFilter{
		Level:           level,
		Phase:           phase,
		Iteration:       iteration,
		MessageContains: contains,
	})

	if err := logging.ExportLogEntries(filtered, args[0], format); err != nil {
		return haltError(err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "exported %d entries to %s\n", len(filtered), args[0])
	return nil
}
