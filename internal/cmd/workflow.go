package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloudforge/cloudforge/internal/config"
	"github.com/cloudforge/cloudforge/internal/workflow"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Inspect the loaded workflow definition",
}

var workflowShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Parse and print the loaded workflow.dot",
	Long: `Show parses the configured workflow file and prints its phases and
transitions. It is a debugging aid only: it does not affect the run loop.`,
	RunE: runWorkflowShow,
}

func init() {
	workflowShowCmd.Flags().String("format", "yaml", "output format: yaml or text")
	workflowCmd.AddCommand(workflowShowCmd)
	rootCmd.AddCommand(workflowCmd)
}

func runWorkflowShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return usageError(err)
	}

	format, _ := cmd.Flags().GetString("format")

	def, err := workflow.LoadWorkflow(cfg.WorkflowFile(), readFile)
	if err != nil {
		return haltError(err)
	}

	out, err := def.Describe(format)
	if err != nil {
		return usageError(err)
	}

	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}
