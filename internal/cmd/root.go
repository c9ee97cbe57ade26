// Package cmd wires cloudforge's command-line surface: the root command,
// its persistent configuration flags, and the run/workflow/logs subcommands.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloudforge/cloudforge/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "cloudforge",
	Short: "Phase-driven orchestrator for long-running coding agent runs",
	Long: `Cloudforge drives a child coding agent through a workflow of named
phases, retrying transient and rate-limited failures, persisting progress
so a run can resume after a crash, and halting via circuit breaker when a
run stops making progress.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/cloudforge/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CLOUDFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	_ = viper.ReadInConfig()
}
