package commands

import (
	"github.com/gantrydev/gantry/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gantry",
		Short: "Gantry - tool orchestration for capability servers",
		Long:  `Gantry connects to capability servers, merges their tools with local operations into one catalog, and records tool invocations as actions.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewServersCmd(),
		NewToolsCmd(),
		NewJobsCmd(),
		NewVersionCmd(),
	)

	return cmd
}
