package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/specstorm/internal/logging"
)

var (
	pluginRoot string
	logLevel   string

	// loaded at init time
	log *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "specstorm",
		Short: "Spec-driven development workflows",
		Long:  "Specstorm drives specifications through requirements, design, tasks, and implementation phases, extended by plugins.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logLevel
			if level == "" {
				level = "info"
			}
			log = logging.New(nil, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&pluginRoot, "plugin-root", "", "plugin root directory (default ~/.specstorm/plugins)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newPluginCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

// progressPrinter surfaces install progress on stdout.
func progressPrinter(stage, name string) {
	fmt.Printf("  %-12s %s\n", stage, name)
}
