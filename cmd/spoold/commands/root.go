package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/spoold/internal/config"
)

var (
	configPath string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "spoold",
		Short: "Spoold outbound message queue",
		Long: `A command line tool for running and inspecting the spoold outbound
message queue: scheduled delivery, retry backoff and delivery status
notifications.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Name() == "help" || cmd.Name() == "version" || cmd.Name() == "completion" {
				return
			}
			if configPath == "" {
				cfg = config.Default()
				return
			}
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
				os.Exit(1)
			}
		},
	}
)

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
}
