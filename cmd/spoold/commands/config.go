package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Parse the configuration and report every entry that would be dropped at startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		bundle := cfg.Build()
		if len(bundle.Errors) == 0 {
			fmt.Println("Configuration OK")
			return nil
		}
		for _, err := range bundle.Errors {
			fmt.Printf("warning: %v\n", err)
		}
		return fmt.Errorf("%d configuration entries rejected", len(bundle.Errors))
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
}
