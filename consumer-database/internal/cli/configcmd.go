package cli

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/output"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration with credentials masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		masked := cfg.Masked()
		if printer.Format != output.FormatTable {
			return printer.Print(masked, nil)
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(masked); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}

		if err := cfg.Validate(); err != nil {
			printer.Warn("%v", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
