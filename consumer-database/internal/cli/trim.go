package cli

import (
	"github.com/spf13/cobra"
)

var trimCmd = &cobra.Command{
	Use:   "trim",
	Short: "Remove stream entries the group no longer needs",
	Long: `Remove stream entries older than the oldest entry the group still needs:
its oldest pending entry, or its last delivered entry when nothing is pending.
Other groups reading the same stream are not taken into account.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		n, err := client.TrimAcknowledged(ctx, cfg.Stream.Group)
		if err != nil {
			return err
		}
		length, err := client.Len(ctx)
		if err != nil {
			return err
		}
		printer.Success("Trimmed %d entries from %s (%d left)", n, client.Name(), length)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(trimCmd)
}
