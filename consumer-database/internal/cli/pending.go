package cli

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/output"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/stream"
)

var pendingCount int64

type pendingReport struct {
	Stream  string                `json:"stream" yaml:"stream"`
	Group   string                `json:"group" yaml:"group"`
	Total   int64                 `json:"total" yaml:"total"`
	Entries []stream.PendingEntry `json:"entries" yaml:"entries"`
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List entries delivered to the group but not acknowledged",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		total, err := client.PendingCount(ctx, cfg.Stream.Group)
		if err != nil {
			return err
		}
		entries, err := client.Pending(ctx, cfg.Stream.Group, pendingCount)
		if err != nil {
			return err
		}

		report := pendingReport{Stream: client.Name(), Group: cfg.Stream.Group, Total: total, Entries: entries}
		return printer.Print(report, func() *output.Table {
			table := output.NewTable("ID", "CONSUMER", "IDLE", "DELIVERIES")
			for _, e := range entries {
				table.AddRow(e.ID, e.Consumer, e.Idle.String(), strconv.FormatInt(e.RetryCount, 10))
			}
			return table
		})
	},
}

func init() {
	pendingCmd.Flags().Int64Var(&pendingCount, "count", 20, "maximum number of entries to list")
	rootCmd.AddCommand(pendingCmd)
}
