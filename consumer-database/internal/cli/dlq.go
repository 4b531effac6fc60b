package cli

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/app"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/dlq"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/output"
)

var (
	dlqLimit int
	dlqYes   bool
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect dead-lettered entries",
}

func openQueue(cmd *cobra.Command) (dlq.Queue, func(), error) {
	ctx := cmd.Context()
	client, err := connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	q, err := app.OpenDLQ(ctx, cfg, client.Redis(), logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return q, func() {
		q.Close()
		client.Close()
	}, nil
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered entries, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, closeFn, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		entries, err := q.List(cmd.Context(), dlqLimit)
		if err != nil {
			return err
		}
		if entries == nil {
			entries = []dlq.FailedEntry{}
		}

		return printer.Print(entries, func() *output.Table {
			table := output.NewTable("STREAM ID", "REASON", "FAILED AT", "CONSUMER", "ERROR")
			for _, e := range entries {
				table.AddRow(e.StreamID, e.Reason, e.FailedAt.Format(time.RFC3339), e.Consumer, truncate(e.Error, 60))
			}
			return table
		})
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove every dead-lettered entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !dlqYes {
			return errors.New("refusing to purge without --yes")
		}
		q, closeFn, err := openQueue(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		n, err := q.Purge(cmd.Context())
		if err != nil {
			return err
		}
		printer.Success("Purged %d dead-lettered entries", n)
		return nil
	},
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 20, "maximum number of entries to list")
	dlqPurgeCmd.Flags().BoolVar(&dlqYes, "yes", false, "confirm the purge")
	dlqCmd.AddCommand(dlqListCmd, dlqPurgeCmd)
	rootCmd.AddCommand(dlqCmd)
}
