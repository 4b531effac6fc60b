package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/models"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/output"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/seeder"
)

var (
	seedCount          int
	seedProject        string
	seedWebsite        string
	seedKinds          []string
	seedSpread         time.Duration
	seedMalformedEvery int
	seedSeed           int64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Append generated analytics entries to the stream",
	Long: `Append realistic visits, custom events and keep-alives to the stream for
development and load testing.

Examples:
  consumer-database seed --count 1000 --project demo --website example.com
  consumer-database seed --kinds visit --spread 24h
  consumer-database seed --count 100 --malformed-every 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds := make([]models.Kind, 0, len(seedKinds))
		for _, k := range seedKinds {
			kind, ok := models.ParseKind(k)
			if !ok {
				return fmt.Errorf("unknown kind %q", k)
			}
			kinds = append(kinds, kind)
		}

		ctx := cmd.Context()
		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		result, err := seeder.Run(ctx, client, seeder.Config{
			Count:          seedCount,
			ProjectID:      seedProject,
			Website:        seedWebsite,
			Kinds:          kinds,
			TimeSpread:     seedSpread,
			MalformedEvery: seedMalformedEvery,
			Seed:           seedSeed,
		})
		if err != nil {
			return err
		}

		return printer.Print(result, func() *output.Table {
			table := output.NewTable("KIND", "APPENDED")
			for _, kind := range models.Kinds {
				table.AddRow(string(kind), strconv.Itoa(result.ByKind[kind]))
			}
			table.AddRow("malformed", strconv.Itoa(result.Malformed))
			table.AddRow("total", strconv.Itoa(result.Appended))
			return table
		})
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 100, "number of entries to append")
	seedCmd.Flags().StringVar(&seedProject, "project", "demo", "project id")
	seedCmd.Flags().StringVar(&seedWebsite, "website", "example.com", "website domain")
	seedCmd.Flags().StringSliceVar(&seedKinds, "kinds", nil, "kinds to generate (visit, event, keep_alive; default all)")
	seedCmd.Flags().DurationVar(&seedSpread, "spread", time.Hour, "spread timestamps over this window ending now")
	seedCmd.Flags().IntVar(&seedMalformedEvery, "malformed-every", 0, "drop the timestamp of every n-th entry")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "random seed (0 picks one)")
	rootCmd.AddCommand(seedCmd)
}
