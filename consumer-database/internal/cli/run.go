package cli

import (
	"github.com/spf13/cobra"

	"github.com/webtrail/webtrail-stack/consumer-database/internal/app"
)

var runDryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the consumer",
	Long: `Run the consumer loop, the recovery sweeper and the metrics server until
SIGINT or SIGTERM.

Required environment:
  MONGO_CONNECTION_STRING   document store (store.backend=mongo)
  REDIS_URL                 redis://host:port/db
  REDIS_USERNAME            optional, overrides the URL
  REDIS_PASSWORD            optional, overrides the URL
  STREAM_NAME               stream key
  GROUP_NAME                consumer group

With --dry-run events are decoded and written to memory only, and nothing is
dead-lettered; entries are still acknowledged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.Run(cmd.Context(), cfg, app.RunOptions{DryRun: runDryRun}, logger)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "store events in memory instead of the configured backend")
	rootCmd.AddCommand(runCmd)
}
