// Package cli defines the consumer-database command tree.
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/webtrail/webtrail-stack/common/logging"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/app"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/config"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/output"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/stream"
)

var (
	cfgFile      string
	outputFormat string

	cfg     *config.Config
	logger  *logging.Logger
	printer *output.Printer
)

var rootCmd = &cobra.Command{
	Use:   "consumer-database",
	Short: "Webtrail stream ingestion consumer",
	Long: `consumer-database drains the webtrail event stream into the document store.

It reads entries as one consumer of a Redis stream consumer group, stores every
decodable event with an idempotent most-recent-wins upsert, dead-letters entries
that can never be stored, and reclaims entries abandoned by crashed instances.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		printer, err = output.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), outputFormat)
		if err != nil {
			return err
		}

		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}

		logger = logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
		logging.SetDefault(logger)
		return nil
	},
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	if printer != nil {
		printer.Error("%v", err)
	} else {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./consumer-database.yaml or /etc/webtrail/consumer-database.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", output.FormatTable, "output format: table, json, yaml")
}

// requireStream validates the settings every stream command needs.
func requireStream() error {
	var missing []string
	if cfg.Redis.URL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if cfg.Stream.Name == "" {
		missing = append(missing, "STREAM_NAME")
	}
	if cfg.Stream.Group == "" {
		missing = append(missing, "GROUP_NAME")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s required", config.ErrInvalid, strings.Join(missing, ", "))
	}
	return nil
}

func connect(ctx context.Context) (*stream.Client, error) {
	if err := requireStream(); err != nil {
		return nil, err
	}
	return app.ConnectStream(ctx, cfg, logger)
}
