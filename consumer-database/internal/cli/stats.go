package cli

import (
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/webtrail/webtrail-stack/common/ingeststats"
	"github.com/webtrail/webtrail-stack/consumer-database/internal/output"
)

var statsActiveSince time.Duration

var statsCmd = &cobra.Command{
	Use:   "stats [project-id]",
	Short: "Show ingestion statistics for a project, or list active projects",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		client, err := connect(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		stats := ingeststats.NewClient(client.Redis(), cfg.Consumer.ID)

		if len(args) == 0 {
			projects, err := stats.ListActiveProjects(ctx, statsActiveSince)
			if err != nil {
				return err
			}
			sort.Strings(projects)
			if projects == nil {
				projects = []string{}
			}
			return printer.Print(projects, func() *output.Table {
				table := output.NewTable("PROJECT")
				for _, p := range projects {
					table.AddRow(p)
				}
				return table
			})
		}

		s, err := stats.GetStats(ctx, args[0])
		if err != nil {
			return err
		}
		return printer.Print(s, func() *output.Table {
			lastIngested := "never"
			if s.LastIngestedAt != nil {
				lastIngested = s.LastIngestedAt.UTC().Format(time.RFC3339)
			}
			table := output.NewTable("FIELD", "VALUE")
			table.AddRow("project", s.ProjectID)
			table.AddRow("ingested", strconv.FormatInt(s.TotalIngested, 10))
			table.AddRow("dead lettered", strconv.FormatInt(s.TotalDeadLettered, 10))
			table.AddRow("last hour", strconv.FormatInt(s.IngestedLastHour, 10))
			table.AddRow("last 24h", strconv.FormatInt(s.IngestedLast24h, 10))
			table.AddRow("websites today", strconv.FormatInt(s.WebsitesToday, 10))
			table.AddRow("last ingested", lastIngested)
			table.AddRow("last website", s.LastWebsite)
			table.AddRow("instances", strconv.Itoa(len(s.Instances)))
			return table
		})
	},
}

func init() {
	statsCmd.Flags().DurationVar(&statsActiveSince, "active-since", 24*time.Hour, "window for listing active projects")
	rootCmd.AddCommand(statsCmd)
}
