package main

import (
	"fmt"
	"time"

	"chatrelay/internal/database"
	"chatrelay/internal/migrations"
	"chatrelay/internal/service"

	"github.com/spf13/cobra"
)

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			store, cfg, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			// Open already migrated; this reports anything added since.
			applied, err := store.Migrate(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			all, err := migrations.Load(migrations.Dialect(store.Driver()))
			if err != nil {
				return err
			}

			green.Fprintf(out, "Schema up to date: %s\n", database.DisplayLocation(cfg.Database))
			if len(applied) > 0 {
				fmt.Fprintf(out, "Applied %d migration(s) in this run\n", len(applied))
			}
			for _, m := range all {
				fmt.Fprintf(out, "  %s\n", m.Name)
			}
			return nil
		},
	}
}

func newSeedCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the sample conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			created, err := service.Seed(ctx, store, newLogger(opts, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			if created == 0 {
				yellow.Fprintln(cmd.OutOrStdout(), "Sample conversations already exist")
				return nil
			}
			green.Fprintf(cmd.OutOrStdout(), "Created %d of %d sample conversations\n", created, len(service.SampleNumbers))
			return nil
		},
	}
}

func newConversationsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"phones"},
		Short:   "List conversations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			store, _, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			convs, err := store.ListConversations(ctx)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				yellow.Fprintln(out, "No conversations")
				return nil
			}

			w := newTable(out)
			fmt.Fprintln(w, "  ID\tNUMBER\tAI\tCREATED")
			fmt.Fprintln(w, "  --\t------\t--\t-------")
			for _, c := range convs {
				fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", c.ID, c.Number, onOff(c.AIActive), c.CreatedAt.Local().Format("Jan 02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	var period, date string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show message volume and automation cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			store, _, err := openStore(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()
			analytics := service.NewAnalyticsService(store)

			var stats service.PeriodStats
			switch period {
			case "daily":
				day, err := analytics.ParseDate(date)
				if err != nil {
					return err
				}
				d, err := analytics.Daily(ctx, day)
				if err != nil {
					return err
				}
				heading(out, "Daily stats for "+d.Date)
				fmt.Fprintf(out, "  Messages:     %d\n", d.TotalMessages)
				fmt.Fprintf(out, "  AI messages:  %d\n", d.AIMessages)
				green.Fprintf(out, "  Cost:         $%.2f\n", d.Cost)
				return nil
			case "weekly":
				stats, err = analytics.Weekly(ctx)
			case "monthly":
				stats, err = analytics.Monthly(ctx)
			default:
				return fmt.Errorf("unknown period %q (daily, weekly or monthly)", period)
			}
			if err != nil {
				return err
			}

			heading(out, "Stats for "+stats.Totals.Period)
			w := newTable(out)
			fmt.Fprintln(w, "  DATE\tMESSAGES\tAI\tCOST")
			for _, d := range stats.Days {
				fmt.Fprintf(w, "  %s\t%d\t%d\t$%.2f\n", d.Date, d.TotalMessages, d.AIMessages, d.Cost)
			}
			fmt.Fprintf(w, "  TOTAL\t%d\t%d\t$%.2f\n", stats.Totals.TotalMessages, stats.Totals.TotalAIMessages, stats.Totals.TotalCost)
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&period, "period", "daily", "daily, weekly or monthly")
	cmd.Flags().StringVar(&date, "date", "", "Day for daily stats (YYYY-MM-DD, default today)")
	return cmd
}

func formatSeconds(secs *int64) string {
	if secs == nil {
		return "never"
	}
	return (time.Duration(*secs) * time.Second).String() + " ago"
}
