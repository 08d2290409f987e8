package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ambdash",
		Short:         "Track ambassador post engagement under a monthly API quota",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(submitCmd())
	root.AddCommand(updateCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(usageCmd())
	root.AddCommand(leaderboardCmd())
	root.AddCommand(dailyCmd())
	root.AddCommand(purgeCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())

	return root
}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <ambassador> <url>",
		Short: "Submit a post URL for an ambassador",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd.Context(), args[0], args[1])
		},
	}
}

func updateCmd() *cobra.Command {
	var (
		maxItems int
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Run one update batch per platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(cmd.Context(), maxItems, dryRun)
		},
	}

	cmd.Flags().IntVar(&maxItems, "max-items", -1, "max items per platform (default: from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the update plan without fetching")
	return cmd
}

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show how many posts are too new, ready and finalized",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func usageCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show this month's external API usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUsage(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func leaderboardCmd() *cobra.Command {
	var (
		month      string
		sortBy     string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:       "leaderboard [x|reddit|total]",
		Short:     "Show the monthly ambassador leaderboard",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"x", "reddit", "total"},
		RunE: func(cmd *cobra.Command, args []string) error {
			board := "total"
			if len(args) == 1 {
				board = args[0]
			}
			return runLeaderboard(cmd.Context(), board, month, sortBy, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&month, "month", "", "month as YYYY-MM (default: current)")
	cmd.Flags().StringVar(&sortBy, "sort", "impressions", "impressions, likes, replies, reposts or posts")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func dailyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Manage daily impression snapshots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "compute",
		Short: "Recompute today's snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaily(cmd.Context(), "compute", "")
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Re-baseline today with a zero delta",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaily(cmd.Context(), "reset", "")
		},
	})

	var month string
	list := &cobra.Command{
		Use:   "list",
		Short: "List snapshots for a month",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaily(cmd.Context(), "list", month)
		},
	}
	list.Flags().StringVar(&month, "month", "", "month as YYYY-MM (default: current)")
	cmd.AddCommand(list)

	return cmd
}

func purgeCmd() *cobra.Command {
	var (
		from string
		to   string
		yes  bool
	)

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete posts submitted within a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd.Context(), from, to, yes)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "start date YYYY-MM-DD (inclusive)")
	cmd.Flags().StringVar(&to, "to", "", "end date YYYY-MM-DD (inclusive)")
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port, false)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start daemon with scheduler and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port, true)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}
