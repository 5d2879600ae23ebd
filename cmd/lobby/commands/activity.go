package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lobby-ws/gamedev-sub000/internal/activity"
	"github.com/lobby-ws/gamedev-sub000/internal/config"
	"github.com/lobby-ws/gamedev-sub000/internal/printer"
	"github.com/lobby-ws/gamedev-sub000/internal/workspace"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

var (
	activityOutput  string
	activityHistory int
	activityFollow  bool
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show recent sync activity from the relay",
	Long: `Show sync activity (deploys, pulls, removals, conflicts, resolutions,
reconnects) published by running daemons to the Redis activity relay named
by LOBBY_ACTIVITY_REDIS_URL.

Output Formats:
  default - Human-readable lines with timestamps and icons
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Last 20 events
  lobby activity

  # Keep streaming new events
  lobby activity --follow --output json`,
	Args: cobra.NoArgs,
	RunE: runActivity,
}

func init() {
	activityCmd.Flags().StringVarP(&activityOutput, "output", "o", "default", "Output format (default or json)")
	activityCmd.Flags().IntVar(&activityHistory, "history", 20, "Number of past events to show")
	activityCmd.Flags().BoolVarP(&activityFollow, "follow", "f", false, "Keep streaming new events until interrupted")
	rootCmd.AddCommand(activityCmd)
}

func runActivity(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	format, err := activity.ParseOutputFormat(activityOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, json"})
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.ActivityRedisURL == "" {
		return printer.Error(
			"activity relay not configured",
			"Activity is only recorded when daemons publish to Redis.",
			[]string{"Set " + config.EnvActivityRedisURL + "=redis://localhost:6379 for both the daemon and this command"},
		)
	}
	if err := cfg.Validate(); err != nil {
		return renderError(err)
	}

	client, err := admin.NewClient(admin.Options{WorldURL: cfg.WorldURL, AdminCode: cfg.AdminCode, Logger: cliLogger()})
	if err != nil {
		return renderError(err)
	}
	defer client.Close()
	relay, err := workspace.OpenRelay(ctx, cfg, client)
	if err != nil {
		return printer.ErrorWithContext(
			"activity relay unavailable",
			err.Error(),
			map[string]string{"Relay": cfg.ActivityRedisURL},
			[]string{"Check that Redis is running and reachable"},
		)
	}
	defer relay.Close()

	// Subscribe before reading history so nothing falls in between.
	var sub *activity.Subscription
	if activityFollow {
		sub, err = relay.Subscribe(ctx)
		if err != nil {
			return renderError(err)
		}
		defer sub.Close()
	}

	if activityHistory > 0 {
		events, err := relay.History(ctx, activityHistory)
		if err != nil {
			return renderError(err)
		}
		for _, ev := range events {
			if err := activity.Write(cmd.OutOrStdout(), ev, format); err != nil {
				return renderError(err)
			}
		}
	}
	if sub == nil {
		return nil
	}

	errs := sub.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := activity.Write(cmd.OutOrStdout(), ev, format); err != nil {
				return renderError(err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			printer.Warning("%v\n", err)
		}
	}
}
