package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/lobby-ws/gamedev-sub000/internal/conflicts"
	"github.com/lobby-ws/gamedev-sub000/internal/printer"
	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
	"github.com/lobby-ws/gamedev-sub000/internal/timespec"
)

var (
	conflictsAll    bool
	conflictsSince  string
	conflictsUntil  string
	conflictsKind   string
	conflictsOutput string
	resolveUse      string
	resolveYes      bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Inspect and resolve sync conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var syncConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List conflict artifacts",
	Long: `List conflicts recorded under .lobby/conflicts, newest first.

Examples:
  # Open conflicts
  lobby sync conflicts

  # Everything from the last day, as JSONL for jq
  lobby sync conflicts --all --since 1d --output jsonl`,
	Args: cobra.NoArgs,
	RunE: runSyncConflicts,
}

var syncShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one conflict with a diff of both sides",
	Long: `Show a conflict artifact: its unresolved fields and a unified diff of the
local value against the world's. Short IDs of at least 6 characters work.`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncShow,
}

var syncResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict by picking a side",
	Long: `Resolve a conflict.

  --use remote   write the world's value to disk
  --use local    push the local value to the world
  --use merged   push the merged value, when one was computed`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncResolve,
}

func init() {
	syncConflictsCmd.Flags().BoolVar(&conflictsAll, "all", false, "Include resolved conflicts")
	syncConflictsCmd.Flags().StringVar(&conflictsSince, "since", "", "Only conflicts created after this time (duration, Nd or RFC3339)")
	syncConflictsCmd.Flags().StringVar(&conflictsUntil, "until", "", "Only conflicts created before this time (duration, Nd or RFC3339)")
	syncConflictsCmd.Flags().StringVar(&conflictsKind, "kind", "", "Only this kind: blueprint, entity, settings or spawn")
	syncConflictsCmd.Flags().StringVarP(&conflictsOutput, "output", "o", "default", "Output format: default or jsonl")

	syncResolveCmd.Flags().StringVar(&resolveUse, "use", "", "Side to keep: local, remote or merged (required)")
	syncResolveCmd.Flags().BoolVarP(&resolveYes, "yes", "y", false, "Skip the confirmation for production targets")
	syncResolveCmd.MarkFlagRequired("use")

	syncCmd.AddCommand(syncConflictsCmd, syncShowCmd, syncResolveCmd)
	rootCmd.AddCommand(syncCmd)
}

// localConflicts opens the conflict store without a world connection.
func localConflicts() (*conflicts.Service, func(), error) {
	root, err := projectRoot()
	if err != nil {
		return nil, nil, err
	}
	state, err := syncstate.Open(root, syncstate.Options{Logger: cliLogger()})
	if err != nil {
		return nil, nil, renderError(err)
	}
	svc := conflicts.New(syncstate.NewConflictStore(root, nil), state, nil, cliLogger())
	return svc, func() { state.Close() }, nil
}

func runSyncConflicts(cmd *cobra.Command, args []string) error {
	format, err := conflicts.ParseOutputFormat(conflictsOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: default, jsonl"})
	}
	since, until, err := timespec.ParseRange(conflictsSince, conflictsUntil)
	if err != nil {
		return printer.Error("invalid time filter", err.Error(), []string{"Use a duration (2h), days (3d) or RFC3339 time"})
	}

	svc, done, err := localConflicts()
	if err != nil {
		return err
	}
	defer done()

	list, err := svc.List(&conflicts.Filter{
		IncludeResolved: conflictsAll,
		SinceMs:         since,
		UntilMs:         until,
		Kind:            conflictsKind,
	})
	if err != nil {
		return renderError(err)
	}

	if format == conflicts.OutputFormatJSONL {
		if err := conflicts.FormatJSONL(cmd.OutOrStdout(), list); err != nil {
			return renderError(err)
		}
		return nil
	}
	conflicts.FormatTable(cmd.OutOrStdout(), list)
	return nil
}

func runSyncShow(cmd *cobra.Command, args []string) error {
	svc, done, err := localConflicts()
	if err != nil {
		return err
	}
	defer done()

	a, err := svc.Get(args[0])
	if err != nil {
		return renderError(err)
	}
	if err := conflicts.FormatDetail(cmd.OutOrStdout(), a); err != nil {
		return renderError(err)
	}
	return nil
}

func runSyncResolve(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	use, err := conflicts.ParseChoice(resolveUse)
	if err != nil {
		return printer.Error("invalid --use value", err.Error(), []string{"Use one of: local, remote, merged"})
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := openWorkspace(ctx, cfg, openOptions{
		connect:  true,
		mutating: use != conflicts.UseRemote,
		yes:      resolveYes,
	})
	if err != nil {
		return err
	}
	defer w.Close()

	a, err := w.Conflicts().Resolve(ctx, args[0], use)
	if err != nil {
		return renderError(err)
	}
	printer.Success("Resolved %s conflict on %s using %s\n", a.Kind, a.ObjectID, use)
	if use != conflicts.UseRemote {
		printer.Detail("  pushed to %s\n", cfg.Describe())
	}
	return nil
}
