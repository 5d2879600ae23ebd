package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lobby-ws/gamedev-sub000/internal/printer"
	"github.com/lobby-ws/gamedev-sub000/internal/project"
	"github.com/lobby-ws/gamedev-sub000/internal/reconcile"
	"github.com/lobby-ws/gamedev-sub000/internal/syncer"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show target, cursor and pending changes",
	Long: `Show which world the project is bound to and what a sync would do.

Nothing is written: the project and the world are compared against the
last synced baseline and the pending work is summarised.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := openWorkspace(ctx, cfg, openOptions{})
	if err != nil {
		return err
	}
	defer w.Close()

	report, err := w.Syncer.Run(ctx, syncer.Request{DryRun: true})
	if err != nil {
		return renderError(err)
	}
	open, err := w.Syncer.Conflicts().List(false)
	if err != nil {
		return renderError(err)
	}
	proj, err := project.Scan(cfg.Root, cliLogger())
	if err != nil {
		return renderError(err)
	}

	printer.Info("Target:    %s\n", cfg.Describe())
	printer.Info("World:     %s\n", report.WorldID)
	printer.Info("Cursor:    %d\n", report.Cursor)
	printer.Info("Apps:      %d (%d blueprints)\n", len(proj.Apps), len(proj.Blueprints))
	printer.Info("Sync:      bidirectional=%t strict=%t\n", cfg.Bidirectional, cfg.StrictConflicts)

	if report.Plan == nil {
		if proj.IsEmpty() {
			printer.Info("\nProject is empty. Run 'lobby dev' to export the world into it.\n")
		}
		return nil
	}
	printPlan(report.Plan)

	if len(open) > 0 {
		printer.Warning("%d open conflict(s). Run 'lobby sync conflicts' to inspect them.\n", len(open))
	}
	return nil
}

// printPlan summarises pending work by direction.
func printPlan(plan *reconcile.Plan) {
	b, m := plan.Blueprints, plan.Manifest
	push := len(b.LocalOnlyUpserts) + len(b.LocalOnlyRemovals)
	pull := len(b.RemoteOnlyUpserts) + len(b.RemoteOnlyRemovals)
	for _, a := range b.MergedActions {
		if a.RemoteNeedsUpdate {
			push++
		}
		if a.LocalNeedsUpdate {
			pull++
		}
	}

	printer.Info("\n")
	if plan.IsEmpty() {
		printer.Success("Project and world are in sync\n")
		return
	}
	printer.Info("Pending:\n")
	printer.Info("  %d blueprint change(s) to deploy\n", push)
	printList("    + ", b.LocalOnlyUpserts)
	printList("    - ", b.LocalOnlyRemovals)
	printer.Info("  %d blueprint change(s) to pull\n", pull)
	printList("    + ", b.RemoteOnlyUpserts)
	printList("    - ", b.RemoteOnlyRemovals)

	switch {
	case m.LocalOnly:
		printer.Info("  world.json: %d local entity change(s) to push\n", len(m.LocalOnlyEntities))
	case m.RemoteOnly:
		printer.Info("  world.json: %d remote entity change(s) to pull\n", len(m.RemoteOnlyEntities))
	}
	if n := len(m.MergedEntities); n > 0 {
		printer.Info("  world.json: %d entity change(s) to merge\n", n)
	}
	if n := len(plan.Conflicts); n > 0 {
		printer.Warning("%d conflict(s) need a decision\n", n)
	}
}

func printList(prefix string, ids []string) {
	for _, id := range ids {
		printer.Detail("%s%s\n", prefix, id)
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
