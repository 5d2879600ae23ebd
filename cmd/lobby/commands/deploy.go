package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lobby-ws/gamedev-sub000/internal/printer"
	"github.com/lobby-ws/gamedev-sub000/internal/project"
	"github.com/lobby-ws/gamedev-sub000/internal/syncer"
)

var (
	deployDryRun bool
	deployNote   string
	deployYes    bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <app>",
	Short: "Deploy one app's blueprints to the world",
	Long: `Deploy the blueprints of one app: scripts are bundled and uploaded,
a deploy snapshot is taken for rollback, and blueprints are added or modified
under a deploy lock for the app's scope.

Examples:
  # Preview what would change
  lobby deploy my-app --dry-run

  # Deploy with a note recorded on the rollback snapshot
  lobby deploy my-app --note "new door animation"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeploy(args[0], false)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <app>",
	Short: "Deploy changes to blueprints the world already has",
	Long: `Like deploy, but refuses to create blueprints that do not exist in the
world yet. Use it to ship changes to an existing app without adding anything.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDeploy(args[0], true)
	},
}

func init() {
	for _, c := range []*cobra.Command{deployCmd, updateCmd} {
		c.Flags().BoolVarP(&deployDryRun, "dry-run", "n", false, "Show what would be deployed without changing anything")
		c.Flags().StringVar(&deployNote, "note", "", "Note recorded on the deploy snapshot")
		c.Flags().BoolVarP(&deployYes, "yes", "y", false, "Skip the confirmation for production targets")
		rootCmd.AddCommand(c)
	}
}

func runDeploy(app string, requireExisting bool) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	proj, err := project.Scan(cfg.Root, cliLogger())
	if err != nil {
		return renderError(err)
	}
	if _, ok := proj.Apps[app]; !ok {
		return printer.Error(
			fmt.Sprintf("app '%s' not found", app),
			fmt.Sprintf("There is no apps/%s directory in %s.", app, cfg.Root),
			[]string{"List apps:\n  lobby list", fmt.Sprintf("Create it:\n  lobby new %s", app)},
		)
	}

	w, err := openWorkspace(ctx, cfg, openOptions{
		connect:  !deployDryRun,
		mutating: !deployDryRun,
		yes:      deployYes,
	})
	if err != nil {
		return err
	}
	defer w.Close()

	report, err := w.Syncer.Run(ctx, syncer.Request{
		Apps:            []string{app},
		SkipWorld:       true,
		Direction:       syncer.Push,
		Strict:          cfg.StrictConflicts,
		DryRun:          deployDryRun,
		RequireExisting: requireExisting,
		Note:            deployNote,
	})
	if err != nil {
		return renderError(err)
	}

	for id, reason := range report.Skipped {
		printer.Warning("Skipped %s: %s\n", id, reason)
	}

	if deployDryRun {
		if report.Plan == nil || report.Plan.IsEmpty() {
			printer.Info("Nothing to deploy for %s\n", app)
			return nil
		}
		printer.Step("Dry run for %s on %s\n", app, cfg.Describe())
		printPlan(report.Plan)
		return nil
	}

	if len(report.Deployed)+len(report.RemoteRemoved) == 0 {
		printer.Success("%s is up to date\n", app)
		return nil
	}
	for _, id := range report.Deployed {
		printer.Success("Deployed %s\n", id)
	}
	for _, id := range report.RemoteRemoved {
		printer.Success("Removed %s\n", id)
	}
	if report.Deploy != nil && report.Deploy.Snapshot != nil {
		printer.Info("\nRollback snapshot %s (scope %s)\n", report.Deploy.Snapshot.ID, report.Deploy.Scope)
		printer.Detail("  lobby rollback %s --scope %s\n", report.Deploy.Snapshot.ID, report.Deploy.Scope)
	}
	return nil
}
