package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/lobby-ws/gamedev-sub000/internal/printer"
	"github.com/lobby-ws/gamedev-sub000/internal/syncer"
)

var (
	rollbackScope string
	rollbackYes   bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback [id]",
	Short: "Restore a deploy snapshot",
	Long: `Restore the blueprints captured by a deploy snapshot, then pull the
restored versions into the project. Without an id the latest snapshot is used.

Pass the scope the snapshot was taken under (printed by deploy); it defaults
to the global scope.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRollback,
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackScope, "scope", "", "Deploy lock scope of the snapshot (default global)")
	rollbackCmd.Flags().BoolVarP(&rollbackYes, "yes", "y", false, "Skip the confirmation for production targets")
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := openWorkspace(ctx, cfg, openOptions{connect: true, mutating: true, yes: rollbackYes})
	if err != nil {
		return err
	}
	defer w.Close()

	var id string
	if len(args) > 0 {
		id = args[0]
	}
	res, err := w.Syncer.Deployer().Rollback(ctx, id, rollbackScope)
	if err != nil {
		return renderError(err)
	}
	printer.Success("Rolled back snapshot %s (%s)\n", res.ID, plural(len(res.Restored), "blueprint"))

	report, err := w.Syncer.Run(ctx, syncer.Request{SkipWorld: true, Direction: syncer.Pull})
	if err != nil {
		return renderError(err)
	}
	for _, id := range report.Exported {
		printer.Detail("  pulled %s\n", id)
	}
	return nil
}
