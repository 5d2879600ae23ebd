package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lobby-ws/gamedev-sub000/internal/pathutil"
	"github.com/lobby-ws/gamedev-sub000/internal/printer"
	"github.com/lobby-ws/gamedev-sub000/internal/project"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard local project state and re-export the world",
	Long: `Delete apps/, shared/, assets/, world.json, the sync baseline, the
identity index and all conflict artifacts, then export the world into the
project again. Targets and sync policy are kept.

Local changes that were never deployed are lost.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

// resetPaths are removed by reset, relative to the project root.
var resetPaths = []string{
	project.AppsDir,
	pathutil.SharedDir,
	project.AssetsDir,
	project.WorldFile,
	filepath.Join(project.StateDir, project.IndexFile),
	filepath.Join(project.StateDir, project.ConflictsDir),
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !resetForce && !printer.Confirm(fmt.Sprintf("Discard local project state in %s and re-export %s?", cfg.Root, cfg.Describe())) {
		return printer.Error(
			"reset aborted",
			"Nothing was changed.",
			[]string{"Pass --force to reset without a prompt"},
		)
	}

	w, err := openWorkspace(ctx, cfg, openOptions{connect: true})
	if err != nil {
		return err
	}
	defer w.Close()

	for _, rel := range resetPaths {
		if err := os.RemoveAll(filepath.Join(cfg.Root, rel)); err != nil {
			return renderError(fmt.Errorf("failed to remove %s: %w", rel, err))
		}
	}
	if err := w.Syncer.State().Remove(); err != nil {
		return renderError(err)
	}
	printer.Step("Cleared local state\n")

	report, err := w.Syncer.Export(ctx)
	if err != nil {
		return renderError(err)
	}
	printer.Success("Exported %s from world %s at cursor %d\n", plural(len(report.Exported), "blueprint"), report.WorldID, report.Cursor)
	return nil
}
