package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lobby-ws/gamedev-sub000/internal/printer"
)

var devYes bool

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run the sync daemon in the foreground",
	Long: `Connect to the world, sync once, then keep the project and the world in
sync until interrupted.

Local edits are deployed as they are saved. With BIDIRECTIONAL_SYNC on (the
default) edits made in the world are written back to disk. With
SYNC_STRICT_CONFLICTS on (the default) startup aborts if the first sync finds
conflicts.`,
	Args: cobra.NoArgs,
	RunE: runDev,
}

func init() {
	devCmd.Flags().BoolVarP(&devYes, "yes", "y", false, "Skip the confirmation for production targets")
	rootCmd.AddCommand(devCmd)
}

func runDev(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	w, err := openWorkspace(ctx, cfg, openOptions{connect: true, mutating: true, yes: devYes, logActivity: true})
	if err != nil {
		return err
	}
	defer w.Close()

	session, err := w.Session()
	if err != nil {
		return renderError(err)
	}
	report, err := session.Start(ctx)
	if err != nil {
		return renderError(err)
	}

	if report.Initial {
		printer.Success("Exported %s from world %s\n", plural(len(report.Exported), "blueprint"), report.WorldID)
	}
	printer.Success("Syncing %s with %s\n", cfg.Root, cfg.Describe())
	if !cfg.Bidirectional {
		printer.Warning("Bidirectional sync is off: world edits are not written to disk\n")
	}
	if cfg.HealthAddr != "" {
		printer.Detail("  health: http://%s/healthz\n", cfg.HealthAddr)
	}
	printer.Detail("  Press Ctrl+C to stop\n")

	<-ctx.Done()
	printer.Info("\nStopping...\n")
	if err := w.Close(); err != nil {
		return renderError(err)
	}
	return nil
}
