package commands

import (
	"github.com/spf13/cobra"

	"github.com/lobby-ws/gamedev-sub000/internal/printer"
	"github.com/lobby-ws/gamedev-sub000/internal/scaffold"
)

var newCmd = &cobra.Command{
	Use:   "new <app>",
	Short: "Create a new app from the built-in template",
	Long: `Create apps/<app>/<app>.json with scope <app> and an index.js module entry.

App names must be lowercase alphanumeric with hyphens (not at start/end).`,
	Args: cobra.ExactArgs(1),
	RunE: runNew,
}

func init() {
	rootCmd.AddCommand(newCmd)
}

func runNew(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	app := args[0]

	created, err := scaffold.NewApp(root, app)
	if err != nil {
		return printer.Error(
			"cannot create app",
			err.Error(),
			[]string{"Choose another name, e.g.:\n  lobby new my-app"},
		)
	}

	printer.Success("Created app %s\n", app)
	for _, path := range created {
		printer.Detail("  %s\n", path)
	}
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Edit apps/%s/index.js\n", app)
	printer.Info("  2. Run 'lobby deploy %s' or keep 'lobby dev' running\n", app)
	return nil
}
