package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	targetName string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "lobby",
	Short: "Lobby - keep a world project and its live world in sync",
	Long: `Lobby keeps a project directory of apps, scripts, assets and a world
manifest in sync with a running world server.

Local edits are deployed under scoped deploy locks with rollback snapshots.
Edits made in the world are written back to disk. Concurrent edits to the
same field are recorded as conflicts for you to resolve.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command.
func Execute() error {
	// Errors are printed by the printer package with colour formatting.
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version shown by --version.
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&targetName, "target", "", "Named target from .lobby/targets.json (overrides HYPERFY_TARGET)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log sync details to stderr")
}
