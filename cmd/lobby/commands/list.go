package commands

import (
	"github.com/spf13/cobra"

	"github.com/lobby-ws/gamedev-sub000/internal/printer"
	"github.com/lobby-ws/gamedev-sub000/internal/project"
	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List apps and their blueprints",
	Long: `List the apps in this project with their blueprints, scopes and entry
scripts. The SYNCED column shows whether each blueprint has a baseline, that
is, whether it has been synced with the world at least once.`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	proj, err := project.Scan(root, cliLogger())
	if err != nil {
		return renderError(err)
	}
	state, err := syncstate.Open(root, syncstate.Options{Logger: cliLogger()})
	if err != nil {
		return renderError(err)
	}
	defer state.Close()

	if len(proj.Apps) == 0 {
		printer.Info("No apps found. Create one with 'lobby new <app>'.\n")
		return nil
	}

	printer.Info("%-20s %-28s %-16s %-12s %s\n", "APP", "BLUEPRINT", "SCOPE", "ENTRY", "SYNCED")
	printer.Info("%-20s %-28s %-16s %-12s %s\n", "--------------------", "----------------------------", "----------------", "------------", "------")

	for _, name := range proj.AppNames() {
		app := proj.Apps[name]
		if len(app.Blueprints) == 0 {
			printer.Info("%-20s %-28s %-16s %-12s %s\n", name, "-", "-", entryOf(app.EntryKey), "-")
			continue
		}
		for _, bp := range app.Blueprints {
			synced := "no"
			if state.Get(syncstate.KindBlueprint, bp.ID) != nil {
				synced = "yes"
			}
			printer.Info("%-20s %-28s %-16s %-12s %s\n", name, bp.ID, dash(bp.Scope()), entryOf(bp.ScriptKey), synced)
		}
	}
	printer.Info("\n%s, %s\n", plural(len(proj.Apps), "app"), plural(len(proj.Blueprints), "blueprint"))

	for _, inv := range proj.Invalid {
		printer.Warning("%s: %v\n", inv.Path, inv.Err)
	}
	return nil
}

func entryOf(key string) string {
	if key == "" {
		return "(none)"
	}
	return key
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
