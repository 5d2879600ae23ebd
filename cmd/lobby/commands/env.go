package commands

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/lobby-ws/gamedev-sub000/internal/config"
	"github.com/lobby-ws/gamedev-sub000/internal/printer"
	"github.com/lobby-ws/gamedev-sub000/internal/workspace"
)

// Swapped in tests.
var (
	getenv  config.Getenv = os.Getenv
	workDir               = os.Getwd
	stderr  io.Writer     = os.Stderr
)

// openOptions selects how much of the workspace a command needs.
type openOptions struct {
	connect bool
	// mutating commands ask before touching a production target.
	mutating    bool
	yes         bool
	logActivity bool
}

func projectRoot() (string, error) {
	root, err := workDir()
	if err != nil {
		return "", printer.Error("cannot determine project directory", err.Error(), nil)
	}
	return root, nil
}

func loadConfig() (*config.Config, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(root, targetName, getenv)
	if err != nil {
		return nil, printer.Error(
			"invalid configuration",
			err.Error(),
			[]string{"Check .lobby/targets.json and the WORLD_URL, WORLD_ID and ADMIN_CODE environment variables"},
		)
	}
	return cfg, nil
}

func cliLogger() *log.Logger {
	if verbose {
		return log.New(stderr, "", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

func owner() string {
	if u := getenv("USER"); u != "" {
		return u
	}
	return workspace.DefaultOwner
}

// confirmTarget asks before a mutating command runs against a target marked
// confirm: true.
func confirmTarget(cfg *config.Config, yes bool) error {
	if !cfg.ConfirmRequired || yes {
		return nil
	}
	if printer.Confirm("Target " + cfg.Describe() + " requires confirmation. Continue?") {
		return nil
	}
	return printer.Error(
		"aborted",
		"Target "+cfg.TargetName+" requires confirmation and none was given.",
		[]string{
			"Pass --yes to confirm",
			"Set " + config.EnvTargetConfirm + "=1 for non-interactive use",
		},
	)
}

func openWorkspace(ctx context.Context, cfg *config.Config, opts openOptions) (*workspace.Workspace, error) {
	if opts.mutating {
		if err := confirmTarget(cfg, opts.yes); err != nil {
			return nil, err
		}
	}
	w, err := workspace.Open(ctx, cfg, workspace.Options{
		Connect:     opts.connect,
		LogActivity: opts.logActivity,
		Owner:       owner(),
		Logger:      cliLogger(),
		PromptCode: func() (string, error) {
			printer.Warning("The world rejected the admin code.\n")
			return printer.PromptSecret("Admin code")
		},
	})
	if err != nil {
		return nil, renderError(err)
	}
	return w, nil
}
