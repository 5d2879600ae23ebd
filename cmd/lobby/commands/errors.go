package commands

import (
	"errors"
	"fmt"

	"github.com/lobby-ws/gamedev-sub000/internal/config"
	"github.com/lobby-ws/gamedev-sub000/internal/conflicts"
	"github.com/lobby-ws/gamedev-sub000/internal/deploy"
	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/printer"
)

// renderError prints err as a formatted block and returns the plain error
// for cobra.
func renderError(err error) error {
	if err == nil {
		return nil
	}

	var lockErr *deploy.LockError
	if errors.As(err, &lockErr) {
		return printer.ErrorWithContext(
			"deploy locked",
			"Another deploy holds the lock for this scope.",
			map[string]string{"Scope": lockErr.Scope, "Lock": lockErr.Lock.String()},
			[]string{"Wait for the other deploy to finish and retry"},
		)
	}
	var ambiguous *conflicts.AmbiguousError
	if errors.As(err, &ambiguous) {
		return printer.Error("ambiguous conflict ID", conflicts.FormatAmbiguousError(ambiguous), nil)
	}

	switch errcode.Code(err) {
	case errcode.MissingWorldURL:
		return printer.Error(
			"world URL not configured",
			"No world URL was found for this project.",
			[]string{
				"Set " + config.EnvWorldURL + "=https://your-world.example.com",
				"Add a target to .lobby/targets.json and pass --target <name>",
			},
		)
	case errcode.WorldMismatch:
		return printer.Error(
			"world ID mismatch",
			err.Error(),
			[]string{"Check " + config.EnvWorldID + " and --target", "Run 'lobby reset' to bind this project to the new world"},
		)
	case errcode.SyncConflictDetected:
		return printer.Error(
			"sync conflict detected",
			err.Error(),
			[]string{"List conflicts:\n  lobby sync conflicts", "Resolve one:\n  lobby sync resolve <id> --use local|remote|merged"},
		)
	case errcode.EmptyProjectRequiresExport:
		return printer.Error(
			"project is empty",
			"The project has no apps or world.json but still has a sync baseline, so the runtime cannot be told apart from deletions.",
			[]string{"Re-export the world:\n  lobby reset"},
		)
	case errcode.InvalidCode, errcode.Unauthorized, errcode.AuthError:
		return printer.Error(
			"admin authentication failed",
			err.Error(),
			[]string{"Check " + config.EnvAdminCode + " or the target's adminCode"},
		)
	case errcode.ConflictNotFound:
		return printer.Error(
			"conflict not found",
			err.Error(),
			[]string{"List conflicts:\n  lobby sync conflicts --all"},
		)
	case errcode.ConflictMissingMergedValue:
		return printer.Error(
			"no merged value",
			"This conflict has no merged value.",
			[]string{"Use --use local or --use remote"},
		)
	case errcode.DeployLockRequired, errcode.ScopeUnknown, errcode.MultiScopeNotSupported:
		return printer.Error("deploy rejected", err.Error(), nil)
	}
	return printer.Error("command failed", fmt.Sprintf("Error: %v", err), nil)
}
