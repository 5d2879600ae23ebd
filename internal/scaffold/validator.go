package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/lobby-ws/gamedev-sub000/internal/project"
)

// MaxNameLength is the longest accepted app name.
const MaxNameLength = 63

// NamePattern matches DNS-style app names: lowercase alphanumerics with
// inner hyphens.
var NamePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// ValidateAppName checks an app name for use as a directory and scope.
func ValidateAppName(name string) error {
	if name == "" {
		return fmt.Errorf("app name cannot be empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("app name too long: %d characters (max: %d)", len(name), MaxNameLength)
	}
	if !NamePattern.MatchString(name) {
		return fmt.Errorf("invalid app name '%s': must be lowercase alphanumeric with hyphens (not at start/end)", name)
	}
	return nil
}

// CheckExisting fails when apps/<app> already exists.
func CheckExisting(root, app string) error {
	dir := filepath.Join(root, project.AppsDir, app)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("app '%s' already exists at %s", app, filepath.ToSlash(filepath.Join(project.AppsDir, app)))
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to check %s: %w", dir, err)
	}
	return nil
}
