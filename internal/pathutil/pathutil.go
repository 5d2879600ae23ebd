// Package pathutil holds the path rules of a lobby project: normalization of
// project-relative paths, script path validation, safe asset file names and the
// @shared/ import namespace.
package pathutil

import (
	"errors"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrAbsolutePath is returned for paths with a leading slash.
	ErrAbsolutePath = errors.New("path must be relative")

	// ErrPathTraversal is returned for paths escaping their root via "..".
	ErrPathTraversal = errors.New("path escapes project root")

	// ErrEmptyPath is returned for empty paths.
	ErrEmptyPath = errors.New("path is empty")
)

// SharedPrefix is the canonical specifier prefix for the shared script library.
const SharedPrefix = "@shared/"

// SharedDir is the project directory backing @shared/ imports.
const SharedDir = "shared"

// ScriptExtensions lists the file extensions treated as scripts.
var ScriptExtensions = []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs"}

var scriptPathPattern = regexp.MustCompile(`^[A-Za-z0-9_.@/-]+$`)

// Normalize converts p to a clean forward-slash relative path. Backslashes are
// treated as separators. Absolute paths and paths containing ".." components
// after cleaning are rejected.
func Normalize(p string) (string, error) {
	if p == "" {
		return "", ErrEmptyPath
	}
	p = strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(p, "/") {
		return "", ErrAbsolutePath
	}
	cleaned := path.Clean(p)
	if cleaned == "." {
		return "", ErrEmptyPath
	}
	for _, part := range strings.Split(cleaned, "/") {
		if part == ".." {
			return "", ErrPathTraversal
		}
	}
	return cleaned, nil
}

// IsValidScriptPath reports whether p is acceptable as a scriptFiles key.
func IsValidScriptPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return false
	}
	if !scriptPathPattern.MatchString(p) {
		return false
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." || part == "" {
			return false
		}
	}
	return true
}

// IsScriptFile reports whether name has a script extension.
func IsScriptFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range ScriptExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// SanitizeFileBaseName turns an arbitrary label into a safe file base name.
// Accented letters are folded to ASCII, characters outside [A-Za-z0-9._ -]
// are dropped and whitespace runs collapse to a single space. The result is
// "file" when nothing usable remains.
func SanitizeFileBaseName(name string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range norm.NFKD.String(name) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		if unicode.IsSpace(r) {
			if !lastSpace && b.Len() > 0 {
				b.WriteByte(' ')
			}
			lastSpace = true
			continue
		}
		if isSafeRune(r) {
			b.WriteRune(r)
			lastSpace = r == ' '
		}
	}
	out := strings.Trim(b.String(), " .")
	if out == "" {
		return "file"
	}
	return out
}

func isSafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-':
		return true
	}
	return false
}

// CanonicalShared maps "@shared/x" and "shared/x" specifiers to "@shared/x".
// ok is false for anything that is not a shared specifier or that escapes the
// shared root.
func CanonicalShared(specifier string) (canonical string, ok bool) {
	var rel string
	switch {
	case strings.HasPrefix(specifier, SharedPrefix):
		rel = strings.TrimPrefix(specifier, SharedPrefix)
	case strings.HasPrefix(specifier, SharedDir+"/"):
		rel = strings.TrimPrefix(specifier, SharedDir+"/")
	default:
		return "", false
	}
	rel, err := Normalize(rel)
	if err != nil {
		return "", false
	}
	return SharedPrefix + rel, true
}

// SharedRel returns the path below shared/ for a canonical @shared/ key.
func SharedRel(canonical string) string {
	return strings.TrimPrefix(canonical, SharedPrefix)
}

// SharedDiskPath returns the on-disk location of a canonical @shared/ key.
func SharedDiskPath(rootDir, canonical string) string {
	return filepath.Join(rootDir, SharedDir, filepath.FromSlash(SharedRel(canonical)))
}

// Within reports whether target lies inside (or equals) base.
func Within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
