package conflicts

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
)

// MinShortIDLength is the minimum length of a conflict id prefix.
const MinShortIDLength = 6

// maxListedMatches caps how many ids an ambiguity message names.
const maxListedMatches = 10

// ResolveID expands a conflict id prefix to a full id. Resolved artifacts
// are searched too.
func ResolveID(store *syncstate.ConflictStore, shortID string) (string, error) {
	shortID = strings.TrimSpace(shortID)
	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		if _, err := store.Get(shortID); err != nil {
			return "", err
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	all, err := store.List(true)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, a := range all {
		if strings.HasPrefix(a.ID, shortID) {
			matches = append(matches, a.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", errcode.New(errcode.ConflictNotFound, shortID)
	case 1:
		return matches[0], nil
	default:
		sort.Strings(matches)
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// AmbiguousError indicates several conflicts share the prefix.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d conflicts", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError lists the matching ids for the user.
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ambiguous short ID '%s' matches %d conflicts:\n", err.ShortID, len(err.Matches))

	shown := err.Matches
	if len(shown) > maxListedMatches {
		shown = shown[:maxListedMatches]
	}
	for _, id := range shown {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(err.Matches) > maxListedMatches {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-maxListedMatches)
	}

	b.WriteString("\nUse a longer prefix to identify the conflict.")
	return b.String()
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	_, ok := err.(*AmbiguousError)
	return ok
}
