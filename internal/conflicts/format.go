package conflicts

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
)

// OutputFormat selects how List results are printed.
type OutputFormat string

const (
	// OutputFormatDefault is a table with one row per conflict.
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL prints complete artifacts one per line.
	OutputFormatJSONL OutputFormat = "jsonl"
)

// ParseOutputFormat validates an --output value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputFormatDefault:
		return OutputFormatDefault, nil
	case OutputFormatJSONL:
		return OutputFormatJSONL, nil
	}
	return "", fmt.Errorf("invalid output format %q: must be 'default' or 'jsonl'", s)
}

// FormatTable writes conflicts as a table and returns how many it wrote.
func FormatTable(w io.Writer, list []*syncstate.Artifact) int {
	if len(list) == 0 {
		fmt.Fprintln(w, "No conflicts found")
		return 0
	}

	fmt.Fprintf(w, "%-10s %-9s %-24s %-9s %-8s %s\n",
		"ID", "KIND", "OBJECT", "STATUS", "AGE", "FIELDS")
	fmt.Fprintf(w, "%-10s %-9s %-24s %-9s %-8s %s\n",
		"----------", "---------", "------------------------", "---------", "--------", "------------------------------")

	for _, a := range list {
		fmt.Fprintf(w, "%-10s %-9s %-24s %-9s %-8s %s\n",
			formatID(a.ID),
			a.Kind,
			truncate(a.ObjectID, 24),
			formatStatus(a),
			formatAge(CreatedAt(a)),
			formatFields(a.UnresolvedFields),
		)
	}

	noun := "conflict"
	if len(list) != 1 {
		noun = "conflicts"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(list), noun)
	return len(list)
}

// FormatJSONL writes each artifact as one compact JSON line.
func FormatJSONL(w io.Writer, list []*syncstate.Artifact) error {
	for _, a := range list {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal conflict to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatDetail prints one artifact: header, unresolved fields and a unified
// diff of the local value against the remote one.
func FormatDetail(w io.Writer, a *syncstate.Artifact) error {
	fmt.Fprintf(w, "Conflict %s\n", a.ID)
	fmt.Fprintf(w, "  Kind:    %s\n", a.Kind)
	fmt.Fprintf(w, "  Object:  %s\n", a.ObjectID)
	fmt.Fprintf(w, "  Status:  %s\n", formatStatus(a))
	fmt.Fprintf(w, "  Created: %s\n", a.CreatedAt)
	if a.Reason != "" {
		fmt.Fprintf(w, "  Reason:  %s\n", a.Reason)
	}
	if a.Merged != nil {
		fmt.Fprintln(w, "  Merged:  available (--use merged)")
	}

	if len(a.UnresolvedFields) > 0 {
		fmt.Fprintln(w, "\nUnresolved fields:")
		for _, f := range a.UnresolvedFields {
			fmt.Fprintf(w, "  %s\n", f.Path)
			fmt.Fprintf(w, "    base:   %s\n", compact(f.Base))
			fmt.Fprintf(w, "    local:  %s\n", compact(f.Local))
			fmt.Fprintf(w, "    remote: %s\n", compact(f.Remote))
		}
	}
	if len(a.AutoResolvedFields) > 0 {
		fmt.Fprintln(w, "\nAuto-resolved fields:")
		for _, f := range a.AutoResolvedFields {
			fmt.Fprintf(w, "  %s (%s)\n", f.Path, f.Resolution)
		}
	}

	diff, err := Diff(a)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	if diff == "" {
		fmt.Fprintln(w, "Local and remote values are identical.")
		return nil
	}
	_, err = io.WriteString(w, diff)
	return err
}

// Diff renders a unified diff of the local value against the remote one.
func Diff(a *syncstate.Artifact) (string, error) {
	local, err := indent(a.Local)
	if err != nil {
		return "", err
	}
	remote, err := indent(a.Remote)
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(local),
		B:        difflib.SplitLines(remote),
		FromFile: "local",
		ToFile:   "remote",
		Context:  3,
	})
}

func indent(v map[string]any) (string, error) {
	if v == nil {
		return "(deleted)", nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal conflict value: %w", err)
	}
	return string(data), nil
}

func compact(v any) string {
	if v == nil {
		return "(absent)"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return truncate(string(data), 60)
}

func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatStatus(a *syncstate.Artifact) string {
	if a.IsOpen() {
		return syncstate.StatusOpen
	}
	if a.ResolvedWith != "" {
		return a.ResolvedWith
	}
	return syncstate.StatusResolved
}

func formatFields(fields []syncstate.FieldChange) string {
	if len(fields) == 0 {
		return "-"
	}
	paths := make([]string, 0, len(fields))
	for _, f := range fields {
		paths = append(paths, f.Path)
	}
	return truncate(strings.Join(paths, ","), 30)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// formatAge renders a time as "2m ago", "1h ago" and so on.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	diff := time.Since(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
}
