// Package printer writes user-facing CLI output: coloured status lines,
// structured error blocks and interactive prompts.
package printer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

func init() {
	if os.Getenv("NO_COLOR") != "" {
		color.NoColor = true
	}
}

var (
	// Out receives normal output, ErrOut receives error blocks. Tests swap
	// them for buffers.
	Out    io.Writer = os.Stdout
	ErrOut io.Writer = os.Stderr
	// In is read by Confirm.
	In io.Reader = os.Stdin

	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Success prints a green line with a checkmark.
func Success(format string, a ...any) {
	green.Fprintf(Out, "✓ %s", fmt.Sprintf(format, a...))
}

// Info prints an uncoloured message.
func Info(format string, a ...any) {
	fmt.Fprintf(Out, format, a...)
}

// Warning prints a yellow line with a warning marker.
func Warning(format string, a ...any) {
	yellow.Fprintf(Out, "⚠️  %s", fmt.Sprintf(format, a...))
}

// Step prints one step of a multi-step operation.
func Step(format string, a ...any) {
	cyan.Fprintf(Out, "→ %s", fmt.Sprintf(format, a...))
}

// Detail prints a dimmed secondary line.
func Detail(format string, a ...any) {
	faint.Fprintf(Out, format, a...)
}

// Error prints a titled error block to ErrOut and returns an error carrying
// only the title, for Cobra with SilenceErrors set.
func Error(title, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details, printed in key order.
func ErrorWithContext(title, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(ErrOut, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintf(ErrOut, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(ErrOut)
		for _, k := range keys {
			fmt.Fprintf(ErrOut, "  %s: %s\n", k, context[k])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(ErrOut, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(ErrOut, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(ErrOut, "  %d. %s\n", i+1, s)
		}
	}

	return fmt.Errorf("%s", title)
}

// isTerminal reports whether In is an interactive terminal. Swapped in tests.
var isTerminal = func() bool {
	f, ok := In.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Confirm asks a yes/no question. Without a terminal it answers no.
func Confirm(prompt string) bool {
	if !isTerminal() {
		return false
	}
	fmt.Fprintf(Out, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(In).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// PromptSecret reads a line without echo. It fails without a terminal.
func PromptSecret(prompt string) (string, error) {
	f, ok := In.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return "", fmt.Errorf("cannot prompt for %s: stdin is not a terminal", strings.ToLower(prompt))
	}
	fmt.Fprintf(Out, "%s: ", prompt)
	secret, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(Out)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(prompt), err)
	}
	return strings.TrimSpace(string(secret)), nil
}
