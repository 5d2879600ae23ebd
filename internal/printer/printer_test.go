package printer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr, prevIn, prevTTY, prevColor := Out, ErrOut, In, isTerminal, color.NoColor
	Out, ErrOut = &out, &errOut
	color.NoColor = true
	t.Cleanup(func() {
		Out, ErrOut, In, isTerminal, color.NoColor = prevOut, prevErr, prevIn, prevTTY, prevColor
	})
	return &out, &errOut
}

func TestError(t *testing.T) {
	t.Run("single suggestion", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Deploy failed", "The world rejected the blueprint.", []string{"Run lobby status"})
		require.Error(t, err)
		assert.Equal(t, "Deploy failed", err.Error())
		assert.Contains(t, errOut.String(), "Deploy failed\n\nThe world rejected the blueprint.\n")
		assert.Contains(t, errOut.String(), "\nRun lobby status\n")
		assert.NotContains(t, errOut.String(), "Either:")
	})

	t.Run("multiple suggestions are numbered", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Sync conflict", "Both sides changed.", []string{"First option", "Second option"})
		assert.Equal(t, "Sync conflict", err.Error())
		assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext_SortedKeys(t *testing.T) {
	_, errOut := capture(t)
	err := ErrorWithContext("Target not found", "", map[string]string{
		"World":  "https://example.com",
		"Target": "prod",
	}, nil)
	assert.Equal(t, "Target not found", err.Error())

	out := errOut.String()
	target := strings.Index(out, "Target: prod")
	world := strings.Index(out, "World: https://example.com")
	require.True(t, target >= 0 && world >= 0)
	assert.Less(t, target, world)
}

func TestStatusLines(t *testing.T) {
	out, _ := capture(t)
	Success("deployed %s\n", "testapp")
	Warning("slow\n")
	Step("syncing\n")
	Info("plain\n")
	assert.Equal(t, "✓ deployed testapp\n⚠️  slow\n→ syncing\nplain\n", out.String())
}

func TestConfirm(t *testing.T) {
	t.Run("non-terminal declines", func(t *testing.T) {
		capture(t)
		In = strings.NewReader("y\n")
		isTerminal = func() bool { return false }
		assert.False(t, Confirm("Deploy to prod?"))
	})

	for input, want := range map[string]bool{"y\n": true, "YES\n": true, "n\n": false, "\n": false, "": false} {
		t.Run(strings.TrimSpace(input), func(t *testing.T) {
			out, _ := capture(t)
			In = strings.NewReader(input)
			isTerminal = func() bool { return true }
			assert.Equal(t, want, Confirm("Deploy to prod?"))
			assert.Contains(t, out.String(), "Deploy to prod? [y/N]: ")
		})
	}
}

func TestPromptSecret_NoTerminal(t *testing.T) {
	capture(t)
	In = strings.NewReader("secret\n")
	_, err := PromptSecret("Admin code")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a terminal")
}
