package fsutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.txt")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestWriteJSONAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, WriteJSONAtomic(path, map[string]any{"b": 1, "a": "<x>"}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"a\": \"<x>\",\n  \"b\": 1\n}\n", string(data))

	var got map[string]any
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, "<x>", got["a"])
	assert.True(t, Exists(path))
	assert.False(t, Exists(path+".missing"))
}

func TestPendingWrites(t *testing.T) {
	clock := time.Unix(1000, 0)
	p := NewPendingWrites(500 * time.Millisecond)
	p.now = func() time.Time { return clock }

	assert.False(t, p.Suppressed("/x/a.js"))

	p.Mark("/x/a.js")
	assert.True(t, p.Suppressed("/x/./a.js"))

	clock = clock.Add(400 * time.Millisecond)
	assert.True(t, p.Suppressed("/x/a.js"))

	clock = clock.Add(200 * time.Millisecond)
	assert.False(t, p.Suppressed("/x/a.js"))
}

func TestPendingWritesRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	p := NewPendingWrites(time.Second)
	require.NoError(t, p.Remove(path))
	require.NoError(t, p.Remove(path))
	assert.False(t, Exists(path))
	assert.True(t, p.Suppressed(path))
}
