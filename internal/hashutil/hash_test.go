package hashutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSHA256Hex(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", SHA256Hex(nil))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", SHA256Hex([]byte("hello")))
}

func TestStableJSON(t *testing.T) {
	t.Run("sorts keys recursively", func(t *testing.T) {
		v := map[string]any{
			"b": 1,
			"a": map[string]any{"z": true, "y": []any{3, 2, 1}},
		}
		out, err := StableJSON(v)
		require.NoError(t, err)
		assert.Equal(t, `{"a":{"y":[3,2,1],"z":true},"b":1}`, string(out))
	})

	t.Run("does not escape html", func(t *testing.T) {
		out, err := StableJSON(map[string]any{"s": "<a&b>"})
		require.NoError(t, err)
		assert.Equal(t, `{"s":"<a&b>"}`, string(out))
	})

	t.Run("structs and maps with same shape render identically", func(t *testing.T) {
		type pair struct {
			B int    `json:"b"`
			A string `json:"a"`
		}
		fromStruct, err := StableJSON(pair{B: 2, A: "x"})
		require.NoError(t, err)
		fromMap, err := StableJSON(map[string]any{"a": "x", "b": 2.0})
		require.NoError(t, err)
		assert.Equal(t, string(fromMap), string(fromStruct))
	})
}

func TestHashValue(t *testing.T) {
	h1, err := HashValue(map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	h2, err := HashValue(map[string]any{"y": 2, "x": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	empty, err := HashValue(nil)
	require.NoError(t, err)
	assert.Equal(t, "", empty)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(nil, map[string]any{}))
	assert.True(t, Equal([]any{1.0, 2.0}, []int{1, 2}))
	assert.False(t, Equal([]any{1, 2}, []any{2, 1}))
}

func TestFileHasher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	h := NewFileHasher(8)
	got, err := h.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, SHA256Hex([]byte("hello")), got)

	// Different size invalidates the cached digest.
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))
	got, err = h.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, SHA256Hex([]byte("hello world")), got)

	_, err = h.HashFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
