package hashutil

import (
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultFileCacheSize bounds how many file digests a FileHasher remembers.
const DefaultFileCacheSize = 4096

type fileDigest struct {
	size    int64
	modTime time.Time
	hash    string
}

// FileHasher hashes files and memoizes results keyed by path. A cached digest
// is reused only while the file's size and modification time are unchanged.
// Safe for concurrent use.
type FileHasher struct {
	cache *lru.Cache[string, fileDigest]
}

// NewFileHasher creates a hasher remembering up to size digests.
func NewFileHasher(size int) *FileHasher {
	if size <= 0 {
		size = DefaultFileCacheSize
	}
	cache, err := lru.New[string, fileDigest](size)
	if err != nil {
		// lru.New only fails for non-positive sizes.
		panic(fmt.Sprintf("hashutil: %v", err))
	}
	return &FileHasher{cache: cache}
}

// HashFile returns the SHA-256 hex digest of the file at path.
func (h *FileHasher) HashFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	if d, ok := h.cache.Get(path); ok && d.size == info.Size() && d.modTime.Equal(info.ModTime()) {
		return d.hash, nil
	}

	hash, err := SHA256File(path)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	h.cache.Add(path, fileDigest{size: info.Size(), modTime: info.ModTime(), hash: hash})
	return hash, nil
}

// Forget drops any cached digest for path.
func (h *FileHasher) Forget(path string) {
	h.cache.Remove(path)
}
