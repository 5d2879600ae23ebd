// Package fsutil provides atomic file writes and tracking of writes made by
// the sync engine itself so the file watcher can ignore their echoes.
package fsutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WriteFileAtomic writes data to a sibling temp file and renames it over path.
// Parent directories are created as needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp := fmt.Sprintf("%s.tmp-%s", path, uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}
	return nil
}

// MarshalIndent encodes v as two-space indented JSON with a trailing newline
// and without HTML escaping.
func MarshalIndent(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteJSONAtomic writes v as indented JSON via WriteFileAtomic.
func WriteJSONAtomic(path string, v any) error {
	data, err := MarshalIndent(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data, 0o644)
}

// ReadJSON decodes the JSON file at path into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DefaultPendingTTL is how long a self-inflicted write is remembered.
const DefaultPendingTTL = 500 * time.Millisecond

// PendingWrites remembers paths recently written by the engine. A watcher
// event for a marked path within the TTL is considered an echo.
type PendingWrites struct {
	mu    sync.Mutex
	ttl   time.Duration
	marks map[string]time.Time
	now   func() time.Time
}

// NewPendingWrites creates a tracker with the given TTL.
func NewPendingWrites(ttl time.Duration) *PendingWrites {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &PendingWrites{
		ttl:   ttl,
		marks: make(map[string]time.Time),
		now:   time.Now,
	}
}

// Mark records a write to path.
func (p *PendingWrites) Mark(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[filepath.Clean(path)] = p.now().Add(p.ttl)
}

// Suppressed reports whether an event for path should be ignored. Expired
// marks are dropped as they are seen.
func (p *PendingWrites) Suppressed(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := filepath.Clean(path)
	until, ok := p.marks[key]
	if !ok {
		return false
	}
	if p.now().After(until) {
		delete(p.marks, key)
		return false
	}
	return true
}

// WriteFile is WriteFileAtomic plus Mark.
func (p *PendingWrites) WriteFile(path string, data []byte, perm os.FileMode) error {
	p.Mark(path)
	return WriteFileAtomic(path, data, perm)
}

// Remove deletes path after marking it.
func (p *PendingWrites) Remove(path string) error {
	p.Mark(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
