// Package hashutil provides the content hashing primitives shared by the sync
// engine: SHA-256 hex digests, canonical ("stable") JSON, and a cached file
// hasher used when scanning scripts and assets.
package hashutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// bufferSize is the buffer size for streaming file reads.
const bufferSize = 32 * 1024

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA256Reader streams r through SHA-256 and returns the lowercase hex digest.
func SHA256Reader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256File hashes the file at path without loading it fully into memory.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return SHA256Reader(f)
}

// StableJSON renders v as canonical JSON: object keys sorted recursively,
// array order preserved, no HTML escaping, no trailing newline.
//
// Structs are first flattened to their generic JSON form so two values with
// the same JSON shape always render identically regardless of Go type.
func StableJSON(v any) ([]byte, error) {
	generic, err := ToGeneric(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("failed to encode stable JSON: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ToGeneric converts v to the map[string]any / []any / float64 / string / bool
// tree encoding/json produces when decoding into an interface.
func ToGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	return out, nil
}

// HashValue returns sha256(StableJSON(v)). A nil value hashes to "".
func HashValue(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := StableJSON(v)
	if err != nil {
		return "", err
	}
	return SHA256Hex(data), nil
}

// MustHashValue is HashValue for values already known to be JSON-safe
// (decoded from JSON). It panics on marshal failure.
func MustHashValue(v any) string {
	h, err := HashValue(v)
	if err != nil {
		panic(err)
	}
	return h
}

// Equal reports whether a and b have the same canonical JSON form.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ja, errA := StableJSON(a)
	jb, errB := StableJSON(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
