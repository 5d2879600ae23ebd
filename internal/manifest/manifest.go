// Package manifest reads and writes world.json: world settings, the spawn
// point and the placed entities.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/lobby-ws/gamedev-sub000/internal/fsutil"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// FileName is the manifest's name under the project root.
const FileName = "world.json"

// FormatVersion is the only manifest layout this package reads or writes.
const FormatVersion = 2

// runtimeOnlyFields never leave the runtime.
var runtimeOnlyFields = []string{"mover", "uploader", "type"}

// Manifest is the decoded world.json.
type Manifest struct {
	FormatVersion int            `json:"formatVersion"`
	Settings      map[string]any `json:"settings"`
	Spawn         admin.Spawn    `json:"spawn"`
	Entities      []admin.Entity `json:"entities"`
}

// DefaultSpawn is the origin facing forward.
func DefaultSpawn() admin.Spawn {
	return admin.Spawn{Position: []float64{0, 0, 0}, Quaternion: []float64{0, 0, 0, 1}}
}

// Empty returns a manifest with no settings and no entities.
func Empty() *Manifest {
	return &Manifest{
		FormatVersion: FormatVersion,
		Settings:      map[string]any{},
		Spawn:         DefaultSpawn(),
		Entities:      []admin.Entity{},
	}
}

// Clone deep-copies m.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	out := &Manifest{
		FormatVersion: m.FormatVersion,
		Settings:      cloneMap(m.Settings),
		Spawn: admin.Spawn{
			Position:   append([]float64(nil), m.Spawn.Position...),
			Quaternion: append([]float64(nil), m.Spawn.Quaternion...),
		},
		Entities: make([]admin.Entity, 0, len(m.Entities)),
	}
	for _, e := range m.Entities {
		out.Entities = append(out.Entities, e.Clone())
	}
	return out
}

// Entity returns the entity with id, or nil.
func (m *Manifest) Entity(id string) admin.Entity {
	for _, e := range m.Entities {
		if e.ID() == id {
			return e
		}
	}
	return nil
}

// EntityIDs returns the entity ids in manifest order.
func (m *Manifest) EntityIDs() []string {
	ids := make([]string, 0, len(m.Entities))
	for _, e := range m.Entities {
		ids = append(ids, e.ID())
	}
	return ids
}

// NormalizeEntity returns the manifest form of a runtime entity: runtime-only
// fields dropped and missing transforms, props and state defaulted.
func NormalizeEntity(e admin.Entity) admin.Entity {
	out := e.Clone()
	for _, k := range runtimeOnlyFields {
		delete(out, k)
	}
	defaultVec(out, "position", 0, 0, 0)
	defaultVec(out, "quaternion", 0, 0, 0, 1)
	defaultVec(out, "scale", 1, 1, 1)
	if _, ok := out["pinned"].(bool); !ok {
		out["pinned"] = false
	}
	if _, ok := out["props"].(map[string]any); !ok {
		out["props"] = map[string]any{}
	}
	if _, ok := out["state"].(map[string]any); !ok {
		out["state"] = map[string]any{}
	}
	return out
}

func defaultVec(e admin.Entity, key string, values ...float64) {
	switch v := e[key].(type) {
	case []any:
		if len(v) == len(values) {
			return
		}
	case []float64:
		if len(v) == len(values) {
			vec := make([]any, len(v))
			for i, c := range v {
				vec[i] = c
			}
			e[key] = vec
			return
		}
	}
	vec := make([]any, len(values))
	for i, v := range values {
		vec[i] = v
	}
	e[key] = vec
}

// RemoteEntity converts a manifest entity into the payload for entity_add.
func RemoteEntity(e admin.Entity) admin.Entity {
	out := NormalizeEntity(e)
	out["type"] = "app"
	return out
}

// FromSnapshot builds a manifest from runtime state. Entities are sorted by
// id so repeated exports are byte-identical.
func FromSnapshot(settings map[string]any, spawn admin.Spawn, entities []admin.Entity) *Manifest {
	m := Empty()
	if settings != nil {
		m.Settings = cloneMap(settings)
	}
	if spawn.Validate() == nil {
		m.Spawn = admin.Spawn{
			Position:   append([]float64(nil), spawn.Position...),
			Quaternion: append([]float64(nil), spawn.Quaternion...),
		}
	}
	for _, e := range entities {
		if e.ID() == "" {
			continue
		}
		m.Entities = append(m.Entities, NormalizeEntity(e))
	}
	sort.SliceStable(m.Entities, func(i, j int) bool { return m.Entities[i].ID() < m.Entities[j].ID() })
	return m
}

// Validate returns every problem found in m. An empty result means m is
// acceptable to write and push.
func Validate(m *Manifest) []string {
	if m == nil {
		return []string{"manifest is empty"}
	}
	var errs []string
	if m.FormatVersion != FormatVersion {
		errs = append(errs, fmt.Sprintf("formatVersion must be %d, got %d", FormatVersion, m.FormatVersion))
	}
	if m.Settings == nil {
		errs = append(errs, "settings must be an object")
	}
	if len(m.Spawn.Position) != 3 {
		errs = append(errs, "spawn.position must be an array of 3 numbers")
	}
	if len(m.Spawn.Quaternion) != 4 {
		errs = append(errs, "spawn.quaternion must be an array of 4 numbers")
	}

	seen := make(map[string]bool, len(m.Entities))
	for i, e := range m.Entities {
		label := fmt.Sprintf("entities[%d]", i)
		id := e.ID()
		if id == "" {
			errs = append(errs, label+".id must be a non-empty string")
		} else {
			label = fmt.Sprintf("entity %q", id)
			if seen[id] {
				errs = append(errs, label+" is duplicated")
			}
			seen[id] = true
		}
		if e.BlueprintID() == "" {
			errs = append(errs, label+".blueprint must be a non-empty string")
		}
		for key, n := range map[string]int{"position": 3, "quaternion": 4, "scale": 3} {
			if _, present := e[key]; present && !isVector(e[key], n) {
				errs = append(errs, fmt.Sprintf("%s.%s must be an array of %d numbers", label, key, n))
			}
		}
		if p, present := e["pinned"]; present {
			if _, ok := p.(bool); !ok {
				errs = append(errs, label+".pinned must be a boolean")
			}
		}
		for _, key := range []string{"props", "state"} {
			v, present := e[key]
			if !present || v == nil {
				continue
			}
			if _, ok := v.(map[string]any); !ok {
				errs = append(errs, fmt.Sprintf("%s.%s must be an object", label, key))
				continue
			}
			if _, err := json.Marshal(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s.%s is not serializable: %v", label, key, err))
			}
		}
	}
	sort.Strings(errs)
	return errs
}

func isVector(v any, n int) bool {
	switch vec := v.(type) {
	case []any:
		if len(vec) != n {
			return false
		}
		for _, c := range vec {
			if _, ok := c.(float64); !ok {
				return false
			}
		}
		return true
	case []float64:
		return len(vec) == n
	}
	return false
}

// Store reads and writes the project's world.json.
type Store struct {
	path   string
	pw     *fsutil.PendingWrites
	logger *log.Logger
}

// NewStore creates a Store for root. pw may be nil.
func NewStore(root string, pw *fsutil.PendingWrites, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{path: filepath.Join(root, FileName), pw: pw, logger: logger}
}

// Path returns the manifest's absolute path.
func (s *Store) Path() string { return s.path }

// MalformedError reports a world.json that exists but does not parse.
type MalformedError struct {
	Path string
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed %s: %v", filepath.Base(e.Path), e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a *MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

// Read parses world.json. A missing file yields a nil manifest and no error.
// A file that does not parse yields a *MalformedError so callers can leave
// it alone instead of treating it as absent.
func (s *Store) Read() (*Manifest, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}
	m, err := Parse(data)
	if err != nil {
		s.logger.Printf("[Manifest] %s does not parse: %v", FileName, err)
		return nil, &MalformedError{Path: s.path, Err: err}
	}
	return m, nil
}

// Parse decodes manifest bytes. Settings stay as decoded so Validate can
// reject a missing or null settings object.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m.Entities == nil {
		m.Entities = []admin.Entity{}
	}
	return &m, nil
}

// Encode renders m the way Write stores it.
func Encode(m *Manifest) ([]byte, error) {
	return fsutil.MarshalIndent(m)
}

// Write stores m atomically. It reports false without touching the file when
// the content is already identical.
func (s *Store) Write(m *Manifest) (bool, error) {
	data, err := Encode(m)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s: %w", FileName, err)
	}
	if existing, err := os.ReadFile(s.path); err == nil && bytes.Equal(existing, data) {
		return false, nil
	}
	if s.pw != nil {
		err = s.pw.WriteFile(s.path, data, 0o644)
	} else {
		err = fsutil.WriteFileAtomic(s.path, data, 0o644)
	}
	if err != nil {
		return false, fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return true, nil
}

func cloneMap(m map[string]any) map[string]any {
	return map[string]any(admin.Entity(m).Clone())
}
