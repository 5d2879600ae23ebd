package syncstate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/fsutil"
)

// ConflictsDir holds one JSON file per artifact under .lobby.
const ConflictsDir = "conflicts"

// MaxArtifacts bounds how many artifacts are kept on disk.
const MaxArtifacts = 100

// ArtifactFormatVersion is written to every artifact.
const ArtifactFormatVersion = 1

// Artifact statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Artifact kinds.
const (
	ArtifactBlueprint = "blueprint"
	ArtifactEntity    = "entity"
	ArtifactSettings  = "settings"
	ArtifactSpawn     = "spawn"
)

// FieldChange describes one field of a three-way merge.
type FieldChange struct {
	Path       string `json:"path"`
	Base       any    `json:"base"`
	Local      any    `json:"local"`
	Remote     any    `json:"remote"`
	Policy     string `json:"policy,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// Artifact is a persisted concurrent divergence awaiting a decision.
type Artifact struct {
	FormatVersion      int            `json:"formatVersion"`
	ID                 string         `json:"id"`
	Status             string         `json:"status"`
	CreatedAt          string         `json:"createdAt"`
	ResolvedAt         string         `json:"resolvedAt,omitempty"`
	ResolvedWith       string         `json:"resolvedWith,omitempty"`
	WorldID            string         `json:"worldId"`
	Reason             string         `json:"reason"`
	Cursor             int64          `json:"cursor"`
	Kind               string         `json:"kind"`
	ObjectID           string         `json:"objectId"`
	ObjectUID          string         `json:"objectUid,omitempty"`
	BaselineHash       string         `json:"baselineHash"`
	LocalHash          string         `json:"localHash"`
	RemoteHash         string         `json:"remoteHash"`
	Base               map[string]any `json:"base"`
	Local              map[string]any `json:"local"`
	Remote             map[string]any `json:"remote"`
	Merged             map[string]any `json:"merged,omitempty"`
	UnresolvedFields   []FieldChange  `json:"unresolvedFields"`
	AutoResolvedFields []FieldChange  `json:"autoResolvedFields"`
}

// IsOpen reports whether the artifact still needs a decision.
func (a *Artifact) IsOpen() bool { return a.Status != StatusResolved }

// Summary returns the state-file form of a.
func (a *Artifact) Summary() ConflictSummary {
	return ConflictSummary{
		ID:        a.ID,
		Kind:      a.Kind,
		ObjectID:  a.ObjectID,
		Reason:    a.Reason,
		CreatedAt: a.CreatedAt,
		Status:    a.Status,
	}
}

// ConflictStore reads and writes .lobby/conflicts/<id>.json.
type ConflictStore struct {
	dir string
	pw  *fsutil.PendingWrites
	now func() time.Time
	max int
}

// NewConflictStore creates a store for root. pw may be nil.
func NewConflictStore(root string, pw *fsutil.PendingWrites) *ConflictStore {
	return &ConflictStore{
		dir: filepath.Join(root, StateDir, ConflictsDir),
		pw:  pw,
		now: time.Now,
		max: MaxArtifacts,
	}
}

// Dir returns the artifact directory.
func (c *ConflictStore) Dir() string { return c.dir }

func (c *ConflictStore) path(id string) string {
	return filepath.Join(c.dir, id+".json")
}

func (c *ConflictStore) write(a *Artifact) error {
	data, err := fsutil.MarshalIndent(a)
	if err != nil {
		return fmt.Errorf("failed to encode conflict %s: %w", a.ID, err)
	}
	if c.pw != nil {
		return c.pw.WriteFile(c.path(a.ID), data, 0o644)
	}
	return fsutil.WriteFileAtomic(c.path(a.ID), data, 0o644)
}

// Save assigns an id and creation time to a new artifact, writes it and
// prunes the oldest artifacts beyond the cap.
func (c *ConflictStore) Save(a *Artifact) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt == "" {
		a.CreatedAt = c.now().UTC().Format(time.RFC3339Nano)
	}
	if a.Status == "" {
		a.Status = StatusOpen
	}
	a.FormatVersion = ArtifactFormatVersion
	if a.UnresolvedFields == nil {
		a.UnresolvedFields = []FieldChange{}
	}
	if a.AutoResolvedFields == nil {
		a.AutoResolvedFields = []FieldChange{}
	}
	if err := c.write(a); err != nil {
		return err
	}
	return c.prune()
}

// List returns artifacts sorted newest first. Resolved ones are included only
// when asked.
func (c *ConflictStore) List(includeResolved bool) ([]*Artifact, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}

	var out []*Artifact
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp-") {
			continue
		}
		var a Artifact
		if err := fsutil.ReadJSON(filepath.Join(c.dir, name), &a); err != nil {
			continue
		}
		if a.ID == "" {
			a.ID = strings.TrimSuffix(name, ".json")
		}
		if !includeResolved && !a.IsOpen() {
			continue
		}
		out = append(out, &a)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Get loads one artifact by exact id.
func (c *ConflictStore) Get(id string) (*Artifact, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, errcode.New(errcode.ConflictNotFound, id)
	}
	var a Artifact
	if err := fsutil.ReadJSON(c.path(id), &a); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errcode.New(errcode.ConflictNotFound, id)
		}
		return nil, fmt.Errorf("failed to read conflict %s: %w", id, err)
	}
	return &a, nil
}

// FindOpen returns the open artifact for an object, or nil.
func (c *ConflictStore) FindOpen(kind, objectID string) (*Artifact, error) {
	list, err := c.List(false)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		if a.Kind == kind && a.ObjectID == objectID {
			return a, nil
		}
	}
	return nil, nil
}

// MarkResolved records the decision on an artifact.
func (c *ConflictStore) MarkResolved(a *Artifact, with string) error {
	a.Status = StatusResolved
	a.ResolvedWith = with
	a.ResolvedAt = c.now().UTC().Format(time.RFC3339Nano)
	return c.write(a)
}

func (c *ConflictStore) prune() error {
	all, err := c.List(true)
	if err != nil || len(all) <= c.max {
		return err
	}
	for _, a := range all[c.max:] {
		if err := os.Remove(c.path(a.ID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to prune conflict %s: %w", a.ID, err)
		}
	}
	return nil
}
