package project

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/lobby-ws/gamedev-sub000/internal/fsutil"
	"github.com/lobby-ws/gamedev-sub000/internal/hashutil"
)

// IndexEntry is what the identity index remembers about one blueprint id.
type IndexEntry struct {
	Path      string `json:"path"`
	UID       string `json:"uid,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// IdentityIndex keeps blueprint ids stable across renames and moves. It is
// persisted at .lobby/blueprint-index.json.
type IdentityIndex struct {
	ByID        map[string]IndexEntry `json:"byId"`
	ByUID       map[string]string     `json:"byUid"`
	ByPath      map[string]string     `json:"byPath"`
	BySignature map[string]string     `json:"bySignature"`
}

// NewIdentityIndex returns an empty index.
func NewIdentityIndex() *IdentityIndex {
	return &IdentityIndex{
		ByID:        make(map[string]IndexEntry),
		ByUID:       make(map[string]string),
		ByPath:      make(map[string]string),
		BySignature: make(map[string]string),
	}
}

// IndexPath returns the index location under root.
func IndexPath(root string) string {
	return filepath.Join(root, StateDir, IndexFile)
}

// LoadIdentityIndex reads the index. A missing or unreadable file yields an
// empty index.
func LoadIdentityIndex(root string) *IdentityIndex {
	idx := NewIdentityIndex()
	if err := fsutil.ReadJSON(IndexPath(root), idx); err != nil {
		return NewIdentityIndex()
	}
	if idx.ByID == nil {
		idx.ByID = make(map[string]IndexEntry)
	}
	if idx.ByUID == nil {
		idx.ByUID = make(map[string]string)
	}
	if idx.ByPath == nil {
		idx.ByPath = make(map[string]string)
	}
	if idx.BySignature == nil {
		idx.BySignature = make(map[string]string)
	}
	return idx
}

// Save writes the index atomically.
func (idx *IdentityIndex) Save(root string) error {
	return fsutil.WriteJSONAtomic(IndexPath(root), idx)
}

// Record points every key of the blueprint at id, dropping stale keys that
// previously pointed at it.
func (idx *IdentityIndex) Record(id, relPath, uid, signature string) {
	idx.unlink(id)
	idx.ByID[id] = IndexEntry{Path: relPath, UID: uid, Signature: signature}
	if relPath != "" {
		idx.ByPath[relPath] = id
	}
	if uid != "" {
		idx.ByUID[uid] = id
	}
	if signature != "" {
		idx.BySignature[signature] = id
	}
}

// Forget removes id and its keys.
func (idx *IdentityIndex) Forget(id string) {
	idx.unlink(id)
	delete(idx.ByID, id)
}

func (idx *IdentityIndex) unlink(id string) {
	prev, ok := idx.ByID[id]
	if !ok {
		return
	}
	if idx.ByPath[prev.Path] == id {
		delete(idx.ByPath, prev.Path)
	}
	if prev.UID != "" && idx.ByUID[prev.UID] == id {
		delete(idx.ByUID, prev.UID)
	}
	if prev.Signature != "" && idx.BySignature[prev.Signature] == id {
		delete(idx.BySignature, prev.Signature)
	}
}

// PathOf returns the recorded project-relative config path for id.
func (idx *IdentityIndex) PathOf(id string) (string, bool) {
	entry, ok := idx.ByID[id]
	if !ok || entry.Path == "" {
		return "", false
	}
	return entry.Path, true
}

// IDs returns every indexed id, sorted.
func (idx *IdentityIndex) IDs() []string {
	out := make([]string, 0, len(idx.ByID))
	for id := range idx.ByID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IdentitySignature is createdAt when present, else a hash of the config
// without its id and uid.
func IdentitySignature(cfg map[string]any) string {
	if createdAt, ok := cfg["createdAt"].(string); ok && createdAt != "" {
		return "createdAt:" + createdAt
	}
	stripped := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if k == "id" || k == "uid" {
			continue
		}
		stripped[k] = v
	}
	h, err := hashutil.HashValue(stripped)
	if err != nil {
		return ""
	}
	return "sha256:" + h
}

// DeriveID builds the id for apps/<app>/<base>.json when nothing else
// identifies it.
func DeriveID(app, base string) string {
	if base == SceneID {
		return SceneID
	}
	if base == app {
		return app
	}
	return app + "__" + base
}

// resolver assigns ids during one scan.
type resolver struct {
	root    string
	idx     *IdentityIndex
	claimed map[string]string
}

func (r *resolver) claim(id, relPath string) bool {
	if owner, taken := r.claimed[id]; taken && owner != relPath {
		return false
	}
	r.claimed[id] = relPath
	return true
}

// resolve applies explicit id, uid, path, signature, then derived id. Index
// hits that are already claimed by another file in this scan are skipped. A
// signature hit is only trusted when the file it was recorded for is gone, so
// copies of a blueprint do not steal the original's id.
func (r *resolver) resolve(cfg map[string]any, relPath, app, base, signature string) (id string, explicit bool) {
	if explicitID, ok := cfg["id"].(string); ok && explicitID != "" {
		return explicitID, true
	}
	if uid, ok := cfg["uid"].(string); ok && uid != "" {
		if id, ok := r.idx.ByUID[uid]; ok && r.available(id, relPath) {
			return id, false
		}
	}
	if id, ok := r.idx.ByPath[relPath]; ok && r.available(id, relPath) {
		return id, false
	}
	if signature != "" {
		if id, ok := r.idx.BySignature[signature]; ok && r.available(id, relPath) {
			prev := r.idx.ByID[id].Path
			if prev == "" || prev == relPath || !fileExists(filepath.Join(r.root, filepath.FromSlash(prev))) {
				return id, false
			}
		}
	}
	return DeriveID(app, base), false
}

func (r *resolver) available(id, relPath string) bool {
	owner, taken := r.claimed[id]
	return !taken || owner == relPath
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
