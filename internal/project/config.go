package project

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/lobby-ws/gamedev-sub000/internal/fsutil"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// Fields that live on the server only and never appear in a disk config.
// Scripts are stored as files, versions are server counters.
var serverOnlyFields = map[string]bool{
	"script":      true,
	"scriptEntry": true,
	"scriptFiles": true,
	"scriptRef":   true,
	"version":     true,
}

// ToConfig converts a remote blueprint to its disk config form.
func ToConfig(bp admin.Blueprint) map[string]any {
	cfg := make(map[string]any, len(bp))
	for k, v := range bp.Clone() {
		if serverOnlyFields[k] || v == nil {
			continue
		}
		cfg[k] = v
	}
	return cfg
}

// Placement is where a blueprint's config lives on disk.
type Placement struct {
	App      string
	FileBase string
}

// RelPath returns the project-relative config path.
func (p Placement) RelPath() string { return ConfigRelPath(p.App, p.FileBase) }

// Place decides the config location for a remote blueprint. A blueprint
// already in the index keeps its path. A script-group variant lands in its
// main's app directory; anything else is placed by splitting its id.
func Place(idx *IdentityIndex, id, mainID string) Placement {
	if rel, ok := idx.PathOf(id); ok {
		parts := strings.Split(rel, "/")
		if len(parts) == 3 && parts[0] == AppsDir {
			return Placement{App: parts[1], FileBase: strings.TrimSuffix(parts[2], filepath.Ext(parts[2]))}
		}
	}
	app, base := SplitID(id)
	if mainID != "" && mainID != id {
		mainApp := Place(idx, mainID, "").App
		if mainApp != app {
			if strings.HasPrefix(id, mainApp+"__") {
				base = safeSegment(strings.TrimPrefix(id, mainApp+"__"))
			}
			app = mainApp
		}
	}
	return Placement{App: app, FileBase: base}
}

// WriteConfig writes cfg to apps/<app>/<base>.json through pw and records it
// in the index.
func WriteConfig(root string, idx *IdentityIndex, pw *fsutil.PendingWrites, place Placement, cfg map[string]any) (string, error) {
	path := filepath.Join(root, filepath.FromSlash(place.RelPath()))
	data, err := fsutil.MarshalIndent(cfg)
	if err != nil {
		return "", err
	}
	if existing, err := os.ReadFile(path); err == nil && string(existing) == string(data) {
		recordConfig(idx, cfg, place)
		return path, nil
	}
	if pw != nil {
		err = pw.WriteFile(path, data, 0o644)
	} else {
		err = fsutil.WriteFileAtomic(path, data, 0o644)
	}
	if err != nil {
		return "", err
	}
	recordConfig(idx, cfg, place)
	return path, nil
}

func recordConfig(idx *IdentityIndex, cfg map[string]any, place Placement) {
	if idx == nil {
		return
	}
	id, _ := cfg["id"].(string)
	uid, _ := cfg["uid"].(string)
	if id != "" {
		idx.Record(id, place.RelPath(), uid, IdentitySignature(cfg))
	}
}

// RemoveConfig deletes the config recorded for id and forgets it.
func RemoveConfig(root string, idx *IdentityIndex, pw *fsutil.PendingWrites, id string) error {
	rel, ok := idx.PathOf(id)
	if !ok {
		return nil
	}
	path := filepath.Join(root, filepath.FromSlash(rel))
	var err error
	if pw != nil {
		err = pw.Remove(path)
	} else if rmErr := removeIfExists(path); rmErr != nil {
		err = rmErr
	}
	if err != nil {
		return err
	}
	idx.Forget(id)
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
