package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lobby-ws/gamedev-sub000/internal/activity"
	"github.com/lobby-ws/gamedev-sub000/internal/assets"
	"github.com/lobby-ws/gamedev-sub000/internal/deploy"
	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/manifest"
	"github.com/lobby-ws/gamedev-sub000/internal/pathutil"
	"github.com/lobby-ws/gamedev-sub000/internal/project"
	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// Export writes the whole runtime into the project and resets the baseline
// to match. Repeating it against an unchanged runtime rewrites nothing.
func (s *Syncer) Export(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.remote.GetSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	if err := s.bindWorld(snap.WorldID); err != nil {
		return nil, err
	}
	ops, head, err := s.remote.GetChangesSince(ctx, s.state.Cursor(), changesPageSize)
	if err != nil {
		return nil, err
	}
	return s.export(ctx, snap, ops, head, true)
}

// export writes snap into the project. With push set, script groups the
// runtime holds in a shape a project build would not produce are deployed
// in that shape first, so the next pass finds nothing to change.
func (s *Syncer) export(ctx context.Context, snap *admin.Snapshot, ops []admin.Operation, head int64, push bool) (*Report, error) {
	report := &Report{WorldID: snap.WorldID, Initial: true}
	idx := project.LoadIdentityIndex(s.root)

	if fixups := groupFixups(snap.Blueprints); push && len(fixups) > 0 {
		result, err := s.deployer.Apply(ctx, &deploy.Batch{Upserts: fixups, Target: s.target, Note: groupFixupNote})
		report.Deploy = result
		if result != nil {
			report.Deployed = append(append(report.Deployed, result.Added...), result.Modified...)
		}
		if err != nil {
			return report, fmt.Errorf("failed to normalize script groups: %w", err)
		}
		s.logger.Printf("[Sync] Normalized %d script group member(s) in world %s", len(result.Applied), snap.WorldID)
		normalized := *snap
		normalized.Blueprints = withApplied(snap.Blueprints, result.Applied)
		snap = &normalized
	}

	exported, err := s.exportBlueprints(ctx, idx, snap.Blueprints, scriptMains(snap.Blueprints))
	if err != nil {
		return nil, err
	}
	report.Exported = exported

	m := manifest.FromSnapshot(snap.Settings, snap.Spawn, snap.Entities)
	changed, err := s.manifests.Write(m)
	if err != nil {
		return nil, err
	}
	report.ManifestWritten = changed

	s.state.Begin()
	for _, key := range s.state.Keys(syncstate.KindBlueprint) {
		s.state.Delete(syncstate.KindBlueprint, key)
	}
	for _, key := range s.state.Keys(syncstate.KindEntity) {
		s.state.Delete(syncstate.KindEntity, key)
	}
	for _, bp := range snap.Blueprints {
		s.state.Put(syncstate.KindBlueprint, bp.ID(), bp.UID(), syncstate.NormalizeBlueprint(bp))
	}
	for _, e := range snap.Entities {
		if e.ID() != "" {
			s.state.Put(syncstate.KindEntity, e.ID(), e.UID(), syncstate.NormalizeEntity(e))
		}
	}
	s.state.PutSettings(syncstate.NormalizeSettings(snap.Settings))
	s.state.PutSpawn(syncstate.NormalizeSpawn(snap.Spawn))
	s.state.AdvanceCursor(head)
	s.stampOps(ops)
	s.state.End()
	report.Cursor = s.state.Cursor()

	if err := idx.Save(s.root); err != nil {
		return nil, err
	}
	if err := s.state.Flush(); err != nil {
		return nil, err
	}

	s.logger.Printf("[Sync] Exported %d blueprint(s) and %d entities from world %s", len(exported), len(m.Entities), snap.WorldID)
	s.publish(ctx, &activity.Event{
		Type:    activity.TypeExport,
		Message: "exported runtime into project",
		Data:    map[string]any{"blueprints": len(exported), "entities": len(m.Entities)},
	})
	return report, nil
}

// exportBlueprints writes configs, scripts and assets for bps. Group mains
// are written before their variants so variants can be placed beside them.
func (s *Syncer) exportBlueprints(ctx context.Context, idx *project.IdentityIndex, bps []admin.Blueprint, mainOf map[string]string) ([]string, error) {
	if len(bps) == 0 {
		return nil, nil
	}
	clones := make([]admin.Blueprint, 0, len(bps))
	for _, bp := range bps {
		if bp.ID() != "" {
			clones = append(clones, bp.Clone())
		}
	}
	if err := s.assets.Localize(ctx, clones); err != nil {
		return nil, err
	}

	isVariant := func(bp admin.Blueprint) bool {
		main, ok := mainOf[bp.ID()]
		return ok && main != bp.ID()
	}
	sort.SliceStable(clones, func(i, j int) bool {
		vi, vj := isVariant(clones[i]), isVariant(clones[j])
		if vi != vj {
			return !vi
		}
		return clones[i].ID() < clones[j].ID()
	})

	ids := make([]string, 0, len(clones))
	for _, bp := range clones {
		id := bp.ID()
		place := project.Place(idx, id, mainOf[id])
		if !isVariant(bp) {
			if err := s.writeScripts(ctx, bp, place); err != nil {
				return ids, err
			}
		}
		if _, err := project.WriteConfig(s.root, idx, s.pw, place, project.ToConfig(bp)); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// writeScripts materializes a blueprint's script files. Files already on
// disk with the right hash are left alone, and app scripts the runtime no
// longer lists are removed.
func (s *Syncer) writeScripts(ctx context.Context, bp admin.Blueprint, place project.Placement) error {
	appDir := filepath.Join(s.root, project.AppsDir, place.App)
	files := bp.ScriptFiles()
	prune := true
	if len(files) == 0 {
		script := bp.Script()
		if !assets.IsAssetURL(script) {
			return nil
		}
		ext := assets.ExtFromURL(script)
		if ext == "" {
			ext = ".js"
		}
		files = map[string]string{"index" + ext: script}
		prune = false
	}

	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	wanted := make(map[string]bool, len(keys))
	for _, key := range keys {
		var dest string
		if strings.HasPrefix(key, pathutil.SharedPrefix) {
			canonical, ok := pathutil.CanonicalShared(key)
			if !ok {
				return errcode.Newf(errcode.ScriptDownloadFailed, "invalid shared script path %s", key)
			}
			dest = pathutil.SharedDiskPath(s.root, canonical)
		} else {
			rel, err := pathutil.Normalize(key)
			if err != nil || !pathutil.IsValidScriptPath(rel) {
				return errcode.Newf(errcode.ScriptDownloadFailed, "invalid script path %s", key)
			}
			dest = filepath.Join(appDir, filepath.FromSlash(rel))
			wanted[rel] = true
		}
		if err := s.writeScript(ctx, dest, files[key]); err != nil {
			return &errcode.Error{Code: errcode.ScriptDownloadFailed, Detail: key, Err: err}
		}
	}
	if prune {
		return s.pruneScripts(appDir, wanted)
	}
	return nil
}

func (s *Syncer) writeScript(ctx context.Context, dest, url string) error {
	if want, ok := assets.HashFromURL(url); ok {
		if got, err := s.hasher.HashFile(dest); err == nil && got == want {
			return nil
		}
	}
	data, err := s.assets.Fetch(ctx, url)
	if err != nil {
		return err
	}
	if existing, err := os.ReadFile(dest); err == nil && bytes.Equal(existing, data) {
		return nil
	}
	if err := s.pw.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	s.hasher.Forget(dest)
	return nil
}

// pruneScripts removes script files under appDir that are not in wanted.
func (s *Syncer) pruneScripts(appDir string, wanted map[string]bool) error {
	var stale []string
	err := filepath.WalkDir(appDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if p != appDir && (d.Name() == "node_modules" || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !pathutil.IsScriptFile(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(appDir, p)
		if err != nil {
			return err
		}
		if !wanted[filepath.ToSlash(rel)] {
			stale = append(stale, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range stale {
		if err := s.pw.Remove(p); err != nil {
			return err
		}
		s.hasher.Forget(p)
		s.logger.Printf("[Sync] Removed %s (no longer in runtime script)", p)
	}
	return nil
}
