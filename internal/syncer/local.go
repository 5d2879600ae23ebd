package syncer

import (
	"github.com/lobby-ws/gamedev-sub000/internal/assets"
	"github.com/lobby-ws/gamedev-sub000/internal/bundler"
	"github.com/lobby-ws/gamedev-sub000/internal/deploy"
	"github.com/lobby-ws/gamedev-sub000/internal/manifest"
	"github.com/lobby-ws/gamedev-sub000/internal/project"
	"github.com/lobby-ws/gamedev-sub000/internal/reconcile"
	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// Script fields a local config never supplies; the bundler fills them in.
var bundledFields = []string{"script", "scriptEntry", "scriptFiles", "scriptRef"}

// localBlueprint is a project blueprint in deployable form.
type localBlueprint struct {
	source  *project.Blueprint
	payload admin.Blueprint
	scripts []assets.File
	files   []assets.File
}

// buildLocal bundles every app and turns each config into the payload the
// runtime would hold. Apps that fail to bundle are recorded in skipped and
// left out.
func (s *Syncer) buildLocal(proj *project.Projection, skipped map[string]string) map[string]*localBlueprint {
	out := make(map[string]*localBlueprint, len(proj.Blueprints))
	var payloads []admin.Blueprint

	for _, name := range proj.AppNames() {
		app := proj.Apps[name]
		if len(app.Blueprints) == 0 {
			continue
		}
		var res *bundler.Result
		if app.EntryPath != "" {
			built, err := s.bundler.Build(app, app.ScriptFormat)
			if err != nil {
				s.logger.Printf("[Sync] Skipping app %s: %v", name, err)
				for _, bp := range app.Blueprints {
					skipped[bp.ID] = err.Error()
				}
				continue
			}
			res = built
		}

		for _, bp := range app.Blueprints {
			payload := admin.Blueprint(bp.Config).Clone()
			delete(payload, "version")
			for _, f := range bundledFields {
				delete(payload, f)
			}
			lb := &localBlueprint{source: bp, payload: payload}
			if res != nil {
				files := make(map[string]any, len(res.ScriptFiles))
				for k, v := range res.ScriptFiles {
					files[k] = v
				}
				payload["script"] = res.ScriptURL
				payload["scriptEntry"] = res.ScriptEntry
				payload["scriptFiles"] = files
				payload["scriptFormat"] = res.ScriptFormat
				for _, up := range res.Uploads {
					lb.scripts = append(lb.scripts, assets.File{Path: up.Path, Hash: up.Hash, Filename: up.Filename})
				}
			}
			refs, err := s.assets.PrepareBlueprint(payload)
			if err != nil {
				s.logger.Printf("[Sync] Skipping blueprint %s: %v", bp.ID, err)
				skipped[bp.ID] = err.Error()
				continue
			}
			lb.files = refs
			out[bp.ID] = lb
			payloads = append(payloads, payload)
		}
	}

	fileBase := func(id string) string {
		if bp, ok := proj.Blueprint(id); ok {
			return bp.FileBase
		}
		return project.DefaultFileBase(id)
	}
	for id, main := range project.ApplyScriptGroups(payloads, fileBase) {
		if id != main {
			out[id].scripts = nil
		}
	}
	for _, lb := range out {
		for k, v := range lb.payload {
			if v == nil {
				delete(lb.payload, k)
			}
		}
	}
	return out
}

// localSide is the local half of a reconcile. Without world.json the world
// fields fall back to the baseline so they read as unchanged.
func (s *Syncer) localSide(locals map[string]*localBlueprint, m *manifest.Manifest) reconcile.Side {
	side := reconcile.Side{
		Blueprints: make(map[string]map[string]any, len(locals)),
		Entities:   map[string]map[string]any{},
	}
	for id, lb := range locals {
		side.Blueprints[id] = syncstate.NormalizeBlueprint(lb.payload)
	}
	if m != nil {
		for _, e := range m.Entities {
			if id := e.ID(); id != "" {
				side.Entities[id] = syncstate.NormalizeEntity(e)
			}
		}
		side.Settings = syncstate.NormalizeSettings(m.Settings)
		side.Spawn = syncstate.NormalizeSpawn(m.Spawn)
		return side
	}
	for _, key := range s.state.Keys(syncstate.KindEntity) {
		rec := s.state.Get(syncstate.KindEntity, key)
		if v := rec.ValueMap(); v != nil && rec.ID != "" {
			side.Entities[rec.ID] = v
		}
	}
	side.Settings = s.state.Settings().ValueMap()
	side.Spawn = s.state.Spawn().ValueMap()
	return side
}

// remoteSide is the runtime half of a reconcile.
func remoteSide(snap *admin.Snapshot) reconcile.Side {
	side := reconcile.Side{
		Blueprints: make(map[string]map[string]any, len(snap.Blueprints)),
		Entities:   make(map[string]map[string]any, len(snap.Entities)),
		Settings:   syncstate.NormalizeSettings(snap.Settings),
		Spawn:      syncstate.NormalizeSpawn(snap.Spawn),
	}
	for _, bp := range snap.Blueprints {
		if id := bp.ID(); id != "" {
			side.Blueprints[id] = syncstate.NormalizeBlueprint(bp)
		}
	}
	for _, e := range snap.Entities {
		if id := e.ID(); id != "" {
			side.Entities[id] = syncstate.NormalizeEntity(e)
		}
	}
	return side
}

// scriptMains maps every grouped blueprint to the id owning its script
// files. An explicit scriptRef wins over grouping.
func scriptMains(bps []admin.Blueprint) map[string]string {
	mainOf := make(map[string]string)
	for _, g := range project.ScriptGroups(bps, nil) {
		for _, id := range g.Members {
			mainOf[id] = g.Main
		}
	}
	for _, bp := range bps {
		if ref := bp.ScriptRef(); ref != "" {
			mainOf[bp.ID()] = ref
		}
	}
	return mainOf
}

// appBlueprints lists the blueprint ids that belong to the named apps: local
// configs in them, index entries pointing into them and remote blueprints
// that would be placed there.
func appBlueprints(proj *project.Projection, snap *admin.Snapshot, apps []string) map[string]bool {
	want := make(map[string]bool, len(apps))
	for _, a := range apps {
		want[a] = true
	}
	ids := make(map[string]bool)
	for _, bp := range proj.Blueprints {
		if want[bp.AppName] {
			ids[bp.ID] = true
		}
	}
	mainOf := scriptMains(snap.Blueprints)
	for _, bp := range snap.Blueprints {
		id := bp.ID()
		if want[project.Place(proj.Index, id, mainOf[id]).App] {
			ids[id] = true
		}
	}
	return ids
}

// groupFixups returns the upserts that give the runtime the same script
// group layout a project build produces: the main holds the script files
// and every other member carries scriptRef. Blueprints already in that
// shape are left out.
func groupFixups(bps []admin.Blueprint) []deploy.Upsert {
	current := make(map[string]admin.Blueprint, len(bps))
	fixed := make([]admin.Blueprint, 0, len(bps))
	for _, bp := range bps {
		if id := bp.ID(); id != "" {
			current[id] = bp
			fixed = append(fixed, bp.Clone())
		}
	}
	project.ApplyScriptGroups(fixed, nil)

	var out []deploy.Upsert
	for _, bp := range fixed {
		for k, v := range bp {
			if v == nil {
				delete(bp, k)
			}
		}
		have := current[bp.ID()]
		if syncstate.Hash(syncstate.NormalizeBlueprint(bp)) != syncstate.Hash(syncstate.NormalizeBlueprint(have)) {
			out = append(out, deploy.Upsert{Blueprint: bp, Current: have})
		}
	}
	return out
}

// withApplied returns bps with every blueprint in applied replacing the one
// of the same id, plus the applied blueprints bps did not have.
func withApplied(bps []admin.Blueprint, applied map[string]admin.Blueprint) []admin.Blueprint {
	out := make([]admin.Blueprint, 0, len(bps)+len(applied))
	seen := make(map[string]bool, len(bps))
	for _, bp := range bps {
		id := bp.ID()
		seen[id] = true
		if a, ok := applied[id]; ok {
			out = append(out, a)
			continue
		}
		out = append(out, bp)
	}
	for _, id := range sortedIDs(applied) {
		if !seen[id] {
			out = append(out, applied[id])
		}
	}
	return out
}
