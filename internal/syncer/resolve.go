package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lobby-ws/gamedev-sub000/internal/activity"
	"github.com/lobby-ws/gamedev-sub000/internal/deploy"
	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/manifest"
	"github.com/lobby-ws/gamedev-sub000/internal/project"
	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// Resolve settles one object on a chosen value. A nil value means the object
// should not exist. With push the runtime is updated to match; without it
// value is taken to already be the runtime's and only the project and the
// baseline change.
func (s *Syncer) Resolve(ctx context.Context, kind, id string, value map[string]any, push bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := project.LoadIdentityIndex(s.root)
	s.state.Begin()
	var err error
	switch kind {
	case syncstate.ArtifactBlueprint:
		err = s.resolveBlueprint(ctx, idx, id, value, push)
	case syncstate.ArtifactEntity:
		err = s.resolveEntity(ctx, id, value, push)
	case syncstate.ArtifactSettings:
		err = s.resolveSettings(ctx, value, push)
	case syncstate.ArtifactSpawn:
		err = s.resolveSpawn(ctx, value, push)
	default:
		err = errcode.New(errcode.UnsupportedConflictKind, kind)
	}
	s.state.End()

	if saveErr := idx.Save(s.root); saveErr != nil && err == nil {
		err = saveErr
	}
	if flushErr := s.state.Flush(); flushErr != nil && err == nil {
		err = flushErr
	}
	if err != nil {
		return err
	}
	s.publish(ctx, &activity.Event{Type: activity.TypeResolve, Kind: kind, ObjectID: id, Message: "conflict resolved", Data: map[string]any{"pushed": push}})
	return nil
}

func (s *Syncer) resolveBlueprint(ctx context.Context, idx *project.IdentityIndex, id string, value map[string]any, push bool) error {
	current, err := s.remote.GetBlueprint(ctx, id)
	if err != nil && !admin.IsNotFound(err) {
		return fmt.Errorf("failed to read blueprint %s: %w", id, err)
	}
	if admin.IsNotFound(err) {
		current = nil
	}

	if value == nil {
		if err := project.RemoveConfig(s.root, idx, s.pw, id); err != nil {
			return err
		}
		if push && current != nil {
			if _, err := s.deployer.Apply(ctx, &deploy.Batch{
				Removals: []deploy.Removal{{ID: id, Scope: current.Scope()}},
				Target:   s.target,
				Note:     "conflict resolution",
			}); err != nil {
				return err
			}
		}
		s.settleBlueprint(id, nil)
		return nil
	}

	bp := admin.Blueprint(value).Clone()
	bp["id"] = id
	if _, err := s.exportBlueprints(ctx, idx, []admin.Blueprint{bp}, scriptMains([]admin.Blueprint{bp})); err != nil {
		return err
	}
	if !push {
		s.settleBlueprint(id, syncstate.NormalizeBlueprint(bp))
		return nil
	}

	if err := idx.Save(s.root); err != nil {
		return err
	}
	proj, err := project.Scan(s.root, s.logger)
	if err != nil {
		return err
	}
	skipped := map[string]string{}
	lb := s.buildLocal(proj, skipped)[id]
	if lb == nil {
		return fmt.Errorf("failed to build blueprint %s: %s", id, skipped[id])
	}
	result, err := s.deployer.Apply(ctx, &deploy.Batch{
		Upserts: []deploy.Upsert{{Blueprint: lb.payload, Current: current, Scripts: lb.scripts, Assets: lb.files}},
		Target:  s.target,
		Note:    "conflict resolution",
	})
	if err != nil {
		return err
	}
	s.settleBlueprint(id, syncstate.NormalizeBlueprint(result.Applied[id]))
	return nil
}

// worldManifest returns world.json, or the runtime's world when the file is
// missing.
func (s *Syncer) worldManifest(ctx context.Context) (*manifest.Manifest, *admin.Snapshot, error) {
	snap, err := s.remote.GetSnapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	m, err := s.manifests.Read()
	if manifest.IsMalformed(err) {
		return nil, nil, fmt.Errorf("fix %s before resolving world conflicts: %w", manifest.FileName, err)
	}
	if err != nil {
		return nil, nil, err
	}
	if m == nil {
		m = manifest.FromSnapshot(snap.Settings, snap.Spawn, snap.Entities)
	}
	return m, snap, nil
}

func (s *Syncer) resolveEntity(ctx context.Context, id string, value map[string]any, push bool) error {
	m, snap, err := s.worldManifest(ctx)
	if err != nil {
		return err
	}
	entities := make([]admin.Entity, 0, len(m.Entities)+1)
	placed := false
	for _, e := range m.Entities {
		if e.ID() != id {
			entities = append(entities, e)
			continue
		}
		if value != nil {
			entities = append(entities, manifest.NormalizeEntity(admin.Entity(value)))
			placed = true
		}
	}
	if value != nil && !placed {
		entities = append(entities, manifest.NormalizeEntity(admin.Entity(value)))
	}
	m.Entities = entities
	if _, err := s.manifests.Write(m); err != nil {
		return err
	}

	if push {
		var have map[string]any
		for _, e := range snap.Entities {
			if e.ID() == id {
				have = syncstate.NormalizeEntity(e)
			}
		}
		if op, ok := entityOp(id, syncstate.NormalizeEntity(admin.Entity(value)), have); ok {
			if _, err := s.deployer.Apply(ctx, &deploy.Batch{Entities: []deploy.EntityOp{op}}); err != nil {
				return err
			}
		}
	}

	if value == nil {
		if rec := s.state.Find(syncstate.KindEntity, id, ""); rec != nil {
			s.state.Delete(syncstate.KindEntity, syncstate.Key(rec.ID, rec.UID))
		}
		return nil
	}
	norm := syncstate.NormalizeEntity(admin.Entity(value))
	uid, _ := norm["uid"].(string)
	s.state.Put(syncstate.KindEntity, id, uid, norm)
	return nil
}

func (s *Syncer) resolveSettings(ctx context.Context, value map[string]any, push bool) error {
	m, snap, err := s.worldManifest(ctx)
	if err != nil {
		return err
	}
	want := syncstate.NormalizeSettings(value)
	m.Settings = want
	if _, err := s.manifests.Write(m); err != nil {
		return err
	}
	if push {
		if changes := settingsChanges(want, syncstate.NormalizeSettings(snap.Settings)); changes != nil {
			if _, err := s.deployer.Apply(ctx, &deploy.Batch{Settings: changes}); err != nil {
				return err
			}
		}
	}
	s.state.PutSettings(want)
	return nil
}

func (s *Syncer) resolveSpawn(ctx context.Context, value map[string]any, push bool) error {
	if value == nil {
		return errcode.New(errcode.ConflictMissingMergedValue, "spawn cannot be removed")
	}
	spawn, err := spawnFromValue(value)
	if err != nil {
		return err
	}
	m, _, err := s.worldManifest(ctx)
	if err != nil {
		return err
	}
	m.Spawn = spawn
	if _, err := s.manifests.Write(m); err != nil {
		return err
	}
	if push {
		if _, err := s.deployer.Apply(ctx, &deploy.Batch{Spawn: &spawn}); err != nil {
			return err
		}
	}
	s.state.PutSpawn(syncstate.NormalizeSpawn(spawn))
	return nil
}

func spawnFromValue(value map[string]any) (admin.Spawn, error) {
	var spawn admin.Spawn
	data, err := json.Marshal(value)
	if err != nil {
		return spawn, err
	}
	if err := json.Unmarshal(data, &spawn); err != nil {
		return spawn, fmt.Errorf("invalid spawn: %w", err)
	}
	if err := spawn.Validate(); err != nil {
		return spawn, err
	}
	return spawn, nil
}
