package reconcile

import (
	"sort"

	"github.com/lobby-ws/gamedev-sub000/internal/hashutil"
	"github.com/lobby-ws/gamedev-sub000/internal/manifest"
	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// Side is one party's view of the world in normalized form (see
// syncstate.Normalize*). Maps are keyed by object id.
type Side struct {
	Blueprints map[string]map[string]any
	Entities   map[string]map[string]any
	Settings   map[string]any
	Spawn      map[string]any
}

// Baseline is the shared ancestor.
type Baseline interface {
	Find(kind syncstate.Kind, id, uid string) *syncstate.Record
	Settings() *syncstate.Record
	Spawn() *syncstate.Record
}

// Mode summarizes how a world-level field was settled.
type Mode string

// Modes.
const (
	ModeUnchanged Mode = "unchanged"
	ModeLocal     Mode = "local"
	ModeRemote    Mode = "remote"
	ModeMerged    Mode = "merged"
	ModeConflict  Mode = "conflict"
)

// MergedAction is a concurrently changed object merged without conflict.
type MergedAction struct {
	ID                string
	Merged            map[string]any
	LocalNeedsUpdate  bool
	RemoteNeedsUpdate bool
}

// BlueprintPlan lists blueprint work by direction.
type BlueprintPlan struct {
	LocalOnlyUpserts   []string
	LocalOnlyRemovals  []string
	RemoteOnlyUpserts  []string
	RemoteOnlyRemovals []string
	MergedActions      []MergedAction
}

// ManifestPlan lists world.json work.
type ManifestPlan struct {
	MergedManifest     *manifest.Manifest
	LocalOnly          bool
	RemoteOnly         bool
	SettingsMode       Mode
	SpawnMode          Mode
	LocalOnlyEntities  []string
	RemoteOnlyEntities []string
	MergedEntities     []MergedAction
}

// Conflict is an artifact precursor.
type Conflict struct {
	Kind         string
	ObjectID     string
	ObjectUID    string
	BaselineHash string
	LocalHash    string
	RemoteHash   string
	Base         map[string]any
	Local        map[string]any
	Remote       map[string]any
	Merged       map[string]any
	Unresolved   []syncstate.FieldChange
	AutoResolved []syncstate.FieldChange
}

// Artifact converts c into a storable conflict artifact.
func (c Conflict) Artifact(worldID string, cursor int64, reason string) *syncstate.Artifact {
	return &syncstate.Artifact{
		WorldID:            worldID,
		Reason:             reason,
		Cursor:             cursor,
		Kind:               c.Kind,
		ObjectID:           c.ObjectID,
		ObjectUID:          c.ObjectUID,
		BaselineHash:       c.BaselineHash,
		LocalHash:          c.LocalHash,
		RemoteHash:         c.RemoteHash,
		Base:               c.Base,
		Local:              c.Local,
		Remote:             c.Remote,
		Merged:             c.Merged,
		UnresolvedFields:   c.Unresolved,
		AutoResolvedFields: c.AutoResolved,
	}
}

// Plan is the reconciler's output.
type Plan struct {
	Blueprints BlueprintPlan
	Manifest   ManifestPlan
	Conflicts  []Conflict
}

// HasConflicts reports whether any object needs a decision.
func (p *Plan) HasConflicts() bool { return len(p.Conflicts) > 0 }

// IsEmpty reports whether applying the plan would change nothing.
func (p *Plan) IsEmpty() bool {
	b := p.Blueprints
	m := p.Manifest
	return len(b.LocalOnlyUpserts) == 0 && len(b.LocalOnlyRemovals) == 0 &&
		len(b.RemoteOnlyUpserts) == 0 && len(b.RemoteOnlyRemovals) == 0 &&
		len(b.MergedActions) == 0 && !m.LocalOnly && !m.RemoteOnly &&
		len(m.MergedEntities) == 0 && len(p.Conflicts) == 0
}

var blueprintExpand = map[string]bool{"props": true}

var entityExpand = map[string]bool{"props": true, "state": true}

// Reconcile compares both sides against the baseline.
func Reconcile(local, remote Side, base Baseline, policy Policy) *Plan {
	plan := &Plan{}
	reconcileBlueprints(plan, local, remote, base, policy)
	reconcileWorld(plan, local, remote, base, policy)
	return plan
}

func uidOf(values ...map[string]any) string {
	for _, v := range values {
		if uid, ok := v["uid"].(string); ok && uid != "" {
			return uid
		}
	}
	return ""
}

func ids(a, b map[string]map[string]any) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range []map[string]map[string]any{a, b} {
		for id := range m {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}

// objectOutcome is the shared classification + merge of one keyed object.
type objectOutcome struct {
	class    Class
	merge    *ObjectMerge
	conflict *Conflict
}

func reconcileObject(kind string, id string, baseRec *syncstate.Record, local, remote map[string]any, expand map[string]bool, owner func(string) Ownership) objectOutcome {
	baseValue := baseRec.ValueMap()
	baseHash := ""
	if baseRec != nil {
		baseHash = baseRec.Hash
	}
	localHash := syncstate.Hash(local)
	remoteHash := syncstate.Hash(remote)

	class := Classify(baseHash, localHash, remoteHash)
	out := objectOutcome{class: class}
	if class != ClassConcurrent {
		return out
	}

	conflict := &Conflict{
		Kind:         kind,
		ObjectID:     id,
		ObjectUID:    uidOf(local, remote, baseValue),
		BaselineHash: baseHash,
		LocalHash:    localHash,
		RemoteHash:   remoteHash,
		Base:         baseValue,
		Local:        local,
		Remote:       remote,
	}

	// A deletion on one side against a change on the other cannot be merged
	// field by field.
	if local == nil || remote == nil {
		conflict.Unresolved = []syncstate.FieldChange{{
			Path:       "",
			Base:       baseValue,
			Local:      anyOrNil(local),
			Remote:     anyOrNil(remote),
			Policy:     string(OwnerShared),
			Resolution: string(ResolvedConflict),
		}}
		conflict.AutoResolved = []syncstate.FieldChange{}
		out.conflict = conflict
		return out
	}

	merge := MergeFields(baseValue, local, remote, expand, owner)
	out.merge = merge
	if merge.HasConflicts() {
		conflict.Unresolved = merge.Unresolved
		conflict.AutoResolved = merge.AutoResolved
		if !hashutil.Equal(merge.Merged, local) && !hashutil.Equal(merge.Merged, remote) {
			conflict.Merged = merge.Merged
		}
		out.conflict = conflict
	}
	return out
}

func anyOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

func reconcileBlueprints(plan *Plan, local, remote Side, base Baseline, policy Policy) {
	bp := &plan.Blueprints
	for _, id := range ids(local.Blueprints, remote.Blueprints) {
		l, r := local.Blueprints[id], remote.Blueprints[id]
		rec := base.Find(syncstate.KindBlueprint, id, uidOf(l, r))
		o := reconcileObject(syncstate.ArtifactBlueprint, id, rec, l, r, blueprintExpand, policy.BlueprintOwner)
		switch o.class {
		case ClassLocalOnly:
			if l == nil {
				bp.LocalOnlyRemovals = append(bp.LocalOnlyRemovals, id)
			} else {
				bp.LocalOnlyUpserts = append(bp.LocalOnlyUpserts, id)
			}
		case ClassRemoteOnly:
			if r == nil {
				bp.RemoteOnlyRemovals = append(bp.RemoteOnlyRemovals, id)
			} else {
				bp.RemoteOnlyUpserts = append(bp.RemoteOnlyUpserts, id)
			}
		case ClassConcurrent:
			if o.conflict != nil {
				plan.Conflicts = append(plan.Conflicts, *o.conflict)
				continue
			}
			bp.MergedActions = append(bp.MergedActions, MergedAction{
				ID:                id,
				Merged:            o.merge.Merged,
				LocalNeedsUpdate:  !hashutil.Equal(o.merge.Merged, l),
				RemoteNeedsUpdate: !hashutil.Equal(o.merge.Merged, r),
			})
		}
	}
}

func reconcileWorld(plan *Plan, local, remote Side, base Baseline, policy Policy) {
	mp := &plan.Manifest
	merged := manifest.Empty()

	// Settings.
	settings, mode := reconcileWorldField(plan, syncstate.ArtifactSettings, base.Settings(), local.Settings, remote.Settings, policy.SettingOwner)
	merged.Settings = settings
	mp.SettingsMode = mode

	// Spawn.
	spawn, mode := reconcileWorldField(plan, syncstate.ArtifactSpawn, base.Spawn(), local.Spawn, remote.Spawn, policy.SpawnOwner)
	merged.Spawn = spawnFromMap(spawn)
	mp.SpawnMode = mode

	for _, m := range []Mode{mp.SettingsMode, mp.SpawnMode} {
		switch m {
		case ModeLocal:
			mp.LocalOnly = true
		case ModeRemote:
			mp.RemoteOnly = true
		case ModeMerged:
			mp.LocalOnly, mp.RemoteOnly = true, true
		}
	}

	// Entities.
	for _, id := range ids(local.Entities, remote.Entities) {
		l, r := local.Entities[id], remote.Entities[id]
		rec := base.Find(syncstate.KindEntity, id, uidOf(l, r))
		o := reconcileObject(syncstate.ArtifactEntity, id, rec, l, r, entityExpand, policy.EntityOwner)

		var keep map[string]any
		switch o.class {
		case ClassUnchanged:
			keep = l
			if keep == nil {
				keep = r
			}
		case ClassLocalOnly:
			keep = l
			mp.LocalOnlyEntities = append(mp.LocalOnlyEntities, id)
			mp.LocalOnly = true
		case ClassRemoteOnly:
			keep = r
			mp.RemoteOnlyEntities = append(mp.RemoteOnlyEntities, id)
			mp.RemoteOnly = true
		case ClassConcurrent:
			if o.conflict != nil {
				plan.Conflicts = append(plan.Conflicts, *o.conflict)
				keep = l
				break
			}
			keep = o.merge.Merged
			action := MergedAction{
				ID:                id,
				Merged:            o.merge.Merged,
				LocalNeedsUpdate:  !hashutil.Equal(o.merge.Merged, l),
				RemoteNeedsUpdate: !hashutil.Equal(o.merge.Merged, r),
			}
			mp.MergedEntities = append(mp.MergedEntities, action)
			if action.LocalNeedsUpdate {
				mp.RemoteOnly = true
			}
			if action.RemoteNeedsUpdate {
				mp.LocalOnly = true
			}
		}
		if keep != nil {
			merged.Entities = append(merged.Entities, admin.Entity(keep))
		}
	}
	mp.MergedManifest = merged
}

func reconcileWorldField(plan *Plan, kind string, baseRec *syncstate.Record, local, remote map[string]any, owner func(string) Ownership) (map[string]any, Mode) {
	o := reconcileObject(kind, kind, baseRec, local, remote, nil, owner)
	switch o.class {
	case ClassUnchanged:
		if local != nil {
			return local, ModeUnchanged
		}
		return remote, ModeUnchanged
	case ClassLocalOnly:
		if local == nil {
			return remote, ModeUnchanged
		}
		return local, ModeLocal
	case ClassRemoteOnly:
		if remote == nil {
			return local, ModeUnchanged
		}
		return remote, ModeRemote
	}
	if o.conflict != nil {
		plan.Conflicts = append(plan.Conflicts, *o.conflict)
		return local, ModeConflict
	}
	return o.merge.Merged, ModeMerged
}

func spawnFromMap(m map[string]any) admin.Spawn {
	spawn := manifest.DefaultSpawn()
	if v := floats(m["position"]); len(v) == 3 {
		spawn.Position = v
	}
	if v := floats(m["quaternion"]); len(v) == 4 {
		spawn.Quaternion = v
	}
	return spawn
}

func floats(v any) []float64 {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(raw))
	for _, c := range raw {
		f, ok := c.(float64)
		if !ok {
			return nil
		}
		out = append(out, f)
	}
	return out
}
