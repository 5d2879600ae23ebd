package reconcile

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		base, local, remote string
		want                Class
	}{
		{"h", "h", "h", ClassUnchanged},
		{"", "", "", ClassUnchanged},
		{"h", "l", "h", ClassLocalOnly},
		{"h", "h", "r", ClassRemoteOnly},
		{"h", "x", "x", ClassUnchanged},
		{"h", "l", "r", ClassConcurrent},
		{"", "l", "", ClassLocalOnly},
		{"", "", "r", ClassRemoteOnly},
		{"", "l", "r", ClassConcurrent},
		{"h", "", "h", ClassLocalOnly},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.base, tt.local, tt.remote), "%+v", tt)
	}
}

func TestResolveField(t *testing.T) {
	tests := []struct {
		name                string
		base, local, remote any
		owner               Ownership
		want                Resolution
	}{
		{"unchanged", "a", "a", "a", OwnerShared, ResolvedUnchanged},
		{"equal", "a", "b", "b", OwnerShared, ResolvedEqual},
		{"local only", "a", "b", "a", OwnerShared, ResolvedLocalOnly},
		{"remote only", "a", "a", "c", OwnerShared, ResolvedRemoteOnly},
		{"local policy", "a", "b", "c", OwnerLocal, ResolvedLocalPolicy},
		{"runtime policy", "a", "b", "c", OwnerRuntime, ResolvedRemotePolicy},
		{"shared conflict", "a", "b", "c", OwnerShared, ResolvedConflict},
		{"deleted remotely", "a", "a", nil, OwnerShared, ResolvedRemoteOnly},
		{"deleted vs changed", "a", nil, "c", OwnerShared, ResolvedConflict},
		{"added both sides", nil, 1.0, 2.0, OwnerShared, ResolvedConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveField(tt.base, tt.local, tt.remote, tt.owner))
		})
	}
}

func TestMergeFields_DisjointChangesMerge(t *testing.T) {
	base := map[string]any{"name": "A", "desc": "x", "props": map[string]any{"a": 1.0, "b": 1.0}}
	local := map[string]any{"name": "B", "desc": "x", "props": map[string]any{"a": 2.0, "b": 1.0}}
	remote := map[string]any{"name": "A", "desc": "y", "props": map[string]any{"a": 1.0, "b": 3.0}}

	m := MergeFields(base, local, remote, blueprintExpand, DefaultPolicy().BlueprintOwner)
	assert.False(t, m.HasConflicts())
	assert.Equal(t, map[string]any{
		"name":  "B",
		"desc":  "y",
		"props": map[string]any{"a": 2.0, "b": 3.0},
	}, m.Merged)

	var paths []string
	for _, f := range m.AutoResolved {
		paths = append(paths, f.Path)
	}
	assert.ElementsMatch(t, []string{"name", "desc", "props.a", "props.b"}, paths)
}

func TestMergeFields_DroppedObjectStaysDropped(t *testing.T) {
	base := map[string]any{"name": "a", "props": map[string]any{"text": "hi"}}
	edited := map[string]any{"name": "b", "props": map[string]any{"text": "hi"}}
	dropped := map[string]any{"name": "a"}
	owner := DefaultPolicy().BlueprintOwner

	m := MergeFields(base, dropped, edited, blueprintExpand, owner)
	assert.False(t, m.HasConflicts())
	assert.Equal(t, map[string]any{"name": "b"}, m.Merged)

	m = MergeFields(base, edited, dropped, blueprintExpand, owner)
	assert.False(t, m.HasConflicts())
	assert.Equal(t, map[string]any{"name": "b"}, m.Merged)

	// emptied in place is not the same as dropped
	emptied := map[string]any{"name": "a", "props": map[string]any{}}
	m = MergeFields(base, emptied, edited, blueprintExpand, owner)
	assert.Equal(t, map[string]any{"name": "b", "props": map[string]any{}}, m.Merged)
}

func TestMergeFields_SameFieldConflicts(t *testing.T) {
	base := map[string]any{"id": "a", "desc": "base"}
	local := map[string]any{"id": "a", "desc": "local-conflict"}
	remote := map[string]any{"id": "a", "desc": "remote-conflict"}

	m := MergeFields(base, local, remote, blueprintExpand, DefaultPolicy().BlueprintOwner)
	require.True(t, m.HasConflicts())
	require.Len(t, m.Unresolved, 1)
	f := m.Unresolved[0]
	assert.Equal(t, "desc", f.Path)
	assert.Equal(t, "local-conflict", f.Local)
	assert.Equal(t, "remote-conflict", f.Remote)
	assert.Equal(t, "base", f.Base)
	assert.Equal(t, "local-conflict", m.Merged["desc"])
}

func TestMergeFields_ScriptIsLocallyOwned(t *testing.T) {
	base := map[string]any{"script": "asset://a.js"}
	local := map[string]any{"script": "asset://b.js"}
	remote := map[string]any{"script": "asset://c.js"}

	m := MergeFields(base, local, remote, blueprintExpand, DefaultPolicy().BlueprintOwner)
	assert.False(t, m.HasConflicts())
	assert.Equal(t, "asset://b.js", m.Merged["script"])
	require.Len(t, m.AutoResolved, 1)
	assert.Equal(t, string(ResolvedLocalPolicy), m.AutoResolved[0].Resolution)
}

func TestMergeFields_EntityStateIsRuntimeOwned(t *testing.T) {
	base := map[string]any{"state": map[string]any{"hp": 1.0}}
	local := map[string]any{"state": map[string]any{"hp": 2.0}}
	remote := map[string]any{"state": map[string]any{"hp": 3.0}}

	m := MergeFields(base, local, remote, entityExpand, DefaultPolicy().EntityOwner)
	assert.False(t, m.HasConflicts())
	assert.Equal(t, map[string]any{"hp": 3.0}, m.Merged["state"])
}

type fixture struct {
	store *syncstate.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := syncstate.Open(t.TempDir(), syncstate.Options{Logger: log.New(&bytes.Buffer{}, "", 0)})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &fixture{store: store}
}

func (f *fixture) blueprint(id string, v map[string]any) map[string]any {
	f.store.Put(syncstate.KindBlueprint, id, "", v)
	return v
}

func (f *fixture) entity(id string, v map[string]any) map[string]any {
	f.store.Put(syncstate.KindEntity, id, "", v)
	return v
}

func bp(id, desc string) map[string]any {
	return map[string]any{"id": id, "desc": desc}
}

func with(m map[string]any, key string, value any) map[string]any {
	out := map[string]any{}
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}

func TestReconcile_Blueprints(t *testing.T) {
	f := newFixture(t)
	unchanged := f.blueprint("unchanged", bp("unchanged", "same"))
	localEdit := f.blueprint("local-edit", bp("local-edit", "v1"))
	remoteEdit := f.blueprint("remote-edit", bp("remote-edit", "v1"))
	localGone := f.blueprint("local-gone", bp("local-gone", "v1"))
	remoteGone := f.blueprint("remote-gone", bp("remote-gone", "v1"))
	merged := f.blueprint("merged", map[string]any{"id": "merged", "desc": "v1", "name": "M"})
	conflicted := f.blueprint("conflicted", bp("conflicted", "base"))

	local := Side{Blueprints: map[string]map[string]any{
		"unchanged":   unchanged,
		"local-edit":  with(localEdit, "desc", "v2"),
		"remote-edit": remoteEdit,
		"remote-gone": remoteGone,
		"merged":      with(merged, "desc", "local"),
		"conflicted":  with(conflicted, "desc", "local-conflict"),
		"local-new":   bp("local-new", "fresh"),
	}}
	remote := Side{Blueprints: map[string]map[string]any{
		"unchanged":   unchanged,
		"local-edit":  localEdit,
		"remote-edit": with(remoteEdit, "desc", "v2"),
		"local-gone":  localGone,
		"merged":      with(merged, "name", "Remote"),
		"conflicted":  with(conflicted, "desc", "remote-conflict"),
		"remote-new":  bp("remote-new", "fresh"),
	}}

	plan := Reconcile(local, remote, f.store, DefaultPolicy())
	b := plan.Blueprints
	assert.Equal(t, []string{"local-edit", "local-new"}, b.LocalOnlyUpserts)
	assert.Equal(t, []string{"local-gone"}, b.LocalOnlyRemovals)
	assert.Equal(t, []string{"remote-edit", "remote-new"}, b.RemoteOnlyUpserts)
	assert.Equal(t, []string{"remote-gone"}, b.RemoteOnlyRemovals)

	require.Len(t, b.MergedActions, 1)
	action := b.MergedActions[0]
	assert.Equal(t, "merged", action.ID)
	assert.Equal(t, map[string]any{"id": "merged", "desc": "local", "name": "Remote"}, action.Merged)
	assert.True(t, action.LocalNeedsUpdate)
	assert.True(t, action.RemoteNeedsUpdate)

	require.Len(t, plan.Conflicts, 1)
	c := plan.Conflicts[0]
	assert.Equal(t, syncstate.ArtifactBlueprint, c.Kind)
	assert.Equal(t, "conflicted", c.ObjectID)
	require.Len(t, c.Unresolved, 1)
	assert.Equal(t, "desc", c.Unresolved[0].Path)
	assert.Equal(t, "local-conflict", c.Local["desc"])
	assert.Equal(t, "remote-conflict", c.Remote["desc"])
	assert.Nil(t, c.Merged, "nothing was auto-merged")

	art := c.Artifact("world-1", 9, "startup")
	assert.Equal(t, "world-1", art.WorldID)
	assert.Equal(t, int64(9), art.Cursor)
	assert.Equal(t, c.Unresolved, art.UnresolvedFields)
	assert.True(t, plan.HasConflicts())
	assert.False(t, plan.IsEmpty())
}

func TestReconcile_DeletionAgainstEditConflicts(t *testing.T) {
	f := newFixture(t)
	base := f.blueprint("a", bp("a", "v1"))

	local := Side{Blueprints: map[string]map[string]any{}}
	remote := Side{Blueprints: map[string]map[string]any{"a": with(base, "desc", "v2")}}

	plan := Reconcile(local, remote, f.store, DefaultPolicy())
	require.Len(t, plan.Conflicts, 1)
	require.Len(t, plan.Conflicts[0].Unresolved, 1)
	assert.Equal(t, "", plan.Conflicts[0].Unresolved[0].Path)
	assert.Nil(t, plan.Conflicts[0].Unresolved[0].Local)
}

func TestReconcile_NoBaselineFirstSync(t *testing.T) {
	f := newFixture(t)
	remote := Side{
		Blueprints: map[string]map[string]any{"a": bp("a", "x")},
		Entities:   map[string]map[string]any{"e1": {"id": "e1", "blueprint": "a"}},
		Settings:   map[string]any{"title": "World"},
		Spawn:      map[string]any{"position": []any{1.0, 2.0, 3.0}, "quaternion": []any{0.0, 0.0, 0.0, 1.0}},
	}
	plan := Reconcile(Side{}, remote, f.store, DefaultPolicy())

	assert.Equal(t, []string{"a"}, plan.Blueprints.RemoteOnlyUpserts)
	assert.Equal(t, []string{"e1"}, plan.Manifest.RemoteOnlyEntities)
	assert.Equal(t, ModeRemote, plan.Manifest.SettingsMode)
	assert.Equal(t, ModeRemote, plan.Manifest.SpawnMode)
	assert.True(t, plan.Manifest.RemoteOnly)
	assert.False(t, plan.Manifest.LocalOnly)

	m := plan.Manifest.MergedManifest
	assert.Equal(t, "World", m.Settings["title"])
	assert.Equal(t, []float64{1, 2, 3}, m.Spawn.Position)
	assert.Equal(t, []string{"e1"}, m.EntityIDs())
}

func TestReconcile_World(t *testing.T) {
	f := newFixture(t)
	f.store.PutSettings(map[string]any{"title": "Base", "public": false})
	spawn := map[string]any{"position": []any{0.0, 0.0, 0.0}, "quaternion": []any{0.0, 0.0, 0.0, 1.0}}
	f.store.PutSpawn(spawn)
	e1 := f.entity("e1", map[string]any{"id": "e1", "blueprint": "a", "props": map[string]any{"text": "default"}})
	e2 := f.entity("e2", map[string]any{"id": "e2", "blueprint": "a", "position": []any{0.0, 0.0, 0.0}})
	e3 := f.entity("e3", map[string]any{"id": "e3", "blueprint": "a"})

	local := Side{
		Settings: map[string]any{"title": "Local", "public": false},
		Spawn:    spawn,
		Entities: map[string]map[string]any{
			"e1": with(e1, "props", map[string]any{"text": "from-file"}),
			"e2": with(e2, "position", []any{1.0, 0.0, 0.0}),
			"e3": e3,
		},
	}
	remote := Side{
		Settings: map[string]any{"title": "Base", "public": true},
		Spawn:    spawn,
		Entities: map[string]map[string]any{
			"e1": e1,
			"e2": with(e2, "pinned", true),
			"e4": {"id": "e4", "blueprint": "a"},
		},
	}

	plan := Reconcile(local, remote, f.store, DefaultPolicy())
	require.Empty(t, plan.Conflicts)
	mp := plan.Manifest
	assert.Equal(t, ModeMerged, mp.SettingsMode)
	assert.Equal(t, ModeUnchanged, mp.SpawnMode)
	assert.Equal(t, map[string]any{"title": "Local", "public": true}, mp.MergedManifest.Settings)

	assert.Equal(t, []string{"e1"}, mp.LocalOnlyEntities)
	assert.ElementsMatch(t, []string{"e3", "e4"}, mp.RemoteOnlyEntities)
	require.Len(t, mp.MergedEntities, 1)
	merged := mp.MergedEntities[0]
	assert.Equal(t, "e2", merged.ID)
	assert.Equal(t, true, merged.Merged["pinned"])
	assert.Equal(t, []any{1.0, 0.0, 0.0}, merged.Merged["position"])

	assert.Equal(t, []string{"e1", "e2", "e4"}, mp.MergedManifest.EntityIDs())
	assert.True(t, mp.LocalOnly)
	assert.True(t, mp.RemoteOnly)
}

func TestReconcile_SettingsConflict(t *testing.T) {
	f := newFixture(t)
	f.store.PutSettings(map[string]any{"title": "Base"})
	local := Side{Settings: map[string]any{"title": "L"}}
	remote := Side{Settings: map[string]any{"title": "R"}}

	plan := Reconcile(local, remote, f.store, DefaultPolicy())
	assert.Equal(t, ModeConflict, plan.Manifest.SettingsMode)
	require.Len(t, plan.Conflicts, 1)
	assert.Equal(t, syncstate.ArtifactSettings, plan.Conflicts[0].Kind)
	assert.Equal(t, "title", plan.Conflicts[0].Unresolved[0].Path)

	policy := DefaultPolicy()
	policy.World.Settings["title"] = OwnerRuntime
	plan = Reconcile(local, remote, f.store, policy)
	assert.Empty(t, plan.Conflicts)
	assert.Equal(t, "R", plan.Manifest.MergedManifest.Settings["title"])
}

func TestLoadPolicy(t *testing.T) {
	root := t.TempDir()
	p, warnings, err := LoadPolicy(root)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, DefaultPolicy(), p)

	require.NoError(t, os.MkdirAll(filepath.Join(root, ".lobby"), 0o755))
	doc := `{
  "blueprint": {"props": "local", "colour": "local", "metadata": "bogus"},
  "entity": {"state": "SHARED"},
  "world": {"settings": {"title": "runtime"}, "spawn": {"position": "local"}}
}`
	require.NoError(t, os.WriteFile(filepath.Join(root, ".lobby", PolicyFile), []byte(doc), 0o644))

	p, warnings, err = LoadPolicy(root)
	require.NoError(t, err)
	assert.Equal(t, OwnerLocal, p.Blueprint[GroupProps])
	assert.Equal(t, OwnerShared, p.Blueprint[GroupMetadata], "invalid owner keeps the default")
	assert.Equal(t, OwnerLocal, p.Blueprint[GroupScript])
	assert.NotContains(t, p.Blueprint, "colour")
	assert.Equal(t, OwnerShared, p.Entity[GroupState])
	assert.Equal(t, OwnerRuntime, p.SettingOwner("title"))
	assert.Equal(t, OwnerShared, p.SettingOwner("other"))
	assert.Equal(t, OwnerLocal, p.SpawnOwner("position"))
	assert.ElementsMatch(t, []string{
		"blueprint.colour: unknown field group",
		`blueprint.metadata: invalid owner "bogus"`,
	}, warnings)

	require.NoError(t, os.WriteFile(filepath.Join(root, ".lobby", PolicyFile), []byte("{"), 0o644))
	_, _, err = LoadPolicy(root)
	assert.Error(t, err)
}

func TestGroups(t *testing.T) {
	assert.Equal(t, GroupScript, BlueprintGroup("scriptFiles"))
	assert.Equal(t, GroupProps, BlueprintGroup("props.text"))
	assert.Equal(t, GroupMetadata, BlueprintGroup("desc"))
	assert.Equal(t, GroupTransform, EntityGroup("scale"))
	assert.Equal(t, GroupState, EntityGroup("state.hp"))
	assert.Equal(t, GroupMetadata, EntityGroup("pinned"))
}
