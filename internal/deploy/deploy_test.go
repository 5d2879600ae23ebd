package deploy

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobby-ws/gamedev-sub000/internal/assets"
	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/testutil"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

type harness struct {
	ws       *testutil.WorldServer
	client   *admin.Client
	pipeline *assets.Pipeline
	coord    *Coordinator
	logs     *bytes.Buffer
	root     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws := testutil.NewWorldServer(t)
	client, err := admin.NewClient(admin.Options{WorldURL: ws.URL(), AdminCode: ws.AdminCode})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	root := t.TempDir()
	logs := &bytes.Buffer{}
	logger := log.New(logs, "", 0)
	pipeline, err := assets.New(assets.Options{Root: root, Store: client, Logger: logger})
	require.NoError(t, err)

	coord := New(Options{Client: client, Uploader: pipeline, Owner: "tester", Logger: logger})
	return &harness{ws: ws, client: client, pipeline: pipeline, coord: coord, logs: logs, root: root}
}

func (h *harness) file(t *testing.T, rel, content string) assets.File {
	t.Helper()
	path := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	f, err := h.pipeline.HashLocal(path)
	require.NoError(t, err)
	return f
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestSelectScope(t *testing.T) {
	existing := func(id, scope string) Upsert {
		bp := admin.Blueprint{"id": id}
		if scope != "" {
			bp["scope"] = scope
		}
		return Upsert{Blueprint: bp, Current: admin.Blueprint{"id": id, "scope": scope}}
	}

	tests := []struct {
		name    string
		batch   Batch
		want    string
		wantErr string
	}{
		{name: "single scope", batch: Batch{Upserts: []Upsert{existing("a", "s1"), existing("b", "s1")}}, want: "s1"},
		{name: "mixed scopes", batch: Batch{Upserts: []Upsert{existing("a", "scope-a"), existing("b", "scope-b")}}, want: "global"},
		{name: "removal joins", batch: Batch{Upserts: []Upsert{existing("a", "s1")}, Removals: []Removal{{ID: "b", Scope: "s2"}}}, want: "global"},
		{name: "existing without scope", batch: Batch{Upserts: []Upsert{existing("a", "")}}, want: "global"},
		{name: "scope from current", batch: Batch{Upserts: []Upsert{{Blueprint: admin.Blueprint{"id": "a"}, Current: admin.Blueprint{"id": "a", "scope": "s9"}}}}, want: "s9"},
		{name: "new with scope", batch: Batch{Upserts: []Upsert{{Blueprint: admin.Blueprint{"id": "n", "scope": "fresh"}}}}, want: "fresh"},
		{name: "new without scope", batch: Batch{Upserts: []Upsert{{Blueprint: admin.Blueprint{"id": "n"}}}}, wantErr: errcode.ScopeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectScope(&tt.batch)
			if tt.wantErr != "" {
				assert.True(t, errcode.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChange(t *testing.T) {
	current := admin.Blueprint{"id": "a", "version": 3.0, "createdAt": "t0", "uid": "u1", "desc": "old", "image": "x"}
	desired := admin.Blueprint{"id": "a", "desc": "new"}
	change := Change(desired, current)
	assert.Equal(t, admin.Blueprint{"id": "a", "desc": "new", "image": nil, "version": 4.0}, change)
}

func TestApply_MixedScopesUseGlobal(t *testing.T) {
	h := newHarness(t)
	h.ws.PutBlueprint(admin.Blueprint{"id": "a", "scope": "scope-a", "desc": "1", "version": 0.0})
	h.ws.PutBlueprint(admin.Blueprint{"id": "b", "scope": "scope-b", "desc": "1", "version": 0.0})
	a, _ := h.ws.Blueprint("a")
	b, _ := h.ws.Blueprint("b")

	res, err := h.coord.Apply(ctx(t), &Batch{
		Upserts: []Upsert{
			{Blueprint: admin.Blueprint{"id": "a", "scope": "scope-a", "desc": "2"}, Current: a},
			{Blueprint: admin.Blueprint{"id": "b", "scope": "scope-b", "desc": "2"}, Current: b},
		},
		Note: "two scopes",
	})
	require.NoError(t, err)
	assert.Equal(t, "global", res.Scope)
	assert.Equal(t, []string{"a", "b"}, res.Modified)
	require.NotNil(t, res.Snapshot)

	locks := h.ws.LockRequests()
	require.Len(t, locks, 1)
	assert.Equal(t, "global", locks[0].Scope)
	assert.Equal(t, "tester", locks[0].Owner)

	snaps := h.ws.SnapshotRequests()
	require.Len(t, snaps, 1)
	assert.Equal(t, "global", snaps[0].Scope)
	assert.Equal(t, []string{"a", "b"}, snaps[0].IDs)
	assert.Equal(t, "two scopes", snaps[0].Note)

	assert.Empty(t, h.ws.ActiveLocks(), "lock is released")
	assert.Contains(t, h.logs.String(), "spans scopes scope-a, scope-b")

	got, _ := h.ws.Blueprint("a")
	assert.Equal(t, "2", got["desc"])
	assert.Equal(t, int64(1), got.Version())
}

func TestApply_VersionMismatchRetriesOnce(t *testing.T) {
	h := newHarness(t)
	h.ws.PutBlueprint(admin.Blueprint{"id": "tree", "scope": "s", "desc": "base", "version": 3.0})
	current, _ := h.ws.Blueprint("tree")

	var once sync.Once
	h.ws.BeforeCommand = func(cmd map[string]any) {
		if cmd["type"] == "blueprint_modify" {
			once.Do(func() { h.ws.ModifyBlueprint("tree", map[string]any{"name": "Remote"}) })
		}
	}

	res, err := h.coord.Apply(ctx(t), &Batch{Upserts: []Upsert{{
		Blueprint: admin.Blueprint{"id": "tree", "scope": "s", "desc": "local"},
		Current:   current,
	}}})
	require.NoError(t, err)

	modifies := h.ws.CommandsOfType("blueprint_modify")
	require.Len(t, modifies, 2)
	assert.Equal(t, 4.0, modifies[0]["change"].(map[string]any)["version"])
	assert.Equal(t, 5.0, modifies[1]["change"].(map[string]any)["version"])

	got, _ := h.ws.Blueprint("tree")
	assert.Equal(t, int64(5), got.Version())
	assert.Equal(t, "local", got["desc"])
	assert.Equal(t, int64(5), res.Applied["tree"].Version())
	assert.Contains(t, h.logs.String(), "version mismatch")
}

func TestApply_NewBlueprintUploadsScriptsFirst(t *testing.T) {
	h := newHarness(t)
	script := h.file(t, "apps/tree/index.js", "export default () => {}\n")
	model := h.file(t, "assets/tree.glb", "glb")

	res, err := h.coord.Apply(ctx(t), &Batch{Upserts: []Upsert{{
		Blueprint: admin.Blueprint{
			"id":          "tree",
			"scope":       "tree",
			"script":      script.URL(),
			"scriptEntry": "index.js",
			"scriptFiles": map[string]any{"index.js": script.URL()},
			"model":       model.URL(),
		},
		Scripts: []assets.File{script},
		Assets:  []assets.File{model},
	}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"tree"}, res.Added)
	assert.Equal(t, 2, res.Uploaded)
	assert.Nil(t, res.Snapshot, "nothing existed to snapshot")
	assert.Empty(t, h.ws.SnapshotRequests())
	assert.Equal(t, []string{script.Filename, model.Filename}, h.ws.Uploads())

	got, ok := h.ws.Blueprint("tree")
	require.True(t, ok)
	assert.Equal(t, model.URL(), got["model"])
	assert.Equal(t, int64(0), got.Version())
}

func TestApply_NewBlueprintWithoutScope(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.Apply(ctx(t), &Batch{Upserts: []Upsert{{Blueprint: admin.Blueprint{"id": "n"}}}})
	assert.True(t, errcode.Is(err, errcode.ScopeUnknown))
	assert.Empty(t, h.ws.LockRequests())
}

func TestApply_LockContention(t *testing.T) {
	h := newHarness(t)
	h.ws.PutBlueprint(admin.Blueprint{"id": "a", "scope": "s", "version": 0.0})
	current, _ := h.ws.Blueprint("a")
	h.ws.HoldLock("s", "alice")

	_, err := h.coord.Apply(ctx(t), &Batch{Upserts: []Upsert{{Blueprint: admin.Blueprint{"id": "a", "scope": "s", "desc": "x"}, Current: current}}})
	require.Error(t, err)
	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, "alice", lockErr.Lock.Owner)
	assert.Contains(t, err.Error(), "held by alice")
	assert.True(t, admin.IsLocked(err))
	assert.Empty(t, h.ws.CommandsOfType("blueprint_modify"))
}

func TestApply_Removals(t *testing.T) {
	h := newHarness(t)
	h.ws.PutBlueprint(admin.Blueprint{"id": "used", "scope": "s", "version": 0.0})
	h.ws.PutBlueprint(admin.Blueprint{"id": "free", "scope": "s", "version": 0.0})
	h.ws.PutEntity(admin.Entity{"id": "e1", "blueprint": "used"})

	res, err := h.coord.Apply(ctx(t), &Batch{Removals: []Removal{{ID: "free", Scope: "s"}, {ID: "gone", Scope: "s"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"free"}, res.Removed)
	_, ok := h.ws.Blueprint("free")
	assert.False(t, ok)

	_, err = h.coord.Apply(ctx(t), &Batch{Removals: []Removal{{ID: "used", Scope: "s"}}})
	require.Error(t, err)
	assert.Equal(t, admin.CodeInUse, admin.CodeOf(err))
	assert.Empty(t, h.ws.ActiveLocks(), "lock is released after a failure")
}

func TestApply_WorldChangesNeedNoLock(t *testing.T) {
	h := newHarness(t)
	h.ws.PutBlueprint(admin.Blueprint{"id": "bp", "scope": "s", "version": 0.0})
	h.ws.PutEntity(admin.Entity{"id": "old", "blueprint": "bp"})
	h.ws.PutEntity(admin.Entity{"id": "e1", "blueprint": "bp", "props": map[string]any{"text": "a"}})

	spawn := admin.Spawn{Position: []float64{1, 2, 3}, Quaternion: []float64{0, 0, 0, 1}}
	res, err := h.coord.Apply(ctx(t), &Batch{
		Entities: []EntityOp{
			{Kind: EntityAdd, Entity: admin.Entity{"id": "e2", "type": "app", "blueprint": "bp"}},
			{Kind: EntityModify, Entity: admin.Entity{"id": "e1", "props": map[string]any{"text": "b"}}},
			{Kind: EntityRemove, Entity: admin.Entity{"id": "old"}},
		},
		Settings: map[string]any{"title": "Hello"},
		Spawn:    &spawn,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entities)
	assert.Empty(t, h.ws.LockRequests())

	_, ok := h.ws.Entity("e2")
	assert.True(t, ok)
	e1, _ := h.ws.Entity("e1")
	assert.Equal(t, "b", e1["props"].(map[string]any)["text"])
	_, ok = h.ws.Entity("old")
	assert.False(t, ok)
	assert.Equal(t, "Hello", h.ws.Settings()["title"])
	assert.Equal(t, spawn, h.ws.Spawn())
}

func TestRollback(t *testing.T) {
	h := newHarness(t)
	h.ws.PutBlueprint(admin.Blueprint{"id": "a", "scope": "s", "desc": "before", "version": 0.0})
	current, _ := h.ws.Blueprint("a")

	_, err := h.coord.Apply(ctx(t), &Batch{Upserts: []Upsert{{Blueprint: admin.Blueprint{"id": "a", "scope": "s", "desc": "after"}, Current: current}}})
	require.NoError(t, err)

	res, err := h.coord.Rollback(ctx(t), "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Restored)

	got, _ := h.ws.Blueprint("a")
	assert.Equal(t, "before", got["desc"])
	assert.Equal(t, int64(2), got.Version())
	assert.Empty(t, h.ws.ActiveLocks())
}

func TestApply_Empty(t *testing.T) {
	h := newHarness(t)
	res, err := h.coord.Apply(ctx(t), &Batch{})
	require.NoError(t, err)
	assert.Empty(t, res.Added)
	assert.Empty(t, h.ws.LockRequests())
}
