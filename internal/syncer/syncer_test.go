package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/hashutil"
	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
	"github.com/lobby-ws/gamedev-sub000/internal/testutil"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

const mainScript = "export default function (world, app) {}\n"

type harness struct {
	ws     *testutil.WorldServer
	client *admin.Client
	root   string
	logs   *bytes.Buffer
	syncer *Syncer
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	ws := testutil.NewWorldServer(t)
	client, err := admin.NewClient(admin.Options{WorldURL: ws.URL(), AdminCode: ws.AdminCode})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Connect(ctx(t)))

	h := &harness{ws: ws, client: client, root: t.TempDir(), logs: &bytes.Buffer{}}
	opts := Options{
		Root:      h.root,
		Remote:    client,
		Owner:     "tester",
		Logger:    log.New(h.logs, "", 0),
		FetchStep: time.Millisecond,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	h.syncer, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { h.syncer.Close() })
	return h
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return c
}

// seedMain puts a scripted blueprint and an entity using it into the world.
func (h *harness) seedMain(t *testing.T) string {
	t.Helper()
	name := hashutil.SHA256Hex([]byte(mainScript)) + ".js"
	h.ws.PutAsset(name, []byte(mainScript))
	url := admin.AssetScheme + name
	h.ws.PutBlueprint(admin.Blueprint{
		"id":           "testapp__main",
		"name":         "TestApp",
		"scope":        "testapp",
		"version":      float64(1),
		"createdAt":    "2024-01-01T00:00:00Z",
		"desc":         "base",
		"script":       url,
		"scriptEntry":  "index.js",
		"scriptFiles":  map[string]any{"index.js": url},
		"scriptFormat": "module",
		"props":        map[string]any{"text": "default"},
	})
	h.ws.PutEntity(admin.Entity{"id": "e1", "type": "app", "blueprint": "testapp__main", "props": map[string]any{}})
	return url
}

func (h *harness) path(rel string) string {
	return filepath.Join(h.root, filepath.FromSlash(rel))
}

func (h *harness) readJSON(t *testing.T, rel string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(h.path(rel))
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func (h *harness) writeJSON(t *testing.T, rel string, v any) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(h.path(rel)), 0o755))
	require.NoError(t, os.WriteFile(h.path(rel), data, 0o644))
}

func (h *harness) editConfig(t *testing.T, rel string, edit func(cfg map[string]any)) {
	t.Helper()
	cfg := h.readJSON(t, rel)
	edit(cfg)
	h.writeJSON(t, rel, cfg)
}

func (h *harness) run(t *testing.T, req Request) *Report {
	t.Helper()
	report, err := h.syncer.Run(ctx(t), req)
	require.NoError(t, err)
	return report
}

func TestRun_EmptyProjectExports(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)

	report := h.run(t, Request{})
	assert.True(t, report.Initial)
	assert.Equal(t, []string{"testapp__main"}, report.Exported)

	cfg := h.readJSON(t, "apps/testapp/main.json")
	assert.Equal(t, "testapp__main", cfg["id"])
	assert.Equal(t, "module", cfg["scriptFormat"])
	assert.NotContains(t, cfg, "script")
	assert.NotContains(t, cfg, "version")

	script, err := os.ReadFile(h.path("apps/testapp/index.js"))
	require.NoError(t, err)
	assert.Equal(t, mainScript, string(script))

	world := h.readJSON(t, "world.json")
	entities := world["entities"].([]any)
	require.Len(t, entities, 1)
	assert.Equal(t, "e1", entities[0].(map[string]any)["id"])
	assert.NotContains(t, entities[0], "type")

	assert.Equal(t, h.ws.HeadCursor(), h.syncer.State().Cursor())
	assert.Equal(t, "world-test", h.syncer.State().WorldID())
}

func TestExport_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	before := map[string][]byte{}
	for _, rel := range []string{"apps/testapp/main.json", "apps/testapp/index.js", "world.json"} {
		data, err := os.ReadFile(h.path(rel))
		require.NoError(t, err)
		before[rel] = data
	}

	report, err := h.syncer.Export(ctx(t))
	require.NoError(t, err)
	assert.False(t, report.ManifestWritten)
	for rel, data := range before {
		after, err := os.ReadFile(h.path(rel))
		require.NoError(t, err)
		assert.Equal(t, string(data), string(after), rel)
	}
}

func TestRun_SteadyStateSendsNothing(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	report := h.run(t, Request{})
	assert.False(t, report.Changed())
	assert.Empty(t, report.Conflicts)
	assert.Empty(t, h.ws.Commands())
	assert.Empty(t, h.ws.LockRequests())
}

func TestRun_RemoteEntityEditReachesDisk(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	h.ws.ModifyEntity("e1", map[string]any{"props": map[string]any{"text": "hello"}})
	report := h.run(t, Request{})
	assert.True(t, report.ManifestWritten)

	world := h.readJSON(t, "world.json")
	e1 := world["entities"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{"text": "hello"}, e1["props"])
	assert.Empty(t, h.ws.CommandsOfType("entity_modify"))

	rec := h.syncer.State().Find(syncstate.KindEntity, "e1", "")
	require.NotNil(t, rec)
	assert.Equal(t, h.ws.HeadCursor(), rec.LastSyncedRevision)
	assert.NotEmpty(t, rec.LastOpID)
	assert.Equal(t, h.ws.HeadCursor(), h.syncer.State().Cursor())
}

func TestRun_LocalEntityEditReachesRuntime(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	h.editConfig(t, "world.json", func(world map[string]any) {
		e1 := world["entities"].([]any)[0].(map[string]any)
		e1["props"] = map[string]any{"text": "from-file"}
		world["entities"] = append(world["entities"].([]any), map[string]any{"id": "e2", "blueprint": "testapp__main"})
	})
	report := h.run(t, Request{})
	assert.Equal(t, 2, report.WorldPushed)

	e1, ok := h.ws.Entity("e1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"text": "from-file"}, e1["props"])

	e2, ok := h.ws.Entity("e2")
	require.True(t, ok)
	assert.Equal(t, "app", e2["type"])
	assert.Equal(t, []any{0.0, 0.0, 0.0}, e2["position"])

	again := h.run(t, Request{})
	assert.False(t, again.Changed())
}

func TestRun_LocalConfigChangeDeploys(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	h.editConfig(t, "apps/testapp/main.json", func(cfg map[string]any) {
		cfg["props"] = map[string]any{"text": "bye"}
	})
	report := h.run(t, Request{Note: "props"})
	assert.Equal(t, []string{"testapp__main"}, report.Deployed)

	bp, ok := h.ws.Blueprint("testapp__main")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"text": "bye"}, bp["props"])
	assert.EqualValues(t, 2, bp.Version())

	locks := h.ws.LockRequests()
	require.Len(t, locks, 1)
	assert.Equal(t, "testapp", locks[0].Scope)
	assert.Empty(t, h.ws.ActiveLocks())

	snaps := h.ws.SnapshotRequests()
	require.Len(t, snaps, 1)
	assert.Equal(t, "props", snaps[0].Note)

	again := h.run(t, Request{})
	assert.False(t, again.Changed())
}

func TestRun_ScriptChangeUploadsAndDeploys(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	updated := "export default function (world, app) { app.on('update', () => {}) }\n"
	require.NoError(t, os.WriteFile(h.path("apps/testapp/index.js"), []byte(updated), 0o644))
	h.run(t, Request{})

	name := hashutil.SHA256Hex([]byte(updated)) + ".js"
	assert.Contains(t, h.ws.Uploads(), name)
	bp, _ := h.ws.Blueprint("testapp__main")
	assert.Equal(t, admin.AssetScheme+name, bp.Script())
	assert.Equal(t, map[string]string{"index.js": admin.AssetScheme + name}, bp.ScriptFiles())
}

func TestRun_RemoteScriptChangeRewritesFiles(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	helper := "export const answer = 42\n"
	helperName := hashutil.SHA256Hex([]byte(helper)) + ".js"
	h.ws.PutAsset(helperName, []byte(helper))
	bp, _ := h.ws.Blueprint("testapp__main")
	files := map[string]any{"index.js": bp.Script(), "lib/answer.js": admin.AssetScheme + helperName}
	h.ws.ModifyBlueprint("testapp__main", map[string]any{"scriptFiles": files})

	report := h.run(t, Request{})
	assert.Equal(t, []string{"testapp__main"}, report.Exported)
	data, err := os.ReadFile(h.path("apps/testapp/lib/answer.js"))
	require.NoError(t, err)
	assert.Equal(t, helper, string(data))

	again := h.run(t, Request{})
	assert.False(t, again.Changed())
}

func TestRun_StrictConflictAbortsAndResolves(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	h.editConfig(t, "apps/testapp/main.json", func(cfg map[string]any) { cfg["desc"] = "local-conflict" })
	h.ws.ModifyBlueprint("testapp__main", map[string]any{"desc": "remote-conflict"})

	_, err := h.syncer.Run(ctx(t), Request{Strict: true})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.SyncConflictDetected))

	list, err := h.syncer.Conflicts().List(false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	a := list[0]
	assert.Equal(t, syncstate.ArtifactBlueprint, a.Kind)
	assert.Equal(t, "testapp__main", a.ObjectID)
	require.Len(t, a.UnresolvedFields, 1)
	assert.Equal(t, "desc", a.UnresolvedFields[0].Path)
	assert.Equal(t, "local-conflict", a.Local["desc"])
	assert.Equal(t, "remote-conflict", a.Remote["desc"])
	assert.Empty(t, h.ws.CommandsOfType("blueprint_modify"))

	require.NoError(t, h.syncer.Resolve(ctx(t), a.Kind, a.ObjectID, a.Remote, false))
	assert.Equal(t, "remote-conflict", h.readJSON(t, "apps/testapp/main.json")["desc"])

	report := h.run(t, Request{Strict: true})
	assert.Empty(t, report.Conflicts)
	assert.False(t, report.Changed())
}

func TestRun_ConflictIsRecordedOnce(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	h.editConfig(t, "apps/testapp/main.json", func(cfg map[string]any) { cfg["desc"] = "mine" })
	h.ws.ModifyBlueprint("testapp__main", map[string]any{"desc": "theirs"})

	first := h.run(t, Request{})
	require.Len(t, first.Conflicts, 1)
	second := h.run(t, Request{})
	require.Len(t, second.Conflicts, 1)
	assert.Equal(t, first.Conflicts[0].ID, second.Conflicts[0].ID)

	bp, _ := h.ws.Blueprint("testapp__main")
	assert.Equal(t, "theirs", bp["desc"])
	assert.Equal(t, "mine", h.readJSON(t, "apps/testapp/main.json")["desc"])
	assert.Len(t, h.syncer.State().ConflictSummaries(), 1)
}

func TestRun_ResolveWithPushUpdatesRuntime(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	h.editConfig(t, "apps/testapp/main.json", func(cfg map[string]any) { cfg["desc"] = "mine" })
	h.ws.ModifyBlueprint("testapp__main", map[string]any{"desc": "theirs"})
	report := h.run(t, Request{})
	require.Len(t, report.Conflicts, 1)

	require.NoError(t, h.syncer.Resolve(ctx(t), syncstate.ArtifactBlueprint, "testapp__main", report.Conflicts[0].Local, true))
	bp, _ := h.ws.Blueprint("testapp__main")
	assert.Equal(t, "mine", bp["desc"])

	again := h.run(t, Request{})
	assert.Empty(t, again.Conflicts)
	assert.False(t, again.Changed())
}

func TestRun_RemoteRemoval(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.ws.PutBlueprint(admin.Blueprint{"id": "other__thing", "name": "Thing", "scope": "other", "version": float64(0)})
	h.ws.PutBlueprint(admin.Blueprint{"id": "other__kept", "name": "Kept", "scope": "other", "version": float64(0)})
	h.run(t, Request{})

	h.editConfig(t, "apps/other/kept.json", func(cfg map[string]any) { cfg["keep"] = true })
	h.run(t, Request{})
	bp, _ := h.ws.Blueprint("other__kept")
	require.True(t, bp.Keep())

	h.ws.RemoveBlueprint("other__thing")
	h.ws.RemoveBlueprint("other__kept")
	report := h.run(t, Request{})

	assert.Equal(t, []string{"other__thing"}, report.Removed)
	assert.Equal(t, []string{"other__kept"}, report.Kept)
	assert.NoFileExists(t, h.path("apps/other/thing.json"))
	assert.FileExists(t, h.path("apps/other/kept.json"))
	assert.Nil(t, h.syncer.State().Find(syncstate.KindBlueprint, "other__thing", ""))
	assert.NotNil(t, h.syncer.State().Find(syncstate.KindBlueprint, "other__kept", ""))
	assert.Empty(t, h.ws.CommandsOfType("blueprint_add"))
}

func TestRun_LocalRemovalReachesRuntime(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.ws.PutBlueprint(admin.Blueprint{"id": "other__thing", "name": "Thing", "scope": "other", "version": float64(0)})
	h.run(t, Request{})

	require.NoError(t, os.Remove(h.path("apps/other/thing.json")))
	report := h.run(t, Request{})
	assert.Equal(t, []string{"other__thing"}, report.RemoteRemoved)
	_, ok := h.ws.Blueprint("other__thing")
	assert.False(t, ok)
}

func TestRun_AssetsDedupOnExport(t *testing.T) {
	h := newHarness(t)
	model := []byte("glTF-binary-model")
	name := hashutil.SHA256Hex(model) + ".glb"
	require.NoError(t, os.MkdirAll(h.path("assets"), 0o755))
	require.NoError(t, os.WriteFile(h.path("assets/Model.glb"), model, 0o644))
	h.ws.PutAsset(name, model)
	for _, id := range []string{"alpha__one", "beta__two"} {
		h.ws.PutBlueprint(admin.Blueprint{"id": id, "name": id, "scope": "shared", "version": float64(0), "model": admin.AssetScheme + name})
	}

	h.run(t, Request{})
	assert.Equal(t, "assets/Model.glb", h.readJSON(t, "apps/alpha/one.json")["model"])
	assert.Equal(t, "assets/Model.glb", h.readJSON(t, "apps/beta/two.json")["model"])
	assert.Empty(t, h.ws.Downloads())

	entries, err := os.ReadDir(h.path("assets"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	again := h.run(t, Request{})
	assert.False(t, again.Changed())
	assert.Empty(t, h.ws.Uploads())
}

func TestRun_EmptyProjectWithBaselineRequiresExport(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	require.NoError(t, os.RemoveAll(h.path("apps")))
	require.NoError(t, os.Remove(h.path("world.json")))

	_, err := h.syncer.Run(ctx(t), Request{})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.EmptyProjectRequiresExport))
	assert.Empty(t, h.ws.Commands())
}

func TestRun_WorldMismatch(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.WorldID = "another-world" })
	_, err := h.syncer.Run(ctx(t), Request{})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.WorldMismatch))
}

func TestRun_DryRunChangesNothing(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	h.editConfig(t, "apps/testapp/main.json", func(cfg map[string]any) { cfg["desc"] = "draft" })
	report := h.run(t, Request{DryRun: true})
	assert.Equal(t, []string{"testapp__main"}, report.Plan.Blueprints.LocalOnlyUpserts)
	assert.Empty(t, h.ws.Commands())
}

func TestRun_PullLeavesLocalChangesAlone(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	h.editConfig(t, "apps/testapp/main.json", func(cfg map[string]any) { cfg["desc"] = "draft" })
	h.run(t, Request{Direction: Pull})
	assert.Empty(t, h.ws.CommandsOfType("blueprint_modify"))

	rec := h.syncer.State().Find(syncstate.KindBlueprint, "testapp__main", "")
	require.NotNil(t, rec)
	assert.Equal(t, "base", rec.ValueMap()["desc"])
}

func TestRun_AppFilter(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.ws.PutBlueprint(admin.Blueprint{"id": "other__thing", "name": "Thing", "scope": "other", "version": float64(0)})
	h.run(t, Request{})

	h.editConfig(t, "apps/testapp/main.json", func(cfg map[string]any) { cfg["desc"] = "one" })
	h.editConfig(t, "apps/other/thing.json", func(cfg map[string]any) { cfg["desc"] = "two" })

	report := h.run(t, Request{Apps: []string{"other"}, Direction: Push, SkipWorld: true})
	assert.Equal(t, []string{"other__thing"}, report.Deployed)
	main, _ := h.ws.Blueprint("testapp__main")
	assert.Equal(t, "base", main["desc"])
}

func TestRun_RequireExisting(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	h.writeJSON(t, "apps/fresh/fresh.json", map[string]any{"name": "Fresh", "scope": "fresh"})
	_, err := h.syncer.Run(ctx(t), Request{Apps: []string{"fresh"}, Direction: Push, RequireExisting: true, SkipWorld: true})
	require.Error(t, err)
	assert.True(t, errcode.Is(err, errcode.DeployRequired))

	report := h.run(t, Request{Apps: []string{"fresh"}, Direction: Push, SkipWorld: true})
	assert.Equal(t, []string{"fresh"}, report.Deployed)
	_, ok := h.ws.Blueprint("fresh")
	assert.True(t, ok)
}

func TestRun_RemoteSettingsAndSpawn(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	h.ws.SetSetting("title", "Renamed")
	h.editConfig(t, "world.json", func(world map[string]any) {
		world["spawn"] = map[string]any{"position": []any{1, 2, 3}, "quaternion": []any{0, 0, 0, 1}}
	})
	h.run(t, Request{})

	assert.Equal(t, "Renamed", h.readJSON(t, "world.json")["settings"].(map[string]any)["title"])
	assert.Equal(t, []float64{1, 2, 3}, h.ws.Spawn().Position)
}

func TestRun_MalformedWorldFileIsLeftAlone(t *testing.T) {
	h := newHarness(t)
	h.seedMain(t)
	h.run(t, Request{})

	broken := []byte(`{"formatVersion":2,"settings":{"title":"mine"},"entities":[],}`)
	require.NoError(t, os.WriteFile(h.path("world.json"), broken, 0o644))
	h.ws.SetSetting("title", "Remote")

	for _, req := range []Request{{OnlyWorld: true}, {}} {
		report := h.run(t, req)
		assert.False(t, report.ManifestWritten)
		assert.Contains(t, report.Skipped["world.json"], "malformed world.json")

		data, err := os.ReadFile(h.path("world.json"))
		require.NoError(t, err)
		assert.Equal(t, string(broken), string(data))
	}
	assert.Empty(t, h.ws.CommandsOfType("entity_remove"))
	assert.Empty(t, h.ws.CommandsOfType("settings_modify"))
	assert.Contains(t, h.logs.String(), "Leaving world.json untouched")
}

func TestRun_SharedScriptExportIsStable(t *testing.T) {
	h := newHarness(t)
	url := h.seedMain(t)
	h.ws.PutBlueprint(admin.Blueprint{
		"id":           "testapp__variant",
		"name":         "Variant",
		"scope":        "testapp",
		"version":      float64(1),
		"createdAt":    "2024-02-01T00:00:00Z",
		"script":       url,
		"scriptEntry":  "index.js",
		"scriptFiles":  map[string]any{"index.js": url},
		"scriptFormat": "module",
		"props":        map[string]any{"text": "variant"},
	})

	first := h.run(t, Request{})
	assert.ElementsMatch(t, []string{"testapp__main", "testapp__variant"}, first.Exported)
	assert.Equal(t, []string{"testapp__variant"}, first.Deployed)

	variant, ok := h.ws.Blueprint("testapp__variant")
	require.True(t, ok)
	assert.Equal(t, "testapp__main", variant.ScriptRef())
	assert.Nil(t, variant.ScriptFiles())
	assert.Equal(t, url, variant.Script())
	main, ok := h.ws.Blueprint("testapp__main")
	require.True(t, ok)
	assert.Equal(t, map[string]string{"index.js": url}, main.ScriptFiles())

	assert.FileExists(t, h.path("apps/testapp/variant.json"))
	assert.Equal(t, map[string]any{"text": "variant"}, h.readJSON(t, "apps/testapp/variant.json")["props"])

	again := h.run(t, Request{})
	assert.False(t, again.Changed())
	assert.Empty(t, again.Conflicts)
}

func TestRun_RemoteVariantJoinsExistingGroup(t *testing.T) {
	h := newHarness(t)
	url := h.seedMain(t)
	h.run(t, Request{})

	h.ws.PutBlueprint(admin.Blueprint{
		"id":           "other__variant",
		"name":         "Variant",
		"scope":        "testapp",
		"version":      float64(1),
		"createdAt":    "2024-02-01T00:00:00Z",
		"script":       url,
		"scriptEntry":  "index.js",
		"scriptFiles":  map[string]any{"index.js": url},
		"scriptFormat": "module",
	})

	report := h.run(t, Request{})
	assert.Equal(t, []string{"other__variant"}, report.Exported)
	assert.Equal(t, []string{"other__variant"}, report.Deployed)
	assert.FileExists(t, h.path("apps/testapp/variant.json"))
	assert.NoDirExists(t, h.path("apps/other"))

	variant, ok := h.ws.Blueprint("other__variant")
	require.True(t, ok)
	assert.Equal(t, "testapp__main", variant.ScriptRef())
	assert.Nil(t, variant.ScriptFiles())

	again := h.run(t, Request{})
	assert.False(t, again.Changed())
}
