package admin_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lobby-ws/gamedev-sub000/internal/testutil"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

func newClient(t *testing.T, ws *testutil.WorldServer, code string) *admin.Client {
	t.Helper()
	client, err := admin.NewClient(admin.Options{WorldURL: ws.URL(), AdminCode: code})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func connected(t *testing.T, ws *testutil.WorldServer) *admin.Client {
	t.Helper()
	client := newClient(t, ws, ws.AdminCode)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	return client
}

func nextEvent(t *testing.T, client *admin.Client) admin.Event {
	t.Helper()
	select {
	case ev, ok := <-client.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return admin.Event{}
	}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := admin.NewClient(admin.Options{})
	assert.Error(t, err)

	_, err = admin.NewClient(admin.Options{WorldURL: "ftp://example.com"})
	assert.Error(t, err)

	client, err := admin.NewClient(admin.Options{WorldURL: "http://localhost:3000/"})
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, "http://localhost:3000", client.WorldURL())
}

func TestConnect_InvalidCode(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	client := newClient(t, ws, "wrong")

	err := client.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, admin.CodeInvalidCode, admin.CodeOf(err))
	assert.False(t, client.Connected())
}

func TestRequest_NotConnected(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	client := newClient(t, ws, ws.AdminCode)

	_, err := client.Request(context.Background(), "entity_remove", map[string]any{"id": "x"})
	assert.Equal(t, admin.CodeNotConnected, admin.CodeOf(err))
}

func TestRequest_StampsSourceAndActor(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	client := connected(t, ws)

	require.NoError(t, client.AddEntity(context.Background(), admin.Entity{"id": "e1", "blueprint": "bp"}))

	cmds := ws.CommandsOfType("entity_add")
	require.Len(t, cmds, 1)
	assert.Equal(t, "app-server", cmds[0]["source"])
	assert.Equal(t, "app-server", cmds[0]["actor"])
	assert.NotEmpty(t, cmds[0]["requestId"])

	_, ok := ws.Entity("e1")
	assert.True(t, ok)
}

func TestRequest_ErrorCodes(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	client := connected(t, ws)
	ctx := context.Background()

	err := client.AddBlueprint(ctx, admin.Blueprint{"id": "bp1", "scope": "app"}, "")
	assert.Equal(t, admin.CodeDeployLockRequired, admin.CodeOf(err))

	err = client.AddBlueprint(ctx, admin.Blueprint{"id": "bp1"}, "")
	assert.Equal(t, admin.CodeScopeUnknown, admin.CodeOf(err))

	err = client.RemoveEntity(ctx, "nope")
	assert.True(t, admin.IsNotFound(err))
}

func TestRequest_VersionMismatchCarriesCurrent(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	ws.PutBlueprint(admin.Blueprint{"id": "bp1", "scope": "app", "version": 3})
	client := connected(t, ws)
	ctx := context.Background()

	lock, err := client.AcquireDeployLock(ctx, admin.LockRequest{Owner: "test", Scope: "app"})
	require.NoError(t, err)

	err = client.ModifyBlueprint(ctx, admin.Blueprint{"id": "bp1", "version": 3, "name": "x"}, lock.Token)
	require.True(t, admin.IsVersionMismatch(err))
	var ae *admin.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, int64(3), admin.Blueprint(ae.Current).Version())

	require.NoError(t, client.ModifyBlueprint(ctx, admin.Blueprint{"id": "bp1", "version": 4, "name": "x"}, lock.Token))
	bp, _ := ws.Blueprint("bp1")
	assert.Equal(t, "x", bp.Name())
	require.NoError(t, client.ReleaseDeployLock(ctx, lock.Token, "app"))
}

func TestEvents_RemoteEdits(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	client := connected(t, ws)

	ws.PutBlueprint(admin.Blueprint{"id": "bp1", "scope": "app", "version": 0})
	ev := nextEvent(t, client)
	assert.Equal(t, admin.EventBlueprintAdded, ev.Kind)
	assert.Equal(t, "bp1", ev.ID)

	ws.SetSetting("title", "Renamed")
	ev = nextEvent(t, client)
	assert.Equal(t, admin.EventSettingsModified, ev.Kind)
	assert.Equal(t, "title", ev.Key)
	assert.Equal(t, "Renamed", ev.Value)

	ws.RemoveBlueprint("bp1")
	ev = nextEvent(t, client)
	assert.Equal(t, admin.EventBlueprintRemoved, ev.Kind)
	assert.Equal(t, "bp1", ev.ID)
}

func TestDisconnect_EmitsEventAndAllowsReconnect(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	client := connected(t, ws)

	ws.DropConnections()
	ev := nextEvent(t, client)
	assert.Equal(t, admin.EventDisconnect, ev.Kind)
	assert.True(t, admin.IsClosed(ev.Err))
	assert.False(t, client.Connected())

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.Connected())
	require.NoError(t, client.ModifySettings(context.Background(), "title", "Back"))
	assert.Equal(t, "Back", ws.Settings()["title"])
}

func TestClose_RejectsInFlight(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	ws.BeforeCommand = func(map[string]any) {
		started <- struct{}{}
		<-release
	}
	defer close(release)
	client := connected(t, ws)

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.RemoveEntity(context.Background(), "e1")
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("command never reached the server")
	}
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		assert.Equal(t, admin.CodeWSClosed, admin.CodeOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("request did not fail after close")
	}

	_, open := <-client.Events()
	assert.False(t, open)
}

func TestHTTP_SnapshotAndChanges(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	for _, id := range []string{"a", "b", "c"} {
		ws.PutEntity(admin.Entity{"id": id, "blueprint": "bp"})
	}
	client := newClient(t, ws, ws.AdminCode)
	ctx := context.Background()

	snap, err := client.GetSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "world-test", snap.WorldID)
	assert.Len(t, snap.Entities, 3)
	assert.Equal(t, ws.URL()+"/assets", client.AssetsURL())

	zero := int64(0)
	page, err := client.GetChanges(ctx, admin.ChangesQuery{Cursor: &zero, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Operations, 2)
	assert.Less(t, page.Operations[0].Cursor, page.Operations[1].Cursor)

	last := page.Operations[1].Cursor
	page, err = client.GetChanges(ctx, admin.ChangesQuery{Cursor: &last, Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Operations, 1)
	third := page.Operations[0].Cursor

	page, err = client.GetChanges(ctx, admin.ChangesQuery{})
	require.NoError(t, err)
	assert.Empty(t, page.Operations)
	assert.GreaterOrEqual(t, page.HeadCursor, third)

	ops, cursor, err := client.GetChangesSince(ctx, 0, 2)
	require.NoError(t, err)
	assert.Len(t, ops, 3)
	assert.Equal(t, third, cursor)
}

func TestHTTP_Unauthorized(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	client := newClient(t, ws, "wrong")

	_, err := client.GetSnapshot(context.Background())
	assert.Equal(t, admin.CodeUnauthorized, admin.CodeOf(err))
}

func TestHTTP_UploadIsIdempotent(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	client := newClient(t, ws, ws.AdminCode)
	ctx := context.Background()

	up := admin.Upload{Filename: "abc.glb", Data: []byte("model"), MimeType: "model/gltf-binary"}
	sent, err := client.UploadAsset(ctx, up)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = client.UploadAsset(ctx, up)
	require.NoError(t, err)
	assert.False(t, sent)

	data, ok := ws.Asset("abc.glb")
	require.True(t, ok)
	assert.Equal(t, "model", string(data))

	got, err := client.DownloadAsset(ctx, "asset://abc.glb")
	require.NoError(t, err)
	assert.Equal(t, "model", string(got))

	_, err = client.DownloadAsset(ctx, "asset://missing.glb")
	assert.True(t, admin.IsNotFound(err))
}

func TestHTTP_UploadPreservesNestedPath(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	client := newClient(t, ws, ws.AdminCode)

	_, err := client.UploadAsset(context.Background(), admin.Upload{Filename: "mods/x/abc.js", Data: []byte("1")})
	require.NoError(t, err)
	assert.Equal(t, []string{"mods/x/abc.js"}, ws.Uploads())
}

func TestHTTP_DeployLockLifecycle(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	client := newClient(t, ws, ws.AdminCode)
	ctx := context.Background()

	lock, err := client.AcquireDeployLock(ctx, admin.LockRequest{Owner: "me", Scope: "app"})
	require.NoError(t, err)
	assert.Equal(t, "app", lock.Scope)

	_, err = client.AcquireDeployLock(ctx, admin.LockRequest{Owner: "other", Scope: admin.GlobalScope})
	require.True(t, admin.IsLocked(err))
	var ae *admin.Error
	require.ErrorAs(t, err, &ae)
	require.NotNil(t, ae.Lock)
	assert.Equal(t, "me", ae.Lock.Owner)

	held, err := client.GetDeployLock(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, lock.Token, held.Token)

	_, err = client.RenewDeployLock(ctx, admin.LockRequest{Token: lock.Token, Scope: "app", TTL: 1000})
	require.NoError(t, err)

	require.NoError(t, client.ReleaseDeployLock(ctx, lock.Token, "app"))
	assert.Empty(t, ws.ActiveLocks())
}

func TestHTTP_DeploySnapshotAndRollback(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	ws.PutBlueprint(admin.Blueprint{"id": "a", "scope": "one", "version": 1, "name": "A1"})
	ws.PutBlueprint(admin.Blueprint{"id": "b", "scope": "two", "version": 1, "name": "B1"})
	client := newClient(t, ws, ws.AdminCode)
	ctx := context.Background()

	lock, err := client.AcquireDeployLock(ctx, admin.LockRequest{Owner: "me", Scope: "one"})
	require.NoError(t, err)

	_, err = client.CreateDeploySnapshot(ctx, admin.DeploySnapshotRequest{IDs: []string{"a", "b"}, LockToken: lock.Token, Scope: "one"})
	assert.Equal(t, admin.CodeMultiScopeNotSupported, admin.CodeOf(err))

	snap, err := client.CreateDeploySnapshot(ctx, admin.DeploySnapshotRequest{IDs: []string{"a"}, Target: "dev", Note: "n", LockToken: lock.Token, Scope: "one"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, snap.BlueprintIDs)

	ws.ModifyBlueprint("a", map[string]any{"name": "A2"})

	result, err := client.RollbackDeploySnapshot(ctx, admin.RollbackRequest{ID: snap.ID, LockToken: lock.Token, Scope: "one"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, result.Restored)

	bp, _ := ws.Blueprint("a")
	assert.Equal(t, "A1", bp.Name())
	assert.Equal(t, int64(3), bp.Version())
}

func TestHTTP_BlueprintFetchDeleteAndSpawn(t *testing.T) {
	ws := testutil.NewWorldServer(t)
	ws.RequireLock = false
	ws.PutBlueprint(admin.Blueprint{"id": "a", "scope": "one"})
	ws.PutEntity(admin.Entity{"id": "e1", "blueprint": "a"})
	client := newClient(t, ws, ws.AdminCode)
	ctx := context.Background()

	bp, err := client.GetBlueprint(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "one", bp.Scope())

	_, err = client.GetBlueprint(ctx, "zzz")
	assert.True(t, admin.IsNotFound(err))

	err = client.DeleteBlueprint(ctx, "a", "")
	assert.Equal(t, admin.CodeInUse, admin.CodeOf(err))

	ws.RemoveEntity("e1")
	require.NoError(t, client.DeleteBlueprint(ctx, "a", ""))

	require.NoError(t, client.SetSpawn(ctx, admin.Spawn{Position: []float64{1, 2, 3}, Quaternion: []float64{0, 0, 0, 1}}))
	assert.Equal(t, []float64{1, 2, 3}, ws.Spawn().Position)

	err = client.SetSpawn(ctx, admin.Spawn{Position: []float64{1}})
	assert.Equal(t, admin.CodeInvalidPayload, admin.CodeOf(err))
}
