package testutil

import (
	"encoding/json"
	"sort"

	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// The methods below act as "the runtime": they mutate world state directly,
// append to the changefeed and push events to every connected admin.

// PutBlueprint adds or replaces a blueprint as a remote edit.
func (w *WorldServer) PutBlueprint(bp admin.Blueprint) {
	bp = admin.Blueprint(cloneJSON(bp))
	w.mu.Lock()
	_, exists := w.blueprints[bp.ID()]
	w.blueprints[bp.ID()] = bp
	kind, method := admin.OpBlueprintAdd, admin.MethodBlueprintAdded
	if exists {
		kind, method = admin.OpBlueprintUpdate, admin.MethodBlueprintModified
	}
	w.recordOp(kind, bp.ID(), bp.UID(), bp)
	w.mu.Unlock()
	w.broadcast(nil, method, bp.Clone())
}

// ModifyBlueprint merges change into an existing blueprint and bumps its
// version, as a runtime-side edit would.
func (w *WorldServer) ModifyBlueprint(id string, change map[string]any) {
	w.mu.Lock()
	bp, ok := w.blueprints[id]
	if !ok {
		w.mu.Unlock()
		w.T.Fatalf("ModifyBlueprint: unknown blueprint %q", id)
		return
	}
	change = cloneJSON(change)
	for k, v := range change {
		bp[k] = v
	}
	bp["version"] = float64(bp.Version() + 1)
	change["id"] = id
	change["version"] = bp["version"]
	w.recordOp(admin.OpBlueprintUpdate, id, bp.UID(), bp)
	w.mu.Unlock()
	w.broadcast(nil, admin.MethodBlueprintModified, change)
}

// RemoveBlueprint deletes a blueprint as a remote edit.
func (w *WorldServer) RemoveBlueprint(id string) {
	w.mu.Lock()
	bp := w.blueprints[id]
	delete(w.blueprints, id)
	w.recordOp(admin.OpBlueprintRemove, id, bp.UID(), map[string]any{"id": id})
	w.mu.Unlock()
	w.broadcast(nil, admin.MethodBlueprintRemoved, map[string]any{"id": id})
}

// PutEntity adds or replaces an entity as a remote edit.
func (w *WorldServer) PutEntity(e admin.Entity) {
	e = admin.Entity(cloneJSON(e))
	w.mu.Lock()
	_, exists := w.entities[e.ID()]
	w.putEntityLocked(e)
	kind, method := admin.OpEntityAdd, admin.MethodEntityAdded
	if exists {
		kind, method = admin.OpEntityUpdate, admin.MethodEntityModified
	}
	w.recordOp(kind, e.ID(), e.UID(), e)
	w.mu.Unlock()
	w.broadcast(nil, method, e.Clone())
}

// ModifyEntity merges change into an entity as a remote edit.
func (w *WorldServer) ModifyEntity(id string, change map[string]any) {
	w.mu.Lock()
	e, ok := w.entities[id]
	if !ok {
		w.mu.Unlock()
		w.T.Fatalf("ModifyEntity: unknown entity %q", id)
		return
	}
	change = cloneJSON(change)
	for k, v := range change {
		e[k] = v
	}
	change["id"] = id
	w.recordOp(admin.OpEntityUpdate, id, e.UID(), e)
	w.mu.Unlock()
	w.broadcast(nil, admin.MethodEntityModified, change)
}

// RemoveEntity deletes an entity as a remote edit.
func (w *WorldServer) RemoveEntity(id string) {
	w.mu.Lock()
	w.removeEntityLocked(id)
	w.recordOp(admin.OpEntityRemove, id, "", map[string]any{"id": id})
	w.mu.Unlock()
	w.broadcast(nil, admin.MethodEntityRemoved, map[string]any{"id": id})
}

// SetSetting changes one world setting as a remote edit.
func (w *WorldServer) SetSetting(key string, value any) {
	w.mu.Lock()
	w.settings[key] = value
	w.recordOp(admin.OpWorldSettings, key, "", map[string]any{"key": key, "value": value})
	w.mu.Unlock()
	w.broadcast(nil, admin.MethodSettingsModified, map[string]any{"key": key, "value": value})
}

// PutAsset stores asset bytes under name.
func (w *WorldServer) PutAsset(name string, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.assets[name] = append([]byte(nil), data...)
}

// FailAsset makes the next n downloads of name return 404.
func (w *WorldServer) FailAsset(name string, n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.missing[name] = n
}

// Asset returns stored asset bytes.
func (w *WorldServer) Asset(name string) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.assets[name]
	return data, ok
}

// Blueprint returns a copy of a blueprint.
func (w *WorldServer) Blueprint(id string) (admin.Blueprint, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	bp, ok := w.blueprints[id]
	if !ok {
		return nil, false
	}
	return admin.Blueprint(cloneJSON(bp)), true
}

// Entity returns a copy of an entity.
func (w *WorldServer) Entity(id string) (admin.Entity, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[id]
	if !ok {
		return nil, false
	}
	return admin.Entity(cloneJSON(e)), true
}

// Settings returns a copy of the world settings.
func (w *WorldServer) Settings() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return cloneJSON(w.settings)
}

// Spawn returns the current spawn.
func (w *WorldServer) Spawn() admin.Spawn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.spawn
}

// Snapshot returns the world as GET /admin/snapshot would.
func (w *WorldServer) Snapshot() admin.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// HeadCursor returns the last changefeed cursor.
func (w *WorldServer) HeadCursor() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Commands returns copies of every adminCommand received.
func (w *WorldServer) Commands() []map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]map[string]any, len(w.commands))
	copy(out, w.commands)
	return out
}

// CommandsOfType filters Commands by type.
func (w *WorldServer) CommandsOfType(cmdType string) []map[string]any {
	var out []map[string]any
	for _, cmd := range w.Commands() {
		if cmd["type"] == cmdType {
			out = append(out, cmd)
		}
	}
	return out
}

// LockRequests returns every deploy-lock acquisition attempt.
func (w *WorldServer) LockRequests() []admin.LockRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]admin.LockRequest(nil), w.lockRequests...)
}

// SnapshotRequests returns every deploy-snapshot creation request.
func (w *WorldServer) SnapshotRequests() []admin.DeploySnapshotRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]admin.DeploySnapshotRequest(nil), w.snapshotRequests...)
}

// ActiveLocks returns the scopes currently locked.
func (w *WorldServer) ActiveLocks() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.locks))
	for scope := range w.locks {
		out = append(out, scope)
	}
	sort.Strings(out)
	return out
}

// HoldLock takes a lock on scope as another operator would.
func (w *WorldServer) HoldLock(scope, owner string) *admin.DeployLock {
	w.mu.Lock()
	defer w.mu.Unlock()
	lock := &admin.DeployLock{Token: "held-" + scope, Owner: owner, Scope: scope, ExpiresInMs: 60_000}
	w.locks[scope] = lock
	return lock
}

// Uploads returns the filenames uploaded so far.
func (w *WorldServer) Uploads() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.uploads...)
}

// Downloads returns the asset names requested so far.
func (w *WorldServer) Downloads() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.downloads...)
}

// DecodeData unmarshals an operation's data into v.
func DecodeData(op admin.Operation, v any) error {
	return json.Unmarshal(op.Data, v)
}
