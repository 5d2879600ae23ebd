package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// DefaultAdminCode is the admin code NewWorldServer accepts.
const DefaultAdminCode = "test-admin-code"

// WorldServer is an in-process world server speaking the admin wire protocol:
// the /admin socket, the HTTP admin endpoints, the changefeed, scoped deploy
// locks, deploy snapshots and an asset store. Tests drive "remote" edits
// through its helper methods and inspect what clients sent.
type WorldServer struct {
	T         testing.TB
	Server    *httptest.Server
	AdminCode string
	WorldID   string

	// RequireLock makes blueprint mutations demand a matching lockToken.
	RequireLock bool

	mu          sync.Mutex
	blueprints  map[string]admin.Blueprint
	entities    map[string]admin.Entity
	entityOrder []string
	settings    map[string]any
	spawn       admin.Spawn
	assets      map[string][]byte
	missing     map[string]int
	ops         []admin.Operation
	cursor      int64
	locks       map[string]*admin.DeployLock
	snapshots   []*deploySnapshotRecord
	conns       map[*wsConn]struct{}

	commands         []map[string]any
	lockRequests     []admin.LockRequest
	snapshotRequests []admin.DeploySnapshotRequest
	uploads          []string
	downloads        []string

	// BeforeCommand runs (without the server lock) before each command is
	// applied. Tests use it to inject concurrent remote edits.
	BeforeCommand func(cmd map[string]any)
}

type deploySnapshotRecord struct {
	meta       admin.DeploySnapshot
	scope      string
	blueprints map[string]admin.Blueprint
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) send(method string, payload any) error {
	data, err := admin.EncodePacket(method, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewWorldServer starts a fake world server that is shut down with the test.
func NewWorldServer(t testing.TB) *WorldServer {
	t.Helper()
	ws := &WorldServer{
		T:           t,
		AdminCode:   DefaultAdminCode,
		WorldID:     "world-test",
		RequireLock: true,
		blueprints:  make(map[string]admin.Blueprint),
		entities:    make(map[string]admin.Entity),
		settings:    map[string]any{"title": "Test World"},
		spawn:       admin.Spawn{Position: []float64{0, 0, 0}, Quaternion: []float64{0, 0, 0, 1}},
		assets:      make(map[string][]byte),
		missing:     make(map[string]int),
		locks:       make(map[string]*admin.DeployLock),
		conns:       make(map[*wsConn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/admin", ws.handleSocket)
	mux.HandleFunc("/admin/snapshot", ws.authed(ws.handleSnapshot))
	mux.HandleFunc("/admin/changes", ws.authed(ws.handleChanges))
	mux.HandleFunc("/admin/blueprints/", ws.authed(ws.handleBlueprint))
	mux.HandleFunc("/admin/upload-check", ws.authed(ws.handleUploadCheck))
	mux.HandleFunc("/admin/upload", ws.authed(ws.handleUpload))
	mux.HandleFunc("/admin/spawn", ws.authed(ws.handleSpawn))
	mux.HandleFunc("/admin/deploy-lock", ws.authed(ws.handleDeployLock))
	mux.HandleFunc("/admin/deploy-snapshots", ws.authed(ws.handleCreateDeploySnapshot))
	mux.HandleFunc("/admin/deploy-snapshots/rollback", ws.authed(ws.handleRollback))
	mux.HandleFunc("/assets/", ws.handleAsset)

	ws.Server = httptest.NewServer(mux)
	t.Cleanup(ws.Close)
	return ws
}

// URL returns the http base URL.
func (w *WorldServer) URL() string { return w.Server.URL }

// Close drops every socket and stops the server.
func (w *WorldServer) Close() {
	w.DropConnections()
	w.Server.Close()
}

// DropConnections closes every admin socket, simulating a network loss.
func (w *WorldServer) DropConnections() {
	w.mu.Lock()
	conns := make([]*wsConn, 0, len(w.conns))
	for c := range w.conns {
		conns = append(conns, c)
	}
	w.conns = make(map[*wsConn]struct{})
	w.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
}

// ConnectionCount returns the number of authenticated sockets.
func (w *WorldServer) ConnectionCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code string, extra map[string]any) {
	body := map[string]any{"error": code}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(rw, status, body)
}

func (w *WorldServer) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Header.Get(admin.AdminCodeHeader) != w.AdminCode {
			writeError(rw, http.StatusUnauthorized, admin.CodeUnauthorized, nil)
			return
		}
		h(rw, r)
	}
}

// ---- state helpers (caller holds w.mu) ----

func (w *WorldServer) recordOp(kind admin.OperationKind, id, uid string, data any) {
	w.cursor++
	raw, _ := json.Marshal(data)
	w.ops = append(w.ops, admin.Operation{
		Cursor:    w.cursor,
		OpID:      uuid.NewString(),
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		Actor:     "test",
		Source:    "runtime",
		Kind:      kind,
		ObjectUID: uid,
		ObjectID:  id,
		Data:      raw,
	})
}

func (w *WorldServer) peersLocked(except *wsConn) []*wsConn {
	targets := make([]*wsConn, 0, len(w.conns))
	for c := range w.conns {
		if c != except {
			targets = append(targets, c)
		}
	}
	return targets
}

func (w *WorldServer) broadcast(except *wsConn, method string, payload any) {
	w.mu.Lock()
	targets := w.peersLocked(except)
	w.mu.Unlock()
	for _, c := range targets {
		_ = c.send(method, payload)
	}
}

func (w *WorldServer) checkLock(token, scope string) string {
	if !w.RequireLock {
		return ""
	}
	if token == "" {
		return admin.CodeDeployLockRequired
	}
	for lockScope, lock := range w.locks {
		if lock.Token != token {
			continue
		}
		if lockScope == admin.GlobalScope || lockScope == scope {
			return ""
		}
		return admin.CodeScopeUnknown
	}
	return admin.CodeDeployLockRequired
}

// ---- WebSocket ----

func (w *WorldServer) handleSocket(rw http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	defer func() {
		w.mu.Lock()
		delete(w.conns, c)
		w.mu.Unlock()
		conn.Close()
	}()

	authed := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		pkt, err := admin.DecodePacket(data)
		if err != nil {
			continue
		}
		if !authed {
			if pkt.Method != admin.MethodAdminAuth {
				continue
			}
			var auth struct {
				Code string `json:"code"`
			}
			_ = json.Unmarshal(pkt.Payload, &auth)
			if auth.Code != w.AdminCode {
				_ = c.send(admin.MethodAdminAuthError, map[string]any{"error": admin.CodeInvalidCode})
				return
			}
			authed = true
			w.mu.Lock()
			w.conns[c] = struct{}{}
			w.mu.Unlock()
			_ = c.send(admin.MethodAdminAuthOk, map[string]any{})
			continue
		}
		if pkt.Method != admin.MethodAdminCommand {
			continue
		}
		var cmd map[string]any
		if err := json.Unmarshal(pkt.Payload, &cmd); err != nil {
			continue
		}
		w.handleCommand(c, cmd)
	}
}

func (w *WorldServer) handleCommand(c *wsConn, cmd map[string]any) {
	if hook := w.BeforeCommand; hook != nil {
		hook(cmd)
	}
	requestID, _ := cmd["requestId"].(string)
	result, method, event := w.applyCommand(cmd)
	result["requestId"] = requestID
	if _, ok := result["ok"]; !ok {
		result["ok"] = true
	}
	_ = c.send(admin.MethodAdminResult, result)
	if method != "" {
		w.broadcast(c, method, event)
	}
}

func fail(code string, extra map[string]any) map[string]any {
	out := map[string]any{"ok": false, "error": code}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func versionOf(m map[string]any) int64 {
	f, _ := m["version"].(float64)
	return int64(f)
}

func (w *WorldServer) applyCommand(cmd map[string]any) (map[string]any, string, any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.commands = append(w.commands, cloneJSON(cmd))

	lockToken, _ := cmd["lockToken"].(string)
	switch cmd["type"] {
	case "blueprint_add":
		bp := admin.Blueprint(asMap(cmd["blueprint"]))
		if bp == nil || bp.ID() == "" {
			return fail(admin.CodeInvalidPayload, nil), "", nil
		}
		if bp.Scope() == "" {
			return fail(admin.CodeScopeUnknown, nil), "", nil
		}
		if code := w.checkLock(lockToken, bp.Scope()); code != "" {
			return fail(code, nil), "", nil
		}
		if _, exists := w.blueprints[bp.ID()]; exists {
			return fail(admin.CodeInvalidPayload, map[string]any{"message": "blueprint exists"}), "", nil
		}
		w.blueprints[bp.ID()] = bp.Clone()
		w.recordOp(admin.OpBlueprintAdd, bp.ID(), bp.UID(), bp)
		return map[string]any{}, admin.MethodBlueprintAdded, bp.Clone()

	case "blueprint_modify":
		change := admin.Blueprint(asMap(cmd["change"]))
		current, ok := w.blueprints[change.ID()]
		if !ok {
			return fail(admin.CodeNotFound, nil), "", nil
		}
		scope := current.Scope()
		if s := change.Scope(); s != "" {
			scope = s
		}
		if code := w.checkLock(lockToken, scope); code != "" {
			return fail(code, nil), "", nil
		}
		if change.Version() != current.Version()+1 {
			return fail(admin.CodeVersionMismatch, map[string]any{"current": current.Clone()}), "", nil
		}
		for k, v := range change {
			if v == nil {
				delete(current, k)
				continue
			}
			current[k] = v
		}
		w.recordOp(admin.OpBlueprintUpdate, current.ID(), current.UID(), current)
		return map[string]any{}, admin.MethodBlueprintModified, change.Clone()

	case "blueprint_remove":
		id, _ := cmd["id"].(string)
		current, ok := w.blueprints[id]
		if !ok {
			return fail(admin.CodeNotFound, nil), "", nil
		}
		if code := w.checkLock(lockToken, current.Scope()); code != "" {
			return fail(code, nil), "", nil
		}
		for _, e := range w.entities {
			if e.BlueprintID() == id {
				return fail(admin.CodeInUse, nil), "", nil
			}
		}
		delete(w.blueprints, id)
		w.recordOp(admin.OpBlueprintRemove, id, current.UID(), map[string]any{"id": id})
		return map[string]any{}, admin.MethodBlueprintRemoved, map[string]any{"id": id}

	case "entity_add":
		e := admin.Entity(asMap(cmd["entity"]))
		if e == nil || e.ID() == "" {
			return fail(admin.CodeInvalidPayload, nil), "", nil
		}
		w.putEntityLocked(e.Clone())
		w.recordOp(admin.OpEntityAdd, e.ID(), e.UID(), e)
		return map[string]any{}, admin.MethodEntityAdded, e.Clone()

	case "entity_modify":
		change := admin.Entity(asMap(cmd["change"]))
		current, ok := w.entities[change.ID()]
		if !ok {
			return fail(admin.CodeNotFound, nil), "", nil
		}
		for k, v := range change {
			current[k] = v
		}
		w.recordOp(admin.OpEntityUpdate, current.ID(), current.UID(), current)
		return map[string]any{}, admin.MethodEntityModified, change.Clone()

	case "entity_remove":
		id, _ := cmd["id"].(string)
		if _, ok := w.entities[id]; !ok {
			return fail(admin.CodeNotFound, nil), "", nil
		}
		w.removeEntityLocked(id)
		w.recordOp(admin.OpEntityRemove, id, "", map[string]any{"id": id})
		return map[string]any{}, admin.MethodEntityRemoved, map[string]any{"id": id}

	case "settings_modify":
		key, _ := cmd["key"].(string)
		if key == "" {
			return fail(admin.CodeInvalidPayload, nil), "", nil
		}
		w.settings[key] = cmd["value"]
		w.recordOp(admin.OpWorldSettings, key, "", map[string]any{"key": key, "value": cmd["value"]})
		return map[string]any{}, admin.MethodSettingsModified, map[string]any{"key": key, "value": cmd["value"]}
	}
	return fail(admin.CodeInvalidPayload, map[string]any{"message": fmt.Sprintf("unknown command %v", cmd["type"])}), "", nil
}

func (w *WorldServer) putEntityLocked(e admin.Entity) {
	if _, exists := w.entities[e.ID()]; !exists {
		w.entityOrder = append(w.entityOrder, e.ID())
	}
	w.entities[e.ID()] = e
}

func (w *WorldServer) removeEntityLocked(id string) {
	delete(w.entities, id)
	for i, existing := range w.entityOrder {
		if existing == id {
			w.entityOrder = append(w.entityOrder[:i], w.entityOrder[i+1:]...)
			break
		}
	}
}

func cloneJSON(m map[string]any) map[string]any {
	data, _ := json.Marshal(m)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return out
}

// ---- HTTP ----

func (w *WorldServer) snapshotLocked() admin.Snapshot {
	snap := admin.Snapshot{
		WorldID:   w.WorldID,
		AssetsURL: w.Server.URL + "/assets",
		Settings:  cloneJSON(w.settings),
		Spawn:     w.spawn,
	}
	ids := make([]string, 0, len(w.blueprints))
	for id := range w.blueprints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		snap.Blueprints = append(snap.Blueprints, admin.Blueprint(cloneJSON(w.blueprints[id])))
	}
	for _, id := range w.entityOrder {
		snap.Entities = append(snap.Entities, admin.Entity(cloneJSON(w.entities[id])))
	}
	return snap
}

func (w *WorldServer) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	snap := w.snapshotLocked()
	w.mu.Unlock()
	writeJSON(rw, http.StatusOK, snap)
}

func (w *WorldServer) handleChanges(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()

	head := w.cursor
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		writeJSON(rw, http.StatusOK, admin.Changes{Operations: []admin.Operation{}, Cursor: head, HeadCursor: head})
		return
	}
	from, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(rw, http.StatusBadRequest, admin.CodeInvalidPayload, nil)
		return
	}
	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	out := admin.Changes{Operations: []admin.Operation{}, Cursor: from, HeadCursor: head}
	for _, op := range w.ops {
		if op.Cursor <= from {
			continue
		}
		if len(out.Operations) == limit {
			break
		}
		out.Operations = append(out.Operations, op)
		out.Cursor = op.Cursor
	}
	writeJSON(rw, http.StatusOK, out)
}

func (w *WorldServer) handleBlueprint(rw http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/blueprints/")
	switch r.Method {
	case http.MethodGet:
		w.mu.Lock()
		bp, ok := w.blueprints[id]
		var out admin.Blueprint
		if ok {
			out = admin.Blueprint(cloneJSON(bp))
		}
		w.mu.Unlock()
		if !ok {
			writeError(rw, http.StatusNotFound, admin.CodeNotFound, nil)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"blueprint": out})
	case http.MethodDelete:
		w.mu.Lock()
		bp, ok := w.blueprints[id]
		if !ok {
			w.mu.Unlock()
			writeError(rw, http.StatusNotFound, admin.CodeNotFound, nil)
			return
		}
		if code := w.checkLock(r.URL.Query().Get("lockToken"), bp.Scope()); code != "" {
			w.mu.Unlock()
			writeError(rw, http.StatusForbidden, code, nil)
			return
		}
		for _, e := range w.entities {
			if e.BlueprintID() == id {
				w.mu.Unlock()
				writeError(rw, http.StatusConflict, admin.CodeInUse, nil)
				return
			}
		}
		delete(w.blueprints, id)
		w.recordOp(admin.OpBlueprintRemove, id, bp.UID(), map[string]any{"id": id})
		w.mu.Unlock()
		w.broadcast(nil, admin.MethodBlueprintRemoved, map[string]any{"id": id})
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (w *WorldServer) handleUploadCheck(rw http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	w.mu.Lock()
	_, exists := w.assets[name]
	w.mu.Unlock()
	writeJSON(rw, http.StatusOK, map[string]any{"exists": exists})
}

func (w *WorldServer) handleUpload(rw http.ResponseWriter, r *http.Request) {
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(rw, http.StatusBadRequest, admin.CodeInvalidPayload, nil)
		return
	}
	var name string
	var data []byte
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(rw, http.StatusBadRequest, admin.CodeInvalidPayload, nil)
			return
		}
		switch part.FormName() {
		case "file":
			if name == "" {
				name = part.FileName()
			}
			data, _ = io.ReadAll(part)
		case "filename":
			raw, _ := io.ReadAll(part)
			name = string(raw)
		}
	}
	if name == "" {
		writeError(rw, http.StatusBadRequest, admin.CodeInvalidPayload, nil)
		return
	}
	w.mu.Lock()
	w.assets[name] = data
	w.uploads = append(w.uploads, name)
	w.mu.Unlock()
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "filename": name})
}

func (w *WorldServer) handleAsset(rw http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/assets/")
	w.mu.Lock()
	w.downloads = append(w.downloads, name)
	if n := w.missing[name]; n > 0 {
		w.missing[name] = n - 1
		w.mu.Unlock()
		http.NotFound(rw, r)
		return
	}
	data, ok := w.assets[name]
	w.mu.Unlock()
	if !ok {
		http.NotFound(rw, r)
		return
	}
	rw.Header().Set("Content-Type", "application/octet-stream")
	_, _ = rw.Write(data)
}

func (w *WorldServer) handleSpawn(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var spawn admin.Spawn
	if err := json.NewDecoder(r.Body).Decode(&spawn); err != nil || spawn.Validate() != nil {
		writeError(rw, http.StatusBadRequest, admin.CodeInvalidPayload, nil)
		return
	}
	w.mu.Lock()
	w.spawn = spawn
	w.recordOp(admin.OpWorldSpawn, "spawn", "", spawn)
	w.mu.Unlock()
	w.broadcast(nil, admin.MethodSpawnModified, spawn)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (w *WorldServer) handleDeployLock(rw http.ResponseWriter, r *http.Request) {
	var req admin.LockRequest
	if r.Method != http.MethodGet {
		_ = json.NewDecoder(r.Body).Decode(&req)
	} else {
		req.Scope = r.URL.Query().Get("scope")
	}
	scope := req.Scope
	if scope == "" {
		scope = admin.GlobalScope
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		writeJSON(rw, http.StatusOK, map[string]any{"lock": w.locks[scope]})
	case http.MethodPost:
		w.lockRequests = append(w.lockRequests, req)
		for held, lock := range w.locks {
			if held == scope || held == admin.GlobalScope || scope == admin.GlobalScope {
				writeError(rw, http.StatusConflict, admin.CodeDeployLocked, map[string]any{"lock": lock})
				return
			}
		}
		ttl := req.TTL
		if ttl <= 0 {
			ttl = 60_000
		}
		lock := &admin.DeployLock{
			Token:       uuid.NewString(),
			Owner:       req.Owner,
			Scope:       scope,
			ExpiresAt:   time.Now().Add(time.Duration(ttl) * time.Millisecond).UTC().Format(time.RFC3339),
			ExpiresInMs: ttl,
		}
		w.locks[scope] = lock
		writeJSON(rw, http.StatusOK, lock)
	case http.MethodPut:
		lock, ok := w.locks[scope]
		if !ok || lock.Token != req.Token {
			writeError(rw, http.StatusConflict, admin.CodeDeployLockRequired, nil)
			return
		}
		writeJSON(rw, http.StatusOK, lock)
	case http.MethodDelete:
		lock, ok := w.locks[scope]
		if !ok || lock.Token != req.Token {
			writeError(rw, http.StatusConflict, admin.CodeDeployLockRequired, nil)
			return
		}
		delete(w.locks, scope)
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
	default:
		rw.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (w *WorldServer) handleCreateDeploySnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req admin.DeploySnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, admin.CodeInvalidPayload, nil)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.snapshotRequests = append(w.snapshotRequests, req)

	scopes := map[string]bool{}
	record := &deploySnapshotRecord{
		meta: admin.DeploySnapshot{
			ID:        uuid.NewString(),
			Target:    req.Target,
			Note:      req.Note,
			CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		},
		scope:      req.Scope,
		blueprints: make(map[string]admin.Blueprint),
	}
	for _, id := range req.IDs {
		record.meta.BlueprintIDs = append(record.meta.BlueprintIDs, id)
		if bp, ok := w.blueprints[id]; ok {
			scopes[bp.Scope()] = true
			record.blueprints[id] = admin.Blueprint(cloneJSON(bp))
		}
	}
	if len(scopes) > 1 && req.Scope != admin.GlobalScope {
		writeError(rw, http.StatusBadRequest, admin.CodeMultiScopeNotSupported, nil)
		return
	}
	scope := req.Scope
	if scope == "" {
		for s := range scopes {
			scope = s
		}
	}
	if code := w.checkLock(req.LockToken, scope); code != "" {
		writeError(rw, http.StatusForbidden, code, nil)
		return
	}
	w.snapshots = append(w.snapshots, record)
	writeJSON(rw, http.StatusOK, record.meta)
}

func (w *WorldServer) handleRollback(rw http.ResponseWriter, r *http.Request) {
	var req admin.RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(rw, http.StatusBadRequest, admin.CodeInvalidPayload, nil)
		return
	}
	w.mu.Lock()
	var record *deploySnapshotRecord
	for i := len(w.snapshots) - 1; i >= 0; i-- {
		if req.ID == "" || w.snapshots[i].meta.ID == req.ID {
			record = w.snapshots[i]
			break
		}
	}
	if record == nil {
		w.mu.Unlock()
		writeError(rw, http.StatusNotFound, admin.CodeNotFound, nil)
		return
	}
	if code := w.checkLock(req.LockToken, record.scope); code != "" {
		w.mu.Unlock()
		writeError(rw, http.StatusForbidden, code, nil)
		return
	}
	result := admin.RollbackResult{ID: record.meta.ID}
	var events []admin.Blueprint
	ids := make([]string, 0, len(record.blueprints))
	for id := range record.blueprints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		restored := admin.Blueprint(cloneJSON(record.blueprints[id]))
		version := restored.Version()
		if current, ok := w.blueprints[id]; ok {
			version = current.Version()
		}
		restored["version"] = float64(version + 1)
		w.blueprints[id] = restored
		w.recordOp(admin.OpBlueprintUpdate, id, restored.UID(), restored)
		result.Restored = append(result.Restored, id)
		events = append(events, restored.Clone())
	}
	w.mu.Unlock()
	for _, bp := range events {
		w.broadcast(nil, admin.MethodBlueprintModified, bp)
	}
	writeJSON(rw, http.StatusOK, result)
}
