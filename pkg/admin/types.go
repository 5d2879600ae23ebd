package admin

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Source and actor stamped on every command this client issues.
const (
	SourceAppServer = "app-server"
	ActorAppServer  = "app-server"
)

// GlobalScope is the deploy-lock scope covering every blueprint.
const GlobalScope = "global"

// Blueprint is a blueprint record. Unknown fields pass through untouched so
// newer servers can add keys without breaking older clients.
type Blueprint map[string]any

// Entity is a placed instance of a blueprint. Like Blueprint it is kept as an
// open map.
type Entity map[string]any

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func intField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// ID returns the blueprint id.
func (b Blueprint) ID() string { return stringField(b, "id") }

// UID returns the secondary stable id, if assigned.
func (b Blueprint) UID() string { return stringField(b, "uid") }

// Name returns the display name.
func (b Blueprint) Name() string { return stringField(b, "name") }

// Scope returns the deploy-lock scope.
func (b Blueprint) Scope() string { return stringField(b, "scope") }

// Script returns the entry script URL or legacy script string.
func (b Blueprint) Script() string { return stringField(b, "script") }

// ScriptEntry returns the project-relative entry path.
func (b Blueprint) ScriptEntry() string { return stringField(b, "scriptEntry") }

// ScriptFormat returns "module" or "legacy-body" (or "" when unset).
func (b Blueprint) ScriptFormat() string { return stringField(b, "scriptFormat") }

// ScriptRef returns the id of the script-group main, for variants.
func (b Blueprint) ScriptRef() string { return stringField(b, "scriptRef") }

// CreatedAt returns the creation timestamp as stored.
func (b Blueprint) CreatedAt() string { return stringField(b, "createdAt") }

// Version returns the mutation counter.
func (b Blueprint) Version() int64 { return intField(b, "version") }

// Keep reports whether remote removals must not be mirrored to disk.
func (b Blueprint) Keep() bool { return boolField(b, "keep") }

// ScriptFiles returns the path to asset URL map, or nil.
func (b Blueprint) ScriptFiles() map[string]string {
	raw, ok := b["scriptFiles"].(map[string]any)
	if !ok {
		if typed, ok := b["scriptFiles"].(map[string]string); ok {
			return typed
		}
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Props returns the props map, or nil.
func (b Blueprint) Props() map[string]any {
	p, _ := b["props"].(map[string]any)
	return p
}

// Clone returns a deep copy.
func (b Blueprint) Clone() Blueprint {
	if b == nil {
		return nil
	}
	return Blueprint(cloneMap(b))
}

// ID returns the entity id.
func (e Entity) ID() string { return stringField(e, "id") }

// UID returns the entity uid, if assigned.
func (e Entity) UID() string { return stringField(e, "uid") }

// BlueprintID returns the id of the blueprint this entity instantiates.
func (e Entity) BlueprintID() string { return stringField(e, "blueprint") }

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	return Entity(cloneMap(e))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// Spawn is the world spawn point.
type Spawn struct {
	Position   []float64 `json:"position"`
	Quaternion []float64 `json:"quaternion"`
}

// Validate checks the vector lengths.
func (s *Spawn) Validate() error {
	if len(s.Position) != 3 {
		return fmt.Errorf("spawn.position must have 3 components, got %d", len(s.Position))
	}
	if len(s.Quaternion) != 4 {
		return fmt.Errorf("spawn.quaternion must have 4 components, got %d", len(s.Quaternion))
	}
	return nil
}

// Snapshot is the full world state returned by GET /admin/snapshot.
type Snapshot struct {
	WorldID    string         `json:"worldId"`
	AssetsURL  string         `json:"assetsUrl"`
	Settings   map[string]any `json:"settings"`
	Spawn      Spawn          `json:"spawn"`
	Blueprints []Blueprint    `json:"blueprints"`
	Entities   []Entity       `json:"entities"`
}

// BlueprintByID indexes the snapshot's blueprints.
func (s *Snapshot) BlueprintByID() map[string]Blueprint {
	out := make(map[string]Blueprint, len(s.Blueprints))
	for _, bp := range s.Blueprints {
		out[bp.ID()] = bp
	}
	return out
}

// OperationKind identifies what a changefeed operation touched.
type OperationKind string

const (
	OpBlueprintAdd    OperationKind = "blueprint.add"
	OpBlueprintUpdate OperationKind = "blueprint.update"
	OpBlueprintRemove OperationKind = "blueprint.remove"
	OpEntityAdd       OperationKind = "entity.add"
	OpEntityUpdate    OperationKind = "entity.update"
	OpEntityRemove    OperationKind = "entity.remove"
	OpWorldSettings   OperationKind = "world.settings"
	OpWorldSpawn      OperationKind = "world.spawn"
)

// IsBlueprint reports whether the operation targets a blueprint.
func (k OperationKind) IsBlueprint() bool { return strings.HasPrefix(string(k), "blueprint.") }

// IsEntity reports whether the operation targets an entity.
func (k OperationKind) IsEntity() bool { return strings.HasPrefix(string(k), "entity.") }

// Operation is one changefeed entry.
type Operation struct {
	Cursor    int64           `json:"cursor"`
	OpID      string          `json:"opId"`
	TS        string          `json:"ts"`
	Actor     string          `json:"actor"`
	Source    string          `json:"source"`
	Kind      OperationKind   `json:"kind"`
	ObjectUID string          `json:"objectUid,omitempty"`
	ObjectID  string          `json:"objectId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ObjectKey returns the uid when present, else the id.
func (o Operation) ObjectKey() string {
	if o.ObjectUID != "" {
		return o.ObjectUID
	}
	return o.ObjectID
}

// Changes is a page of the changefeed.
type Changes struct {
	Operations []Operation `json:"operations"`
	Cursor     int64       `json:"cursor"`
	HeadCursor int64       `json:"headCursor"`
}

// ChangesQuery selects a changefeed page. A nil Cursor asks only for the
// head position.
type ChangesQuery struct {
	Cursor *int64
	Limit  int
}

// DeployLock is a server-issued scoped mutex.
type DeployLock struct {
	Token       string `json:"token,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Scope       string `json:"scope,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
	ExpiresInMs int64  `json:"expiresInMs,omitempty"`
}

// String renders a short lock summary for operators.
func (l *DeployLock) String() string {
	if l == nil {
		return "<no lock>"
	}
	scope := l.Scope
	if scope == "" {
		scope = GlobalScope
	}
	owner := l.Owner
	if owner == "" {
		owner = "unknown"
	}
	if l.ExpiresInMs > 0 {
		return fmt.Sprintf("held by %s (scope %s, expires in %ds)", owner, scope, l.ExpiresInMs/1000)
	}
	return fmt.Sprintf("held by %s (scope %s)", owner, scope)
}

// LockRequest is the body of deploy-lock calls.
type LockRequest struct {
	Owner string `json:"owner,omitempty"`
	TTL   int64  `json:"ttl,omitempty"`
	Scope string `json:"scope,omitempty"`
	Token string `json:"token,omitempty"`
}

// DeploySnapshot is a server-side rollback checkpoint.
type DeploySnapshot struct {
	ID           string   `json:"id"`
	Target       string   `json:"target,omitempty"`
	Note         string   `json:"note,omitempty"`
	CreatedAt    string   `json:"createdAt,omitempty"`
	BlueprintIDs []string `json:"blueprintIds,omitempty"`
}

// DeploySnapshotRequest creates a DeploySnapshot.
type DeploySnapshotRequest struct {
	IDs       []string `json:"ids"`
	Target    string   `json:"target,omitempty"`
	Note      string   `json:"note,omitempty"`
	LockToken string   `json:"lockToken"`
	Scope     string   `json:"scope,omitempty"`
}

// RollbackRequest restores a DeploySnapshot. An empty ID selects the most
// recent snapshot.
type RollbackRequest struct {
	ID        string `json:"id,omitempty"`
	LockToken string `json:"lockToken"`
	Scope     string `json:"scope,omitempty"`
}

// RollbackResult reports what a rollback restored.
type RollbackResult struct {
	ID       string   `json:"id"`
	Restored []string `json:"restored"`
}

// Upload is an asset to push.
type Upload struct {
	Filename string
	Data     []byte
	MimeType string
}
