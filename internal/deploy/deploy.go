// Package deploy applies batches of blueprint, entity and world changes to
// the runtime under a scoped deploy lock, with a deploy snapshot taken first
// so the batch can be rolled back.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/lobby-ws/gamedev-sub000/internal/assets"
	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// DefaultLockTTL is requested for every deploy lock.
const DefaultLockTTL = 60 * time.Second

// releaseTimeout bounds the lock release issued after a batch.
const releaseTimeout = 5 * time.Second

// Client is the admin surface the coordinator drives.
type Client interface {
	AcquireDeployLock(ctx context.Context, req admin.LockRequest) (*admin.DeployLock, error)
	ReleaseDeployLock(ctx context.Context, token, scope string) error
	CreateDeploySnapshot(ctx context.Context, req admin.DeploySnapshotRequest) (*admin.DeploySnapshot, error)
	RollbackDeploySnapshot(ctx context.Context, req admin.RollbackRequest) (*admin.RollbackResult, error)
	GetBlueprint(ctx context.Context, id string) (admin.Blueprint, error)
	AddBlueprint(ctx context.Context, bp admin.Blueprint, lockToken string) error
	ModifyBlueprint(ctx context.Context, change admin.Blueprint, lockToken string) error
	RemoveBlueprint(ctx context.Context, id, lockToken string) error
	AddEntity(ctx context.Context, e admin.Entity) error
	ModifyEntity(ctx context.Context, change admin.Entity) error
	RemoveEntity(ctx context.Context, id string) error
	ModifySettings(ctx context.Context, key string, value any) error
	SetSpawn(ctx context.Context, spawn admin.Spawn) error
}

// Uploader pushes files to the asset store.
type Uploader interface {
	Upload(ctx context.Context, files []assets.File) (int, error)
}

// Upsert is one blueprint to create or update. Current is the runtime copy,
// nil for a new blueprint.
type Upsert struct {
	Blueprint admin.Blueprint
	Current   admin.Blueprint
	Scripts   []assets.File
	Assets    []assets.File
}

// Removal is one blueprint to delete.
type Removal struct {
	ID    string
	Scope string
}

// EntityOpKind names an entity mutation.
type EntityOpKind string

// Entity mutations.
const (
	EntityAdd    EntityOpKind = "add"
	EntityModify EntityOpKind = "modify"
	EntityRemove EntityOpKind = "remove"
)

// EntityOp is one entity mutation. Modify sends Entity as a partial change.
type EntityOp struct {
	Kind   EntityOpKind
	Entity admin.Entity
}

// Batch is everything one deploy applies.
type Batch struct {
	Upserts  []Upsert
	Removals []Removal
	Entities []EntityOp
	Settings map[string]any
	Spawn    *admin.Spawn
	Target   string
	Note     string
}

// HasBlueprints reports whether the batch mutates blueprints and so needs a
// lock.
func (b *Batch) HasBlueprints() bool { return len(b.Upserts)+len(b.Removals) > 0 }

// IsEmpty reports whether the batch does nothing.
func (b *Batch) IsEmpty() bool {
	return !b.HasBlueprints() && len(b.Entities) == 0 && len(b.Settings) == 0 && b.Spawn == nil
}

// Result reports what a batch did.
type Result struct {
	Scope    string
	Snapshot *admin.DeploySnapshot
	Added    []string
	Modified []string
	Removed  []string
	Entities int
	Uploaded int
	Applied  map[string]admin.Blueprint
}

// Options configures a Coordinator.
type Options struct {
	Client   Client
	Uploader Uploader
	Owner    string
	LockTTL  time.Duration
	Logger   *log.Logger
}

// Coordinator applies batches.
type Coordinator struct {
	client   Client
	uploader Uploader
	owner    string
	ttl      time.Duration
	logger   *log.Logger
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		client:   opts.Client,
		uploader: opts.Uploader,
		owner:    opts.Owner,
		ttl:      opts.LockTTL,
		logger:   opts.Logger,
	}
	if c.owner == "" {
		c.owner = "lobby"
	}
	if c.ttl <= 0 {
		c.ttl = DefaultLockTTL
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	return c
}

// SelectScope picks the lock scope for a batch: the single scope shared by
// every blueprint, or "global" when they differ or none has one. A new
// blueprint without a scope is rejected.
func SelectScope(b *Batch) (string, error) {
	scopes := map[string]bool{}
	for _, u := range b.Upserts {
		scope := u.Blueprint.Scope()
		if scope == "" && u.Current != nil {
			scope = u.Current.Scope()
		}
		if scope == "" {
			if u.Current == nil {
				return "", errcode.New(errcode.ScopeUnknown, u.Blueprint.ID())
			}
			scope = admin.GlobalScope
		}
		scopes[scope] = true
	}
	for _, r := range b.Removals {
		scope := r.Scope
		if scope == "" {
			scope = admin.GlobalScope
		}
		scopes[scope] = true
	}
	switch len(scopes) {
	case 0:
		return admin.GlobalScope, nil
	case 1:
		for s := range scopes {
			return s, nil
		}
	}
	return admin.GlobalScope, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func batchScopes(b *Batch) []string {
	scopes := map[string]bool{}
	for _, u := range b.Upserts {
		if s := u.Blueprint.Scope(); s != "" {
			scopes[s] = true
		} else if u.Current != nil && u.Current.Scope() != "" {
			scopes[u.Current.Scope()] = true
		}
	}
	for _, r := range b.Removals {
		if r.Scope != "" {
			scopes[r.Scope] = true
		}
	}
	return sortedKeys(scopes)
}

// LockError is returned when the deploy lock is held elsewhere.
type LockError struct {
	Scope string
	Lock  *admin.DeployLock
	Err   error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("deploy lock for scope %s is %s", e.Scope, e.Lock)
}

func (e *LockError) Unwrap() error { return e.Err }

// Lock is a held deploy lock.
type Lock struct {
	*admin.DeployLock
	release func()
}

// Release gives the lock back. Safe to call more than once.
func (l *Lock) Release() {
	if l.release != nil {
		l.release()
		l.release = nil
	}
}

// Acquire takes the deploy lock for scope.
func (c *Coordinator) Acquire(ctx context.Context, scope string) (*Lock, error) {
	lock, err := c.client.AcquireDeployLock(ctx, admin.LockRequest{
		Owner: c.owner,
		TTL:   c.ttl.Milliseconds(),
		Scope: scope,
	})
	if err != nil {
		var ae *admin.Error
		if admin.IsLocked(err) && errors.As(err, &ae) {
			return nil, &LockError{Scope: scope, Lock: ae.Lock, Err: err}
		}
		return nil, fmt.Errorf("failed to acquire deploy lock: %w", err)
	}
	token := lock.Token
	return &Lock{DeployLock: lock, release: func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := c.client.ReleaseDeployLock(ctx, token, scope); err != nil {
			c.logger.Printf("[Deploy] Failed to release %s lock: %v", scope, err)
		}
	}}, nil
}

// Apply runs a batch: lock, snapshot, uploads, blueprint upserts, entity and
// world changes, then blueprint removals so entities leave before the
// blueprints they use. The lock is always released.
func (c *Coordinator) Apply(ctx context.Context, b *Batch) (*Result, error) {
	result := &Result{Applied: map[string]admin.Blueprint{}}
	if b.IsEmpty() {
		return result, nil
	}

	var token string
	if b.HasBlueprints() {
		scope, err := SelectScope(b)
		if err != nil {
			return nil, err
		}
		if scopes := batchScopes(b); len(scopes) > 1 {
			c.logger.Printf("[Deploy] Batch spans scopes %s; using %s lock", strings.Join(scopes, ", "), admin.GlobalScope)
		}
		result.Scope = scope

		lock, err := c.Acquire(ctx, scope)
		if err != nil {
			return nil, err
		}
		defer lock.Release()
		token = lock.Token

		if err := c.applyUpserts(ctx, b, token, scope, result); err != nil {
			return result, err
		}
	}

	if err := c.applyWorld(ctx, b, result); err != nil {
		return result, err
	}

	for _, r := range b.Removals {
		if err := c.client.RemoveBlueprint(ctx, r.ID, token); err != nil {
			if admin.IsNotFound(err) {
				continue
			}
			return result, fmt.Errorf("failed to remove blueprint %s: %w", r.ID, err)
		}
		result.Removed = append(result.Removed, r.ID)
	}
	return result, nil
}

func (c *Coordinator) applyUpserts(ctx context.Context, b *Batch, token, scope string, result *Result) error {
	var existing []string
	for _, u := range b.Upserts {
		if u.Current != nil {
			existing = append(existing, u.Blueprint.ID())
		}
	}
	for _, r := range b.Removals {
		existing = append(existing, r.ID)
	}
	if len(existing) > 0 {
		snap, err := c.client.CreateDeploySnapshot(ctx, admin.DeploySnapshotRequest{
			IDs:       existing,
			Target:    b.Target,
			Note:      b.Note,
			LockToken: token,
			Scope:     scope,
		})
		if err != nil {
			return fmt.Errorf("failed to create deploy snapshot: %w", err)
		}
		result.Snapshot = snap
		c.logger.Printf("[Deploy] Snapshot %s covers %d blueprint(s)", snap.ID, len(existing))
	}

	var scripts, others []assets.File
	for _, u := range b.Upserts {
		scripts = append(scripts, u.Scripts...)
		others = append(others, u.Assets...)
	}
	if c.uploader != nil {
		for _, files := range [][]assets.File{scripts, others} {
			if len(files) == 0 {
				continue
			}
			n, err := c.uploader.Upload(ctx, files)
			result.Uploaded += n
			if err != nil {
				return err
			}
		}
	}

	for _, u := range b.Upserts {
		id := u.Blueprint.ID()
		if u.Current == nil {
			bp := u.Blueprint.Clone()
			if _, ok := bp["version"]; !ok {
				bp["version"] = float64(0)
			}
			if err := c.client.AddBlueprint(ctx, bp, token); err != nil {
				return fmt.Errorf("failed to add blueprint %s: %w", id, err)
			}
			result.Added = append(result.Added, id)
			result.Applied[id] = bp
			continue
		}
		applied, err := c.modify(ctx, u.Blueprint, u.Current, token)
		if err != nil {
			return fmt.Errorf("failed to update blueprint %s: %w", id, err)
		}
		result.Modified = append(result.Modified, id)
		result.Applied[id] = applied
	}

	return nil
}

// modify sends version = current+1. A version mismatch is retried once
// against the server's current copy.
func (c *Coordinator) modify(ctx context.Context, desired, current admin.Blueprint, token string) (admin.Blueprint, error) {
	change := Change(desired, current)
	err := c.client.ModifyBlueprint(ctx, change, token)
	if err == nil || !admin.IsVersionMismatch(err) {
		return applyChange(current, change), err
	}

	var fresh admin.Blueprint
	var ae *admin.Error
	if errors.As(err, &ae) && ae.Current != nil {
		fresh = admin.Blueprint(ae.Current)
	} else {
		fresh, err = c.client.GetBlueprint(ctx, desired.ID())
		if err != nil {
			return nil, err
		}
	}
	c.logger.Printf("[Deploy] %s: version mismatch, retrying on version %d", desired.ID(), fresh.Version())
	change = Change(desired, fresh)
	if err := c.client.ModifyBlueprint(ctx, change, token); err != nil {
		return nil, err
	}
	return applyChange(fresh, change), nil
}

// preservedFields are kept from the runtime copy when desired omits them.
var preservedFields = map[string]bool{"version": true, "createdAt": true, "uid": true}

// Change builds the blueprint_modify payload that turns current into
// desired: every desired field, nulls for dropped fields and the next version.
func Change(desired, current admin.Blueprint) admin.Blueprint {
	change := desired.Clone()
	for k := range current {
		if _, ok := change[k]; !ok && !preservedFields[k] {
			change[k] = nil
		}
	}
	change["id"] = desired.ID()
	change["version"] = float64(current.Version() + 1)
	return change
}

func applyChange(current, change admin.Blueprint) admin.Blueprint {
	out := current.Clone()
	if out == nil {
		out = admin.Blueprint{}
	}
	for k, v := range change {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func (c *Coordinator) applyWorld(ctx context.Context, b *Batch, result *Result) error {
	for _, op := range b.Entities {
		var err error
		switch op.Kind {
		case EntityAdd:
			err = c.client.AddEntity(ctx, op.Entity)
		case EntityModify:
			err = c.client.ModifyEntity(ctx, op.Entity)
		case EntityRemove:
			err = c.client.RemoveEntity(ctx, op.Entity.ID())
			if admin.IsNotFound(err) {
				err = nil
			}
		}
		if err != nil {
			return fmt.Errorf("failed to %s entity %s: %w", op.Kind, op.Entity.ID(), err)
		}
		result.Entities++
	}

	keys := make([]string, 0, len(b.Settings))
	for k := range b.Settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := c.client.ModifySettings(ctx, k, b.Settings[k]); err != nil {
			return fmt.Errorf("failed to update setting %s: %w", k, err)
		}
	}

	if b.Spawn != nil {
		if err := c.client.SetSpawn(ctx, *b.Spawn); err != nil {
			return fmt.Errorf("failed to update spawn: %w", err)
		}
	}
	return nil
}

// Rollback restores a deploy snapshot (the latest when id is empty) under a
// lock of the given scope ("global" when empty).
func (c *Coordinator) Rollback(ctx context.Context, id, scope string) (*admin.RollbackResult, error) {
	if scope == "" {
		scope = admin.GlobalScope
	}
	lock, err := c.Acquire(ctx, scope)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	res, err := c.client.RollbackDeploySnapshot(ctx, admin.RollbackRequest{
		ID:        id,
		LockToken: lock.Token,
		Scope:     scope,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to roll back: %w", err)
	}
	c.logger.Printf("[Deploy] Rolled back snapshot %s (%d blueprint(s))", res.ID, len(res.Restored))
	return res, nil
}
