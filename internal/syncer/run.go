package syncer

import (
	"context"
	"fmt"
	"strings"

	"github.com/lobby-ws/gamedev-sub000/internal/activity"
	"github.com/lobby-ws/gamedev-sub000/internal/deploy"
	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/hashutil"
	"github.com/lobby-ws/gamedev-sub000/internal/manifest"
	"github.com/lobby-ws/gamedev-sub000/internal/project"
	"github.com/lobby-ws/gamedev-sub000/internal/reconcile"
	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// pass carries one run's inputs between its phases.
type pass struct {
	req        Request
	snap       *admin.Snapshot
	head       int64
	ops        []admin.Operation
	proj       *project.Projection
	manifest   *manifest.Manifest
	locals     map[string]*localBlueprint
	local      reconcile.Side
	remote     reconcile.Side
	remoteByID map[string]admin.Blueprint
	plan       *reconcile.Plan
	conflicted map[string]bool
	world      bool
	report     *Report
}

// Run performs one sync pass. A project with no blueprints and no
// world.json is filled from the runtime when no baseline exists yet.
func (s *Syncer) Run(ctx context.Context, req Request) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Direction == "" {
		req.Direction = Both
	}

	snap, err := s.remote.GetSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	if err := s.bindWorld(snap.WorldID); err != nil {
		return nil, err
	}
	ops, head, err := s.remote.GetChangesSince(ctx, s.state.Cursor(), changesPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}

	proj, err := project.Scan(s.root, s.logger)
	if err != nil {
		return nil, err
	}
	for _, w := range proj.Warnings {
		s.logger.Printf("[Sync] %s", w)
	}
	m, err := s.manifests.Read()
	malformed := manifest.IsMalformed(err)
	if err != nil && !malformed {
		return nil, err
	}

	if proj.IsEmpty() && m == nil && !malformed {
		if !s.state.IsEmpty() {
			return nil, errcode.New(errcode.EmptyProjectRequiresExport, s.root)
		}
		if req.DryRun || req.Direction == Push {
			return &Report{WorldID: snap.WorldID, Cursor: s.state.Cursor()}, nil
		}
		return s.export(ctx, snap, ops, head, req.Direction != Pull)
	}

	p := &pass{
		req:        req,
		snap:       snap,
		head:       head,
		ops:        ops,
		proj:       proj,
		manifest:   m,
		remoteByID: snap.BlueprintByID(),
		conflicted: map[string]bool{},
		world:      req.worldSelected(),
		report:     &Report{WorldID: snap.WorldID, Skipped: map[string]string{}},
	}
	if malformed {
		// an unreadable world.json is a half-saved edit, never a deletion
		s.logger.Printf("[Sync] Leaving %s untouched: %v", manifest.FileName, err)
		p.report.Skipped[manifest.FileName] = err.Error()
		p.world = false
	}
	if m != nil && p.world {
		if problems := manifest.Validate(m); len(problems) > 0 {
			s.logger.Printf("[Sync] Ignoring %s: %s", manifest.FileName, strings.Join(problems, "; "))
			p.world = false
		}
	}

	s.markInvalid(p)
	p.locals = s.buildLocal(proj, p.report.Skipped)
	p.local = s.localSide(p.locals, m)
	p.remote = remoteSide(snap)
	s.selectBlueprints(p)

	p.plan = reconcile.Reconcile(p.local, p.remote, s.state, s.policy)
	p.report.Plan = p.plan

	if err := s.collectConflicts(ctx, p); err != nil {
		return p.report, err
	}
	if req.DryRun {
		p.report.Cursor = s.state.Cursor()
		return p.report, nil
	}

	s.state.Begin()
	applyErr := s.apply(ctx, p)
	if applyErr == nil {
		s.state.AdvanceCursor(head)
		s.stampOps(ops)
	}
	s.state.End()
	p.report.Cursor = s.state.Cursor()

	if err := proj.Index.Save(s.root); err != nil && applyErr == nil {
		applyErr = err
	}
	if err := s.state.Flush(); err != nil && applyErr == nil {
		applyErr = err
	}
	if applyErr != nil {
		return p.report, applyErr
	}
	s.announce(ctx, p.report)
	return p.report, nil
}

// markInvalid shields blueprints whose config no longer parses, so an
// unreadable file never reads as a deletion.
func (s *Syncer) markInvalid(p *pass) {
	if len(p.proj.Invalid) == 0 {
		return
	}
	bad := make(map[string]string, len(p.proj.Invalid))
	for _, inv := range p.proj.Invalid {
		bad[inv.Path] = inv.Err.Error()
	}
	for _, id := range p.proj.Index.IDs() {
		if rel, ok := p.proj.Index.PathOf(id); ok {
			if reason, ok := bad[rel]; ok {
				p.report.Skipped[id] = reason
			}
		}
	}
}

// selectBlueprints drops blueprints outside the request from both sides so
// the reconcile leaves them untouched.
func (s *Syncer) selectBlueprints(p *pass) {
	var inApps map[string]bool
	if p.req.Apps != nil {
		inApps = appBlueprints(p.proj, p.snap, p.req.Apps)
	}
	keep := func(id string) bool {
		if p.req.OnlyWorld {
			return false
		}
		if _, skipped := p.report.Skipped[id]; skipped {
			return false
		}
		return inApps == nil || inApps[id]
	}
	for id := range p.local.Blueprints {
		if !keep(id) {
			delete(p.local.Blueprints, id)
		}
	}
	for id := range p.remote.Blueprints {
		if !keep(id) {
			delete(p.remote.Blueprints, id)
		}
	}
}

func conflictKey(kind, id string) string { return kind + "/" + id }

func conflictReason(c reconcile.Conflict) string {
	switch {
	case c.Local == nil:
		return "deleted locally, changed in runtime"
	case c.Remote == nil:
		return "deleted in runtime, changed locally"
	default:
		return "changed locally and in runtime"
	}
}

// collectConflicts records an artifact per conflict. An open artifact with
// the same hashes is reused; a stale one is superseded.
func (s *Syncer) collectConflicts(ctx context.Context, p *pass) error {
	for _, c := range p.plan.Conflicts {
		if c.Kind != syncstate.ArtifactBlueprint && !p.world {
			continue
		}
		p.conflicted[conflictKey(c.Kind, c.ObjectID)] = true
		a := c.Artifact(p.snap.WorldID, p.head, conflictReason(c))
		if p.req.DryRun {
			p.report.Conflicts = append(p.report.Conflicts, a)
			continue
		}

		existing, err := s.conflicts.FindOpen(c.Kind, c.ObjectID)
		if err != nil {
			return err
		}
		if existing != nil && existing.LocalHash == a.LocalHash && existing.RemoteHash == a.RemoteHash {
			p.report.Conflicts = append(p.report.Conflicts, existing)
			continue
		}
		if existing != nil {
			if err := s.conflicts.MarkResolved(existing, "superseded"); err != nil {
				return err
			}
		}
		if err := s.conflicts.Save(a); err != nil {
			return err
		}
		s.state.AddConflictSummary(a.Summary())
		p.report.Conflicts = append(p.report.Conflicts, a)
		s.logger.Printf("[Sync] Conflict on %s %s (%s); recorded as %s", a.Kind, a.ObjectID, a.Reason, a.ID)
		s.publish(ctx, &activity.Event{
			Type:     activity.TypeConflict,
			Kind:     a.Kind,
			ObjectID: a.ObjectID,
			Message:  a.Reason,
			Data:     map[string]any{"conflict": a.ID},
		})
	}

	if n := len(p.report.Conflicts); n > 0 && p.req.Strict {
		return errcode.Newf(errcode.SyncConflictDetected, "%d unresolved conflict(s); run `lobby sync conflicts`", n)
	}
	return nil
}

// apply writes runtime changes to disk, deploys local changes and records
// the new baseline for everything it settled.
func (s *Syncer) apply(ctx context.Context, p *pass) error {
	pull := p.req.Direction != Push
	push := p.req.Direction != Pull
	bps := p.plan.Blueprints
	report := p.report

	for _, id := range sortedIDs(p.local.Blueprints) {
		if l, r := p.local.Blueprints[id], p.remote.Blueprints[id]; r != nil && syncstate.Hash(l) == syncstate.Hash(r) {
			s.settleBlueprint(id, l)
		}
	}

	if pull {
		var exports []admin.Blueprint
		for _, id := range bps.RemoteOnlyUpserts {
			exports = append(exports, p.remoteByID[id])
		}
		for _, a := range bps.MergedActions {
			if a.LocalNeedsUpdate {
				exports = append(exports, admin.Blueprint(a.Merged))
			}
		}
		ids, err := s.exportBlueprints(ctx, p.proj.Index, exports, scriptMains(p.snap.Blueprints))
		report.Exported = ids
		if err != nil {
			return err
		}
		for _, id := range bps.RemoteOnlyUpserts {
			s.settleBlueprint(id, p.remote.Blueprints[id])
		}
		for _, a := range bps.MergedActions {
			if a.LocalNeedsUpdate && !a.RemoteNeedsUpdate {
				s.settleBlueprint(a.ID, a.Merged)
			}
		}
		for _, id := range bps.RemoteOnlyRemovals {
			if lb := p.locals[id]; lb != nil && lb.source.Keep {
				s.logger.Printf("[Sync] Keeping %s: removed from the runtime but marked keep", id)
				report.Kept = append(report.Kept, id)
				continue
			}
			if err := project.RemoveConfig(s.root, p.proj.Index, s.pw, id); err != nil {
				return fmt.Errorf("failed to remove config for %s: %w", id, err)
			}
			report.Removed = append(report.Removed, id)
			s.settleBlueprint(id, nil)
		}
	}

	batch := &deploy.Batch{Target: s.target, Note: p.req.Note}
	if push {
		for _, id := range bps.LocalOnlyUpserts {
			lb := p.locals[id]
			current := p.remoteByID[id]
			if p.req.RequireExisting && current == nil {
				return errcode.Newf(errcode.DeployRequired, "%s does not exist in the runtime yet; deploy it first", id)
			}
			batch.Upserts = append(batch.Upserts, deploy.Upsert{Blueprint: lb.payload, Current: current, Scripts: lb.scripts, Assets: lb.files})
		}
		for _, a := range bps.MergedActions {
			if !a.RemoteNeedsUpdate {
				continue
			}
			up := deploy.Upsert{Blueprint: admin.Blueprint(a.Merged).Clone(), Current: p.remoteByID[a.ID]}
			if lb := p.locals[a.ID]; lb != nil {
				up.Scripts, up.Assets = lb.scripts, lb.files
			}
			batch.Upserts = append(batch.Upserts, up)
		}
		for _, id := range bps.LocalOnlyRemovals {
			batch.Removals = append(batch.Removals, deploy.Removal{ID: id, Scope: p.remoteByID[id].Scope()})
		}
		if pull {
			s.stageGroupFixups(p, batch)
		}
	}

	if p.world {
		if err := s.stageWorld(p, batch); err != nil {
			return err
		}
	}

	if !batch.IsEmpty() {
		result, err := s.deployer.Apply(ctx, batch)
		report.Deploy = result
		if result != nil {
			report.Deployed = append(append(report.Deployed, result.Added...), result.Modified...)
			report.RemoteRemoved = append(report.RemoteRemoved, result.Removed...)
			report.WorldPushed = result.Entities
		}
		if err != nil {
			return err
		}
		if err := s.settleDeploy(ctx, p, batch, result); err != nil {
			return err
		}
		if len(batch.Settings) > 0 {
			report.WorldPushed += len(batch.Settings)
		}
		if batch.Spawn != nil {
			report.WorldPushed++
		}
	}

	if p.world {
		s.settleWorld(p)
	}
	return nil
}

// stageWorld writes runtime world changes to world.json and queues local
// ones on the batch.
func (s *Syncer) stageWorld(p *pass, batch *deploy.Batch) error {
	mp := p.plan.Manifest
	if mp.RemoteOnly || p.manifest == nil {
		changed, err := s.manifests.Write(mp.MergedManifest)
		if err != nil {
			return err
		}
		p.report.ManifestWritten = changed
	}

	want := func(id string) map[string]any { return p.local.Entities[id] }
	for _, id := range mp.LocalOnlyEntities {
		if op, ok := entityOp(id, want(id), p.remote.Entities[id]); ok {
			batch.Entities = append(batch.Entities, op)
		}
	}
	for _, a := range mp.MergedEntities {
		if !a.RemoteNeedsUpdate {
			continue
		}
		if op, ok := entityOp(a.ID, a.Merged, p.remote.Entities[a.ID]); ok {
			batch.Entities = append(batch.Entities, op)
		}
	}

	if mp.SettingsMode == reconcile.ModeLocal || mp.SettingsMode == reconcile.ModeMerged {
		batch.Settings = settingsChanges(syncstate.NormalizeSettings(mp.MergedManifest.Settings), p.remote.Settings)
	}
	if mp.SpawnMode == reconcile.ModeLocal || mp.SpawnMode == reconcile.ModeMerged {
		spawn := mp.MergedManifest.Spawn
		batch.Spawn = &spawn
	}
	return nil
}

// entityOp turns the desired entity into the mutation that gets the runtime
// from have to want.
func entityOp(id string, want, have map[string]any) (deploy.EntityOp, bool) {
	switch {
	case want == nil && have == nil:
		return deploy.EntityOp{}, false
	case want == nil:
		return deploy.EntityOp{Kind: deploy.EntityRemove, Entity: admin.Entity{"id": id}}, true
	case have == nil:
		return deploy.EntityOp{Kind: deploy.EntityAdd, Entity: manifest.RemoteEntity(admin.Entity(want))}, true
	}
	change := admin.Entity(want).Clone()
	for k := range have {
		if _, ok := change[k]; !ok {
			change[k] = nil
		}
	}
	change["id"] = id
	return deploy.EntityOp{Kind: deploy.EntityModify, Entity: change}, true
}

// settingsChanges returns the keys whose value differs, with nil for keys
// the runtime should drop.
func settingsChanges(want, have map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range want {
		if !hashutil.Equal(v, have[k]) {
			out[k] = v
		}
	}
	for k := range have {
		if _, ok := want[k]; !ok {
			out[k] = nil
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// settleDeploy records deployed blueprints in the baseline and writes back
// fields the runtime kept that the local config lacks.
func (s *Syncer) settleDeploy(ctx context.Context, p *pass, batch *deploy.Batch, result *deploy.Result) error {
	var writeBack []admin.Blueprint
	for _, id := range sortedIDs(result.Applied) {
		applied := result.Applied[id]
		norm := syncstate.NormalizeBlueprint(applied)
		s.settleBlueprint(id, norm)
		if !hashutil.Equal(norm, p.local.Blueprints[id]) {
			writeBack = append(writeBack, applied)
		}
	}
	for _, r := range batch.Removals {
		s.settleBlueprint(r.ID, nil)
	}
	if len(writeBack) == 0 {
		return nil
	}
	_, err := s.exportBlueprints(ctx, p.proj.Index, writeBack, scriptMains(withApplied(p.snap.Blueprints, result.Applied)))
	return err
}

// stageGroupFixups queues script group fixes for blueprints this pass just
// exported from the runtime. Blueprints the batch already carries are
// deployed from their project form, which is grouped already.
func (s *Syncer) stageGroupFixups(p *pass, batch *deploy.Batch) {
	exported := make(map[string]bool, len(p.plan.Blueprints.RemoteOnlyUpserts))
	for _, id := range p.plan.Blueprints.RemoteOnlyUpserts {
		exported[id] = true
	}
	queued := make(map[string]bool, len(batch.Upserts))
	for _, up := range batch.Upserts {
		queued[up.Blueprint.ID()] = true
	}
	var n int
	for _, up := range groupFixups(p.snap.Blueprints) {
		id := up.Blueprint.ID()
		if !exported[id] || queued[id] {
			continue
		}
		batch.Upserts = append(batch.Upserts, up)
		n++
	}
	if n > 0 && batch.Note == "" {
		batch.Note = groupFixupNote
	}
}

// settleWorld records the world baseline after a successful apply.
// Conflicted fields keep their previous baseline.
func (s *Syncer) settleWorld(p *pass) {
	mp := p.plan.Manifest
	merged := mp.MergedManifest
	if mp.SettingsMode != reconcile.ModeConflict {
		s.state.PutSettings(syncstate.NormalizeSettings(merged.Settings))
	}
	if mp.SpawnMode != reconcile.ModeConflict {
		s.state.PutSpawn(syncstate.NormalizeSpawn(merged.Spawn))
	}

	final := make(map[string]map[string]any, len(merged.Entities))
	for _, e := range merged.Entities {
		final[e.ID()] = syncstate.NormalizeEntity(e)
	}
	ids := make(map[string]bool)
	for id := range p.local.Entities {
		ids[id] = true
	}
	for id := range p.remote.Entities {
		ids[id] = true
	}
	for _, id := range sortedIDs(ids) {
		if p.conflicted[conflictKey(syncstate.ArtifactEntity, id)] {
			continue
		}
		if v := final[id]; v != nil {
			uid, _ := v["uid"].(string)
			s.state.Put(syncstate.KindEntity, id, uid, v)
			continue
		}
		if rec := s.state.Find(syncstate.KindEntity, id, ""); rec != nil {
			s.state.Delete(syncstate.KindEntity, syncstate.Key(rec.ID, rec.UID))
		}
	}
}

// settleBlueprint records value as the blueprint's baseline, or drops the
// baseline when value is nil.
func (s *Syncer) settleBlueprint(id string, value map[string]any) {
	if value == nil {
		if rec := s.state.Find(syncstate.KindBlueprint, id, ""); rec != nil {
			s.state.Delete(syncstate.KindBlueprint, syncstate.Key(rec.ID, rec.UID))
		}
		return
	}
	uid, _ := value["uid"].(string)
	s.state.Put(syncstate.KindBlueprint, id, uid, value)
}

// announce publishes what a run changed.
func (s *Syncer) announce(ctx context.Context, r *Report) {
	for _, id := range r.Exported {
		s.publish(ctx, &activity.Event{Type: activity.TypePull, Kind: syncstate.ArtifactBlueprint, ObjectID: id, Message: "written to disk"})
	}
	for _, id := range r.Removed {
		s.publish(ctx, &activity.Event{Type: activity.TypeRemove, Kind: syncstate.ArtifactBlueprint, ObjectID: id, Message: "config removed"})
	}
	for _, id := range r.Deployed {
		s.publish(ctx, &activity.Event{Type: activity.TypeDeploy, Kind: syncstate.ArtifactBlueprint, ObjectID: id, Message: "deployed"})
	}
	for _, id := range r.RemoteRemoved {
		s.publish(ctx, &activity.Event{Type: activity.TypeRemove, Kind: syncstate.ArtifactBlueprint, ObjectID: id, Message: "removed from runtime"})
	}
	if r.ManifestWritten || r.WorldPushed > 0 {
		s.publish(ctx, &activity.Event{
			Type:    activity.TypeManifest,
			Message: "world synced",
			Data:    map[string]any{"written": r.ManifestWritten, "pushed": r.WorldPushed},
		})
	}
	if r.Changed() {
		s.logger.Printf("[Sync] exported=%d removed=%d deployed=%d remote_removed=%d manifest=%t world_pushed=%d conflicts=%d",
			len(r.Exported), len(r.Removed), len(r.Deployed), len(r.RemoteRemoved), r.ManifestWritten, r.WorldPushed, len(r.Conflicts))
	}
}
