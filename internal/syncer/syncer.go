// Package syncer keeps a project directory and a world runtime convergent.
// Each run builds the local and runtime sides, reconciles them against the
// sync-state baseline, writes runtime changes to disk, deploys local changes
// and records the new baseline.
package syncer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/lobby-ws/gamedev-sub000/internal/activity"
	"github.com/lobby-ws/gamedev-sub000/internal/assets"
	"github.com/lobby-ws/gamedev-sub000/internal/bundler"
	"github.com/lobby-ws/gamedev-sub000/internal/deploy"
	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/fsutil"
	"github.com/lobby-ws/gamedev-sub000/internal/hashutil"
	"github.com/lobby-ws/gamedev-sub000/internal/manifest"
	"github.com/lobby-ws/gamedev-sub000/internal/reconcile"
	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// changesPageSize is the changefeed page size used at every run.
const changesPageSize = 500

// groupFixupNote labels deploys that only reshape script groups.
const groupFixupNote = "script group normalization"

// Remote is the runtime surface a Syncer drives.
type Remote interface {
	deploy.Client
	assets.Store
	GetSnapshot(ctx context.Context) (*admin.Snapshot, error)
	GetChangesSince(ctx context.Context, cursor int64, pageSize int) ([]admin.Operation, int64, error)
}

// Direction limits which way blueprint changes flow in a run.
type Direction string

// Directions.
const (
	Both Direction = "both"
	Push Direction = "push"
	Pull Direction = "pull"
)

// Request selects what a run covers.
type Request struct {
	// Apps limits blueprint work to these apps. Nil means every app.
	Apps []string
	// OnlyWorld skips blueprints entirely.
	OnlyWorld bool
	// SkipWorld leaves world.json, entities, settings and spawn alone.
	SkipWorld bool
	Direction Direction
	// Strict aborts before applying anything when a conflict is found.
	Strict bool
	DryRun bool
	// RequireExisting refuses to create blueprints the runtime lacks.
	RequireExisting bool
	Note            string
}

func (r Request) worldSelected() bool { return !r.SkipWorld }

// Report describes a run.
type Report struct {
	WorldID string
	Cursor  int64
	// Initial is set when the run exported the runtime into an empty project.
	Initial         bool
	Exported        []string
	Deployed        []string
	Removed         []string
	RemoteRemoved   []string
	Kept            []string
	Skipped         map[string]string
	ManifestWritten bool
	WorldPushed     int
	Conflicts       []*syncstate.Artifact
	Plan            *reconcile.Plan
	Deploy          *deploy.Result
}

// Changed reports whether the run touched either side.
func (r *Report) Changed() bool {
	return len(r.Exported)+len(r.Deployed)+len(r.Removed)+len(r.RemoteRemoved) > 0 ||
		r.ManifestWritten || r.WorldPushed > 0
}

// Options configures a Syncer.
type Options struct {
	Root   string
	Remote Remote
	// WorldID, when set, must match the runtime's world id.
	WorldID string
	// Owner is recorded on deploy locks.
	Owner string
	// Target names the remote target on deploy snapshots.
	Target string
	// Policy overrides .lobby/sync-policy.json.
	Policy        *reconcile.Policy
	PendingWrites *fsutil.PendingWrites
	Activity      activity.Publisher
	Logger        *log.Logger
	// FetchAttempts and FetchStep tune asset download retries.
	FetchAttempts int
	FetchStep     time.Duration
}

// Syncer runs sync passes for one project and one world. Runs are
// serialized.
type Syncer struct {
	root     string
	remote   Remote
	worldID  string
	target   string
	policy   reconcile.Policy
	pw       *fsutil.PendingWrites
	logger   *log.Logger
	activity activity.Publisher

	hasher    *hashutil.FileHasher
	state     *syncstate.Store
	conflicts *syncstate.ConflictStore
	manifests *manifest.Store
	assets    *assets.Pipeline
	bundler   *bundler.Bundler
	deployer  *deploy.Coordinator

	mu sync.Mutex
}

// New opens the project's sync state and wires the pipeline.
func New(opts Options) (*Syncer, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("project root cannot be empty")
	}
	if opts.Remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	s := &Syncer{
		root:     opts.Root,
		remote:   opts.Remote,
		worldID:  opts.WorldID,
		target:   opts.Target,
		pw:       opts.PendingWrites,
		logger:   opts.Logger,
		activity: opts.Activity,
		hasher:   hashutil.NewFileHasher(hashutil.DefaultFileCacheSize),
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.pw == nil {
		s.pw = fsutil.NewPendingWrites(0)
	}
	if s.activity == nil {
		s.activity = activity.Discard{}
	}

	if opts.Policy != nil {
		s.policy = *opts.Policy
	} else {
		policy, warnings, err := reconcile.LoadPolicy(opts.Root)
		if err != nil {
			return nil, err
		}
		for _, w := range warnings {
			s.logger.Printf("[Sync] Policy: %s", w)
		}
		s.policy = policy
	}

	state, err := syncstate.Open(opts.Root, syncstate.Options{PendingWrites: s.pw, Logger: s.logger})
	if err != nil {
		return nil, err
	}
	s.state = state
	s.conflicts = syncstate.NewConflictStore(opts.Root, s.pw)
	s.manifests = manifest.NewStore(opts.Root, s.pw, s.logger)

	s.assets, err = assets.New(assets.Options{
		Root:          opts.Root,
		Store:         opts.Remote,
		Hasher:        s.hasher,
		PendingWrites: s.pw,
		Logger:        s.logger,
		FetchAttempts: opts.FetchAttempts,
		FetchStep:     opts.FetchStep,
	})
	if err != nil {
		return nil, err
	}
	s.bundler, err = bundler.New(bundler.Options{Root: opts.Root, Hasher: s.hasher, Logger: s.logger})
	if err != nil {
		return nil, err
	}
	s.deployer = deploy.New(deploy.Options{
		Client:   opts.Remote,
		Uploader: s.assets,
		Owner:    opts.Owner,
		Logger:   s.logger,
	})
	return s, nil
}

// Root returns the project root.
func (s *Syncer) Root() string { return s.root }

// State returns the baseline store.
func (s *Syncer) State() *syncstate.Store { return s.state }

// Conflicts returns the conflict artifact store.
func (s *Syncer) Conflicts() *syncstate.ConflictStore { return s.conflicts }

// Manifests returns the world.json store.
func (s *Syncer) Manifests() *manifest.Store { return s.manifests }

// Deployer returns the deploy coordinator.
func (s *Syncer) Deployer() *deploy.Coordinator { return s.deployer }

// PendingWrites returns the self-write tracker shared with the watcher.
func (s *Syncer) PendingWrites() *fsutil.PendingWrites { return s.pw }

// Close flushes the baseline.
func (s *Syncer) Close() error {
	return s.state.Close()
}

func (s *Syncer) publish(ctx context.Context, ev *activity.Event) {
	if ev.WorldID == "" {
		ev.WorldID = s.state.WorldID()
	}
	if err := s.activity.Publish(ctx, ev); err != nil {
		s.logger.Printf("[Sync] Failed to publish activity: %v", err)
	}
}

// bindWorld checks the runtime's world id and starts a fresh baseline when
// the stored one belongs to another world.
func (s *Syncer) bindWorld(worldID string) error {
	if s.worldID != "" && worldID != s.worldID {
		return errcode.Newf(errcode.WorldMismatch, "expected %s, runtime reports %s", s.worldID, worldID)
	}
	if prev := s.state.WorldID(); prev != "" && prev != worldID {
		s.logger.Printf("[Sync] Baseline belongs to world %s; starting over for %s", prev, worldID)
		s.state.Reset()
	}
	s.state.SetWorldID(worldID)
	return nil
}

// stampOps records changefeed bookkeeping on the baseline records the
// operations touched.
func (s *Syncer) stampOps(ops []admin.Operation) {
	for _, op := range ops {
		var kind syncstate.Kind
		switch {
		case op.Kind.IsBlueprint():
			kind = syncstate.KindBlueprint
		case op.Kind.IsEntity():
			kind = syncstate.KindEntity
		default:
			continue
		}
		rec := s.state.Find(kind, op.ObjectID, op.ObjectUID)
		if rec == nil {
			continue
		}
		s.state.Stamp(kind, syncstate.Key(rec.ID, rec.UID), op.Cursor, op.OpID)
	}
}

func sortedIDs[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
