// Package conflicts lists, inspects and resolves the conflict artifacts a
// sync pass leaves under .lobby/conflicts.
package conflicts

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lobby-ws/gamedev-sub000/internal/errcode"
	"github.com/lobby-ws/gamedev-sub000/internal/syncstate"
)

// Choice picks which side of a conflict wins.
type Choice string

// Choices.
const (
	UseLocal  Choice = "local"
	UseRemote Choice = "remote"
	UseMerged Choice = "merged"
)

// ParseChoice validates a --use value.
func ParseChoice(s string) (Choice, error) {
	switch c := Choice(strings.ToLower(strings.TrimSpace(s))); c {
	case UseLocal, UseRemote, UseMerged:
		return c, nil
	}
	return "", fmt.Errorf("invalid choice %q: must be local, remote or merged", s)
}

// Applier writes a chosen value to disk and, when push is set, to the
// runtime. *syncer.Syncer implements it.
type Applier interface {
	Resolve(ctx context.Context, kind, id string, value map[string]any, push bool) error
}

// Filter narrows List.
type Filter struct {
	IncludeResolved bool
	// SinceMs and UntilMs bound createdAt in Unix milliseconds. Zero means
	// unbounded.
	SinceMs int64
	UntilMs int64
	Kind    string
}

func (f *Filter) matches(a *syncstate.Artifact) bool {
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	if f.SinceMs == 0 && f.UntilMs == 0 {
		return true
	}
	created := CreatedAt(a)
	if created.IsZero() {
		return false
	}
	ms := created.UnixMilli()
	if f.SinceMs > 0 && ms < f.SinceMs {
		return false
	}
	if f.UntilMs > 0 && ms > f.UntilMs {
		return false
	}
	return true
}

// Service ties the artifact store to the baseline and the applier.
type Service struct {
	store   *syncstate.ConflictStore
	state   *syncstate.Store
	applier Applier
	logger  *log.Logger
}

// New creates a service. applier may be nil for read-only use.
func New(store *syncstate.ConflictStore, state *syncstate.Store, applier Applier, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: store, state: state, applier: applier, logger: logger}
}

// List returns matching artifacts, newest first.
func (s *Service) List(filter *Filter) ([]*syncstate.Artifact, error) {
	if filter == nil {
		filter = &Filter{}
	}
	all, err := s.store.List(filter.IncludeResolved)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, a := range all {
		if filter.matches(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// Get loads an artifact by id or unique prefix.
func (s *Service) Get(id string) (*syncstate.Artifact, error) {
	full, err := ResolveID(s.store, id)
	if err != nil {
		return nil, err
	}
	return s.store.Get(full)
}

// Value returns the payload a choice selects. A nil map with a nil error
// means the chosen side deleted the object.
func Value(a *syncstate.Artifact, use Choice) (map[string]any, error) {
	switch use {
	case UseLocal:
		return a.Local, nil
	case UseRemote:
		return a.Remote, nil
	case UseMerged:
		if a.Merged == nil {
			return nil, errcode.New(errcode.ConflictMissingMergedValue, a.ID)
		}
		return a.Merged, nil
	}
	return nil, fmt.Errorf("invalid choice %q", use)
}

func supportedKind(kind string) bool {
	switch kind {
	case syncstate.ArtifactBlueprint, syncstate.ArtifactEntity, syncstate.ArtifactSettings, syncstate.ArtifactSpawn:
		return true
	}
	return false
}

// Resolve applies the chosen side of a conflict and marks it resolved.
// Choosing remote only rewrites local files; local and merged are also
// pushed to the runtime.
func (s *Service) Resolve(ctx context.Context, id string, use Choice) (*syncstate.Artifact, error) {
	if s.applier == nil {
		return nil, fmt.Errorf("conflict resolution needs a world connection")
	}
	a, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if !a.IsOpen() {
		return nil, fmt.Errorf("conflict %s was already resolved with %q", a.ID, a.ResolvedWith)
	}
	if !supportedKind(a.Kind) {
		return nil, errcode.New(errcode.UnsupportedConflictKind, a.Kind)
	}
	value, err := Value(a, use)
	if err != nil {
		return nil, err
	}

	push := use != UseRemote
	if err := s.applier.Resolve(ctx, a.Kind, a.ObjectID, value, push); err != nil {
		return nil, fmt.Errorf("failed to apply %s value for %s %s: %w", use, a.Kind, a.ObjectID, err)
	}

	if err := s.store.MarkResolved(a, string(use)); err != nil {
		return nil, fmt.Errorf("failed to mark conflict resolved: %w", err)
	}
	s.state.AddConflictSummary(a.Summary())
	if err := s.state.Flush(); err != nil {
		return nil, fmt.Errorf("failed to save sync state: %w", err)
	}
	s.logger.Printf("[Sync] Resolved %s conflict %s for %s using %s", a.Kind, a.ID, a.ObjectID, use)
	return a, nil
}

// CreatedAt parses an artifact's creation time. Zero when unparseable.
func CreatedAt(a *syncstate.Artifact) time.Time {
	t, err := time.Parse(time.RFC3339Nano, a.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}
