// Package watcher observes a project tree and turns raw filesystem
// notifications into debounced per-app changes.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/lobby-ws/gamedev-sub000/internal/fsutil"
	"github.com/lobby-ws/gamedev-sub000/internal/pathutil"
	"github.com/lobby-ws/gamedev-sub000/internal/project"
)

const (
	DefaultDebounce    = 750 * time.Millisecond
	DefaultRemoveGrace = 150 * time.Millisecond
	eventBuffer        = 64
)

// DefaultExcludes are matched against every path segment.
var DefaultExcludes = []string{
	"node_modules",
	".git",
	project.StateDir,
	"*.tmp-*",
	".DS_Store",
}

// Kind says which part of the project a change touched.
type Kind int

const (
	KindApp Kind = iota
	KindShared
	KindWorld
	KindAsset
)

func (k Kind) String() string {
	switch k {
	case KindApp:
		return "app"
	case KindShared:
		return "shared"
	case KindWorld:
		return "world"
	case KindAsset:
		return "asset"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Change is one settled burst of filesystem activity.
type Change struct {
	Kind Kind
	// App is set for KindApp.
	App   string
	Paths []string
	// Removed is true when every path in the burst was removed and did not
	// reappear within the grace period.
	Removed bool
}

// Options configures a Watcher.
type Options struct {
	Root          string
	Excludes      []string
	PendingWrites *fsutil.PendingWrites
	Debounce      time.Duration
	RemoveGrace   time.Duration
	Logger        *log.Logger
}

type pendingChange struct {
	change      Change
	seen        map[string]bool
	removalOnly bool
	timer       *time.Timer
}

// Watcher watches a project root recursively.
type Watcher struct {
	root     string
	fs       *fsnotify.Watcher
	excludes []glob.Glob
	pw       *fsutil.PendingWrites
	debounce time.Duration
	grace    time.Duration
	logger   *log.Logger

	mu       sync.Mutex
	pending  map[string]*pendingChange
	stopped  bool
	inflight sync.WaitGroup

	out      chan Change
	done     chan struct{}
	loopDone chan struct{}
	started  bool
	stopOnce sync.Once
}

// New creates a watcher. Nothing is watched until Start.
func New(opts Options) (*Watcher, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}

	patterns := opts.Excludes
	if patterns == nil {
		patterns = DefaultExcludes
	}
	excludes := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		excludes = append(excludes, g)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		fs:       fw,
		excludes: excludes,
		pw:       opts.PendingWrites,
		debounce: opts.Debounce,
		grace:    opts.RemoveGrace,
		logger:   opts.Logger,
		pending:  make(map[string]*pendingChange),
		out:      make(chan Change, eventBuffer),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.grace <= 0 {
		w.grace = DefaultRemoveGrace
	}
	if w.logger == nil {
		w.logger = log.Default()
	}
	return w, nil
}

// Root returns the absolute watched root.
func (w *Watcher) Root() string { return w.root }

// Start begins watching. The returned channel is closed after Stop, or
// after ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) (<-chan Change, error) {
	if err := w.addRecursive(w.root); err != nil {
		w.fs.Close()
		return nil, err
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()

	go w.loop(ctx)
	return w.out, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.Stop()
	defer close(w.loopDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Printf("[Watcher] Error: %v", err)
		}
	}
}

// Stop cancels pending timers, closes the underlying watcher and closes the
// change channel. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		for key, p := range w.pending {
			p.timer.Stop()
			delete(w.pending, key)
		}
		started := w.started
		w.mu.Unlock()

		close(w.done)
		w.fs.Close()
		if started {
			<-w.loopDone
		}
		w.inflight.Wait()
		close(w.out)
	})
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.isExcluded(w.rel(path)) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) rel(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

func (w *Watcher) isExcluded(rel string) bool {
	for _, g := range w.excludes {
		if g.Match(rel) {
			return true
		}
		for _, seg := range strings.Split(rel, "/") {
			if g.Match(seg) {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod {
		return
	}
	rel := w.rel(ev.Name)
	if rel == "." || strings.HasPrefix(rel, "../") || w.isExcluded(rel) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Printf("[Watcher] Failed to watch new directory %s: %v", rel, err)
			}
		}
	}

	if w.pw != nil && w.pw.Suppressed(ev.Name) {
		return
	}

	kind, app, ok := classify(rel)
	if !ok {
		return
	}
	removal := ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
	w.schedule(kind, app, ev.Name, removal)
}

// classify maps a slash-separated path relative to the root to the part of
// the project it belongs to.
func classify(rel string) (Kind, string, bool) {
	if rel == project.WorldFile {
		return KindWorld, "", true
	}
	parts := strings.SplitN(rel, "/", 3)
	switch parts[0] {
	case project.AppsDir:
		if len(parts) < 2 || parts[1] == "" {
			return 0, "", false
		}
		return KindApp, parts[1], true
	case pathutil.SharedDir:
		return KindShared, "", true
	case project.AssetsDir:
		return KindAsset, "", true
	}
	return 0, "", false
}

func (w *Watcher) schedule(kind Kind, app, path string, removal bool) {
	key := kind.String() + ":" + app

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}

	p, ok := w.pending[key]
	if !ok {
		p = &pendingChange{
			change:      Change{Kind: kind, App: app},
			seen:        make(map[string]bool),
			removalOnly: true,
		}
		w.pending[key] = p
	} else {
		p.timer.Stop()
	}
	if !p.seen[path] {
		p.seen[path] = true
		p.change.Paths = append(p.change.Paths, path)
	}
	if !removal {
		p.removalOnly = false
	}

	delay := w.debounce
	if p.removalOnly {
		delay = w.grace
	}
	p.timer = time.AfterFunc(delay, func() { w.fire(key, p) })
}

func (w *Watcher) fire(key string, p *pendingChange) {
	w.mu.Lock()
	if w.stopped || w.pending[key] != p {
		w.mu.Unlock()
		return
	}
	delete(w.pending, key)
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	change := p.change
	if p.removalOnly {
		change.Removed = true
		for _, path := range change.Paths {
			if fsutil.Exists(path) {
				change.Removed = false
				break
			}
		}
	}

	select {
	case w.out <- change:
	case <-w.done:
	}
}
