// Package daemon runs a live sync session against one world: a startup
// handshake, then filesystem and runtime events funnelled through a single
// task queue until Stop.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lobby-ws/gamedev-sub000/internal/activity"
	"github.com/lobby-ws/gamedev-sub000/internal/syncer"
	"github.com/lobby-ws/gamedev-sub000/internal/watcher"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// Defaults for Options.
const (
	DefaultRemoteDebounce   = 250 * time.Millisecond
	DefaultReconnectInitial = 500 * time.Millisecond
	DefaultReconnectMax     = 10 * time.Second
)

// Task keys outside the per-app space.
const (
	keyHandshake = "@handshake"
	keyRemote    = "@remote"
	keyWorld     = "@world"
	keyShared    = "@shared"
)

// Conn is the socket side of the admin client.
type Conn interface {
	Connect(ctx context.Context) error
	Connected() bool
	Events() <-chan admin.Event
	Close() error
}

// Options configures a Session.
type Options struct {
	Conn   Conn
	Syncer *syncer.Syncer
	// Bidirectional mirrors runtime edits to disk. When false the session
	// only pushes local changes.
	Bidirectional bool
	// Strict aborts the startup handshake on unresolved conflicts.
	Strict     bool
	HealthAddr string
	Activity   activity.Publisher
	Logger     *log.Logger

	Debounce         time.Duration
	RemoveGrace      time.Duration
	RemoteDebounce   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Excludes         []string
}

// Status is a point-in-time view of the session.
type Status struct {
	Connected bool
	WorldID   string
	Cursor    int64
	Queued    int
	Runs      int
	LastRun   time.Time
	LastError string
}

// Session owns one live world session. Construct with New, run with Start
// and end with Stop.
type Session struct {
	opts     Options
	conn     Conn
	syncer   *syncer.Syncer
	activity activity.Publisher
	logger   *log.Logger
	queue    *taskQueue

	watcher *watcher.Watcher
	health  *HealthServer

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	remoteTimer  *time.Timer
	reconnecting bool
	lastRun      time.Time
	lastErr      string
	stopped      bool
	stopOnce     sync.Once
	stopErr      error
	runs         int
}

// New validates opts and creates a session.
func New(opts Options) (*Session, error) {
	if opts.Conn == nil {
		return nil, fmt.Errorf("admin connection is required")
	}
	if opts.Syncer == nil {
		return nil, fmt.Errorf("syncer is required")
	}
	if opts.RemoteDebounce <= 0 {
		opts.RemoteDebounce = DefaultRemoteDebounce
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = DefaultReconnectInitial
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}

	s := &Session{
		opts:     opts,
		conn:     opts.Conn,
		syncer:   opts.Syncer,
		activity: opts.Activity,
		logger:   opts.Logger,
		queue:    newTaskQueue(),
	}
	if s.activity == nil {
		s.activity = activity.Discard{}
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s, nil
}

func (s *Session) direction() syncer.Direction {
	if s.opts.Bidirectional {
		return syncer.Both
	}
	return syncer.Push
}

// Start connects, runs the startup handshake and begins watching. A failed
// handshake (strict conflicts, world mismatch, an empty project that needs
// an export) is returned and nothing keeps running.
func (s *Session) Start(ctx context.Context) (*syncer.Report, error) {
	if !s.conn.Connected() {
		if err := s.conn.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to world: %w", err)
		}
	}

	report, err := s.syncer.Run(ctx, syncer.Request{Direction: s.direction(), Strict: s.opts.Strict})
	if err != nil {
		return nil, err
	}
	s.recordRun(nil)
	s.logger.Printf("[Daemon] Connected to world %s at cursor %d", report.WorldID, report.Cursor)
	s.publish(ctx, &activity.Event{Type: activity.TypeConnect, Message: "session started"})

	w, err := watcher.New(watcher.Options{
		Root:          s.syncer.Root(),
		Excludes:      s.opts.Excludes,
		PendingWrites: s.syncer.PendingWrites(),
		Debounce:      s.opts.Debounce,
		RemoveGrace:   s.opts.RemoveGrace,
		Logger:        s.logger,
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	changes, err := w.Start(runCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch project: %w", err)
	}
	s.watcher = w
	s.cancel = cancel

	if s.opts.HealthAddr != "" {
		s.health = NewHealthServer(s, s.logger)
		if err := s.health.Start(s.opts.HealthAddr); err != nil {
			s.Stop()
			return nil, fmt.Errorf("failed to start health server: %w", err)
		}
	}

	s.wg.Add(3)
	go s.watchLocal(runCtx, changes)
	go s.watchRemote(runCtx)
	go s.work(runCtx)

	s.logEvent("session_started", map[string]interface{}{
		"cursor":        report.Cursor,
		"bidirectional": s.opts.Bidirectional,
		"strict":        s.opts.Strict,
	})
	return report, nil
}

// Stop cancels timers, closes the watcher, the health endpoint and the
// socket. In-flight requests fail with ws_closed. Safe to call more than
// once.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		if s.remoteTimer != nil {
			s.remoteTimer.Stop()
		}
		s.mu.Unlock()

		if s.cancel != nil {
			s.cancel()
		}
		if s.watcher != nil {
			s.watcher.Stop()
		}
		if s.health != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.health.Shutdown(ctx); err != nil {
				s.logger.Printf("[Daemon] Health server shutdown: %v", err)
			}
			cancel()
		}
		// Closing the socket unblocks a run waiting on a request.
		closeErr := s.conn.Close()
		s.wg.Wait()
		if err := s.syncer.Close(); err != nil {
			s.stopErr = fmt.Errorf("failed to flush sync state: %w", err)
		} else if closeErr != nil {
			s.stopErr = closeErr
		}
		s.logger.Printf("[Daemon] Stopped")
	})
	return s.stopErr
}

// Status reports connection and queue state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Connected: s.conn.Connected() && !s.reconnecting,
		WorldID:   s.syncer.State().WorldID(),
		Cursor:    s.syncer.State().Cursor(),
		Queued:    s.queue.len(),
		Runs:      s.runs,
		LastRun:   s.lastRun,
		LastError: s.lastErr,
	}
}

func (s *Session) watchLocal(ctx context.Context, changes <-chan watcher.Change) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			s.enqueueLocal(c)
		}
	}
}

func (s *Session) enqueueLocal(c watcher.Change) {
	dir := s.direction()
	switch c.Kind {
	case watcher.KindApp:
		if c.Removed {
			s.logger.Printf("[Watcher] Removal in app %s", c.App)
		} else {
			s.logger.Printf("[Watcher] Change in app %s", c.App)
		}
		s.queue.push(task{key: c.App, req: syncer.Request{Apps: []string{c.App}, SkipWorld: true, Direction: dir}})
	case watcher.KindShared, watcher.KindAsset:
		s.logger.Printf("[Watcher] Change in %s files", c.Kind)
		s.queue.push(task{key: keyShared, req: syncer.Request{SkipWorld: true, Direction: dir}})
	case watcher.KindWorld:
		s.logger.Printf("[Watcher] Change in world.json")
		s.queue.push(task{key: keyWorld, req: syncer.Request{OnlyWorld: true, Direction: dir}})
	}
}

func (s *Session) watchRemote(ctx context.Context) {
	defer s.wg.Done()
	events := s.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == admin.EventDisconnect {
				s.handleDisconnect(ctx, ev.Err)
				continue
			}
			if s.opts.Bidirectional {
				s.scheduleRemote()
			}
		}
	}
}

// scheduleRemote debounces runtime events into one full pass.
func (s *Session) scheduleRemote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.remoteTimer != nil {
		s.remoteTimer.Stop()
	}
	s.remoteTimer = time.AfterFunc(s.opts.RemoteDebounce, func() {
		s.queue.push(task{key: keyRemote, req: syncer.Request{Direction: syncer.Both}})
	})
}

func (s *Session) handleDisconnect(ctx context.Context, cause error) {
	s.mu.Lock()
	if s.stopped || s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	s.logger.Printf("[Daemon] Disconnected from world: %v", cause)
	s.publish(ctx, &activity.Event{Type: activity.TypeDisconnect, Message: errString(cause)})

	s.wg.Add(1)
	go s.reconnect(ctx)
}

// reconnect retries Connect with exponential backoff, then queues a
// handshake pass ahead of any local work.
func (s *Session) reconnect(ctx context.Context) {
	defer s.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.opts.ReconnectInitial
	policy.MaxInterval = s.opts.ReconnectMax
	policy.MaxElapsedTime = 0

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := s.conn.Connect(ctx)
		if err != nil && admin.IsAuthFailure(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		s.logger.Printf("[Daemon] Reconnect attempt %d failed: %v (retrying in %v)", attempt, err, next)
	})

	s.mu.Lock()
	s.reconnecting = false
	s.mu.Unlock()

	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Printf("[Daemon] Giving up on reconnect: %v", err)
			s.recordRun(err)
		}
		return
	}

	s.logger.Printf("[Daemon] Reconnected after %d attempt(s)", attempt)
	s.publish(ctx, &activity.Event{Type: activity.TypeConnect, Message: "reconnected", Data: map[string]any{"attempts": attempt}})
	s.queue.pushFront(task{key: keyHandshake, req: syncer.Request{Direction: s.direction()}})
}

// work drains the queue one task at a time. Runs never interleave.
func (s *Session) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.wake:
		}
		for ctx.Err() == nil {
			if !s.ready() {
				break
			}
			t, ok := s.queue.pop()
			if !ok {
				break
			}
			s.runTask(ctx, t)
		}
	}
}

func (s *Session) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.reconnecting && s.conn.Connected()
}

func (s *Session) runTask(ctx context.Context, t task) {
	start := time.Now()
	report, err := s.syncer.Run(ctx, t.req)
	s.recordRun(err)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if admin.IsClosed(err) {
			// The socket dropped mid-run; retry once reconnected.
			s.queue.push(t)
		}
		s.logger.Printf("[Daemon] Sync %s failed: %v", t.key, err)
		return
	}
	if report.Changed() || len(report.Conflicts) > 0 {
		s.logEvent("sync_completed", map[string]interface{}{
			"task":        t.key,
			"exported":    len(report.Exported),
			"deployed":    len(report.Deployed),
			"removed":     len(report.Removed) + len(report.RemoteRemoved),
			"conflicts":   len(report.Conflicts),
			"cursor":      report.Cursor,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func (s *Session) recordRun(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	s.lastRun = time.Now()
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
}

func (s *Session) publish(ctx context.Context, ev *activity.Event) {
	if err := s.activity.Publish(ctx, ev); err != nil {
		s.logger.Printf("[Daemon] Failed to publish activity: %v", err)
	}
}

// logEvent writes one structured JSON line.
func (s *Session) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "daemon"
	data["event_type"] = eventType
	data["world"] = s.syncer.State().WorldID()

	jsonData, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("[Daemon] Failed to marshal log event: %v", err)
		return
	}
	s.logger.Println(string(jsonData))
}

func errString(err error) string {
	if err == nil {
		return "connection closed"
	}
	return err.Error()
}
