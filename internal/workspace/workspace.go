// Package workspace wires a configured project to its world: the admin
// client, the syncer, the activity relay and, for long-running use, a daemon
// session.
package workspace

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/lobby-ws/gamedev-sub000/internal/activity"
	"github.com/lobby-ws/gamedev-sub000/internal/config"
	"github.com/lobby-ws/gamedev-sub000/internal/conflicts"
	"github.com/lobby-ws/gamedev-sub000/internal/daemon"
	"github.com/lobby-ws/gamedev-sub000/internal/syncer"
	"github.com/lobby-ws/gamedev-sub000/pkg/admin"
)

// DefaultOwner is recorded on deploy locks when no owner is given.
const DefaultOwner = "lobby-cli"

// Options configures Open.
type Options struct {
	// Connect opens the admin socket. Read-only commands only need HTTP.
	Connect bool
	// LogActivity logs activity events as JSON lines when no Redis relay is
	// configured. Otherwise they are dropped.
	LogActivity bool
	Owner       string
	Logger      *log.Logger
	// PromptCode asks for a replacement admin code after an auth failure.
	// Nil disables the retry.
	PromptCode func() (string, error)
}

// Workspace is an opened project.
type Workspace struct {
	Config   *config.Config
	Client   *admin.Client
	Syncer   *syncer.Syncer
	Activity activity.Publisher

	logger    *log.Logger
	session   *daemon.Session
	closeOnce sync.Once
	closeErr  error
}

// Open validates cfg and builds the workspace.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Workspace, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Owner == "" {
		opts.Owner = DefaultOwner
	}

	client, err := newClient(cfg, opts.Logger)
	if err != nil {
		return nil, err
	}
	if opts.Connect {
		client, err = connect(ctx, cfg, opts, client)
		if err != nil {
			return nil, err
		}
	}

	pub, err := OpenActivity(ctx, cfg, client, opts.LogActivity, opts.Logger)
	if err != nil {
		client.Close()
		return nil, err
	}

	s, err := syncer.New(syncer.Options{
		Root:     cfg.Root,
		Remote:   client,
		WorldID:  cfg.WorldID,
		Owner:    opts.Owner,
		Target:   cfg.TargetName,
		Activity: pub,
		Logger:   opts.Logger,
	})
	if err != nil {
		pub.Close()
		client.Close()
		return nil, err
	}

	return &Workspace{
		Config:   cfg,
		Client:   client,
		Syncer:   s,
		Activity: pub,
		logger:   opts.Logger,
	}, nil
}

func newClient(cfg *config.Config, logger *log.Logger) (*admin.Client, error) {
	client, err := admin.NewClient(admin.Options{
		WorldURL:  cfg.WorldURL,
		AdminCode: cfg.AdminCode,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create admin client: %w", err)
	}
	return client, nil
}

// connect opens the socket, asking once for a new admin code when the
// server rejects the configured one.
func connect(ctx context.Context, cfg *config.Config, opts Options, client *admin.Client) (*admin.Client, error) {
	err := client.Connect(ctx)
	if err == nil {
		return client, nil
	}
	client.Close()
	if !admin.IsAuthFailure(err) || opts.PromptCode == nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.WorldURL, err)
	}

	opts.Logger.Printf("[Admin] Authentication failed (%s), asking for a new admin code", admin.CodeOf(err))
	code, perr := opts.PromptCode()
	if perr != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.WorldURL, err)
	}
	cfg.AdminCode = code

	client, err = newClient(cfg, opts.Logger)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.WorldURL, err)
	}
	return client, nil
}

// OpenActivity picks the activity publisher: the Redis relay when cfg names
// one, a JSON line logger when logToStd is set, otherwise a discard sink.
func OpenActivity(ctx context.Context, cfg *config.Config, client *admin.Client, logToStd bool, logger *log.Logger) (activity.Publisher, error) {
	if cfg.ActivityRedisURL == "" {
		if logToStd {
			return activity.NewLogPublisher(cfg.WorldID, logger), nil
		}
		return activity.Discard{}, nil
	}
	return OpenRelay(ctx, cfg, client)
}

// OpenRelay connects to the Redis activity relay. The world id comes from
// the config or, when unset, from the runtime snapshot.
func OpenRelay(ctx context.Context, cfg *config.Config, client *admin.Client) (*activity.RedisPublisher, error) {
	if cfg.ActivityRedisURL == "" {
		return nil, fmt.Errorf("%s is not set", config.EnvActivityRedisURL)
	}
	worldID := cfg.WorldID
	if worldID == "" {
		snap, err := client.GetSnapshot(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read world id: %w", err)
		}
		worldID = snap.WorldID
	}
	pub, err := activity.NewRedisPublisherFromURL(cfg.ActivityRedisURL, worldID)
	if err != nil {
		return nil, err
	}
	if err := pub.Ping(ctx); err != nil {
		pub.Close()
		return nil, fmt.Errorf("failed to reach activity relay: %w", err)
	}
	return pub, nil
}

// Conflicts returns the conflict service, resolving through the syncer.
func (w *Workspace) Conflicts() *conflicts.Service {
	return conflicts.New(w.Syncer.Conflicts(), w.Syncer.State(), w.Syncer, w.logger)
}

// Session creates the daemon session for this workspace. The session takes
// over the client and syncer; Close stops it.
func (w *Workspace) Session(configure ...func(*daemon.Options)) (*daemon.Session, error) {
	if w.session != nil {
		return nil, fmt.Errorf("workspace already has a session")
	}
	opts := daemon.Options{
		Conn:          w.Client,
		Syncer:        w.Syncer,
		Bidirectional: w.Config.Bidirectional,
		Strict:        w.Config.StrictConflicts,
		HealthAddr:    w.Config.HealthAddr,
		Activity:      w.Activity,
		Logger:        w.logger,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	s, err := daemon.New(opts)
	if err != nil {
		return nil, err
	}
	w.session = s
	return s, nil
}

// Close releases everything the workspace opened.
func (w *Workspace) Close() error {
	w.closeOnce.Do(func() {
		if w.session != nil {
			w.closeErr = w.session.Stop()
		} else {
			w.closeErr = w.Syncer.Close()
			w.Client.Close()
		}
		if err := w.Activity.Close(); err != nil && w.closeErr == nil {
			w.closeErr = err
		}
	})
	return w.closeErr
}
