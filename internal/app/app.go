// Package app assembles the data layer from configuration and owns its
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/roach88/fieldsync/internal/api"
	"github.com/roach88/fieldsync/internal/audit"
	"github.com/roach88/fieldsync/internal/clock"
	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/encryption"
	"github.com/roach88/fieldsync/internal/identity"
	"github.com/roach88/fieldsync/internal/layered"
	"github.com/roach88/fieldsync/internal/repository"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncengine"
	"github.com/roach88/fieldsync/internal/transport"
)

// localToken authenticates against the in-process backend.
const localToken = "local"

// App is one assembled data layer. Every component is created exactly once.
type App struct {
	cfg *config.Config

	DB         *store.Store
	Layers     *layered.Store
	Registry   *schema.Registry
	Gate       *encryption.Gate
	Chain      *audit.Chain
	Identity   identity.Provider
	Repository *repository.Repository
	Engine     *syncengine.Engine
	Scheduler  *syncengine.Scheduler
	API        *api.Server
	// Local is the in-process backend when no backend URL is configured.
	Local *transport.Memory

	requests chan syncengine.Request

	mu         sync.Mutex
	server     *http.Server
	serveErr   chan error
	stopListen context.CancelFunc
	listenDone chan struct{}
}

// Option customizes assembly.
type Option func(*options)

type options struct {
	clock      clock.Clock
	transport  syncengine.Transport
	iterations int
}

// WithClock replaces the wall clock for every component.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithTransport replaces the configured backend transport.
func WithTransport(t syncengine.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithKeyIterations overrides the PIN key derivation work factor.
func WithKeyIterations(n int) Option {
	return func(o *options) { o.iterations = n }
}

// New opens storage and wires every component. Close releases it.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := options{clock: clock.System{}}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, DB: db}
	if err := a.wire(ctx, o); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, o options) error {
	cfg := a.cfg

	reg, err := schema.Default()
	if err != nil {
		return err
	}
	a.Registry = reg
	if err := repository.Prepare(ctx, a.DB, reg); err != nil {
		return err
	}

	backup, err := layered.OpenKVFile(cfg.BackupPath(), cfg.BackupQuotaBytes)
	if err != nil {
		return err
	}
	var tertiary layered.BackupLayer
	if cfg.Tertiary {
		blobs, err := layered.OpenBlobDir(cfg.BlobDir())
		if err != nil {
			return err
		}
		tertiary = blobs
	}
	a.Layers = layered.New(a.DB, backup, tertiary)

	var gateOpts []encryption.Option
	if o.iterations > 0 {
		gateOpts = append(gateOpts, encryption.WithIterations(o.iterations))
	}
	a.Gate = encryption.New(a.DB, reg, gateOpts...)
	a.Chain = audit.New(a.Layers, o.clock)

	ident, err := a.newIdentity(ctx)
	if err != nil {
		return err
	}
	a.Identity = ident
	a.Repository = repository.New(a.Layers, reg, a.Gate, a.Chain, ident, repository.WithClock(o.clock))

	tr := o.transport
	if tr == nil {
		if tr, err = a.newTransport(ident); err != nil {
			return err
		}
	}

	s := cfg.Sync
	a.Engine = syncengine.New(a.Layers, reg, tr,
		syncengine.WithClock(o.clock),
		syncengine.WithAuditChain(a.Chain, "sync:"+ident.DeviceID()),
		syncengine.WithConfig(syncengine.Config{
			Retry: syncengine.RetryPolicy{
				BaseDelay:  s.BaseDelay,
				Multiplier: 2,
				MaxDelay:   s.MaxDelay,
				MaxRetries: s.MaxRetries,
			},
			BreakerThreshold: s.BreakerThreshold,
			RequestTimeout:   s.RequestTimeout,
			BatchSize:        s.BatchSize,
			PruneAfter:       s.PruneAfter,
			MaxPullPages:     s.MaxPullPages,
		}))
	a.requests = make(chan syncengine.Request, 1)
	a.Scheduler = syncengine.NewScheduler(a.Engine, syncengine.SchedulerConfig{
		ActivityTimeout: s.ActivityTimeout,
		MaxInterval:     s.MaxInterval,
		StartOffline:    s.StartOffline,
	})

	a.API = api.NewServer(api.Deps{
		Engine:  a.Engine,
		Storage: a.Layers,
		Session: api.NewKeySession(a.Gate, a.Repository),
		Auditor: a.Chain,
		Network: a.Scheduler,
		Outbox:  a.DB,
		Token:   cfg.API.Token,
		Now:     o.clock.Now,
	})

	slog.Info("data layer assembled",
		"data_dir", cfg.DataDir,
		"device_id", ident.DeviceID(),
		"backend", backendName(cfg),
		"tertiary", cfg.Tertiary)
	return nil
}

func (a *App) newIdentity(ctx context.Context) (identity.Provider, error) {
	device, err := identity.LoadDeviceID(ctx, a.DB, nil)
	if err != nil {
		return nil, err
	}
	b := a.cfg.Backend
	actor := b.Actor
	if b.OAuth.Enabled() {
		return identity.NewOAuth2(device, actor, identity.OAuth2Config{
			TokenURL:     b.OAuth.TokenURL,
			ClientID:     b.OAuth.ClientID,
			ClientSecret: b.OAuth.ClientSecret,
			Scopes:       b.OAuth.Scopes,
		})
	}
	if actor == "" {
		actor = "device:" + device
	}
	token := b.Token
	if b.URL == "" && token == "" {
		token = localToken
	}
	return identity.Static{Device: device, User: actor, BearerKey: token}, nil
}

func (a *App) newTransport(ident identity.Provider) (syncengine.Transport, error) {
	if a.cfg.Backend.URL == "" {
		slog.Warn("no backend configured, syncing against an in-process peer")
		a.Local = transport.NewMemory()
		return a.Local, nil
	}
	return transport.NewHTTP(a.cfg.Backend.URL, ident)
}

func backendName(cfg *config.Config) string {
	if cfg.Backend.URL == "" {
		return "local"
	}
	return cfg.Backend.URL
}

// Requests is the host's sync delegation channel. The engine serves it one
// request at a time between Start and Stop.
func (a *App) Requests() chan<- syncengine.Request {
	return a.requests
}

// Start launches the scheduler, the delegation channel and the API listener.
// The listener address is returned so callers asking for port 0 learn the
// real one.
func (a *App) Start(ctx context.Context) (net.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil, errors.New("app already started")
	}

	ln, err := net.Listen("tcp", a.cfg.API.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", a.cfg.API.Listen, err)
	}
	if err := a.Scheduler.Start(ctx); err != nil {
		ln.Close()
		return nil, err
	}

	lctx, cancel := context.WithCancel(ctx)
	a.stopListen = cancel
	a.listenDone = make(chan struct{})
	go func(done chan<- struct{}) {
		defer close(done)
		err := a.Engine.Listen(lctx, a.requests)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("sync request channel stopped", "error", err)
		}
	}(a.listenDone)

	a.server = &http.Server{
		Handler:           a.API,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.serveErr = make(chan error, 1)
	go func(srv *http.Server, errc chan<- error) {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
	}(a.server, a.serveErr)

	slog.Info("api listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}

// Done delivers the listener's terminal error, nil after a clean Stop.
func (a *App) Done() <-chan error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serveErr
}

// Stop shuts the listener down gracefully, stops serving sync requests, then
// stops the scheduler and waits for any running cycle.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	stopListen, listenDone := a.stopListen, a.listenDone
	a.server, a.stopListen, a.listenDone = nil, nil, nil
	a.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	if stopListen != nil {
		stopListen()
		select {
		case <-listenDone:
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
	}
	a.Scheduler.Stop()
	return err
}

// Close releases storage. Call Stop first if the app was started.
func (a *App) Close() error {
	a.Gate.ClearEncryptionKey()
	return a.DB.Close()
}
