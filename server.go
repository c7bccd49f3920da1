package patchd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/patchd/internal/catalog"
	"pkt.systems/patchd/internal/clock"
	"pkt.systems/patchd/internal/deploy"
	"pkt.systems/patchd/internal/httpapi"
	"pkt.systems/patchd/internal/lease"
	"pkt.systems/patchd/internal/progress"
	"pkt.systems/patchd/internal/reconcile"
	"pkt.systems/patchd/internal/store"
	"pkt.systems/patchd/internal/svcfields"
	"pkt.systems/patchd/internal/titles"
)

// Server wraps the HTTP server, snapshot store, lifecycle service, and
// supporting components.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	store        store.Store
	ownedStore   bool
	service      *titles.Service
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	mu          sync.Mutex
	shutdown    bool
	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Store        store.Store
	Catalog      catalog.Client
	Deploy       deploy.Client
	Alerter      progress.Alerter
	Clock        clock.Clock
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithStore injects a pre-built snapshot store (useful for tests).
func WithStore(s store.Store) Option {
	return func(o *options) {
		o.Store = s
	}
}

// WithCatalogClient injects a catalog editor client, bypassing the HTTP
// client built from Config.CatalogURL.
func WithCatalogClient(c catalog.Client) Option {
	return func(o *options) {
		o.Catalog = c
	}
}

// WithDeployClient injects a deployment server client, bypassing the HTTP
// client built from Config.DeployURL.
func WithDeployClient(c deploy.Client) Option {
	return func(o *options) {
		o.Deploy = c
	}
}

// WithAlerter routes reconciliation escalations to an operator-notification
// sink.
func WithAlerter(a progress.Alerter) Option {
	return func(o *options) {
		o.Alerter = a
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer constructs a patchd server according to cfg.
// Example:
//
//	cfg := patchd.Config{Store: "mem://", Listen: ":9741", CatalogURL: "https://catalog.local", DeployURL: "https://deploy.local"}
//	srv, err := patchd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	cfgCopy := cfg
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	cfg = cfgCopy
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	otlpEndpoint := cfg.OTLPEndpoint
	if o.OTLPEndpoint != "" {
		otlpEndpoint = o.OTLPEndpoint
	}
	telemetry, err := setupTelemetry(context.Background(), otlpEndpoint,
		cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics,
		svcfields.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Server, error) {
		if telemetry != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = telemetry.Shutdown(shutdownCtx)
			cancel()
		}
		return nil, err
	}
	snapshots := o.Store
	ownedStore := false
	if snapshots == nil {
		snapshots, err = openStore(cfg)
		if err != nil {
			return fail(err)
		}
		ownedStore = true
	}
	serverClock := o.Clock
	if serverClock == nil {
		serverClock = clock.Real{}
	}
	catalogClient := o.Catalog
	if catalogClient == nil {
		if cfg.CatalogURL == "" {
			if ownedStore {
				_ = snapshots.Close()
			}
			return fail(fmt.Errorf("config: catalog URL required (or inject a client with WithCatalogClient)"))
		}
		catalogClient, err = catalog.NewHTTP(catalog.HTTPConfig{
			BaseURL: cfg.CatalogURL,
			Token:   cfg.CatalogToken,
			Timeout: cfg.UpstreamTimeout,
			Logger:  logger,
		})
		if err != nil {
			if ownedStore {
				_ = snapshots.Close()
			}
			return fail(err)
		}
	}
	deployClient := o.Deploy
	if deployClient == nil {
		if cfg.DeployURL == "" {
			if ownedStore {
				_ = snapshots.Close()
			}
			return fail(fmt.Errorf("config: deploy URL required (or inject a client with WithDeployClient)"))
		}
		deployClient, err = deploy.NewHTTP(deploy.HTTPConfig{
			BaseURL: cfg.DeployURL,
			Token:   cfg.DeployToken,
			Timeout: cfg.UpstreamTimeout,
			Logger:  logger,
		})
		if err != nil {
			if ownedStore {
				_ = snapshots.Close()
			}
			return fail(err)
		}
	}
	leases := lease.NewManager(lease.Config{
		TTL:    cfg.LeaseTTL,
		Poll:   cfg.LeasePoll,
		Clock:  serverClock,
		Logger: logger,
	})
	runner := reconcile.NewRunner(reconcile.Config{
		Clock:  serverClock,
		Logger: logger,
	})
	service, err := titles.NewService(titles.Config{
		Store:            snapshots,
		Catalog:          catalogClient,
		Deploy:           deployClient,
		Leases:           leases,
		Runner:           runner,
		Alerter:          o.Alerter,
		Clock:            serverClock,
		Logger:           logger,
		ReconcilePoll:    cfg.ReconcilePoll,
		ReconcileMaxWait: cfg.ReconcileMaxWait,
	})
	if err != nil {
		if ownedStore {
			_ = snapshots.Close()
		}
		return fail(err)
	}
	handler := httpapi.NewHandler(httpapi.Config{
		Service:            service,
		Logger:             logger,
		Clock:              serverClock,
		Alerter:            o.Alerter,
		HTTPTracingEnabled: otlpEndpoint != "" && !cfg.DisableHTTPTracing,
		MaxBodyBytes:       cfg.MaxBodyBytes,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	return &Server{
		cfg:        cfg,
		logger:     svcfields.WithSubsystem(logger, "server"),
		store:      snapshots,
		ownedStore: ownedStore,
		service:    service,
		handler:    handler,
		httpSrv:    httpSrv,
		clock:      serverClock,
		telemetry:  telemetry,
		readyCh:    make(chan struct{}),
	}, nil
}

// Handler returns the underlying HTTP handler so patchd can be mounted inside
// an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Service exposes the lifecycle service for embedders.
func (s *Server) Service() *titles.Service {
	return s.service
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.signalReady()
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.stopSweeper()
	if s.ownedStore {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			return err
		}
		s.telemetry = nil
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context
// ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

func (s *Server) startSweeper() {
	if s.cfg.SweeperInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.SweeperInterval
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				if n := s.service.Leases().SweepExpired(); n > 0 {
					s.logger.Warn("lease sweep reclaimed expired leases", "count", n)
				}
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server. It is primarily useful for diagnostics; Shutdown already
// reports any fatal serve/shutdown errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a patchd server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
// Example:
//
//	cfg := patchd.Config{Store: "mem://", ListenProto: "unix", Listen: "/tmp/patchd.sock"}
//	srv, stop, err := patchd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
