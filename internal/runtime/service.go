// Package runtime provides the Service type and lifecycle management for a
// stageflow server: configuration, the engine, the archive and the HTTP API.
// Service can be embedded in larger applications or run standalone.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/tjfontaine/stageflow/internal/adapters/events/direct"
	"github.com/tjfontaine/stageflow/internal/controlplane"
	"github.com/tjfontaine/stageflow/internal/core/ports"
	"github.com/tjfontaine/stageflow/internal/pipeline"
	"github.com/tjfontaine/stageflow/internal/pkg/config"
	"github.com/tjfontaine/stageflow/internal/runstore"
	"github.com/tjfontaine/stageflow/internal/server"
	"github.com/tjfontaine/stageflow/internal/storage/memory"
	"github.com/tjfontaine/stageflow/internal/storage/sqlite"
)

// Service runs the pipeline engine behind the HTTP API.
type Service struct {
	// Dependencies (injected via options)
	config  ports.ConfigProvider
	archive ports.ArchiveStore
	events  ports.EventPublisher
	logger  *slog.Logger

	stages     []pipeline.StageSpec
	pipelines  []*pipeline.Definition
	httpClient *http.Client
	listener   net.Listener

	// Built by Start
	cfg     *config.Config
	store   *runstore.Store
	engine  *pipeline.Engine
	handler *server.Handler
	server  *server.Server
	addr    net.Addr

	// Set when Start opened the archive or publisher rather than taking an
	// injected one.
	ownsArchive bool
	ownsEvents  bool

	// Lifecycle management
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	mu      sync.RWMutex
	bg      sync.WaitGroup
}

// New creates a Service with the given options. A config source is
// required; the archive and event publisher default from configuration at
// Start.
func New(opts ...Option) (*Service, error) {
	s := &Service{logger: slog.Default()}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if s.config == nil {
		return nil, errors.New("config provider required (use WithFileConfig or WithConfig)")
	}
	return s, nil
}

// Start loads configuration, builds the engine and starts serving. It
// returns once the listener is bound.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("service already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	cfg, err := s.config.Load(s.ctx)
	if err != nil {
		s.cancel()
		return fmt.Errorf("load config: %w", err)
	}
	s.cfg = cfg

	if err := s.initArchive(cfg); err != nil {
		s.abort()
		return fmt.Errorf("init archive: %w", err)
	}

	if err := s.initEngine(cfg); err != nil {
		s.abort()
		return fmt.Errorf("init engine: %w", err)
	}

	if err := s.startServer(cfg); err != nil {
		s.abort()
		return fmt.Errorf("start server: %w", err)
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		s.store.RunJanitor(s.ctx, cfg.Runs.SweepInterval)
	}()

	// Watch for config changes
	go s.watchConfig()

	s.started = true
	s.logger.Info("stageflow started",
		slog.String("addr", s.addr.String()),
		slog.String("storage", cfg.Storage.Type),
		slog.Int("pipelines", len(s.engine.Catalog().Definitions())))

	return nil
}

// openSQLite opens the archive for storage.type sqlite.
var openSQLite = func(path string) (ports.ArchiveStore, error) {
	return sqlite.New(path)
}

// initArchive opens the archive named by storage.type unless one was
// injected.
func (s *Service) initArchive(cfg *config.Config) error {
	if s.archive == nil {
		switch cfg.Storage.Type {
		case "sqlite":
			store, err := openSQLite(cfg.Storage.SQLite.Path)
			if err != nil {
				return fmt.Errorf("open sqlite archive: %w", err)
			}
			s.archive = store
			s.ownsArchive = true
		case "memory":
			s.archive = memory.New()
			s.ownsArchive = true
		}
	}

	if s.events == nil && s.archive != nil {
		publisher, err := direct.NewPublisher(s.archive)
		if err != nil {
			return fmt.Errorf("create direct event publisher: %w", err)
		}
		s.events = publisher
		s.ownsEvents = true
	}
	return nil
}

// abort releases what a failed Start built. Resources Start opened itself
// are closed and forgotten so a later Start opens them again; injected
// ones are left to the caller.
func (s *Service) abort() {
	if s.engine != nil {
		if err := s.engine.Shutdown(context.Background()); err != nil {
			s.logger.Error("failed to shutdown engine", slog.String("error", err.Error()))
		}
		s.engine = nil
	}
	s.cancel()

	if s.ownsEvents {
		if err := s.events.Close(); err != nil {
			s.logger.Error("failed to close events", slog.String("error", err.Error()))
		}
		s.events = nil
		s.ownsEvents = false
	}
	if s.ownsArchive {
		if err := s.archive.Close(); err != nil {
			s.logger.Error("failed to close archive", slog.String("error", err.Error()))
		}
		s.archive = nil
		s.ownsArchive = false
	}
}

func (s *Service) initEngine(cfg *config.Config) error {
	catalog, err := s.buildCatalog(cfg)
	if err != nil {
		return err
	}

	s.store = runstore.New(
		runstore.WithRetention(cfg.Runs.Retention),
		runstore.WithLogger(s.logger),
	)

	s.engine, err = pipeline.NewEngine(pipeline.EngineConfig{
		Catalog:       catalog,
		Store:         s.store,
		Events:        s.events,
		Logger:        s.logger,
		MaxConcurrent: cfg.Runs.MaxConcurrent,
		StageTimeout:  cfg.Runs.DefaultStageTimeout,
		RetryBackoff:  cfg.Runs.RetryBackoff,
	})
	return err
}

func (s *Service) buildCatalog(cfg *config.Config) (*pipeline.Catalog, error) {
	return pipeline.NewCatalogFromConfig(cfg, pipeline.CatalogSources{
		Stages:     s.stages,
		Pipelines:  s.pipelines,
		HTTPClient: s.httpClient,
	})
}

func (s *Service) startServer(cfg *config.Config) error {
	s.handler = server.NewHandler(server.HandlerConfig{
		Runs:           s.engine,
		Archive:        s.archive,
		Gatherer:       s.engine.Metrics().Registry,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         s.logger,
	})

	s.server = server.New(server.Config{
		Port:        cfg.Server.Port,
		Logger:      s.logger,
		ServiceName: cfg.Telemetry.ServiceName,
	})
	s.handler.RegisterRoutes(s.server.Router)
	s.server.Router.Mount("/admin", controlplane.NewServer(s.engine))

	l := s.listener
	if l == nil {
		var err error
		l, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
		if err != nil {
			return err
		}
	}
	s.addr = l.Addr()

	go func() {
		if err := s.server.Serve(l); err != nil {
			s.logger.Error("server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Shutdown stops the engine first, so open event streams see their runs
// finish and new submissions get 503, then stops the HTTP server and closes
// the publisher, archive and config source.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	s.logger.Info("shutting down stageflow")

	var errs []error

	if err := s.engine.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown engine", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	s.cancel()
	s.bg.Wait()

	if s.events != nil {
		if err := s.events.Close(); err != nil {
			s.logger.Error("failed to close events", slog.String("error", err.Error()))
		}
	}

	if s.archive != nil {
		if err := s.archive.Close(); err != nil {
			s.logger.Error("failed to close archive", slog.String("error", err.Error()))
		}
	}

	if err := s.config.Close(); err != nil {
		s.logger.Error("failed to close config", slog.String("error", err.Error()))
	}

	s.logger.Info("stageflow shutdown complete")
	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (s *Service) watchConfig() {
	onChange := func(newCfg *config.Config) {
		s.logger.Info("config changed, reloading")
		if err := s.reload(newCfg); err != nil {
			s.logger.Error("failed to reload", slog.String("error", err.Error()))
		}
	}

	if err := s.config.Watch(s.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload rebuilds the catalog from cfg. New submissions use the new
// catalog; runs in flight keep theirs. An invalid catalog leaves the
// current one in place. Server, storage and run settings only take effect
// on restart.
func (s *Service) reload(cfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine == nil {
		return errors.New("service not started")
	}

	catalog, err := s.buildCatalog(cfg)
	if err != nil {
		return fmt.Errorf("rebuild catalog: %w", err)
	}
	s.engine.SetCatalog(catalog)
	s.cfg = cfg

	s.logger.Info("reload complete",
		slog.Int("stages", len(catalog.Registry().Names())),
		slog.Int("pipelines", len(catalog.Definitions())))

	return nil
}

// Engine returns the engine, or nil before Start.
func (s *Service) Engine() *pipeline.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// Handler returns the HTTP handler serving the API, or nil before Start.
func (s *Service) Handler() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.server == nil {
		return nil
	}
	return s.server.Router
}

// Addr returns the address the server listens on, or nil before Start.
func (s *Service) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Config returns the configuration currently in effect.
func (s *Service) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}
