package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/tjfontaine/stageflow/internal/adapters/config/file"
	"github.com/tjfontaine/stageflow/internal/adapters/events/direct"
	"github.com/tjfontaine/stageflow/internal/core/ports"
	"github.com/tjfontaine/stageflow/internal/pipeline"
	"github.com/tjfontaine/stageflow/internal/pkg/config"
	"github.com/tjfontaine/stageflow/internal/storage/memory"
	"github.com/tjfontaine/stageflow/internal/storage/sqlite"
)

// Option is a functional option for configuring a Service.
type Option func(*Service) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for
// changes; stage and pipeline edits apply to new runs.
func WithFileConfig(path string) Option {
	return func(s *Service) error {
		provider, err := file.NewProvider(path, s.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		s.config = provider
		return nil
	}
}

// WithConfig uses a fixed configuration without reload.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) error {
		if cfg == nil {
			return errors.New("config cannot be nil")
		}
		s.config = staticConfig{cfg: cfg}
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(s *Service) error {
		s.config = provider
		return nil
	}
}

// WithSQLite archives terminal runs and lifecycle events in a SQLite
// database, overriding storage.type.
func WithSQLite(path string) Option {
	return func(s *Service) error {
		store, err := sqlite.New(path)
		if err != nil {
			return fmt.Errorf("create sqlite archive: %w", err)
		}
		s.archive = store
		return nil
	}
}

// WithMemoryArchive archives terminal runs in process memory.
func WithMemoryArchive() Option {
	return func(s *Service) error {
		s.archive = memory.New()
		return nil
	}
}

// WithArchive sets a custom archive store.
func WithArchive(store ports.ArchiveStore) Option {
	return func(s *Service) error {
		s.archive = store
		return nil
	}
}

// WithDirectEvents writes lifecycle events straight to the archive (the
// default whenever an archive is configured).
func WithDirectEvents() Option {
	return func(s *Service) error {
		if s.archive == nil {
			return errors.New("archive must be set before event publisher")
		}
		publisher, err := direct.NewPublisher(s.archive)
		if err != nil {
			return fmt.Errorf("create direct event publisher: %w", err)
		}
		s.events = publisher
		return nil
	}
}

// WithEventPublisher sets a custom event publisher.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(s *Service) error {
		s.events = publisher
		return nil
	}
}

// WithStages registers code-defined stages alongside the ones declared in
// configuration.
func WithStages(specs ...pipeline.StageSpec) Option {
	return func(s *Service) error {
		s.stages = append(s.stages, specs...)
		return nil
	}
}

// WithPipelines registers code-defined pipelines alongside the ones
// declared in configuration.
func WithPipelines(defs ...*pipeline.Definition) Option {
	return func(s *Service) error {
		s.pipelines = append(s.pipelines, defs...)
		return nil
	}
}

// WithHTTPClient sets the client used by webhook stages.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) error {
		s.httpClient = client
		return nil
	}
}

// WithListener serves on l instead of listening on server.port.
func WithListener(l net.Listener) Option {
	return func(s *Service) error {
		s.listener = l
		return nil
	}
}

// WithLogger sets a custom logger. Place it before options that build
// components which log.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// staticConfig is a ConfigProvider over a fixed configuration.
type staticConfig struct {
	cfg *config.Config
}

func (c staticConfig) Load(context.Context) (*config.Config, error) {
	return c.cfg, nil
}

func (staticConfig) Watch(context.Context, func(*config.Config)) error {
	return nil
}

func (staticConfig) Close() error {
	return nil
}
