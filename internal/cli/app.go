// Package cli holds the shared state behind every harness subcommand:
// configuration, the logger, the artifact cache, and the cancellable
// invocation context.
package cli

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/mraleph/benchmark-harness/internal/artifactcache"
	"github.com/mraleph/benchmark-harness/pkg/xelf"
)

////////////////////////////////////////////////////////////////////////////////

const imageInfoCacheSize = 64

type App struct {
	logger *zap.Logger
	conf   *Config
	cache  *artifactcache.Cache
	images *xelf.InfoCache

	// runID tags the logs of one invocation so interleaved runs on a
	// shared box can be told apart.
	runID string

	context context.Context
	cancel  func()
}

func New(conf *Config) (*App, error) {
	conf.FillDefault()

	var err error

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			cancel()
		}
	}()

	logger, err := NewLogger(conf.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("failed to generate run id: %w", err)
	}
	logger = logger.With(zap.String("run", shortID(id)))

	cache, err := artifactcache.New(conf.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact cache: %w", err)
	}

	return &App{
		logger:  logger,
		conf:    conf,
		cache:   cache,
		images:  xelf.NewInfoCache(imageInfoCacheSize),
		runID:   id.String(),
		context: ctx,
		cancel:  cancel,
	}, nil
}

// shortID is enough to disambiguate runs in logs without the noise of a
// full UUID on every line.
func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

////////////////////////////////////////////////////////////////////////////////

func (a *App) Shutdown() {
	a.cancel()
	_ = a.logger.Sync()
}

func (a *App) Logger() *zap.Logger {
	return a.logger
}

func (a *App) Config() *Config {
	return a.conf
}

func (a *App) Cache() *artifactcache.Cache {
	return a.cache
}

// Images memoizes per-image identity probes: build id and whether debug
// info is present.
func (a *App) Images() *xelf.InfoCache {
	return a.images
}

func (a *App) RunID() string {
	return a.runID
}

func (a *App) Context() context.Context {
	return a.context
}

////////////////////////////////////////////////////////////////////////////////
