// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/egress-fetcher/internal/api"
	"github.com/JakeFAU/egress-fetcher/internal/bridge"
	"github.com/JakeFAU/egress-fetcher/internal/config"
	"github.com/JakeFAU/egress-fetcher/internal/connection"
	"github.com/JakeFAU/egress-fetcher/internal/egress"
	"github.com/JakeFAU/egress-fetcher/internal/fetchlog"
	"github.com/JakeFAU/egress-fetcher/internal/healthcheck"
	"github.com/JakeFAU/egress-fetcher/internal/index"
	"github.com/JakeFAU/egress-fetcher/internal/logging"
	"github.com/JakeFAU/egress-fetcher/internal/metrics"
	"github.com/JakeFAU/egress-fetcher/internal/policy/blocklist"
	"github.com/JakeFAU/egress-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/egress-fetcher/internal/pool"
	"github.com/JakeFAU/egress-fetcher/internal/robots"
)

// App holds the shared, long-lived services: the rotation pool, the
// connection manager and the optional index and fetch log. It is built once
// at startup and handed to the commands that need it.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	pool     *pool.Pool
	manager  *connection.Manager
	robots   *robots.Interpreter
	blocked  *blocklist.List
	index    *index.Store
	fetchLog *fetchlog.Store
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns the loaded configuration.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetPool exposes the rotation selector.
func (a *App) GetPool() *pool.Pool {
	return a.pool
}

// GetManager exposes the connection manager every fetch goes through.
func (a *App) GetManager() *connection.Manager {
	return a.manager
}

// GetRobots returns the robots.txt interpreter.
func (a *App) GetRobots() *robots.Interpreter {
	return a.robots
}

// GetIndex returns the document index, or nil when index.path is unset.
func (a *App) GetIndex() *index.Store {
	return a.index
}

// NewApp creates and initializes an App from cfg, building its own logger.
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return NewAppWithLogger(ctx, cfg, logger)
}

// NewAppWithLogger is NewApp with an injected logger. It fails fast if any
// configured service cannot be initialized.
func NewAppWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	logger.Info("Initializing application services...")

	descriptors, err := cfg.Descriptors()
	if err != nil {
		return nil, fmt.Errorf("load proxies: %w", err)
	}
	checks, err := cfg.Checks()
	if err != nil {
		return nil, fmt.Errorf("load checks: %w", err)
	}

	reqCfg := cfg.RequestDefaults()

	// Health checks send the manager's current User-Agent. a is set before the
	// first selection runs.
	var a *App
	adapter := bridge.New(reqCfg, logger)
	pipeline := healthcheck.NewPipeline(logger,
		healthcheck.WithTimeout(cfg.ProbeTimeout()),
		healthcheck.WithRequestConfig(reqCfg),
		healthcheck.WithBridge(adapter),
		healthcheck.WithUserAgentFunc(func() string {
			if a == nil || a.manager == nil {
				return egress.DefaultUserAgent
			}
			return a.manager.UserAgent()
		}),
	)
	selector := pool.New(descriptors, pipeline, logger,
		pool.WithChecks(checks...),
		pool.WithStrict(cfg.Pool.Strict),
	)
	logger.Info("Egress pool configured",
		zap.Int("paths", selector.Len()),
		zap.Strings("checks", cfg.Health.Checks),
		zap.Bool("strict", cfg.Pool.Strict),
	)

	a = &App{cfg: cfg, logger: logger, pool: selector, blocked: blocklist.New(cfg.Policy.BlockedDomains)}

	opts := []connection.Option{
		connection.WithRequestConfig(reqCfg),
		connection.WithBridge(adapter),
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		opts = append(opts, connection.WithLimiter(ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		})))
	}
	if cfg.FetchLog.DSN != "" {
		logger.Info("Connecting to PostgreSQL fetch log...", zap.String("table", cfg.FetchLog.Table))
		store, err := fetchlog.New(ctx, fetchlog.Config{
			DSN:             cfg.FetchLog.DSN,
			Table:           cfg.FetchLog.Table,
			MaxConns:        cfg.FetchLog.MaxConns,
			MaxConnLifetime: time.Hour,
		})
		if err != nil {
			return nil, fmt.Errorf("init fetch log: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("init fetch log: %w", err)
		}
		a.fetchLog = store
		opts = append(opts, connection.WithRecorder(store))
	}

	a.manager = connection.NewManager(selector, logger, opts...)
	if cfg.Request.UserAgent != "" {
		if err := a.manager.SetUserAgent(cfg.Request.UserAgent); err != nil {
			a.Close()
			return nil, fmt.Errorf("set user agent: %w", err)
		}
	}

	a.robots = robots.NewInterpreter(
		robots.GetterFunc(func(ctx context.Context, rawURL string) (egress.Response, error) {
			return a.manager.Get(ctx, rawURL)
		}),
		cfg.Robots.UserAgent,
		logger,
	)

	if cfg.Index.Path != "" {
		logger.Info("Opening document index", zap.String("path", cfg.Index.Path))
		store, err := index.Open(ctx, cfg.Index.Path, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init index: %w", err)
		}
		a.index = store
	}

	logger.Info("Application services initialized successfully.")
	return a, nil
}

// Server builds the HTTP API over the app's services.
func (a *App) Server() *api.Server {
	opts := []api.Option{
		api.WithRobots(a.robots, a.cfg.Robots.Respect),
		api.WithBlocklist(a.blocked),
	}
	if a.index != nil {
		opts = append(opts, api.WithIndexer(a.index))
	}
	return api.NewServer(a.manager, a.pool, a.logger.Named("api"), opts...)
}

// Close releases the index and fetch log and flushes the logger.
func (a *App) Close() {
	a.logger.Info("Shutting down application services...")
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			a.logger.Warn("Error closing index", zap.Error(err))
		}
		a.index = nil
	}
	if a.fetchLog != nil {
		a.fetchLog.Close()
		a.fetchLog = nil
	}
	// Sync reports EINVAL for console outputs on some platforms.
	_ = a.logger.Sync()
}

// Fetcher returns the connection manager as an api.Fetcher.
func (a *App) Fetcher() api.Fetcher {
	return a.manager
}

// Robots returns the robots.txt interpreter as an api.RobotsChecker.
func (a *App) Robots() api.RobotsChecker {
	return a.robots
}

// Indexer returns the document index, or a nil interface when indexing is
// disabled.
func (a *App) Indexer() api.Indexer {
	if a.index == nil {
		return nil
	}
	return a.index
}

// Blocked reports whether rawURL targets a blocked host.
func (a *App) Blocked(rawURL string) bool {
	return a.blocked.BlockedURL(rawURL)
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.Server().Handler()
}
