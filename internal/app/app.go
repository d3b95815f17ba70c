// Package app wires the session store, remote gateway, session manager, graph cache
// and their supporting services from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/f-sync/followsync/internal/clone"
	"github.com/f-sync/followsync/internal/config"
	"github.com/f-sync/followsync/internal/gateway"
	"github.com/f-sync/followsync/internal/graph"
	"github.com/f-sync/followsync/internal/insights"
	"github.com/f-sync/followsync/internal/metrics"
	"github.com/f-sync/followsync/internal/session"
	"github.com/f-sync/followsync/internal/store"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const (
	userAgent = "followsync/1.0"

	errMessageCreateLogger   = "create logger"
	errMessageCreateMetrics  = "create metrics recorder"
	errMessageOpenStore      = "open session store"
	errMessageCreateGateway  = "create gateway client"
	errMessageCreateSession  = "create session manager"
	errMessageCreateGraph    = "create graph cache"
	errMessageCreateInsights = "create insights builder"
	errMessageCreateCloner   = "create cloner"
	errMessagePingRedis      = "ping redis"

	logMessageStoreOpened   = "session store opened"
	logMessageViewerChanged = "graph viewer synchronized"
	logMessageCloseFailed   = "close resource failed"
	logFieldBackend         = "backend"
	logFieldViewerID        = "viewer_id"
)

// Options overrides pieces of the wiring, mostly for tests.
type Options struct {
	Logger     *zap.Logger
	Registry   *prometheus.Registry
	HTTPClient *http.Client
	// Store replaces the configured backend when set.
	Store store.Store
}

// App holds every wired component.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Recorder
	Store    store.Store
	Gateway  *gateway.Client
	Session  *session.Manager
	Graph    *graph.Cache
	Insights *insights.Builder
	Cloner   *clone.Cloner

	closers []func() error
}

// NewLogger builds the production logger, or the development logger when debug is set.
func NewLogger(debug bool) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageCreateLogger, err)
	}
	return logger, nil
}

// New wires an App. The caller owns it and must Close it.
func New(ctx context.Context, configuration config.Config, options Options) (*App, error) {
	application := &App{Config: configuration}
	if err := application.build(ctx, options); err != nil {
		_ = application.Close()
		return nil, err
	}
	return application, nil
}

func (application *App) build(ctx context.Context, options Options) error {
	configuration := application.Config
	application.Logger = options.Logger
	if application.Logger == nil {
		logger, err := NewLogger(configuration.Debug)
		if err != nil {
			return err
		}
		application.Logger = logger
		application.closers = append(application.closers, func() error {
			_ = logger.Sync()
			return nil
		})
	}

	application.Registry = options.Registry
	if application.Registry == nil {
		application.Registry = prometheus.NewRegistry()
		application.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	recorder, err := metrics.NewRecorder(application.Registry)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageCreateMetrics, err)
	}
	application.Metrics = recorder

	application.Store = options.Store
	if application.Store == nil {
		sessionStore, closeStore, err := OpenStore(ctx, configuration.Store)
		if err != nil {
			return fmt.Errorf("%s: %w", errMessageOpenStore, err)
		}
		application.Store = sessionStore
		if closeStore != nil {
			application.closers = append(application.closers, closeStore)
		}
		application.Logger.Debug(logMessageStoreOpened, zap.String(logFieldBackend, configuration.Store.Backend))
	}

	client, err := gateway.NewClient(gateway.Config{
		BaseURL:      configuration.APIBaseURL,
		HTTPClient:   options.HTTPClient,
		Timeout:      configuration.RequestTimeout,
		MaxRetries:   configuration.MaxRetries,
		MaxRetryWait: configuration.MaxRetryWait,
		TokenSource:  application.Store,
		UserAgent:    userAgent,
		Logger:       application.Logger.Named("gateway"),
		Metrics:      recorder,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageCreateGateway, err)
	}
	application.Gateway = client

	manager, err := session.NewManager(session.Config{
		Gateway: client,
		Store:   application.Store,
		Logger:  application.Logger.Named("session"),
		Metrics: recorder,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageCreateSession, err)
	}
	application.Session = manager
	application.closers = append(application.closers, func() error {
		manager.Close()
		return nil
	})

	cache, err := graph.NewCache(graph.Config{
		Gateway:  client,
		Logger:   application.Logger.Named("graph"),
		Metrics:  recorder,
		PageSize: configuration.PageSize,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageCreateGraph, err)
	}
	application.Graph = cache

	client.OnUnauthorized(func(rejectedToken string) {
		manager.InvalidateToken(rejectedToken)
		application.SyncViewer()
	})

	builder, err := insights.NewBuilder(cache, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageCreateInsights, err)
	}
	application.Insights = builder

	cloner, err := clone.NewCloner(clone.Config{
		Graph:          cache,
		Logger:         application.Logger.Named("clone"),
		Metrics:        recorder,
		MaxFollows:     configuration.Clone.MaxFollows,
		MaxSourcePages: configuration.Clone.MaxSourcePages,
		Pacing: clone.PacingConfig{
			BaseDelay:       configuration.Clone.BaseDelay,
			Jitter:          configuration.Clone.Jitter,
			BurstSize:       configuration.Clone.BurstSize,
			BurstRest:       configuration.Clone.BurstRest,
			BurstRestJitter: configuration.Clone.BurstRestJitter,
		},
	})
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageCreateCloner, err)
	}
	application.Cloner = cloner
	return nil
}

// Start restores the persisted session and points the graph cache at its owner.
func (application *App) Start(ctx context.Context) {
	application.Session.CheckSession(ctx)
	application.SyncViewer()
}

// SyncViewer makes the graph viewer follow the session: the session owner when
// authenticated, nobody otherwise.
func (application *App) SyncViewer() {
	current := application.Session.Profile()
	if current == nil || !application.Session.IsAuthenticated() {
		if application.Graph.Viewer() != 0 {
			application.Graph.Reset()
			application.Logger.Debug(logMessageViewerChanged, zap.Int64(logFieldViewerID, 0))
		}
		return
	}
	if application.Graph.Viewer() != current.ID {
		application.Graph.SetViewer(current.ID)
		application.Logger.Debug(logMessageViewerChanged, zap.Int64(logFieldViewerID, current.ID))
	}
}

// Close releases every resource in reverse order of acquisition.
func (application *App) Close() error {
	var closeErrors []error
	for index := len(application.closers) - 1; index >= 0; index-- {
		if err := application.closers[index](); err != nil {
			closeErrors = append(closeErrors, err)
			if application.Logger != nil {
				application.Logger.Warn(logMessageCloseFailed, zap.Error(err))
			}
		}
	}
	application.closers = nil
	return errors.Join(closeErrors...)
}

// OpenStore opens the configured session store. The returned close function is nil
// for backends without resources.
func OpenStore(ctx context.Context, storeConfig config.StoreConfig) (store.Store, func() error, error) {
	switch storeConfig.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil, nil
	case config.BackendFile:
		fileStore, err := store.NewFileStore(storeConfig.Path)
		if err != nil {
			return nil, nil, err
		}
		return fileStore, nil, nil
	case config.BackendSQLite:
		sqliteStore, err := store.OpenSQLite(ctx, storeConfig.Path)
		if err != nil {
			return nil, nil, err
		}
		return sqliteStore, sqliteStore.Close, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     storeConfig.RedisAddress,
			Password: storeConfig.RedisPassword,
			DB:       storeConfig.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("%s: %w", errMessagePingRedis, err)
		}
		redisStore, err := store.NewRedisStore(store.RedisConfig{Client: client, KeyPrefix: storeConfig.RedisPrefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return redisStore, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown store backend %q", config.ErrInvalid, storeConfig.Backend)
	}
}
