// Package app builds the edge from configuration and owns the lifecycle of
// its background loops.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/slugy/edge/internal/analytics"
	"github.com/slugy/edge/internal/cache"
	"github.com/slugy/edge/internal/config"
	"github.com/slugy/edge/internal/db"
	"github.com/slugy/edge/internal/geo"
	"github.com/slugy/edge/internal/handlers"
	"github.com/slugy/edge/internal/links"
	"github.com/slugy/edge/internal/models"
	"github.com/slugy/edge/internal/passproof"
	"github.com/slugy/edge/internal/ratelimit"
	"github.com/slugy/edge/internal/resolver"
	"github.com/slugy/edge/internal/session"
	"github.com/slugy/edge/internal/store"
)

type App struct {
	Cfg *config.Config
	Log logrus.FieldLogger

	DB       *sql.DB
	Store    *store.Shared
	Geo      *geo.Reader
	Cache    *cache.LinkCache
	Resolver *resolver.Resolver
	Limiter  *ratelimit.Limiter
	Buffer   *analytics.Buffer
	Recorder *analytics.Recorder
	Janitor  *analytics.Janitor
	Links    *links.Service
	Router   http.Handler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New opens every dependency. Close releases them.
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	a := &App{Cfg: cfg, Log: log}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Cfg
	var err error

	a.DB, err = db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}

	a.Store, err = store.Open(ctx, store.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, a.Log)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	rdb := a.Store.Client

	a.Geo, err = geo.Open(cfg.GeoIPPath)
	if err != nil {
		a.Log.WithError(err).Warn("geo: lookups disabled")
		a.Geo, _ = geo.Open("")
	}

	a.Cache, err = cache.New(rdb, cache.Config{
		Size:        cfg.Cache.Size,
		TTL:         cfg.Cache.TTL,
		Jitter:      cfg.Cache.Jitter,
		LocalTTL:    cfg.Cache.LocalTTL,
		LocalJitter: cfg.Cache.LocalJitter,
	}, a.Log)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	a.Resolver = resolver.New(models.LinkStore{DB: a.DB}, a.Cache, cfg.FallbackURL, cfg.UpstreamTimeout, a.Log)
	a.Limiter = ratelimit.New(rdb, limiterConfig(cfg), a.Log)

	a.Buffer = analytics.NewBuffer(rdb, cfg.Analytics.Retention)
	a.Recorder = analytics.NewRecorder(a.Buffer, a.Geo, analytics.RecorderConfig{
		BufferSize:    cfg.Analytics.BufferSize,
		BatchSize:     cfg.Analytics.BatchSize,
		FlushInterval: cfg.Analytics.FlushInterval,
	}, a.Log)
	a.Janitor = analytics.NewJanitor(a.Buffer, a.DB, analytics.JanitorConfig{
		Retention: cfg.Analytics.Retention,
		Interval:  cfg.Analytics.MaintenanceInterval,
		BatchSize: cfg.Analytics.BatchSize,
	}, a.Log)

	a.Links = &links.Service{DB: a.DB, Cache: a.Cache, Log: a.Log}

	a.Router = handlers.NewRouter(handlers.Deps{
		Cfg:        cfg,
		DB:         a.DB,
		Resolver:   a.Resolver,
		Limiter:    a.Limiter,
		Recorder:   a.Recorder,
		Buffer:     a.Buffer,
		Aggregator: analytics.NewAggregator(a.Buffer, a.Log),
		Proof:      passproof.NewIssuer(cfg.Proof.Secret, cfg.Proof.TTL),
		Sessions:   session.NewPresence(rdb, cfg.Session.CacheSize, cfg.Session.CacheTTL),
		Links:      a.Links,
		Log:        a.Log,
	})
	return nil
}

func limiterConfig(cfg *config.Config) ratelimit.Config {
	rl := cfg.RateLimit
	policy := func(p config.PolicyConfig) ratelimit.Policy {
		return ratelimit.Policy{
			Limit:           p.Limit,
			Window:          p.Window,
			BurstWindow:     p.BurstWindow,
			BurstMultiplier: p.BurstMultiplier,
		}
	}
	fast := policy(rl.FastPath)
	fast.Local = true
	temp := policy(rl.TempCreation)
	temp.FailClosed = true

	return ratelimit.Config{
		Policies: map[ratelimit.Scope]ratelimit.Policy{
			ratelimit.Standard:     policy(rl.Standard),
			ratelimit.FastPath:     fast,
			ratelimit.TempCreation: temp,
		},
		Timeout:       cfg.UpstreamTimeout,
		MaxKeys:       rl.MaxKeys,
		MaxAge:        rl.MaxAge,
		SweepInterval: rl.SweepInterval,
		SyncInterval:  rl.SyncInterval,
	}
}

// Start subscribes to cache invalidations and starts the limiter and
// janitor loops.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("app: already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := a.Cache.Listen(ctx); err != nil {
		cancel()
		return err
	}
	a.cancel = cancel
	a.Limiter.Start()
	a.Janitor.Start()
	a.running = true
	return nil
}

// Close flushes queued clicks and counters, then releases every resource.
// It is safe on a partially built App.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Recorder != nil {
		a.Recorder.Shutdown()
		a.Recorder = nil
	}
	if a.running {
		a.Janitor.Shutdown()
		a.Limiter.Shutdown()
		a.cancel()
		a.running = false
	}
	if a.Geo != nil {
		a.Geo.Close()
		a.Geo = nil
	}

	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
		a.Store = nil
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
		a.DB = nil
	}
	return errors.Join(errs...)
}
