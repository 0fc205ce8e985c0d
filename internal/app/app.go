// Package app assembles prospectd from its configuration: storage, the shared
// counter store, rate limits, breakers, provider clients, the enrichment queue
// and the HTTP API.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shpitdev/prospect-enrichment/internal/activity"
	"github.com/shpitdev/prospect-enrichment/internal/breaker"
	"github.com/shpitdev/prospect-enrichment/internal/cache"
	"github.com/shpitdev/prospect-enrichment/internal/config"
	"github.com/shpitdev/prospect-enrichment/internal/enrich/gemini"
	"github.com/shpitdev/prospect-enrichment/internal/enrich/orchestrator"
	"github.com/shpitdev/prospect-enrichment/internal/httpapi"
	"github.com/shpitdev/prospect-enrichment/internal/kv"
	"github.com/shpitdev/prospect-enrichment/internal/kv/rediskv"
	"github.com/shpitdev/prospect-enrichment/internal/kv/sqlitekv"
	"github.com/shpitdev/prospect-enrichment/internal/logging"
	"github.com/shpitdev/prospect-enrichment/internal/prospect"
	"github.com/shpitdev/prospect-enrichment/internal/providers/contact"
	"github.com/shpitdev/prospect-enrichment/internal/providers/filings"
	"github.com/shpitdev/prospect-enrichment/internal/providers/httpx"
	"github.com/shpitdev/prospect-enrichment/internal/providers/peoplesearch"
	"github.com/shpitdev/prospect-enrichment/internal/providers/webintel"
	"github.com/shpitdev/prospect-enrichment/internal/queue"
	"github.com/shpitdev/prospect-enrichment/internal/ratelimit"
	"github.com/shpitdev/prospect-enrichment/internal/search"
	"github.com/shpitdev/prospect-enrichment/internal/storage"
	"github.com/shpitdev/prospect-enrichment/internal/version"
)

// App is a fully wired prospectd instance.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time

	db       *sql.DB
	kv       kv.Store
	sweeper  sweeper
	closeKV  func() error
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	activity *activity.Logger

	Prospects    *prospect.Store
	Resolver     *prospect.Resolver
	Search       *search.Service
	Orchestrator *orchestrator.Orchestrator
	Queue        *queue.Q

	api *httpapi.Server
}

type Option func(*App)

func WithClock(fn func() time.Time) Option {
	return func(a *App) {
		if fn != nil {
			a.now = fn
		}
	}
}

// Migrate opens the configured database and applies pending migrations.
func Migrate(ctx context.Context, cfg config.Config) error {
	db, err := storage.Open(cfg.Database.Path, storage.WithMkdirAll())
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	return storage.Migrate(ctx, db)
}

// New builds every component named by cfg. Call Close when done.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = logging.Discard()
	}
	a := &App{cfg: cfg, logger: logger, now: time.Now, closeKV: func() error { return nil }}
	for _, o := range opts {
		o(a)
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.db, err = storage.Open(cfg.Database.Path, storage.WithMkdirAll(), storage.WithMigrations())
	if err != nil {
		return nil, err
	}
	if err := a.openKV(ctx); err != nil {
		return nil, err
	}

	a.limiter = ratelimit.New(a.kv, a.limiterOptions()...)
	a.breakers = a.breakerRegistry()
	a.activity = activity.New(a.db, activity.WithClock(a.now), activity.WithLogger(logger))

	a.Prospects = prospect.NewStore(a.db, prospect.WithStoreClock(a.now))
	a.Resolver = prospect.NewResolver(a.Prospects, a.activity, logger)

	deps := httpapi.Deps{
		Resolver:  a.Resolver,
		Prospects: a.Prospects,
		Breakers:  a.breakers,
	}
	if cfg.Providers.PeopleSearch.Enabled() {
		people, err := peoplesearch.New(httpConfig(cfg.Providers.PeopleSearch))
		if err != nil {
			return nil, fmt.Errorf("people search provider: %w", err)
		}
		a.Search = search.NewService(people, a.limiter,
			cache.New(a.kv, cache.WithDefaultTTL(cfg.Search.CacheTTL)),
			a.breakers.For(search.Scope),
			search.WithActivity(a.activity),
			search.WithLogger(logger),
			search.WithCacheTTL(cfg.Search.CacheTTL),
		)
		deps.Search = a.Search
	} else {
		logger.Warn("people search provider not configured; search is disabled")
	}

	providers, err := a.enrichmentProviders(ctx)
	if err != nil {
		return nil, err
	}

	a.Queue = queue.New(a.db, queue.Options{
		Queue:         cfg.Queue.Name,
		Visibility:    cfg.Queue.Visibility,
		PollInterval:  cfg.Queue.PollInterval,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		Workers:       cfg.Queue.Workers,
		RunsPerSecond: cfg.Queue.RunsPerSecond,
		RetryDelay:    cfg.Queue.RetryDelay,
		Logger:        logger,
		Now:           a.now,
	})
	a.Orchestrator = orchestrator.New(a.Prospects, orchestrator.Traced(providers, logger), a.limiter, a.breakers, a.Queue,
		orchestrator.WithActivity(a.activity),
		orchestrator.WithLogger(logger),
		orchestrator.WithClock(a.now),
		orchestrator.WithStaleAfter(cfg.Enrichment.StaleAfter),
		orchestrator.WithStuckAfter(cfg.Enrichment.StuckAfter),
		orchestrator.WithMaxMentions(cfg.Enrichment.MaxMentions),
	)

	deps.Enricher = a.Orchestrator
	a.api = httpapi.New(deps, httpapi.WithLogger(logger), httpapi.WithClock(a.now))

	logger.Info("prospectd assembled",
		"version", version.Current,
		"kv_backend", cfg.KV.Backend,
		"search", cfg.Providers.PeopleSearch.Enabled(),
		"contact", providers.Contact != nil,
		"web_intel", providers.WebIntel != nil,
		"filings", providers.Filings != nil,
		"summarization", providers.Summarizer != nil,
	)
	return a, nil
}

func (a *App) openKV(ctx context.Context) error {
	switch a.cfg.KV.Backend {
	case config.KVBackendRedis:
		rs := rediskv.New(rediskv.Config{
			Addr:     a.cfg.KV.RedisAddr,
			Password: a.cfg.KV.RedisPassword,
			DB:       a.cfg.KV.RedisDB,
		})
		a.closeKV = rs.Close
		if err := rs.Ping(ctx); err != nil {
			return err
		}
		a.kv = rs
	default:
		store := sqlitekv.New(a.db, sqlitekv.WithClock(a.now))
		a.kv, a.sweeper = store, store
	}
	return nil
}

func (a *App) limiterOptions() []ratelimit.Option {
	opts := []ratelimit.Option{ratelimit.WithClock(a.now), ratelimit.WithLogger(a.logger)}
	for scope, rl := range a.cfg.RateLimits {
		opts = append(opts, ratelimit.WithPolicy(scope, ratelimit.Policy{
			Limit:    rl.Limit,
			Window:   rl.Window,
			Global:   rl.Global,
			FailOpen: rl.FailOpen,
		}))
	}
	return opts
}

var breakerNames = []string{
	search.Scope,
	orchestrator.ScopeContact,
	orchestrator.ScopeWebIntel,
	orchestrator.ScopeFilings,
	orchestrator.ScopeSummarization,
}

func (a *App) breakerRegistry() *breaker.Registry {
	reg := breaker.NewRegistry(breaker.WithClock(a.now), breaker.WithLogger(a.logger))
	for _, name := range breakerNames {
		bc := a.cfg.Breakers.For(name)
		var opts []breaker.Option
		if bc.Window > 0 && bc.Buckets > 0 {
			opts = append(opts, breaker.WithWindow(bc.Window, bc.Buckets))
		}
		if bc.VolumeThreshold > 0 {
			opts = append(opts, breaker.WithVolumeThreshold(bc.VolumeThreshold))
		}
		if bc.ErrorThreshold > 0 {
			opts = append(opts, breaker.WithErrorThreshold(bc.ErrorThreshold))
		}
		if bc.ResetTimeout > 0 {
			opts = append(opts, breaker.WithResetTimeout(bc.ResetTimeout))
		}
		if bc.Timeout > 0 {
			opts = append(opts, breaker.WithTimeout(bc.Timeout))
		}
		reg.Configure(name, opts...)
	}
	return reg
}

func (a *App) enrichmentProviders(ctx context.Context) (orchestrator.Providers, error) {
	var (
		p   orchestrator.Providers
		cfg = a.cfg.Providers
	)
	if cfg.Contact.Enabled() {
		c, err := contact.New(httpConfig(cfg.Contact), contact.WithClock(a.now))
		if err != nil {
			return p, fmt.Errorf("contact provider: %w", err)
		}
		p.Contact = c
	}
	if cfg.WebIntel.Enabled() {
		c, err := webintel.New(httpConfig(cfg.WebIntel), webintel.WithClock(a.now))
		if err != nil {
			return p, fmt.Errorf("web intelligence provider: %w", err)
		}
		p.WebIntel = c
	}
	if cfg.Filings.Enabled() {
		c, err := filings.New(httpConfig(cfg.Filings), filings.WithClock(a.now))
		if err != nil {
			return p, fmt.Errorf("filings provider: %w", err)
		}
		p.Filings = c
	}
	if cfg.Gemini.Enabled() {
		s, err := gemini.New(ctx, gemini.Config{
			APIKey:  cfg.Gemini.APIKey,
			Model:   cfg.Gemini.Model,
			BaseURL: cfg.Gemini.BaseURL,
		})
		if err != nil {
			return p, fmt.Errorf("summarizer: %w", err)
		}
		p.Summarizer = s
	}
	return p, nil
}

func httpConfig(p config.ProviderConfig) httpx.Config {
	return httpx.Config{
		BaseURL:   p.BaseURL,
		APIKey:    p.APIKey,
		UserAgent: p.UserAgent,
		Timeout:   p.Timeout,
	}
}

// Handler is the HTTP API.
func (a *App) Handler() http.Handler { return a.api.Handler() }

// Breakers exposes the provider breakers.
func (a *App) Breakers() *breaker.Registry { return a.breakers }

// Activity returns the tenant activity log.
func (a *App) Activity() *activity.Logger { return a.activity }

// sweeper is implemented by counter stores that do not expire entries on
// their own.
type sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

const sweepInterval = 10 * time.Minute

// RunWorker consumes enrichment jobs until ctx is cancelled. With the SQLite
// counter store it also deletes expired counters and cache entries.
func (a *App) RunWorker(ctx context.Context) {
	if a.sweeper != nil {
		go a.sweepLoop(ctx)
	}
	a.Queue.Run(ctx, a.Orchestrator.HandleJob)
}

func (a *App) sweepLoop(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.SweepExpired(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("kv sweep failed", "error", err)
			}
		}
	}
}

// SweepExpired removes expired counter and cache entries. It is a no-op for
// stores that expire entries themselves.
func (a *App) SweepExpired(ctx context.Context) (int64, error) {
	if a.sweeper == nil {
		return 0, nil
	}
	n, err := a.sweeper.Sweep(ctx)
	if err == nil && n > 0 {
		a.logger.Debug("kv sweep", "removed", n)
	}
	return n, err
}

// DrainOnce processes one batch of visible enrichment jobs and reports how many
// were claimed.
func (a *App) DrainOnce(ctx context.Context) int {
	return a.Queue.Drain(ctx, a.Orchestrator.HandleJob)
}

func (a *App) Close() error {
	var errs []error
	if a.closeKV != nil {
		errs = append(errs, a.closeKV())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
