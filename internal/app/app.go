// Package app wires configuration into the running components. The server and
// the CLIs share it so they resolve quotes the same way.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tokenfeed/internal/aggregate"
	"tokenfeed/internal/breaker"
	"tokenfeed/internal/config"
	"tokenfeed/internal/history"
	"tokenfeed/internal/httpx"
	"tokenfeed/internal/instruments"
	"tokenfeed/internal/limiter"
	"tokenfeed/internal/maintenance"
	"tokenfeed/internal/metrics"
	"tokenfeed/internal/provider"
	"tokenfeed/internal/provider/cache"
	"tokenfeed/internal/provider/coingecko"
	"tokenfeed/internal/provider/kraken"
	"tokenfeed/internal/provider/ratelimit"
	"tokenfeed/internal/provider/synthetic"
	"tokenfeed/internal/redisx"
)

// App holds the wired components.
type App struct {
	Config      config.Config
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	Instruments []instruments.Instrument

	Limiter    *limiter.Limiter
	Breaker    *breaker.Breaker
	Primary    provider.Fetcher
	Secondary  provider.Fetcher
	Synthetic  *synthetic.Generator
	Aggregator *aggregate.Aggregator
	History    *history.Builder
	Sweeper    *maintenance.Scheduler

	redis *redis.Client
}

// New builds every component from cfg. m may be nil. A malformed
// instruments file or an unreachable Redis is an error.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, m *metrics.Metrics) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: m}

	list, err := loadInstruments(cfg.InstrumentsFile)
	if err != nil {
		return nil, err
	}
	a.Instruments = list

	var (
		limStore limiter.Store
		brStore  breaker.Store
	)
	switch cfg.Store.Backend {
	case config.BackendRedis:
		client, err := redisx.NewClient(ctx, redisx.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
			DB:       cfg.Store.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		a.redis = client
		limStore = limiter.NewRedisStore(client, "")
		brStore = breaker.NewRedisStore(client, "")
	default:
		limStore = limiter.NewMemoryStore()
		brStore = breaker.NewMemoryStore()
	}

	a.Limiter = limiter.New(limStore, limiter.WithLogger(logger.Named("limiter")))
	a.Breaker = breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}, brStore,
		breaker.WithLogger(logger.Named("breaker")),
		breaker.WithStateHook(m.BreakerTransition),
	)

	base := httpx.New(0)
	a.Primary = a.primaryFetcher(base)
	a.Secondary = a.secondaryFetcher(base)
	a.Synthetic = synthetic.New(synthetic.DefaultConfig())
	a.History = history.NewBuilder(a.Synthetic, nil)

	opts := []aggregate.Option{
		aggregate.WithBreakers(a.Breaker),
		aggregate.WithObserver(m),
		aggregate.WithLogger(logger.Named("aggregate")),
		aggregate.WithMaxConcurrency(cfg.Aggregate.MaxConcurrency),
		aggregate.WithDistinctSyntheticTag(cfg.Aggregate.DistinctSyntheticTag),
	}
	if cfg.Aggregate.SyntheticEnabled {
		opts = append(opts, aggregate.WithSynthetic(a.Synthetic))
	}
	a.Aggregator = aggregate.New(a.Primary, a.Secondary, opts...)

	sweeper, err := maintenance.New(cfg.Store.SweepSchedule, logger.Named("maintenance"))
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	sweeper.Register("limiter", a.Limiter)
	sweeper.Register("breaker", a.Breaker)
	a.Sweeper = sweeper

	logger.Info("components ready",
		zap.Strings("instruments", instruments.Symbols(list)),
		zap.String("store", cfg.Store.Backend),
		zap.Bool("kraken", cfg.Kraken.Enabled),
		zap.Bool("coingecko", cfg.CoinGecko.Enabled),
		zap.Bool("synthetic", cfg.Aggregate.SyntheticEnabled))
	return a, nil
}

// Close releases the Redis connection, if any.
func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

func (a *App) primaryFetcher(base httpx.HTTPClient) provider.Fetcher {
	pc := a.Config.Kraken
	if !pc.Enabled {
		return disabled(kraken.Name)
	}
	client := kraken.NewClient(
		kraken.WithBaseURL(pc.BaseURL),
		kraken.WithHTTPClient(a.transport(base, kraken.Name, pc)),
	)
	return cache.Wrap(ratelimit.Wrap(kraken.NewAdapter(client, a.Breaker), pacing(pc)), pc.CacheTTL, pc.CacheMaxItems)
}

func (a *App) secondaryFetcher(base httpx.HTTPClient) provider.Fetcher {
	pc := a.Config.CoinGecko
	if !pc.Enabled {
		return disabled(coingecko.Name)
	}
	if pc.APIKey == "" {
		a.Logger.Warn("coingecko api key not set, using the anonymous rate limit")
	}
	client := coingecko.NewClient(pc.APIKey,
		coingecko.WithBaseURL(pc.BaseURL),
		coingecko.WithHTTPClient(a.transport(base, coingecko.Name, pc)),
	)
	return cache.Wrap(ratelimit.Wrap(coingecko.NewAdapter(client, a.Breaker), pacing(pc)), pc.CacheTTL, pc.CacheMaxItems)
}

func (a *App) transport(base httpx.HTTPClient, name string, pc config.Provider) *httpx.Resilient {
	return httpx.NewResilient(base, httpx.Options{
		Timeout:    pc.Timeout,
		Retries:    pc.Retries,
		BaseDelay:  pc.BaseDelay,
		MaxDelay:   pc.MaxDelay,
		BreakerKey: name,
	}, a.Breaker, httpx.WithLogger(a.Logger.Named("httpx").With(zap.String("provider", name))))
}

func pacing(pc config.Provider) ratelimit.Pacing {
	return ratelimit.Pacing{
		RequestsPerMinute: pc.MaxRequestsPerMinute,
		Burst:             pc.Burst,
		MinInterval:       pc.MinRequestInterval,
	}
}

func loadInstruments(path string) ([]instruments.Instrument, error) {
	if path == "" {
		return instruments.Default()
	}
	list, err := instruments.Load(path)
	if err != nil {
		return nil, fmt.Errorf("instruments %s: %w", path, err)
	}
	return list, nil
}

// ErrDisabled is returned by a provider turned off in configuration.
var ErrDisabled = errors.New("provider disabled")

type disabledFetcher string

func disabled(name string) provider.Fetcher { return disabledFetcher(name) }

func (d disabledFetcher) Name() string { return string(d) }

func (d disabledFetcher) Fetch(context.Context, instruments.Instrument) (provider.RawQuote, error) {
	return provider.RawQuote{}, ErrDisabled
}
