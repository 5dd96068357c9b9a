// Package config loads service configuration from defaults, an optional
// YAML or JSON file, and environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tokenfeed/internal/logging"
	"tokenfeed/internal/trace"
)

type Server struct {
	Port             string        `mapstructure:"port"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	AggregateTimeout time.Duration `mapstructure:"aggregate_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins      []string      `mapstructure:"cors_origins"`
}

type RateLimit struct {
	Window             time.Duration `mapstructure:"window"`
	TokensMaxRequests  int           `mapstructure:"tokens_max_requests"`
	HistoryMaxRequests int           `mapstructure:"history_max_requests"`
}

type Breaker struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// Provider configures one upstream: transport resilience, outbound pacing and
// an optional per-instrument quote cache.
type Provider struct {
	Enabled              bool          `mapstructure:"enabled"`
	BaseURL              string        `mapstructure:"base_url"`
	APIKey               string        `mapstructure:"api_key"`
	Timeout              time.Duration `mapstructure:"timeout"`
	Retries              int           `mapstructure:"retries"`
	BaseDelay            time.Duration `mapstructure:"base_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	MaxRequestsPerMinute int           `mapstructure:"max_requests_per_minute"`
	Burst                int           `mapstructure:"burst"`
	MinRequestInterval   time.Duration `mapstructure:"min_request_interval"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	CacheMaxItems        int           `mapstructure:"cache_max_items"`
}

type Aggregate struct {
	MaxConcurrency       int  `mapstructure:"max_concurrency"`
	SyntheticEnabled     bool `mapstructure:"synthetic_enabled"`
	DistinctSyntheticTag bool `mapstructure:"distinct_synthetic_tag"`
}

// Store selects where limiter and breaker state lives.
type Store struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Server          Server         `mapstructure:"server"`
	RateLimit       RateLimit      `mapstructure:"rate_limit"`
	Breaker         Breaker        `mapstructure:"breaker"`
	Kraken          Provider       `mapstructure:"kraken"`
	CoinGecko       Provider       `mapstructure:"coingecko"`
	Aggregate       Aggregate      `mapstructure:"aggregate"`
	Store           Store          `mapstructure:"store"`
	Log             logging.Config `mapstructure:"log"`
	Trace           trace.Config   `mapstructure:"trace"`
	InstrumentsFile string         `mapstructure:"instruments_file"`
}

func Default() Config {
	return Config{
		Server: Server{
			Port:             "8080",
			RequestTimeout:   30 * time.Second,
			AggregateTimeout: 25 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			CORSOrigins:      []string{"*"},
		},
		RateLimit: RateLimit{
			Window:             time.Minute,
			TokensMaxRequests:  100,
			HistoryMaxRequests: 50,
		},
		Breaker: Breaker{FailureThreshold: 5, RecoveryTimeout: 120 * time.Second},
		Kraken: Provider{
			Enabled:            true,
			BaseURL:            "https://api.kraken.com",
			Timeout:            8 * time.Second,
			Retries:            2,
			BaseDelay:          time.Second,
			MaxDelay:           30 * time.Second,
		},
		CoinGecko: Provider{
			Enabled:            true,
			BaseURL:            "https://api.coingecko.com/api/v3",
			Timeout:            8 * time.Second,
			Retries:            2,
			BaseDelay:          time.Second,
			MaxDelay:           30 * time.Second,
			MinRequestInterval: 100 * time.Millisecond,
		},
		Aggregate: Aggregate{SyntheticEnabled: true},
		Store:     Store{Backend: BackendMemory, SweepSchedule: "@every 5m"},
		Log:       logging.Config{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		Trace:     trace.Config{ServiceName: "tokenfeed"},
	}
}

// Load reads configuration. If path is empty, config.yaml or config.json in
// the working directory is used when present. Environment variables override
// any key with dots replaced by underscores (KRAKEN_RETRIES, STORE_BACKEND);
// PORT is honored for the listen port.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path == "" {
		for _, candidate := range []string{"config.yaml", "config.json"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if p := os.Getenv("PORT"); p != "" {
		v.Set("server.port", p)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.Server.CORSOrigins = splitCSV(cfg.Server.CORSOrigins)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate_limit.window must be positive"))
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, errors.New("breaker.failure_threshold must be positive"))
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		errs = append(errs, errors.New("breaker.recovery_timeout must be positive"))
	}
	for name, p := range map[string]Provider{"kraken": c.Kraken, "coingecko": c.CoinGecko} {
		if p.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must be positive", name))
		}
		if p.Retries < 0 {
			errs = append(errs, fmt.Errorf("%s.retries must not be negative", name))
		}
		if p.BaseDelay <= 0 || p.MaxDelay < p.BaseDelay {
			errs = append(errs, fmt.Errorf("%s: need 0 < base_delay <= max_delay", name))
		}
		if p.CacheTTL < 0 {
			errs = append(errs, fmt.Errorf("%s.cache_ttl must not be negative", name))
		}
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: expected memory or redis", c.Store.Backend))
	}
	return errors.Join(errs...)
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.request_timeout", d.Server.RequestTimeout)
	v.SetDefault("server.aggregate_timeout", d.Server.AggregateTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)

	v.SetDefault("rate_limit.window", d.RateLimit.Window)
	v.SetDefault("rate_limit.tokens_max_requests", d.RateLimit.TokensMaxRequests)
	v.SetDefault("rate_limit.history_max_requests", d.RateLimit.HistoryMaxRequests)

	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.recovery_timeout", d.Breaker.RecoveryTimeout)

	for prefix, p := range map[string]Provider{"kraken": d.Kraken, "coingecko": d.CoinGecko} {
		v.SetDefault(prefix+".enabled", p.Enabled)
		v.SetDefault(prefix+".base_url", p.BaseURL)
		v.SetDefault(prefix+".api_key", p.APIKey)
		v.SetDefault(prefix+".timeout", p.Timeout)
		v.SetDefault(prefix+".retries", p.Retries)
		v.SetDefault(prefix+".base_delay", p.BaseDelay)
		v.SetDefault(prefix+".max_delay", p.MaxDelay)
		v.SetDefault(prefix+".max_requests_per_minute", p.MaxRequestsPerMinute)
		v.SetDefault(prefix+".burst", p.Burst)
		v.SetDefault(prefix+".min_request_interval", p.MinRequestInterval)
		v.SetDefault(prefix+".cache_ttl", p.CacheTTL)
		v.SetDefault(prefix+".cache_max_items", p.CacheMaxItems)
	}

	v.SetDefault("aggregate.max_concurrency", d.Aggregate.MaxConcurrency)
	v.SetDefault("aggregate.synthetic_enabled", d.Aggregate.SyntheticEnabled)
	v.SetDefault("aggregate.distinct_synthetic_tag", d.Aggregate.DistinctSyntheticTag)

	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.redis_addr", d.Store.RedisAddr)
	v.SetDefault("store.redis_password", d.Store.RedisPassword)
	v.SetDefault("store.redis_db", d.Store.RedisDB)
	v.SetDefault("store.sweep_schedule", d.Store.SweepSchedule)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("trace.enabled", d.Trace.Enabled)
	v.SetDefault("trace.service_name", d.Trace.ServiceName)
	v.SetDefault("trace.pretty", d.Trace.Pretty)

	v.SetDefault("instruments_file", d.InstrumentsFile)
}

// splitCSV flattens entries that arrived as one comma-separated string from
// the environment.
func splitCSV(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
