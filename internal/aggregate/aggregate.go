// Package aggregate runs the per-instrument fallback chain across all
// configured instruments and assembles the response envelope.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tokenfeed/internal/breaker"
	"tokenfeed/internal/instruments"
	"tokenfeed/internal/normalize"
	"tokenfeed/internal/provider"
	"tokenfeed/internal/trace"
)

// Sources counts rows per source. Synthetic counts rows from the fallback
// generator; unless the distinct tag is enabled those rows are also counted
// under Secondary.
type Sources struct {
	Primary     int `json:"primary"`
	Secondary   int `json:"secondary"`
	Synthetic   int `json:"synthetic"`
	Unavailable int `json:"unavailable"`
}

// BreakerStates is the breaker snapshot taken after an aggregation.
type BreakerStates struct {
	Primary   breaker.State `json:"primary"`
	Secondary breaker.State `json:"secondary"`
}

// Envelope is the aggregation result. Data is never nil and is sorted by
// symbol.
type Envelope struct {
	Data            []normalize.Quote `json:"data"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	Sources         Sources           `json:"sources"`
	Warnings        []string          `json:"warnings,omitempty"`
	CircuitBreakers *BreakerStates    `json:"circuitBreakers,omitempty"`
}

// StateReader reports a breaker state without side effects.
type StateReader interface {
	State(ctx context.Context, key string) breaker.State
}

// Observer receives per-call and per-run measurements.
type Observer interface {
	ObserveFetch(provider, outcome string, elapsed time.Duration)
	ObserveAggregate(sources Sources, elapsed time.Duration)
}

// Fetch outcomes reported to the Observer.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeRejected  = "rejected"
	OutcomeNotListed = "not_listed"
)

// Aggregator owns the fallback chain. It is safe for concurrent use.
type Aggregator struct {
	primary   provider.Fetcher
	secondary provider.Fetcher
	synthetic provider.Fetcher

	breakers       StateReader
	observer       Observer
	logger         *zap.Logger
	now            func() time.Time
	maxConcurrency int
	distinctTag    bool
}

type Option func(*Aggregator)

// WithSynthetic sets the last-resort fetcher. Without it instruments that fail
// both providers are reported unavailable.
func WithSynthetic(f provider.Fetcher) Option {
	return func(a *Aggregator) { a.synthetic = f }
}

// WithBreakers enables the breaker snapshot in the envelope. Keys are the
// primary and secondary fetcher names.
func WithBreakers(r StateReader) Option {
	return func(a *Aggregator) { a.breakers = r }
}

func WithObserver(o Observer) Option {
	return func(a *Aggregator) { a.observer = o }
}

func WithLogger(logger *zap.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithMaxConcurrency bounds the number of instruments resolved at once.
// Zero or less means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(a *Aggregator) { a.maxConcurrency = n }
}

// WithDistinctSyntheticTag reports synthetic rows as source "synthetic"
// instead of "secondary".
func WithDistinctSyntheticTag(on bool) Option {
	return func(a *Aggregator) { a.distinctTag = on }
}

func New(primary, secondary provider.Fetcher, opts ...Option) *Aggregator {
	a := &Aggregator{
		primary:   primary,
		secondary: secondary,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// UnavailableWarning is the warning recorded for an instrument with no row.
func UnavailableWarning(symbol string) string {
	return fmt.Sprintf("Token %s unavailable from both APIs", symbol)
}

type result struct {
	quote normalize.Quote
	ok    bool
}

// Aggregate resolves every instrument concurrently and waits for all of them.
// Per-instrument failures become warnings; an error is returned only for an
// invalid instrument list or a panic inside a resolver.
func (a *Aggregator) Aggregate(ctx context.Context, list []instruments.Instrument) (Envelope, error) {
	ctx, span := trace.StartSpan(ctx, "aggregate.Aggregate",
		oteltrace.WithAttributes(attribute.Int("instruments", len(list))))
	defer span.End()
	start := time.Now()

	if err := instruments.Validate(list); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Envelope{}, err
	}

	results := make([]result, len(list))
	g, gctx := errgroup.WithContext(ctx)
	if a.maxConcurrency > 0 {
		g.SetLimit(a.maxConcurrency)
	}
	for i, inst := range list {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("aggregate %s: panic: %v", inst.Symbol, r)
				}
			}()
			q, ok := a.resolve(gctx, inst)
			results[i] = result{quote: q, ok: ok}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Error("aggregation failed", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Envelope{}, err
	}

	env := Envelope{Data: make([]normalize.Quote, 0, len(list))}
	for i, r := range results {
		if !r.ok {
			env.Sources.Unavailable++
			env.Warnings = append(env.Warnings, UnavailableWarning(list[i].Symbol))
			continue
		}
		env.Data = append(env.Data, r.quote)
		switch r.quote.Source {
		case normalize.SourcePrimary:
			env.Sources.Primary++
		case normalize.SourceSecondary:
			env.Sources.Secondary++
		}
		if r.quote.Synthetic {
			env.Sources.Synthetic++
		}
	}
	sort.Slice(env.Data, func(i, j int) bool { return env.Data[i].Symbol < env.Data[j].Symbol })
	sort.Strings(env.Warnings)

	if a.breakers != nil {
		env.CircuitBreakers = &BreakerStates{
			Primary:   a.breakers.State(ctx, a.primary.Name()),
			Secondary: a.breakers.State(ctx, a.secondary.Name()),
		}
	}
	env.UpdatedAt = a.now().UTC()

	span.SetAttributes(
		attribute.Int("sources.primary", env.Sources.Primary),
		attribute.Int("sources.secondary", env.Sources.Secondary),
		attribute.Int("sources.synthetic", env.Sources.Synthetic),
		attribute.Int("sources.unavailable", env.Sources.Unavailable),
	)
	if a.observer != nil {
		a.observer.ObserveAggregate(env.Sources, time.Since(start))
	}
	return env, nil
}

type tier struct {
	fetcher   provider.Fetcher
	source    normalize.Source
	synthetic bool
}

// resolve walks primary, secondary and synthetic in order and returns the
// first quote that normalizes.
func (a *Aggregator) resolve(ctx context.Context, inst instruments.Instrument) (normalize.Quote, bool) {
	syntheticSource := normalize.SourceSecondary
	if a.distinctTag {
		syntheticSource = normalize.SourceSynthetic
	}
	tiers := []tier{
		{fetcher: a.primary, source: normalize.SourcePrimary},
		{fetcher: a.secondary, source: normalize.SourceSecondary},
		{fetcher: a.synthetic, source: syntheticSource, synthetic: true},
	}

	log := a.logger.With(zap.String("symbol", inst.Symbol))
	for _, t := range tiers {
		if t.fetcher == nil {
			continue
		}
		name := t.fetcher.Name()
		started := time.Now()
		raw, err := t.fetcher.Fetch(ctx, inst)
		if err != nil {
			outcome := OutcomeError
			if errors.Is(err, provider.ErrNotListed) {
				outcome = OutcomeNotListed
				log.Debug("instrument not listed", zap.String("provider", name))
			} else {
				log.Warn("provider fetch failed, falling back", zap.String("provider", name), zap.Error(err))
			}
			a.observe(name, outcome, started)
			continue
		}

		q, ok := normalize.Normalize(inst.Symbol, inst.Name, raw.PriceUSD, raw.Change24hPct, raw.Volume24hUSD, t.source)
		if !ok {
			log.Warn("provider returned implausible quote, falling back",
				zap.String("provider", name),
				zap.Float64("price_usd", raw.PriceUSD),
				zap.Float64("change_24h_pct", raw.Change24hPct),
				zap.Float64("volume_24h_usd", raw.Volume24hUSD))
			a.observe(name, OutcomeRejected, started)
			continue
		}
		a.observe(name, OutcomeSuccess, started)
		q.Synthetic = t.synthetic
		return q, true
	}
	log.Warn("instrument unavailable")
	return normalize.Quote{}, false
}

func (a *Aggregator) observe(name, outcome string, started time.Time) {
	if a.observer != nil {
		a.observer.ObserveFetch(name, outcome, time.Since(started))
	}
}
