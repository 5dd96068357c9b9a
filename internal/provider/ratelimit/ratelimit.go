package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"tokenfeed/internal/instruments"
	"tokenfeed/internal/provider"
)

// MinInterval wraps a Fetcher and enforces a minimum time between calls.
// Concurrent calls queue until their slot arrives, or return early if the
// context is canceled.
type MinInterval struct {
	P provider.Fetcher
	l *rate.Limiter
}

func NewMinInterval(p provider.Fetcher, interval time.Duration) *MinInterval {
	return &MinInterval{P: p, l: rate.NewLimiter(rate.Every(interval), 1)}
}

func (m *MinInterval) Name() string { return m.P.Name() }

func (m *MinInterval) Fetch(ctx context.Context, inst instruments.Instrument) (provider.RawQuote, error) {
	if err := m.l.Wait(ctx); err != nil {
		return provider.RawQuote{}, err
	}
	return m.P.Fetch(ctx, inst)
}

// Pacing selects the outbound limit for one provider.
type Pacing struct {
	RequestsPerMinute int
	Burst             int
	MinInterval       time.Duration
}

// Wrap prefers a token bucket when RequestsPerMinute is set, otherwise a
// minimum interval, otherwise returns p unchanged.
func Wrap(p provider.Fetcher, cfg Pacing) provider.Fetcher {
	switch {
	case cfg.RequestsPerMinute > 0:
		return NewTokenBucket(p, float64(cfg.RequestsPerMinute), cfg.Burst)
	case cfg.MinInterval > 0:
		return NewMinInterval(p, cfg.MinInterval)
	default:
		return p
	}
}
