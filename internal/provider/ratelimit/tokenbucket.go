// Package ratelimit paces outbound calls to a provider so the service stays
// inside upstream quotas.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"tokenfeed/internal/instruments"
	"tokenfeed/internal/provider"
)

// TokenBucket wraps a Fetcher and gates calls using a token bucket.
type TokenBucket struct {
	P provider.Fetcher
	L *rate.Limiter
}

// NewTokenBucket allows perMinute calls per minute with the given burst.
func NewTokenBucket(p provider.Fetcher, perMinute float64, burst int) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{P: p, L: rate.NewLimiter(rate.Limit(perMinute/60), burst)}
}

func (t *TokenBucket) Name() string { return t.P.Name() }

func (t *TokenBucket) Fetch(ctx context.Context, inst instruments.Instrument) (provider.RawQuote, error) {
	if t.L != nil {
		if err := t.L.Wait(ctx); err != nil {
			return provider.RawQuote{}, err
		}
	}
	return t.P.Fetch(ctx, inst)
}
