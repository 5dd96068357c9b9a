// Package provider defines what every upstream quote source returns.
package provider

import (
	"context"
	"errors"

	"tokenfeed/internal/breaker"
	"tokenfeed/internal/instruments"
)

// ErrNotListed means the instrument has no identifier for this provider.
var ErrNotListed = errors.New("instrument not listed on provider")

// RawQuote is an upstream quote before normalization. Values are only
// checked by the adapter that produced them.
type RawQuote struct {
	PriceUSD     float64 `json:"priceUsd"`
	Change24hPct float64 `json:"change24hPct"`
	Volume24hUSD float64 `json:"volume24hUsd"`
}

// Fetcher returns a quote for a single instrument or an error. It never
// returns a partially populated quote.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, inst instruments.Instrument) (RawQuote, error)
}

// Gate is consulted before an adapter makes any upstream call.
// *breaker.Breaker satisfies it.
type Gate interface {
	Check(ctx context.Context, key string) breaker.Decision
}
