package kraken

import (
	"context"
	"errors"
	"math"

	"tokenfeed/internal/httpx"
	"tokenfeed/internal/instruments"
	"tokenfeed/internal/provider"
)

// Name is the provider and breaker key for Kraken.
const Name = "kraken"

// Adapter turns Kraken tickers into raw quotes.
type Adapter struct {
	client *Client
	gate   provider.Gate
}

// NewAdapter returns the primary adapter. gate may be nil.
func NewAdapter(client *Client, gate provider.Gate) *Adapter {
	return &Adapter{client: client, gate: gate}
}

func (a *Adapter) Name() string { return Name }

// Fetch derives the 24h change from the opening price and converts base volume
// to USD at the last price.
func (a *Adapter) Fetch(ctx context.Context, inst instruments.Instrument) (provider.RawQuote, error) {
	if inst.KrakenPair == "" {
		return provider.RawQuote{}, provider.ErrNotListed
	}
	if a.gate != nil && !a.gate.Check(ctx, Name).Allowed {
		return provider.RawQuote{}, &httpx.CircuitOpenError{Key: Name}
	}

	t, err := a.client.GetTicker(ctx, inst.KrakenPair)
	if err != nil {
		return provider.RawQuote{}, err
	}
	if !finite(t.Last) || t.Last <= 0 {
		return provider.RawQuote{}, errors.New("kraken: invalid price data")
	}
	if !finite(t.Open) || t.Open <= 0 {
		return provider.RawQuote{}, errors.New("kraken: invalid opening price data")
	}
	if !finite(t.Volume24h) || t.Volume24h < 0 {
		return provider.RawQuote{}, errors.New("kraken: invalid volume data")
	}

	return provider.RawQuote{
		PriceUSD:     t.Last,
		Change24hPct: (t.Last - t.Open) / t.Open * 100,
		Volume24hUSD: t.Volume24h * t.Last,
	}, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
