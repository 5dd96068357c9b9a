package coingecko

import (
	"context"
	"errors"
	"math"

	"tokenfeed/internal/httpx"
	"tokenfeed/internal/instruments"
	"tokenfeed/internal/provider"
)

// Name is the provider and breaker key for CoinGecko.
const Name = "coingecko"

// Adapter turns CoinGecko prices into raw quotes.
type Adapter struct {
	client *Client
	gate   provider.Gate
}

// NewAdapter returns the secondary adapter. gate may be nil.
func NewAdapter(client *Client, gate provider.Gate) *Adapter {
	return &Adapter{client: client, gate: gate}
}

func (a *Adapter) Name() string { return Name }

// Fetch requires a positive price; missing or non-finite change and volume
// become 0.
func (a *Adapter) Fetch(ctx context.Context, inst instruments.Instrument) (provider.RawQuote, error) {
	if inst.CoinGeckoID == "" {
		return provider.RawQuote{}, provider.ErrNotListed
	}
	if a.gate != nil && !a.gate.Check(ctx, Name).Allowed {
		return provider.RawQuote{}, &httpx.CircuitOpenError{Key: Name}
	}

	p, err := a.client.GetSimplePrice(ctx, inst.CoinGeckoID)
	if err != nil {
		return provider.RawQuote{}, err
	}
	price := *p.USD
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return provider.RawQuote{}, errors.New("coingecko: invalid price data")
	}
	return provider.RawQuote{
		PriceUSD:     price,
		Change24hPct: orZero(p.Change24hPct),
		Volume24hUSD: orZero(p.Volume24hUSD),
	}, nil
}

func orZero(v *float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0
	}
	return *v
}
