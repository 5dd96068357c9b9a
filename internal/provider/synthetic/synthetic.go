// Package synthetic generates stand-in quotes when no upstream can answer.
// Output depends only on the symbol, so repeated calls agree.
package synthetic

import (
	"context"
	"hash/fnv"
	"math/rand/v2"
	"strings"

	"tokenfeed/internal/instruments"
	"tokenfeed/internal/provider"
)

// Name is the provider name used in logs and metrics.
const Name = "synthetic"

// Config holds the per-symbol anchor prices.
type Config struct {
	BasePrices   map[string]float64
	DefaultPrice float64
}

// DefaultConfig returns anchors for common large-cap stocks.
func DefaultConfig() Config {
	return Config{
		BasePrices: map[string]float64{
			"AAPL": 150, "MSFT": 300, "AMZN": 130, "GOOG": 140, "META": 250,
			"TSLA": 200, "NFLX": 400, "NVDA": 800, "BABA": 80, "ORCL": 120,
		},
		DefaultPrice: 100,
	}
}

// Generator produces deterministic raw quotes.
type Generator struct {
	base     map[string]float64
	fallback float64
}

func New(cfg Config) *Generator {
	base := make(map[string]float64, len(cfg.BasePrices))
	for k, v := range cfg.BasePrices {
		base[strings.ToUpper(k)] = v
	}
	if cfg.DefaultPrice <= 0 {
		cfg.DefaultPrice = 100
	}
	return &Generator{base: base, fallback: cfg.DefaultPrice}
}

func (g *Generator) Name() string { return Name }

// BasePrice returns the anchor price for symbol.
func (g *Generator) BasePrice(symbol string) float64 {
	if p, ok := g.base[strings.ToUpper(strings.TrimSpace(symbol))]; ok {
		return p
	}
	return g.fallback
}

// Generate returns a quote within 10% of the anchor price, a daily change in
// [-5, 5) percent and a volume between 1M and 10M USD.
func (g *Generator) Generate(symbol string) provider.RawQuote {
	rng := Rand(symbol)
	price := g.BasePrice(symbol) * (1 + between(rng, -0.1, 0.1))
	return provider.RawQuote{
		PriceUSD:     price,
		Change24hPct: between(rng, -5, 5),
		Volume24hUSD: between(rng, 1_000_000, 10_000_000),
	}
}

// Fetch never fails.
func (g *Generator) Fetch(_ context.Context, inst instruments.Instrument) (provider.RawQuote, error) {
	return g.Generate(inst.Symbol), nil
}

// Rand returns a generator seeded from symbol and any extra salt values.
func Rand(symbol string, salt ...uint64) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToUpper(strings.TrimSpace(symbol))))
	seed := h.Sum64()
	var mix uint64 = 0x9e3779b97f4a7c15
	for _, s := range salt {
		mix ^= s + 0x9e3779b97f4a7c15 + (mix << 6) + (mix >> 2)
	}
	return rand.New(rand.NewPCG(seed, mix))
}

func between(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
