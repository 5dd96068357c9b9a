// Package normalize validates raw quotes and shapes them into canonical rows.
package normalize

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Source tags where a canonical row came from.
type Source string

const (
	SourcePrimary     Source = "primary"
	SourceSecondary   Source = "secondary"
	SourceSynthetic   Source = "synthetic"
	SourceUnavailable Source = "unavailable"
)

// Plausibility bounds.
const (
	MaxPriceUSD     = 1_000_000
	MaxVolume24hUSD = 1e15
	MinChange24hPct = -100
	MaxChange24hPct = 10_000
)

// Quote is a canonical token row. It is only built by Normalize.
type Quote struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	PriceUSD     float64 `json:"priceUsd"`
	Change24hPct float64 `json:"change24hPct"`
	Volume24hUSD float64 `json:"volume24hUsd"`
	Source       Source  `json:"source"`
	// Synthetic marks rows produced by the fallback generator, whatever
	// Source they are reported under.
	Synthetic bool `json:"synthetic,omitempty"`
}

// Normalize checks the inputs against the plausibility bounds and returns the
// canonical row, or false if any check fails. Symbol is trimmed and
// upper-cased, name trimmed, and numbers rounded half-to-even to cents.
func Normalize(symbol, name string, priceUSD, change24hPct, volume24hUSD float64, source Source) (Quote, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	name = strings.TrimSpace(name)
	if symbol == "" || name == "" {
		return Quote{}, false
	}
	if !finite(priceUSD) || priceUSD <= 0 || priceUSD > MaxPriceUSD {
		return Quote{}, false
	}
	if !finite(volume24hUSD) || volume24hUSD < 0 || volume24hUSD > MaxVolume24hUSD {
		return Quote{}, false
	}
	if !finite(change24hPct) || change24hPct < MinChange24hPct || change24hPct > MaxChange24hPct {
		return Quote{}, false
	}

	q := Quote{
		Symbol:       symbol,
		Name:         name,
		PriceUSD:     Round2(priceUSD),
		Change24hPct: Round2(change24hPct),
		Volume24hUSD: Round2(volume24hUSD),
		Source:       source,
	}
	// Sub-cent prices would round to zero.
	if q.PriceUSD <= 0 {
		return Quote{}, false
	}
	return q, true
}

// Round2 rounds v to two decimal places using banker's rounding on the
// shortest decimal representation of v.
func Round2(v float64) float64 {
	return decimal.NewFromFloat(v).RoundBank(2).InexactFloat64()
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
