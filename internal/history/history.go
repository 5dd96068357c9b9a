// Package history builds synthetic price series for the history endpoint.
package history

import (
	"fmt"
	"strings"
	"time"

	"tokenfeed/internal/normalize"
	"tokenfeed/internal/provider/synthetic"
)

// Timeframe selects the span and spacing of a series.
type Timeframe string

const (
	Timeframe1h  Timeframe = "1h"
	Timeframe24h Timeframe = "24h"
	Timeframe7d  Timeframe = "7d"
	Timeframe30d Timeframe = "30d"
)

const (
	DefaultTimeframe = Timeframe24h
	DefaultLimit     = 24
	MaxLimit         = 100
)

// ParseTimeframe accepts "" as the default.
func ParseTimeframe(s string) (Timeframe, error) {
	switch tf := Timeframe(strings.ToLower(strings.TrimSpace(s))); tf {
	case "":
		return DefaultTimeframe, nil
	case Timeframe1h, Timeframe24h, Timeframe7d, Timeframe30d:
		return tf, nil
	default:
		return "", fmt.Errorf("invalid timeframe %q: expected one of 1h, 24h, 7d, 30d", s)
	}
}

// Interval is the spacing between points.
func (tf Timeframe) Interval() time.Duration {
	switch tf {
	case Timeframe7d, Timeframe30d:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Point is one sample. Timestamp is unix milliseconds.
type Point struct {
	Timestamp int64   `json:"timestamp"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
}

// Series is the history response body.
type Series struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Data      []Point   `json:"data"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Builder derives series from the synthetic generator's anchor quote.
type Builder struct {
	gen *synthetic.Generator
	now func() time.Time
}

func NewBuilder(gen *synthetic.Generator, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{gen: gen, now: now}
}

// Build returns limit points, oldest first, ending at the current time. Each
// price lies within 2.5% of the symbol's synthetic quote. A point's values
// depend only on the symbol and its interval bucket, so overlapping requests
// agree.
func (b *Builder) Build(symbol string, tf Timeframe, limit int) Series {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	limit = max(1, min(limit, MaxLimit))
	now := b.now()
	interval := tf.Interval()
	base := b.gen.Generate(symbol).PriceUSD

	data := make([]Point, 0, limit)
	for i := limit - 1; i >= 0; i-- {
		ts := now.Add(-time.Duration(i) * interval)
		rng := synthetic.Rand(symbol, uint64(ts.UnixMilli()/interval.Milliseconds()))
		price := base * (1 + (rng.Float64()-0.5)*0.05)
		volume := base * 1000 * (0.5 + rng.Float64()*0.5)
		data = append(data, Point{
			Timestamp: ts.UnixMilli(),
			Price:     normalize.Round2(price),
			Volume:    normalize.Round2(volume),
		})
	}
	return Series{
		Symbol:    symbol,
		Timeframe: tf,
		Data:      data,
		Count:     len(data),
		UpdatedAt: now.UTC(),
	}
}
