// Package cache keeps recent quotes per instrument in front of a Fetcher.
package cache

import (
	"context"
	"sync"
	"time"

	"tokenfeed/internal/instruments"
	"tokenfeed/internal/provider"
)

// entry stores the cached quote for a single symbol with expiry.
type entry struct {
	expiresAt time.Time
	quote     provider.RawQuote
}

// Fetcher caches successful results per symbol for a TTL. Errors are never
// cached, so a failing upstream is retried on the next call.
type Fetcher struct {
	P        provider.Fetcher
	TTL      time.Duration
	MaxItems int

	now   func() time.Time
	mu    sync.RWMutex
	items map[string]entry // key: symbol
}

// Wrap returns p unchanged when ttl is not positive.
func Wrap(p provider.Fetcher, ttl time.Duration, maxItems int) provider.Fetcher {
	if ttl <= 0 {
		return p
	}
	return New(p, ttl, maxItems)
}

func New(p provider.Fetcher, ttl time.Duration, maxItems int) *Fetcher {
	return &Fetcher{P: p, TTL: ttl, MaxItems: maxItems, now: time.Now, items: make(map[string]entry)}
}

func (c *Fetcher) Name() string { return c.P.Name() }

// Fetch returns the cached quote when still valid, otherwise asks the
// underlying fetcher and stores a successful answer.
func (c *Fetcher) Fetch(ctx context.Context, inst instruments.Instrument) (provider.RawQuote, error) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.items[inst.Symbol]
	c.mu.RUnlock()
	if ok && now.Before(e.expiresAt) {
		return e.quote, nil
	}

	q, err := c.P.Fetch(ctx, inst)
	if err != nil {
		return provider.RawQuote{}, err
	}

	c.mu.Lock()
	c.items[inst.Symbol] = entry{expiresAt: now.Add(c.TTL), quote: q}
	if c.MaxItems > 0 && len(c.items) > c.MaxItems {
		// expired first, then arbitrary keys
		for k, v := range c.items {
			if len(c.items) <= c.MaxItems {
				break
			}
			if !now.Before(v.expiresAt) {
				delete(c.items, k)
			}
		}
		for k := range c.items {
			if len(c.items) <= c.MaxItems {
				break
			}
			if k != inst.Symbol {
				delete(c.items, k)
			}
		}
	}
	c.mu.Unlock()
	return q, nil
}

// Len returns the number of cached symbols, expired or not.
func (c *Fetcher) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
