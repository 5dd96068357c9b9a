package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tokenfeed/internal/redisx"
)

// Store holds breaker entries keyed by provider. Update must apply fn
// atomically; fn reports whether the mutated entry should be saved.
type Store interface {
	Update(ctx context.Context, key string, fn func(e *Entry, exists bool) bool) error
	Get(ctx context.Context, key string) (Entry, bool, error)
	Sweep(ctx context.Context, now time.Time, retain time.Duration) (int, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Update(_ context.Context, key string, fn func(e *Entry, exists bool) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if fn(&e, ok) {
		s.entries[key] = e
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time, retain time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.State != StateClosed && now.Before(e.NextAttemptAt) {
			continue
		}
		if now.Sub(e.LastFailureAt) > retain {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

// RedisStore shares breaker state between processes.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tokenfeed:breaker:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Update(ctx context.Context, key string, fn func(e *Entry, exists bool) bool) error {
	if err := redisx.Update(ctx, s.client, s.prefix+key, entryTTL, fn); err != nil {
		return fmt.Errorf("breaker redis update: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	return redisx.Get[Entry](ctx, s.client, s.prefix+key)
}

// entryTTL keeps an entry at least Retention past its next attempt.
func entryTTL(e Entry) time.Duration {
	ttl := Retention
	if e.State != StateClosed {
		ttl += max(time.Until(e.NextAttemptAt), 0)
	}
	return ttl
}

// Sweep is a no-op; entries expire through their Redis TTL.
func (s *RedisStore) Sweep(context.Context, time.Time, time.Duration) (int, error) { return 0, nil }
