package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"tokenfeed/internal/redisx"
)

// Store holds rate-limit windows keyed by client.
//
// Update must apply fn atomically for key: fn receives the current window (zero
// value when absent) and reports whether the mutated window should be saved.
type Store interface {
	Update(ctx context.Context, key string, fn func(w *Window, exists bool) bool) error
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// MemoryStore is the in-process Store. It is not shared across processes.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]Window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]Window)}
}

func (s *MemoryStore) Update(_ context.Context, key string, fn func(w *Window, exists bool) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if fn(&w, ok) {
		s.windows[key] = w
	}
	return nil
}

// Sweep drops windows whose reset time has passed.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, w := range s.windows {
		if now.After(w.ResetTime) {
			delete(s.windows, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// RedisStore shares windows between processes. Each key is updated inside a
// WATCH/MULTI transaction and expires with its window.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "tokenfeed:ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Update(ctx context.Context, key string, fn func(w *Window, exists bool) bool) error {
	ttl := func(w Window) time.Duration { return w.ResetTime.Sub(w.WindowStart) }
	if err := redisx.Update(ctx, s.client, s.prefix+key, ttl, fn); err != nil {
		return fmt.Errorf("ratelimit redis update: %w", err)
	}
	return nil
}

// Sweep is a no-op; Redis expires windows itself.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) { return 0, nil }
