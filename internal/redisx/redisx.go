// Package redisx holds the small amount of go-redis plumbing shared by the
// Redis-backed limiter and breaker stores.
package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MaxRetries bounds optimistic-transaction retries under contention.
const MaxRetries = 5

// Options mirrors the redis section of the service config.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient builds a client and verifies connectivity.
func NewClient(ctx context.Context, opts Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Update loads the JSON value at key, passes it to fn and, when fn reports a
// change, writes it back with the TTL returned by ttl. The read-modify-write
// runs inside WATCH/MULTI and is retried when another writer wins the race.
func Update[T any](ctx context.Context, client redis.UniversalClient, key string, ttl func(T) time.Duration, fn func(v *T, exists bool) bool) error {
	txf := func(tx *redis.Tx) error {
		var v T
		exists := true
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &v); err != nil {
				var zero T
				v, exists = zero, false
			}
		}
		if !fn(&v, exists) {
			return nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		d := ttl(v)
		if d <= 0 {
			d = time.Second
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, d)
			return nil
		})
		return err
	}

	for i := 0; i < MaxRetries; i++ {
		err := client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %q: too much contention", key)
}

// Get loads the JSON value at key.
func Get[T any](ctx context.Context, client redis.UniversalClient, key string) (T, bool, error) {
	var v T
	raw, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return v, true, nil
}
