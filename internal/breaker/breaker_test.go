package breaker_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"tokenfeed/internal/breaker"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newBreaker(clock *fakeClock, opts ...breaker.Option) *breaker.Breaker {
	opts = append([]breaker.Option{breaker.WithClock(clock.Now)}, opts...)
	return breaker.New(breaker.DefaultConfig(), breaker.NewMemoryStore(), opts...)
}

func TestBreaker_FullCycle(t *testing.T) {
	t.Parallel()

	// Arrange
	clock := newFakeClock()
	b := newBreaker(clock)
	ctx := t.Context()

	// Act: five consecutive failures
	for i := 0; i < 5; i++ {
		b.RecordFailure(ctx, "svc")
	}

	// Assert: open and rejecting
	d := b.Check(ctx, "svc")
	require.Equal(t, breaker.StateOpen, d.State)
	require.False(t, d.Allowed)

	// Act: recovery timeout elapses
	clock.Advance(120 * time.Second)
	d = b.Check(ctx, "svc")
	require.Equal(t, breaker.StateHalfOpen, d.State)
	require.True(t, d.Allowed)

	// Act: the trial fails
	b.RecordFailure(ctx, "svc")
	require.Equal(t, breaker.StateOpen, b.State(ctx, "svc"))
	require.False(t, b.Check(ctx, "svc").Allowed)

	// Act: a success arrives
	b.RecordSuccess(ctx, "svc")
	e, ok, err := b.Entry(ctx, "svc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, breaker.StateClosed, e.State)
	require.Zero(t, e.Failures)
	require.True(t, b.Check(ctx, "svc").Allowed)
}

func TestBreaker_BelowThresholdStaysClosed(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newBreaker(clock)
	for i := 0; i < 4; i++ {
		b.RecordFailure(t.Context(), "svc")
	}
	d := b.Check(t.Context(), "svc")
	require.True(t, d.Allowed)
	require.Equal(t, breaker.StateClosed, d.State)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newBreaker(clock)
	for i := 0; i < 4; i++ {
		b.RecordFailure(t.Context(), "svc")
	}
	b.RecordSuccess(t.Context(), "svc")
	for i := 0; i < 4; i++ {
		b.RecordFailure(t.Context(), "svc")
	}
	require.Equal(t, breaker.StateClosed, b.State(t.Context(), "svc"))
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newBreaker(clock)
	for i := 0; i < 5; i++ {
		b.RecordFailure(t.Context(), "svc")
	}
	clock.Advance(121 * time.Second)

	first := b.Check(t.Context(), "svc")
	second := b.Check(t.Context(), "svc")
	require.True(t, first.Allowed)
	require.False(t, second.Allowed)
	require.Equal(t, breaker.StateHalfOpen, second.State)

	// A trial that never reports back is replaced after another interval.
	clock.Advance(120 * time.Second)
	require.True(t, b.Check(t.Context(), "svc").Allowed)
}

func TestBreaker_FailuresWhileOpenDoNotExtendRecovery(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newBreaker(clock)
	for i := 0; i < 5; i++ {
		b.RecordFailure(t.Context(), "svc")
	}
	clock.Advance(100 * time.Second)
	b.RecordFailure(t.Context(), "svc")
	clock.Advance(20 * time.Second)

	d := b.Check(t.Context(), "svc")
	require.True(t, d.Allowed)
	require.Equal(t, breaker.StateHalfOpen, d.State)
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := newBreaker(clock)
	for i := 0; i < 5; i++ {
		b.RecordFailure(t.Context(), "kraken")
	}
	require.Equal(t, breaker.StateOpen, b.State(t.Context(), "kraken"))
	require.Equal(t, breaker.StateClosed, b.State(t.Context(), "coingecko"))
	require.True(t, b.Check(t.Context(), "coingecko").Allowed)
}

func TestBreaker_StateHookSeesTransitions(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var got []string
	b := newBreaker(clock, breaker.WithStateHook(func(key string, from, to breaker.State) {
		got = append(got, key+":"+string(from)+"->"+string(to))
	}))
	for i := 0; i < 5; i++ {
		b.RecordFailure(t.Context(), "svc")
	}
	clock.Advance(2 * time.Minute)
	b.Check(t.Context(), "svc")
	b.RecordSuccess(t.Context(), "svc")

	require.Equal(t, []string{
		"svc:closed->open",
		"svc:open->half-open",
		"svc:half-open->closed",
	}, got)
}

func TestBreaker_CustomThreshold(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	b := breaker.New(breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Second},
		breaker.NewMemoryStore(), breaker.WithClock(clock.Now))
	b.RecordFailure(t.Context(), "svc")
	b.RecordFailure(t.Context(), "svc")
	require.False(t, b.Check(t.Context(), "svc").Allowed)
	clock.Advance(time.Second)
	require.True(t, b.Check(t.Context(), "svc").Allowed)
}

func TestBreaker_SweepDropsIdleEntries(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := breaker.NewMemoryStore()
	b := breaker.New(breaker.DefaultConfig(), store, breaker.WithClock(clock.Now))
	b.RecordFailure(t.Context(), "stale")
	clock.Advance(59 * time.Minute)
	b.RecordFailure(t.Context(), "fresh")
	clock.Advance(2 * time.Minute)

	n, err := b.Sweep(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	_, ok, _ := store.Get(t.Context(), "stale")
	require.False(t, ok)
	_, ok, _ = store.Get(t.Context(), "fresh")
	require.True(t, ok)
}

func TestBreaker_SweepKeepsOpenBreakerUntilRecovery(t *testing.T) {
	t.Parallel()

	// Arrange: a recovery timeout longer than Retention, breaker opened
	clock := newFakeClock()
	store := breaker.NewMemoryStore()
	cfg := breaker.Config{FailureThreshold: 5, RecoveryTimeout: 2 * time.Hour}
	b := breaker.New(cfg, store, breaker.WithClock(clock.Now))
	for range 5 {
		b.RecordFailure(t.Context(), "kraken")
	}
	clock.Advance(61 * time.Minute)

	// Act
	n, err := b.Sweep(t.Context())

	// Assert
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, breaker.Decision{Allowed: false, State: breaker.StateOpen}, b.Check(t.Context(), "kraken"))

	// once the recovery window and Retention have both passed it goes
	clock.Advance(2 * time.Hour)
	b.RecordSuccess(t.Context(), "kraken")
	clock.Advance(2 * time.Hour)
	n, err = b.Sweep(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

type brokenStore struct{}

func (brokenStore) Update(context.Context, string, func(*breaker.Entry, bool) bool) error {
	return errors.New("down")
}
func (brokenStore) Get(context.Context, string) (breaker.Entry, bool, error) {
	return breaker.Entry{}, false, errors.New("down")
}
func (brokenStore) Sweep(context.Context, time.Time, time.Duration) (int, error) { return 0, nil }

func TestBreaker_StoreFailureAllowsCalls(t *testing.T) {
	t.Parallel()

	b := breaker.New(breaker.DefaultConfig(), brokenStore{})
	b.RecordFailure(t.Context(), "svc")
	d := b.Check(t.Context(), "svc")
	require.True(t, d.Allowed)
	require.Equal(t, breaker.StateClosed, b.State(t.Context(), "svc"))
}

func TestRedisStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	prefix := "tokenfeed:test:" + time.Now().Format("150405.000000") + ":"
	b := breaker.New(breaker.DefaultConfig(), breaker.NewRedisStore(client, prefix))
	for i := 0; i < 5; i++ {
		b.RecordFailure(t.Context(), "svc")
	}
	other := breaker.New(breaker.DefaultConfig(), breaker.NewRedisStore(client, prefix))
	require.Equal(t, breaker.StateOpen, other.State(t.Context(), "svc"))
}
