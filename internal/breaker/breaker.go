// Package breaker tracks upstream failures per provider and decides whether
// outbound calls may proceed.
package breaker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// State is a breaker state as reported to clients.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Entry is the persisted state for one provider key.
type Entry struct {
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"lastFailureAt"`
	State         State     `json:"state"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
}

// Config controls when a breaker opens and how long it stays open.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// DefaultConfig opens after 5 failures and probes again after 2 minutes.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 120 * time.Second}
}

// Decision is the result of Check.
type Decision struct {
	Allowed bool
	State   State
}

// Retention is how long an idle entry survives a Sweep after its last failure.
const Retention = time.Hour

// Breaker is a set of circuit breakers keyed by provider.
type Breaker struct {
	cfg      Config
	store    Store
	now      func() time.Time
	logger   *zap.Logger
	onChange func(key string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger used for transitions and store failures.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Breaker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithStateHook registers fn to be called after every state transition.
func WithStateHook(fn func(key string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New returns a Breaker. Zero fields in cfg fall back to DefaultConfig.
func New(cfg Config, store Store, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	b := &Breaker{cfg: cfg, store: store, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective configuration.
func (b *Breaker) Config() Config { return b.cfg }

// Check reports whether a call to key may proceed. An open breaker whose
// recovery timeout has elapsed moves to half-open and admits one trial; while
// half-open further calls are rejected until the trial reports back or another
// recovery interval passes.
func (b *Breaker) Check(ctx context.Context, key string) Decision {
	now := b.now()
	var d Decision
	var from State
	err := b.store.Update(ctx, key, func(e *Entry, exists bool) bool {
		if !exists {
			*e = Entry{State: StateClosed}
			from = StateClosed
			d = Decision{Allowed: true, State: StateClosed}
			return true
		}
		from = e.State
		switch e.State {
		case StateOpen:
			if now.Before(e.NextAttemptAt) {
				d = Decision{Allowed: false, State: StateOpen}
				return false
			}
			e.State = StateHalfOpen
			e.NextAttemptAt = now.Add(b.cfg.RecoveryTimeout)
			d = Decision{Allowed: true, State: StateHalfOpen}
			return true
		case StateHalfOpen:
			if now.Before(e.NextAttemptAt) {
				d = Decision{Allowed: false, State: StateHalfOpen}
				return false
			}
			e.NextAttemptAt = now.Add(b.cfg.RecoveryTimeout)
			d = Decision{Allowed: true, State: StateHalfOpen}
			return true
		default:
			d = Decision{Allowed: true, State: StateClosed}
			return false
		}
	})
	if err != nil {
		b.logger.Warn("breaker store unavailable, allowing call", zap.String("key", key), zap.Error(err))
		return Decision{Allowed: true, State: StateClosed}
	}
	b.transition(key, from, d.State)
	return d
}

// RecordSuccess closes the breaker for key and resets its failure count.
func (b *Breaker) RecordSuccess(ctx context.Context, key string) {
	from := StateClosed
	err := b.store.Update(ctx, key, func(e *Entry, exists bool) bool {
		if exists {
			from = e.State
		}
		if exists && e.State == StateClosed && e.Failures == 0 {
			return false
		}
		e.Failures = 0
		e.State = StateClosed
		e.NextAttemptAt = time.Time{}
		return true
	})
	if err != nil {
		b.logger.Warn("breaker store unavailable, success not recorded", zap.String("key", key), zap.Error(err))
		return
	}
	b.transition(key, from, StateClosed)
}

// RecordFailure counts a failed call. A closed breaker opens once the failure
// threshold is reached; a half-open breaker reopens immediately. Failures
// recorded while already open do not push back the next attempt.
func (b *Breaker) RecordFailure(ctx context.Context, key string) {
	now := b.now()
	var from, to State
	var failures int
	err := b.store.Update(ctx, key, func(e *Entry, exists bool) bool {
		if !exists {
			*e = Entry{State: StateClosed}
		}
		from = e.State
		e.Failures++
		e.LastFailureAt = now
		switch e.State {
		case StateHalfOpen:
			e.State = StateOpen
			e.NextAttemptAt = now.Add(b.cfg.RecoveryTimeout)
		case StateClosed:
			if e.Failures >= b.cfg.FailureThreshold {
				e.State = StateOpen
				e.NextAttemptAt = now.Add(b.cfg.RecoveryTimeout)
			}
		}
		to = e.State
		failures = e.Failures
		return true
	})
	if err != nil {
		b.logger.Warn("breaker store unavailable, failure not recorded", zap.String("key", key), zap.Error(err))
		return
	}
	if from != to {
		b.logger.Warn("circuit breaker opened",
			zap.String("key", key),
			zap.String("from", string(from)),
			zap.Int("failures", failures),
			zap.Duration("recovery_timeout", b.cfg.RecoveryTimeout))
	}
	b.transition(key, from, to)
}

// State returns the stored state for key without side effects. Unknown keys
// and store errors report closed.
func (b *Breaker) State(ctx context.Context, key string) State {
	e, ok, err := b.store.Get(ctx, key)
	if err != nil || !ok || e.State == "" {
		return StateClosed
	}
	return e.State
}

// Entry returns the stored entry for key.
func (b *Breaker) Entry(ctx context.Context, key string) (Entry, bool, error) {
	return b.store.Get(ctx, key)
}

// Sweep drops entries that have not failed within Retention. Open and
// half-open entries are kept until their next attempt is due.
func (b *Breaker) Sweep(ctx context.Context) (int, error) {
	return b.store.Sweep(ctx, b.now(), Retention)
}

func (b *Breaker) transition(key string, from, to State) {
	if from == to {
		return
	}
	if to != StateOpen {
		b.logger.Info("circuit breaker state changed",
			zap.String("key", key), zap.String("from", string(from)), zap.String("to", string(to)))
	}
	if b.onChange != nil {
		b.onChange(key, from, to)
	}
}
