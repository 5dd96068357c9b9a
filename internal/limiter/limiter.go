// Package limiter implements the per-client fixed-window request limiter that
// gates the public endpoints.
package limiter

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// UnknownClient is the key used when no client address can be derived.
const UnknownClient = "unknown"

// Config is the request budget for one class of requests.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Window is the counter state kept for a single client key.
type Window struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"windowStart"`
	ResetTime   time.Time `json:"resetTime"`
}

// Result reports the outcome of a Check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// RetryAfter returns the whole seconds until the window resets, never less than one.
func (r Result) RetryAfter(now time.Time) int {
	d := r.ResetTime.Sub(now)
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter checks client keys against a Store.
type Limiter struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New returns a Limiter backed by store.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{store: store, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the limiter's current time.
func (l *Limiter) Now() time.Time { return l.now() }

// Check counts one request for key. A rejected request does not consume
// budget. Check never fails: if the store is unreachable the request is allowed.
func (l *Limiter) Check(ctx context.Context, key string, cfg Config) Result {
	now := l.now()
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return Result{Allowed: true, Remaining: 0, ResetTime: now}
	}

	var res Result
	err := l.store.Update(ctx, key, func(w *Window, exists bool) bool {
		if !exists || !now.Before(w.WindowStart.Add(cfg.Window)) {
			*w = Window{Count: 1, WindowStart: now, ResetTime: now.Add(cfg.Window)}
			res = Result{Allowed: true, Remaining: cfg.MaxRequests - 1, ResetTime: w.ResetTime}
			return true
		}
		if w.Count >= cfg.MaxRequests {
			res = Result{Allowed: false, Remaining: 0, ResetTime: w.ResetTime}
			return false
		}
		w.Count++
		res = Result{Allowed: true, Remaining: cfg.MaxRequests - w.Count, ResetTime: w.ResetTime}
		return true
	})
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing request",
			zap.String("key", key), zap.Error(err))
		return Result{Allowed: true, Remaining: cfg.MaxRequests, ResetTime: now.Add(cfg.Window)}
	}
	return res
}

// Sweep removes expired windows from the store.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.Sweep(ctx, l.now())
}

// ClientKey derives the limiter key for a request: the first X-Forwarded-For
// hop, then X-Real-IP, then the peer address, then UnknownClient.
func ClientKey(h http.Header, remoteAddr string) string {
	if fwd := h.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(h.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	if remoteAddr != "" {
		if host, _, err := net.SplitHostPort(remoteAddr); err == nil && host != "" {
			return host
		}
		return remoteAddr
	}
	return UnknownClient
}
