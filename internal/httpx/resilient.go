package httpx

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tokenfeed/internal/trace"
)

// MaxBodyBytes caps a buffered upstream response body.
const MaxBodyBytes = 4 << 20

// ErrBodyTooLarge is wrapped in an UpstreamError when a body exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

// Recorder receives the outcome of every attempt. *breaker.Breaker satisfies it.
type Recorder interface {
	RecordSuccess(ctx context.Context, key string)
	RecordFailure(ctx context.Context, key string)
}

// Options bound a single logical request.
type Options struct {
	Timeout    time.Duration
	Retries    int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	BreakerKey string
}

// DefaultOptions: 8s per attempt, 3 retries, 1s base delay capped at 30s.
func DefaultOptions() Options {
	return Options{
		Timeout:   8 * time.Second,
		Retries:   3,
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
	}
}

// Backoff returns min(base*2^attempt, ceiling) for the zero-based retry attempt.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	return min(d, ceiling)
}

// WithJitter adds up to 10% of d, scaled by r in [0,1).
func WithJitter(d time.Duration, r float64) time.Duration {
	return d + time.Duration(r*0.1*float64(d))
}

// Resilient wraps an HTTPClient with per-attempt timeouts, bounded retries and
// breaker bookkeeping. It implements HTTPClient so provider clients can use it
// in place of a plain client.
type Resilient struct {
	next     HTTPClient
	opts     Options
	recorder Recorder
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func() float64
}

// ResilientOption configures a Resilient.
type ResilientOption func(*Resilient)

func WithLogger(logger *zap.Logger) ResilientOption {
	return func(r *Resilient) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ResilientOption {
	return func(r *Resilient) { r.sleep = fn }
}

// WithJitterSource replaces the random source used for jitter.
func WithJitterSource(fn func() float64) ResilientOption {
	return func(r *Resilient) { r.jitter = fn }
}

// NewResilient wraps next. A nil recorder disables breaker bookkeeping; zero
// option fields fall back to DefaultOptions.
func NewResilient(next HTTPClient, opts Options, recorder Recorder, options ...ResilientOption) *Resilient {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	r := &Resilient{
		next:     next,
		opts:     opts,
		recorder: recorder,
		logger:   zap.NewNop(),
		sleep:    sleepContext,
		jitter:   rand.Float64,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// Options returns the effective options.
func (r *Resilient) Options() Options { return r.opts }

// Do sends req, retrying network errors and non-2xx responses. A timed out
// attempt ends the request with *TimeoutError. The body is read in full
// within the attempt deadline, so a successful response is already buffered.
func (r *Resilient) Do(req *http.Request) (*http.Response, error) {
	ctx, span := trace.StartSpan(req.Context(), "httpx.Do", oteltrace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.url", req.URL.Redacted()),
		attribute.String("breaker.key", r.opts.BreakerKey),
	))
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= r.opts.Retries; attempt++ {
		if attempt > 0 {
			delay := WithJitter(Backoff(attempt-1, r.opts.BaseDelay, r.opts.MaxDelay), r.jitter())
			r.logger.Warn("upstream attempt failed, retrying",
				zap.String("url", req.URL.Redacted()),
				zap.String("key", r.opts.BreakerKey),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := r.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		resp, err := r.attempt(ctx, req)
		span.SetAttributes(attribute.Int("http.attempts", attempt+1))
		if err == nil {
			r.record(ctx, true)
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			// The caller gave up; that says nothing about the upstream.
			lastErr = ctx.Err()
			break
		}
		r.record(ctx, false)

		var te *TimeoutError
		if errors.As(err, &te) {
			break
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, lastErr
}

func (r *Resilient) attempt(ctx context.Context, req *http.Request) (*http.Response, error) {
	actx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	areq := req.Clone(actx)
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, err
		}
		areq.Body = body
	}
	url := req.URL.Redacted()

	resp, err := r.next.Do(areq)
	if err != nil {
		cancel()
		if isTimeout(err) && ctx.Err() == nil {
			return nil, &TimeoutError{URL: url, Timeout: r.opts.Timeout}
		}
		return nil, &UpstreamError{URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		cancel()
		return nil, &UpstreamError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	defer cancel()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes+1))
	_ = resp.Body.Close()
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil && (actx.Err() != nil || isTimeout(err)):
		return nil, &TimeoutError{URL: url, Timeout: r.opts.Timeout}
	case err != nil:
		return nil, &UpstreamError{URL: url, Err: err}
	case len(body) > MaxBodyBytes:
		return nil, &UpstreamError{URL: url, Err: ErrBodyTooLarge}
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

func (r *Resilient) record(ctx context.Context, ok bool) {
	if r.recorder == nil || r.opts.BreakerKey == "" {
		return
	}
	if ok {
		r.recorder.RecordSuccess(ctx, r.opts.BreakerKey)
		return
	}
	r.recorder.RecordFailure(ctx, r.opts.BreakerKey)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
