package httpx

import (
	"fmt"
	"time"
)

// TimeoutError reports an attempt that exceeded its deadline. It is terminal:
// Resilient does not retry it.
type TimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timeout after %s: %s", e.Timeout, e.URL)
}

// UpstreamError reports a network failure or a non-2xx response. Resilient
// retries it.
type UpstreamError struct {
	URL        string
	StatusCode int
	Status     string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream error: %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("upstream error: %s: HTTP %s", e.URL, e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// CircuitOpenError is returned by adapters that refuse to call a provider
// whose breaker is open.
type CircuitOpenError struct {
	Key string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s", e.Key)
}
