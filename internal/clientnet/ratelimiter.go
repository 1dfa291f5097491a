package clientnet

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RestRateLimiter proactively smooths outbound REST calls per endpoint with
// a token bucket, and reactively backs off exponentially on HTTP 429
// responses - grounded on rate_limiter.py's RestRateLimiter, with
// golang.org/x/time/rate standing in for its hand-rolled sliding window
// since that's exactly the shape a proactive limiter needs.
type RestRateLimiter struct {
	Proactive          bool
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	BackoffMultiplier  float64

	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	retries   map[string]int
}

// NewRestRateLimiter creates a client-side rate limiter.
func NewRestRateLimiter(proactive bool, initialBackoff, maxBackoff time.Duration, backoffMultiplier float64) *RestRateLimiter {
	return &RestRateLimiter{
		Proactive:         proactive,
		InitialBackoff:    initialBackoff,
		MaxBackoff:        maxBackoff,
		BackoffMultiplier: backoffMultiplier,
		limiters:          make(map[string]*rate.Limiter),
		retries:           make(map[string]int),
	}
}

// CheckRateLimit blocks until endpoint is allowed another request under
// maxRPS. A non-positive maxRPS disables proactive limiting for that call.
func (l *RestRateLimiter) CheckRateLimit(ctx context.Context, endpoint string, maxRPS float64) error {
	if !l.Proactive || maxRPS <= 0 {
		return nil
	}

	l.mu.Lock()
	lim, ok := l.limiters[endpoint]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(maxRPS), int(maxRPS)+1)
		l.limiters[endpoint] = lim
	}
	l.mu.Unlock()

	return lim.Wait(ctx)
}

// HandleRateLimitError computes the retry delay for a 429 response,
// preferring a Retry-After header value and falling back to exponential
// backoff keyed by endpoint.
func (l *RestRateLimiter) HandleRateLimitError(endpoint, retryAfterHeader string) time.Duration {
	if retryAfterHeader != "" {
		if secs, err := strconv.ParseFloat(retryAfterHeader, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.retries[endpoint]
	l.retries[endpoint] = n + 1

	delay := float64(l.InitialBackoff) * pow(l.BackoffMultiplier, n)
	if delay > float64(l.MaxBackoff) {
		delay = float64(l.MaxBackoff)
	}
	return time.Duration(delay)
}

// ResetEndpoint clears retry state for an endpoint, called after a
// successful request.
func (l *RestRateLimiter) ResetEndpoint(endpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.retries, endpoint)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
