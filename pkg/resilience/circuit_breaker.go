package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

// IsRateLimit returns true when the error is a RateLimitError.
func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// AnyError trips the breaker on every failure.
func AnyError(err error) bool { return err != nil }

// BreakerState is the externally visible breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker blocks requests after repeated qualifying failures.
// By default only rate limit errors count. Once the cooldown ends the
// breaker is half open: the next qualifying failure reopens it at once.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	trips     func(error) bool
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, trips: IsRateLimit, now: time.Now}
}

// WithTrip replaces the predicate deciding which errors count as failures.
func (c *CircuitBreaker) WithTrip(fn func(error) bool) *CircuitBreaker {
	if fn != nil {
		c.trips = fn
	}
	return c
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

// OnError records a failure and reports whether it opened the breaker.
func (c *CircuitBreaker) OnError(err error) bool {
	if !c.trips(err) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures < c.threshold {
		return false
	}
	c.openUntil = c.now().Add(c.cooldown)
	return true
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.failures < c.threshold:
		return BreakerClosed
	case c.now().Before(c.openUntil):
		return BreakerOpen
	default:
		return BreakerHalfOpen
	}
}
