package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	base := errors.New("bad number")
	err := NewRetryPolicy(3, time.Millisecond).Do(func() error {
		calls++
		return Permanent(base)
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if !errors.Is(err, base) || isPermanent(err) {
		t.Fatalf("expected unwrapped base error, got %v", err)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(2, time.Millisecond).DoContext(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, got %v after %d", err, calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := NewRetryPolicy(5, time.Hour).DoContext(ctx, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected one attempt before cancellation, got %d (%v)", calls, err)
	}
}

func TestCircuitBreakerTripAndCooldown(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(2, time.Minute).WithTrip(AnyError)
	cb.now = func() time.Time { return now }

	if cb.OnError(errors.New("timeout")) || !cb.Allow() {
		t.Fatalf("breaker opened too early")
	}
	if !cb.OnError(errors.New("timeout")) || cb.Allow() || cb.State() != BreakerOpen {
		t.Fatalf("expected breaker to be open")
	}
	now = now.Add(2 * time.Minute)
	if !cb.Allow() || cb.State() != BreakerHalfOpen {
		t.Fatalf("expected half open breaker after cooldown, got %s", cb.State())
	}
	if !cb.OnError(errors.New("timeout")) || cb.Allow() {
		t.Fatalf("a failed probe must reopen the breaker")
	}
	cb.OnSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("success must close the breaker")
	}
}

func TestCircuitBreakerDefaultCountsRateLimitsOnly(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.OnError(errors.New("plain failure"))
	if !cb.Allow() {
		t.Fatalf("plain errors must not trip the default breaker")
	}
	cb.OnError(RateLimitError{Provider: "ollama"})
	if cb.Allow() {
		t.Fatalf("rate limit should trip the breaker")
	}
}

func TestRetryConsultsRetryable(t *testing.T) {
	calls := 0
	busy := errors.New("486 busy")
	policy := NewRetryPolicy(3, time.Millisecond)
	policy.Retryable = func(err error) bool { return !errors.Is(err, busy) }
	err := policy.Do(func() error {
		calls++
		if calls == 1 {
			return errors.New("503")
		}
		return busy
	})
	if !errors.Is(err, busy) || calls != 2 {
		t.Fatalf("expected to stop on the rejected error, got %v after %d", err, calls)
	}
}
