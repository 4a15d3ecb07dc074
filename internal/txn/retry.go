package txn

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrBreakerOpen indicates the participant circuit breaker is open.
var ErrBreakerOpen = errors.New("participant circuit breaker open")

// Policy bounds retries around a single participant call: capped
// exponential backoff with jitter, deadline-aware sleeps, and an
// attempt observer so coordinators can persist per-step attempt counts.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	Retryable   func(error) bool
	OnAttempt   func(attempt int)
}

// DefaultPolicy is used when a manager is built without an explicit one.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// Do invokes fn until it succeeds, the attempt budget is exhausted, the
// error is non-retryable, or the context ends. The last error is
// returned on exhaustion.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = halfJitter
	}

	var err error
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p.OnAttempt != nil {
			p.OnAttempt(attempt)
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= attempts || !retryable(err) {
			return err
		}
		delay := p.BaseDelay
		if delay > 0 {
			delay <<= attempt - 1
		}
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
		if delay = jitter(delay); delay > 0 {
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				return sleepErr
			}
		}
	}
}

// DefaultRetryable treats everything as transient except context ends,
// open breakers, protocol violations, and configuration errors.
func DefaultRetryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrBreakerOpen),
		errors.Is(err, ErrProtocolViolation),
		errors.Is(err, ErrVersionConflict):
		return false
	}
	return !IsConfigError(err)
}

// Breaker stops issuing calls to a participant after repeated failures,
// letting a single probe through once the reset window elapses.
type Breaker struct {
	mu         sync.Mutex
	maxFails   int
	resetAfter time.Duration
	now        func() time.Time

	failures int
	openedAt time.Time
	open     bool
	probing  bool
}

// NewBreaker constructs a breaker that opens after maxFails consecutive
// failures and probes again after resetAfter.
func NewBreaker(maxFails int, resetAfter time.Duration) *Breaker {
	if maxFails < 1 {
		maxFails = 1
	}
	if resetAfter <= 0 {
		resetAfter = 2 * time.Second
	}
	return &Breaker{maxFails: maxFails, resetAfter: resetAfter, now: time.Now}
}

// Execute runs fn unless the breaker is open. A nil breaker is a no-op.
func (b *Breaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}

	b.mu.Lock()
	if b.open {
		if b.now().Sub(b.openedAt) < b.resetAfter || b.probing {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.probing {
		b.probing = false
		if err == nil {
			b.open = false
			b.failures = 0
			return nil
		}
		b.openedAt = b.now()
		return err
	}
	if err == nil {
		b.failures = 0
		return nil
	}
	if b.failures++; b.failures >= b.maxFails {
		b.open = true
		b.openedAt = b.now()
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func halfJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
