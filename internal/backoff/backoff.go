// Package backoff computes retry delays and runs retriable operations.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n.
type Strategy interface {
	// Delay returns how long to wait after attempt n has failed
	// (attempt 1 is the first execution attempt).
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt: Delay = Base * 2^attempt,
// capped at Cap. Used for request retries, where the delay schedule must be
// deterministic and monotonically non-decreasing up to the cap.
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base, capDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Cap: capDelay}
}

// Delay returns Base * 2^attempt, capped at Cap.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := e.Base
	for range attempt {
		d *= 2
		if e.Cap > 0 && d >= e.Cap {
			return e.Cap
		}
	}
	if e.Cap > 0 && d > e.Cap {
		return e.Cap
	}
	return d
}

// ExponentialWithJitter applies full jitter to an exponential base:
// Delay = random value in [0, min(Base * 2^attempt, Cap)]. Used for
// infrastructure retries, where spreading out contending callers matters
// more than a predictable schedule.
type ExponentialWithJitter struct {
	Base time.Duration
	Cap  time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(base, capDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Base: base, Cap: capDelay}
}

// Delay returns a random duration in [0, min(Base * 2^attempt, Cap)].
func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	ceiling := (&Exponential{Base: e.Base, Cap: e.Cap}).Delay(attempt)
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1)) //nolint:gosec // jitter does not need crypto-strength randomness
}

// Retry executes fn, retrying up to maxRetries times while retriable
// reports the error as transient. Delays between attempts come from the
// strategy. The context bounds the overall wait.
func Retry(ctx context.Context, maxRetries int, strategy Strategy, retriable func(error) bool, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !retriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(strategy.Delay(attempt)):
		}
	}
	return err
}
