// Package retry wraps fallible operations with bounded backoff.
package retry

import (
	"context"
	"time"

	"github.com/fieldline/porter/errors"
)

// Strategy selects how the delay grows between attempts.
type Strategy string

const (
	// StrategyFixed waits the same delay between every attempt
	StrategyFixed Strategy = "fixed"
	// StrategyExponential doubles the delay after each attempt
	StrategyExponential Strategy = "exponential"
)

// ParseStrategy maps a configuration string to a Strategy,
// defaulting to exponential for unrecognized values.
func ParseStrategy(s string) Strategy {
	if Strategy(s) == StrategyFixed {
		return StrategyFixed
	}
	return StrategyExponential
}

// Policy retries an operation up to MaxAttempts times.
// It makes no judgment about which errors are retryable; callers that know
// an error is terminal should not route it through a Policy.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Strategy    Strategy
	MaxDelay    time.Duration // cap for exponential growth; 0 = uncapped

	// Sleep is injectable for tests; defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy builds a Policy with sane bounds applied.
func NewPolicy(maxAttempts int, delay time.Duration, strategy Strategy) Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return Policy{
		MaxAttempts: maxAttempts,
		Delay:       delay,
		Strategy:    strategy,
		MaxDelay:    30 * time.Second,
	}
}

// Do runs op until it succeeds or MaxAttempts is exhausted, sleeping between
// attempts. On exhaustion the last error is returned. Context cancellation
// during a backoff sleep aborts immediately with the context error.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	// a policy always runs the operation at least once, even when built
	// by hand with MaxAttempts left zero
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := p.Delay
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		if err := sleep(ctx, delay); err != nil {
			return errors.Wrap(err, "retry aborted")
		}

		if p.Strategy == StrategyExponential {
			delay *= 2
			if p.MaxDelay > 0 && delay > p.MaxDelay {
				delay = p.MaxDelay
			}
		}
	}

	return errors.Wrapf(lastErr, "giving up after %d attempts", attempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
