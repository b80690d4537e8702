// Package backoff provides pluggable retry delay strategies. A strategy is
// a pure function of the attempt number, so strategies are swappable and
// independently testable. All strategies are stateless and safe for
// concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/chronoq/chronoq/job"
)

// Strategy names accepted in a job's retry policy.
const (
	StrategyFixed             = "fixed"
	StrategyExponential       = "exponential"
	StrategyExponentialJitter = "exponential_jitter"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Func adapts a plain function to a Strategy.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Fixed always returns the same delay regardless of attempt number.
type Fixed struct {
	Interval time.Duration
}

// NewFixed creates a fixed-interval backoff strategy.
func NewFixed(interval time.Duration) *Fixed {
	return &Fixed{Interval: interval}
}

// Delay returns the fixed interval.
func (f *Fixed) Delay(_ int) time.Duration {
	return f.Interval
}

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ExponentialJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(Initial * 2^(attempt-1), Max)].
// This prevents thundering herd when many retries happen simultaneously.
type ExponentialJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialJitter creates an exponential backoff with full jitter.
func NewExponentialJitter(initial, maxDelay time.Duration) *ExponentialJitter {
	return &ExponentialJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)].
func (e *ExponentialJitter) Delay(attempt int) time.Duration {
	base := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && base > float64(e.Max) {
		base = float64(e.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// Default returns the engine's fallback strategy: exponential with 1s
// initial and 1m cap.
func Default() Strategy {
	return NewExponential(1*time.Second, 1*time.Minute)
}

// Resolve builds the Strategy named by a job's retry policy, falling back
// to def when the policy names no strategy. An unknown strategy name also
// resolves to def; a malformed policy must not stall retries.
func Resolve(p job.RetryPolicy, def Strategy) Strategy {
	if def == nil {
		def = Default()
	}

	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}

	switch p.Strategy {
	case StrategyFixed:
		return NewFixed(initial)
	case StrategyExponential:
		return NewExponential(initial, p.Max)
	case StrategyExponentialJitter:
		return NewExponentialJitter(initial, p.Max)
	default:
		return def
	}
}
