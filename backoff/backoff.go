// Package backoff provides redelivery delay strategies for failed message
// processing. All strategies are safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

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
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ──────────────────────────────────────────────────
// Jittered
// ──────────────────────────────────────────────────

// Jittered spreads another strategy's delay by a uniform factor in
// [1-Fraction, 1+Fraction]. The result never exceeds Max (when set) and is
// never negative. Fraction <= 0 returns the base delay unchanged.
type Jittered struct {
	Base     Strategy
	Fraction float64
	Max      time.Duration

	// rnd returns a value in [0, 1). Tests may replace it.
	rnd func() float64
}

// NewJittered wraps base with ±fraction jitter capped at maxDelay.
func NewJittered(base Strategy, fraction float64, maxDelay time.Duration) *Jittered {
	return &Jittered{Base: base, Fraction: fraction, Max: maxDelay, rnd: rand.Float64} //nolint:gosec // jitter intentionally uses non-crypto rand
}

// WithSource returns a copy of j drawing randomness from rnd.
func (j *Jittered) WithSource(rnd func() float64) *Jittered {
	cp := *j
	cp.rnd = rnd
	return &cp
}

// Delay returns the base delay scaled by a random factor.
func (j *Jittered) Delay(attempt int) time.Duration {
	d := j.Base.Delay(attempt)
	if j.Fraction <= 0 {
		return d
	}
	rnd := j.rnd
	if rnd == nil {
		rnd = rand.Float64 //nolint:gosec // jitter intentionally uses non-crypto rand
	}
	factor := 1 + j.Fraction*(2*rnd()-1)
	out := time.Duration(float64(d) * factor)
	if out < 0 {
		out = 0
	}
	if j.Max > 0 && out > j.Max {
		out = j.Max
	}
	return out
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns Exponential with 2s initial and 30s max, the
// redelivery policy used when nothing else is configured.
func DefaultStrategy() Strategy {
	return NewExponential(2*time.Second, 30*time.Second)
}
