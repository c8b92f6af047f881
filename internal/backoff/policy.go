// Package backoff computes retry delays and bounds the number of attempts
// made by reconnecting clients.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes how long to wait between attempts and when to give up.
//
// A Factor of 1 with zero Jitter yields a fixed delay, which is what the
// collaboration channel uses by default.
type Policy struct {
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration
	// Factor multiplies the delay after every failed attempt.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the delay.
	Jitter float64
	// MaxAttempts bounds the number of consecutive attempts. Zero means unbounded.
	MaxAttempts int
}

// Reconnect returns the collaboration channel policy: 1s fixed delay, 5 attempts.
func Reconnect() Policy {
	return Policy{
		Delay:       time.Second,
		Factor:      1,
		MaxAttempts: 5,
	}
}

// Fixed returns a policy with a constant delay and the given attempt limit.
func Fixed(delay time.Duration, maxAttempts int) Policy {
	return Policy{Delay: delay, Factor: 1, MaxAttempts: maxAttempts}
}

// Backoff returns the delay to wait after the given failed attempt (1-indexed).
func (p Policy) Backoff(attempt int) time.Duration {
	return p.BackoffWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// BackoffWithRand is Backoff with a caller-provided random value in [0, 1).
func (p Policy) BackoffWithRand(attempt int, randomValue float64) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Delay) * math.Pow(factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.MaxDelay > 0 {
		total = math.Min(total, float64(p.MaxDelay))
	}
	return time.Duration(math.Round(total))
}

// Exhausted reports whether no attempt may follow the given number of
// consecutive failures.
func (p Policy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}
