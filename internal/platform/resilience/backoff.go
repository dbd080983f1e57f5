package resilience

import (
	"math"
	"math/rand"
	"time"
)

// BackoffMode selects how delays grow between attempts
type BackoffMode int

const (
	// Exponential doubles the delay on every attempt: base * 2^attempt
	Exponential BackoffMode = iota
	// Fixed waits base on every attempt
	Fixed
)

func (m BackoffMode) String() string {
	if m == Fixed {
		return "fixed"
	}
	return "exponential"
}

// ParseBackoffMode maps a config string to a BackoffMode. Unknown values fall
// back to Exponential.
func ParseBackoffMode(s string) BackoffMode {
	if s == "fixed" {
		return Fixed
	}
	return Exponential
}

// Backoff computes the wait before retry number attempt (0-based)
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Mode   BackoffMode
	Jitter float64 // 0.0 to 1.0, zero disables
}

// Delay returns the delay before the given retry attempt
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(b.Base)
	if b.Mode == Exponential {
		delay *= math.Pow(2, float64(attempt))
	}

	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	// Randomize by ±jitter percent
	if b.Jitter > 0 {
		jitterAmount := delay * b.Jitter
		delay = delay - jitterAmount + (rand.Float64() * jitterAmount * 2)
	}

	return time.Duration(delay)
}
