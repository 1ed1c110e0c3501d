package pipeline

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/carscan/internal/vehicle"
)

// RetryPolicy decides whether a failed stage runs again and how long to wait
// first. Delays grow exponentially with full jitter on the upper half.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy returns a policy allowing maxAttempts attempts per stage.
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxStageAttempts
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &RetryPolicy{maxAttempts: maxAttempts, baseDelay: baseDelay, maxDelay: maxDelay}
}

// ShouldRetry reports whether attempt (1-based) may be followed by another
// one after err. Fatal errors never retry.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if vehicle.IsFatal(err) {
		return false
	}
	return attempt < p.maxAttempts
}

// Backoff returns the wait before attempt+1.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	half := time.Duration(delay / 2)
	return half + jitter(half)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
