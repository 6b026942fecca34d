// Package ratelimit paces requests to object storage with a token bucket.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rescale/gridscan/internal/logging"
)

// warnInterval bounds how often a long wait is logged.
const warnInterval = 10 * time.Second

// RateLimiter implements a token bucket rate limiter.
// It allows bursts up to maxTokens, then refills at refillRate tokens/second.
type RateLimiter struct {
	tokens        float64
	maxTokens     float64
	refillRate    float64
	lastRefill    time.Time
	cooldownUntil time.Time
	lastWarnTime  time.Time
	logger        *logging.Logger
	mu            sync.Mutex
}

// NewRateLimiter creates a limiter refilling tokensPerSecond up to burstSize.
// The bucket starts full.
func NewRateLimiter(tokensPerSecond, burstSize float64, logger *logging.Logger) *RateLimiter {
	if burstSize < 1 {
		burstSize = 1
	}
	return &RateLimiter{
		tokens:     burstSize,
		maxTokens:  burstSize,
		refillRate: tokensPerSecond,
		lastRefill: time.Now(),
		logger:     logging.OrNop(logger),
	}
}

// ForRequestsPerSecond returns a limiter allowing rate requests per second
// with a one second burst, or nil when rate is not positive. A nil limiter
// never blocks.
func ForRequestsPerSecond(rate float64, logger *logging.Logger) *RateLimiter {
	if rate <= 0 {
		return nil
	}
	return NewRateLimiter(rate, rate, logger)
}

// Wait blocks until a token is available or ctx is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	if rl.tryAcquire() {
		return nil
	}

	if wait := rl.timeUntilNextToken(); wait > 2*time.Second {
		rl.mu.Lock()
		if time.Since(rl.lastWarnTime) > warnInterval {
			rl.logger.Warn().Dur("wait", wait).Msg("Rate limited, waiting for capacity")
			rl.lastWarnTime = time.Now()
		}
		rl.mu.Unlock()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if rl.tryAcquire() {
			return nil
		}

		timer := time.NewTimer(rl.timeUntilNextToken())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Cooldown empties the bucket and blocks every acquisition for d. It is
// called when the storage service signals throttling. A shorter cooldown
// never cuts an active one.
func (rl *RateLimiter) Cooldown(d time.Duration) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = 0
	rl.lastRefill = time.Now()
	if until := time.Now().Add(d); until.After(rl.cooldownUntil) {
		rl.cooldownUntil = until
	}
	rl.logger.Warn().Dur("cooldown", d).Msg("Storage throttling, pausing uploads")
}

// tryAcquire takes one token without blocking.
func (rl *RateLimiter) tryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Before(rl.cooldownUntil) {
		return false
	}
	rl.refill(now)

	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

// refill must be called with mu held.
func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now
}

// timeUntilNextToken is how long to wait until at least one token is available.
func (rl *RateLimiter) timeUntilNextToken() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Before(rl.cooldownUntil) {
		return rl.cooldownUntil.Sub(now)
	}
	tokensNeeded := 1.0 - rl.tokens
	if tokensNeeded <= 0 {
		return 0
	}
	return time.Duration(tokensNeeded / rl.refillRate * float64(time.Second))
}

// GetCurrentTokens returns the current number of tokens (for testing/debugging).
func (rl *RateLimiter) GetCurrentTokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	tokens := rl.tokens + time.Since(rl.lastRefill).Seconds()*rl.refillRate
	if tokens > rl.maxTokens {
		tokens = rl.maxTokens
	}
	return tokens
}
