package server

import (
	"time"

	"golang.org/x/time/rate"
)

// newRateLimiter returns a token bucket holding capacity tokens that refills
// capacity tokens per interval.
func newRateLimiter(cfg RateLimitConfig) *rate.Limiter {
	capacity := cfg.Burst
	if capacity <= 0 {
		capacity = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	return rate.NewLimiter(rate.Limit(float64(capacity)/interval.Seconds()), capacity)
}
