package server

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter is a per-connection token bucket: burst frames, refilled
// evenly over interval.
type rateLimiter struct {
	limiter *rate.Limiter
}

func newRateLimiter(burst int, interval time.Duration) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}

	every := interval / time.Duration(burst)
	if every <= 0 {
		every = time.Nanosecond
	}

	return &rateLimiter{limiter: rate.NewLimiter(rate.Every(every), burst)}
}

func (rl *rateLimiter) allow() bool {
	return rl.limiter.Allow()
}
