package fetcher

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

const (
	rateGrowth = 1.2
	rateCut    = 0.5
)

// AdaptiveLimiter paces requests to a single host. Each success raises the
// rate by 20% up to twice the initial rate; each 429 halves it, down to a
// quarter of the initial rate.
type AdaptiveLimiter struct {
	lim *rate.Limiter

	mu      sync.Mutex
	current rate.Limit
	floor   rate.Limit
	ceiling rate.Limit
}

// NewAdaptiveLimiter creates a limiter starting at initial events per second.
func NewAdaptiveLimiter(initial rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		lim:     rate.NewLimiter(initial, burst),
		current: initial,
		floor:   initial / 4,
		ceiling: initial * 2,
	}
}

// Wait blocks until the next request may be sent or ctx is done.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.lim.Wait(ctx)
}

// OnSuccess speeds the limiter up.
func (a *AdaptiveLimiter) OnSuccess() { a.scale(rateGrowth) }

// OnRateLimit slows the limiter down after a 429.
func (a *AdaptiveLimiter) OnRateLimit() { a.scale(rateCut) }

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveLimiter) scale(factor float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = min(max(a.current*rate.Limit(factor), a.floor), a.ceiling)
	a.lim.SetLimit(a.current)
}
