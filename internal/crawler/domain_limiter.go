package crawler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DomainLimiter enforces one politeness interval per registrable domain:
// the next fetch on a domain may not start before "next allowed", and
// each Wait reserves the following slot as max(now, next_allowed)+interval
// so a worker that fell behind never bunches requests to catch up.
type DomainLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDomainLimiter constructs an empty per-domain limiter registry.
func NewDomainLimiter() *DomainLimiter {
	return &DomainLimiter{limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until domain's next-allowed slot arrives, then reserves the
// following one. interval <= 0 disables rate limiting for this call.
func (d *DomainLimiter) Wait(ctx context.Context, domain string, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	limiter := d.limiterFor(domain, interval)
	return limiter.Wait(ctx)
}

func (d *DomainLimiter) limiterFor(domain string, interval time.Duration) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	limiter, ok := d.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(interval), 1)
		d.limiters[domain] = limiter
	}
	return limiter
}
