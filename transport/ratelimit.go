package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// hostLimiter keeps one token bucket per remote host.
type hostLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

// sweepInterval is how often idle buckets are dropped.
const sweepInterval = time.Minute

func newHostLimiter(perSecond float64, burst int) *hostLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// allow checks if a connection from host is allowed and consumes a token.
func (hl *hostLimiter) allow(host string) bool {
	hl.mu.Lock()
	defer hl.mu.Unlock()

	now := hl.now()
	if now.Sub(hl.lastSweep) >= sweepInterval {
		hl.sweep(now)
	}

	lim, exists := hl.buckets[host]
	if !exists {
		lim = rate.NewLimiter(hl.limit, hl.burst)
		hl.buckets[host] = lim
	}
	return lim.AllowN(now, 1)
}

// sweep removes buckets that have refilled completely; they carry no state.
func (hl *hostLimiter) sweep(now time.Time) {
	for host, lim := range hl.buckets {
		if lim.TokensAt(now) >= float64(hl.burst) {
			delete(hl.buckets, host)
		}
	}
	hl.lastSweep = now
}

func (hl *hostLimiter) size() int {
	hl.mu.Lock()
	defer hl.mu.Unlock()
	return len(hl.buckets)
}
