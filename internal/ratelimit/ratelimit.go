// Package ratelimit implements token-bucket admission control, one bucket
// per tenant and one per source IP, built on golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one rate.Limiter per key, created lazily on first use and
// kept process-global for the single-instance deployment this in-process
// variant targets.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	ratePerSec float64
	burst      int
}

// New creates a limiter admitting ratePerMin requests per minute per key,
// with burst capacity C equal to the bucket capacity.
func New(ratePerMin int, burst int) *Limiter {
	return &Limiter{
		buckets:    make(map[string]*rate.Limiter),
		ratePerSec: float64(ratePerMin) / 60.0,
		burst:      burst,
	}
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(rate.Limit(l.ratePerSec), l.burst)
		l.buckets[key] = b
	}
	return b
}

// Allow attempts to admit cost tokens for key, returning false and a
// retry-after duration in seconds when denied.
func (l *Limiter) Allow(key string, cost int) (bool, float64) {
	b := l.bucketFor(key)
	reservation := b.ReserveN(time.Now(), cost)
	if !reservation.OK() {
		reservation.Cancel()
		return false, 0
	}
	delay := reservation.Delay()
	if delay > 0 {
		reservation.Cancel()
		return false, delay.Seconds()
	}
	return true, 0
}

// Registry composes the two buckets the Query Endpoint Layer enforces per
// request: one keyed by tenant_id, one by source IP.
type Registry struct {
	Tenant *Limiter
	IP     *Limiter
}

func NewRegistry(tenantPerMin, ipPerMin int) *Registry {
	return &Registry{
		Tenant: New(tenantPerMin, tenantPerMin),
		IP:     New(ipPerMin, ipPerMin),
	}
}

// Check enforces both buckets, returning the first denial encountered.
func (r *Registry) Check(tenantID, sourceIP string) (allowed bool, retryAfter float64) {
	if ok, ra := r.Tenant.Allow(tenantID, 1); !ok {
		return false, ra
	}
	if ok, ra := r.IP.Allow(sourceIP, 1); !ok {
		return false, ra
	}
	return true, 0
}
