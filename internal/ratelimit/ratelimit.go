// Package ratelimit provides per-client token buckets for the write
// endpoints. Buckets are keyed by (limit name, client key) and pruned after
// a period of inactivity.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit describes one bucket class.
type Limit struct {
	Name  string
	Rate  rate.Limit // tokens per second
	Burst int
}

// PerMinute builds a Limit allowing n operations per minute with burst n.
func PerMinute(name string, n int) Limit {
	return Limit{Name: name, Rate: rate.Limit(float64(n) / 60.0), Burst: n}
}

// PerHour builds a Limit allowing n operations per hour with burst n.
func PerHour(name string, n int) Limit {
	return Limit{Name: name, Rate: rate.Limit(float64(n) / 3600.0), Burst: n}
}

// Standard limits for the write surface.
var (
	Messages  = PerMinute("messages", 60)
	Rooms     = PerHour("rooms", 10)
	Uploads   = PerMinute("uploads", 10)
	Broadcast = PerMinute("broadcast", 10)
	DMs       = PerMinute("dms", 60)
	// Hooks is keyed by incoming-webhook token rather than client IP.
	Hooks = PerMinute("hooks", 60)
)

// idleEviction is how long an untouched bucket survives.
const idleEviction = time.Hour

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out and prunes token buckets.
type Limiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket), lastPrune: time.Now()}
}

// Result reports one admission decision plus header material.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Allow consumes one token from the (limit, key) bucket.
func (l *Limiter) Allow(lim Limit, key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastPrune) > idleEviction {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > idleEviction {
				delete(l.buckets, k)
			}
		}
		l.lastPrune = now
	}

	k := lim.Name + "\x00" + key
	b := l.buckets[k]
	if b == nil {
		b = &bucket{limiter: rate.NewLimiter(lim.Rate, lim.Burst)}
		l.buckets[k] = b
	}
	b.lastSeen = now

	res := Result{Limit: lim.Burst}
	res.Remaining = int(b.limiter.Tokens())
	if b.limiter.Allow() {
		res.Allowed = true
		if res.Remaining > 0 {
			res.Remaining--
		}
		return res
	}
	// Time until one token refills.
	res.RetryAfter = time.Duration(float64(time.Second) / float64(lim.Rate))
	return res
}
