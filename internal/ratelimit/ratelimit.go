// Package ratelimit implements the dual-scope token bucket described in
// §4.2/§4.3: one global bucket shared by every request, plus a bucket
// keyed by principal (the bearer token string, or "anonymous").
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// anonymousPrincipal is the key used when a request carries no token.
const anonymousPrincipal = "anonymous"

// maxTrackedPrincipals bounds the keyed-bucket map so a client that cycles
// through arbitrary bearer-token-shaped strings cannot grow it without
// bound; the global bucket still applies regardless of how many distinct
// principals are tracked.
const maxTrackedPrincipals = 4096

// Config holds the four named rates from §4.3: global rate/burst and
// per-principal rate/burst.
type Config struct {
	GlobalRPS      float64
	GlobalBurst    int
	PrincipalRPS   float64
	PrincipalBurst int
}

// Limiter is the process-wide rate limiter singleton. Safe for concurrent
// use; holds its own internal synchronization as required by §5.
type Limiter struct {
	cfg    Config
	global *rate.Limiter

	mu         sync.Mutex
	principals map[string]*rate.Limiter
}

// New constructs a Limiter from cfg. Call once at startup and share the
// value across all request handlers.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:        cfg,
		global:     rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		principals: make(map[string]*rate.Limiter),
	}
}

// Allow consults the global bucket first, then the bucket keyed by
// principal (or "anonymous" if principal is empty). Both checks are
// non-blocking; each decrements exactly one token on success. Neither
// check is rolled back if the other later fails — the caller must invoke
// Allow only once admission has reached the rate-limit stage, and must
// treat a false return as final for this request.
func (l *Limiter) Allow(principal string) bool {
	if !l.global.Allow() {
		return false
	}
	return l.principalLimiter(principal).Allow()
}

func (l *Limiter) principalLimiter(principal string) *rate.Limiter {
	if principal == "" {
		principal = anonymousPrincipal
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.principals[principal]; ok {
		return lim
	}
	if len(l.principals) >= maxTrackedPrincipals {
		// Evict an arbitrary entry rather than grow unbounded; a fresh
		// bucket for the evicted key starts at full burst, which never
		// grants more budget than the policy already allows.
		for k := range l.principals {
			delete(l.principals, k)
			break
		}
	}
	lim := rate.NewLimiter(rate.Limit(l.cfg.PrincipalRPS), l.cfg.PrincipalBurst)
	l.principals[principal] = lim
	return lim
}
