package auth

import (
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sentinelnet/governor/pkg/api"
)

// RatePolicy configures a token-bucket limiter: RPM requests per minute on
// average with a burst capacity of Burst.
type RatePolicy struct {
	RPM   int
	Burst int
}

// Limiter tracks a per-actor token bucket rate limiter. It is safe for
// concurrent use; entries are created lazily and never evicted, which is
// acceptable for the bounded cardinality of tenant/principal pairs the
// ingress sees.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	policy  RatePolicy
}

// NewLimiter creates a Limiter enforcing policy per actor key.
func NewLimiter(policy RatePolicy) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		policy:  policy,
	}
}

// Allow reports whether a request from actorID may proceed right now.
func (l *Limiter) Allow(actorID string) bool {
	return l.bucketFor(actorID).Allow()
}

func (l *Limiter) bucketFor(actorID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[actorID]
	if !ok {
		rps := float64(l.policy.RPM) / 60.0
		b = rate.NewLimiter(rate.Limit(rps), l.policy.Burst)
		l.buckets[actorID] = b
	}
	return b
}

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP layer
// ahead of the gated-write coordinator (C5 ingress throttling). It extracts
// the actor ID from the authenticated Principal, falling back to remote
// address for unauthenticated callers. On rate limit exceeded it returns
// 429 with a Retry-After header.
func RateLimitMiddleware(limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := r.RemoteAddr
			if principal, err := GetPrincipal(r.Context()); err == nil {
				actorID = fmt.Sprintf("%s/%s", principal.GetTenantID(), principal.GetID())
			}

			if !limiter.Allow(actorID) {
				retryAfter := 60 / limiter.policy.RPM
				if retryAfter < 1 {
					retryAfter = 1
				}
				api.WriteTooManyRequests(w, retryAfter)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
