package middleware

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/technosupport/ts-cloudcam/internal/ratelimit"
)

type RateLimitMiddleware struct {
	limiter *ratelimit.Limiter
	scope   ratelimit.Scope
	config  ratelimit.LimitConfig
}

// NewRateLimitMiddleware limits one scope per client IP. The login scope
// matters most: the upstream account locks after repeated bad credentials,
// so the gateway refuses to relay a brute-force attempt.
func NewRateLimitMiddleware(l *ratelimit.Limiter, scope ratelimit.Scope, c ratelimit.LimitConfig) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: l, scope: scope, config: c}
}

func (m *RateLimitMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}

		decision, err := m.limiter.CheckRateLimit(r.Context(), m.scope, m.limiter.HashIP(ip), m.config)
		if err != nil {
			// Redis down: let login traffic through rather than locking the
			// operator out of their own gateway.
			log.Printf("RateLimit: check failed (%v), allowing", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfter))
			http.Error(w, fmt.Sprintf("Rate limit exceeded for %s", decision.Scope), http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
