package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/edumesh/edumesh-server/platform/go/auth"
	"github.com/edumesh/edumesh-server/platform/go/httpx"
)

// RateLimiter enforces fixed-window request limits backed by Redis
// INCR + EXPIRE. When Redis is unreachable the limiter fails open: a
// throttling outage must not take the API down with it.
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(rdb *redis.Client) *RateLimiter {
	return &RateLimiter{redis: rdb}
}

// Tier names a limit bucket.
type Tier struct {
	Name   string
	Limit  int
	Window time.Duration
	// FailuresOnly counts only requests that end in a 4xx/5xx, e.g. root
	// admin login which throttles on failed attempts alone.
	FailuresOnly bool
}

// Standard tiers.
var (
	TierGlobal    = Tier{Name: "global", Limit: 100, Window: time.Minute}
	TierAuth      = Tier{Name: "auth", Limit: 20, Window: 15 * time.Minute}
	TierRootLogin = Tier{Name: "root_login", Limit: 10, Window: 15 * time.Minute, FailuresOnly: true}
)

// Limit returns middleware enforcing the given tier. Authenticated callers
// are keyed by user id, everyone else by client IP.
func (rl *RateLimiter) Limit(tier Tier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.redis == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := rl.key(tier, r)
			ctx := r.Context()

			count, err := rl.redis.Get(ctx, key).Int()
			if err != nil && !errors.Is(err, redis.Nil) {
				next.ServeHTTP(w, r)
				return
			}
			if count >= tier.Limit {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(tier.Window.Seconds())))
				httpx.JSONMessage(w, http.StatusTooManyRequests, "too many requests", nil)
				return
			}

			if !tier.FailuresOnly {
				rl.record(ctx, key, tier.Window)
				next.ServeHTTP(w, r)
				return
			}

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			if ww.Status() >= 400 {
				rl.record(ctx, key, tier.Window)
			}
		})
	}
}

func (rl *RateLimiter) key(tier Tier, r *http.Request) string {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		return fmt.Sprintf("ratelimit:%s:user:%s", tier.Name, principal.UserID)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return fmt.Sprintf("ratelimit:%s:ip:%s", tier.Name, host)
}

func (rl *RateLimiter) record(ctx context.Context, key string, window time.Duration) {
	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Exec(ctx) // nolint:errcheck

	// Only set the expiry on the first increment so the window is fixed.
	if incr.Val() == 1 {
		rl.redis.Expire(ctx, key, window)
	}
}
