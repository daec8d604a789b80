// AngelaMos | 2026
// ratelimit.go

package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	redis_rate "github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/carterperez-dev/haven-auth/internal/core"
)

// limiter counts in Redis and falls back to per-process token buckets while
// Redis is unreachable. Limits are then enforced per instance only.
type limiter struct {
	shared   *redis_rate.Limiter
	fallback *localLimiter
}

func newLimiter(rdb redis.UniversalClient) *limiter {
	return &limiter{
		shared:   redis_rate.NewLimiter(rdb),
		fallback: newLocalLimiter(),
	}
}

func (l *limiter) allow(
	ctx context.Context,
	key string,
	limit redis_rate.Limit,
) *redis_rate.Result {
	res, err := l.shared.Allow(ctx, key, limit)
	if err == nil {
		return res
	}

	slog.WarnContext(ctx, "rate limiter using local buckets",
		"key", key,
		"error", err,
	)
	return l.fallback.allow(key, limit)
}

// admit writes the rate limit headers and, when the request is over budget,
// the 429 response. It reports whether the request may proceed.
func admit(w http.ResponseWriter, res *redis_rate.Result, limit redis_rate.Limit) bool {
	setRateLimitHeaders(w, res, limit)
	if res.Allowed > 0 {
		return true
	}
	writeRateLimitExceeded(w, res)
	return false
}

// RateLimitConfig describes one fixed budget. Name namespaces the Redis
// keys so separate budgets over the same caller do not share a bucket.
type RateLimitConfig struct {
	Name    string
	Limit   redis_rate.Limit
	KeyFunc func(*http.Request) string
}

type RateLimiter struct {
	limiter *limiter
	config  RateLimitConfig
}

func NewRateLimiter(rdb redis.UniversalClient, cfg RateLimitConfig) *RateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = KeyByIP
	}

	return &RateLimiter{
		limiter: newLimiter(rdb),
		config:  cfg,
	}
}

func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.config.KeyFunc(r)
		if rl.config.Name != "" {
			key = rl.config.Name + ":" + key
		}

		res := rl.limiter.allow(r.Context(), key, rl.config.Limit)
		if admit(w, res, rl.config.Limit) {
			next.ServeHTTP(w, r)
		}
	})
}

// RoleLimit is the per-minute budget for one role.
type RoleLimit struct {
	RequestsPerMinute int
	BurstSize         int
}

// DefaultRoleLimits gives staff-facing roles more headroom than members.
// Unknown or missing roles fall back to the "user" entry.
var DefaultRoleLimits = map[string]RoleLimit{
	core.RoleUser:      {RequestsPerMinute: 60, BurstSize: 10},
	core.RoleVolunteer: {RequestsPerMinute: 120, BurstSize: 20},
	core.RoleStaff:     {RequestsPerMinute: 300, BurstSize: 50},
	core.RoleAdmin:     {RequestsPerMinute: 600, BurstSize: 100},
}

// RoleRateLimiter limits authenticated requests per user, sized by the
// stored role the session middleware loaded. It must run after
// Authenticator.
func RoleRateLimiter(
	rdb redis.UniversalClient,
	limits map[string]RoleLimit,
) func(http.Handler) http.Handler {
	l := newLimiter(rdb)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := GetUserRole(r.Context())

			budget, ok := limits[role]
			if !ok {
				role = core.RoleUser
				budget = limits[core.RoleUser]
			}

			limit := PerMinute(budget.RequestsPerMinute, budget.BurstSize)
			res := l.allow(r.Context(), "role:"+KeyByUser(r), limit)

			w.Header().Set("X-RateLimit-Role", role)
			if admit(w, res, limit) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// KeyByIP keys on the last X-Forwarded-For hop, which is the one appended
// by the proxy in front of us.
func KeyByIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		return "ratelimit:ip:" + strings.TrimSpace(hops[len(hops)-1])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return "ratelimit:ip:" + xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}

	return "ratelimit:ip:" + ip
}

func KeyByUser(r *http.Request) string {
	if userID := GetUserID(r.Context()); userID != "" {
		return "ratelimit:user:" + userID
	}
	return KeyByIP(r)
}

func PerMinute(rate, burst int) redis_rate.Limit {
	return PerWindow(rate, burst, time.Minute)
}

// PerWindow builds a limit for an arbitrary window, falling back to one
// minute when window is unset.
func PerWindow(rate, burst int, window time.Duration) redis_rate.Limit {
	if window <= 0 {
		window = time.Minute
	}
	return redis_rate.Limit{
		Rate:   rate,
		Burst:  burst,
		Period: window,
	}
}

func setRateLimitHeaders(
	w http.ResponseWriter,
	res *redis_rate.Result,
	limit redis_rate.Limit,
) {
	h := w.Header()

	h.Set("X-RateLimit-Limit", strconv.Itoa(limit.Rate))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(
		time.Now().Add(res.ResetAfter).Unix(), 10))
}

func writeRateLimitExceeded(w http.ResponseWriter, res *redis_rate.Result) {
	retryAfter := max(int(res.RetryAfter.Seconds()), 1)

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	//nolint:errcheck // best-effort response write
	_ = json.NewEncoder(w).Encode(core.Response{
		Success: false,
		Error: &core.ErrorBody{
			Code:    "RATE_LIMITED",
			Message: fmt.Sprintf("Rate limit exceeded. Retry after %d seconds.", retryAfter),
		},
	})
}

const (
	localSweepInterval = 5 * time.Minute
	localEntryTTL      = 10 * time.Minute
)

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// localLimiter keeps one token bucket per key in process memory.
type localLimiter struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
}

func newLocalLimiter() *localLimiter {
	l := &localLimiter{buckets: make(map[string]*localBucket)}
	go l.sweep()
	return l
}

func (l *localLimiter) sweep() {
	ticker := time.NewTicker(localSweepInterval)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-localEntryTTL)

		l.mu.Lock()
		for key, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}

func (l *localLimiter) allow(key string, limit redis_rate.Limit) *redis_rate.Result {
	perSecond := float64(limit.Rate) / limit.Period.Seconds()
	interval := time.Duration(float64(time.Second) / perSecond)

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(rate.Limit(perSecond), limit.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	allowed := b.limiter.Allow()
	remaining := max(int(b.limiter.Tokens()), 0)
	l.mu.Unlock()

	res := &redis_rate.Result{
		Limit:      limit,
		Remaining:  remaining,
		RetryAfter: -1,
		ResetAfter: interval,
	}
	if allowed {
		res.Allowed = 1
	} else {
		res.RetryAfter = interval
	}
	return res
}
