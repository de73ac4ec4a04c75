package auth

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/csai/sandbox-agent/internal/config"
	"github.com/csai/sandbox-agent/internal/metrics"
)

// Idle client buckets are dropped after this long; a full bucket carries no
// state worth keeping.
const clientBucketIdle = 10 * time.Minute

type tokenBucket struct {
	tokens float64
	last   time.Time
}

// RateLimiter applies a global bucket and one bucket per client. A client is
// the signed user when auth established one, otherwise the remote IP, so
// learners behind one LMS server do not share a bucket.
type RateLimiter struct {
	mu        sync.Mutex
	cfg       config.RateLimitConfig
	global    tokenBucket
	perClient map[string]tokenBucket
	lastPrune time.Time
	metrics   *metrics.Registry
	now       func() time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig, reg *metrics.Registry) *RateLimiter {
	now := time.Now().UTC()
	return &RateLimiter{
		cfg:       cfg,
		global:    tokenBucket{tokens: float64(cfg.GlobalBurst), last: now},
		perClient: map[string]tokenBucket{},
		lastPrune: now,
		metrics:   reg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientKey(r)) {
			rl.metrics.IncRateLimited()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"success":false,"message":"Rate limit exceeded."}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if now.Sub(rl.lastPrune) > clientBucketIdle {
		for k, b := range rl.perClient {
			if now.Sub(b.last) > clientBucketIdle {
				delete(rl.perClient, k)
			}
		}
		rl.lastPrune = now
	}
	if !consume(&rl.global, rl.cfg.GlobalRPS, float64(rl.cfg.GlobalBurst), now) {
		return false
	}
	b := rl.perClient[key]
	if b.last.IsZero() {
		b.last = now
		b.tokens = float64(rl.cfg.PerClientBurst)
	}
	ok := consume(&b, rl.cfg.PerClientRPS, float64(rl.cfg.PerClientBurst), now)
	rl.perClient[key] = b
	return ok
}

func consume(b *tokenBucket, ratePerSec, burst float64, now time.Time) bool {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.tokens += elapsed * ratePerSec
	if b.tokens > burst {
		b.tokens = burst
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens -= 1
	return true
}

func clientKey(r *http.Request) string {
	if user, ok := UserFromContext(r.Context()); ok {
		return "user:" + user
	}
	return "ip:" + parseIP(r.RemoteAddr)
}

func parseIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	if host == "" {
		return remoteAddr
	}
	return host
}
