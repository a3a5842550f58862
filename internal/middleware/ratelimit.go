package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/llmos/llmosd/internal/metrics"
)

// Limiter decides whether a request from the given client is admitted.
type Limiter interface {
	Allow(ctx context.Context, clientIP string) bool
	Stop()
}

// RateLimit returns an HTTP middleware that enforces the limiter.
func RateLimit(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.Context(), r.RemoteAddr) {
				metrics.RateLimited.Inc()
				http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── In-memory token bucket ──────────────────────────────────────────────────

// RateLimiter implements a simple token bucket rate limiter per client.
type RateLimiter struct {
	mu             sync.Mutex
	clients        map[string]*bucket
	requestsPerMin int
	burst          int
	cleanupTicker  *time.Ticker
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a new rate limiter with the specified requests per
// minute and burst size.
func NewRateLimiter(requestsPerMin, burst int) *RateLimiter {
	if burst <= 0 {
		burst = requestsPerMin
	}
	rl := &RateLimiter{
		clients:        make(map[string]*bucket),
		requestsPerMin: requestsPerMin,
		burst:          burst,
		cleanupTicker:  time.NewTicker(5 * time.Minute),
	}

	// Cleanup stale entries every 5 minutes
	go rl.cleanup()

	return rl
}

// Allow checks if a request from the given client should be admitted.
func (rl *RateLimiter) Allow(_ context.Context, clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.clients[clientIP]

	if !exists {
		// New client, create bucket with full tokens
		rl.clients[clientIP] = &bucket{
			tokens:     rl.burst - 1,
			lastRefill: now,
		}
		return true
	}

	// Refill tokens based on time elapsed
	elapsed := now.Sub(b.lastRefill)
	tokensToAdd := int(elapsed.Minutes() * float64(rl.requestsPerMin))

	if tokensToAdd > 0 {
		b.tokens = min(rl.burst, b.tokens+tokensToAdd)
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}

	return false
}

// cleanup removes stale client entries
func (rl *RateLimiter) cleanup() {
	for range rl.cleanupTicker.C {
		rl.mu.Lock()
		now := time.Now()
		for clientIP, b := range rl.clients {
			// Remove clients that haven't made requests in 10 minutes
			if now.Sub(b.lastRefill) > 10*time.Minute {
				delete(rl.clients, clientIP)
			}
		}
		rl.mu.Unlock()
	}
}

// Stop stops the cleanup ticker
func (rl *RateLimiter) Stop() {
	rl.cleanupTicker.Stop()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// ─── Redis-backed limiter ────────────────────────────────────────────────────

// RedisRateLimiter counts requests per client in a shared Redis instance, so
// multiple daemons behind one address enforce one budget. It fails open:
// when Redis is unreachable the request is admitted and the failure logged.
type RedisRateLimiter struct {
	client         *redis.Client
	requestsPerMin int
	log            *zap.Logger
}

// NewRedisRateLimiter connects a fixed-window limiter to Redis.
func NewRedisRateLimiter(addr string, db, requestsPerMin int, log *zap.Logger) *RedisRateLimiter {
	return &RedisRateLimiter{
		client:         redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		requestsPerMin: requestsPerMin,
		log:            log,
	}
}

// Allow increments the client's window counter and admits while it is under
// the budget. The key expires with the window, so idle clients cost nothing.
func (rl *RedisRateLimiter) Allow(ctx context.Context, clientIP string) bool {
	key := "llmosd:ratelimit:" + clientIP + ":" + time.Now().UTC().Format("200601021504")

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		rl.log.Warn("rate limiter redis unavailable, admitting request", zap.Error(err))
		return true
	}
	return incr.Val() <= int64(rl.requestsPerMin)
}

// Stop closes the Redis connection.
func (rl *RedisRateLimiter) Stop() {
	_ = rl.client.Close()
}
