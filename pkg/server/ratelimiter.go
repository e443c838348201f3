package server

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-client-IP token bucket. A client may burst up to
// the per-minute allowance and then refills at perMinute/60 tokens a second.
type RateLimiter struct {
	perMinute       int
	visitors        map[string]*visitor
	mu              sync.Mutex
	idleAfter       time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := &RateLimiter{
		perMinute:       perMinute,
		visitors:        make(map[string]*visitor),
		idleAfter:       3 * time.Minute,
		cleanupInterval: time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) visitor(ip string, now time.Time) *rate.Limiter {
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.perMinute)), rl.perMinute),
		}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

// Allow reports whether a request from ip may proceed, and if not, how
// many seconds until it could.
func (rl *RateLimiter) Allow(ip string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	lim := rl.visitor(ip, now)
	if lim.AllowN(now, 1) {
		return true, 0
	}

	r := lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, int(math.Ceil(delay.Seconds()))
}

// Middleware rejects requests over the limit with 429 and Retry-After
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ok, retryAfter := rl.Allow(ip); !ok {
			loggerFor(r).Warn().
				Str("ip", ip).
				Int("retry_after", retryAfter).
				Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "Too Many Requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Len returns the number of tracked clients
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.cleanup(now)
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup forgets clients not seen for idleAfter; their buckets are full
// again by then.
func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, v := range rl.visitors {
		if now.Sub(v.lastSeen) > rl.idleAfter {
			delete(rl.visitors, ip)
		}
	}
}

// Stop stops the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// clientIP returns the request's remote host. middleware.RealIP has
// already applied X-Forwarded-For / X-Real-IP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
