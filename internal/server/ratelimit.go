package server

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/mailrag-go/internal/logging"
)

// Per-IP token bucket defaults for the chat and index routes. A chat turn
// costs one token however long it streams.
const (
	defaultRateLimit = 10
	defaultRateBurst = 20
)

// Buckets untouched for limiterIdle are dropped on the next sweep.
const (
	limiterIdle  = 5 * time.Minute
	limiterSweep = time.Minute
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter throttles callers by remote IP.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
	log     *slog.Logger
}

// newRateLimiter starts the sweeper goroutine; call the returned func to
// stop it.
func newRateLimiter(rps float64, burst int, log *slog.Logger) (*rateLimiter, func()) {
	rl := &rateLimiter{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		log:     log,
	}
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(limiterSweep)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-t.C:
				rl.sweep(now)
			}
		}
	}()
	var once sync.Once
	return rl, func() { once.Do(func() { close(stop) }) }
}

func (rl *rateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

func (rl *rateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, b := range rl.buckets {
		if now.Sub(b.lastSeen) > limiterIdle {
			delete(rl.buckets, ip)
		}
	}
	rl.log.Debug("rate limiter swept", slog.Int("buckets", len(rl.buckets)))
}

// middleware rejects over-limit requests with 429 and a Retry-After hint.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if rl.allow(ip, time.Now()) {
			next.ServeHTTP(w, r)
			return
		}
		logging.FromContext(r.Context()).Warn("rate limit exceeded", slog.String("ip", ip))
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// clientIP is RemoteAddr without its port. X-Forwarded-For is ignored:
// the server is expected to bind to a trusted interface.
func clientIP(r *http.Request) string {
	if i := strings.LastIndexByte(r.RemoteAddr, ':'); i >= 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}
