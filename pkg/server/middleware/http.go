package middleware

import (
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// HTTPMiddleware wraps an http.Handler.
type HTTPMiddleware func(http.Handler) http.Handler

// Wrap applies middleware in order; the first one is outermost. Nil entries
// are skipped.
func Wrap(h http.Handler, middlewares ...HTTPMiddleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] != nil {
			h = middlewares[i](h)
		}
	}
	return h
}

// APIKeyAuth enforces a shared secret sent via X-API-Key or Bearer token.
// Paths listed in open skip the check.
func APIKeyAuth(key string, open ...string) HTTPMiddleware {
	secret := strings.TrimSpace(key)
	if secret == "" {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range open {
				if r.URL.Path == p {
					next.ServeHTTP(w, r)
					return
				}
			}
			if extractAPIKey(r) != secret {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractAPIKey(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// RateLimitOptions configures the rate limiter. With PerClient set every
// remote address gets its own bucket.
type RateLimitOptions struct {
	Requests  int
	Window    time.Duration
	PerClient bool
	Now       func() time.Time
}

// RateLimit enforces a token bucket over all requests, or per client.
func RateLimit(opts RateLimitOptions) HTTPMiddleware {
	if opts.Requests <= 0 || opts.Window <= 0 {
		return nil
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	limiter := &limiter{opts: opts, buckets: make(map[string]*tokenBucket)}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.allow(clientKey(r, opts.PerClient)) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request, perClient bool) string {
	if !perClient {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sweepEvery is how many allow calls pass between idle bucket sweeps.
const sweepEvery = 1024

type limiter struct {
	mu      sync.Mutex
	opts    RateLimitOptions
	buckets map[string]*tokenBucket
	calls   int
}

func (l *limiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweep(l.opts.Now())
	}
	b, ok := l.buckets[client]
	if !ok {
		b = &tokenBucket{
			capacity:     float64(l.opts.Requests),
			tokens:       float64(l.opts.Requests),
			refillPerSec: float64(l.opts.Requests) / l.opts.Window.Seconds(),
			last:         l.opts.Now(),
		}
		l.buckets[client] = b
	}
	return b.take(l.opts.Now())
}

// sweep drops buckets untouched for a full window. Such a bucket has
// refilled to capacity, so recreating it later changes nothing.
func (l *limiter) sweep(now time.Time) {
	for client, b := range l.buckets {
		if now.Sub(b.last) >= l.opts.Window {
			delete(l.buckets, client)
		}
	}
}

type tokenBucket struct {
	capacity     float64
	tokens       float64
	refillPerSec float64
	last         time.Time
}

func (t *tokenBucket) take(now time.Time) bool {
	if elapsed := now.Sub(t.last).Seconds(); elapsed > 0 {
		t.tokens += elapsed * t.refillPerSec
		if t.tokens > t.capacity {
			t.tokens = t.capacity
		}
		t.last = now
	}
	if t.tokens < 1 {
		return false
	}
	t.tokens--
	return true
}

// AccessLog writes one line per request to logger.
func AccessLog(logger *log.Logger) HTTPMiddleware {
	if logger == nil {
		return nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Printf("%s %s %d %s", r.Method, r.URL.RequestURI(), rec.status, time.Since(start))
		})
	}
}

// Recover turns a handler panic into a 500 and logs it.
func Recover(logger *log.Logger) HTTPMiddleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.Printf("panic serving %s: %v", r.URL.Path, p)
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
