package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig configures the sliding window rate limiter.
type RateLimitConfig struct {
	// Max is the number of requests allowed per window and key.
	Max int
	// Window is the length of the sliding window.
	Window time.Duration
	// KeyFunc derives the limiter key from a request. Defaults to ClientIP.
	KeyFunc func(*http.Request) string
}

// window counts requests in the current fixed window and remembers the
// previous one, which is weighted by how much of it still overlaps.
type window struct {
	start     time.Time
	count     float64
	prevCount float64
}

type limiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	windows map[string]*window
}

func newLimiter(cfg RateLimitConfig) *limiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	return &limiter{cfg: cfg, windows: make(map[string]*window)}
}

// take consumes one request for key when the limit allows it.
func (l *limiter) take(key string, now time.Time) (remaining int, resetAt time.Time, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.cfg.Window
	w, found := l.windows[key]
	switch {
	case !found:
		w = &window{start: now.Truncate(size)}
		l.windows[key] = w
	case now.Sub(w.start) >= 2*size:
		*w = window{start: now.Truncate(size)}
	case now.Sub(w.start) >= size:
		*w = window{start: w.start.Add(size), prevCount: w.count}
	}

	overlap := 1 - now.Sub(w.start).Seconds()/size.Seconds()
	used := w.prevCount*math.Max(overlap, 0) + w.count
	resetAt = w.start.Add(size)

	if used >= float64(l.cfg.Max) {
		return 0, resetAt, false
	}
	w.count++
	return max(int(float64(l.cfg.Max)-used-1), 0), resetAt, true
}

// evict drops keys that have been idle for two windows.
func (l *limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if now.Sub(w.start) >= 2*l.cfg.Window {
			delete(l.windows, key)
		}
	}
}

// RateLimit enforces cfg per key and answers 429 with Retry-After once the
// key runs out. Idle keys are evicted in the background until ctx is done.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := newLimiter(cfg)

	go func() {
		ticker := time.NewTicker(2 * cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.evict(now)
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			remaining, resetAt, ok := l.take(l.cfg.KeyFunc(r), now)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.Max))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !ok {
				wait := max(resetAt.Sub(now), 0)
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HeaderKey keys the limiter on the values of the given headers, falling
// back to the client IP when all of them are empty.
func HeaderKey(headers ...string) func(*http.Request) string {
	return func(r *http.Request) string {
		parts := make([]string, len(headers))
		empty := true
		for i, name := range headers {
			parts[i] = r.Header.Get(name)
			empty = empty && parts[i] == ""
		}
		if empty {
			return "ip:" + ClientIP(r)
		}
		return strings.Join(parts, "/")
	}
}

// ClientIP returns the first X-Forwarded-For hop, X-Real-IP or the remote
// address of r.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
