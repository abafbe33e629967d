package middleware

import (
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/grantly/backend/internal/apperr"
	"github.com/grantly/backend/internal/auth"
	"github.com/grantly/backend/internal/monitoring"
)

// ============================================================================
// PER-ROUTE RATE LIMITING
// ============================================================================

// Budget caps requests per sliding window for one route.
type Budget struct {
	Requests int
	Window   time.Duration
}

func PerMinute(n int) Budget { return Budget{Requests: n, Window: time.Minute} }
func PerHour(n int) Budget   { return Budget{Requests: n, Window: time.Hour} }

// RateLimiter tracks request timestamps per (route, principal) key.
// Authenticated requests key on the user id, anonymous ones on the remote
// address, so a burst from one tenant never starves another.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	metrics *monitoring.Metrics
	logger  *log.Logger
	now     func() time.Time
	quit    chan struct{}
	stop    sync.Once
}

type window struct {
	budget Budget
	hits   []time.Time
}

// NewRateLimiter starts a limiter and its background window reaper.
// metrics may be nil in tests.
func NewRateLimiter(metrics *monitoring.Metrics) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*window),
		metrics: metrics,
		logger:  log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
		now:     time.Now,
		quit:    make(chan struct{}),
	}
	go rl.reap()
	return rl
}

// Allow records a hit for key under the budget. When the window is full it
// returns false and how long until the oldest hit slides out.
func (rl *RateLimiter) Allow(key string, budget Budget) (bool, time.Duration) {
	now := rl.now()
	floor := now.Add(-budget.Window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	win, ok := rl.windows[key]
	if !ok {
		win = &window{budget: budget}
		rl.windows[key] = win
	}

	// Drop hits that slid out of the window.
	kept := win.hits[:0]
	for _, h := range win.hits {
		if h.After(floor) {
			kept = append(kept, h)
		}
	}
	win.hits = kept

	if len(win.hits) >= budget.Requests {
		retryAfter := win.hits[0].Add(budget.Window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter
	}
	win.hits = append(win.hits, now)
	return true, 0
}

// Limit wraps a route with a budget. The route name is the metric label,
// not the raw path, so label cardinality stays bounded.
func (rl *RateLimiter) Limit(route string, budget Budget) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := route + "|" + principal(r)
			ok, retryAfter := rl.Allow(key, budget)
			if !ok {
				rl.logger.Printf("🚫 Rate limit exceeded: route=%s key=%s limit=%d/%s",
					route, key, budget.Requests, budget.Window)
				if rl.metrics != nil {
					rl.metrics.RateLimited.WithLabelValues(route).Inc()
				}
				apperr.WriteError(w, r, apperr.Quota("Rate limit exceeded", retryAfter))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Stop halts the reaper. Windows already handed out keep working.
func (rl *RateLimiter) Stop() {
	rl.stop.Do(func() { close(rl.quit) })
}

// Stats reports limiter occupancy for the detailed health payload.
func (rl *RateLimiter) Stats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return map[string]interface{}{
		"active_windows": len(rl.windows),
	}
}

// reap drops windows whose every hit has expired, so idle keys do not
// accumulate forever.
func (rl *RateLimiter) reap() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.quit:
			return
		case <-ticker.C:
			now := rl.now()
			rl.mu.Lock()
			for key, win := range rl.windows {
				if len(win.hits) == 0 || now.Sub(win.hits[len(win.hits)-1]) > win.budget.Window {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// principal picks the limiter key: user id when authenticated, remote
// address otherwise. Behind the load balancer the client address is the
// first X-Forwarded-For entry.
func principal(r *http.Request) string {
	if id := auth.UserID(r.Context()); id != "" {
		return id
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
