package httpx

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aussiebroadwan/relay/pkg/clock"
	"github.com/aussiebroadwan/relay/pkg/slogx"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines the rate limiting parameters.
type RateLimitConfig struct {
	// RequestsPerWindow is the number of requests allowed in the time window
	RequestsPerWindow int
	// Window is the time window for rate limiting
	Window time.Duration
	// Burst allows for temporary bursts above the rate limit
	Burst int
}

// Rate limit profiles. Each can be overridden with RATELIMIT_{NAME}_REQUESTS,
// RATELIMIT_{NAME}_WINDOW_SEC and RATELIMIT_{NAME}_BURST.
var (
	// IssueLimit guards token minting and refresh rotation.
	IssueLimit = RateLimitConfig{RequestsPerWindow: 30, Window: time.Minute, Burst: 10}

	// RevokeLimit guards revoke, introspect and logout.
	RevokeLimit = RateLimitConfig{RequestsPerWindow: 60, Window: time.Minute, Burst: 20}

	// UpgradeLimit guards WebSocket upgrades, so a reconnect storm from one
	// address cannot monopolise the gateway.
	UpgradeLimit = RateLimitConfig{RequestsPerWindow: 120, Window: time.Minute, Burst: 30}
)

func init() {
	IssueLimit = ParseRateLimitFromEnv("ISSUE", IssueLimit)
	RevokeLimit = ParseRateLimitFromEnv("REVOKE", RevokeLimit)
	UpgradeLimit = ParseRateLimitFromEnv("UPGRADE", UpgradeLimit)
}

// ParseRateLimitFromEnv overlays RATELIMIT_{name}_* variables on def.
// Unparseable or non-positive values are ignored.
func ParseRateLimitFromEnv(name string, def RateLimitConfig) RateLimitConfig {
	cfg := def
	if n, ok := positiveEnv("RATELIMIT_" + name + "_REQUESTS"); ok {
		cfg.RequestsPerWindow = n
	}
	if n, ok := positiveEnv("RATELIMIT_" + name + "_WINDOW_SEC"); ok {
		cfg.Window = time.Duration(n) * time.Second
	}
	if n, ok := positiveEnv("RATELIMIT_" + name + "_BURST"); ok {
		cfg.Burst = n
	}
	return cfg
}

func positiveEnv(key string) (int, bool) {
	n, err := strconv.Atoi(os.Getenv(key))
	return n, err == nil && n > 0
}

// KeyExtractor groups requests for rate limiting. An empty key exempts the
// request.
type KeyExtractor func(*http.Request) string

// IPKeyExtractor extracts the client IP address from the request.
// It handles X-Forwarded-For and X-Real-IP headers for proxied requests.
func IPKeyExtractor(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// SubjectKeyExtractor keys on the authenticated subject.
func SubjectKeyExtractor(r *http.Request) string {
	sub, _ := SubjectFromContext(r.Context())
	return sub
}

// CompositeKeyExtractor joins the non-empty keys of extractors with sep.
func CompositeKeyExtractor(sep string, extractors ...KeyExtractor) KeyExtractor {
	return func(r *http.Request) string {
		var parts []string
		for _, extractor := range extractors {
			if key := extractor(r); key != "" {
				parts = append(parts, key)
			}
		}
		return strings.Join(parts, sep)
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per key. Buckets idle for longer than
// the window are dropped on the next sweep.
type RateLimiter struct {
	cfg   RateLimitConfig
	clock clock.Clock

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

func NewRateLimiter(cfg RateLimitConfig, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		cfg:       cfg,
		clock:     clk,
		visitors:  make(map[string]*visitor),
		lastSweep: clk.Now(),
	}
}

// Allow consumes one token for key. When the bucket is empty it reports how
// long until the next token is available.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.sweep(now)

	v, ok := rl.visitors[key]
	if !ok {
		perSecond := float64(rl.cfg.RequestsPerWindow) / rl.cfg.Window.Seconds()
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(perSecond), rl.cfg.Burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now

	if v.limiter.AllowN(now, 1) {
		return true, 0
	}

	r := v.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, delay
}

// Len reports how many keys are tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.cfg.Window {
		return
	}
	rl.lastSweep = now
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) >= rl.cfg.Window {
			delete(rl.visitors, key)
		}
	}
}

// Middleware rejects requests over the limit with 429 and Retry-After.
func (rl *RateLimiter) Middleware(keyExtractor KeyExtractor) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, delay := rl.Allow(key)
			if !ok {
				retryAfter := max(int(delay.Round(time.Second).Seconds()), 1)

				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerWindow))
				w.Header().Set("X-RateLimit-Window", rl.cfg.Window.String())

				slogx.FromContext(r.Context()).Warn("rate limit exceeded",
					"key", key,
					"endpoint", r.URL.Path,
					"retry_after", retryAfter,
				)

				ErrRateLimited.Write(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitByIP limits by client address.
func RateLimitByIP(cfg RateLimitConfig) Middleware {
	return NewRateLimiter(cfg, nil).Middleware(IPKeyExtractor)
}

// RateLimitBySubject limits by authenticated subject, falling back to the
// client address for anonymous requests.
func RateLimitBySubject(cfg RateLimitConfig) Middleware {
	return NewRateLimiter(cfg, nil).Middleware(CompositeKeyExtractor(":",
		SubjectKeyExtractor,
		IPKeyExtractor,
	))
}
