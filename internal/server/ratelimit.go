package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig holds per-client request limits.
type RateLimitConfig struct {
	MaxRequests int           // Requests allowed per window (default: 60)
	Window      time.Duration // Sliding window (default: 1 minute)
	BlockAfter  int           // Block after this many rejected requests (default: 20)
	BlockTime   time.Duration // Base block duration, doubling per block (default: 1 minute)
}

// DefaultRateLimitConfig returns the default request limits.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 60,
		Window:      time.Minute,
		BlockAfter:  20,
		BlockTime:   time.Minute,
	}
}

// maxBlock caps the exponential block duration.
const maxBlock = time.Hour

// rateLimiter is a sliding window limiter keyed by client IP. Clients that
// keep hitting the limit are blocked with exponential backoff.
type rateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	now    func() time.Time

	requests   map[string][]time.Time
	violations map[string]int
	blocked    map[string]time.Time
}

func newRateLimiter(config RateLimitConfig) *rateLimiter {
	def := DefaultRateLimitConfig()
	if config.MaxRequests <= 0 {
		config.MaxRequests = def.MaxRequests
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.BlockAfter <= 0 {
		config.BlockAfter = def.BlockAfter
	}
	if config.BlockTime <= 0 {
		config.BlockTime = def.BlockTime
	}

	return &rateLimiter{
		config:     config,
		now:        time.Now,
		requests:   make(map[string][]time.Time),
		violations: make(map[string]int),
		blocked:    make(map[string]time.Time),
	}
}

// checkResult is the verdict for one request.
type checkResult struct {
	Allowed    bool
	RetryAfter time.Duration
	IsBlocked  bool
	Reason     string
}

// check records a request from ip and reports whether it may proceed.
func (rl *rateLimiter) check(ip string) checkResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	if expiry, ok := rl.blocked[ip]; ok {
		if now.Before(expiry) {
			return checkResult{RetryAfter: expiry.Sub(now), IsBlocked: true, Reason: "client blocked"}
		}
		delete(rl.blocked, ip)
	}

	recent := prune(rl.requests[ip], now.Add(-rl.config.Window))
	rl.requests[ip] = recent

	if len(recent) >= rl.config.MaxRequests {
		retryAfter := recent[0].Add(rl.config.Window).Sub(now)
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		rl.violate(ip, now)
		return checkResult{RetryAfter: retryAfter, Reason: "rate limit exceeded"}
	}

	rl.requests[ip] = append(recent, now)
	return checkResult{Allowed: true}
}

// violate counts a rejected request and blocks ip every BlockAfter
// violations, doubling the block each time. Callers hold rl.mu.
func (rl *rateLimiter) violate(ip string, now time.Time) {
	rl.violations[ip]++
	count := rl.violations[ip]
	if count%rl.config.BlockAfter != 0 {
		return
	}

	blocks := count/rl.config.BlockAfter - 1
	duration := rl.config.BlockTime
	for i := 0; i < blocks && duration < maxBlock; i++ {
		duration *= 2
	}
	if duration > maxBlock {
		duration = maxBlock
	}
	rl.blocked[ip] = now.Add(duration)
}

// cleanup drops expired state. Called periodically by the server.
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.config.Window)

	for ip, times := range rl.requests {
		if recent := prune(times, windowStart); len(recent) > 0 {
			rl.requests[ip] = recent
		} else {
			delete(rl.requests, ip)
		}
	}
	for ip, expiry := range rl.blocked {
		if now.After(expiry) {
			delete(rl.blocked, ip)
		}
	}
	for ip := range rl.violations {
		_, blocked := rl.blocked[ip]
		_, active := rl.requests[ip]
		if !blocked && !active {
			delete(rl.violations, ip)
		}
	}
}

func prune(times []time.Time, after time.Time) []time.Time {
	out := times[:0:0]
	for _, ts := range times {
		if ts.After(after) {
			out = append(out, ts)
		}
	}
	return out
}

// extractIP returns the client IP, preferring proxy headers over the
// remote address.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
