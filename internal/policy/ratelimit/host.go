package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/fetchengine/internal/metrics"
)

// HostConfig holds the per-host token bucket settings.
type HostConfig struct {
	RPS   float64
	Burst int
}

// HostLimiter manages one token bucket per hostname.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewHostLimiter creates a HostLimiter. RPS <= 0 disables limiting.
func NewHostLimiter(cfg HostConfig) *HostLimiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HostLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Enabled reports whether Wait can ever block.
func (l *HostLimiter) Enabled() bool {
	return l != nil && l.limit != rate.Inf
}

// Wait blocks until a token is available for the URL's host, respecting ctx.
func (l *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	if !l.Enabled() {
		return nil
	}
	host := HostOf(rawURL)
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("host rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay("host", waited)
	}
	return nil
}

// UnknownHost groups URLs whose host cannot be determined. It is empty so it
// never collides with a real host name.
const UnknownHost = ""

// HostOf returns the lowercase host (with port) of rawURL, or UnknownHost.
func HostOf(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return UnknownHost
	}
	return strings.ToLower(u.Host)
}
