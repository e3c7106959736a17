package server

import (
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// IPRateLimiter keeps one token bucket per remote IP for connection admission
type IPRateLimiter struct {
	mu     sync.RWMutex
	limits map[string]*rate.Limiter
	r      rate.Limit
	b      int
	logger zerolog.Logger
}

// NewIPRateLimiter creates a limiter allowing r connections per second per
// IP with bursts of up to b
func NewIPRateLimiter(r rate.Limit, b int, logger zerolog.Logger) *IPRateLimiter {
	return &IPRateLimiter{
		limits: make(map[string]*rate.Limiter),
		r:      r,
		b:      b,
		logger: logger,
	}
}

// limiter returns the bucket for ip, creating it on first use
func (i *IPRateLimiter) limiter(ip string) *rate.Limiter {
	i.mu.RLock()
	limiter, exists := i.limits[ip]
	i.mu.RUnlock()

	if !exists {
		i.mu.Lock()
		limiter, exists = i.limits[ip]
		if !exists {
			limiter = rate.NewLimiter(i.r, i.b)
			i.limits[ip] = limiter
		}
		i.mu.Unlock()
	}

	return limiter
}

// Allow reports whether a new connection from addr may be admitted now
func (i *IPRateLimiter) Allow(addr net.Addr) bool {
	return i.limiter(hostOf(addr)).Allow()
}

// Tracked returns the number of IPs that currently have a bucket
func (i *IPRateLimiter) Tracked() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.limits)
}

// cleanup drops buckets that have refilled completely, i.e. IPs that have
// been quiet long enough to start from scratch
func (i *IPRateLimiter) cleanup(now time.Time) int {
	i.mu.Lock()
	defer i.mu.Unlock()

	removed := 0
	for ip, limiter := range i.limits {
		if limiter.TokensAt(now) >= float64(limiter.Burst()) {
			delete(i.limits, ip)
			removed++
		}
	}
	return removed
}

// cleanupLoop runs cleanup every interval until shutdown is closed
func (i *IPRateLimiter) cleanupLoop(interval time.Duration, shutdown <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case now := <-ticker.C:
			if removed := i.cleanup(now); removed > 0 {
				i.logger.Debug().Int("removed", removed).Int("remaining", i.Tracked()).Msg("Rate limiter cleanup")
			}
		}
	}
}

// hostOf extracts the IP part of a network address
func hostOf(addr net.Addr) string {
	if addr == nil {
		return "unknown_ip"
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil || host == "" {
		return addr.String()
	}
	return host
}
