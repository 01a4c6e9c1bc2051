// Package ratelimit throttles inbound HTTP requests per client.
package ratelimit

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerSecond is the sustained rate allowed per client.
	RequestsPerSecond float64
	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int
	// Enabled controls whether rate limiting is active.
	Enabled bool
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 20,
		BurstSize:         40,
		Enabled:           true,
	}
}

func (c Config) withDefaults() Config {
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 20
	}
	if c.BurstSize <= 0 {
		c.BurstSize = int(math.Ceil(c.RequestsPerSecond * 2))
	}
	return c
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	config  Config
	maxKeys int
	idleTTL time.Duration
	now     func() time.Time
}

// NewLimiter creates a new rate limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		config:  config.withDefaults(),
		maxKeys: 10000,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
	}
}

// Enabled reports whether requests are being limited.
func (l *Limiter) Enabled() bool {
	return l != nil && l.config.Enabled
}

// Allow consumes a token for key when one is available.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.get(key).AllowN(l.now(), 1)
}

// WaitTime returns how long key must wait before its next request is allowed.
func (l *Limiter) WaitTime(key string) time.Duration {
	if !l.Enabled() {
		return 0
	}
	lim := l.get(key)
	now := l.now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return delay
}

// Reset forgets the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.entries[key]; ok {
		e.lastSeen = now
		return e.limiter
	}
	if len(l.entries) >= l.maxKeys {
		l.pruneLocked(now)
	}
	e := &entry{
		limiter:  rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.BurstSize),
		lastSeen: now,
	}
	l.entries[key] = e
	return e.limiter
}

// pruneLocked drops idle keys. When nothing is idle the oldest key goes.
func (l *Limiter) pruneLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) >= l.idleTTL {
			delete(l.entries, key)
			continue
		}
		if oldestKey == "" || e.lastSeen.Before(oldest) {
			oldestKey, oldest = key, e.lastSeen
		}
	}
	if len(l.entries) >= l.maxKeys && oldestKey != "" {
		delete(l.entries, oldestKey)
	}
}

// ClientKey identifies the caller by the first X-Forwarded-For hop, falling
// back to the remote host.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the limit by calling reject after setting
// a Retry-After header.
func Middleware(l *Limiter, reject http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !l.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			if !l.Allow(key) {
				wait := l.WaitTime(key)
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
