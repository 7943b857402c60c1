// Package ratelimit provides per-key token bucket rate limiting for MCP
// tools. Simulation and ingestion are the expensive paths: a runaway
// agent retry loop can otherwise saturate the engine's worker pool.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Limiter implements a per-key token bucket rate limiter. Each key gets
// its own bucket with the configured rate and burst. It is safe for
// concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64          // tokens per second
	burst   int              // max burst size, also the initial token count
	nowFunc func() time.Time // injectable clock for testing
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewLimiter creates a rate limiter with the given refill rate in tokens
// per second and burst size.
func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   burst,
		nowFunc: time.Now,
	}
}

// Allow reports whether a request for the given key should proceed,
// consuming one token when it does.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			tokens:    float64(l.burst),
			lastCheck: now,
		}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastCheck).Seconds()
	if elapsed > 0 {
		b.tokens += l.rate * elapsed
		if b.tokens > float64(l.burst) {
			b.tokens = float64(l.burst)
		}
		b.lastCheck = now
	}

	if b.tokens < 1.0 {
		return false
	}

	b.tokens--
	return true
}

// ToolLimiters maps tool names to their rate limiters.
type ToolLimiters map[string]*Limiter

// NewToolLimiters creates the default per-tool limiter set. Simulation
// and ingestion hold worker slots for their whole run and get the
// tightest budgets; pure reads are never limited.
func NewToolLimiters() ToolLimiters {
	return ToolLimiters{
		"hindcast_simulate":        NewLimiter(10.0/60.0, 3), // 10/minute, burst 3
		"hindcast_ingest":          NewLimiter(10.0/60.0, 2), // 10/minute, burst 2
		"hindcast_attach_evidence": NewLimiter(30.0/60.0, 10),
		"hindcast_add_evidence":    NewLimiter(1.0, 20),
		"hindcast_create_scenario": NewLimiter(30.0/60.0, 10),
		"hindcast_create_branch":   NewLimiter(1.0, 20),
		"hindcast_set_threshold":   NewLimiter(1.0, 10),
	}
}

// CheckLimit checks the rate limit for a tool. It returns nil when
// allowed; tools without a configured limiter are always allowed.
func CheckLimit(limiters ToolLimiters, toolName string) error {
	limiter, ok := limiters[toolName]
	if !ok {
		return nil
	}

	if !limiter.Allow(toolName) {
		return fmt.Errorf("rate limit exceeded for %s, please try again shortly", toolName)
	}

	return nil
}
