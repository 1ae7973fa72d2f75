// Package ratelimit implements a per-client token bucket limiter for the
// execution gateway. Thread-safe, no background goroutines: tokens refill
// lazily on each Allow call and idle buckets are pruned opportunistically.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Buckets untouched this long are dropped on the next prune.
const staleAfter = 10 * time.Minute

// Config configures the token bucket limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter hands out execution slots per client key (an API key hash or a
// remote address). Each client gets an independent bucket; one client
// cannot exhaust another's quota.
type Limiter struct {
	mu        sync.Mutex
	clients   map[string]*bucket
	rate      float64 // tokens per second
	burst     float64 // max bucket capacity
	lastPrune time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients:   make(map[string]*bucket),
		rate:      float64(cfg.RequestsPerMinute) / 60.0,
		burst:     float64(burst),
		lastPrune: time.Now(),
	}
}

// Allow consumes one token from the client's bucket. Returns ErrRateLimited
// when the bucket is empty.
func (l *Limiter) Allow(clientID string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.maybePrune(now)

	b, ok := l.clients[clientID]
	if !ok {
		// First request starts with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[clientID] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// maybePrune drops buckets idle past staleAfter. Caller holds the lock.
// A pruned client simply starts over with a full bucket, which is the
// same state a refill would have reached by then.
func (l *Limiter) maybePrune(now time.Time) {
	if now.Sub(l.lastPrune) < staleAfter {
		return
	}
	for id, b := range l.clients {
		if now.Sub(b.lastFill) >= staleAfter {
			delete(l.clients, id)
		}
	}
	l.lastPrune = now
}
