// Package ratelimit implements per-client token-bucket rate limiting for
// the HTTP control surface.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Bucket is one client's token bucket. Tokens refill continuously at the
// sustained rate up to the burst capacity.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

// NewBucket creates a full bucket refilling at rate tokens per second with
// the given burst capacity.
func NewBucket(rate float64, burst int) *Bucket {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = int(rate * 2)
	}
	return &Bucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// WaitTime reports how long until the next request would be allowed.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration(math.Ceil((1 - b.tokens) / b.refillRate * float64(time.Second)))
}

// Tokens reports the current balance.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// refill credits tokens for the elapsed time. Caller holds the lock.
func (b *Bucket) refill() {
	now := time.Now()
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	b.lastRefill = now
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// maxClients bounds the bucket map; idle clients are pruned past this.
const maxClients = 10000

// Limiter tracks one bucket per client key (typically the remote IP).
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	rate    float64
	burst   int
}

// NewLimiter creates a limiter handing each new client a full bucket.
func NewLimiter(rate float64, burst int) *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
		rate:    rate,
		burst:   burst,
	}
}

// Allow consumes one token from the client's bucket.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// WaitTime reports how long the client must wait before the next request
// would be allowed, suitable for a Retry-After header.
func (l *Limiter) WaitTime(key string) time.Duration {
	return l.bucket(key).WaitTime()
}

func (l *Limiter) bucket(key string) *Bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= maxClients {
		l.prune()
	}
	b = NewBucket(l.rate, l.burst)
	l.buckets[key] = b
	return b
}

// prune drops clients whose buckets are nearly full, since those have been
// idle long enough to refill. Caller holds the write lock.
func (l *Limiter) prune() {
	for key, b := range l.buckets {
		if b.Tokens() >= b.maxTokens*0.9 {
			delete(l.buckets, key)
		}
	}
}
