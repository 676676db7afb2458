package ratelimit

import (
	"sync"
	"time"
)

// nanosPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// fill rate of X tokens/sec adds exactly X nano-tokens per elapsed nanosecond
// with no float rounding.
const nanosPerToken = int64(time.Second)

// TokenBucket is a deterministic token bucket refilled at an integer
// tokens/sec rate from a Clock.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: capacity * nanosPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	cost := tokens * nanosPerToken
	if cost/nanosPerToken != tokens || b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		// A clock that went backwards just moves the reference point.
		return
	}

	max := b.capacity * nanosPerToken
	need := max - b.available
	if need <= 0 {
		b.available = max
		return
	}

	// rate tokens/sec == rate nano-tokens/ns. If enough time passed to refill
	// completely, clamp instead of multiplying (avoids overflow on long idles).
	if elapsed.Nanoseconds() >= need/b.rate {
		b.available = max
		return
	}
	b.available += elapsed.Nanoseconds() * b.rate
}
