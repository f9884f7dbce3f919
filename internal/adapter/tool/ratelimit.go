package tool

import (
	"sync"

	"golang.org/x/time/rate"
)

// KeyedLimiter rate-limits command starts per session key. Sessionless
// invocations share the empty key so a burst of one-off commands cannot
// starve an interactive session. A limit of zero disables limiting.
type KeyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewKeyedLimiter creates a limiter allowing startsPerSecond sustained
// starts per key with the given burst. startsPerSecond <= 0 disables
// limiting entirely.
func NewKeyedLimiter(startsPerSecond float64, burst int) *KeyedLimiter {
	if burst < 1 {
		burst = 1
	}
	return &KeyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(startsPerSecond),
		burst:    burst,
	}
}

// Allow reports whether a start under the given key may proceed now.
func (k *KeyedLimiter) Allow(key string) bool {
	if k.limit <= 0 {
		return true
	}
	k.mu.Lock()
	limiter, ok := k.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(k.limit, k.burst)
		k.limiters[key] = limiter
	}
	k.mu.Unlock()
	return limiter.Allow()
}

// Reset forgets all per-key state.
func (k *KeyedLimiter) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.limiters = make(map[string]*rate.Limiter)
}
