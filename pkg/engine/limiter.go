package engine

import "sync"

// ConcurrencyLimiter bounds the number of in-flight invocations sharing a
// concurrency key. Counters are created on first acquire and removed when
// they return to zero.
type ConcurrencyLimiter struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewConcurrencyLimiter creates an empty limiter.
func NewConcurrencyLimiter() *ConcurrencyLimiter {
	return &ConcurrencyLimiter{counters: make(map[string]int)}
}

// TryAcquire takes a slot for key if fewer than max are held. It never
// blocks. A max of zero or less is unbounded, but the slot is still counted.
func (l *ConcurrencyLimiter) TryAcquire(key string, max int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.counters[key]
	if max > 0 && n >= max {
		return false
	}
	l.counters[key] = n + 1
	return true
}

// Release returns a slot for key. Releasing a key with no held slots is a no-op.
func (l *ConcurrencyLimiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.counters[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(l.counters, key)
		return
	}
	l.counters[key] = n - 1
}

// InFlight returns the number of slots held for key.
func (l *ConcurrencyLimiter) InFlight(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters[key]
}

// Keys returns the number of keys with at least one held slot.
func (l *ConcurrencyLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counters)
}
