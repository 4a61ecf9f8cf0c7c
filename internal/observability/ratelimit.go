package observability

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle suppresses repeated log lines per key, allowing at most one
// emission per key within the configured interval. Used for the volatility
// estimator's per-reason warnings and the alerting cooldowns.
type Throttle struct {
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle creates a throttle permitting one event per key per interval.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Throttle{
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether an event for the given key may be emitted now.
func (t *Throttle) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	limiter, ok := t.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[key] = limiter
	}
	t.mu.Unlock()
	return limiter.Allow()
}

// Warn emits a rate-limited warning through the global logger.
func (t *Throttle) Warn(key, msg string, fields ...Field) {
	if t.Allow(key) {
		Log().Warn(msg, fields...)
	}
}
