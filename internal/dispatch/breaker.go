package dispatch

import (
	"log/slog"
	"sync"
	"time"
)

// breakerState tracks consecutive dispatch failures for one worker name.
type breakerState struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

// BreakerRegistry is a per-worker circuit breaker keyed by worker name: a
// worker whose breaker is tripped is excluded from selection until its
// cooldown elapses, independent of the selection strategy in use.
type BreakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*breakerState
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
}

// NewBreakerRegistry creates a registry with the given trip threshold and
// cooldown. threshold<=0 defaults to 5, cooldown<=0 defaults to 5 minutes.
func NewBreakerRegistry(threshold int, cooldown time.Duration, logger *slog.Logger) *BreakerRegistry {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers:  make(map[string]*breakerState),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
	}
}

// Tripped reports whether workerName's breaker is currently open, resetting
// it first if its cooldown has elapsed.
func (b *BreakerRegistry) Tripped(workerName string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[workerName]
	if !ok || !cb.tripped {
		return false
	}
	if now.Sub(cb.lastFailure) >= b.cooldown {
		cb.tripped = false
		cb.failures = 0
		b.logger.Info("dispatch: circuit breaker reset after cooldown", "worker", workerName)
		return false
	}
	return true
}

// RecordFailure increments workerName's failure count, tripping the breaker
// once it reaches the configured threshold.
func (b *BreakerRegistry) RecordFailure(workerName string, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[workerName]
	if !ok {
		cb = &breakerState{}
		b.breakers[workerName] = cb
	}
	cb.failures++
	cb.lastFailure = now
	if cb.failures >= b.threshold {
		cb.tripped = true
		b.logger.Warn("dispatch: circuit breaker tripped", "worker", workerName, "failures", cb.failures)
	}
}

// RecordSuccess clears workerName's failure count.
func (b *BreakerRegistry) RecordSuccess(workerName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[workerName]; ok {
		cb.failures = 0
		cb.tripped = false
	}
}
