package security

import (
	"log/slog"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultEventLimiterMaxEntries bounds the number of tracked identifiers
const DefaultEventLimiterMaxEntries = 10000

// EventLimiter throttles audit events per identifier using a token bucket,
// keeping at most maxEntries buckets in an LRU cache.
type EventLimiter struct {
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
	logger   *slog.Logger

	dropped atomic.Int64
}

// NewEventLimiter creates a limiter allowing eventsPerSecond with the given burst
// for each identifier. maxEntries <= 0 uses DefaultEventLimiterMaxEntries.
func NewEventLimiter(eventsPerSecond float64, burst, maxEntries int, logger *slog.Logger) (*EventLimiter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = DefaultEventLimiterMaxEntries
	}
	cache, err := lru.New[string, *rate.Limiter](maxEntries)
	if err != nil {
		return nil, err
	}
	return &EventLimiter{
		limiters: cache,
		rate:     rate.Limit(eventsPerSecond),
		burst:    burst,
		logger:   logger,
	}, nil
}

// Allow reports whether another event for identifier may be emitted now.
func (l *EventLimiter) Allow(identifier string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters.Get(identifier)
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters.Add(identifier, limiter)
	}
	l.mu.Unlock()

	if limiter.Allow() {
		return true
	}

	if l.dropped.Add(1)%100 == 1 {
		l.logger.Warn("Audit events throttled",
			"identifier", identifier,
			"total_dropped", l.dropped.Load())
	}
	return false
}

// Dropped returns the number of events suppressed so far.
func (l *EventLimiter) Dropped() int64 {
	return l.dropped.Load()
}

// Len returns the number of tracked identifiers.
func (l *EventLimiter) Len() int {
	return l.limiters.Len()
}
