package main

import (
	"context"
	"math"
	"sync"
	"time"
)

const defaultSweepInterval = 5 * time.Minute

// RatePolicy is the quota applied to one route.
type RatePolicy struct {
	Limit  int
	Window time.Duration
}

// RateDecision is the outcome of one admission check.
type RateDecision struct {
	Admitted  bool
	Remaining int
	Limit     int
	ResetAt   time.Time
}

// RetryAfter returns the whole seconds until the window resets, never less than one.
func (decision RateDecision) RetryAfter(now time.Time) int {
	untilReset := decision.ResetAt.Sub(now)
	if untilReset <= 0 {
		return 1
	}
	return int(math.Ceil(untilReset.Seconds()))
}

// windowStore is implemented by the in-process limiter and the Redis-backed one.
type windowStore interface {
	Allow(ctx context.Context, clientKey string, policy RatePolicy) (RateDecision, error)
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// RateLimiter admits requests per client key in fixed windows that start on the first
// request seen after the previous window expired. Windows live in process memory only.
type RateLimiter struct {
	mutex         sync.Mutex
	windows       map[string]*rateWindow
	now           func() time.Time
	sweepInterval time.Duration
	stopOnce      sync.Once
	stopSignal    chan struct{}
	sweepDone     chan struct{}
}

// newRateLimiter builds a limiter and starts its sweep goroutine. Call Stop to release it.
func newRateLimiter(clock func() time.Time, sweepInterval time.Duration) *RateLimiter {
	if clock == nil {
		clock = time.Now
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	limiter := &RateLimiter{
		windows:       make(map[string]*rateWindow),
		now:           clock,
		sweepInterval: sweepInterval,
		stopSignal:    make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}
	go limiter.sweepLoop()
	return limiter
}

// Check records one request for clientKey and reports whether it is admitted.
// A rejected request does not consume quota.
func (limiter *RateLimiter) Check(clientKey string, limit int, window time.Duration) RateDecision {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()

	currentTime := limiter.now()
	if limit <= 0 {
		return RateDecision{Admitted: false, Remaining: 0, Limit: limit, ResetAt: currentTime.Add(window)}
	}

	existingWindow, found := limiter.windows[clientKey]
	if !found || !currentTime.Before(existingWindow.resetAt) {
		freshWindow := &rateWindow{count: 1, resetAt: currentTime.Add(window)}
		limiter.windows[clientKey] = freshWindow
		return RateDecision{Admitted: true, Remaining: limit - 1, Limit: limit, ResetAt: freshWindow.resetAt}
	}

	if existingWindow.count >= limit {
		return RateDecision{Admitted: false, Remaining: 0, Limit: limit, ResetAt: existingWindow.resetAt}
	}

	existingWindow.count++
	return RateDecision{Admitted: true, Remaining: limit - existingWindow.count, Limit: limit, ResetAt: existingWindow.resetAt}
}

// Allow implements windowStore.
func (limiter *RateLimiter) Allow(_ context.Context, clientKey string, policy RatePolicy) (RateDecision, error) {
	return limiter.Check(clientKey, policy.Limit, policy.Window), nil
}

// Len returns the number of stored windows, expired ones included until the next sweep.
func (limiter *RateLimiter) Len() int {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	return len(limiter.windows)
}

// sweep deletes every window whose reset time has passed.
func (limiter *RateLimiter) sweep() int {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	currentTime := limiter.now()
	removed := 0
	for clientKey, storedWindow := range limiter.windows {
		if !currentTime.Before(storedWindow.resetAt) {
			delete(limiter.windows, clientKey)
			removed++
		}
	}
	return removed
}

func (limiter *RateLimiter) sweepLoop() {
	defer close(limiter.sweepDone)
	sweepTicker := time.NewTicker(limiter.sweepInterval)
	defer sweepTicker.Stop()
	for {
		select {
		case <-limiter.stopSignal:
			return
		case <-sweepTicker.C:
			limiter.sweep()
		}
	}
}

// Stop ends the sweep goroutine. It is safe to call more than once.
func (limiter *RateLimiter) Stop() {
	limiter.stopOnce.Do(func() {
		close(limiter.stopSignal)
	})
	<-limiter.sweepDone
}
