package throttle

import (
	"sync"
	"time"
)

// DefaultMinInterval is the minimum gap between user-initiated refreshes
// of the same worker
const DefaultMinInterval = 10 * time.Second

// Throttle enforces a per-worker minimum interval between user-initiated
// refreshes. Background jobs bypass it entirely; only successful
// user-initiated refreshes record a token. State is process-local.
type Throttle struct {
	minInterval time.Duration
	lastRefresh map[string]time.Time
	mu          sync.RWMutex

	// now is swappable for tests
	now func() time.Time
}

// New creates a throttle; a non-positive interval falls back to the default
func New(minInterval time.Duration) *Throttle {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	return &Throttle{
		minInterval: minInterval,
		lastRefresh: make(map[string]time.Time),
		now:         time.Now,
	}
}

// CanRefresh reports whether a user-initiated refresh is allowed now.
// A worker that has never refreshed is always allowed.
func (t *Throttle) CanRefresh(workerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	last, ok := t.lastRefresh[workerID]
	if !ok {
		return true
	}
	return t.now().Sub(last) >= t.minInterval
}

// TimeUntilNext returns how long until the next refresh is permitted;
// zero when one is allowed immediately
func (t *Throttle) TimeUntilNext(workerID string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	last, ok := t.lastRefresh[workerID]
	if !ok {
		return 0
	}
	remaining := t.minInterval - t.now().Sub(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Record marks a successful user-initiated refresh for the worker
func (t *Throttle) Record(workerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastRefresh[workerID] = t.now()
}

// Forget drops the token for a worker, typically after deletion
func (t *Throttle) Forget(workerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastRefresh, workerID)
}
