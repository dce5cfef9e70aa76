package llm

import (
	"fmt"
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed BreakerState = "CLOSED"
	BreakerOpen   BreakerState = "OPEN"
)

const (
	DefaultFailureThreshold = 2
	DefaultBreakerTimeout   = 180_000 * time.Millisecond
)

// CircuitBreakerState tracks failures for one provider:model key.
type CircuitBreakerState struct {
	State           BreakerState
	FailureCount    int
	LastFailureTime time.Time
	OpenedAt        time.Time
}

// BreakerSet is the per-process circuit breaker map keyed by "provider:modelName".
// Multiple concurrent sessions may target the same provider, so all access is
// synchronized. Entries are created lazily on first use and live until Shutdown.
type BreakerSet struct {
	mu        sync.Mutex
	entries   map[string]*CircuitBreakerState
	threshold int
	timeout   time.Duration

	// now is swappable for tests.
	now func() time.Time
}

func NewBreakerSet(threshold int, timeout time.Duration) *BreakerSet {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if timeout <= 0 {
		timeout = DefaultBreakerTimeout
	}
	return &BreakerSet{
		entries:   map[string]*CircuitBreakerState{},
		threshold: threshold,
		timeout:   timeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func BreakerKey(provider, modelName string) string {
	return fmt.Sprintf("%s:%s", provider, modelName)
}

func (b *BreakerSet) entry(key string) *CircuitBreakerState {
	st, ok := b.entries[key]
	if !ok {
		st = &CircuitBreakerState{State: BreakerClosed}
		b.entries[key] = st
	}
	return st
}

// IsCircuitClosed reports whether the key may be attempted. An OPEN breaker
// recovers lazily: once the timeout has elapsed since OpenedAt it flips back to
// CLOSED with a reset failure count. There is no background timer — recovery is
// checked only at call time.
func (b *BreakerSet) IsCircuitClosed(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.entry(key)
	if st.State == BreakerClosed {
		return true
	}
	if b.now().Sub(st.OpenedAt) >= b.timeout {
		st.State = BreakerClosed
		st.FailureCount = 0
		st.OpenedAt = time.Time{}
		return true
	}
	return false
}

// RecordFailure increments the failure count and opens the breaker once the
// threshold is reached.
func (b *BreakerSet) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.entry(key)
	st.FailureCount++
	st.LastFailureTime = b.now()
	if st.State == BreakerClosed && st.FailureCount >= b.threshold {
		st.State = BreakerOpen
		st.OpenedAt = b.now()
	}
}

// RecordSuccess resets the breaker to CLOSED.
func (b *BreakerSet) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.entry(key)
	st.State = BreakerClosed
	st.FailureCount = 0
	st.OpenedAt = time.Time{}
}

// Snapshot returns a copy of the state for one key (zero value if absent).
func (b *BreakerSet) Snapshot(key string) CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.entries[key]
	if !ok {
		return CircuitBreakerState{State: BreakerClosed}
	}
	return *st
}

// Shutdown clears all breaker state.
func (b *BreakerSet) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = map[string]*CircuitBreakerState{}
}
