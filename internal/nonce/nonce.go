// Package nonce tracks the wallet transaction nonce for the submitter worker.
package nonce

// Tracker is the local view of the wallet nonce. It is owned by the
// submitter's worker goroutine and is not safe for concurrent use.
type Tracker struct {
	next uint64
}

// NewTracker creates a tracker seeded with the chain's pending nonce.
func NewTracker(initial uint64) *Tracker {
	return &Tracker{next: initial}
}

// Current returns the nonce the next transaction should use.
func (t *Tracker) Current() uint64 {
	return t.next
}

// Advance marks the current nonce as consumed. A mined receipt consumes the
// nonce regardless of revert status.
func (t *Tracker) Advance() {
	t.next++
}

// Observe reconciles the local counter with a freshly fetched pending nonce.
// The counter never moves backwards: a lagging RPC gateway reporting a stale
// pending nonce must not cause reuse of a nonce that may still be in flight.
// Returns true if the counter changed.
func (t *Tracker) Observe(pending uint64) bool {
	if pending > t.next {
		t.next = pending
		return true
	}
	return false
}
