package domain

import "sync/atomic"

// IntentBox is the single-slot, last-write-wins cell carrying the current
// FaultSafeIntent from the health monitor to the controller. One producer,
// one consumer; neither ever blocks.
type IntentBox struct {
	cell atomic.Pointer[FaultSafeIntent]
}

// Publish replaces the current intent.
func (b *IntentBox) Publish(intent FaultSafeIntent) {
	b.cell.Store(&intent)
}

// Load returns the current intent, or an inactive zero intent when none has
// been published yet.
func (b *IntentBox) Load() FaultSafeIntent {
	if p := b.cell.Load(); p != nil {
		return *p
	}
	return FaultSafeIntent{}
}
