package goodwe_modbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests step guard time deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newGuardWithClock(cfg GuardConfig) (*WriteGuard, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)}
	g := NewWriteGuard(cfg)
	g.now = func() time.Time { return clock.now }
	return g, clock
}

func TestWriteGuardDedupe(t *testing.T) {
	g, clock := newGuardWithClock(GuardConfig{})

	assert.Equal(t, WriteAccepted, g.Attempt(47512, 2600))

	// Same value inside the staleness window is suppressed even after the
	// per-register interval has elapsed.
	clock.advance(1 * time.Second)
	assert.Equal(t, WriteDedup, g.Attempt(47512, 2600))

	// After the staleness window the duplicate goes through again.
	clock.advance(30 * time.Second)
	assert.Equal(t, WriteAccepted, g.Attempt(47512, 2600))

	c := g.Counters()
	assert.Equal(t, uint64(2), c.Ok)
	assert.Equal(t, uint64(1), c.Dedup)
}

func TestWriteGuardPerRegisterInterval(t *testing.T) {
	g, clock := newGuardWithClock(GuardConfig{})

	assert.Equal(t, WriteAccepted, g.Attempt(47512, 1000))
	clock.advance(100 * time.Millisecond)
	assert.Equal(t, WriteThrottledRegister, g.Attempt(47512, 1500))
	clock.advance(100 * time.Millisecond)
	assert.Equal(t, WriteThrottledRegister, g.Attempt(47512, 1500))
	clock.advance(100 * time.Millisecond)
	assert.Equal(t, WriteAccepted, g.Attempt(47512, 1500))

	// A different register is unaffected by the interval.
	assert.Equal(t, WriteAccepted, g.Attempt(47511, 4))

	c := g.Counters()
	assert.Equal(t, uint64(3), c.Ok)
	assert.Equal(t, uint64(2), c.ThrottlePerReg)
}

func TestWriteGuardGlobalRate(t *testing.T) {
	g, clock := newGuardWithClock(GuardConfig{GlobalWritesPerSecond: 5})

	// Burst across distinct registers: the token bucket holds exactly the
	// per-second rate, so the sixth write in the same instant is rejected.
	for i := 0; i < 5; i++ {
		assert.Equal(t, WriteAccepted, g.Attempt(uint16(47500+i), uint16(i)), "write %d", i)
	}
	assert.Equal(t, WriteThrottledGlobal, g.Attempt(47520, 9))

	// Tokens refill with time.
	clock.advance(300 * time.Millisecond)
	assert.Equal(t, WriteAccepted, g.Attempt(47521, 9))
	assert.Equal(t, WriteThrottledGlobal, g.Attempt(47522, 9))

	c := g.Counters()
	assert.Equal(t, uint64(6), c.Ok)
	assert.Equal(t, uint64(2), c.ThrottleGlobal)
}

// Write storm: ten attempts to the same register inside one second. Exactly
// one reaches the bus; the rest are rejected with an explicit cause.
func TestWriteGuardWriteStorm(t *testing.T) {
	g, clock := newGuardWithClock(GuardConfig{})

	accepted := 0
	for i := 0; i < 10; i++ {
		if g.Attempt(47512, 2600).Accepted() {
			accepted++
		}
		clock.advance(100 * time.Millisecond)
	}
	assert.Equal(t, 1, accepted)

	c := g.Counters()
	assert.Equal(t, uint64(1), c.Ok)
	assert.Equal(t, uint64(9), c.Dedup+c.ThrottlePerReg+c.ThrottleGlobal)
}

func TestWriteGuardRecordError(t *testing.T) {
	g, clock := newGuardWithClock(GuardConfig{})

	assert.Equal(t, WriteAccepted, g.Attempt(47510, 5000))
	g.RecordError(47510)

	// The failed value must not dedupe the retry; the per-register interval
	// still applies.
	clock.advance(300 * time.Millisecond)
	assert.Equal(t, WriteAccepted, g.Attempt(47510, 5000))

	c := g.Counters()
	assert.Equal(t, uint64(1), c.Error)
	assert.Equal(t, uint64(2), c.Ok)
}

func TestWriteGuardReconfigureKeepsLedger(t *testing.T) {
	g, clock := newGuardWithClock(GuardConfig{})

	assert.Equal(t, WriteAccepted, g.Attempt(47512, 2600))
	g.Reconfigure(GuardConfig{PerRegisterMinInterval: time.Second, GlobalWritesPerSecond: 2})

	clock.advance(500 * time.Millisecond)
	assert.Equal(t, WriteThrottledRegister, g.Attempt(47512, 2700))
	clock.advance(600 * time.Millisecond)
	assert.Equal(t, WriteAccepted, g.Attempt(47512, 2700))
}
