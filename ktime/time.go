// Package ktime provides the kernel's monotonic tick counters and the
// wrap-safe comparison spec.md §4.2 requires: a 32-bit tick counter that
// wraps every ~49 days at 1kHz must still order wake-ups correctly across
// the wrap, so comparisons use signed subtraction rather than `>=`.
package ktime

import "math"

// MaxTimeout is the largest timeout value any timed kernel API accepts.
// Anything at or beyond it is rejected: spec.md §4.2 requires timeouts be
// strictly less than UINT32_MAX/2 so that wrap-safe comparison stays
// unambiguous.
const MaxTimeout uint32 = math.MaxUint32 / 2

// Forever is the sentinel timeout value meaning "block with no timeout".
// It deliberately sits above MaxTimeout so ValidTimeout rejects it if ever
// passed through the bounded-timeout validation path by mistake.
const Forever uint32 = math.MaxUint32

// Clock holds the kernel's two monotonically increasing tick counters:
// Now, used for wake-up comparisons, and TotalRunTime, a separate running
// count of ticks kept for statistics. Both wrap at 2^32; only Now's wrap is load-bearing,
// since Reached is defined in terms of it.
type Clock struct {
	now      uint32
	runTicks uint32
}

// Now returns the current tick count.
func (c *Clock) Now() uint32 { return c.now }

// TotalRunTime returns the total number of ticks the scheduler has run.
func (c *Clock) TotalRunTime() uint32 { return c.runTicks }

// Advance moves the clock forward by one tick, called once per tick ISR.
func (c *Clock) Advance() {
	c.now++
	c.runTicks++
}

// Reached reports whether tick `now` has reached or passed tick `target`,
// correctly across a 32-bit wrap, per spec.md §4.2:
//
//	reached(now, target) ≡ (int32)(now - target) >= 0
func Reached(now, target uint32) bool {
	return int32(now-target) >= 0
}

// ValidTimeout reports whether timeout is an admissible bounded timeout
// value: it is valid only if it is strictly less than MaxTimeout, so the
// Forever sentinel is rejected. Callers that also accept "wait forever" use
// AcceptableTimeout, which admits Forever in addition to what this function
// admits.
func ValidTimeout(timeout uint32) bool {
	return timeout < MaxTimeout
}

// AcceptableTimeout reports whether timeout is a value a blocking kernel API
// (ksem.Take, kmutex.Lock, kqueue.Write/Read) may accept: either the Forever
// sentinel, or a bounded value ValidTimeout admits. spec.md §4.2 requires
// every timeout-accepting API reject values at or beyond MaxTimeout, Forever
// excepted.
func AcceptableTimeout(timeout uint32) bool {
	return timeout == Forever || ValidTimeout(timeout)
}
