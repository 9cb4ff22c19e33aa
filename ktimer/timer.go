// Package ktimer implements the kernel's software timer service (spec.md
// §4.11): one manager holding every Running timer in a single min-heap
// ordered by next-expiry tick, drained by Tick. Callback execution never
// happens while the manager's lock is held — a callback that itself starts,
// stops, or resets another timer must not deadlock.
package ktimer

import (
	"container/heap"
	"log"
	"sync"

	"github.com/ThbzZxx/zkRTOS/kerrors"
	"github.com/ThbzZxx/zkRTOS/ktime"
)

// Mode is a timer's reload behavior once it expires.
type Mode int

const (
	// OneShot timers stop once they expire.
	OneShot Mode = iota
	// AutoReload timers reinsert themselves at now+interval on expiry.
	AutoReload
)

// Timer is one software timer. Callback runs with arg on expiry.
type Timer struct {
	mode     Mode
	interval uint32
	callback func(arg any)
	arg      any

	running    bool
	nextExpiry uint32
	index      int // position in the manager's heap; -1 when not queued
}

// New creates a stopped Timer. interval must be non-zero.
func New(mode Mode, interval uint32, callback func(arg any), arg any) (*Timer, error) {
	if interval == 0 || callback == nil {
		return nil, kerrors.ErrInvalidParameter
	}
	return &Timer{mode: mode, interval: interval, callback: callback, arg: arg, index: -1}, nil
}

// Running reports whether the timer is currently queued for expiry.
func (t *Timer) Running() bool { return t.running }

// pendingHeap is a min-heap of *Timer ordered by next-expiry tick, wrap-safe
// via ktime's signed-subtraction comparison rather than a plain `<`.
type pendingHeap []*Timer

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	return int32(h[i].nextExpiry-h[j].nextExpiry) < 0
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pendingHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Manager owns the sorted pending-timer list and drains it on every tick.
type Manager struct {
	mu      sync.Mutex
	pending pendingHeap
}

// NewManager returns an empty timer manager.
func NewManager() *Manager {
	m := &Manager{}
	heap.Init(&m.pending)
	return m
}

// Start arms t to expire at now+t's interval, removing it from the pending
// list first if it was already Running (spec.md §4.11).
func (m *Manager) Start(t *Timer, now uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(t)
	t.nextExpiry = now + t.interval
	t.running = true
	heap.Push(&m.pending, t)
}

// Stop removes t from the pending list if it is Running; a no-op otherwise.
func (m *Manager) Stop(t *Timer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(t)
	t.running = false
}

// Delete stops t. In this hosted implementation "freeing the slot" is just
// dropping the last reference to t; there is no static pool to release it
// back to.
func (m *Manager) Delete(t *Timer) {
	m.Stop(t)
}

// Reset changes t's interval, preserving its Running state: if it was
// Running, it is rearmed from now with the new interval; if stopped, only
// the interval changes (spec.md §4.11).
func (m *Manager) Reset(t *Timer, newInterval uint32, now uint32) error {
	if newInterval == 0 {
		return kerrors.ErrInvalidParameter
	}
	m.mu.Lock()
	wasRunning := t.running
	t.interval = newInterval
	if wasRunning {
		m.removeLocked(t)
	}
	m.mu.Unlock()
	if wasRunning {
		m.Start(t, now)
	}
	return nil
}

func (m *Manager) removeLocked(t *Timer) {
	if t.index >= 0 {
		heap.Remove(&m.pending, t.index)
	}
}

// Tick drains every timer whose next-expiry has been reached as of now into
// a local batch under the lock, then runs their callbacks with the lock
// released, then reinserts (AutoReload) or finalizes (OneShot) each one
// under a fresh lock acquisition per timer. This is the latency-critical
// design point of spec.md §4.11: callback execution must never extend the
// manager's own critical section.
func (m *Manager) Tick(now uint32) {
	m.mu.Lock()
	var expired []*Timer
	for len(m.pending) > 0 && ktime.Reached(now, m.pending[0].nextExpiry) {
		expired = append(expired, heap.Pop(&m.pending).(*Timer))
	}
	m.mu.Unlock()

	for _, t := range expired {
		runCallback(t)

		m.mu.Lock()
		if t.mode == AutoReload {
			t.nextExpiry = now + t.interval
			t.running = true
			heap.Push(&m.pending, t)
		} else {
			t.running = false
		}
		m.mu.Unlock()
	}
}

// runCallback invokes t's handler, recovering a panic so one misbehaving
// timer can't take the tick path down with it.
func runCallback(t *Timer) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ktimer: timer callback panicked: %v", r)
		}
	}()
	t.callback(t.arg)
}
