// Package kscheduler implements the priority-preemptive, round-robin
// scheduler core (spec.md §4.5): a priority-bitmap ready set giving O(1)
// highest-priority lookup via the HAL's CLZ, a delayed/timed-wait list
// drained on every tick, and the deferred-switch protocol of spec.md §4.6
// that hands off to hal.HAL only once a scheduling decision has actually
// been made.
//
// Priority convention: 0 is most urgent (spec.md §4.4, GLOSSARY, Invariant
// I3); numerically lower always preempts numerically higher, and the idle
// task sits at priorityLevels-1, the least urgent level. The ready bitmap is
// a single uint32, so this scheduler supports priority counts in {8,16,32}
// (spec.md's 64-level option would need a wider bitmap than hal.HAL.CLZ's
// uint32 signature supports).
package kscheduler

import (
	"sync/atomic"

	"github.com/ThbzZxx/zkRTOS/hal"
	"github.com/ThbzZxx/zkRTOS/kerrors"
	"github.com/ThbzZxx/zkRTOS/klist"
	"github.com/ThbzZxx/zkRTOS/ktask"
	"github.com/ThbzZxx/zkRTOS/ktime"
)

// MaxPriorityLevels is the highest priority count this scheduler can host
// given a uint32 ready bitmap.
const MaxPriorityLevels = 32

// TimeSliceTicks is the round-robin quantum shared by all tasks at the same
// priority (spec.md §8 scenario 2).
const TimeSliceTicks = 5

// Scheduler owns every task's scheduling state: which list it is on, the
// ready bitmap, and the currently running task.
type Scheduler struct {
	hal   hal.HAL
	clock *ktime.Clock

	priorityLevels uint8
	readyBitmap    uint32
	ready          [MaxPriorityLevels]*klist.List

	// timedWait holds every task with a pending WakeTick, whether it got
	// there via Delay (StateDelayed) or a timed event wait
	// (StateBlockedTimeout). Tick() scans it once per tick.
	timedWait *klist.List
	suspended *klist.List

	current *ktask.TCB
	idle    *ktask.TCB

	// suspendNesting and needsReschedule are plain counters in the real
	// target's single-core critical section, but are kept as atomics here
	// (mirroring FastState's lock-free style) rather than as bare fields
	// guarded only by a happens-to-be-present host mutex: they record what
	// a bare-metal critical section would reach for on its own.
	suspendNesting  atomic.Uint32
	needsReschedule atomic.Bool
	sliceRemaining  uint8
	sliceTicks      uint8

	// OnIdle, OnTaskSwitch, if set, are the idle and task-switch hooks of
	// spec.md §4.10. OnIdle runs from Tick, and OnTaskSwitch from Schedule,
	// with the HAL critical section held; only Start's OnTaskSwitch call is
	// made outside it.
	OnIdle       func()
	OnTaskSwitch func(out, in *ktask.TCB)
}

// New creates a Scheduler. priorityLevels must be one of {8,16,32}.
func New(h hal.HAL, clock *ktime.Clock, priorityLevels uint8) (*Scheduler, error) {
	switch priorityLevels {
	case 8, 16, 32:
	default:
		return nil, kerrors.ErrInvalidParameter
	}
	s := &Scheduler{
		hal:            h,
		clock:          clock,
		priorityLevels: priorityLevels,
		timedWait:      klist.New(),
		suspended:      klist.New(),
		sliceTicks:     TimeSliceTicks,
	}
	for i := range s.ready[:priorityLevels] {
		s.ready[i] = klist.New()
	}
	return s, nil
}

// SetIdleTask registers the task that runs when no other task is ready. It
// must already have been created at the least urgent priority level,
// priorityLevels-1.
func (s *Scheduler) SetIdleTask(t *ktask.TCB) { s.idle = t }

// SetTimeSlice overrides the round-robin quantum (spec.md §6's configurable
// round-robin slice, default TimeSliceTicks). Takes effect on the next
// slice reload, not retroactively on one already in progress. ticks == 0 is
// ignored.
func (s *Scheduler) SetTimeSlice(ticks uint8) {
	if ticks == 0 {
		return
	}
	s.sliceTicks = ticks
}

// Current returns the task presently selected to run, or nil before the
// scheduler has started.
func (s *Scheduler) Current() *ktask.TCB { return s.current }

// Clock returns the scheduler's tick clock, for sync primitives that need
// "now" to compute an absolute wake time.
func (s *Scheduler) Clock() *ktime.Clock { return s.clock }

// EnterCritical/ExitCritical pass through to the HAL, so sync primitives
// (ksem, kmutex, kqueue) share one critical section mechanism with the
// scheduler instead of each holding their own HAL reference.
func (s *Scheduler) EnterCritical() hal.CritToken { return s.hal.EnterCritical() }

func (s *Scheduler) ExitCritical(tok hal.CritToken) { s.hal.ExitCritical(tok) }

func (s *Scheduler) readyListFor(t *ktask.TCB) *klist.List {
	return s.ready[t.Priority]
}

// MakeReady moves t onto its priority's ready list and marks the bitmap,
// clearing whatever list it was previously on (delayed, suspended, an
// event's waiter list). Used both for a freshly created task and for a task
// explicitly made ready again.
func (s *Scheduler) MakeReady(t *ktask.TCB) {
	s.removeFromStateList(t)
	if owner := t.EventNode.Owner(); owner != nil {
		owner.Remove(&t.EventNode)
	}
	t.State = ktask.StateReady
	s.readyListFor(t).PushBack(&t.StateNode)
	s.readyBitmap |= 1 << t.Priority
	s.needsReschedule.Store(true)
}

func (s *Scheduler) clearReadyIfEmpty(priority uint8) {
	if s.ready[priority].Empty() {
		s.readyBitmap &^= 1 << priority
	}
}

// Delay puts t to sleep for ticks kernel ticks (spec.md §4.4 Delayed
// state).
func (s *Scheduler) Delay(t *ktask.TCB, ticks uint32) {
	priority := t.Priority
	s.removeFromStateList(t)
	t.State = ktask.StateDelayed
	t.WakeTick = s.clock.Now() + ticks
	s.timedWait.PushBack(&t.StateNode)
	s.clearReadyIfEmpty(priority)
	s.needsReschedule.Store(true)
}

// removeFromStateList detaches t.StateNode from whichever state list
// (ready, delayed, suspended) it currently sits on, if any.
func (s *Scheduler) removeFromStateList(t *ktask.TCB) {
	if owner := t.StateNode.Owner(); owner != nil {
		owner.Remove(&t.StateNode)
	}
}

// Block moves t off any ready list and onto waiters (a sync primitive's
// event list), with an optional timeout. A timeout of ktime.Forever means
// wait indefinitely (spec.md §5). t is inserted into waiters in
// priority order (highest first, FIFO among equal priorities) so the
// primitive can always wake Front() and get the highest-priority waiter
// (spec.md §4.14 waiter ordering).
func (s *Scheduler) Block(t *ktask.TCB, waiters *klist.List, timeout uint32) {
	priority := t.Priority
	s.removeFromStateList(t)
	insertWaiterByPriority(waiters, t)

	if timeout == ktime.Forever {
		t.State = ktask.StateBlocked
	} else {
		t.State = ktask.StateBlockedTimeout
		t.WakeTick = s.clock.Now() + timeout
		t.TimedOut = false
		s.timedWait.PushBack(&t.StateNode)
	}
	s.clearReadyIfEmpty(priority)
	s.needsReschedule.Store(true)
}

// insertWaiterByPriority inserts t's EventNode into waiters immediately
// before the first entry with strictly less urgent (numerically greater)
// priority, preserving arrival order among equal-priority waiters. Front()
// is always the most urgent (numerically lowest) waiter.
func insertWaiterByPriority(waiters *klist.List, t *ktask.TCB) {
	for n := waiters.Front(); n != nil; n = n.Next() {
		if ktask.TCBOf(n).Priority > t.Priority {
			waiters.InsertBefore(&t.EventNode, n)
			return
		}
	}
	waiters.PushBack(&t.EventNode)
}

// Reprioritize fixes up a ready-or-running task's ready-list bucket after
// its Priority field has changed independently (spec.md §4.8: chained
// mutex priority inheritance raises or restores a task's Priority without
// going through MakeReady). A no-op for a task in any other state, since
// only the ready lists are bucketed by priority. Callers must already hold
// the scheduler's critical section.
func (s *Scheduler) Reprioritize(t *ktask.TCB) {
	if t.State != ktask.StateReady && t.State != ktask.StateRunning {
		return
	}
	owner := t.StateNode.Owner()
	for i := uint8(0); i < s.priorityLevels; i++ {
		if s.ready[i] == owner {
			owner.Remove(&t.StateNode)
			s.clearReadyIfEmpty(i)
			break
		}
	}
	s.readyListFor(t).PushBack(&t.StateNode)
	s.readyBitmap |= 1 << t.Priority
	s.needsReschedule.Store(true)
}

// ReorderWaiter re-sorts t's existing position on waiters after t.Priority
// has changed, e.g. when chained mutex priority inheritance (spec.md §4.8)
// raises the priority of a task that is itself already waiting on a
// different mutex.
func ReorderWaiter(waiters *klist.List, t *ktask.TCB) {
	waiters.Remove(&t.EventNode)
	insertWaiterByPriority(waiters, t)
}

// Unblock wakes t from an event wait, removing it from both the waiter list
// it was on and the timed-wait list (if it had a timeout pending), then
// makes it ready.
func (s *Scheduler) Unblock(t *ktask.TCB) {
	if owner := t.EventNode.Owner(); owner != nil {
		owner.Remove(&t.EventNode)
	}
	if owner := t.StateNode.Owner(); owner == s.timedWait {
		s.timedWait.Remove(&t.StateNode)
	}
	t.State = ktask.StateReady
	s.readyListFor(t).PushBack(&t.StateNode)
	s.readyBitmap |= 1 << t.Priority
	s.needsReschedule.Store(true)
}

// Suspend forcibly removes t from scheduling until Resume is called
// (spec.md §4.4).
func (s *Scheduler) Suspend(t *ktask.TCB) {
	priority := t.Priority
	if owner := t.EventNode.Owner(); owner != nil {
		owner.Remove(&t.EventNode)
	}
	if owner := t.StateNode.Owner(); owner != nil {
		owner.Remove(&t.StateNode)
	}
	t.State = ktask.StateSuspended
	s.suspended.PushBack(&t.StateNode)
	s.clearReadyIfEmpty(priority)
	if t == s.current {
		s.needsReschedule.Store(true)
	}
}

// Resume makes a suspended task ready again.
func (s *Scheduler) Resume(t *ktask.TCB) {
	if t.State != ktask.StateSuspended {
		return
	}
	s.suspended.Remove(&t.StateNode)
	t.State = ktask.StateReady
	s.readyListFor(t).PushBack(&t.StateNode)
	s.readyBitmap |= 1 << t.Priority
	s.needsReschedule.Store(true)
}

// SuspendScheduler defers rescheduling decisions until a matching number of
// ResumeScheduler calls bring the nesting count back to zero (spec.md §5's
// scheduler-suspended nesting counter, distinct from the HAL's own
// critical-section nesting).
func (s *Scheduler) SuspendScheduler() { s.suspendNesting.Add(1) }

// ResumeScheduler lowers the suspend-scheduler nesting count and, if it
// reaches zero and a reschedule had been requested in the meantime, runs
// Schedule.
func (s *Scheduler) ResumeScheduler() {
	if s.suspendNesting.Load() == 0 {
		return
	}
	s.suspendNesting.Add(^uint32(0))
	if s.suspendNesting.Load() == 0 && s.needsReschedule.Load() {
		s.Schedule()
	}
}

// highestReady returns the most urgent (numerically lowest priority) task on
// a non-empty ready list, or nil if every ready list is empty (only the idle
// task should ever be in that position once the kernel has started).
//
// The ready bitmap sets bit i when priority level i has a ready task, so the
// most urgent ready level is the lowest set bit, not the highest. CLZ only
// locates the highest set bit directly, so the lowest set bit is isolated
// first (bitmap & -bitmap, the standard two's-complement isolation trick)
// and CLZ applied to that single-bit value instead — still one HAL call, no
// additional instruction needed from the target.
func (s *Scheduler) highestReady() *ktask.TCB {
	if s.readyBitmap == 0 {
		return nil
	}
	lowestBit := s.readyBitmap & -s.readyBitmap
	clz := s.hal.CLZ(lowestBit)
	priority := uint8(31 - int(clz))
	return ktask.TCBOf(s.ready[priority].Front())
}

// Start picks the highest-priority ready task (or the idle task) and hands
// off to it via hal.HAL.StartFirstTask (spec.md §4.12). Like its HAL
// counterpart, this call does not return on a real target; callers that
// need to keep driving the scheduler afterward (ticks, tests) must invoke
// it from its own goroutine. It must be called exactly once, before any
// call to Schedule.
func (s *Scheduler) Start() {
	next := s.highestReady()
	if next == nil {
		next = s.idle
	}
	if next == nil {
		return
	}
	next.State = ktask.StateRunning
	next.LastSwitchIn = s.clock.Now()
	s.sliceRemaining = s.sliceTicks
	s.current = next
	if s.OnTaskSwitch != nil {
		s.OnTaskSwitch(nil, next)
	}
	s.hal.StartFirstTask(next.Context)
}

// Schedule picks the highest-priority ready task and, if it differs from
// the current one, performs the deferred-switch handoff (spec.md §4.6). It
// is a no-op while the scheduler is suspended (the pending decision is
// retried from ResumeScheduler) or before Start has run.
//
// Schedule takes the HAL critical section itself for the decision and
// bookkeeping, releasing it before the actual hal.Switch call — mirroring a
// real target, where the scheduling decision is made with interrupts
// masked but the context switch itself (swapping the live stack pointer)
// happens as that mask is lifted. Callers must not already be holding the
// critical section when calling Schedule.
func (s *Scheduler) Schedule() {
	tok := s.hal.EnterCritical()

	s.needsReschedule.Store(false)
	if s.suspendNesting.Load() > 0 {
		s.needsReschedule.Store(true)
		s.hal.ExitCritical(tok)
		return
	}
	if s.current == nil {
		s.hal.ExitCritical(tok)
		return
	}

	next := s.highestReady()
	if next == nil {
		next = s.idle
	}
	if next == nil {
		s.hal.ExitCritical(tok)
		return
	}

	prev := s.current
	if prev == next {
		// No one else to switch to, but the slice may still have expired
		// (the common case: the idle task running alone) — reload it here,
		// since the only other reload site is the switch path just below,
		// which this branch skips. Without this, sliceRemaining sticks at 0
		// forever and Tick's OnIdle gate (sliceRemaining == 0 looks like an
		// unserviced reschedule request) never fires again.
		if s.sliceRemaining == 0 {
			s.sliceRemaining = s.sliceTicks
		}
		s.hal.ExitCritical(tok)
		return
	}

	if prev.State == ktask.StateRunning {
		prev.State = ktask.StateReady
	}
	next.State = ktask.StateRunning
	next.LastSwitchIn = s.clock.Now()
	s.sliceRemaining = s.sliceTicks
	s.current = next

	if s.OnTaskSwitch != nil {
		s.OnTaskSwitch(prev, next)
	}

	s.hal.ExitCritical(tok)
	s.hal.Switch(prev.Context, next.Context)
}

// Tick advances the clock, wakes any task whose WakeTick has been reached,
// and accounts the running task's round-robin slice, requesting a
// reschedule if it has expired or a higher-priority task just became ready.
//
// Tick deliberately never calls Schedule itself. On real hardware the tick
// ISR runs on top of whatever task it interrupted and the deferred-switch
// trampoline resumes that same execution context later; a goroutine calling
// Tick from outside any task has no such context to resume into, so it must
// not be the one blocking on a Switch. The actual handoff happens the next
// time the interrupted task reaches a reschedule point of its own — see
// Yield.
func (s *Scheduler) Tick() {
	tok := s.hal.EnterCritical()
	defer s.hal.ExitCritical(tok)

	s.clock.Advance()
	now := s.clock.Now()

	var woken []*ktask.TCB
	for n := s.timedWait.Front(); n != nil; {
		next := n.Next()
		t := ktask.TCBOf(n)
		if ktime.Reached(now, t.WakeTick) {
			s.timedWait.Remove(n)
			woken = append(woken, t)
		}
		n = next
	}
	for _, t := range woken {
		if t.State == ktask.StateBlockedTimeout {
			t.TimedOut = true
			if owner := t.EventNode.Owner(); owner != nil {
				owner.Remove(&t.EventNode)
			}
		}
		t.State = ktask.StateReady
		s.readyListFor(t).PushBack(&t.StateNode)
		s.readyBitmap |= 1 << t.Priority
		s.needsReschedule.Store(true)
	}

	if s.current != nil {
		s.current.RunTicks++
		if s.sliceRemaining > 0 {
			s.sliceRemaining--
		}
		if s.sliceRemaining == 0 {
			s.needsReschedule.Store(true)
		}
	}

	if highest := s.highestReady(); highest != nil && s.current != nil && highest.Priority < s.current.Priority {
		s.needsReschedule.Store(true)
	}

	if s.needsReschedule.Load() && s.current != nil && s.current.State == ktask.StateRunning && s.sliceRemaining == 0 {
		// round-robin: rotate same-priority ready queue so the next pick
		// (made from the running task's own Yield, not from here) isn't
		// the task that just used up its slice.
		s.readyListFor(s.current).MoveToBack(&s.current.StateNode)
	}
	if !s.needsReschedule.Load() && s.OnIdle != nil && s.current == s.idle {
		s.OnIdle()
	}
}

// Yield is the cooperative reschedule checkpoint a running task calls into
// (directly, or via any blocking kernel API) to let a pending scheduling
// decision — requested by Tick or by waking/readying another task — take
// effect. It is always safe to call from the current task's own goroutine:
// Schedule is a no-op if nothing has actually changed.
func (s *Scheduler) Yield() { s.Schedule() }
