// Package ksem implements counting semaphores (spec.md §4.7): a bounded
// count plus a priority-ordered waiter list, built directly on kscheduler's
// block/unblock primitives rather than a host-OS semaphore, so that giving
// a semaphore can immediately preempt into a newly-runnable
// higher-priority waiter.
package ksem

import (
	"github.com/ThbzZxx/zkRTOS/kerrors"
	"github.com/ThbzZxx/zkRTOS/klist"
	"github.com/ThbzZxx/zkRTOS/kscheduler"
	"github.com/ThbzZxx/zkRTOS/ktask"
	"github.com/ThbzZxx/zkRTOS/ktime"
)

// Semaphore is a counting semaphore bounded at [0, max].
type Semaphore struct {
	count   uint32
	max     uint32
	waiters *klist.List
}

// New creates a Semaphore with the given initial count, bounded at max. A
// binary semaphore is New(0, 1) or New(1, 1).
func New(initial, max uint32) (*Semaphore, error) {
	if max == 0 || initial > max {
		return nil, kerrors.ErrInvalidParameter
	}
	return &Semaphore{count: initial, max: max, waiters: klist.New()}, nil
}

// Count returns the current count, useful only for diagnostics: by the time
// a caller observes it, a concurrent Take/Give may have already changed it.
func (s *Semaphore) Count(sched *kscheduler.Scheduler) uint32 {
	tok := sched.EnterCritical()
	defer sched.ExitCritical(tok)
	return s.count
}

// Take acquires one unit, blocking the calling task up to timeout ticks if
// none is available. timeout of ktime.Forever waits indefinitely; a
// timeout of 0 polls without blocking.
func (s *Semaphore) Take(sched *kscheduler.Scheduler, timeout uint32) error {
	if !ktime.AcceptableTimeout(timeout) {
		return kerrors.ErrInvalidParameter
	}
	tok := sched.EnterCritical()
	if s.count > 0 {
		s.count--
		sched.ExitCritical(tok)
		return nil
	}
	if timeout == 0 {
		sched.ExitCritical(tok)
		return kerrors.ErrWouldBlock
	}

	current := sched.Current()
	if current == nil {
		sched.ExitCritical(tok)
		return kerrors.ErrIllegalInISR
	}
	sched.Block(current, s.waiters, timeout)
	sched.ExitCritical(tok)
	sched.Schedule()

	tok2 := sched.EnterCritical()
	defer sched.ExitCritical(tok2)
	if current.TimedOut {
		current.TimedOut = false
		return kerrors.ErrTimeout
	}
	s.count--
	return nil
}

// Give releases one unit, waking the highest-priority waiter (if any) and
// requesting an immediate reschedule so a higher-priority waiter preempts
// the giver right away (spec.md §4.7).
func (s *Semaphore) Give(sched *kscheduler.Scheduler) error {
	tok := sched.EnterCritical()
	if s.count >= s.max {
		sched.ExitCritical(tok)
		return kerrors.ErrOutOfRange
	}
	s.count++

	var woken *ktask.TCB
	if front := s.waiters.Front(); front != nil {
		woken = ktask.TCBOf(front)
		sched.Unblock(woken)
	}
	sched.ExitCritical(tok)

	if woken != nil {
		sched.Schedule()
	}
	return nil
}
