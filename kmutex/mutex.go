// Package kmutex implements recursive mutexes with chained priority
// inheritance (spec.md §4.8): a single owner with a recursion depth, a
// priority-ordered waiter list, and a bounded walk up the chain of mutexes
// blocked owners are themselves waiting on.
package kmutex

import (
	"github.com/ThbzZxx/zkRTOS/kerrors"
	"github.com/ThbzZxx/zkRTOS/klist"
	"github.com/ThbzZxx/zkRTOS/kscheduler"
	"github.com/ThbzZxx/zkRTOS/ktask"
	"github.com/ThbzZxx/zkRTOS/ktime"
)

// maxChainDepth bounds the priority-inheritance walk (spec.md §9): rather
// than detect cycles in the owner→mutex→owner graph, the walk simply gives
// up after this many hops.
const maxChainDepth = 8

// Mutex is a recursive mutex: the owning task may Lock it again without
// deadlocking itself, and must Unlock it the same number of times before
// another task can acquire it.
type Mutex struct {
	owner     *ktask.TCB
	holdCount int
	waiters   *klist.List

	// OnBoost, OnRestore, if set, are invoked when chained priority
	// inheritance (spec.md §4.8) changes an owner's effective priority: a
	// new waiter (boost), a timed-out waiter or a final Unlock (restore).
	// The priority a new owner inherits when Unlock hands the mutex over is
	// not reported. Both run with the scheduler's critical section held —
	// the same plain-hook-field convention as
	// kscheduler.Scheduler.OnTaskSwitch.
	OnBoost   func(owner *ktask.TCB, newPriority uint8)
	OnRestore func(owner *ktask.TCB, restoredPriority uint8)
}

var _ ktask.HeldSyncObject = (*Mutex)(nil)

// New creates an unlocked Mutex.
func New() *Mutex {
	return &Mutex{waiters: klist.New()}
}

// HighestWaiterPriority implements ktask.HeldSyncObject: it is the priority
// of the most urgent task presently blocked trying to acquire this mutex, or
// ktask.NoWaiterPriority if none are waiting. The owner's
// RecomputeEffectivePriority consults this on every AddHeldObject/
// RemoveHeldObject to derive the inherited priority (spec.md §9's
// recomputation resolution, not the stored-value restore).
func (m *Mutex) HighestWaiterPriority() uint8 {
	if front := m.waiters.Front(); front != nil {
		return ktask.TCBOf(front).Priority
	}
	return ktask.NoWaiterPriority
}

// Owner returns the task that currently holds the mutex, or nil.
func (m *Mutex) Owner() *ktask.TCB { return m.owner }

// HoldCount returns the current recursion depth (0 if unlocked).
func (m *Mutex) HoldCount() int { return m.holdCount }

// Lock acquires the mutex, blocking the calling task up to timeout ticks if
// it is held by another task. The caller may call Lock again while already
// holding it (recursive acquisition); each such call must be matched by an
// Unlock. A timeout of ktime.Forever waits indefinitely; 0 polls.
func (m *Mutex) Lock(sched *kscheduler.Scheduler, timeout uint32) error {
	if !ktime.AcceptableTimeout(timeout) {
		return kerrors.ErrInvalidParameter
	}
	tok := sched.EnterCritical()

	current := sched.Current()
	if current == nil {
		sched.ExitCritical(tok)
		return kerrors.ErrIllegalInISR
	}

	if m.owner == nil {
		m.owner = current
		m.holdCount = 1
		current.AddHeldObject(m)
		sched.ExitCritical(tok)
		return nil
	}
	if m.owner == current {
		m.holdCount++
		sched.ExitCritical(tok)
		return nil
	}
	if timeout == 0 {
		sched.ExitCritical(tok)
		return kerrors.ErrWouldBlock
	}

	sched.Block(current, m.waiters, timeout)
	current.BlockedMutex = m
	propagateInheritance(sched, m)
	sched.ExitCritical(tok)
	sched.Schedule()

	tok2 := sched.EnterCritical()
	defer sched.ExitCritical(tok2)
	current.BlockedMutex = nil
	if current.TimedOut {
		current.TimedOut = false
		// current was removed from m.waiters by the tick handler; if it was
		// the highest-priority waiter, the owner it had boosted needs to
		// drop back down to whoever (if anyone) is left.
		propagateInheritance(sched, m)
		return kerrors.ErrTimeout
	}
	// Ownership was handed directly to current by Unlock's wake path; no
	// further bookkeeping needed here.
	return nil
}

// Unlock releases one level of recursion. Once the hold count reaches zero,
// the highest-priority waiter (if any) becomes the new owner directly —
// there is no race where a third task could acquire it in between, since
// the whole operation runs under the scheduler's critical section.
func (m *Mutex) Unlock(sched *kscheduler.Scheduler) error {
	tok := sched.EnterCritical()

	current := sched.Current()
	if m.owner == nil || m.owner != current || m.holdCount == 0 {
		sched.ExitCritical(tok)
		return kerrors.ErrNotOwner
	}

	m.holdCount--
	if m.holdCount > 0 {
		sched.ExitCritical(tok)
		return nil
	}

	prevOwner := m.owner
	m.owner = nil
	prevPriority := prevOwner.Priority
	prevOwner.RemoveHeldObject(m)
	sched.Reprioritize(prevOwner)
	if m.OnRestore != nil && prevOwner.Priority != prevPriority {
		m.OnRestore(prevOwner, prevOwner.Priority)
	}

	if front := m.waiters.Front(); front != nil {
		next := ktask.TCBOf(front)
		next.BlockedMutex = nil
		m.owner = next
		m.holdCount = 1
		sched.Unblock(next)
		next.AddHeldObject(m)
		sched.Reprioritize(next)
	}

	sched.ExitCritical(tok)
	sched.Schedule()
	return nil
}

// propagateInheritance walks from m's owner up the chain of mutexes that
// owner is itself blocked on (if any), recomputing each owner's effective
// priority and re-sorting its position on the next mutex's waiter list, up
// to maxChainDepth hops (spec.md §4.8, §9). It is called both when a new
// waiter arrives (the owner's priority can only drop, a boost) and when a
// waiter leaves without the mutex changing hands — a timeout — where the
// owner's priority can only rise back up, a restore.
func propagateInheritance(sched *kscheduler.Scheduler, m *Mutex) {
	chain := m
	for depth := 0; depth < maxChainDepth && chain != nil; depth++ {
		owner := chain.owner
		if owner == nil {
			return
		}
		prevPriority := owner.Priority
		newPriority := owner.RecomputeEffectivePriority()
		if newPriority != prevPriority {
			sched.Reprioritize(owner)
			switch {
			case newPriority < prevPriority && chain.OnBoost != nil:
				chain.OnBoost(owner, newPriority)
			case newPriority > prevPriority && chain.OnRestore != nil:
				chain.OnRestore(owner, newPriority)
			}
		}

		next, _ := owner.BlockedMutex.(*Mutex)
		if next == nil {
			return
		}
		kscheduler.ReorderWaiter(next.waiters, owner)
		chain = next
	}
}
