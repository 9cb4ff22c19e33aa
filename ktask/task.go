// Package ktask is the kernel's task control block (spec.md §4.4): the data
// a task needs beyond its own stack — identity, scheduling state, the two
// list nodes the scheduler and the sync primitives move it between, and the
// bookkeeping stack-overflow detection and runtime statistics need.
package ktask

import (
	"github.com/ThbzZxx/zkRTOS/hal"
	"github.com/ThbzZxx/zkRTOS/kerrors"
	"github.com/ThbzZxx/zkRTOS/klist"
)

// stackGuardRegion is how many bytes at the low end of the stack
// check_stack_overflow inspects for an intact guard pattern.
const stackGuardRegion = 32

// MaxNameLen bounds a task's display name, mirroring the fixed-width name
// field a real target keeps inline in the TCB rather than behind a pointer.
const MaxNameLen = 16

// StackGuardByte fills a task's stack at creation; check_stack_overflow
// (spec.md §4.13) looks for this value still being intact at the low end of
// the stack region.
const StackGuardByte = 0xA5

// State is a task's scheduling state (spec.md §4.1 lifecycle).
type State int

const (
	// StateUninitialized is the zero value; never observed once New returns.
	StateUninitialized State = iota
	// StateReady means the task is on its priority's ready list.
	StateReady
	// StateRunning means the task is the one currently executing.
	StateRunning
	// StateDelayed means the task is on the delayed list, waiting for
	// WakeTick.
	StateDelayed
	// StateSuspended means the task was explicitly suspended and will not
	// run again until explicitly resumed.
	StateSuspended
	// StateBlocked means the task is waiting on a semaphore, mutex, or
	// queue with no timeout.
	StateBlocked
	// StateBlockedTimeout means the task is waiting on a semaphore, mutex,
	// or queue, and will also wake at WakeTick if the event doesn't arrive
	// first.
	StateBlockedTimeout
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDelayed:
		return "delayed"
	case StateSuspended:
		return "suspended"
	case StateBlocked:
		return "blocked"
	case StateBlockedTimeout:
		return "blocked-timeout"
	default:
		return "uninitialized"
	}
}

// HeldSyncObject is a synchronization primitive a task currently owns (in
// practice, a recursively-held mutex). ktask and kmutex use this to
// recompute a task's effective priority after an inheritance chain changes,
// instead of trying to unwind precisely what prior value to restore to
// (spec.md §9, priority-restore Open Question, resolved by recomputation).
type HeldSyncObject interface {
	// HighestWaiterPriority returns the priority of the most urgent
	// (numerically lowest) task currently blocked on this object, or
	// NoWaiterPriority if none are waiting.
	HighestWaiterPriority() uint8
}

// NoWaiterPriority is the sentinel HighestWaiterPriority implementations
// return when nothing is waiting: numerically higher than any valid
// priority level (priority levels top out at 31, spec.md §6), so it never
// wins the min() RecomputeEffectivePriority takes across held objects.
const NoWaiterPriority uint8 = 0xFF

type heldNode struct {
	obj  HeldSyncObject
	next *heldNode
}

// TCB is the kernel's task control block.
type TCB struct {
	Context hal.Context
	Name    string

	Priority     uint8
	BasePriority uint8
	State        State

	// StateNode links this TCB into exactly one scheduler-owned list at a
	// time: a priority ready list, the delayed list, or the suspended
	// list.
	StateNode klist.Node
	// EventNode links this TCB into a sync primitive's waiter list
	// (semaphore/mutex/queue), independent of StateNode.
	EventNode klist.Node

	WakeTick uint32
	TimedOut bool

	StackSize int
	stack     []byte

	RunTicks     uint32
	LastSwitchIn uint32

	heldHead *heldNode

	// BlockedMutex, when non-nil, is the mutex this task is currently
	// waiting to acquire. kmutex sets and clears it directly; ktask stays
	// ignorant of kmutex's concrete type (any, not an interface) purely to
	// avoid the import cycle a typed reference back to kmutex would create.
	// It lets chained priority inheritance (spec.md §4.8) walk from a
	// blocked owner to the mutex it is itself waiting on.
	BlockedMutex any

	entry hal.TaskFunc
	arg   any
}

// New builds a task's stack (via the HAL) and its control block. name is
// truncated to MaxNameLen.
func New(h hal.HAL, name string, priority uint8, stackSize int, entry hal.TaskFunc, arg any) *TCB {
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}
	stack := make([]byte, stackSize)
	for i := range stack {
		stack[i] = StackGuardByte
	}

	t := &TCB{
		Name:         name,
		Priority:     priority,
		BasePriority: priority,
		State:        StateUninitialized,
		StackSize:    stackSize,
		stack:        stack,
		entry:        entry,
		arg:          arg,
	}
	t.StateNode.Value = t
	t.EventNode.Value = t
	t.Context = h.StackInit(stackSize, name, entry, arg)
	return t
}

// TCBOf recovers the owning TCB from a StateNode or EventNode pointer.
func TCBOf(n *klist.Node) *TCB {
	t, _ := n.Value.(*TCB)
	return t
}

// AddHeldObject records that the task now owns obj (a mutex it just
// acquired for the first time; a recursive re-acquisition does not call
// it), and recomputes effective priority.
func (t *TCB) AddHeldObject(obj HeldSyncObject) {
	t.heldHead = &heldNode{obj: obj, next: t.heldHead}
	t.RecomputeEffectivePriority()
}

// RemoveHeldObject drops obj from the task's held-object list (called when
// a mutex is fully released, i.e. its recursion count reaches zero), and
// recomputes effective priority.
func (t *TCB) RemoveHeldObject(obj HeldSyncObject) {
	var prev *heldNode
	for n := t.heldHead; n != nil; n = n.next {
		if n.obj == obj {
			if prev == nil {
				t.heldHead = n.next
			} else {
				prev.next = n.next
			}
			break
		}
		prev = n
	}
	t.RecomputeEffectivePriority()
}

// RecomputeEffectivePriority sets Priority to the minimum (most urgent) of
// BasePriority and the highest waiter priority across every object the task
// currently holds, and returns it. This is the chained-inheritance step of
// spec.md §4.8: when task H blocks on a mutex owned by M, which is itself
// blocked on a mutex owned by L, the inheritance has to propagate through M
// to L.
func (t *TCB) RecomputeEffectivePriority() uint8 {
	best := t.BasePriority
	for n := t.heldHead; n != nil; n = n.next {
		if p := n.obj.HighestWaiterPriority(); p < best {
			best = p
		}
	}
	t.Priority = best
	return best
}

// Stack returns the task's backing stack memory, for check_stack_overflow
// and stack-usage accounting (spec.md §4.13). Index 0 is the low (guarded)
// end regardless of the target's actual stack growth direction; simhal's
// goroutine stacks don't really live here, so this is bookkeeping only, not
// the real execution stack.
func (t *TCB) Stack() []byte { return t.stack }

// CheckStackOverflow reports a *kerrors.StackOverflowError if the guard
// region at the low end of the task's stack has been overwritten
// (spec.md §4.13). The kernel calls this for the outgoing task on every
// task switch; the hosted simulation cannot actually detect genuine stack corruption
// (simhal's goroutines don't execute against t.stack), so this only
// verifies the bookkeeping region stays untouched by whoever manages it.
func (t *TCB) CheckStackOverflow() error {
	region := stackGuardRegion
	if region > len(t.stack) {
		region = len(t.stack)
	}
	for _, b := range t.stack[:region] {
		if b != StackGuardByte {
			return &kerrors.StackOverflowError{TaskName: t.Name, Cause: kerrors.ErrMemoryCorruption}
		}
	}
	return nil
}

// StackHighWaterMark returns how many bytes of the stack have been used: the
// stack size minus the run of bytes at the low end that still hold
// StackGuardByte (spec.md §4.13 stack-usage statistics). A freshly created
// task reports 0. It scans from the low end until it finds a byte that no
// longer matches StackGuardByte.
func (t *TCB) StackHighWaterMark() int {
	untouched := 0
	for _, b := range t.stack {
		if b != StackGuardByte {
			break
		}
		untouched++
	}
	return len(t.stack) - untouched
}
