// Package khook is the kernel's hook registry (spec.md §4.10): five
// optional callbacks — idle, tick, task-switch, stack-overflow, and
// malloc-failed — registered and unregistered under a lock, and invoked
// through nil-checked accessors at the callsites spec.md §4 names. One
// Registry lives per Kernel, rather than the package-level global
// eventloop's logging.go uses for its one logger pointer (SPEC_FULL.md
// §C.2 resolves the Design Notes' global-state concern the same way for
// every kernel subsystem).
package khook

import (
	"sync"

	"github.com/ThbzZxx/zkRTOS/ktask"
)

// Registry holds the kernel's five optional hooks. The zero value (via New)
// has all hooks unset; invoking an unset hook is a no-op.
type Registry struct {
	mu sync.RWMutex

	idle          func()
	tick          func()
	taskSwitch    func(from, to *ktask.TCB)
	stackOverflow func(t *ktask.TCB)
	mallocFailed  func(size int)
}

// New returns an empty Registry.
func New() *Registry { return &Registry{} }

// SetIdle registers the idle hook. The kernel calls it from
// kscheduler.Scheduler.Tick, with the scheduler's critical section held, on
// ticks where the idle task is current and no reschedule is pending; the
// idle task's own loop does not call it.
func (r *Registry) SetIdle(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idle = fn
}

// SetTick registers the tick hook, called once per tick outside the
// scheduler's critical section.
func (r *Registry) SetTick(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tick = fn
}

// SetTaskSwitch registers the task-switch hook, called with the outgoing and
// incoming tasks whenever Schedule actually changes which task is current.
func (r *Registry) SetTaskSwitch(fn func(from, to *ktask.TCB)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taskSwitch = fn
}

// SetStackOverflow registers the stack-overflow hook, called with the task
// whose guard region CheckStackOverflow found corrupted.
func (r *Registry) SetStackOverflow(fn func(t *ktask.TCB)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stackOverflow = fn
}

// SetMallocFailed registers the malloc-failed hook, called with the
// requested size whenever kheap.Heap.Alloc cannot satisfy a request.
func (r *Registry) SetMallocFailed(fn func(size int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mallocFailed = fn
}

// Idle invokes the idle hook, if registered.
func (r *Registry) Idle() {
	r.mu.RLock()
	fn := r.idle
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Tick invokes the tick hook, if registered.
func (r *Registry) Tick() {
	r.mu.RLock()
	fn := r.tick
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// TaskSwitch invokes the task-switch hook, if registered.
func (r *Registry) TaskSwitch(from, to *ktask.TCB) {
	r.mu.RLock()
	fn := r.taskSwitch
	r.mu.RUnlock()
	if fn != nil {
		fn(from, to)
	}
}

// StackOverflow invokes the stack-overflow hook, if registered.
func (r *Registry) StackOverflow(t *ktask.TCB) {
	r.mu.RLock()
	fn := r.stackOverflow
	r.mu.RUnlock()
	if fn != nil {
		fn(t)
	}
}

// MallocFailed invokes the malloc-failed hook, if registered.
func (r *Registry) MallocFailed(size int) {
	r.mu.RLock()
	fn := r.mallocFailed
	r.mu.RUnlock()
	if fn != nil {
		fn(size)
	}
}
