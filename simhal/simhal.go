// Package simhal is a hosted, goroutine-based reference implementation of
// hal.HAL. It exists so the kernel core is runnable and testable without
// real silicon (SPEC_FULL.md §C.1); it is deliberately not part of "the
// core" spec.md describes — the core never imports it, only the hal
// interface.
//
// Each task is one goroutine, parked on its own rendezvous channel. Exactly
// one task goroutine is ever unblocked at a time: Switch hands a single
// baton from the outgoing task's channel to the incoming task's channel, so
// the hosted simulation preserves the single-core, one-task-running
// invariant (spec.md §5) Go's own runtime doesn't otherwise give you for
// free. A task that returns from its entry point lands on a "task exited"
// trampoline like the one spec.md §9 describes for a real target: by
// default it panics; with WithTaskExitHook it calls the hook and then parks
// the goroutine forever, so there is no busy spin.
package simhal

import (
	"math/bits"
	"os"
	"sync"

	"github.com/ThbzZxx/zkRTOS/hal"
)

// taskContext is the Context a real target's saved stack pointer would be;
// here it is a rendezvous channel plus bookkeeping for diagnostics.
type taskContext struct {
	name   string
	resume chan struct{}
	done   chan struct{}
}

func (c *taskContext) Name() string { return c.name }

// Option configures a HAL at construction, in the functional-options shape
// eventloop.LoopOption uses.
type Option interface{ apply(*HAL) }

type optionFunc func(*HAL)

func (f optionFunc) apply(h *HAL) { f(h) }

// WithPutC overrides the byte sink used by PutC. The default writes to
// os.Stdout.
func WithPutC(fn func(byte)) Option {
	return optionFunc(func(h *HAL) { h.putc = fn })
}

// WithTaskExitHook registers a callback invoked when a task function
// returns — the "task exited" trampoline of spec.md §9 — instead of the
// default, which panics (a returning task is always a programming error).
func WithTaskExitHook(fn func(hal.Context)) Option {
	return optionFunc(func(h *HAL) { h.onTaskExit = fn })
}

// HAL is the simulated hardware abstraction.
type HAL struct {
	mu      sync.Mutex
	nesting int

	stopOnce sync.Once
	stopCh   chan struct{}

	putc       func(byte)
	onTaskExit func(hal.Context)
}

// New creates a simulated HAL.
func New(opts ...Option) *HAL {
	h := &HAL{stopCh: make(chan struct{})}
	for _, o := range opts {
		if o != nil {
			o.apply(h)
		}
	}
	return h
}

// Stop releases StartFirstTask's caller. A real target's equivalent call
// never returns; the hosted simulation must, so tests can make assertions
// once they are done driving ticks.
func (h *HAL) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// StackInit starts the task's goroutine, parked until it is first switched
// in. stackSize is accepted for interface parity with a real target but
// unused: goroutine stacks grow on demand.
func (h *HAL) StackInit(stackSize int, name string, entry hal.TaskFunc, arg any) hal.Context {
	_ = stackSize
	ctx := &taskContext{name: name, resume: make(chan struct{}), done: make(chan struct{})}
	go func() {
		<-ctx.resume
		entry(arg)
		close(ctx.done)
		if h.onTaskExit != nil {
			h.onTaskExit(ctx)
		} else {
			panic("simhal: task " + ctx.name + " returned from its entry point")
		}
		// Preserve the "lands in a sentinel that spins forever" contract
		// without actually spinning: park the goroutine for good.
		<-ctx.resume
	}()
	return ctx
}

// Switch hands the baton from outgoing to incoming, parking outgoing (if it
// is a real, distinct task) until some later Switch call hands the baton
// back to it.
func (h *HAL) Switch(outgoing, incoming hal.Context) {
	if incoming != nil {
		ic := incoming.(*taskContext)
		ic.resume <- struct{}{}
	}
	if outgoing != nil && outgoing != incoming {
		oc := outgoing.(*taskContext)
		<-oc.resume
	}
}

// StartFirstTask hands off to the first task and blocks until Stop is
// called.
func (h *HAL) StartFirstTask(incoming hal.Context) {
	ic := incoming.(*taskContext)
	ic.resume <- struct{}{}
	<-h.stopCh
}

// EnterCritical/ExitCritical raise and lower the kernel's single mutex.
// Reentrancy across nested scheduler-internal calls within one critical
// section is the caller's responsibility (an exported kernel API method
// enters once; the unexported helpers it calls assume the lock is already
// held) — simhal itself only ever sees one Enter/Exit pair per top-level
// kernel call, unlike a real target's interrupt-mask nesting counter, which
// must tolerate being entered from arbitrary nested ISRs.
func (h *HAL) EnterCritical() hal.CritToken {
	h.mu.Lock()
	h.nesting++
	return struct{}{}
}

func (h *HAL) ExitCritical(hal.CritToken) {
	h.nesting--
	h.mu.Unlock()
}

// CLZ counts leading zeros for the scheduler's O(1) priority lookup.
func (h *HAL) CLZ(bitmap uint32) uint8 {
	return uint8(bits.LeadingZeros32(bitmap))
}

// PutC writes one byte to the configured sink, defaulting to os.Stdout.
func (h *HAL) PutC(b byte) {
	if h.putc != nil {
		h.putc(b)
		return
	}
	_, _ = os.Stdout.Write([]byte{b})
}

var _ hal.HAL = (*HAL)(nil)
