// Package hal defines the hardware-abstraction contract the kernel core
// consumes (spec.md §6). The core never depends on a concrete target:
// register layout, interrupt numbering, the assembly context-save/restore
// trampoline, and systick configuration are all someone else's problem,
// reached only through this interface.
//
// This package also defines the task entry-point and stack-context types
// the contract is expressed in terms of.
package hal

// TaskFunc is a task's entry point. It must not return in normal operation;
// if it does, the kernel routes it to a fatal "task exited" trampoline
// (spec.md §9, Stack-return-to-nowhere) rather than resuming whatever
// called Start.
type TaskFunc func(arg any)

// Context is an opaque per-task execution context returned by StackInit.
// The core never inspects it; it only ever hands it back to Switch/Start.
// A real target's Context would wrap a saved stack pointer; a hosted target
// (simhal) wraps whatever it needs to resume that task's goroutine.
type Context interface {
	// Name is used only for diagnostics (logging, panics); it is not part
	// of the scheduling contract.
	Name() string
}

// CritToken is returned by EnterCritical and must be passed back to the
// matching ExitCritical. Its contents are HAL-specific.
type CritToken any

// HAL is the contract spec.md §6 asks external, target-specific code to
// satisfy.
type HAL interface {
	// StackInit builds a task's initial execution context so that, the
	// first time it becomes current, it begins executing entry(arg). Not
	// the same operation as Start: StackInit merely prepares a task to be
	// scheduled; it does not run anything yet.
	StackInit(stackSize int, name string, entry TaskFunc, arg any) Context

	// Switch is the deferred-switch protocol of spec.md §4.6: the caller
	// (running as `outgoing`) hands off to `incoming`. On a real target this
	// asserts the deferred-switch interrupt pin and returns once `outgoing`
	// is current again; on simhal it parks the calling goroutine and wakes
	// the incoming task's goroutine. outgoing may be nil only when called
	// from a context that is not itself a task (kernel bring-up).
	Switch(outgoing, incoming Context)

	// StartFirstTask hands off to the very first task and does not return
	// until the kernel is stopped (spec.md §4.12: "this call never
	// returns" on a real target; the hosted simulation returns once its
	// Stop method is called so tests can make assertions afterward).
	StartFirstTask(incoming Context)

	// EnterCritical raises the interrupt-priority mask to the kernel
	// ceiling and returns a token for the matching ExitCritical.
	EnterCritical() CritToken

	// ExitCritical lowers the mask back down using the token EnterCritical
	// returned for this nesting level.
	ExitCritical(CritToken)

	// CLZ counts leading zeros, used by the scheduler for O(1)
	// highest-priority lookup over the ready bitmap (spec.md §4.5).
	CLZ(bitmap uint32) uint8

	// PutC writes one byte to the platform's output (UART, semihosting,
	// whatever); kprint is built on top of this.
	PutC(b byte)
}
