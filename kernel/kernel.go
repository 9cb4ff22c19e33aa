// Package kernel ties every subsystem package into one object (spec.md
// §4.12): heap, scheduler, hook registry, timer manager, and an optional
// structured logger, all behind a single *Kernel value rather than the
// package-level globals the Design Notes flag as a concern (SPEC_FULL.md
// §C.2). Every kernel test, and in principle every board, gets its own
// *Kernel instance instead of sharing mutable package state.
package kernel

import (
	"context"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/ThbzZxx/zkRTOS/hal"
	"github.com/ThbzZxx/zkRTOS/kerrors"
	"github.com/ThbzZxx/zkRTOS/khook"
	"github.com/ThbzZxx/zkRTOS/kheap"
	"github.com/ThbzZxx/zkRTOS/kmutex"
	"github.com/ThbzZxx/zkRTOS/kqueue"
	"github.com/ThbzZxx/zkRTOS/kscheduler"
	"github.com/ThbzZxx/zkRTOS/ksem"
	"github.com/ThbzZxx/zkRTOS/ktask"
	"github.com/ThbzZxx/zkRTOS/ktime"
	"github.com/ThbzZxx/zkRTOS/ktimer"
)

// Kernel owns every subsystem bring-up creates (spec.md §4.12's heap,
// scheduler, timer manager — the mutex/queue/semaphore "pool init" steps
// collapse to no-ops here, see DESIGN.md) plus the hook registry and
// optional logger that wire them together.
type Kernel struct {
	hal hal.HAL
	cfg *config

	clock  *ktime.Clock
	heap   *kheap.Heap
	sched  *kscheduler.Scheduler
	hooks  *khook.Registry
	timers *ktimer.Manager
	log    *logiface.Logger[*stumpy.Event]

	idle *ktask.TCB
}

// New builds a Kernel over h: a heap, a scheduler, a hook registry, a timer
// manager, and an idle task at the least urgent priority level, wired
// together per SPEC_FULL.md §C.2. It does not start the scheduler; call
// Start for that.
func New(h hal.HAL, opts ...Option) (*Kernel, error) {
	if h == nil {
		return nil, kerrors.ErrInvalidParameter
	}
	cfg := resolveOptions(opts)

	clock := &ktime.Clock{}
	sched, err := kscheduler.New(h, clock, cfg.priorityLevels)
	if err != nil {
		return nil, err
	}
	sched.SetTimeSlice(cfg.timeSliceTicks)

	k := &Kernel{
		hal:    h,
		cfg:    cfg,
		clock:  clock,
		heap:   kheap.New(cfg.heapSize, cfg.alignment),
		sched:  sched,
		hooks:  khook.New(),
		timers: ktimer.NewManager(),
		log:    cfg.logger,
	}

	k.heap.OnAllocFail = k.onAllocFail
	sched.OnIdle = k.hooks.Idle
	sched.OnTaskSwitch = k.onTaskSwitch

	idle := ktask.New(h, "idle", cfg.priorityLevels-1, cfg.idleStackSize, k.idleLoop, nil)
	sched.SetIdleTask(idle)
	k.idle = idle

	return k, nil
}

// idleLoop is the idle task's body: it has nothing of its own to do, so it
// just keeps surrendering the CPU. Tick's OnIdle hook (wired to
// k.hooks.Idle) is what actually runs user idle-hook logic; this loop exists
// only so the scheduler always has a fallback task to select.
func (k *Kernel) idleLoop(arg any) {
	for {
		k.sched.Yield()
	}
}

func (k *Kernel) onAllocFail(size int) {
	k.hooks.MallocFailed(size)
	if k.log != nil {
		k.log.Warning().Int64("requested_bytes", int64(size)).Log("heap allocation failed")
	}
}

func (k *Kernel) onTaskSwitch(from, to *ktask.TCB) {
	if from != nil {
		if err := from.CheckStackOverflow(); err != nil {
			k.hooks.StackOverflow(from)
			if k.log != nil {
				k.log.Err().Str("task", from.Name).Err(err).Log("stack overflow detected")
			}
		}
	}
	k.hooks.TaskSwitch(from, to)
}

// Scheduler returns the kernel's scheduler, for sync primitives
// (ksem/kmutex/kqueue) that need it as their first argument.
func (k *Kernel) Scheduler() *kscheduler.Scheduler { return k.sched }

// Heap returns the kernel's allocator.
func (k *Kernel) Heap() *kheap.Heap { return k.heap }

// Hooks returns the kernel's hook registry, the single place user code
// registers idle/tick/task-switch/stack-overflow/malloc-failed callbacks.
func (k *Kernel) Hooks() *khook.Registry { return k.hooks }

// Timers returns the kernel's software timer manager.
func (k *Kernel) Timers() *ktimer.Manager { return k.timers }

// Clock returns the kernel's tick clock.
func (k *Kernel) Clock() *ktime.Clock { return k.clock }

// CreateTask builds and readies a new task at the given priority. name is
// truncated to ktask.MaxNameLen; priority must be below the kernel's
// configured priority-level count.
func (k *Kernel) CreateTask(name string, priority uint8, stackSize int, entry hal.TaskFunc, arg any) (*ktask.TCB, error) {
	if priority >= k.cfg.priorityLevels || stackSize <= 0 || entry == nil {
		return nil, kerrors.ErrInvalidParameter
	}
	t := ktask.New(k.hal, name, priority, stackSize, entry, arg)
	k.sched.MakeReady(t)
	if k.log != nil {
		k.log.Info().Str("task", t.Name).Int64("priority", int64(priority)).Log("task created")
	}
	return t, nil
}

// CreateSemaphore builds a counting semaphore (spec.md §4.7). Sync
// primitives are not pool-allocated in this rendition (see DESIGN.md): each
// is a plain Go allocation via its own package's New.
func (k *Kernel) CreateSemaphore(initial, max uint32) (*ksem.Semaphore, error) {
	return ksem.New(initial, max)
}

// CreateMutex builds a recursive, priority-inheriting mutex (spec.md §4.8),
// wiring its boost/restore hooks to the kernel's optional logger.
func (k *Kernel) CreateMutex() *kmutex.Mutex {
	m := kmutex.New()
	if k.log != nil {
		m.OnBoost = func(owner *ktask.TCB, newPriority uint8) {
			k.log.Debug().Str("task", owner.Name).Int64("priority", int64(newPriority)).Log("priority inheritance boost")
		}
		m.OnRestore = func(owner *ktask.TCB, restored uint8) {
			k.log.Debug().Str("task", owner.Name).Int64("priority", int64(restored)).Log("priority inheritance restore")
		}
	}
	return m
}

// CreateQueue builds a bounded message queue (spec.md §4.9).
func (k *Kernel) CreateQueue(elementSize, capacity int) (*kqueue.Queue, error) {
	return kqueue.New(elementSize, capacity)
}

// CreateTimer builds a stopped software timer (spec.md §4.11); it is not
// added to the timer manager until the caller passes it to Timers().Start.
// When the kernel has a logger, callback is wrapped so expiry is logged at
// debug level without the manager itself needing to know about logging.
func (k *Kernel) CreateTimer(name string, mode ktimer.Mode, interval uint32, callback func(arg any), arg any) (*ktimer.Timer, error) {
	if k.log != nil {
		original := callback
		callback = func(a any) {
			k.log.Debug().Str("timer", name).Log("timer expired")
			original(a)
		}
	}
	return ktimer.New(mode, interval, callback, arg)
}

// Tick drives one kernel tick: scheduler bookkeeping (wake delayed/timed-out
// tasks, account the round-robin slice), the user tick hook, then the timer
// manager's expiry sweep, in that order (spec.md §4.12 data flow: "the tick
// interrupt drives the scheduler and the timer service").
func (k *Kernel) Tick() {
	k.sched.Tick()
	k.hooks.Tick()
	k.timers.Tick(k.clock.Now())
}

// Start hands off to the first task (spec.md §4.12's start_scheduler): the
// highest-priority ready task, or the idle task if none is ready. Like
// kscheduler.Scheduler.Start and hal.HAL.StartFirstTask, this call does not
// return on a real target. ctx is consulted only before handing off — there
// is no task-to-task cancellation vector in this kernel (spec.md §5), so ctx
// is never threaded into any suspension point; it exists solely so a caller
// can avoid starting a kernel whose context is already done.
func (k *Kernel) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if k.log != nil {
		k.log.Info().Log("kernel starting")
	}
	k.sched.Start()
	return nil
}
