package kernel

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"

	"github.com/ThbzZxx/zkRTOS/kscheduler"
)

// config holds kernel construction options, in the shape of
// eventloop.loopOptions: an unexported struct seeded with defaults by
// resolveOptions, then mutated by each Option in order.
type config struct {
	priorityLevels uint8
	alignment      uint32
	heapSize       int
	idleStackSize  int
	timeSliceTicks uint8

	// semPoolSize, mutexPoolSize, queuePoolSize, timerPoolSize are accepted
	// for parity with spec.md §6's configuration list but otherwise unused:
	// ksem, kmutex, kqueue and ktimer objects are allocated on demand via
	// their own New functions rather than drawn from a fixed-capacity pool
	// (see DESIGN.md).
	semPoolSize   int
	mutexPoolSize int
	queuePoolSize int
	timerPoolSize int

	logger *logiface.Logger[*stumpy.Event]
}

// Option configures a Kernel at construction.
type Option interface{ apply(*config) }

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithPriorityLevels sets the number of ready-queue priority levels (spec.md
// §6; must be one of {8,16,32} in this uint32-bitmap scheduler). Default 32.
func WithPriorityLevels(n uint8) Option {
	return optionFunc(func(c *config) { c.priorityLevels = n })
}

// WithAlignment sets the heap allocator's block alignment, A ∈ {4,8}.
// Default 8.
func WithAlignment(a uint32) Option {
	return optionFunc(func(c *config) { c.alignment = a })
}

// WithHeapSize sets the size in bytes of the heap's backing arena.
func WithHeapSize(n int) Option {
	return optionFunc(func(c *config) { c.heapSize = n })
}

// WithIdleStackSize sets the idle task's stack size in bytes.
func WithIdleStackSize(n int) Option {
	return optionFunc(func(c *config) { c.idleStackSize = n })
}

// WithRoundRobinSlice sets the round-robin quantum shared by same-priority
// tasks (spec.md §8 scenario 2), wired through to
// kscheduler.Scheduler.SetTimeSlice.
func WithRoundRobinSlice(ticks uint8) Option {
	return optionFunc(func(c *config) { c.timeSliceTicks = ticks })
}

// WithSemaphorePoolSize accepts spec.md §6's semaphore pool size. A no-op in
// this Go rendition (see DESIGN.md); kept so every item in the configuration
// list has a corresponding Option.
func WithSemaphorePoolSize(n int) Option {
	return optionFunc(func(c *config) { c.semPoolSize = n })
}

// WithMutexPoolSize accepts spec.md §6's mutex pool size. A no-op, see
// WithSemaphorePoolSize.
func WithMutexPoolSize(n int) Option {
	return optionFunc(func(c *config) { c.mutexPoolSize = n })
}

// WithQueuePoolSize accepts spec.md §6's queue pool size. A no-op, see
// WithSemaphorePoolSize.
func WithQueuePoolSize(n int) Option {
	return optionFunc(func(c *config) { c.queuePoolSize = n })
}

// WithTimerPoolSize accepts spec.md §6's timer pool size. A no-op, see
// WithSemaphorePoolSize.
func WithTimerPoolSize(n int) Option {
	return optionFunc(func(c *config) { c.timerPoolSize = n })
}

// WithLogger attaches an optional structured logger (SPEC_FULL.md §A.2). A
// nil Kernel logger (the default) makes every log call site a no-op.
func WithLogger(l *logiface.Logger[*stumpy.Event]) Option {
	return optionFunc(func(c *config) { c.logger = l })
}

// resolveOptions seeds config with defaults and applies each Option in
// order, skipping nils, mirroring eventloop.resolveLoopOptions.
func resolveOptions(opts []Option) *config {
	c := &config{
		priorityLevels: kscheduler.MaxPriorityLevels,
		alignment:      8,
		heapSize:       64 * 1024,
		idleStackSize:  1024,
		timeSliceTicks: kscheduler.TimeSliceTicks,
	}
	for _, o := range opts {
		if o == nil {
			continue
		}
		o.apply(c)
	}
	return c
}
