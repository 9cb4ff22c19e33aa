// Package kqueue implements bounded message queues (spec.md §4.9): a fixed
// capacity ring of fixed-size elements, a reader waiter list and a writer
// waiter list, each priority-sorted, with blocking writes and reads that
// hand off directly to the task the wake was meant for.
package kqueue

import (
	"github.com/ThbzZxx/zkRTOS/kerrors"
	"github.com/ThbzZxx/zkRTOS/klist"
	"github.com/ThbzZxx/zkRTOS/kscheduler"
	"github.com/ThbzZxx/zkRTOS/ktask"
	"github.com/ThbzZxx/zkRTOS/ktime"
)

// Queue is a bounded ring buffer of fixed-size elements. Fullness is
// tracked with a separate used counter rather than sacrificing a slot
// (spec.md §9 Open Question, option a): read_index == write_index is
// ambiguous on its own, but used == capacity is not.
type Queue struct {
	elementSize int
	capacity    int
	buf         []byte
	readIndex   int
	writeIndex  int
	used        int

	readWaiters  *klist.List
	writeWaiters *klist.List
}

// New creates an empty Queue holding up to capacity elements of elementSize
// bytes each.
func New(elementSize, capacity int) (*Queue, error) {
	if elementSize <= 0 || capacity <= 0 {
		return nil, kerrors.ErrInvalidParameter
	}
	return &Queue{
		elementSize:  elementSize,
		capacity:     capacity,
		buf:          make([]byte, elementSize*capacity),
		readWaiters:  klist.New(),
		writeWaiters: klist.New(),
	}, nil
}

// Len returns the number of elements currently queued, useful only for
// diagnostics: a concurrent Write/Read may change it before the caller acts
// on the value.
func (q *Queue) Len(sched *kscheduler.Scheduler) int {
	tok := sched.EnterCritical()
	defer sched.ExitCritical(tok)
	return q.used
}

// slot returns the byte range backing logical index i.
func (q *Queue) slot(i int) []byte {
	off := i * q.elementSize
	return q.buf[off : off+q.elementSize]
}

// enqueue copies data into the next free slot and wakes the highest-priority
// reader, if any. Called with the critical section already held.
func (q *Queue) enqueue(sched *kscheduler.Scheduler, data []byte) (woken *ktask.TCB) {
	copy(q.slot(q.writeIndex), data)
	q.writeIndex = (q.writeIndex + 1) % q.capacity
	q.used++
	if front := q.readWaiters.Front(); front != nil {
		woken = ktask.TCBOf(front)
		sched.Unblock(woken)
	}
	return woken
}

// dequeue copies the oldest element into buf and wakes the highest-priority
// writer, if any. Called with the critical section already held.
func (q *Queue) dequeue(sched *kscheduler.Scheduler, buf []byte) (woken *ktask.TCB) {
	copy(buf, q.slot(q.readIndex))
	q.readIndex = (q.readIndex + 1) % q.capacity
	q.used--
	if front := q.writeWaiters.Front(); front != nil {
		woken = ktask.TCBOf(front)
		sched.Unblock(woken)
	}
	return woken
}

// Write copies data (at most elementSize bytes) into the queue, blocking up
// to timeout ticks if it is full. A timeout of ktime.Forever waits
// indefinitely; 0 polls.
func (q *Queue) Write(sched *kscheduler.Scheduler, data []byte, timeout uint32) error {
	if len(data) > q.elementSize {
		return kerrors.ErrQueueSizeMismatch
	}
	if !ktime.AcceptableTimeout(timeout) {
		return kerrors.ErrInvalidParameter
	}

	tok := sched.EnterCritical()
	if q.used < q.capacity {
		woken := q.enqueue(sched, data)
		sched.ExitCritical(tok)
		if woken != nil {
			sched.Schedule()
		}
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
	sched.Block(current, q.writeWaiters, timeout)
	sched.ExitCritical(tok)
	sched.Schedule()

	tok2 := sched.EnterCritical()
	defer sched.ExitCritical(tok2)
	if current.TimedOut {
		current.TimedOut = false
		return kerrors.ErrTimeout
	}
	// The reader that freed this slot woke exactly us for it; nothing else
	// could have claimed it in between (every claim runs under the critical
	// section this goroutine now holds).
	q.enqueue(sched, data)
	return nil
}

// Read copies the oldest element into buf (which must be at least
// elementSize bytes), blocking up to timeout ticks if the queue is empty. A
// timeout of ktime.Forever waits indefinitely; 0 polls.
func (q *Queue) Read(sched *kscheduler.Scheduler, buf []byte, timeout uint32) error {
	if len(buf) < q.elementSize {
		return kerrors.ErrQueueSizeMismatch
	}
	if !ktime.AcceptableTimeout(timeout) {
		return kerrors.ErrInvalidParameter
	}

	tok := sched.EnterCritical()
	if q.used > 0 {
		woken := q.dequeue(sched, buf)
		sched.ExitCritical(tok)
		if woken != nil {
			sched.Schedule()
		}
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
	sched.Block(current, q.readWaiters, timeout)
	sched.ExitCritical(tok)
	sched.Schedule()

	tok2 := sched.EnterCritical()
	defer sched.ExitCritical(tok2)
	if current.TimedOut {
		current.TimedOut = false
		return kerrors.ErrTimeout
	}
	q.dequeue(sched, buf)
	return nil
}

// Destroy fails if either waiter list is non-empty or the queue still holds
// unread elements; otherwise it releases the backing buffer.
func (q *Queue) Destroy(sched *kscheduler.Scheduler) error {
	tok := sched.EnterCritical()
	defer sched.ExitCritical(tok)
	if q.used != 0 || q.readWaiters.Front() != nil || q.writeWaiters.Front() != nil {
		return kerrors.ErrInvalidState
	}
	q.buf = nil
	return nil
}
