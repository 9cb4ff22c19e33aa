package kscheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ThbzZxx/zkRTOS/klist"
	"github.com/ThbzZxx/zkRTOS/kscheduler"
	"github.com/ThbzZxx/zkRTOS/ktask"
	"github.com/ThbzZxx/zkRTOS/ktime"
	"github.com/ThbzZxx/zkRTOS/simhal"
)

func newTestScheduler(t *testing.T, priorityLevels uint8) (*kscheduler.Scheduler, *simhal.HAL, *ktime.Clock) {
	t.Helper()
	h := simhal.New()
	clock := &ktime.Clock{}
	s, err := kscheduler.New(h, clock, priorityLevels)
	require.NoError(t, err)
	return s, h, clock
}

func spawn(h *simhal.HAL, name string, prio uint8, body func()) *ktask.TCB {
	return ktask.New(h, name, prio, 4096, func(arg any) { body() }, nil)
}

// recv waits up to 2s for a signal, failing the test on timeout instead of
// hanging forever if a scheduling decision doesn't happen as expected.
func recv(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task signal")
		return ""
	}
}

func TestSchedule_PicksHighestPriority(t *testing.T) {
	s, h, _ := newTestScheduler(t, 8)
	order := make(chan string, 4)

	low := spawn(h, "low", 5, func() { order <- "low"; select {} })
	high := spawn(h, "high", 1, func() { order <- "high"; select {} })

	s.MakeReady(low)
	s.MakeReady(high)

	go s.Start()
	require.Equal(t, "high", recv(t, order))
	require.Same(t, high, s.Current())
	h.Stop()
}

func TestDelay_RemovesFromReadyUntilWoken(t *testing.T) {
	s, h, _ := newTestScheduler(t, 8)
	order := make(chan string, 4)

	var a *ktask.TCB
	a = spawn(h, "a", 3, func() {
		order <- "a-running"
		select {}
	})
	s.MakeReady(a)

	go s.Start()
	require.Equal(t, "a-running", recv(t, order))
	require.Equal(t, ktask.StateRunning, a.State)

	s.Delay(a, 3)
	require.Equal(t, ktask.StateDelayed, a.State)

	for i := 0; i < 2; i++ {
		s.Tick()
		require.Equal(t, ktask.StateDelayed, a.State)
	}
	s.Tick()
	require.Equal(t, ktask.StateReady, a.State)
	h.Stop()
}

func TestBlockUnblock_Timeout(t *testing.T) {
	s, h, _ := newTestScheduler(t, 8)
	waiters := klist.New()
	order := make(chan string, 4)

	var a *ktask.TCB
	a = spawn(h, "a", 2, func() {
		order <- "a-running"
		select {}
	})
	s.MakeReady(a)

	go s.Start()
	require.Equal(t, "a-running", recv(t, order))

	s.Block(a, waiters, 2)
	require.Equal(t, ktask.StateBlockedTimeout, a.State)

	s.Tick()
	require.Equal(t, ktask.StateBlockedTimeout, a.State)
	s.Tick()
	require.Equal(t, ktask.StateReady, a.State)
	require.True(t, a.TimedOut)
	h.Stop()
}

func TestSuspendResume(t *testing.T) {
	s, h, _ := newTestScheduler(t, 8)
	order := make(chan string, 4)

	var a *ktask.TCB
	a = spawn(h, "a", 2, func() {
		order <- "a-running"
		select {}
	})
	idle := spawn(h, "idle", 7, func() { select {} })
	s.SetIdleTask(idle)
	s.MakeReady(a)

	go s.Start()
	require.Equal(t, "a-running", recv(t, order))

	s.Suspend(a)
	require.Equal(t, ktask.StateSuspended, a.State)

	s.Resume(a)
	require.Equal(t, ktask.StateReady, a.State)
	h.Stop()
}

func TestSuspendScheduler_DefersReschedule(t *testing.T) {
	s, h, _ := newTestScheduler(t, 8)
	order := make(chan string, 4)

	var high *ktask.TCB
	low := spawn(h, "low", 7, func() {
		order <- "low-start"

		// SuspendScheduler/ResumeScheduler bracket a multi-step operation
		// (here: creating and readying a higher-priority task) that must
		// not be preempted partway through — the reschedule the new
		// task's readiness would otherwise trigger is deferred until
		// ResumeScheduler, which is where the actual switch-away happens.
		s.SuspendScheduler()
		high = spawn(h, "high", 1, func() { order <- "high-running"; select {} })
		s.MakeReady(high)
		order <- "low-before-resume"
		s.ResumeScheduler()

		select {}
	})

	s.MakeReady(low)
	go s.Start()
	require.Equal(t, "low-start", recv(t, order))
	require.Same(t, low, s.Current())

	require.Equal(t, "low-before-resume", recv(t, order))
	require.Same(t, low, s.Current(), "reschedule must be deferred while scheduler is suspended")

	require.Equal(t, "high-running", recv(t, order))
	require.Same(t, high, s.Current())
	h.Stop()
}
