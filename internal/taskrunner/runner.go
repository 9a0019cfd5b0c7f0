// Package taskrunner provides sequenced task runners. Tasks posted to one
// runner never run concurrently, so state owned by a runner needs no locks.
package taskrunner

import (
	"container/heap"
	"context"
	"sync/atomic"
	"time"
)

// Runner executes posted tasks one at a time in posting order. Delayed tasks
// run once their delay has elapsed, after tasks already queued.
type Runner interface {
	// PostTask queues task. It returns false if the runner has stopped.
	PostTask(task func()) bool
	// PostDelayedTask queues task to run after delay. The returned handle
	// cancels it.
	PostDelayedTask(delay time.Duration, task func()) *Handle
	// Now returns the runner's clock.
	Now() time.Time
}

const (
	handlePending int32 = iota
	handleCancelled
	handleRan
)

// Handle refers to a delayed task.
type Handle struct {
	state atomic.Int32
}

// Cancel prevents the task from running. It reports whether the task was
// still pending. Cancel on a nil handle is a no-op.
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	return h.state.CompareAndSwap(handlePending, handleCancelled)
}

// Pending reports whether the task has neither run nor been cancelled.
func (h *Handle) Pending() bool {
	return h != nil && h.state.Load() == handlePending
}

// claim marks the task as running. It returns false if it was cancelled.
func (h *Handle) claim() bool {
	return h.state.CompareAndSwap(handlePending, handleRan)
}

func (h *Handle) wrap(task func()) func() {
	return func() {
		if h.claim() {
			task()
		}
	}
}

// PostAndWait runs fn on r and blocks until it has finished or ctx is done.
func PostAndWait(ctx context.Context, r Runner, fn func()) error {
	done := make(chan struct{})
	if !r.PostTask(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// timer is a delayed task waiting in a timerHeap.
type timer struct {
	when time.Time
	seq  uint64
	task func()
}

// timerHeap is a min-heap of timers ordered by deadline then posting order.
type timerHeap []timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = timer{}
	*h = old[:n-1]
	return x
}

// popDue moves every timer due at now onto queue.
func (h *timerHeap) popDue(now time.Time, queue []func()) []func() {
	for h.Len() > 0 && !(*h)[0].when.After(now) {
		t := heap.Pop(h).(timer)
		queue = append(queue, t.task)
	}
	return queue
}
