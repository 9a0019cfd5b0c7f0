package taskrunner

import (
	"container/heap"
	"sync"
	"time"
)

// maxDrain bounds RunUntilIdle so a task that keeps re-posting itself cannot
// spin forever.
const maxDrain = 1000

// Manual is a Runner driven explicitly by its owner with a virtual clock.
// It is used to test timing logic deterministically.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	queue  []func()
	timers timerHeap
	seq    uint64
}

// NewManual creates a Manual whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) PostTask(task func()) bool {
	m.mu.Lock()
	m.queue = append(m.queue, task)
	m.mu.Unlock()
	return true
}

func (m *Manual) PostDelayedTask(delay time.Duration, task func()) *Handle {
	h := &Handle{}
	m.mu.Lock()
	m.seq++
	heap.Push(&m.timers, timer{when: m.now.Add(delay), seq: m.seq, task: h.wrap(task)})
	m.mu.Unlock()
	return h
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Pending returns the number of runnable tasks.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// RunPending runs the tasks that were runnable when it was called. Tasks they
// post wait for the next call. It returns the number of tasks run.
func (m *Manual) RunPending() int {
	m.mu.Lock()
	m.queue = m.timers.popDue(m.now, m.queue)
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, task := range batch {
		task()
	}
	return len(batch)
}

// RunUntilIdle runs tasks, including ones they post, until none are runnable
// at the current time or maxDrain tasks have run.
func (m *Manual) RunUntilIdle() int {
	ran := 0
	for ran < maxDrain {
		task, ok := m.pop()
		if !ok {
			break
		}
		task()
		ran++
	}
	return ran
}

func (m *Manual) pop() (func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = m.timers.popDue(m.now, m.queue)
	if len(m.queue) == 0 {
		return nil, false
	}
	task := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return task, true
}

// Advance moves the clock forward by d, stopping at every timer deadline on
// the way to run what became due.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	m.RunUntilIdle()
	for {
		m.mu.Lock()
		if m.timers.Len() == 0 || m.timers[0].when.After(target) {
			m.now = target
			m.mu.Unlock()
			break
		}
		if m.timers[0].when.After(m.now) {
			m.now = m.timers[0].when
		}
		m.mu.Unlock()
		m.RunUntilIdle()
	}
	m.RunUntilIdle()
}
