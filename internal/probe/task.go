package probe

import (
	"fmt"
	"time"
)

// Task is one simulated renderer.
type Task struct {
	ClientID int32
	Preempts bool
	// LoseContext makes the renderer issue a lose-context command in its
	// first flush.
	LoseContext bool
}

func (t Task) String() string {
	return fmt.Sprintf("client %d", t.ClientID)
}

type TaskResult struct {
	Task      Task
	Success   bool
	Lost      bool
	Flushes   int
	Latencies []time.Duration
	Error     error
}

// Tasks returns n renderers with consecutive client ids starting at first.
// The first renderer preempts when preempt is set.
func Tasks(first int32, n int, preempt bool) []Task {
	tasks := make([]Task, n)
	for i := range tasks {
		tasks[i] = Task{ClientID: first + int32(i), Preempts: preempt && i == 0}
	}
	return tasks
}
