package taskrunner

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	gotaskrunner "github.com/Swind/go-task-runner"
	"github.com/Swind/go-task-runner/core"
	"go.uber.org/zap"
)

var poolOnce sync.Once

// startPool brings up the shared worker pool behind every Loop. Loops only
// borrow a worker while one of their tasks runs, so the pool lives for the
// whole process.
func startPool() {
	poolOnce.Do(func() {
		gotaskrunner.InitGlobalThreadPool(max(2, runtime.GOMAXPROCS(0)))
	})
}

// Loop is a Runner backed by a sequenced task runner on the shared pool.
// Tasks posted before Run are held until Run starts.
type Loop struct {
	name   string
	logger *zap.Logger

	post        func(func(context.Context))
	postDelayed func(func(context.Context), time.Duration)

	mu      sync.Mutex
	held    []func()
	running bool
	stopped atomic.Bool
	pending atomic.Int64
}

// NewLoop creates a Loop.
func NewLoop(name string, logger *zap.Logger) *Loop {
	startPool()
	seq := gotaskrunner.CreateTaskRunner(core.DefaultTaskTraits())
	return &Loop{
		name:   name,
		logger: logger.With(zap.String("runner", name)),
		post: func(task func(context.Context)) {
			seq.PostTask(task)
		},
		postDelayed: func(task func(context.Context), delay time.Duration) {
			seq.PostDelayedTask(task, delay)
		},
	}
}

// Name returns the runner name.
func (l *Loop) Name() string { return l.name }

func (l *Loop) PostTask(task func()) bool {
	if l.stopped.Load() {
		return false
	}
	wrapped := l.sequenced(task)
	l.submit(func() { l.post(wrapped) })
	return true
}

func (l *Loop) PostDelayedTask(delay time.Duration, task func()) *Handle {
	h := &Handle{}
	if l.stopped.Load() {
		h.Cancel()
		return h
	}
	wrapped := l.sequenced(h.wrap(task))
	l.submit(func() { l.postDelayed(wrapped, delay) })
	return h
}

// submit hands a post to the sequence, or holds it until Run starts.
func (l *Loop) submit(post func()) {
	l.pending.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		l.held = append(l.held, post)
		return
	}
	post()
}

func (l *Loop) Now() time.Time { return time.Now() }

// sequenced adapts task to the sequence, dropping it once the loop stopped.
func (l *Loop) sequenced(task func()) func(context.Context) {
	return func(context.Context) {
		l.pending.Add(-1)
		if l.stopped.Load() {
			return
		}
		l.safeExecute(task)
	}
}

// Run releases held tasks and keeps the loop accepting work until ctx is
// cancelled. Queued tasks are dropped when Run returns and later posts are
// refused.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("task runner started")

	l.mu.Lock()
	l.running = true
	for _, post := range l.held {
		post()
	}
	l.held = nil
	l.mu.Unlock()

	<-ctx.Done()
	l.stopped.Store(true)
	l.logger.Debug("task runner stopped", zap.Int64("droppedTasks", l.pending.Load()))
	return ctx.Err()
}

// safeExecute runs a task, logging instead of losing the worker on panic.
func (l *Loop) safeExecute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}
