// Package probe drives a GPU process with simulated renderers and reports
// how long token waits take.
package probe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/client"
	"github.com/dgnsrekt/gpuchannel/internal/ipc"
)

type Config struct {
	Subprotocol       string
	CompressThreshold int
	Workers           int
	Flushes           int
	CommandsPerFlush  int

	// SiblingWait makes each renderer create a second command buffer that
	// waits on the first one's final sync point.
	SiblingWait bool

	Width, Height int32
}

type Runner struct {
	control client.Control
	cfg     Config
	logger  *zap.Logger
}

type BatchResult struct {
	Total   int
	Success int
	Lost    int
	Failed  int
	Errors  []string

	Waits       int
	MinLatency  time.Duration
	MeanLatency time.Duration
	P95Latency  time.Duration
	MaxLatency  time.Duration
}

func NewRunner(control client.Control, cfg Config, logger *zap.Logger) *Runner {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.CommandsPerFlush < 1 {
		cfg.CommandsPerFlush = 1
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		cfg.Width, cfg.Height = 64, 64
	}
	return &Runner{control: control, cfg: cfg, logger: logger}
}

func (r *Runner) Execute(ctx context.Context, tasks []Task) (*BatchResult, error) {
	result := &BatchResult{Total: len(tasks)}

	if len(tasks) == 0 {
		return result, nil
	}

	jobs := make(chan Task, len(tasks))
	results := make(chan TaskResult, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, jobs, results)
		}(i)
	}

	go func() {
		defer close(jobs)
		for _, task := range tasks {
			select {
			case <-ctx.Done():
				return
			case jobs <- task:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var latencies []time.Duration
	for res := range results {
		latencies = append(latencies, res.Latencies...)
		switch {
		case res.Lost:
			result.Lost++
		case res.Success:
			result.Success++
		default:
			result.Failed++
			if res.Error != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", res.Task, res.Error))
			}
		}
	}
	result.summarize(latencies)

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (b *BatchResult) summarize(latencies []time.Duration) {
	b.Waits = len(latencies)
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	b.MinLatency = latencies[0]
	b.MaxLatency = latencies[len(latencies)-1]
	b.MeanLatency = total / time.Duration(len(latencies))
	b.P95Latency = latencies[(len(latencies)*95-1)/100]
}

func (r *Runner) worker(ctx context.Context, id int, jobs <-chan Task, results chan<- TaskResult) {
	for task := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res := r.processTask(ctx, task)
		if res.Error != nil {
			r.logger.Warn("renderer failed", zap.Int("worker", id), zap.Stringer("task", task), zap.Error(res.Error))
		}

		select {
		case <-ctx.Done():
			return
		case results <- res:
		}
	}
}

func (r *Runner) processTask(ctx context.Context, task Task) (result TaskResult) {
	result.Task = task

	resp, err := r.control.EstablishChannel(ctx, client.EstablishRequest{
		ClientID: task.ClientID,
		Preempts: task.Preempts,
	})
	if err != nil {
		result.Error = fmt.Errorf("establishing channel: %w", err)
		return result
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.control.CloseChannel(closeCtx, task.ClientID); err != nil && !errors.Is(err, client.ErrNotFound) {
			r.logger.Warn("closing channel", zap.Stringer("task", task), zap.Error(err))
		}
	}()

	conn, err := client.Dial(ctx, resp.WebsocketURL, r.cfg.Subprotocol, r.cfg.CompressThreshold, r.logger)
	if err != nil {
		result.Error = err
		return result
	}
	defer conn.Close()

	cb, err := conn.CreateOffscreenCommandBuffer(ctx, r.cfg.Width, r.cfg.Height)
	if err != nil {
		result.Error = fmt.Errorf("creating command buffer: %w", err)
		return result
	}
	r.logger.Debug("renderer started", zap.Stringer("task", task), zap.Int32("route", int32(cb.Route())))

	for i := 1; i <= r.cfg.Flushes; i++ {
		token := int32(i)
		cmds := make([]ipc.Command, 0, r.cfg.CommandsPerFlush)
		if task.LoseContext && i == 1 {
			cmds = append(cmds, ipc.Command{Op: ipc.OpLoseContext})
		}
		for len(cmds) < r.cfg.CommandsPerFlush-1 {
			cmds = append(cmds, ipc.Command{Op: ipc.OpNoop})
		}
		cmds = append(cmds, ipc.Command{Op: ipc.OpSetToken, Arg: uint32(token)})

		start := time.Now()
		if err := cb.Flush(cmds...); err != nil {
			result.Error = err
			return result
		}
		state, err := cb.WaitForToken(ctx, token, token)
		if err != nil {
			result.Error = fmt.Errorf("waiting for token %d: %w", token, err)
			return result
		}
		result.Latencies = append(result.Latencies, time.Since(start))
		result.Flushes++

		if state.Error == ipc.ErrorLostContext {
			r.logger.Info("context lost", zap.Stringer("task", task), zap.Stringer("reason", state.ContextLostReason))
			result.Lost = true
			return result
		}
		if state.IsError() {
			result.Error = fmt.Errorf("command buffer error %s", state.Error)
			return result
		}
	}

	sp, err := r.fence(ctx, conn, cb)
	if err != nil {
		result.Error = err
		return result
	}
	if r.cfg.SiblingWait {
		start := time.Now()
		if err := r.waitOnSibling(ctx, conn, sp); err != nil {
			result.Error = err
			return result
		}
		result.Latencies = append(result.Latencies, time.Since(start))
	}
	if err := cb.Destroy(ctx); err != nil {
		result.Error = fmt.Errorf("destroying command buffer: %w", err)
		return result
	}

	result.Success = true
	return result
}

// fence inserts a retiring sync point and waits for its signal.
func (r *Runner) fence(ctx context.Context, conn *client.Conn, cb *client.CommandBuffer) (uint32, error) {
	sp, err := cb.InsertSyncPoint(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("inserting sync point: %w", err)
	}
	signalID := sp
	if err := cb.SignalSyncPoint(sp, signalID); err != nil {
		return 0, err
	}

	for {
		select {
		case msg, ok := <-conn.Events():
			if !ok {
				return 0, fmt.Errorf("%w: %v", client.ErrClosed, conn.Err())
			}
			switch b := msg.Body.(type) {
			case *ipc.SignalSyncPointAck:
				if b.SignalID == signalID {
					return sp, nil
				}
			case *ipc.Destroyed:
				return 0, fmt.Errorf("context destroyed: %s", b.Reason)
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// waitOnSibling runs a second command buffer whose only work waits on sp.
func (r *Runner) waitOnSibling(ctx context.Context, conn *client.Conn, sp uint32) error {
	sibling, err := conn.CreateOffscreenCommandBuffer(ctx, r.cfg.Width, r.cfg.Height)
	if err != nil {
		return fmt.Errorf("creating sibling command buffer: %w", err)
	}
	err = sibling.Flush(
		ipc.Command{Op: ipc.OpWaitSyncPoint, Arg: sp},
		ipc.Command{Op: ipc.OpSetToken, Arg: 1},
	)
	if err == nil {
		var state ipc.State
		state, err = sibling.WaitForToken(ctx, 1, 1)
		if err == nil && state.IsError() {
			err = fmt.Errorf("sibling command buffer error %s", state.Error)
		}
	}
	if destroyErr := sibling.Destroy(ctx); err == nil && destroyErr != nil {
		err = fmt.Errorf("destroying sibling command buffer: %w", destroyErr)
	}
	return err
}
