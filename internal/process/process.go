// Package process assembles the GPU process: the io and main runners, the
// channel registry and its collaborators, and the HTTP surface.
package process

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/channel"
	"github.com/dgnsrekt/gpuchannel/internal/config"
	"github.com/dgnsrekt/gpuchannel/internal/executor"
	"github.com/dgnsrekt/gpuchannel/internal/ipc"
	"github.com/dgnsrekt/gpuchannel/internal/notify"
	"github.com/dgnsrekt/gpuchannel/internal/server"
	"github.com/dgnsrekt/gpuchannel/internal/status"
	"github.com/dgnsrekt/gpuchannel/internal/syncpoint"
	"github.com/dgnsrekt/gpuchannel/internal/taskrunner"
	"github.com/dgnsrekt/gpuchannel/internal/transport"
)

// Process is a wired GPU process.
type Process struct {
	main       *taskrunner.Loop
	io         *taskrunner.Loop
	syncPoints *syncpoint.Manager
	executors  *executor.Factory
	registry   *channel.Registry
	notifier   notify.Notifier
	hub        *transport.Hub
	status     *status.Broadcaster
	handler    http.Handler
	logger     *zap.Logger
}

// New wires a Process from cfg. Nothing runs until Run is called.
func New(cfg *config.Config, logger *zap.Logger) (*Process, error) {
	notifyCfg := &notify.Config{
		Enabled:   cfg.Notify.Enabled,
		Server:    cfg.Notify.Server,
		Topic:     cfg.Notify.Topic,
		Priority:  cfg.Notify.Priority,
		Tags:      cfg.Notify.Tags,
		Token:     cfg.Notify.Token,
		QueueSize: cfg.Notify.QueueSize,
	}
	if err := notifyCfg.Validate(); err != nil {
		return nil, fmt.Errorf("notify config: %w", err)
	}

	p := &Process{
		main:     taskrunner.NewLoop("main", logger),
		io:       taskrunner.NewLoop("io", logger),
		notifier: notify.New(notifyCfg, logger.Named("notify")),
		logger:   logger,
	}
	p.syncPoints = syncpoint.NewManager(p.main, logger.Named("syncpoint"))
	p.executors = executor.NewFactory(executor.Config{
		CommandsPerFlush:   cfg.Executor.CommandsPerFlush,
		MaxPendingCommands: cfg.Executor.MaxPendingCommands,
		MaxContexts:        cfg.Executor.MaxContexts,
	}, logger.Named("executor"))

	p.registry = channel.NewRegistry(channel.Config{
		Timing: channel.Timing{
			WaitBeforePreempt:    cfg.Preemption.WaitBeforePreempt,
			MaxPreemptTime:       cfg.Preemption.MaxPreemptTime,
			StopPreemptThreshold: cfg.Preemption.StopPreemptThreshold,
		},
		LogMessages:       cfg.Channel.LogMessages,
		LostContextPolicy: channel.LostContextPolicy(cfg.Executor.LostContextPolicy),
		DropWarnInterval:  cfg.Channel.DropWarnInterval,
	}, channel.Deps{
		Main:        p.main,
		IO:          p.io,
		Coordinator: p.syncPoints,
		Executors: func(route ipc.RouteID, surfaceID int32) (channel.Executor, error) {
			return p.executors.New(route, surfaceID)
		},
		Notifier: p.notifier,
		Logger:   logger.Named("channel"),
	})

	p.hub = transport.NewHub(transport.Config{
		CompressThreshold: cfg.Transport.CompressThreshold,
		SendBufferSize:    cfg.Transport.SendBufferSize,
		MaxMessageSize:    cfg.Transport.MaxMessageSize,
	}, p.registry, p.main, p.io, logger.Named("transport"))

	if cfg.Status.Enabled {
		id := cfg.Status.ID
		if id == "" {
			id = defaultStatusID()
		}
		p.status = status.NewBroadcaster(id, p.sample, cfg.Status.Interval, logger.Named("status"))
	}

	srv := server.NewServer(p.registry, p.main, server.Config{
		EstablishRate:  cfg.Channel.EstablishRate,
		EstablishBurst: cfg.Channel.EstablishBurst,
		RequestTimeout: cfg.Server.ReadTimeout,
	}, logger.Named("server"))
	p.handler = server.NewRouter(srv, p.hub, p.status, logger.Named("http"))

	return p, nil
}

// Handler returns the HTTP handler of the process.
func (p *Process) Handler() http.Handler { return p.handler }

// Run starts the runners and background workers and blocks until ctx is
// cancelled. On the way out every channel is torn down on the main runner
// before the runners stop.
func (p *Process) Run(ctx context.Context) error {
	loopCtx, stopLoops := context.WithCancel(context.Background())
	defer stopLoops()

	loopErr := make(chan error, 2)
	for _, l := range []*taskrunner.Loop{p.main, p.io} {
		l := l
		go func() { loopErr <- l.Run(loopCtx) }()
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	go p.hub.Run(workerCtx)
	go p.notifier.Run(workerCtx)
	if p.status != nil {
		go p.status.Run(workerCtx)
	}

	p.logger.Info("gpu process running")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := taskrunner.PostAndWait(shutdownCtx, p.main, p.registry.Shutdown); err != nil {
		p.logger.Warn("registry shutdown incomplete", zap.Error(err))
	}
	stopWorkers()
	stopLoops()

	for i := 0; i < 2; i++ {
		if err := <-loopErr; err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	p.logger.Info("gpu process stopped", zap.Int64("liveExecutors", p.executors.Live()))
	return nil
}

// sample builds a status report. The registry is read on the main runner.
func (p *Process) sample(ctx context.Context) (status.Report, error) {
	var report status.Report
	err := taskrunner.PostAndWait(ctx, p.main, func() {
		report.Channels = p.registry.Snapshot()
	})
	if err != nil {
		return status.Report{}, err
	}
	report.SyncPoints = p.syncPoints.Stats()
	report.Connections = p.hub.NumConnections()
	report.LiveExecutors = p.executors.Live()
	return report, nil
}

func defaultStatusID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "gpu"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
