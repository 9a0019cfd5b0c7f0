package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/process"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the GPU process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return runServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")

	return cmd
}

func runServe(ctx context.Context) error {
	logger.Info("configuration loaded",
		zap.String("addr", cfg.Server.Addr),
		zap.Duration("waitBeforePreempt", cfg.Preemption.WaitBeforePreempt),
		zap.Duration("maxPreemptTime", cfg.Preemption.MaxPreemptTime),
		zap.Duration("stopPreemptThreshold", cfg.Preemption.StopPreemptThreshold),
		zap.String("lostContextPolicy", cfg.Executor.LostContextPolicy),
		zap.Bool("statusEnabled", cfg.Status.Enabled),
		zap.Bool("notifyEnabled", cfg.Notify.Enabled),
	)

	p, err := process.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gpu process: %w", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	runErr := make(chan error, 1)
	go func() { runErr <- p.Run(runCtx) }()

	httpServer := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     p.Handler(),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down server...")
	case err := <-serveErr:
		logger.Error("server error", zap.Error(err))
		stop()
		<-runErr
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Websockets are hijacked and not tracked by Shutdown; stopping the
	// process closes them.
	stop()
	if err := <-runErr; err != nil {
		logger.Error("gpu process error", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
