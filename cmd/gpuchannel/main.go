package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/gpuchannel/internal/config"
)

const configEnv = "GPUCHANNEL_CONFIG"

var (
	cfgFile string
	verbose bool
	logger  *zap.Logger
	cfg     *config.Config
)

// needsConfig reports whether cmd runs against a loaded configuration.
func needsConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "completion", "__complete":
		return false
	}
	return true
}

// setupLogger builds the logger for one subcommand. serve logs as a long
// running process; probe keeps stdout free for its summary. --verbose always
// wins over logging.level.
func setupLogger(cmd string, logCfg *config.LoggingConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	zapConfig.DisableStacktrace = true
	if verbose {
		zapConfig = zap.NewDevelopmentConfig()
	} else if logCfg != nil && logCfg.Level != "" {
		level, err := zapcore.ParseLevel(logCfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		zapConfig.Level = zap.NewAtomicLevelAt(level)
	}
	if cmd == "probe" {
		// Per-renderer debug lines would be sampled away otherwise.
		zapConfig.Sampling = nil
	}
	zapConfig.OutputPaths = []string{"stderr"}
	zapConfig.InitialFields = map[string]any{"cmd": cmd}

	if logCfg != nil && logCfg.Enabled {
		if err := os.MkdirAll(logCfg.Directory, 0755); err != nil {
			return nil, fmt.Errorf("creating logs directory: %w", err)
		}
		name := fmt.Sprintf("gpuchannel-%s-%s.log", cmd, time.Now().Format("20060102-150405"))
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, filepath.Join(logCfg.Directory, name))
	}

	return zapConfig.Build()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "gpuchannel",
		Short:        "GPU process command channel server and probe",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !needsConfig(cmd) {
				var err error
				logger, err = setupLogger(cmd.Name(), nil)
				return err
			}

			path := cfgFile
			if path == "" {
				path = os.Getenv(configEnv)
			}
			loaded, err := config.Load(path)
			if err != nil {
				return err
			}
			cfg = loaded

			logger, err = setupLogger(cmd.Name(), &cfg.Logging)
			if err != nil {
				return err
			}
			if path != "" {
				logger.Debug("config file", zap.String("path", path))
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default $"+configEnv+" or ./configs/default.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(serveCmd(), probeCmd())
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
