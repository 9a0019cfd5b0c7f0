package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/client"
	"github.com/dgnsrekt/gpuchannel/internal/probe"
)

func probeCmd() *cobra.Command {
	var (
		renderers   int
		firstClient int32
		preempt     bool
		loseEvery   int
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Drive a running GPU process with simulated renderers",
		RunE: func(cmd *cobra.Command, args []string) error {
			pc := cfg.Probe
			if renderers > 0 {
				pc.Renderers = renderers
			}

			control := client.NewHTTPControl(
				pc.BaseURL,
				pc.RatePerSecond,
				time.Duration(pc.TimeoutSec)*time.Second,
				time.Duration(pc.RetryDelayMs)*time.Millisecond,
				pc.RetryCount,
				logger.Named("control"),
			)
			runner := probe.NewRunner(control, probe.Config{
				Subprotocol:       pc.Subprotocol,
				CompressThreshold: cfg.Transport.CompressThreshold,
				Workers:           pc.Workers,
				Flushes:           pc.Flushes,
				CommandsPerFlush:  pc.CommandsPerFlush,
				SiblingWait:       pc.SiblingWait,
			}, logger.Named("probe"))

			tasks := probe.Tasks(firstClient, pc.Renderers, preempt)
			if loseEvery > 0 {
				for i := loseEvery - 1; i < len(tasks); i += loseEvery {
					tasks[i].LoseContext = true
				}
			}

			logger.Info("starting probe",
				zap.String("baseURL", pc.BaseURL),
				zap.String("subprotocol", pc.Subprotocol),
				zap.Int("renderers", len(tasks)),
				zap.Int("workers", pc.Workers),
				zap.Int("flushes", pc.Flushes),
			)

			start := time.Now()
			result, err := runner.Execute(cmd.Context(), tasks)
			if err != nil && result == nil {
				return err
			}

			fmt.Printf("\nProbe complete in %s\n", time.Since(start).Round(time.Millisecond))
			fmt.Printf("  Total:    %d\n", result.Total)
			fmt.Printf("  Success:  %d\n", result.Success)
			fmt.Printf("  Lost:     %d\n", result.Lost)
			fmt.Printf("  Failed:   %d\n", result.Failed)
			if result.Waits > 0 {
				fmt.Printf("  Waits:    %d\n", result.Waits)
				fmt.Printf("  Latency:  min %s  mean %s  p95 %s  max %s\n",
					result.MinLatency, result.MeanLatency, result.P95Latency, result.MaxLatency)
			}
			if len(result.Errors) > 0 {
				fmt.Println("\nErrors:")
				for _, e := range result.Errors {
					fmt.Printf("  - %s\n", e)
				}
			}

			if err != nil {
				return err
			}
			if result.Failed > 0 {
				return fmt.Errorf("%d renderers failed", result.Failed)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&renderers, "renderers", "n", 0, "number of renderers (overrides probe.renderers)")
	cmd.Flags().Int32Var(&firstClient, "first-client", 1, "client id of the first renderer")
	cmd.Flags().BoolVar(&preempt, "preempt", false, "make the first renderer the preempting channel")
	cmd.Flags().IntVar(&loseEvery, "lose-every", 0, "lose the context of every nth renderer")

	return cmd
}
