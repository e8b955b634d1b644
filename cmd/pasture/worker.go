package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pasturehq/pasture/pkg/cache"
	"github.com/pasturehq/pasture/pkg/modelmanager"
	"github.com/pasturehq/pasture/pkg/worker"
)

func workerCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the distributed step-execution worker",
	}
	cmd.AddCommand(workerServeCmd(cfgPath))
	return cmd
}

func workerServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Drain the job queue, executing one queued step at a time",
		Long: `Drains jobs from the Redis-backed queue named by BROKER_URL (and
writes results to RESULT_BACKEND, defaulting to BROKER_URL when unset),
running each job's step through the ordinary Step.Execute core against a
Model Manager private to this worker process.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			brokerURL := os.Getenv("BROKER_URL")
			if brokerURL == "" {
				return fmt.Errorf("worker serve: BROKER_URL must be set")
			}
			resultBackend := os.Getenv("RESULT_BACKEND")

			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}

			q, err := worker.NewQueue(brokerURL, resultBackend)
			if err != nil {
				return err
			}
			defer q.Close()

			c, err := cache.New(cfg.CacheDir, slog.Default())
			if err != nil {
				return err
			}
			mm := modelmanager.New(cfg, c, slog.Default())
			defer mm.Close()

			w := &worker.Worker{Queue: q, MM: mm, Cfg: cfg, Logger: slog.Default()}

			ctx := signalContext(cmd.Context())
			slog.Info("worker: serving", "broker", brokerURL)
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			slog.Info("worker: stopped")
			return nil
		},
	}
}
