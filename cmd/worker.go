package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/chart-audit/internal/config"
	"github.com/sells-group/chart-audit/internal/dispatch"
	"github.com/sells-group/chart-audit/internal/monitoring"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued reports",
	Long: "Runs reports until interrupted. With the local backend PENDING reports are polled from the store; " +
		"with the temporal backend a Temporal worker serves the task queue. Both reap stale reports " +
		"and, when monitoring.webhook_url is set, send report health alerts.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx, config.ModeWorker)
		if err != nil {
			return err
		}
		defer env.Close()

		d, err := env.Dispatcher(ctx, runnerInProcess)
		if err != nil {
			return err
		}

		if cfg.Dispatch.Backend == "temporal" {
			proc, err := env.Processor(ctx)
			if err != nil {
				return err
			}
			c, err := env.Temporal()
			if err != nil {
				return err
			}
			w := dispatch.NewTemporalWorker(c, cfg.Temporal.TaskQueue, proc.Process, cfg.Dispatch.Workers, cfg.Dispatch.HardBudget())
			if err := w.Start(); err != nil {
				return eris.Wrap(err, "start temporal worker")
			}
			defer w.Stop()
		}

		zap.L().Info("worker started",
			zap.String("backend", cfg.Dispatch.Backend),
			zap.Int("workers", cfg.Dispatch.Workers),
			zap.Duration("hard_budget", cfg.Dispatch.HardBudget()),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			d.RunReaper(gctx, time.Duration(cfg.Dispatch.ReaperIntervalSecs)*time.Second)
			return nil
		})
		g.Go(func() error {
			pollPending(gctx, d, time.Duration(cfg.Dispatch.PollIntervalSecs)*time.Second, cfg.Dispatch.QueueSize)
			return nil
		})
		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store, d.StaleCutoff),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}
		err = g.Wait()

		zap.L().Info("worker stopping, draining in-flight reports")
		return err
	},
}

// pollPending enqueues PENDING reports every interval until ctx is done.
// The first pass runs immediately to pick up any backlog.
func pollPending(ctx context.Context, d *dispatch.Dispatcher, interval time.Duration, limit int) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := d.EnqueuePending(ctx, limit); err != nil {
			zap.L().Error("poll pending reports failed", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("enqueued pending reports", zap.Int("count", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
