package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tevanoff/courier/internal/queue"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the delivery daemon",
	Long: `Run the delivery daemon: poll the queue for due messages and deliver
each one through its conversation's engine session. Stops cleanly on
SIGINT or SIGTERM.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	app, err := openApp(cmd, logger)
	if err != nil {
		return err
	}

	sched := queue.NewScheduler(app.store, app.sessions, queue.Config{
		Interval:    time.Duration(app.cfg.Queue.IntervalSeconds) * time.Second,
		BatchSize:   app.cfg.Queue.BatchSize,
		MaxAttempts: app.cfg.Queue.MaxAttempts,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.Start()
	logger.Info("daemon running", "data_dir", app.cfg.DataDir)

	<-ctx.Done()
	logger.Info("shutting down")

	sched.Stop()
	app.sessions.Shutdown()
	return nil
}
