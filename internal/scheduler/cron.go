package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule binds a task to a standard five-field cron expression.
type Schedule struct {
	Task TaskType
	Spec string
}

// RunCron runs the runner on schedules until ctx is canceled, then waits for
// in-flight jobs. Schedules are evaluated in UTC. A run that is still going
// when its next tick fires is skipped.
func (r *Runner) RunCron(ctx context.Context, schedules []Schedule) error {
	cl := cronLogger{logger: r.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	for _, s := range schedules {
		if _, ok := r.jobs[s.Task]; !ok {
			return fmt.Errorf("unknown task type: %s", s.Task)
		}
		task := s.Task
		if _, err := c.AddFunc(s.Spec, func() {
			if _, err := r.Run(ctx, MaintenancePayload{Task: task}); err != nil {
				r.logger.ErrorContext(ctx, "scheduled run failed", "task", string(task), "error", err)
			}
		}); err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", s.Spec, s.Task, err)
		}
		r.logger.Info("job scheduled", "task", string(task), "spec", s.Spec)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger routes robfig/cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
