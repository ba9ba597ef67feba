package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"qrcloud/internal/types"
)

// DefaultLockTTL bounds how long a crashed run can block the next one.
const DefaultLockTTL = 30 * time.Minute

// Job history statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// JobFunc executes one run of a job as of now and returns the number of
// items it touched.
type JobFunc func(ctx context.Context, now time.Time) (items int, err error)

// Locker hands out exclusive job locks. When acquired is false, release is
// nil and the job must be skipped.
type Locker interface {
	Acquire(ctx context.Context, job string, ttl time.Duration) (release func(), acquired bool, err error)
}

// JobHistorian records the start and outcome of each run.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, jobErr error) error
}

// RunnerConfig holds the collaborators of a Runner. History is optional.
type RunnerConfig struct {
	Jobs    map[TaskType]JobFunc
	Locker  Locker
	History JobHistorian
	LockTTL time.Duration
	Clock   types.Clock
	Logger  *slog.Logger
}

// Runner executes jobs under a lock and records their history.
type Runner struct {
	jobs    map[TaskType]JobFunc
	locker  Locker
	history JobHistorian
	lockTTL time.Duration
	clock   types.Clock
	logger  *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		jobs:    cfg.Jobs,
		locker:  cfg.Locker,
		history: cfg.History,
		lockTTL: cfg.LockTTL,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Run executes payload.Task once:
//
//  1. Resolve the reference time.
//  2. Take the job lock; if another worker holds it, skip.
//  3. Record the start in job history (non-fatal).
//  4. Dispatch to the job.
//  5. Record the outcome and release the lock.
//
// The returned string summarizes the run for the Lambda response.
func (r *Runner) Run(ctx context.Context, payload MaintenancePayload) (string, error) {
	now := r.clock.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	task := string(payload.Task)
	if task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}
	job, ok := r.jobs[payload.Task]
	if !ok {
		return "", fmt.Errorf("unknown task type: %s", task)
	}

	log := r.logger.With("task", task)
	log.InfoContext(ctx, "scheduled job invoked", "reference_time", now.Format(time.RFC3339))

	release, acquired, err := r.locker.Acquire(ctx, task, r.lockTTL)
	if err != nil {
		log.ErrorContext(ctx, "failed to acquire job lock", "error", err)
		return "", fmt.Errorf("acquiring job lock %s: %w", task, err)
	}
	if !acquired {
		log.InfoContext(ctx, "job lock held by another worker, skipping")
		return fmt.Sprintf("skipped: lock %s held by another worker", task), nil
	}
	defer release()

	var jobID int64
	if r.history != nil {
		jobID, err = r.history.Start(ctx, task)
		if err != nil {
			log.ErrorContext(ctx, "failed to start job history", "error", err)
			jobID = 0
		}
	}

	items, execErr := job(ctx, now)

	status := StatusSuccess
	if execErr != nil {
		status = StatusFailed
	}
	if jobID != 0 {
		if finishErr := r.history.Finish(ctx, jobID, status, items, execErr); finishErr != nil {
			log.ErrorContext(ctx, "failed to finish job history", "job_id", jobID, "error", finishErr)
		}
	}

	if execErr != nil {
		log.ErrorContext(ctx, "scheduled job failed", "error", execErr, "items_before_error", items)
		return "", fmt.Errorf("task %s failed: %w", task, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", task, items)
	log.InfoContext(ctx, result, "items", items)
	return result, nil
}

// LockTable is the Postgres job_locks repository.
type LockTable interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// TableLocker adapts a LockTable to Locker. It backs job locks when no
// Redis is configured.
type TableLocker struct {
	table    LockTable
	workerID string
	logger   *slog.Logger
}

// NewTableLocker creates a TableLocker that takes locks as workerID.
func NewTableLocker(table LockTable, workerID string, logger *slog.Logger) *TableLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TableLocker{table: table, workerID: workerID, logger: logger}
}

// Acquire implements Locker.
func (l *TableLocker) Acquire(ctx context.Context, job string, ttl time.Duration) (func(), bool, error) {
	ok, err := l.table.Acquire(ctx, job, l.workerID, ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	release := func() {
		if err := l.table.Release(context.WithoutCancel(ctx), job, l.workerID); err != nil {
			l.logger.Warn("failed to release job lock", "job", job, "worker_id", l.workerID, "error", err)
		}
	}
	return release, true, nil
}
