package db

import (
	"context"
	"time"

	"qrcloud/internal/types"
)

// Lock rows are reclaimable once expires_at has passed, so a worker that
// dies mid-run blocks the job for at most one TTL. Timestamps are bound as
// values; Go duration strings such as "30m0s" are not valid PG intervals.
const (
	acquireLockSQL = `
INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
   SET worker_id  = EXCLUDED.worker_id,
       locked_at  = EXCLUDED.locked_at,
       expires_at = EXCLUDED.expires_at
 WHERE job_locks.expires_at < EXCLUDED.locked_at`

	releaseLockSQL = `DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`

	startJobSQL = `
INSERT INTO job_history (job_type, started_at, status)
VALUES ($1, $2, 'running')
RETURNING id`

	finishJobSQL = `
UPDATE job_history
   SET finished_at = $2, status = $3, items_count = $4, error = $5
 WHERE id = $1`
)

// JobLockRepository is the Postgres lock backend for the scheduler, used
// when SCHEDULER_LOCK_BACKEND=postgres.
type JobLockRepository struct {
	db    DBTX
	clock types.Clock
}

func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db, clock: types.RealClock{}}
}

// Acquire reports whether workerID now holds lockID. A live lock held by
// someone else yields (false, nil).
func (r *JobLockRepository) Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	lockedAt := r.clock.Now()

	tag, err := r.db.Exec(ctx, acquireLockSQL, lockID, workerID, lockedAt, lockedAt.Add(ttl))
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "acquiring job lock "+lockID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release drops the lock only if workerID still owns it; a lock that expired
// and was taken over is left alone.
func (r *JobLockRepository) Release(ctx context.Context, lockID, workerID string) error {
	if _, err := r.db.Exec(ctx, releaseLockSQL, lockID, workerID); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "releasing job lock "+lockID, err)
	}
	return nil
}

// JobHistoryRepository records one job_history row per scheduled run.
type JobHistoryRepository struct {
	db    DBTX
	clock types.Clock
}

func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db, clock: types.RealClock{}}
}

// Start opens a 'running' row and returns its id for Finish.
func (r *JobHistoryRepository) Start(ctx context.Context, jobType string) (int64, error) {
	var id int64
	if err := r.db.QueryRow(ctx, startJobSQL, jobType, r.clock.Now()).Scan(&id); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "recording start of "+jobType, err)
	}
	return id, nil
}

// Finish closes the row opened by Start. jobErr, when present, is stored in
// the error column.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var message *string
	if jobErr != nil {
		m := jobErr.Error()
		message = &m
	}

	tag, err := r.db.Exec(ctx, finishJobSQL, id, r.clock.Now(), status, items, message)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "recording job outcome", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}
