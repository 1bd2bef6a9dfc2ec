package db

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"qsldigest/internal/types"
)

// Job history statuses.
const (
	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
)

// maxJobErrorLen caps the error text stored on a history row.
const maxJobErrorLen = 1000

// JobLockRepository leases named locks in job_locks so that only one
// digest-runner invocation works on a task per hour.
type JobLockRepository struct {
	db    DBTX
	clock types.Clock
}

// NewJobLockRepository creates a JobLockRepository. A nil clock uses
// types.RealClock.
func NewJobLockRepository(db DBTX, clock types.Clock) *JobLockRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &JobLockRepository{db: db, clock: clock}
}

// Acquire takes lockID for ttl. A row whose lease has run out is taken over;
// a live row held by anyone leaves zero rows affected and returns false.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	if lockID == "" || workerID == "" || ttl <= 0 {
		return false, types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("job lock needs an id, a worker and a positive ttl (got %q, %q, %s)", lockID, workerID, ttl), nil)
	}
	now := r.clock.Now().UTC()

	tag, err := r.db.Exec(ctx, `
		INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET worker_id  = EXCLUDED.worker_id,
		    locked_at  = EXCLUDED.locked_at,
		    expires_at = EXCLUDED.expires_at
		WHERE job_locks.expires_at < EXCLUDED.locked_at`,
		lockID, workerID, now, now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "acquiring job lock "+lockID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release drops lockID if workerID still holds it. Releasing a lock that
// expired and was taken over is a no-op.
func (r *JobLockRepository) Release(ctx context.Context, lockID string, workerID string) error {
	if _, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		lockID, workerID,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "releasing job lock "+lockID, err)
	}
	return nil
}

// JobHistoryRepository records one job_history row per task run.
type JobHistoryRepository struct {
	db    DBTX
	clock types.Clock
}

// NewJobHistoryRepository creates a JobHistoryRepository. A nil clock uses
// types.RealClock.
func NewJobHistoryRepository(db DBTX, clock types.Clock) *JobHistoryRepository {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &JobHistoryRepository{db: db, clock: clock}
}

// Start opens a running row for jobType and returns its id.
func (r *JobHistoryRepository) Start(ctx context.Context, jobType string) (int64, error) {
	var id int64
	if err := r.db.QueryRow(ctx, `
		INSERT INTO job_history (job_type, started_at, status)
		VALUES ($1, $2, $3)
		RETURNING id`,
		jobType, r.clock.Now().UTC(), JobStatusRunning,
	).Scan(&id); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "starting job history for "+jobType, err)
	}
	return id, nil
}

// Finish closes row id with a terminal status, the item count and jobErr's
// text (truncated), if any.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	if status != JobStatusSuccess && status != JobStatusFailed {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("job history status must be %q or %q, got %q", JobStatusSuccess, JobStatusFailed, status), nil)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE job_history
		SET finished_at = $2, status = $3, items_count = $4, error = $5
		WHERE id = $1`,
		id, r.clock.Now().UTC(), status, items, jobErrorText(jobErr),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, fmt.Sprintf("finishing job history %d", id), err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("job history %d not found", id), nil)
	}
	return nil
}

// jobErrorText returns nil for a nil error, else the message cut to
// maxJobErrorLen runes.
func jobErrorText(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if utf8.RuneCountInString(msg) > maxJobErrorLen {
		msg = string([]rune(msg)[:maxJobErrorLen])
	}
	return &msg
}
