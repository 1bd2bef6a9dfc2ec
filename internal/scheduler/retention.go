package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"qsldigest/internal/types"
)

// PurgeChunkSize bounds each delete statement so a large backlog never holds
// long locks on the batch table.
const PurgeChunkSize = 500

// DigestPurger deletes old digest batches together with their delivery rows.
type DigestPurger interface {
	// SQL: WITH doomed AS (SELECT id FROM qsl_digest_batches WHERE digest_date < $1
	//                      ORDER BY id LIMIT $2),
	//      gone AS (DELETE FROM notification_deliveries WHERE digest_batch_id IN (SELECT id FROM doomed))
	//      DELETE FROM qsl_digest_batches WHERE id IN (SELECT id FROM doomed)
	DeleteDigestBatchesBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// RetentionSweeper removes digests older than the retention horizon. It runs
// as its own scheduled task, never inside dispatch.
type RetentionSweeper struct {
	db     DigestPurger
	logger *slog.Logger
}

// NewRetentionSweeper creates a RetentionSweeper.
func NewRetentionSweeper(db DigestPurger, logger *slog.Logger) *RetentionSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionSweeper{db: db, logger: logger}
}

// RetentionCutoff is the first digest date that is kept.
func RetentionCutoff(now time.Time, retentionDays int) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d-retentionDays, 0, 0, 0, 0, time.UTC)
}

// Sweep deletes batches dated before the cutoff in chunks until nothing is
// left or timeout elapses. A timeout is not an error: the remainder is picked
// up by the next run. retentionDays <= 0 disables the sweep.
func (r *RetentionSweeper) Sweep(ctx context.Context, now time.Time, retentionDays int, timeout time.Duration) (types.PurgeResult, error) {
	if retentionDays <= 0 {
		r.logger.InfoContext(ctx, "digest retention disabled")
		return types.PurgeResult{}, nil
	}

	result := types.PurgeResult{Cutoff: RetentionCutoff(now, retentionDays)}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		n, err := r.db.DeleteDigestBatchesBefore(ctx, result.Cutoff, PurgeChunkSize)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				result.TimedOut = true
				break
			}
			return result, fmt.Errorf("deleting digest batches before %s: %w", result.Cutoff.Format(time.DateOnly), err)
		}
		result.BatchesDeleted += n
		if n < PurgeChunkSize {
			break
		}
		if ctx.Err() != nil {
			result.TimedOut = true
			break
		}
	}

	r.logger.InfoContext(ctx, "digest retention sweep complete",
		"cutoff", result.Cutoff.Format(time.DateOnly),
		"batches_deleted", result.BatchesDeleted,
		"timed_out", result.TimedOut,
	)
	return result, nil
}
