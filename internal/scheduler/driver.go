package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"qsldigest/internal/notifications/core"
	"qsldigest/internal/types"
)

// BatchDispatcher delivers one batch over push and email.
type BatchDispatcher interface {
	DispatchBatch(ctx context.Context, batchID int64) (types.DispatchResult, error)
}

// PendingBatchLister selects batches that still need dispatching.
type PendingBatchLister interface {
	// SQL: SELECT b.id FROM qsl_digest_batches b
	//      WHERE b.qsl_count > 0 AND NOT EXISTS (
	//          SELECT 1 FROM notification_deliveries d
	//          WHERE d.digest_batch_id = b.id AND d.status = 'sent')
	//      ORDER BY b.generated_at, b.id LIMIT $1
	ListPendingDigestBatches(ctx context.Context, limit int) ([]int64, error)
}

// EligibilityLookup reads the records eligibility is evaluated on, without
// creating anything.
type EligibilityLookup interface {
	GetUserByCallsign(ctx context.Context, callsign string) (*types.User, error)
	// GetPreference returns nil, nil when the user has no preference row.
	GetPreference(ctx context.Context, userID int64) (*types.NotificationPreference, error)
}

// DriverSettings are the run-level switches and limits.
type DriverSettings struct {
	Enabled            bool
	RequireEntitlement bool
	GenerateLimit      int
	DispatchLimit      int
	RetentionDays      int
	PurgeTimeout       time.Duration
}

// DriverDeps wires the driver's collaborators. Lookup, Retention and Metrics
// may be nil.
type DriverDeps struct {
	Builder    *DigestBuilder
	Dispatcher BatchDispatcher
	Pending    PendingBatchLister
	Lookup     EligibilityLookup
	Retention  *RetentionSweeper
	Metrics    core.NotificationMetrics
	Logger     *slog.Logger
}

// RunDriver exposes the externally triggered digest operations. Concurrent
// in-process calls for the same job with the same arguments share a single
// execution; cross-process exclusion is the caller's job lock.
type RunDriver struct {
	deps     DriverDeps
	settings DriverSettings
	guard    singleflight.Group
	logger   *slog.Logger
}

// NewRunDriver creates a RunDriver.
func NewRunDriver(deps DriverDeps, settings DriverSettings) *RunDriver {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = core.NopMetrics{}
	}
	return &RunDriver{deps: deps, settings: settings, logger: logger}
}

// GenerateDueDigests builds due digests for all candidate users. limit <= 0
// falls back to the configured limit (itself 0 for no cap).
func (d *RunDriver) GenerateDueDigests(ctx context.Context, now time.Time, limit int) (types.GenerationResult, error) {
	if !d.settings.Enabled {
		d.logger.InfoContext(ctx, "digest generation skipped: DIGEST_NOTIFICATIONS_ENABLED=false")
		return types.GenerationResult{}, nil
	}
	if limit <= 0 {
		limit = d.settings.GenerateLimit
	}

	key := fmt.Sprintf("%s|%s|%d", TaskGenerateDigests, now.UTC().Format(time.RFC3339Nano), limit)
	v, err := d.once(ctx, key, func(ctx context.Context) (any, error) {
		return d.deps.Builder.BuildDueDigests(ctx, now, limit)
	})
	result, _ := v.(types.GenerationResult)
	if err != nil {
		return result, err
	}

	d.deps.Metrics.RecordJobCounts(ctx, string(TaskGenerateDigests), map[string]int{
		"created": result.Created,
		"updated": result.Updated,
		"skipped": result.Skipped,
		"failed":  result.Failed,
	})
	return result, nil
}

// DispatchPendingNotifications dispatches up to limit pending batches, oldest
// first. A batch counts as sent if any channel sent, failed if both channels
// failed or dispatch errored, and skipped otherwise.
func (d *RunDriver) DispatchPendingNotifications(ctx context.Context, limit int) (types.DispatchSummary, error) {
	if !d.settings.Enabled {
		d.logger.InfoContext(ctx, "digest dispatch skipped: DIGEST_NOTIFICATIONS_ENABLED=false")
		return types.DispatchSummary{}, nil
	}
	if limit <= 0 {
		limit = d.settings.DispatchLimit
	}

	key := fmt.Sprintf("%s|%d", TaskDispatchNotifications, limit)
	v, err := d.once(ctx, key, func(ctx context.Context) (any, error) {
		return d.dispatchPending(ctx, limit)
	})
	summary, _ := v.(types.DispatchSummary)
	if err != nil {
		return summary, err
	}

	d.deps.Metrics.RecordJobCounts(ctx, string(TaskDispatchNotifications), map[string]int{
		"processed": summary.Processed,
		"sent":      summary.Sent,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
	})
	return summary, nil
}

// once runs fn for key unless an identical call is already in flight, in
// which case the caller waits for that result. fn keeps the first caller's
// values and deadline but not its cancellation; each caller stops waiting
// when its own ctx ends.
func (d *RunDriver) once(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := d.guard.DoChan(key, func() (any, error) {
		runCtx := context.WithoutCancel(ctx)
		if deadline, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithDeadline(runCtx, deadline)
			defer cancel()
		}
		return fn(runCtx)
	})
	select {
	case res := <-ch:
		if res.Shared {
			d.logger.InfoContext(ctx, "joined in-flight run", "key", key)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *RunDriver) dispatchPending(ctx context.Context, limit int) (types.DispatchSummary, error) {
	var summary types.DispatchSummary

	ids, err := d.deps.Pending.ListPendingDigestBatches(ctx, limit)
	if err != nil {
		return summary, fmt.Errorf("listing pending digest batches: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			d.logger.WarnContext(ctx, "digest dispatch interrupted",
				"processed", summary.Processed,
				"remaining", len(ids)-summary.Processed,
				"error", err,
			)
			break
		}

		summary.Processed++
		res, err := d.deps.Dispatcher.DispatchBatch(ctx, id)
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to dispatch digest batch",
				"batch_id", id,
				"error", err,
			)
			summary.Failed++
			continue
		}

		switch {
		case res.PushStatus == types.DeliveryStatusSent || res.EmailStatus == types.DeliveryStatusSent:
			summary.Sent++
		case res.PushStatus == types.DeliveryStatusFailed && res.EmailStatus == types.DeliveryStatusFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
	}

	d.logger.InfoContext(ctx, "digest dispatch complete",
		"processed", summary.Processed,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
	return summary, nil
}

// DispatchOneBatch dispatches a single batch, e.g. from the SQS worker or the
// diagnostics API. It does not consult the enabled switch; the dispatcher
// records digest_disabled itself.
func (d *RunDriver) DispatchOneBatch(ctx context.Context, batchID int64) (types.DispatchResult, error) {
	return d.deps.Dispatcher.DispatchBatch(ctx, batchID)
}

// ExplainEligibility evaluates eligibility for a callsign as of now, for
// display. It never creates a preference row.
func (d *RunDriver) ExplainEligibility(ctx context.Context, callsign string, now time.Time) (types.Eligibility, error) {
	if d.deps.Lookup == nil {
		return types.Eligibility{}, types.NewAppError(types.ErrCodeInternalUnexpected, "eligibility lookup not configured", nil)
	}
	user, err := d.deps.Lookup.GetUserByCallsign(ctx, callsign)
	if err != nil {
		return types.Eligibility{}, err
	}
	pref, err := d.deps.Lookup.GetPreference(ctx, user.ID)
	if err != nil {
		return types.Eligibility{}, err
	}
	return EvaluateEligibility(user, pref, now, d.settings.RequireEntitlement), nil
}

// PurgeExpiredDigests runs the retention sweep with the configured horizon.
func (d *RunDriver) PurgeExpiredDigests(ctx context.Context, now time.Time) (types.PurgeResult, error) {
	if d.deps.Retention == nil {
		return types.PurgeResult{}, nil
	}
	key := fmt.Sprintf("%s|%s", TaskPurgeDigests, now.UTC().Format(time.RFC3339Nano))
	v, err := d.once(ctx, key, func(ctx context.Context) (any, error) {
		return d.deps.Retention.Sweep(ctx, now, d.settings.RetentionDays, d.settings.PurgeTimeout)
	})
	result, _ := v.(types.PurgeResult)
	if err != nil {
		return result, err
	}
	d.deps.Metrics.RecordJobCounts(ctx, string(TaskPurgeDigests), map[string]int{
		"deleted": result.BatchesDeleted,
	})
	return result, nil
}
