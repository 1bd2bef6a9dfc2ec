package db

import (
	"context"
	"time"

	"qsldigest/internal/types"
)

// PushSubscriptionRepository provides data access for web_push_subscriptions.
// Subscriptions are registered by the web app; this module only reads active
// ones and records delivery outcomes.
type PushSubscriptionRepository struct {
	db DBTX
}

// NewPushSubscriptionRepository creates a new PushSubscriptionRepository
// backed by the given database connection (pool or transaction).
func NewPushSubscriptionRepository(db DBTX) *PushSubscriptionRepository {
	return &PushSubscriptionRepository{db: db}
}

// ListActivePushSubscriptions returns the user's active subscriptions ordered
// by id.
func (r *PushSubscriptionRepository) ListActivePushSubscriptions(ctx context.Context, userID int64) ([]types.PushSubscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, endpoint, p256dh_key, auth_key, status,
		        user_agent, platform, last_seen_at, last_success_at,
		        last_failure_at, failure_count
		 FROM web_push_subscriptions
		 WHERE user_id = $1 AND status = 'active'
		 ORDER BY id`,
		userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list push subscriptions", err)
	}
	defer rows.Close()

	var subs []types.PushSubscription
	for rows.Next() {
		var (
			s                   types.PushSubscription
			status              string
			userAgent, platform *string
		)
		if err := rows.Scan(
			&s.ID,
			&s.UserID,
			&s.Endpoint,
			&s.P256DHKey,
			&s.AuthKey,
			&status,
			&userAgent,
			&platform,
			&s.LastSeenAt,
			&s.LastSuccessAt,
			&s.LastFailureAt,
			&s.FailureCount,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan push subscription", err)
		}
		s.Status = types.PushSubscriptionStatus(status)
		s.UserAgent = derefString(userAgent)
		s.Platform = derefString(platform)
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating push subscriptions", err)
	}
	return subs, nil
}

// RecordPushSuccess stamps last_success_at, clears last_failure_at and resets
// the failure counter.
func (r *PushSubscriptionRepository) RecordPushSuccess(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE web_push_subscriptions
		 SET last_success_at = $2, last_failure_at = NULL, failure_count = 0
		 WHERE id = $1`,
		id,
		at.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record push success", err)
	}
	return nil
}

// RecordPushFailure stamps last_failure_at and increments the failure counter.
// When invalidate is set the subscription is also marked invalid so it is not
// tried again.
func (r *PushSubscriptionRepository) RecordPushFailure(ctx context.Context, id int64, at time.Time, invalidate bool) error {
	_, err := r.db.Exec(ctx,
		`UPDATE web_push_subscriptions
		 SET last_failure_at = $2,
		     failure_count = failure_count + 1,
		     status = CASE WHEN $3::boolean THEN 'invalid' ELSE status END
		 WHERE id = $1`,
		id,
		at.UTC(),
		invalidate,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record push failure", err)
	}
	return nil
}
