package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"qsldigest/internal/types"
)

// DeliveryRepository provides data access for notification_deliveries.
// Rows are keyed by (user_id, digest_batch_id, channel).
type DeliveryRepository struct {
	db DBTX
}

// NewDeliveryRepository creates a new DeliveryRepository backed by the given
// database connection (pool or transaction).
func NewDeliveryRepository(db DBTX) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// GetDelivery returns the row for key, or nil, nil when none exists.
func (r *DeliveryRepository) GetDelivery(ctx context.Context, key types.DeliveryKey) (*types.NotificationDelivery, error) {
	var (
		d                                   types.NotificationDelivery
		channel, status                     string
		providerMsgID, errorCode, errDetail *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, digest_batch_id, channel, status,
		        provider_message_id, error_code, error_detail, sent_at,
		        created_at, updated_at
		 FROM notification_deliveries
		 WHERE user_id = $1 AND digest_batch_id = $2 AND channel = $3`,
		key.UserID,
		key.BatchID,
		string(key.Channel),
	).Scan(
		&d.ID,
		&d.UserID,
		&d.BatchID,
		&channel,
		&status,
		&providerMsgID,
		&errorCode,
		&errDetail,
		&d.SentAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve notification delivery", err)
	}
	d.Channel = types.ChannelType(channel)
	d.Status = types.DeliveryStatus(status)
	d.ProviderMessageID = derefString(providerMsgID)
	d.ErrorCode = derefString(errorCode)
	d.ErrorDetail = derefString(errDetail)
	d.SentAt = utcPtr(d.SentAt)
	return &d, nil
}

// UpsertDelivery writes the row for d's key, replacing status, provider id,
// error fields and sent_at. A row already in status 'sent' is left untouched.
func (r *DeliveryRepository) UpsertDelivery(ctx context.Context, d *types.NotificationDelivery) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO notification_deliveries
		 (user_id, digest_batch_id, channel, status, provider_message_id,
		  error_code, error_detail, sent_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 ON CONFLICT (user_id, digest_batch_id, channel) DO UPDATE SET
		   status = EXCLUDED.status,
		   provider_message_id = EXCLUDED.provider_message_id,
		   error_code = EXCLUDED.error_code,
		   error_detail = EXCLUDED.error_detail,
		   sent_at = EXCLUDED.sent_at,
		   updated_at = NOW()
		 WHERE notification_deliveries.status <> 'sent'
		 RETURNING id`,
		d.UserID,
		d.BatchID,
		string(d.Channel),
		string(d.Status),
		nilIfEmpty(d.ProviderMessageID),
		nilIfEmpty(d.ErrorCode),
		nilIfEmpty(d.ErrorDetail),
		utcPtr(d.SentAt),
	).Scan(&d.ID)
	if err != nil {
		// The WHERE guard suppressed the update of a sent row.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert notification delivery", err)
	}
	return nil
}

// ClaimDelivery moves the row for key to 'queued' at now and reports whether
// this caller took it. A sent row, or a queued row updated at or after
// staleBefore, is left alone. Concurrent claimers serialize on the conflicting
// row, so at most one sees a returned id.
func (r *DeliveryRepository) ClaimDelivery(ctx context.Context, key types.DeliveryKey, now, staleBefore time.Time) (bool, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO notification_deliveries
		 (user_id, digest_batch_id, channel, status, created_at, updated_at)
		 VALUES ($1, $2, $3, 'queued', $4, $4)
		 ON CONFLICT (user_id, digest_batch_id, channel) DO UPDATE SET
		   status = 'queued',
		   provider_message_id = NULL,
		   error_code = NULL,
		   error_detail = NULL,
		   updated_at = EXCLUDED.updated_at
		 WHERE notification_deliveries.status IN ('failed', 'skipped')
		    OR (notification_deliveries.status = 'queued'
		        AND notification_deliveries.updated_at < $5)
		 RETURNING id`,
		key.UserID,
		key.BatchID,
		string(key.Channel),
		now.UTC(),
		staleBefore.UTC(),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim notification delivery", err)
	}
	return true, nil
}
