package core

import (
	"context"
	"fmt"
	"time"

	"qsldigest/internal/types"
)

var _ DeliveryManager = (*DeliveryManagerImpl)(nil)

// DeliveryRepository is the persistence subset the manager needs.
type DeliveryRepository interface {
	// GetDelivery returns nil, nil when no row exists for key.
	GetDelivery(ctx context.Context, key types.DeliveryKey) (*types.NotificationDelivery, error)

	// ClaimDelivery sets the row to 'queued' at now, unless it is sent or
	// queued at or after staleBefore. It reports whether the claim was taken.
	ClaimDelivery(ctx context.Context, key types.DeliveryKey, now, staleBefore time.Time) (bool, error)

	// UpsertDelivery writes the row keyed by (user, batch, channel), replacing
	// status, provider id, error fields and sent_at.
	UpsertDelivery(ctx context.Context, d *types.NotificationDelivery) error
}

// DeliveryManagerImpl is the production DeliveryManager.
type DeliveryManagerImpl struct {
	repo   DeliveryRepository
	clock  types.Clock
	logger types.Logger
}

// NewDeliveryManager creates a DeliveryManagerImpl.
func NewDeliveryManager(repo DeliveryRepository, clock types.Clock, logger types.Logger) *DeliveryManagerImpl {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &DeliveryManagerImpl{
		repo:   repo,
		clock:  clock,
		logger: logger,
	}
}

func (m *DeliveryManagerImpl) Lookup(ctx context.Context, key types.DeliveryKey) (*types.NotificationDelivery, error) {
	d, err := m.repo.GetDelivery(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("Lookup: %w", err)
	}
	return d, nil
}

func (m *DeliveryManagerImpl) AlreadySent(ctx context.Context, key types.DeliveryKey) (bool, error) {
	d, err := m.Lookup(ctx, key)
	if err != nil {
		return false, err
	}
	return d != nil && d.Status == types.DeliveryStatusSent, nil
}

// Claim takes the channel for one dispatcher. Two concurrent dispatches of
// the same batch cannot both win.
func (m *DeliveryManagerImpl) Claim(ctx context.Context, key types.DeliveryKey) (bool, error) {
	now := m.clock.Now()
	ok, err := m.repo.ClaimDelivery(ctx, key, now, now.Add(-ClaimLease))
	if err != nil {
		return false, fmt.Errorf("Claim: %w", err)
	}
	return ok, nil
}

// MarkSent stores status 'sent' with the provider's message id.
func (m *DeliveryManagerImpl) MarkSent(ctx context.Context, key types.DeliveryKey, providerMsgID string) error {
	now := m.clock.Now()
	d := newDelivery(key, types.DeliveryStatusSent)
	d.ProviderMessageID = providerMsgID
	d.SentAt = &now

	if err := m.repo.UpsertDelivery(ctx, d); err != nil {
		return fmt.Errorf("MarkSent: %w", err)
	}

	m.logger.Info("delivery sent",
		"user_id", key.UserID,
		"batch_id", key.BatchID,
		"channel", string(key.Channel),
		"provider_message_id", providerMsgID,
	)
	return nil
}

// MarkFailed stores status 'failed' with the error code and detail.
func (m *DeliveryManagerImpl) MarkFailed(ctx context.Context, key types.DeliveryKey, code, detail string) error {
	d := newDelivery(key, types.DeliveryStatusFailed)
	d.ErrorCode = code
	d.ErrorDetail = detail

	if err := m.repo.UpsertDelivery(ctx, d); err != nil {
		return fmt.Errorf("MarkFailed: %w", err)
	}

	m.logger.Warn("delivery failed",
		"user_id", key.UserID,
		"batch_id", key.BatchID,
		"channel", string(key.Channel),
		"error_code", code,
		"error_detail", detail,
	)
	return nil
}

// MarkSkipped stores status 'skipped' with the reason in error_code.
func (m *DeliveryManagerImpl) MarkSkipped(ctx context.Context, key types.DeliveryKey, reason string) error {
	d := newDelivery(key, types.DeliveryStatusSkipped)
	d.ErrorCode = reason

	if err := m.repo.UpsertDelivery(ctx, d); err != nil {
		return fmt.Errorf("MarkSkipped: %w", err)
	}

	m.logger.Info("delivery skipped",
		"user_id", key.UserID,
		"batch_id", key.BatchID,
		"channel", string(key.Channel),
		"reason", reason,
	)
	return nil
}

func newDelivery(key types.DeliveryKey, status types.DeliveryStatus) *types.NotificationDelivery {
	return &types.NotificationDelivery{
		UserID:  key.UserID,
		BatchID: key.BatchID,
		Channel: key.Channel,
		Status:  status,
	}
}
