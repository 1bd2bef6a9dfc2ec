// Package core provides the delivery bookkeeping shared by the digest
// dispatcher and its workers: delivery-row state transitions keyed by
// (user, batch, channel), backoff policies, and delivery metrics.
package core

import (
	"context"
	"time"

	"qsldigest/internal/types"
)

// DeliveryManager wraps delivery-row persistence with the state rules the
// dispatcher relies on. Every write is an upsert on the natural key, so a
// retried dispatch never creates a second row for the same channel.
type DeliveryManager interface {
	// Lookup returns the stored row, or nil if the channel was never attempted.
	Lookup(ctx context.Context, key types.DeliveryKey) (*types.NotificationDelivery, error)

	// AlreadySent reports whether the row exists with status 'sent'.
	AlreadySent(ctx context.Context, key types.DeliveryKey) (bool, error)

	// Claim moves the row to 'queued' for the caller, who then owns the send.
	// It returns false when the row is sent or another claim younger than
	// ClaimLease holds it.
	Claim(ctx context.Context, key types.DeliveryKey) (bool, error)

	// MarkSent records a successful send and stamps sent_at.
	MarkSent(ctx context.Context, key types.DeliveryKey, providerMsgID string) error

	// MarkFailed records a failed send with a machine-readable code and detail.
	MarkFailed(ctx context.Context, key types.DeliveryKey, code, detail string) error

	// MarkSkipped records a deliberate non-send (feature off, dry run, not needed).
	MarkSkipped(ctx context.Context, key types.DeliveryKey, reason string) error
}

// ClaimLease is how long a 'queued' claim blocks other dispatchers. A claim
// older than this is treated as abandoned by a crashed dispatch.
const ClaimLease = 10 * time.Minute

// MetricResult categorizes a delivery outcome for metrics reporting.
type MetricResult string

const (
	MetricSuccess MetricResult = "success"
	MetricFailed  MetricResult = "failed"
	MetricSkipped MetricResult = "skipped"
)

// MetricResultFor maps a delivery status to its metric bucket.
func MetricResultFor(status types.DeliveryStatus) MetricResult {
	switch status {
	case types.DeliveryStatusSent:
		return MetricSuccess
	case types.DeliveryStatusFailed:
		return MetricFailed
	default:
		return MetricSkipped
	}
}

// NotificationMetrics abstracts CloudWatch operations for the digest pipeline.
type NotificationMetrics interface {
	RecordDelivery(ctx context.Context, channel types.ChannelType, result MetricResult)
	RecordLatency(ctx context.Context, channel types.ChannelType, duration time.Duration)
	RecordJobCounts(ctx context.Context, job string, counts map[string]int)
}

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

var (
	// LoTWBackoffPolicy spaces digest attempts after LoTW sync failures:
	// 5 minutes doubling per consecutive failure, capped at one day.
	LoTWBackoffPolicy = RetryPolicy{
		BaseDelay:     300 * time.Second,
		MaxDelay:      24 * time.Hour,
		BackoffFactor: 2.0,
	}

	// PushRetryPolicy governs transport-level retries to push services.
	PushRetryPolicy = RetryPolicy{
		MaxAttempts:   2,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}

	// EmailRetryPolicy governs transport-level retries to email providers.
	EmailRetryPolicy = RetryPolicy{
		MaxAttempts:   3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
)

// CalculateNextRetry computes min(BaseDelay * BackoffFactor^attempt, MaxDelay).
// Negative attempts are treated as zero.
func CalculateNextRetry(policy RetryPolicy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.BaseDelay)
	maxDelay := float64(policy.MaxDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.BackoffFactor
		if delay >= maxDelay {
			return policy.MaxDelay
		}
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay || d < 0 {
		d = policy.MaxDelay
	}
	return d
}
