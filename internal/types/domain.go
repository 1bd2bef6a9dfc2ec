package types

import (
	"fmt"
	"time"
)

// User is the account record maintained by the LoTW sync client. This module
// reads it; only the sync client and billing webhooks write it.
type User struct {
	ID                   int64
	Callsign             string
	Email                string
	Timezone             string
	LoTWAuthState        LoTWAuthState
	LoTWFailCount        int
	LoTWLastFailAt       *time.Time
	LoTWLastFailReason   string
	HasCredentials       bool
	SubscriptionStatus   SubscriptionStatus
	EntitlementExpiresAt *time.Time
}

// EntitlementActive reports whether the user currently has paid access:
// an active or trialing subscription, or an entitlement that has not expired.
func (u *User) EntitlementActive(now time.Time) bool {
	switch u.SubscriptionStatus {
	case SubscriptionActive, SubscriptionTrialing:
		return true
	}
	return u.EntitlementExpiresAt != nil && u.EntitlementExpiresAt.After(now)
}

// TimeOfDay is a wall-clock time without a date or zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// DefaultDigestTime is the local cutoff used for new preferences.
var DefaultDigestTime = TimeOfDay{Hour: 8, Minute: 0}

// ParseTimeOfDay parses a strict "HH:MM" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if len(s) != 5 || s[2] != ':' {
		return TimeOfDay{}, fmt.Errorf("expected format HH:MM, got %q", s)
	}
	var hour, minute int
	n, err := fmt.Sscanf(s, "%d:%d", &hour, &minute)
	if err != nil || n != 2 {
		return TimeOfDay{}, fmt.Errorf("expected format HH:MM, got %q", s)
	}
	if hour < 0 || hour > 23 {
		return TimeOfDay{}, fmt.Errorf("hour %d out of range [0,23]", hour)
	}
	if minute < 0 || minute > 59 {
		return TimeOfDay{}, fmt.Errorf("minute %d out of range [0,59]", minute)
	}
	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// String formats as "HH:MM".
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// NotificationPreference holds a user's digest settings. LastDigestCursorAt is
// the only field this module writes during normal operation.
type NotificationPreference struct {
	UserID             int64
	DigestEnabled      bool
	DigestTimeLocal    TimeOfDay
	DigestFrequency    DigestFrequency
	FallbackToEmail    bool
	UseAccountEmail    bool
	NotificationEmail  string
	LastDigestCursorAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ConfirmedContact is a QSO record whose LoTW confirmation (rxqsl) timestamp
// places it inside a digest window.
type ConfirmedContact struct {
	ID          int64
	Call        string
	Band        string
	Mode        string
	ConfirmedAt time.Time
}

// DigestItem is the preview row embedded in a batch payload.
type DigestItem struct {
	QSOID   int64     `json:"qso_id"`
	Call    string    `json:"call"`
	Band    string    `json:"band"`
	Mode    string    `json:"mode"`
	RxQSLAt time.Time `json:"rxqsl_at"`
}

// DigestPayload is stored as JSONB on the batch row.
type DigestPayload struct {
	QSOIDs []int64      `json:"qso_ids"`
	Items  []DigestItem `json:"items"`
}

// NewDigestPayload builds the payload from contacts already in display order.
func NewDigestPayload(contacts []ConfirmedContact) DigestPayload {
	p := DigestPayload{
		QSOIDs: make([]int64, 0, len(contacts)),
		Items:  make([]DigestItem, 0, len(contacts)),
	}
	for _, c := range contacts {
		p.QSOIDs = append(p.QSOIDs, c.ID)
		p.Items = append(p.Items, DigestItem{
			QSOID:   c.ID,
			Call:    c.Call,
			Band:    c.Band,
			Mode:    c.Mode,
			RxQSLAt: c.ConfirmedAt.UTC(),
		})
	}
	return p
}

// DigestBatch is one user's digest for one calendar date.
// Unique on (UserID, DigestDate).
type DigestBatch struct {
	ID             int64
	UserID         int64
	DigestDate     time.Time // midnight UTC of the local calendar date
	WindowStartUTC time.Time
	WindowEndUTC   time.Time
	QSLCount       int
	Payload        DigestPayload
	GeneratedAt    time.Time
}

// DateString formats the digest date as YYYY-MM-DD.
func (b *DigestBatch) DateString() string {
	return b.DigestDate.Format(time.DateOnly)
}

// DeliveryKey identifies a delivery row.
type DeliveryKey struct {
	UserID  int64
	BatchID int64
	Channel ChannelType
}

// NotificationDelivery records the outcome of one channel for one batch.
type NotificationDelivery struct {
	ID                int64
	UserID            int64
	BatchID           int64
	Channel           ChannelType
	Status            DeliveryStatus
	ProviderMessageID string
	ErrorCode         string
	ErrorDetail       string
	SentAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Key returns the delivery's natural key.
func (d *NotificationDelivery) Key() DeliveryKey {
	return DeliveryKey{UserID: d.UserID, BatchID: d.BatchID, Channel: d.Channel}
}

// PushSubscription is a registered browser Web Push endpoint.
type PushSubscription struct {
	ID            int64
	UserID        int64
	Endpoint      string
	P256DHKey     string
	AuthKey       string
	Status        PushSubscriptionStatus
	UserAgent     string
	Platform      string
	LastSeenAt    *time.Time
	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	FailureCount  int
}

// Eligibility is the result of evaluating whether a user's digest should be
// generated right now.
type Eligibility struct {
	Eligible       bool              `json:"eligible"`
	Reason         EligibilityReason `json:"reason"`
	RetryNotBefore *time.Time        `json:"retry_not_before,omitempty"`
}

// DigestSchedule is the calendar date and UTC window a digest covers.
// The window is half-open: WindowStart < confirmed_at <= WindowEnd.
type DigestSchedule struct {
	DigestDate  time.Time
	WindowStart time.Time
	WindowEnd   time.Time
	Timezone    string
}

// DispatchResult summarises one batch dispatch.
type DispatchResult struct {
	BatchID     int64          `json:"batch_id"`
	PushStatus  DeliveryStatus `json:"push_status"`
	EmailStatus DeliveryStatus `json:"email_status"`
}

// GenerationResult aggregates one generation run.
type GenerationResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// DispatchSummary aggregates one dispatch run.
type DispatchSummary struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// PurgeResult aggregates one retention sweep.
type PurgeResult struct {
	BatchesDeleted int       `json:"batches_deleted"`
	Cutoff         time.Time `json:"cutoff"`
	TimedOut       bool      `json:"timed_out"`
}
