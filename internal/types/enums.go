package types

// LoTWAuthState is the health of a user's stored LoTW session, maintained by
// the external sync client.
type LoTWAuthState string

const (
	LoTWAuthOK             LoTWAuthState = "ok"
	LoTWAuthTransientError LoTWAuthState = "transient_error"
	LoTWAuthExpired        LoTWAuthState = "auth_expired"
	LoTWAuthMissingCookies LoTWAuthState = "missing_cookies"
	LoTWAuthUnknown        LoTWAuthState = "unknown"
)

// SubscriptionStatus mirrors the billing provider's subscription state column.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionNone     SubscriptionStatus = "none"
)

// DigestFrequency controls how often a digest is produced. Only daily is
// implemented.
type DigestFrequency string

const (
	DigestFrequencyDaily DigestFrequency = "daily"
)

// ChannelType identifies a notification delivery mechanism.
type ChannelType string

const (
	ChannelPush  ChannelType = "push"
	ChannelEmail ChannelType = "email"
)

// DeliveryStatus is the state of one (user, batch, channel) delivery row.
type DeliveryStatus string

const (
	DeliveryStatusQueued  DeliveryStatus = "queued"
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
	DeliveryStatusSkipped DeliveryStatus = "skipped"
)

// PushSubscriptionStatus tracks whether a browser endpoint is still usable.
type PushSubscriptionStatus string

const (
	PushSubscriptionActive  PushSubscriptionStatus = "active"
	PushSubscriptionInvalid PushSubscriptionStatus = "invalid"
)

// EligibilityReason explains an eligibility decision.
type EligibilityReason string

const (
	ReasonEligible             EligibilityReason = "eligible"
	ReasonMissingPreference    EligibilityReason = "missing_preference"
	ReasonDigestDisabled       EligibilityReason = "digest_disabled"
	ReasonInactiveEntitlement  EligibilityReason = "inactive_entitlement"
	ReasonLoTWAuthExpired      EligibilityReason = "lotw_auth_expired"
	ReasonLoTWTransientBackoff EligibilityReason = "lotw_transient_backoff"
	ReasonLoTWTransientError   EligibilityReason = "lotw_transient_error"
	ReasonLoTWAuthMissing      EligibilityReason = "lotw_auth_missing"
)

// Delivery error codes and skip reasons stored in notification_deliveries.error_code.
const (
	DeliveryReasonDigestDisabled        = "digest_disabled"
	DeliveryReasonEmptyDigest           = "empty_digest"
	DeliveryReasonWebPushDisabled       = "web_push_disabled"
	DeliveryReasonDryRun                = "dry_run"
	DeliveryReasonNoActiveSubscriptions = "no_active_subscriptions"
	DeliveryReasonPushSucceeded         = "push_succeeded"
	DeliveryReasonFallbackDisabled      = "fallback_disabled"
	DeliveryReasonEmailDisabled         = "email_disabled"

	DeliveryErrorPushFailed            = "push_failed"
	DeliveryErrorNoPushSuccess         = "no_push_success"
	DeliveryErrorEmailFailed           = "email_failed"
	DeliveryErrorMissingRecipientEmail = "missing_recipient_email"
)
