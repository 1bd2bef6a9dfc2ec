package scheduler

import (
	"time"

	"qsldigest/internal/notifications/core"
	"qsldigest/internal/types"
)

// TransientBackoff returns how long to wait after the last LoTW failure before
// generating again: min(300s * 2^(max(1, failCount)-1), 24h).
func TransientBackoff(failCount int) time.Duration {
	if failCount < 1 {
		failCount = 1
	}
	return core.CalculateNextRetry(core.LoTWBackoffPolicy, failCount-1)
}

// EvaluateEligibility decides whether a user's digest may be generated at now.
// The first matching rule wins:
//
//  1. no preference record              -> missing_preference
//  2. digests disabled                  -> digest_disabled
//  3. entitlement required but inactive -> inactive_entitlement
//  4. auth expired or cookies missing   -> lotw_auth_expired
//  5. transient LoTW error              -> lotw_transient_error (no usable
//     failure history) or lotw_transient_backoff (retry time still ahead)
//  6. no stored credentials             -> lotw_auth_missing
//  7. otherwise                         -> eligible
//
// A transient error whose backoff has elapsed falls through to rule 6.
func EvaluateEligibility(user *types.User, pref *types.NotificationPreference, now time.Time, requireEntitlement bool) types.Eligibility {
	if pref == nil {
		return notEligible(types.ReasonMissingPreference)
	}
	if !pref.DigestEnabled {
		return notEligible(types.ReasonDigestDisabled)
	}
	if requireEntitlement && !user.EntitlementActive(now) {
		return notEligible(types.ReasonInactiveEntitlement)
	}

	switch user.LoTWAuthState {
	case types.LoTWAuthExpired, types.LoTWAuthMissingCookies:
		return notEligible(types.ReasonLoTWAuthExpired)
	case types.LoTWAuthTransientError:
		if user.LoTWFailCount <= 0 || user.LoTWLastFailAt == nil {
			return notEligible(types.ReasonLoTWTransientError)
		}
		retryAt := user.LoTWLastFailAt.Add(TransientBackoff(user.LoTWFailCount)).UTC()
		if retryAt.After(now) {
			return types.Eligibility{
				Eligible:       false,
				Reason:         types.ReasonLoTWTransientBackoff,
				RetryNotBefore: &retryAt,
			}
		}
	}

	if !user.HasCredentials {
		return notEligible(types.ReasonLoTWAuthMissing)
	}
	return types.Eligibility{Eligible: true, Reason: types.ReasonEligible}
}

// IsInconsistentTransientState reports the transient_error case that carries
// no failure history. EvaluateEligibility blocks it without a retry time, so
// callers raise an alarm instead of excluding the user silently.
func IsInconsistentTransientState(user *types.User) bool {
	return user.LoTWAuthState == types.LoTWAuthTransientError &&
		(user.LoTWFailCount <= 0 || user.LoTWLastFailAt == nil)
}

func notEligible(reason types.EligibilityReason) types.Eligibility {
	return types.Eligibility{Eligible: false, Reason: reason}
}
