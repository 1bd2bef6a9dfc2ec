package scheduler

import (
	"testing"
	"time"

	"qsldigest/internal/types"
)

func ptrTime(t time.Time) *time.Time { return &t }

func TestEvaluateEligibility_DecisionTable(t *testing.T) {
	now := time.Date(2026, 2, 14, 15, 0, 0, 0, time.UTC)

	enabled := &types.NotificationPreference{DigestEnabled: true}
	disabled := &types.NotificationPreference{DigestEnabled: false}

	healthy := func() *types.User {
		return &types.User{
			ID:                 1,
			Callsign:           "K1ABC",
			LoTWAuthState:      types.LoTWAuthOK,
			HasCredentials:     true,
			SubscriptionStatus: types.SubscriptionActive,
		}
	}

	tests := []struct {
		name        string
		user        func() *types.User
		pref        *types.NotificationPreference
		requirePaid bool
		wantOK      bool
		wantReason  types.EligibilityReason
		wantRetry   *time.Time
	}{
		{
			name:       "missing preference",
			user:       healthy,
			pref:       nil,
			wantReason: types.ReasonMissingPreference,
		},
		{
			name:       "digest disabled",
			user:       healthy,
			pref:       disabled,
			wantReason: types.ReasonDigestDisabled,
		},
		{
			name: "inactive entitlement when required",
			user: func() *types.User {
				u := healthy()
				u.SubscriptionStatus = types.SubscriptionCanceled
				return u
			},
			pref:        enabled,
			requirePaid: true,
			wantReason:  types.ReasonInactiveEntitlement,
		},
		{
			name: "inactive entitlement ignored when not required",
			user: func() *types.User {
				u := healthy()
				u.SubscriptionStatus = types.SubscriptionCanceled
				return u
			},
			pref:       enabled,
			wantOK:     true,
			wantReason: types.ReasonEligible,
		},
		{
			name: "unexpired entitlement counts as active",
			user: func() *types.User {
				u := healthy()
				u.SubscriptionStatus = types.SubscriptionCanceled
				u.EntitlementExpiresAt = ptrTime(now.Add(time.Hour))
				return u
			},
			pref:        enabled,
			requirePaid: true,
			wantOK:      true,
			wantReason:  types.ReasonEligible,
		},
		{
			name: "auth expired",
			user: func() *types.User {
				u := healthy()
				u.LoTWAuthState = types.LoTWAuthExpired
				return u
			},
			pref:        enabled,
			requirePaid: true,
			wantReason:  types.ReasonLoTWAuthExpired,
		},
		{
			name: "missing cookies treated as auth expired",
			user: func() *types.User {
				u := healthy()
				u.LoTWAuthState = types.LoTWAuthMissingCookies
				return u
			},
			pref:       enabled,
			wantReason: types.ReasonLoTWAuthExpired,
		},
		{
			name: "transient error inside backoff",
			user: func() *types.User {
				u := healthy()
				u.LoTWAuthState = types.LoTWAuthTransientError
				u.LoTWFailCount = 2 // 600s
				u.LoTWLastFailAt = ptrTime(now.Add(-5 * time.Minute))
				return u
			},
			pref:       enabled,
			wantReason: types.ReasonLoTWTransientBackoff,
			wantRetry:  ptrTime(now.Add(5 * time.Minute)),
		},
		{
			name: "transient error with retry exactly now falls through",
			user: func() *types.User {
				u := healthy()
				u.LoTWAuthState = types.LoTWAuthTransientError
				u.LoTWFailCount = 1 // 300s
				u.LoTWLastFailAt = ptrTime(now.Add(-300 * time.Second))
				return u
			},
			pref:       enabled,
			wantOK:     true,
			wantReason: types.ReasonEligible,
		},
		{
			name: "transient error past backoff without credentials",
			user: func() *types.User {
				u := healthy()
				u.LoTWAuthState = types.LoTWAuthTransientError
				u.LoTWFailCount = 1
				u.LoTWLastFailAt = ptrTime(now.Add(-time.Hour))
				u.HasCredentials = false
				return u
			},
			pref:       enabled,
			wantReason: types.ReasonLoTWAuthMissing,
		},
		{
			name: "transient error backoff capped at one day",
			user: func() *types.User {
				u := healthy()
				u.LoTWAuthState = types.LoTWAuthTransientError
				u.LoTWFailCount = 40
				u.LoTWLastFailAt = ptrTime(now.Add(-23 * time.Hour))
				return u
			},
			pref:       enabled,
			wantReason: types.ReasonLoTWTransientBackoff,
			wantRetry:  ptrTime(now.Add(time.Hour)),
		},
		{
			name: "transient error with zero fail count",
			user: func() *types.User {
				u := healthy()
				u.LoTWAuthState = types.LoTWAuthTransientError
				u.LoTWFailCount = 0
				u.LoTWLastFailAt = ptrTime(now.Add(-time.Hour))
				return u
			},
			pref:       enabled,
			wantReason: types.ReasonLoTWTransientError,
		},
		{
			name: "transient error without last failure time",
			user: func() *types.User {
				u := healthy()
				u.LoTWAuthState = types.LoTWAuthTransientError
				u.LoTWFailCount = 3
				return u
			},
			pref:       enabled,
			wantReason: types.ReasonLoTWTransientError,
		},
		{
			name: "no credentials",
			user: func() *types.User {
				u := healthy()
				u.HasCredentials = false
				return u
			},
			pref:       enabled,
			wantReason: types.ReasonLoTWAuthMissing,
		},
		{
			name: "unknown state with credentials is eligible",
			user: func() *types.User {
				u := healthy()
				u.LoTWAuthState = types.LoTWAuthUnknown
				return u
			},
			pref:       enabled,
			wantOK:     true,
			wantReason: types.ReasonEligible,
		},
		{
			name:        "eligible",
			user:        healthy,
			pref:        enabled,
			requirePaid: true,
			wantOK:      true,
			wantReason:  types.ReasonEligible,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateEligibility(tt.user(), tt.pref, now, tt.requirePaid)

			if got.Eligible != tt.wantOK {
				t.Errorf("Eligible = %v, want %v", got.Eligible, tt.wantOK)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
			switch {
			case tt.wantRetry == nil && got.RetryNotBefore != nil:
				t.Errorf("RetryNotBefore = %v, want nil", got.RetryNotBefore)
			case tt.wantRetry != nil && (got.RetryNotBefore == nil || !got.RetryNotBefore.Equal(*tt.wantRetry)):
				t.Errorf("RetryNotBefore = %v, want %v", got.RetryNotBefore, tt.wantRetry)
			}
		})
	}
}

func TestEvaluateEligibility_RuleOrder(t *testing.T) {
	// A user failing several rules reports the first one.
	now := time.Now().UTC()
	user := &types.User{
		LoTWAuthState:      types.LoTWAuthExpired,
		SubscriptionStatus: types.SubscriptionNone,
	}
	got := EvaluateEligibility(user, &types.NotificationPreference{DigestEnabled: false}, now, true)
	if got.Reason != types.ReasonDigestDisabled {
		t.Errorf("Reason = %q, want digest_disabled", got.Reason)
	}
}

func TestTransientBackoff(t *testing.T) {
	tests := []struct {
		failCount int
		want      time.Duration
	}{
		{-1, 300 * time.Second},
		{0, 300 * time.Second},
		{1, 300 * time.Second},
		{2, 600 * time.Second},
		{3, 1200 * time.Second},
		{9, 76800 * time.Second},
		{10, 86400 * time.Second},
	}
	for _, tt := range tests {
		if got := TransientBackoff(tt.failCount); got != tt.want {
			t.Errorf("TransientBackoff(%d) = %v, want %v", tt.failCount, got, tt.want)
		}
	}
}

func TestIsInconsistentTransientState(t *testing.T) {
	last := time.Now()
	cases := []struct {
		user types.User
		want bool
	}{
		{types.User{LoTWAuthState: types.LoTWAuthTransientError}, true},
		{types.User{LoTWAuthState: types.LoTWAuthTransientError, LoTWFailCount: 2}, true},
		{types.User{LoTWAuthState: types.LoTWAuthTransientError, LoTWFailCount: 2, LoTWLastFailAt: &last}, false},
		{types.User{LoTWAuthState: types.LoTWAuthOK}, false},
	}
	for i, c := range cases {
		if got := IsInconsistentTransientState(&c.user); got != c.want {
			t.Errorf("case %d: got %v, want %v", i, got, c.want)
		}
	}
}
