package scheduler

import (
	"time"

	"qsldigest/internal/types"
)

// DefaultDigestTimezone is used when a user's timezone is empty or unknown.
const DefaultDigestTimezone = "UTC"

// ResolveTimezone loads an IANA zone, falling back to UTC for empty, unknown
// or process-relative ("Local") names. It never fails.
func ResolveTimezone(name string) (*time.Location, string) {
	if name == "" || name == "Local" {
		return time.UTC, DefaultDigestTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, DefaultDigestTimezone
	}
	return loc, loc.String()
}

// ComputeDigestSchedule works out which calendar day's digest is due at now
// and the UTC window it covers.
//
// If local now is at or after today's cutoff the digest date is today,
// otherwise yesterday. The window ends at the cutoff on the digest date. It
// starts 24h earlier unless cursor is set and strictly before the end, in
// which case it starts at the cursor so skipped runs are caught up.
func ComputeDigestSchedule(now time.Time, timezone string, cutoff types.TimeOfDay, cursor *time.Time) types.DigestSchedule {
	loc, tzName := ResolveTimezone(timezone)
	localNow := now.In(loc)

	year, month, day := localNow.Date()
	scheduledToday := time.Date(year, month, day, cutoff.Hour, cutoff.Minute, 0, 0, loc)
	if localNow.Before(scheduledToday) {
		day--
	}

	// time.Date normalises day 0 into the last day of the previous month.
	scheduledLocal := time.Date(year, month, day, cutoff.Hour, cutoff.Minute, 0, 0, loc)
	digestDate := time.Date(scheduledLocal.Year(), scheduledLocal.Month(), scheduledLocal.Day(), 0, 0, 0, 0, time.UTC)

	windowEnd := scheduledLocal.UTC()
	windowStart := windowEnd.Add(-24 * time.Hour)
	if cursor != nil && !cursor.IsZero() && cursor.Before(windowEnd) {
		windowStart = cursor.UTC()
	}

	return types.DigestSchedule{
		DigestDate:  digestDate,
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		Timezone:    tzName,
	}
}
