package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"qsldigest/internal/types"
)

// PreferenceRepository provides data access for notification_preferences.
// The digest cursor is the only column this module writes after creation.
type PreferenceRepository struct {
	db DBTX
}

// NewPreferenceRepository creates a new PreferenceRepository backed by the
// given database connection (pool or transaction).
func NewPreferenceRepository(db DBTX) *PreferenceRepository {
	return &PreferenceRepository{db: db}
}

const preferenceColumns = `user_id, digest_enabled, digest_time_local, digest_frequency,
	fallback_to_email, use_account_email, notification_email,
	last_digest_cursor_at, created_at, updated_at`

func scanPreference(row pgx.Row) (*types.NotificationPreference, error) {
	var (
		p          types.NotificationPreference
		digestTime pgtype.Time
		frequency  string
		email      *string
	)
	err := row.Scan(
		&p.UserID,
		&p.DigestEnabled,
		&digestTime,
		&frequency,
		&p.FallbackToEmail,
		&p.UseAccountEmail,
		&email,
		&p.LastDigestCursorAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.DigestTimeLocal = types.DefaultDigestTime
	if digestTime.Valid {
		p.DigestTimeLocal = timeOfDayFromPG(digestTime)
	}
	p.DigestFrequency = types.DigestFrequency(frequency)
	p.NotificationEmail = derefString(email)
	p.LastDigestCursorAt = utcPtr(p.LastDigestCursorAt)
	return &p, nil
}

// timeOfDayFromPG converts a TIME column (microseconds since midnight).
func timeOfDayFromPG(t pgtype.Time) types.TimeOfDay {
	minutes := t.Microseconds / int64(time.Minute/time.Microsecond)
	return types.TimeOfDay{Hour: int(minutes / 60), Minute: int(minutes % 60)}
}

// timeOfDayToPG converts a TimeOfDay to a TIME parameter.
func timeOfDayToPG(t types.TimeOfDay) pgtype.Time {
	d := time.Duration(t.Hour)*time.Hour + time.Duration(t.Minute)*time.Minute
	return pgtype.Time{Microseconds: d.Microseconds(), Valid: true}
}

// GetPreference returns the user's preference, or nil, nil when none exists.
func (r *PreferenceRepository) GetPreference(ctx context.Context, userID int64) (*types.NotificationPreference, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+preferenceColumns+`
		 FROM notification_preferences
		 WHERE user_id = $1`,
		userID,
	)
	p, err := scanPreference(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve notification preference", err)
	}
	return p, nil
}

// EnsurePreference returns the user's preference, creating one with defaults
// (digest disabled, 08:00 cutoff, daily, email fallback on, account email)
// when absent. Concurrent callers converge on the same row.
func (r *PreferenceRepository) EnsurePreference(ctx context.Context, userID int64) (*types.NotificationPreference, error) {
	_, err := r.db.Exec(ctx,
		`INSERT INTO notification_preferences
		 (user_id, digest_enabled, digest_time_local, digest_frequency,
		  fallback_to_email, use_account_email, created_at, updated_at)
		 VALUES ($1, FALSE, $2, $3, TRUE, TRUE, NOW(), NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
		timeOfDayToPG(types.DefaultDigestTime),
		string(types.DigestFrequencyDaily),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create notification preference", err)
	}

	p, err := r.GetPreference(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundPreference, "notification preference vanished after insert", nil)
	}
	return p, nil
}

// AdvanceDigestCursor moves last_digest_cursor_at forward to cursor. A cursor
// at or behind the stored value is ignored, so the cursor never regresses.
func (r *PreferenceRepository) AdvanceDigestCursor(ctx context.Context, userID int64, cursor time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE notification_preferences
		 SET last_digest_cursor_at = $2, updated_at = NOW()
		 WHERE user_id = $1
		   AND (last_digest_cursor_at IS NULL OR last_digest_cursor_at < $2)`,
		userID,
		cursor.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to advance digest cursor", err)
	}
	return nil
}
