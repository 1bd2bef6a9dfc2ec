package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"qsldigest/internal/types"
)

// UserRepository reads the users table. Users are written by the LoTW sync
// client and billing; this module never mutates them.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// userColumns defines the standard set of columns selected for user queries.
// Used consistently across all query methods to avoid column drift.
const userColumns = `u.id, u.op, u.email, u.timezone, u.lotw_auth_state,
	u.lotw_fail_count, u.lotw_last_fail_at, u.lotw_last_fail_reason,
	(COALESCE(length(u.lotw_cookies_b), 0) > 0) AS has_credentials,
	u.subscription_status, u.entitlement_expires_at`

// scanUser scans a single user row into a types.User struct.
// The columns must match the order defined in userColumns.
func scanUser(row pgx.Row) (*types.User, error) {
	var (
		u          types.User
		email      *string
		timezone   *string
		authState  *string
		failCount  *int
		failReason *string
		subStatus  *string
	)
	err := row.Scan(
		&u.ID,
		&u.Callsign,
		&email,
		&timezone,
		&authState,
		&failCount,
		&u.LoTWLastFailAt,
		&failReason,
		&u.HasCredentials,
		&subStatus,
		&u.EntitlementExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	u.Email = derefString(email)
	u.Timezone = derefString(timezone)
	u.LoTWAuthState = types.LoTWAuthState(strings.ToLower(derefString(authState)))
	if u.LoTWAuthState == "" {
		u.LoTWAuthState = types.LoTWAuthUnknown
	}
	if failCount != nil {
		u.LoTWFailCount = *failCount
	}
	u.LoTWLastFailReason = derefString(failReason)
	u.SubscriptionStatus = types.SubscriptionStatus(derefString(subStatus))
	if u.SubscriptionStatus == "" {
		u.SubscriptionStatus = types.SubscriptionNone
	}
	u.LoTWLastFailAt = utcPtr(u.LoTWLastFailAt)
	u.EntitlementExpiresAt = utcPtr(u.EntitlementExpiresAt)
	return &u, nil
}

// GetUserByID retrieves a user by id.
// Returns ErrCodeNotFoundUser if no user exists.
func (r *UserRepository) GetUserByID(ctx context.Context, id int64) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+`
		 FROM users u
		 WHERE u.id = $1`,
		id,
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return u, nil
}

// GetUserByCallsign retrieves a user by operator callsign, case-insensitively.
func (r *UserRepository) GetUserByCallsign(ctx context.Context, callsign string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+`
		 FROM users u
		 WHERE upper(u.op) = upper($1)`,
		strings.TrimSpace(callsign),
	)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user", err)
	}
	return u, nil
}

// ListDigestCandidates returns users with digests enabled and, when
// requireEntitlement is set, an active/trialing subscription or an unexpired
// entitlement. This is only a coarse filter; eligibility is evaluated per user.
// limit <= 0 means no cap.
//
// SQL:
//
//	SELECT ... FROM users u
//	JOIN notification_preferences p ON p.user_id = u.id
//	WHERE p.digest_enabled
//	  AND (NOT $2 OR u.subscription_status IN ('active','trialing')
//	       OR u.entitlement_expires_at > $1)
//	ORDER BY u.id
func (r *UserRepository) ListDigestCandidates(ctx context.Context, now time.Time, requireEntitlement bool, limit int) ([]types.User, error) {
	query := `SELECT ` + userColumns + `
		 FROM users u
		 JOIN notification_preferences p ON p.user_id = u.id
		 WHERE p.digest_enabled
		   AND (NOT $2::boolean
		        OR u.subscription_status IN ('active', 'trialing')
		        OR u.entitlement_expires_at > $1)
		 ORDER BY u.id`
	args := []any{now.UTC(), requireEntitlement}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list digest candidates", err)
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		u, scanErr := scanUser(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan digest candidate", scanErr)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating digest candidates", err)
	}
	return users, nil
}
