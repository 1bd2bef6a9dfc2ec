package db

import (
	"context"
	"time"

	"qsldigest/internal/types"
)

// ContactRepository reads confirmed contacts from qso_reports, which the LoTW
// sync client owns.
type ContactRepository struct {
	db DBTX
}

// NewContactRepository creates a new ContactRepository backed by the given
// database connection (pool or transaction).
func NewContactRepository(db DBTX) *ContactRepository {
	return &ContactRepository{db: db}
}

// ListConfirmedContacts returns the user's contacts whose LoTW confirmation
// time falls in the half-open window (start, end], newest confirmation first
// with id descending on ties so repeated runs produce identical payloads.
func (r *ContactRepository) ListConfirmedContacts(ctx context.Context, userID int64, start, end time.Time) ([]types.ConfirmedContact, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, call, band, mode, app_lotw_rxqsl
		 FROM qso_reports
		 WHERE user_id = $1
		   AND app_lotw_rxqsl IS NOT NULL
		   AND app_lotw_rxqsl > $2
		   AND app_lotw_rxqsl <= $3
		 ORDER BY app_lotw_rxqsl DESC, id DESC`,
		userID,
		start.UTC(),
		end.UTC(),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query confirmed contacts", err)
	}
	defer rows.Close()

	var contacts []types.ConfirmedContact
	for rows.Next() {
		var (
			c                types.ConfirmedContact
			call, band, mode *string
		)
		if err := rows.Scan(&c.ID, &call, &band, &mode, &c.ConfirmedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan confirmed contact", err)
		}
		c.Call = derefString(call)
		c.Band = derefString(band)
		c.Mode = derefString(mode)
		c.ConfirmedAt = c.ConfirmedAt.UTC()
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating confirmed contacts", err)
	}
	return contacts, nil
}
