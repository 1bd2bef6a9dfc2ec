package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"qsldigest/internal/types"
)

// DigestBatchRepository provides data access for qsl_digest_batches.
// A batch is unique on (user_id, digest_date).
type DigestBatchRepository struct {
	db DBTX
}

// NewDigestBatchRepository creates a new DigestBatchRepository backed by the
// given database connection (pool or transaction).
func NewDigestBatchRepository(db DBTX) *DigestBatchRepository {
	return &DigestBatchRepository{db: db}
}

// UpsertDigestBatch creates the (user, digest_date) batch or overwrites the
// window, count and payload of the existing one. It sets b.ID and reports
// whether a new row was inserted.
//
// xmax is zero only for a freshly inserted tuple, which distinguishes insert
// from update in a single round trip.
func (r *DigestBatchRepository) UpsertDigestBatch(ctx context.Context, b *types.DigestBatch) (bool, error) {
	payload, err := json.Marshal(b.Payload)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode digest payload", err)
	}
	generatedAt := b.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now().UTC()
	}

	var created bool
	err = r.db.QueryRow(ctx,
		`INSERT INTO qsl_digest_batches
		 (user_id, digest_date, window_start_utc, window_end_utc, qsl_count, payload, generated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, digest_date) DO UPDATE SET
		   window_start_utc = EXCLUDED.window_start_utc,
		   window_end_utc = EXCLUDED.window_end_utc,
		   qsl_count = EXCLUDED.qsl_count,
		   payload = EXCLUDED.payload,
		   generated_at = EXCLUDED.generated_at
		 RETURNING id, (xmax = 0)`,
		b.UserID,
		b.DigestDate,
		b.WindowStartUTC.UTC(),
		b.WindowEndUTC.UTC(),
		b.QSLCount,
		payload,
		generatedAt,
	).Scan(&b.ID, &created)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert digest batch", err)
	}
	b.GeneratedAt = generatedAt
	return created, nil
}

// GetDigestBatch retrieves a batch by id.
// Returns ErrCodeNotFoundDigestBatch if it does not exist.
func (r *DigestBatchRepository) GetDigestBatch(ctx context.Context, id int64) (*types.DigestBatch, error) {
	var (
		b       types.DigestBatch
		payload []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, digest_date, window_start_utc, window_end_utc,
		        qsl_count, payload, generated_at
		 FROM qsl_digest_batches
		 WHERE id = $1`,
		id,
	).Scan(
		&b.ID,
		&b.UserID,
		&b.DigestDate,
		&b.WindowStartUTC,
		&b.WindowEndUTC,
		&b.QSLCount,
		&payload,
		&b.GeneratedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDigestBatch, "digest batch not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve digest batch", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &b.Payload); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode digest payload", err)
		}
	}

	y, m, d := b.DigestDate.Date()
	b.DigestDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	b.WindowStartUTC = b.WindowStartUTC.UTC()
	b.WindowEndUTC = b.WindowEndUTC.UTC()
	b.GeneratedAt = b.GeneratedAt.UTC()
	return &b, nil
}

// ListPendingDigestBatches returns ids of non-empty batches that have no sent
// delivery on any channel, oldest generation first.
func (r *DigestBatchRepository) ListPendingDigestBatches(ctx context.Context, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 10000
	}

	rows, err := r.db.Query(ctx,
		`SELECT b.id
		 FROM qsl_digest_batches b
		 WHERE b.qsl_count > 0
		   AND NOT EXISTS (
		     SELECT 1 FROM notification_deliveries d
		     WHERE d.digest_batch_id = b.id AND d.status = 'sent')
		 ORDER BY b.generated_at, b.id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list pending digest batches", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan pending digest batch", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating pending digest batches", err)
	}
	return ids, nil
}

// DeleteDigestBatchesBefore deletes up to limit batches dated before cutoff,
// together with their delivery rows, and returns the number of batches
// removed.
func (r *DigestBatchRepository) DeleteDigestBatchesBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tag, err := r.db.Exec(ctx,
		`WITH doomed AS (
		   SELECT id FROM qsl_digest_batches
		   WHERE digest_date < $1
		   ORDER BY id
		   LIMIT $2
		 ), gone AS (
		   DELETE FROM notification_deliveries
		   WHERE digest_batch_id IN (SELECT id FROM doomed)
		 )
		 DELETE FROM qsl_digest_batches
		 WHERE id IN (SELECT id FROM doomed)`,
		cutoff.UTC(),
		limit,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired digest batches", err)
	}
	return int(tag.RowsAffected()), nil
}
