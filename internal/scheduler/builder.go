package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"qsldigest/internal/types"
)

// CandidateLister returns users whose digest is enabled and who hold (or are
// not required to hold) an entitlement. It is a coarse SQL pre-filter; the
// eligibility evaluator still runs on every candidate.
type CandidateLister interface {
	// SQL: SELECT u.* FROM users u JOIN notification_preferences p ON p.user_id = u.id
	//      WHERE p.digest_enabled AND (u.subscription_status IN ('active','trialing')
	//            OR u.entitlement_expires_at > $1)
	//      ORDER BY u.id LIMIT $2
	ListDigestCandidates(ctx context.Context, now time.Time, requireEntitlement bool, limit int) ([]types.User, error)
}

// DigestStore is the per-user read-modify-write surface of the builder.
type DigestStore interface {
	// EnsurePreference fetches the user's preference, creating defaults if absent.
	EnsurePreference(ctx context.Context, userID int64) (*types.NotificationPreference, error)

	// ListConfirmedContacts returns contacts with start < confirmed_at <= end,
	// newest first, id descending on ties.
	ListConfirmedContacts(ctx context.Context, userID int64, start, end time.Time) ([]types.ConfirmedContact, error)

	// UpsertDigestBatch inserts or overwrites the (user, digest_date) row and
	// sets batch.ID. created is false when an existing row was replaced.
	UpsertDigestBatch(ctx context.Context, batch *types.DigestBatch) (created bool, err error)

	// AdvanceDigestCursor moves last_digest_cursor_at forward to cursor.
	AdvanceDigestCursor(ctx context.Context, userID int64, cursor time.Time) error
}

// DigestTxRunner executes fn inside one transaction so a user's batch write
// and cursor advance commit together.
type DigestTxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, store DigestStore) error) error
}

// DispatchNotifier announces a freshly built, non-empty batch. Optional.
type DispatchNotifier interface {
	PublishDispatch(ctx context.Context, msg types.DispatchMessage) error
}

type buildOutcome int

const (
	outcomeSkipped buildOutcome = iota
	outcomeNotDue
	outcomeCreated
	outcomeUpdated
)

// DigestBuilder materialises one digest batch per eligible user per day.
type DigestBuilder struct {
	candidates         CandidateLister
	tx                 DigestTxRunner
	notifier           DispatchNotifier
	requireEntitlement bool
	logger             *slog.Logger
}

// NewDigestBuilder creates a DigestBuilder. notifier may be nil.
func NewDigestBuilder(candidates CandidateLister, tx DigestTxRunner, notifier DispatchNotifier, requireEntitlement bool, logger *slog.Logger) *DigestBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &DigestBuilder{
		candidates:         candidates,
		tx:                 tx,
		notifier:           notifier,
		requireEntitlement: requireEntitlement,
		logger:             logger,
	}
}

// BuildDueDigests builds or refreshes the due digest for every candidate user.
// limit <= 0 means no cap.
//
// Users are processed sequentially. A failure for one user is logged and
// counted in Failed; only the candidate query itself can fail the run.
func (b *DigestBuilder) BuildDueDigests(ctx context.Context, now time.Time, limit int) (types.GenerationResult, error) {
	var result types.GenerationResult

	users, err := b.candidates.ListDigestCandidates(ctx, now, b.requireEntitlement, limit)
	if err != nil {
		return result, fmt.Errorf("listing digest candidates: %w", err)
	}

	for i := range users {
		if err := ctx.Err(); err != nil {
			b.logger.WarnContext(ctx, "digest generation interrupted",
				"processed", i,
				"remaining", len(users)-i,
				"error", err,
			)
			break
		}

		user := &users[i]
		outcome, batch, err := b.buildForUser(ctx, user, now)
		if err != nil {
			b.logger.ErrorContext(ctx, "failed to build digest for user",
				"user_id", user.ID,
				"callsign", user.Callsign,
				"error", err,
			)
			result.Failed++
			continue
		}

		switch outcome {
		case outcomeCreated:
			result.Created++
		case outcomeUpdated:
			result.Updated++
		default:
			result.Skipped++
		}

		if batch != nil && batch.QSLCount > 0 {
			b.announce(ctx, batch)
		}
	}

	b.logger.InfoContext(ctx, "digest generation complete",
		"candidates", len(users),
		"created", result.Created,
		"updated", result.Updated,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

// buildForUser runs eligibility, scheduling, the contact query, the batch
// upsert and the cursor advance inside a single transaction.
func (b *DigestBuilder) buildForUser(ctx context.Context, user *types.User, now time.Time) (buildOutcome, *types.DigestBatch, error) {
	outcome := outcomeSkipped
	var built *types.DigestBatch

	err := b.tx.RunInTx(ctx, func(ctx context.Context, store DigestStore) error {
		pref, err := store.EnsurePreference(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("ensuring preference: %w", err)
		}

		elig := EvaluateEligibility(user, pref, now, b.requireEntitlement)
		if !elig.Eligible {
			b.logIneligible(ctx, user, elig)
			return nil
		}

		sched := ComputeDigestSchedule(now, user.Timezone, pref.DigestTimeLocal, pref.LastDigestCursorAt)
		if now.Before(sched.WindowEnd) {
			outcome = outcomeNotDue
			return nil
		}

		contacts, err := store.ListConfirmedContacts(ctx, user.ID, sched.WindowStart, sched.WindowEnd)
		if err != nil {
			return fmt.Errorf("listing confirmed contacts: %w", err)
		}

		batch := &types.DigestBatch{
			UserID:         user.ID,
			DigestDate:     sched.DigestDate,
			WindowStartUTC: sched.WindowStart,
			WindowEndUTC:   sched.WindowEnd,
			QSLCount:       len(contacts),
			Payload:        types.NewDigestPayload(contacts),
			GeneratedAt:    now,
		}
		created, err := store.UpsertDigestBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("upserting digest batch: %w", err)
		}

		if err := store.AdvanceDigestCursor(ctx, user.ID, sched.WindowEnd); err != nil {
			return fmt.Errorf("advancing digest cursor: %w", err)
		}

		if created {
			outcome = outcomeCreated
		} else {
			outcome = outcomeUpdated
		}
		built = batch

		b.logger.InfoContext(ctx, "digest batch built",
			"user_id", user.ID,
			"batch_id", batch.ID,
			"digest_date", batch.DateString(),
			"timezone", sched.Timezone,
			"window_start", sched.WindowStart.Format(time.RFC3339),
			"window_end", sched.WindowEnd.Format(time.RFC3339),
			"qsl_count", batch.QSLCount,
			"created", created,
		)
		return nil
	})
	if err != nil {
		return outcomeSkipped, nil, err
	}
	return outcome, built, nil
}

func (b *DigestBuilder) logIneligible(ctx context.Context, user *types.User, elig types.Eligibility) {
	if IsInconsistentTransientState(user) {
		b.logger.WarnContext(ctx, "state inconsistency: transient_error without failure history",
			"user_id", user.ID,
			"callsign", user.Callsign,
			"fail_count", user.LoTWFailCount,
			"has_last_fail_at", user.LoTWLastFailAt != nil,
		)
	}

	attrs := []any{
		"user_id", user.ID,
		"callsign", user.Callsign,
		"reason", string(elig.Reason),
	}
	if elig.RetryNotBefore != nil {
		attrs = append(attrs, "retry_not_before", elig.RetryNotBefore.Format(time.RFC3339))
	}
	b.logger.InfoContext(ctx, "digest skipped: user not eligible", attrs...)
}

// announce publishes a dispatch hint after the batch committed. The scheduled
// dispatch pass picks the batch up anyway, so failures are only logged.
func (b *DigestBuilder) announce(ctx context.Context, batch *types.DigestBatch) {
	if b.notifier == nil {
		return
	}
	msg := types.DispatchMessage{
		BatchID:    batch.ID,
		UserID:     batch.UserID,
		DigestDate: batch.DateString(),
	}
	if err := b.notifier.PublishDispatch(ctx, msg); err != nil {
		b.logger.WarnContext(ctx, "failed to publish dispatch message",
			"batch_id", batch.ID,
			"error", err,
		)
	}
}
