// Package digest delivers a materialized QSL digest batch to its owner:
// web push first, then email as a fallback when push reached no device.
// Every channel outcome is recorded as a delivery row keyed by
// (user, batch, channel), and a row already marked sent is never re-sent.
// A channel is claimed ('queued') before its send, so concurrent dispatches
// of one batch (scheduled pass, SQS worker, API) send at most once.
package digest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"qsldigest/internal/logging"
	"qsldigest/internal/notifications/core"
	"qsldigest/internal/notifications/email"
	"qsldigest/internal/notifications/webpush"
	"qsldigest/internal/types"
)

// errInFlight means another dispatch of the same batch holds the channel.
var errInFlight = errors.New("digest: channel claimed by a concurrent dispatch")

const (
	pushTitle = "New LoTW QSLs"
	// maxPushErrors is how many per-subscription errors go into error_detail.
	maxPushErrors = 3
)

// Store is the persistence the dispatcher reads and updates.
type Store interface {
	GetDigestBatch(ctx context.Context, id int64) (*types.DigestBatch, error)
	GetUserByID(ctx context.Context, id int64) (*types.User, error)
	// EnsurePreference creates the default preference row when absent.
	EnsurePreference(ctx context.Context, userID int64) (*types.NotificationPreference, error)
	ListActivePushSubscriptions(ctx context.Context, userID int64) ([]types.PushSubscription, error)
	RecordPushSuccess(ctx context.Context, subscriptionID int64, at time.Time) error
	RecordPushFailure(ctx context.Context, subscriptionID int64, at time.Time, invalidate bool) error
}

// PushSender delivers one payload to one subscription. Errors satisfying the
// dispatcher's permanence check invalidate the subscription.
type PushSender interface {
	Send(ctx context.Context, sub types.PushSubscription, payload types.PushPayload) error
}

// EmailSender transmits a rendered message and returns the provider id.
type EmailSender interface {
	Send(ctx context.Context, msg types.EmailMessage) (string, error)
}

// EmailRenderer builds the digest email.
type EmailRenderer interface {
	Render(d email.DigestEmail) (types.EmailMessage, error)
}

// Settings are the feature switches read at dispatch time.
type Settings struct {
	Enabled        bool
	WebPushEnabled bool
	EmailEnabled   bool
	DryRun         bool
	// BaseURL is the web origin; an empty value yields a relative link.
	BaseURL string
}

// Deps wires the dispatcher. Push, Email, Metrics and Logger may be nil; a
// nil sender behaves as a disabled channel.
type Deps struct {
	Store      Store
	Deliveries core.DeliveryManager
	Push       PushSender
	Email      EmailSender
	Renderer   EmailRenderer
	Metrics    core.NotificationMetrics
	Clock      types.Clock
	Logger     types.Logger

	// IsPermanent classifies push errors; defaults to webpush.IsPermanent.
	IsPermanent func(error) bool
}

// Dispatcher delivers digest batches.
type Dispatcher struct {
	deps     Deps
	settings Settings
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps Deps, settings Settings) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = core.NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop{}
	}
	if deps.IsPermanent == nil {
		deps.IsPermanent = webpush.IsPermanent
	}
	return &Dispatcher{deps: deps, settings: settings}
}

// DigestURL links to the web view of a digest date.
func DigestURL(baseURL, digestDate string) string {
	path := "/qsl/digest?date=" + digestDate
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return path
	}
	return base + path
}

// ResolveRecipientEmail picks the email address for a user: the account
// address unless the preference opts out of it in favour of a custom one.
// It returns "" when nothing usable is configured.
func ResolveRecipientEmail(user *types.User, pref *types.NotificationPreference) string {
	if pref == nil || pref.UseAccountEmail {
		return strings.TrimSpace(user.Email)
	}
	return strings.TrimSpace(pref.NotificationEmail)
}

// BuildPushPayload is the JSON body shown by the service worker.
func BuildPushPayload(user *types.User, batch *types.DigestBatch, url string) types.PushPayload {
	return types.PushPayload{
		Title:      pushTitle,
		Body:       fmt.Sprintf("You received %d new QSLs.", batch.QSLCount),
		URL:        url,
		DigestDate: batch.DateString(),
		QSLCount:   batch.QSLCount,
		Op:         user.Callsign,
	}
}

// dispatchContext carries what both channels need for one batch.
type dispatchContext struct {
	batch *types.DigestBatch
	user  *types.User
	pref  *types.NotificationPreference
	url   string
	log   types.Logger
}

func (dc *dispatchContext) key(ch types.ChannelType) types.DeliveryKey {
	return types.DeliveryKey{UserID: dc.user.ID, BatchID: dc.batch.ID, Channel: ch}
}

// DispatchBatch runs push then email for one batch and returns the final
// status of each channel. An error means the batch could not be loaded or a
// delivery row could not be written; transport failures are recorded on the
// row and are not returned.
func (d *Dispatcher) DispatchBatch(ctx context.Context, batchID int64) (types.DispatchResult, error) {
	result := types.DispatchResult{BatchID: batchID}

	batch, err := d.deps.Store.GetDigestBatch(ctx, batchID)
	if err != nil {
		return result, fmt.Errorf("loading batch %d: %w", batchID, err)
	}
	user, err := d.deps.Store.GetUserByID(ctx, batch.UserID)
	if err != nil {
		return result, fmt.Errorf("loading user %d for batch %d: %w", batch.UserID, batchID, err)
	}
	pref, err := d.deps.Store.EnsurePreference(ctx, user.ID)
	if err != nil {
		return result, fmt.Errorf("ensuring preference for user %d: %w", user.ID, err)
	}

	dc := &dispatchContext{
		batch: batch,
		user:  user,
		pref:  pref,
		url:   DigestURL(d.settings.BaseURL, batch.DateString()),
		log: d.deps.Logger.With(
			"batch_id", batch.ID,
			"user_id", user.ID,
			"op", user.Callsign,
			"digest_date", batch.DateString(),
		),
	}

	switch {
	case !d.settings.Enabled:
		return d.skipBoth(ctx, dc, types.DeliveryReasonDigestDisabled)
	case batch.QSLCount <= 0:
		return d.skipBoth(ctx, dc, types.DeliveryReasonEmptyDigest)
	}

	pushStatus, pushSent, err := d.dispatchPush(ctx, dc)
	if errors.Is(err, errInFlight) {
		// Email depends on the push outcome, so the claim holder does both.
		dc.log.Info("push claimed by a concurrent dispatch, leaving batch to it")
		result.PushStatus = types.DeliveryStatusQueued
		result.EmailStatus = types.DeliveryStatusQueued
		return result, nil
	}
	if err != nil {
		return result, err
	}
	result.PushStatus = pushStatus

	result.EmailStatus, err = d.dispatchEmail(ctx, dc, pushSent)
	if errors.Is(err, errInFlight) {
		dc.log.Info("email claimed by a concurrent dispatch")
		result.EmailStatus = types.DeliveryStatusQueued
		err = nil
	}
	if err != nil {
		return result, err
	}

	dc.log.Info("digest dispatch summary",
		"push_status", string(result.PushStatus),
		"email_status", string(result.EmailStatus),
	)
	return result, nil
}

func (d *Dispatcher) skipBoth(ctx context.Context, dc *dispatchContext, reason string) (types.DispatchResult, error) {
	result := types.DispatchResult{
		BatchID:     dc.batch.ID,
		PushStatus:  types.DeliveryStatusSkipped,
		EmailStatus: types.DeliveryStatusSkipped,
	}
	for _, ch := range []types.ChannelType{types.ChannelPush, types.ChannelEmail} {
		if err := d.skip(ctx, dc, ch, reason); err != nil {
			return result, err
		}
	}
	return result, nil
}

// claim takes the channel before any send. When the claim is lost to a row
// that has meanwhile been sent it reports sent; otherwise errInFlight.
func (d *Dispatcher) claim(ctx context.Context, key types.DeliveryKey) (types.DeliveryStatus, error) {
	ok, err := d.deps.Deliveries.Claim(ctx, key)
	if err != nil {
		return "", err
	}
	if ok {
		return types.DeliveryStatusQueued, nil
	}
	row, err := d.deps.Deliveries.Lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if row != nil && row.Status == types.DeliveryStatusSent {
		return types.DeliveryStatusSent, nil
	}
	return "", errInFlight
}

func (d *Dispatcher) skip(ctx context.Context, dc *dispatchContext, ch types.ChannelType, reason string) error {
	if err := d.deps.Deliveries.MarkSkipped(ctx, dc.key(ch), reason); err != nil {
		return err
	}
	d.deps.Metrics.RecordDelivery(ctx, ch, core.MetricSkipped)
	return nil
}

// dispatchPush returns the channel status and the number of successful
// sends. A previously sent row counts as one success.
func (d *Dispatcher) dispatchPush(ctx context.Context, dc *dispatchContext) (types.DeliveryStatus, int, error) {
	key := dc.key(types.ChannelPush)

	sent, err := d.deps.Deliveries.AlreadySent(ctx, key)
	if err != nil {
		return "", 0, err
	}
	if sent {
		dc.log.Info("push already sent, not resending")
		return types.DeliveryStatusSent, 1, nil
	}

	if !d.settings.WebPushEnabled || d.deps.Push == nil {
		return types.DeliveryStatusSkipped, 0, d.skip(ctx, dc, types.ChannelPush, types.DeliveryReasonWebPushDisabled)
	}
	if d.settings.DryRun {
		return types.DeliveryStatusSkipped, 0, d.skip(ctx, dc, types.ChannelPush, types.DeliveryReasonDryRun)
	}

	subs, err := d.deps.Store.ListActivePushSubscriptions(ctx, dc.user.ID)
	if err != nil {
		return "", 0, fmt.Errorf("listing push subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return types.DeliveryStatusSkipped, 0, d.skip(ctx, dc, types.ChannelPush, types.DeliveryReasonNoActiveSubscriptions)
	}

	switch status, err := d.claim(ctx, key); {
	case err != nil:
		return "", 0, err
	case status == types.DeliveryStatusSent:
		return types.DeliveryStatusSent, 1, nil
	}

	payload := BuildPushPayload(dc.user, dc.batch, dc.url)
	start := time.Now()
	successes, errs := d.sendPush(ctx, dc, subs, payload)
	d.deps.Metrics.RecordLatency(ctx, types.ChannelPush, time.Since(start))

	if successes > 0 {
		if err := d.deps.Deliveries.MarkSent(ctx, key, ""); err != nil {
			return "", 0, err
		}
		d.deps.Metrics.RecordDelivery(ctx, types.ChannelPush, core.MetricSuccess)
		return types.DeliveryStatusSent, successes, nil
	}

	detail := types.DeliveryErrorNoPushSuccess
	if len(errs) > 0 {
		detail = strings.Join(errs[max(0, len(errs)-maxPushErrors):], ",")
	}
	if err := d.deps.Deliveries.MarkFailed(ctx, key, types.DeliveryErrorPushFailed, detail); err != nil {
		return "", 0, err
	}
	d.deps.Metrics.RecordDelivery(ctx, types.ChannelPush, core.MetricFailed)
	return types.DeliveryStatusFailed, 0, nil
}

// sendPush attempts every subscription and updates its bookkeeping. It
// returns the success count and the error strings in attempt order.
func (d *Dispatcher) sendPush(ctx context.Context, dc *dispatchContext, subs []types.PushSubscription, payload types.PushPayload) (int, []string) {
	var (
		successes int
		errs      []string
	)
	for _, sub := range subs {
		sendErr := d.deps.Push.Send(ctx, sub, payload)
		now := d.deps.Clock.Now()
		log := dc.log.With("subscription_id", sub.ID)

		if sendErr == nil {
			successes++
			if err := d.deps.Store.RecordPushSuccess(ctx, sub.ID, now); err != nil {
				log.Error("recording push success failed", "error", err)
			}
			continue
		}

		permanent := d.deps.IsPermanent(sendErr)
		errs = append(errs, pushErrorLabel(sendErr))
		if permanent {
			log.Warn("push subscription gone, invalidating", "error", sendErr)
		} else {
			log.Warn("push send failed", "error", sendErr)
		}
		if err := d.deps.Store.RecordPushFailure(ctx, sub.ID, now, permanent); err != nil {
			log.Error("recording push failure failed", "error", err)
		}
	}
	return successes, errs
}

// pushErrorLabel condenses an error for error_detail: the AppError code and
// message when available, the plain text otherwise. Commas are stripped so
// the joined detail stays splittable.
func pushErrorLabel(err error) string {
	msg := err.Error()
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		msg = string(appErr.Code) + ": " + appErr.Message
	}
	return strings.ReplaceAll(msg, ",", ";")
}

func (d *Dispatcher) dispatchEmail(ctx context.Context, dc *dispatchContext, pushSent int) (types.DeliveryStatus, error) {
	key := dc.key(types.ChannelEmail)

	sent, err := d.deps.Deliveries.AlreadySent(ctx, key)
	if err != nil {
		return "", err
	}
	if sent {
		dc.log.Info("email already sent, not resending")
		return types.DeliveryStatusSent, nil
	}

	switch {
	case pushSent > 0:
		return types.DeliveryStatusSkipped, d.skip(ctx, dc, types.ChannelEmail, types.DeliveryReasonPushSucceeded)
	case !dc.pref.FallbackToEmail:
		return types.DeliveryStatusSkipped, d.skip(ctx, dc, types.ChannelEmail, types.DeliveryReasonFallbackDisabled)
	case !d.settings.EmailEnabled || d.deps.Email == nil:
		return types.DeliveryStatusSkipped, d.skip(ctx, dc, types.ChannelEmail, types.DeliveryReasonEmailDisabled)
	case d.settings.DryRun:
		return types.DeliveryStatusSkipped, d.skip(ctx, dc, types.ChannelEmail, types.DeliveryReasonDryRun)
	}

	switch status, err := d.claim(ctx, key); {
	case err != nil:
		return "", err
	case status == types.DeliveryStatusSent:
		return types.DeliveryStatusSent, nil
	}

	recipient := ResolveRecipientEmail(dc.user, dc.pref)
	if recipient == "" {
		return d.failEmail(ctx, dc, types.DeliveryErrorMissingRecipientEmail, "no recipient address resolved")
	}

	msg, err := d.deps.Renderer.Render(email.DigestEmail{
		To:          recipient,
		Op:          dc.user.Callsign,
		QSLCount:    dc.batch.QSLCount,
		DigestDate:  dc.batch.DateString(),
		URL:         dc.url,
		Items:       dc.batch.Payload.Items,
		ReferenceID: strconv.FormatInt(dc.batch.ID, 10),
	})
	if err != nil {
		return d.failEmail(ctx, dc, types.DeliveryErrorEmailFailed, err.Error())
	}

	start := time.Now()
	providerID, sendErr := d.deps.Email.Send(ctx, msg)
	d.deps.Metrics.RecordLatency(ctx, types.ChannelEmail, time.Since(start))
	if sendErr != nil {
		code := types.DeliveryErrorEmailFailed
		if errors.Is(sendErr, email.ErrMissingRecipient) {
			code = types.DeliveryErrorMissingRecipientEmail
		}
		return d.failEmail(ctx, dc, code, sendErr.Error())
	}

	if err := d.deps.Deliveries.MarkSent(ctx, key, providerID); err != nil {
		return "", err
	}
	d.deps.Metrics.RecordDelivery(ctx, types.ChannelEmail, core.MetricSuccess)
	return types.DeliveryStatusSent, nil
}

func (d *Dispatcher) failEmail(ctx context.Context, dc *dispatchContext, code, detail string) (types.DeliveryStatus, error) {
	if err := d.deps.Deliveries.MarkFailed(ctx, dc.key(types.ChannelEmail), code, detail); err != nil {
		return "", err
	}
	d.deps.Metrics.RecordDelivery(ctx, types.ChannelEmail, core.MetricFailed)
	return types.DeliveryStatusFailed, nil
}
