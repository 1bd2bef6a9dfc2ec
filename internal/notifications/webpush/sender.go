// Package webpush delivers digest notifications to browser push services.
// Payload encryption (RFC 8291) and VAPID signing (RFC 8292) are done by
// webpush-go; requests go out through the guarded external.BaseClient.
package webpush

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpushgo "github.com/SherClockHolmes/webpush-go"

	"qsldigest/internal/external"
	"qsldigest/internal/types"
)

const (
	recordSize = 4096
	// headerLen is salt + rs + idlen + keyid of the aes128gcm header.
	headerLen = 16 + 4 + 1 + 65
	authLen   = 16
	// MaxPayload is the largest plaintext that fits one aes128gcm record
	// with its delimiter octet.
	MaxPayload = recordSize - headerLen - 16 - 1
)

// ErrPayloadTooLarge means the JSON does not fit a single record.
var ErrPayloadTooLarge = errors.New("webpush: payload too large")

// ErrSubscriptionGone means the push service reported the endpoint expired
// or unsubscribed (404 or 410). The subscription should be invalidated.
var ErrSubscriptionGone = errors.New("webpush: subscription gone")

// ErrEndpointRejected means the endpoint failed the EndpointChecker, e.g. it
// resolves to a private address. The subscription should be invalidated.
var ErrEndpointRejected = errors.New("webpush: endpoint rejected")

// IsPermanent reports whether err should invalidate the subscription.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrSubscriptionGone) || errors.Is(err, ErrEndpointRejected)
}

// EndpointChecker vets a subscription endpoint before any request is made.
type EndpointChecker interface {
	CheckEndpoint(ctx context.Context, rawURL string) error
}

// Config configures a Sender.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey types.SecretString
	// Subject is the VAPID contact, a mailto: or https: URI.
	Subject string
	// TTL is how long the push service may hold an undelivered message.
	TTL time.Duration
	// Checker, when set, vets each endpoint before sending.
	Checker EndpointChecker
}

// Sender posts encrypted payloads to subscription endpoints.
type Sender struct {
	client  *external.BaseClient
	keys    *VAPIDKeys
	subject string
	ttl     time.Duration
	checker EndpointChecker
	now     func() time.Time
}

// NewSender validates the VAPID keys and builds a Sender. A nil client uses a
// BaseClient named "webpush" with one retry.
func NewSender(cfg Config, client *external.BaseClient) (*Sender, error) {
	keys, err := ParseVAPIDKeys(cfg.VAPIDPrivateKey.Unmask(), cfg.VAPIDPublicKey)
	if err != nil {
		return nil, err
	}
	if cfg.Subject == "" {
		return nil, errors.New("webpush: vapid subject is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if client == nil {
		client = external.NewBaseClient(&http.Client{Timeout: 10 * time.Second}, "webpush", external.RetryPolicy{
			MaxRetries: 1,
			MinWait:    500 * time.Millisecond,
			MaxWait:    2 * time.Second,
		}, "qsldigest/1.0")
	}
	return &Sender{
		client:  client,
		keys:    keys,
		subject: cfg.Subject,
		ttl:     cfg.TTL,
		checker: cfg.Checker,
		now:     time.Now,
	}, nil
}

// Send delivers payload to sub. A 404 or 410 response returns an error
// wrapping ErrSubscriptionGone.
func (s *Sender) Send(ctx context.Context, sub types.PushSubscription, payload types.PushPayload) error {
	if s.checker != nil {
		if err := s.checker.CheckEndpoint(ctx, sub.Endpoint); err != nil {
			return fmt.Errorf("%w: %v", ErrEndpointRejected, err)
		}
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "encoding push payload", err)
	}
	if len(plaintext) > MaxPayload {
		return types.NewAppError(types.ErrCodeInternalCrypto, "encoding push payload", ErrPayloadTooLarge)
	}
	if err := checkSubscriptionKeys(sub); err != nil {
		return types.NewAppError(types.ErrCodeInternalCrypto, "decoding subscription keys", err)
	}

	resp, err := webpushgo.SendNotificationWithContext(ctx, plaintext, &webpushgo.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpushgo.Keys{Auth: sub.AuthKey, P256dh: sub.P256DHKey},
	}, &webpushgo.Options{
		HTTPClient:      s.client,
		RecordSize:      recordSize,
		Subscriber:      strings.TrimPrefix(s.subject, "mailto:"),
		TTL:             int(s.ttl / time.Second),
		Urgency:         webpushgo.UrgencyNormal,
		VAPIDPublicKey:  s.keys.PublicKey,
		VAPIDPrivateKey: s.keys.private,
		VapidExpiration: s.now().Add(vapidTokenTTL),
	})
	if err != nil {
		if types.CodeOf(err) != "" {
			return err
		}
		return types.NewAppError(types.ErrCodeUpstreamPushService, "sending push notification", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrSubscriptionGone, resp.StatusCode)
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.NewAppError(types.ErrCodeUpstreamPushService,
			fmt.Sprintf("push service returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail)), nil)
	}
}

// checkSubscriptionKeys rejects keys the user agent could never have issued
// before anything is encrypted for them.
func checkSubscriptionKeys(sub types.PushSubscription) error {
	p256dh, err := decodeKey(sub.P256DHKey)
	if err != nil {
		return fmt.Errorf("p256dh: %w", err)
	}
	if _, err := ecdh.P256().NewPublicKey(p256dh); err != nil {
		return fmt.Errorf("p256dh: %w", err)
	}
	auth, err := decodeKey(sub.AuthKey)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if len(auth) != authLen {
		return fmt.Errorf("auth: must be %d bytes, got %d", authLen, len(auth))
	}
	return nil
}
