package external

import (
	"context"

	"qsldigest/internal/types"
)

// SenderIdentity is the From header of outbound mail.
type SenderIdentity struct {
	Address string
	Name    string
}

// SendInput is a rendered message addressed from a specific sender.
type SendInput struct {
	From    SenderIdentity
	Message types.EmailMessage
}

// EmailProvider transmits one rendered email and returns the provider's
// message identifier.
//
// Errors are *types.AppError. ErrCodeEmailBlocked marks a recipient the
// provider refuses outright; every other code is treated as a delivery
// failure for this batch only.
type EmailProvider interface {
	Send(ctx context.Context, input SendInput) (providerMsgID string, err error)
}
