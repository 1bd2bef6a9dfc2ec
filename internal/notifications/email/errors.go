// Package email renders digest emails from embedded templates and hands them
// to the configured EmailProvider (SMTP, SendGrid or the local stub).
package email

import (
	"errors"

	"qsldigest/internal/types"
)

var (
	// ErrRecipientBlocked means the provider refuses the recipient outright.
	ErrRecipientBlocked = errors.New("recipient blocked by provider")

	// ErrMissingRecipient means no address could be resolved for the user.
	ErrMissingRecipient = errors.New("missing recipient email")
)

// IsBlocklistError reports whether err is a provider refusal, either the
// sentinel or an AppError carrying ErrCodeEmailBlocked.
func IsBlocklistError(err error) bool {
	if errors.Is(err, ErrRecipientBlocked) {
		return true
	}
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeEmailBlocked
}
