package email

import (
	"context"
	"errors"
	"strings"

	"qsldigest/internal/external"
	"qsldigest/internal/types"
)

// Channel sends rendered digest emails from a fixed sender identity.
type Channel struct {
	provider external.EmailProvider
	from     external.SenderIdentity
	logger   types.Logger
}

// ChannelConfig holds the dependencies of a Channel.
type ChannelConfig struct {
	Provider    external.EmailProvider
	FromAddress string
	FromName    string
	Logger      types.Logger
}

// NewChannel creates a Channel.
func NewChannel(cfg ChannelConfig) *Channel {
	return &Channel{
		provider: cfg.Provider,
		from:     external.SenderIdentity{Address: cfg.FromAddress, Name: cfg.FromName},
		logger:   cfg.Logger,
	}
}

// Send transmits msg and returns the provider message id. The recipient is
// redacted in every log line.
func (c *Channel) Send(ctx context.Context, msg types.EmailMessage) (string, error) {
	to := strings.TrimSpace(msg.To)
	if to == "" {
		return "", ErrMissingRecipient
	}
	msg.To = to

	log := c.logger.With("to", RedactEmail(to), "reference_id", msg.ReferenceID)

	id, err := c.provider.Send(ctx, external.SendInput{From: c.from, Message: msg})
	if err != nil {
		if IsBlocklistError(err) {
			log.Warn("email recipient blocked by provider", "error", err)
			return "", errors.Join(ErrRecipientBlocked, err)
		}
		log.Error("email send failed", "error", err)
		return "", err
	}
	log.Info("email sent", "provider_message_id", id)
	return id, nil
}
