package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"qsldigest/internal/types"
)

const sendGridAPIBase = "https://api.sendgrid.com"

// SendGridConfig configures a SendGridClient.
type SendGridConfig struct {
	APIKey  types.SecretString
	BaseURL string // tests point this at httptest
}

// SendGridClient sends mail through the SendGrid v3 mail/send API.
type SendGridClient struct {
	base    *BaseClient
	apiKey  types.SecretString
	baseURL string
}

// NewSendGridClientWithBase builds a client on a caller-supplied BaseClient,
// which owns retries and the breaker.
func NewSendGridClientWithBase(base *BaseClient, cfg SendGridConfig) *SendGridClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = sendGridAPIBase
	}
	return &SendGridClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridPersonalization struct {
	To []sendGridAddress `json:"to"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridMailPayload struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	CustomArgs       map[string]string         `json:"custom_args,omitempty"`
}

type sendGridErrorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

// Send posts the message and returns the X-Message-Id header.
//
// A 403 maps to ErrCodeEmailBlocked. 429 and 5xx are retried by BaseClient.
// Any other non-202 status maps to ErrCodeUpstreamEmailProvider.
func (s *SendGridClient) Send(ctx context.Context, input SendInput) (string, error) {
	body, err := json.Marshal(buildSendGridPayload(input))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "encoding sendgrid payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "building sendgrid request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey.Unmask())

	resp, err := s.base.Do(req)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			return "", appErr
		}
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "sendgrid request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return resp.Header.Get("X-Message-Id"), nil
	}
	return "", sendGridError(resp)
}

func buildSendGridPayload(input SendInput) sendGridMailPayload {
	msg := input.Message
	p := sendGridMailPayload{
		Personalizations: []sendGridPersonalization{{To: []sendGridAddress{{Email: msg.To}}}},
		From:             sendGridAddress{Email: input.From.Address, Name: input.From.Name},
		Subject:          msg.Subject,
		Content:          []sendGridContent{{Type: "text/plain", Value: msg.TextBody}},
	}
	// SendGrid requires text/plain before text/html.
	if msg.HTMLBody != "" {
		p.Content = append(p.Content, sendGridContent{Type: "text/html", Value: msg.HTMLBody})
	}
	if msg.ReferenceID != "" {
		p.CustomArgs = map[string]string{"reference_id": msg.ReferenceID}
	}
	return p
}

func sendGridError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	detail := strings.TrimSpace(string(raw))
	var parsed sendGridErrorResponse
	if json.Unmarshal(raw, &parsed) == nil && len(parsed.Errors) > 0 {
		detail = parsed.Errors[0].Message
	}

	if resp.StatusCode == http.StatusForbidden {
		return types.NewAppError(types.ErrCodeEmailBlocked,
			fmt.Sprintf("sendgrid refused recipient: %s", detail), nil)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider,
		fmt.Sprintf("sendgrid returned %d: %s", resp.StatusCode, detail), nil)
}

var _ EmailProvider = (*SendGridClient)(nil)
