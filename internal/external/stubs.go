package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// StubEmailProvider logs instead of sending. Selected with EMAIL_PROVIDER=stub
// and used by local runs.
type StubEmailProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []SendInput
}

// NewStubEmailProvider creates a StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEmailProvider{logger: logger}
}

func (s *StubEmailProvider) Send(ctx context.Context, input SendInput) (string, error) {
	s.mu.Lock()
	s.sent = append(s.sent, input)
	n := len(s.sent)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "stub: email send",
		"subject", input.Message.Subject,
		"from", input.From.Address,
		"reference_id", input.Message.ReferenceID,
	)
	return fmt.Sprintf("stub-%d", n), nil
}

// Sent returns a copy of every message accepted so far.
func (s *StubEmailProvider) Sent() []SendInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendInput(nil), s.sent...)
}

var _ EmailProvider = (*StubEmailProvider)(nil)
