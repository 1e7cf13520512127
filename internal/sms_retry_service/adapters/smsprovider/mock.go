package smsprovider

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

// MockProvider accepts every message without sending it. Used for local runs.
type MockProvider struct {
	logger *slog.Logger
	// FailCode, when set, makes every send fail with that provider error code.
	FailCode       string
	SimulatedDelay time.Duration
}

// NewMockProvider creates a new MockProvider.
func NewMockProvider(logger *slog.Logger, failCode string, delay time.Duration) *MockProvider {
	return &MockProvider{
		logger:         logger.With("provider", "mock"),
		FailCode:       failCode,
		SimulatedDelay: delay,
	}
}

func (p *MockProvider) GetName() string {
	return "mock"
}

func (p *MockProvider) Send(ctx context.Context, recipient, body string) (string, error) {
	if p.SimulatedDelay > 0 {
		timer := time.NewTimer(p.SimulatedDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}

	if p.FailCode != "" {
		p.logger.WarnContext(ctx, "MockProvider: simulated send failure", "recipient", recipient, "error_code", p.FailCode)
		return "", &domain.SendError{Code: p.FailCode, Message: "mock provider simulated send failure"}
	}

	id := "mock-" + uuid.NewString()
	p.logger.InfoContext(ctx, "MockProvider: SMS sent (simulated)", "recipient", recipient, "provider_message_id", id, "body_length", len(body))
	return id, nil
}
