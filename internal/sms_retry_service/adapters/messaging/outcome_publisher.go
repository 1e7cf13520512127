package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/platform/messagebroker"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

// NatsOutcomePublisher publishes terminal retry transitions on sms.retry.<status>.
type NatsOutcomePublisher struct {
	publisher messagebroker.Publisher
}

func NewNatsOutcomePublisher(publisher messagebroker.Publisher) *NatsOutcomePublisher {
	return &NatsOutcomePublisher{publisher: publisher}
}

func (p *NatsOutcomePublisher) PublishOutcome(ctx context.Context, event domain.RetryOutcomeEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal retry outcome: %w", err)
	}
	return p.publisher.Publish(ctx, event.Subject(), data)
}
