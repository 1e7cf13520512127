package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/app"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

// QueueGroup load-balances consumers across service instances.
const QueueGroup = "sms-retry"

const handleTimeout = 15 * time.Second

// Subscriber is the subscribe side of the NATS client.
type Subscriber interface {
	Subscribe(ctx context.Context, subject, queueGroup string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Enqueuer accepts failed first sends.
type Enqueuer interface {
	Enqueue(ctx context.Context, req app.EnqueueRequest) (uuid.UUID, bool, error)
}

// CallbackHandler applies delivery reports.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, providerMessageID, status string) (bool, error)
}

// SendFailedConsumer queues messages whose first send failed.
type SendFailedConsumer struct {
	subscriber Subscriber
	enqueuer   Enqueuer
	logger     *slog.Logger
	baseCtx    context.Context
}

func NewSendFailedConsumer(subscriber Subscriber, enqueuer Enqueuer, logger *slog.Logger) *SendFailedConsumer {
	return &SendFailedConsumer{
		subscriber: subscriber,
		enqueuer:   enqueuer,
		logger:     logger.With("component", "send_failed_consumer"),
		baseCtx:    context.Background(),
	}
}

// Start subscribes to sms.send.failed. The subscription drains when ctx ends.
func (c *SendFailedConsumer) Start(ctx context.Context) error {
	c.baseCtx = ctx
	if _, err := c.subscriber.Subscribe(ctx, domain.SubjectSendFailed, QueueGroup, c.handleMessage); err != nil {
		return fmt.Errorf("subscribe send failed events: %w", err)
	}
	return nil
}

func (c *SendFailedConsumer) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(c.baseCtx, handleTimeout)
	defer cancel()

	var event domain.SendFailedEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		c.logger.ErrorContext(ctx, "Failed to deserialize send failed event", "error", err, "subject", msg.Subject)
		respond(msg, c.logger, map[string]any{"error": "malformed event"})
		return
	}

	id, enqueued, err := c.enqueuer.Enqueue(ctx, app.EnqueueRequest{
		OriginalMessageRef: event.OriginalMessageRef,
		Recipient:          event.Recipient,
		Body:               event.Body,
		ErrorCode:          event.ErrorCode,
		ErrorMessage:       event.ErrorMessage,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to enqueue retry", "error", err,
			"original_message_ref", event.OriginalMessageRef, "error_code", event.ErrorCode)
		respond(msg, c.logger, map[string]any{"error": err.Error()})
		return
	}

	reply := map[string]any{"enqueued": enqueued}
	if enqueued {
		reply["entry_id"] = id
	}
	respond(msg, c.logger, reply)
}

// DLRConsumer applies raw delivery reports published on dlr.raw.<provider>.
type DLRConsumer struct {
	subscriber Subscriber
	handler    CallbackHandler
	validate   *validator.Validate
	logger     *slog.Logger
	baseCtx    context.Context
}

func NewDLRConsumer(subscriber Subscriber, handler CallbackHandler, logger *slog.Logger) *DLRConsumer {
	return &DLRConsumer{
		subscriber: subscriber,
		handler:    handler,
		validate:   validator.New(),
		logger:     logger.With("component", "dlr_consumer"),
		baseCtx:    context.Background(),
	}
}

func (c *DLRConsumer) Start(ctx context.Context) error {
	c.baseCtx = ctx
	if _, err := c.subscriber.Subscribe(ctx, domain.SubjectRawDLRPattern, QueueGroup, c.handleMessage); err != nil {
		return fmt.Errorf("subscribe delivery reports: %w", err)
	}
	return nil
}

func (c *DLRConsumer) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(c.baseCtx, handleTimeout)
	defer cancel()

	provider := strings.TrimPrefix(msg.Subject, "dlr.raw.")

	var cb domain.DeliveryCallback
	if err := json.Unmarshal(msg.Data, &cb); err != nil {
		c.logger.ErrorContext(ctx, "Failed to deserialize delivery report", "error", err, "subject", msg.Subject)
		respond(msg, c.logger, map[string]any{"error": "malformed delivery report"})
		return
	}
	if err := c.validate.Struct(cb); err != nil {
		c.logger.WarnContext(ctx, "Delivery report missing fields", "error", err, "provider", provider)
		respond(msg, c.logger, map[string]any{"error": "malformed delivery report"})
		return
	}

	acked, err := c.handler.HandleCallback(ctx, cb.ProviderMessageID, cb.Status)
	if err != nil {
		if !errors.Is(err, domain.ErrMalformedCallback) {
			c.logger.ErrorContext(ctx, "Failed to apply delivery report", "error", err,
				"provider", provider, "provider_message_id", cb.ProviderMessageID)
		}
		respond(msg, c.logger, map[string]any{"error": err.Error()})
		return
	}
	respond(msg, c.logger, map[string]any{"acknowledged": acked})
}

// respond answers request/reply publishers. Plain publishes have no reply subject.
func respond(msg *nats.Msg, logger *slog.Logger, body map[string]any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(body)
	if err != nil {
		logger.Error("Failed to marshal NATS reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		logger.Warn("Failed to send NATS reply", "error", err, "reply", msg.Reply)
	}
}
