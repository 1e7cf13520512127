package domain

import (
	"time"

	"github.com/google/uuid"
)

// NATS subjects.
const (
	SubjectSendFailed       = "sms.send.failed"
	SubjectRawDLRPattern    = "dlr.raw.*"
	SubjectRetryOutcomeBase = "sms.retry"
)

// SendFailedEvent is published by the transport when a first send fails.
type SendFailedEvent struct {
	OriginalMessageRef *uuid.UUID `json:"original_message_ref,omitempty"`
	Recipient          string     `json:"recipient"`
	Body               string     `json:"body"`
	ErrorCode          string     `json:"error_code"`
	ErrorMessage       string     `json:"error_message"`
}

// DeliveryCallback is the normalized provider delivery report.
type DeliveryCallback struct {
	ProviderMessageID string `json:"provider_message_id" validate:"required"`
	Status            string `json:"status" validate:"required"`
}

// RetryOutcomeEvent is published when an entry reaches a terminal state.
type RetryOutcomeEvent struct {
	EntryID            uuid.UUID  `json:"entry_id"`
	OriginalMessageRef *uuid.UUID `json:"original_message_ref,omitempty"`
	Status             Status     `json:"status"`
	AttemptCount       int        `json:"attempt_count"`
	ProviderMessageID  *string    `json:"provider_message_id,omitempty"`
	ErrorCode          *string    `json:"error_code,omitempty"`
	OccurredAt         time.Time  `json:"occurred_at"`
}

// Subject returns the NATS subject for the event, e.g. sms.retry.delivered.
func (e RetryOutcomeEvent) Subject() string {
	return SubjectRetryOutcomeBase + "." + string(e.Status)
}
