package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageLog is the subset of the outbound message log row this service reads and writes.
// The row itself is owned by the transport; it is never created or deleted here.
type MessageLog struct {
	ID                  uuid.UUID
	Recipient           string
	ProviderMessageID   *string
	RetryCount          int
	FinalStatus         *Status
	DeliveryConfirmedAt *time.Time
}
