package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a retry queue entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// RetryQueueEntry is a message waiting for (or done with) resend attempts.
// MessageBody is a copy taken at enqueue time.
type RetryQueueEntry struct {
	ID                 uuid.UUID  `json:"id"`
	OriginalMessageRef *uuid.UUID `json:"original_message_ref,omitempty"`
	Recipient          string     `json:"recipient"`
	MessageBody        string     `json:"message_body"`
	AttemptCount       int        `json:"attempt_count"`
	MaxAttempts        int        `json:"max_attempts"`
	NextEligibleAt     time.Time  `json:"next_eligible_at"`
	ErrorCode          *string    `json:"error_code,omitempty"`
	ErrorMessage       *string    `json:"error_message,omitempty"`
	Status             Status     `json:"status"`
	ProviderMessageID  *string    `json:"provider_message_id,omitempty"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	DeliveredAt        *time.Time `json:"delivered_at,omitempty"`
}

// Clone returns a deep copy so callers can't mutate shared pointer fields.
func (e *RetryQueueEntry) Clone() *RetryQueueEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.OriginalMessageRef != nil {
		ref := *e.OriginalMessageRef
		c.OriginalMessageRef = &ref
	}
	c.ErrorCode = cloneString(e.ErrorCode)
	c.ErrorMessage = cloneString(e.ErrorMessage)
	c.ProviderMessageID = cloneString(e.ProviderMessageID)
	c.ClaimedAt = cloneTime(e.ClaimedAt)
	c.DeliveredAt = cloneTime(e.DeliveredAt)
	return &c
}

// ListFilter narrows admin listings. Zero Status means all statuses.
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StringPtr is a helper for optional text columns; empty becomes nil.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
