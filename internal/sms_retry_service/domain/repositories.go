package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RetryQueueRepository persists retry entries. Every state change it performs
// is an atomic conditional update, so concurrent workers never share an entry.
type RetryQueueRepository interface {
	// Create inserts a pending entry. Returns ErrDuplicateActiveEntry if a live
	// entry for the same original message already exists.
	Create(ctx context.Context, entry *RetryQueueEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*RetryQueueEntry, error)
	// FindActiveByOriginalRef returns the pending or in-flight entry for ref, or ErrNotFound.
	FindActiveByOriginalRef(ctx context.Context, ref uuid.UUID) (*RetryQueueEntry, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*RetryQueueEntry, error)

	// ReclaimStuck moves in-flight entries claimed at or before claimedBefore back
	// to pending. next_eligible_at is left unchanged.
	ReclaimStuck(ctx context.Context, claimedBefore, now time.Time) (int, error)
	// ClaimDueEntries atomically moves up to limit due pending entries to in_flight
	// and returns them.
	ClaimDueEntries(ctx context.Context, now time.Time, limit int) ([]*RetryQueueEntry, error)
	// UpdateAttemptResult writes the outcome of one attempt. It only applies while
	// the entry is still in_flight under the same claim (entry.ClaimedAt);
	// otherwise ErrEntryNotInFlight.
	// A provider message id already stored is never overwritten.
	UpdateAttemptResult(ctx context.Context, entry *RetryQueueEntry) error

	// DeleteTerminalOlderThan removes delivered/failed entries last updated before cutoff.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	ListEntries(ctx context.Context, filter ListFilter) ([]*RetryQueueEntry, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}

// MessageLogRepository writes delivery outcome fields onto the transport's message log.
type MessageLogRepository interface {
	// RecordOutcome stores retry_count and final_status after a terminal retry
	// transition. A log already confirmed by a delivery callback keeps its final status.
	RecordOutcome(ctx context.Context, id uuid.UUID, retryCount int, finalStatus Status) error
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*MessageLog, error)
	// ConfirmDelivery sets final_status=delivered and delivery_confirmed_at once.
	// Returns false if the log was already confirmed.
	ConfirmDelivery(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// MarkFailed sets final_status=failed unless delivery was already confirmed
	// or the log is already failed.
	MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}
