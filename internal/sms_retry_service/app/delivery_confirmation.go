package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

// CallbackDeduplicator short-circuits callbacks that were already handled.
// FirstSeen returns false when the same (id, status) pair was recorded before.
// Forget drops a record so a redelivery of a callback that failed to apply is
// processed again.
type CallbackDeduplicator interface {
	FirstSeen(ctx context.Context, providerMessageID string, status domain.Status) (bool, error)
	Forget(ctx context.Context, providerMessageID string, status domain.Status) error
}

const dedupForgetTimeout = 5 * time.Second

// MapProviderStatus maps provider delivery vocabulary onto a terminal status.
// ok is false for intermediate or unknown values.
func MapProviderStatus(status string) (mapped domain.Status, ok bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "delivered", "read":
		return domain.StatusDelivered, true
	case "failed", "undelivered", "rejected", "expired", "canceled", "cancelled":
		return domain.StatusFailed, true
	default:
		return "", false
	}
}

// DeliveryConfirmationHandler reconciles asynchronous delivery reports with the
// retry queue and the message log.
type DeliveryConfirmationHandler struct {
	repo   domain.RetryQueueRepository
	logs   domain.MessageLogRepository
	dedup  CallbackDeduplicator
	now    func() time.Time
	logger *slog.Logger
}

// NewDeliveryConfirmationHandler creates a handler. dedup may be nil.
func NewDeliveryConfirmationHandler(
	repo domain.RetryQueueRepository,
	logs domain.MessageLogRepository,
	dedup CallbackDeduplicator,
	logger *slog.Logger,
) *DeliveryConfirmationHandler {
	return &DeliveryConfirmationHandler{
		repo:   repo,
		logs:   logs,
		dedup:  dedup,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With("component", "delivery_confirmation"),
	}
}

// HandleCallback applies one delivery report. It acknowledges every well-formed
// callback, including ones for unknown ids or unrecognized statuses, so the
// provider stops resending them. Store errors are returned with acknowledged=false.
func (h *DeliveryConfirmationHandler) HandleCallback(ctx context.Context, providerMessageID, status string) (bool, error) {
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" || strings.TrimSpace(status) == "" {
		callbacksCounter.WithLabelValues("none", "malformed").Inc()
		return false, domain.ErrMalformedCallback
	}

	mapped, ok := MapProviderStatus(status)
	if !ok {
		callbacksCounter.WithLabelValues("none", "ignored").Inc()
		h.logger.DebugContext(ctx, "Ignoring non-final delivery status",
			"provider_message_id", providerMessageID, "status", status)
		return true, nil
	}
	log := h.logger.With("provider_message_id", providerMessageID, "mapped_status", mapped)

	recorded := false
	if h.dedup != nil {
		first, err := h.dedup.FirstSeen(ctx, providerMessageID, mapped)
		if err != nil {
			log.WarnContext(ctx, "Callback de-duplication unavailable, falling through to store", "error", err)
		} else if !first {
			callbacksCounter.WithLabelValues(string(mapped), "duplicate").Inc()
			log.DebugContext(ctx, "Duplicate delivery callback")
			return true, nil
		} else {
			recorded = true
		}
	}

	result, err := h.apply(ctx, providerMessageID, mapped)
	if err != nil {
		callbacksCounter.WithLabelValues(string(mapped), "error").Inc()
		log.ErrorContext(ctx, "Failed to apply delivery callback", "error", err)
		if recorded {
			// the provider redelivers on 5xx; that redelivery must reach the store
			forgetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dedupForgetTimeout)
			defer cancel()
			if ferr := h.dedup.Forget(forgetCtx, providerMessageID, mapped); ferr != nil {
				log.ErrorContext(ctx, "Failed to clear de-duplication record after store error", "error", ferr)
			}
		}
		return false, err
	}
	callbacksCounter.WithLabelValues(string(mapped), result).Inc()
	log.InfoContext(ctx, "Processed delivery callback", "result", result)
	return true, nil
}

// apply returns a short result label for metrics and logs.
func (h *DeliveryConfirmationHandler) apply(ctx context.Context, providerMessageID string, mapped domain.Status) (string, error) {
	entry, err := h.repo.GetByProviderMessageID(ctx, providerMessageID)
	switch {
	case err == nil:
		return h.applyToEntry(ctx, entry, mapped)
	case !errors.Is(err, domain.ErrNotFound):
		return "", fmt.Errorf("look up retry entry: %w", err)
	}

	msgLog, err := h.logs.FindByProviderMessageID(ctx, providerMessageID)
	switch {
	case err == nil:
		return h.applyToLog(ctx, msgLog.ID, mapped)
	case errors.Is(err, domain.ErrNotFound):
		return "not_found", nil
	default:
		return "", fmt.Errorf("look up message log: %w", err)
	}
}

// applyToEntry never changes the entry itself: terminal states are absorbing
// and a live entry belongs to the worker attempting it. Only a delivered entry
// forwards the confirmation to its message log.
func (h *DeliveryConfirmationHandler) applyToEntry(ctx context.Context, entry *domain.RetryQueueEntry, mapped domain.Status) (string, error) {
	if entry.Status != domain.StatusDelivered {
		h.logger.DebugContext(ctx, "Callback for retry entry left unchanged",
			"entry_id", entry.ID, "entry_status", entry.Status, "mapped_status", mapped)
		return "noop", nil
	}
	if entry.OriginalMessageRef == nil {
		return "noop", nil
	}
	return h.applyToLog(ctx, *entry.OriginalMessageRef, mapped)
}

func (h *DeliveryConfirmationHandler) applyToLog(ctx context.Context, logID uuid.UUID, mapped domain.Status) (string, error) {
	var (
		changed bool
		err     error
	)
	switch mapped {
	case domain.StatusDelivered:
		changed, err = h.logs.ConfirmDelivery(ctx, logID, h.now())
	case domain.StatusFailed:
		changed, err = h.logs.MarkFailed(ctx, logID, h.now())
	}
	if err != nil {
		return "", fmt.Errorf("update message log: %w", err)
	}
	if !changed {
		return "noop", nil
	}
	return "applied", nil
}
