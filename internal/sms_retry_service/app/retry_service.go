package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/classifier"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

const tracerName = "github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/app"

// resultWriteTimeout bounds the store write after a send. It runs detached from
// the caller's context because the message has already gone out.
const resultWriteTimeout = 10 * time.Second

// Outcome is the result of one retry attempt.
type Outcome string

const (
	OutcomeDelivered   Outcome = "delivered"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeFailed      Outcome = "failed"
	// OutcomeReleased means the batch ended before the send started; the entry
	// went back to pending without using an attempt.
	OutcomeReleased Outcome = "released"
)

// BatchResult aggregates one ProcessBatch run. Errors counts claimed entries
// whose result could not be stored; they are recovered by the stuck reclaim.
type BatchResult struct {
	Processed   int `json:"processed"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Rescheduled int `json:"rescheduled"`
	Reclaimed   int `json:"reclaimed"`
	Released    int `json:"released"`
	Errors      int `json:"errors"`
}

// ServiceConfig holds the RetryService tunables.
type ServiceConfig struct {
	MaxBatchSize      int
	StuckTimeout      time.Duration
	AttemptTimeout    time.Duration
	WorkerConcurrency int
}

// OutcomePublisher announces terminal transitions to other services.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, event domain.RetryOutcomeEvent) error
}

// EnqueueRequest is the input of Enqueue.
type EnqueueRequest struct {
	OriginalMessageRef *uuid.UUID
	Recipient          string `validate:"required,e164"`
	Body               string `validate:"required"`
	ErrorCode          string `validate:"required"`
	ErrorMessage       string
}

// RetryService owns the retry queue state machine.
type RetryService struct {
	repo       domain.RetryQueueRepository
	logs       domain.MessageLogRepository
	classifier *classifier.Classifier
	transport  domain.Transport
	publisher  OutcomePublisher
	config     ServiceConfig
	validate   *validator.Validate
	tracer     trace.Tracer
	now        func() time.Time
	logger     *slog.Logger
}

// ServiceOption customizes a RetryService.
type ServiceOption func(*RetryService)

// WithClock replaces time.Now. Used by tests to control next_eligible_at.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *RetryService) { s.now = now }
}

// WithOutcomePublisher enables terminal-transition events.
func WithOutcomePublisher(p OutcomePublisher) ServiceOption {
	return func(s *RetryService) { s.publisher = p }
}

// NewRetryService creates a new RetryService.
func NewRetryService(
	repo domain.RetryQueueRepository,
	logs domain.MessageLogRepository,
	cls *classifier.Classifier,
	transport domain.Transport,
	cfg ServiceConfig,
	logger *slog.Logger,
	opts ...ServiceOption,
) *RetryService {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = 10 * time.Minute
	}
	s := &RetryService{
		repo:       repo,
		logs:       logs,
		classifier: cls,
		transport:  transport,
		config:     cfg,
		validate:   validator.New(),
		tracer:     otel.Tracer(tracerName),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger.With("component", "retry_service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue queues a failed send for retry. A non-retryable error code returns
// enqueued=false and writes nothing. If the original message already has a live
// entry its id is returned instead of creating a second one.
func (s *RetryService) Enqueue(ctx context.Context, req EnqueueRequest) (uuid.UUID, bool, error) {
	if err := s.validate.Struct(req); err != nil {
		enqueueCounter.WithLabelValues("invalid").Inc()
		return uuid.Nil, false, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	policy := s.classifier.Classify(req.ErrorCode)
	if !policy.Retryable {
		enqueueCounter.WithLabelValues("not_retryable").Inc()
		s.logger.InfoContext(ctx, "Send error is not retryable, not queuing",
			"error_code", req.ErrorCode, "original_message_ref", req.OriginalMessageRef)
		return uuid.Nil, false, nil
	}

	if req.OriginalMessageRef != nil {
		existing, err := s.repo.FindActiveByOriginalRef(ctx, *req.OriginalMessageRef)
		switch {
		case err == nil:
			enqueueCounter.WithLabelValues("duplicate").Inc()
			s.logger.DebugContext(ctx, "Message already queued for retry", "entry_id", existing.ID, "original_message_ref", *req.OriginalMessageRef)
			return existing.ID, true, nil
		case !errors.Is(err, domain.ErrNotFound):
			enqueueCounter.WithLabelValues("error").Inc()
			return uuid.Nil, false, fmt.Errorf("look up active entry: %w", err)
		}
	}

	now := s.now()
	entry := &domain.RetryQueueEntry{
		ID:                 uuid.New(),
		OriginalMessageRef: req.OriginalMessageRef,
		Recipient:          req.Recipient,
		MessageBody:        req.Body,
		AttemptCount:       0,
		MaxAttempts:        policy.MaxAttempts,
		NextEligibleAt:     now.Add(s.classifier.ComputeDelay(req.ErrorCode, 0)),
		ErrorCode:          domain.StringPtr(req.ErrorCode),
		ErrorMessage:       domain.StringPtr(req.ErrorMessage),
		Status:             domain.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.Create(ctx, entry); err != nil {
		if errors.Is(err, domain.ErrDuplicateActiveEntry) && req.OriginalMessageRef != nil {
			// lost a race with a concurrent Enqueue for the same message
			existing, findErr := s.repo.FindActiveByOriginalRef(ctx, *req.OriginalMessageRef)
			if findErr == nil {
				enqueueCounter.WithLabelValues("duplicate").Inc()
				return existing.ID, true, nil
			}
			err = findErr
		}
		enqueueCounter.WithLabelValues("error").Inc()
		s.logger.ErrorContext(ctx, "Failed to create retry entry", "error", err, "error_code", req.ErrorCode)
		return uuid.Nil, false, fmt.Errorf("create retry entry: %w", err)
	}

	enqueueCounter.WithLabelValues("enqueued").Inc()
	s.logger.InfoContext(ctx, "Queued message for retry",
		"entry_id", entry.ID,
		"error_code", req.ErrorCode,
		"max_attempts", entry.MaxAttempts,
		"next_eligible_at", entry.NextEligibleAt,
	)
	return entry.ID, true, nil
}

// ProcessBatch reclaims stuck entries, claims up to limit due entries and runs
// one attempt for each. Per-entry failures are logged and counted, not returned.
// limit <= 0 uses the configured batch size.
func (s *RetryService) ProcessBatch(ctx context.Context, limit int) (BatchResult, error) {
	if limit <= 0 {
		limit = s.config.MaxBatchSize
	}
	ctx, span := s.tracer.Start(ctx, "RetryService.ProcessBatch", trace.WithAttributes(attribute.Int("batch.limit", limit)))
	defer span.End()
	timer := prometheus.NewTimer(batchDurationHist)
	defer timer.ObserveDuration()

	var result BatchResult
	now := s.now()

	reclaimed, err := s.repo.ReclaimStuck(ctx, now.Add(-s.config.StuckTimeout), now)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reclaim failed")
		return result, fmt.Errorf("reclaim stuck entries: %w", err)
	}
	result.Reclaimed = reclaimed
	reclaimedCounter.Add(float64(reclaimed))

	entries, err := s.repo.ClaimDueEntries(ctx, now, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return result, fmt.Errorf("claim due entries: %w", err)
	}
	if len(entries) == 0 {
		s.logger.DebugContext(ctx, "No due retry entries", "reclaimed", reclaimed)
		return result, nil
	}
	s.logger.InfoContext(ctx, "Claimed retry entries", "count", len(entries), "reclaimed", reclaimed)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.config.WorkerConcurrency)
	for _, entry := range entries {
		g.Go(func() error {
			outcome, err := s.AttemptRetry(ctx, entry)
			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			if err != nil {
				result.Errors++
				return nil
			}
			switch outcome {
			case OutcomeDelivered:
				result.Succeeded++
			case OutcomeFailed:
				result.Failed++
			case OutcomeRescheduled:
				result.Rescheduled++
			case OutcomeReleased:
				result.Released++
			}
			return nil
		})
	}
	// workers record their errors in result and always return nil
	g.Wait()

	span.SetAttributes(
		attribute.Int("batch.processed", result.Processed),
		attribute.Int("batch.succeeded", result.Succeeded),
		attribute.Int("batch.failed", result.Failed),
		attribute.Int("batch.rescheduled", result.Rescheduled),
	)
	s.logger.InfoContext(ctx, "Finished retry batch",
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
		"rescheduled", result.Rescheduled,
		"reclaimed", result.Reclaimed,
		"released", result.Released,
		"errors", result.Errors,
	)
	return result, nil
}

// AttemptRetry makes one send attempt for a claimed entry and stores the
// outcome. The entry must be in_flight. If ctx is already done the entry is
// released back to pending unchanged. Once started, the send is bounded only
// by the attempt timeout.
func (s *RetryService) AttemptRetry(ctx context.Context, claimed *domain.RetryQueueEntry) (Outcome, error) {
	if claimed.Status != domain.StatusInFlight {
		return "", fmt.Errorf("attempt entry %s in status %s: %w", claimed.ID, claimed.Status, domain.ErrEntryNotInFlight)
	}
	ctx, span := s.tracer.Start(ctx, "RetryService.AttemptRetry", trace.WithAttributes(
		attribute.String("retry.entry_id", claimed.ID.String()),
		attribute.Int("retry.attempt", claimed.AttemptCount+1),
	))
	defer span.End()

	entry := claimed.Clone()
	log := s.logger.With("entry_id", entry.ID, "attempt", entry.AttemptCount+1, "max_attempts", entry.MaxAttempts)

	if ctx.Err() != nil {
		return s.release(ctx, entry, log)
	}

	var (
		outcome Outcome
		sendErr error
		start   = time.Now()
	)
	if entry.AttemptCount >= entry.MaxAttempts {
		// Budget already spent, e.g. after a reclaim of an entry whose last write was lost.
		outcome = s.markFailed(entry, s.now())
		log.WarnContext(ctx, "Retry entry has no attempts left, failing without sending")
	} else {
		entry.AttemptCount++
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.AttemptTimeout)
		var providerID string
		providerID, sendErr = s.transport.Send(attemptCtx, entry.Recipient, entry.MessageBody)
		cancel()
		now := s.now()

		if sendErr == nil {
			entry.Status = domain.StatusDelivered
			entry.DeliveredAt = &now
			entry.ProviderMessageID = domain.StringPtr(providerID)
			entry.ErrorCode = nil
			entry.ErrorMessage = nil
			entry.UpdatedAt = now
			outcome = OutcomeDelivered
		} else {
			code, msg := sendErrorDetails(sendErr)
			entry.ErrorCode = domain.StringPtr(code)
			entry.ErrorMessage = domain.StringPtr(msg)
			if entry.AttemptCount >= entry.MaxAttempts || !s.classifier.Classify(code).Retryable {
				outcome = s.markFailed(entry, now)
			} else {
				entry.Status = domain.StatusPending
				entry.NextEligibleAt = now.Add(s.classifier.ComputeDelay(code, entry.AttemptCount))
				entry.UpdatedAt = now
				outcome = OutcomeRescheduled
			}
		}
	}
	attemptDurationHist.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
	defer cancel()
	if err := s.repo.UpdateAttemptResult(writeCtx, entry); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store attempt result")
		if errors.Is(err, domain.ErrEntryNotInFlight) {
			attemptsCounter.WithLabelValues("lost_claim").Inc()
			log.WarnContext(ctx, "Retry entry was reclaimed during the attempt, result dropped", "outcome", outcome)
		} else {
			attemptsCounter.WithLabelValues("store_error").Inc()
			log.ErrorContext(ctx, "Failed to store retry attempt result", "error", err, "outcome", outcome)
		}
		return outcome, fmt.Errorf("store attempt result: %w", err)
	}
	attemptsCounter.WithLabelValues(string(outcome)).Inc()
	span.SetAttributes(attribute.String("retry.outcome", string(outcome)))

	switch outcome {
	case OutcomeDelivered:
		log.InfoContext(ctx, "Retry attempt delivered", "provider_message_id", deref(entry.ProviderMessageID))
	case OutcomeRescheduled:
		log.InfoContext(ctx, "Retry attempt failed, rescheduled",
			"error_code", deref(entry.ErrorCode), "next_eligible_at", entry.NextEligibleAt, "send_error", sendErr)
	case OutcomeFailed:
		log.WarnContext(ctx, "Retry entry failed permanently",
			"error_code", deref(entry.ErrorCode), "send_error", sendErr)
	}

	if entry.Status.IsTerminal() {
		s.onTerminal(writeCtx, entry)
	}
	return outcome, nil
}

// release hands a claimed entry back to pending with its attempt count and
// eligibility untouched.
func (s *RetryService) release(ctx context.Context, entry *domain.RetryQueueEntry, log *slog.Logger) (Outcome, error) {
	entry.Status = domain.StatusPending
	entry.UpdatedAt = s.now()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resultWriteTimeout)
	defer cancel()
	if err := s.repo.UpdateAttemptResult(writeCtx, entry); err != nil {
		attemptsCounter.WithLabelValues("store_error").Inc()
		log.ErrorContext(writeCtx, "Failed to release retry entry", "error", err)
		return OutcomeReleased, fmt.Errorf("release entry: %w", err)
	}
	attemptsCounter.WithLabelValues(string(OutcomeReleased)).Inc()
	log.InfoContext(writeCtx, "Batch ended before the attempt started, entry released", "cause", ctx.Err())
	return OutcomeReleased, nil
}

func (s *RetryService) markFailed(entry *domain.RetryQueueEntry, now time.Time) Outcome {
	entry.Status = domain.StatusFailed
	entry.UpdatedAt = now
	return OutcomeFailed
}

// onTerminal writes the outcome onto the message log and announces it.
// Both are best effort; the queue row is already final.
func (s *RetryService) onTerminal(ctx context.Context, entry *domain.RetryQueueEntry) {
	if entry.OriginalMessageRef != nil {
		if err := s.logs.RecordOutcome(ctx, *entry.OriginalMessageRef, entry.AttemptCount, entry.Status); err != nil {
			s.logger.ErrorContext(ctx, "Failed to record retry outcome on message log",
				"error", err, "entry_id", entry.ID, "original_message_ref", *entry.OriginalMessageRef)
		}
	}
	if s.publisher == nil {
		return
	}
	event := domain.RetryOutcomeEvent{
		EntryID:            entry.ID,
		OriginalMessageRef: entry.OriginalMessageRef,
		Status:             entry.Status,
		AttemptCount:       entry.AttemptCount,
		ProviderMessageID:  entry.ProviderMessageID,
		ErrorCode:          entry.ErrorCode,
		OccurredAt:         entry.UpdatedAt,
	}
	if err := s.publisher.PublishOutcome(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish retry outcome", "error", err, "entry_id", entry.ID, "status", entry.Status)
	}
}

// Cleanup deletes terminal entries not updated within retention.
func (s *RetryService) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", domain.ErrInvalidInput)
	}
	cutoff := s.now().Add(-retention)
	deleted, err := s.repo.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup retry entries: %w", err)
	}
	cleanupDeletedCounter.Add(float64(deleted))
	s.logger.InfoContext(ctx, "Cleaned up terminal retry entries", "deleted", deleted, "cutoff", cutoff)
	return deleted, nil
}

// sendErrorDetails turns a transport error into an error code and message.
// Timeouts and unstructured errors get the transport-level codes.
func sendErrorDetails(err error) (code, message string) {
	var sendErr *domain.SendError
	if errors.As(err, &sendErr) && sendErr.Code != "" {
		return sendErr.Code, sendErr.Message
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return domain.CodeTimeout, err.Error()
	}
	return domain.CodeNetworkError, err.Error()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
