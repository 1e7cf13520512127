package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

type pgMessageLogRepository struct {
	db     DB
	logger *slog.Logger
}

// NewPgMessageLogRepository creates a repository over sms_message_logs. Only the
// delivery outcome columns are written.
func NewPgMessageLogRepository(db DB, logger *slog.Logger) domain.MessageLogRepository {
	return &pgMessageLogRepository{
		db:     db,
		logger: logger.With("component", "message_log_repository"),
	}
}

func (r *pgMessageLogRepository) RecordOutcome(ctx context.Context, id uuid.UUID, retryCount int, finalStatus domain.Status) error {
	query := `
		UPDATE sms_message_logs
		SET retry_count = $2,
			final_status = CASE WHEN delivery_confirmed_at IS NULL THEN $3 ELSE final_status END,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id, retryCount, string(finalStatus))
	if err != nil {
		return fmt.Errorf("record message log outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "No message log row for retry outcome", "message_id", id)
	}
	return nil
}

func (r *pgMessageLogRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.MessageLog, error) {
	query := `
		SELECT id, recipient, provider_message_id, retry_count, final_status, delivery_confirmed_at
		FROM sms_message_logs
		WHERE provider_message_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	var l domain.MessageLog
	err := r.db.QueryRow(ctx, query, providerMessageID).Scan(
		&l.ID,
		&l.Recipient,
		&l.ProviderMessageID,
		&l.RetryCount,
		&l.FinalStatus,
		&l.DeliveryConfirmedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find message log: %w", err)
	}
	return &l, nil
}

func (r *pgMessageLogRepository) ConfirmDelivery(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE sms_message_logs
		SET final_status = 'delivered', delivery_confirmed_at = $2, updated_at = $2
		WHERE id = $1 AND delivery_confirmed_at IS NULL`

	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("confirm delivery: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *pgMessageLogRepository) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	query := `
		UPDATE sms_message_logs
		SET final_status = 'failed', updated_at = $2
		WHERE id = $1 AND delivery_confirmed_at IS NULL AND final_status IS DISTINCT FROM 'failed'`

	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return false, fmt.Errorf("mark message log failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
