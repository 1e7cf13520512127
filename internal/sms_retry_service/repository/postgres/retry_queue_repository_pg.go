package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

const activeRefConstraint = "uq_sms_retry_queue_active_ref"

var entryColumns = []string{
	"id", "original_message_ref", "recipient", "message_body",
	"attempt_count", "max_attempts", "next_eligible_at",
	"error_code", "error_message", "status", "provider_message_id",
	"claimed_at", "created_at", "updated_at", "delivered_at",
}

func selectColumns(prefix string) string {
	if prefix == "" {
		return strings.Join(entryColumns, ", ")
	}
	cols := make([]string, len(entryColumns))
	for i, c := range entryColumns {
		cols[i] = prefix + "." + c
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*domain.RetryQueueEntry, error) {
	var e domain.RetryQueueEntry
	err := row.Scan(
		&e.ID,
		&e.OriginalMessageRef,
		&e.Recipient,
		&e.MessageBody,
		&e.AttemptCount,
		&e.MaxAttempts,
		&e.NextEligibleAt,
		&e.ErrorCode,
		&e.ErrorMessage,
		&e.Status,
		&e.ProviderMessageID,
		&e.ClaimedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
		&e.DeliveredAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntries(rows pgx.Rows) ([]*domain.RetryQueueEntry, error) {
	defer rows.Close()
	var entries []*domain.RetryQueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type pgRetryQueueRepository struct {
	db     DB
	sb     sq.StatementBuilderType
	logger *slog.Logger
}

// NewPgRetryQueueRepository creates a PostgreSQL implementation of RetryQueueRepository
// backed by the sms_retry_queue table.
func NewPgRetryQueueRepository(db DB, logger *slog.Logger) domain.RetryQueueRepository {
	return &pgRetryQueueRepository{
		db:     db,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		logger: logger.With("component", "retry_queue_repository"),
	}
}

func (r *pgRetryQueueRepository) Create(ctx context.Context, entry *domain.RetryQueueEntry) error {
	query := `
		INSERT INTO sms_retry_queue (
			id, original_message_ref, recipient, message_body, attempt_count, max_attempts,
			next_eligible_at, error_code, error_message, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.OriginalMessageRef,
		entry.Recipient,
		entry.MessageBody,
		entry.AttemptCount,
		entry.MaxAttempts,
		entry.NextEligibleAt,
		entry.ErrorCode,
		entry.ErrorMessage,
		string(entry.Status),
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, activeRefConstraint) {
			return domain.ErrDuplicateActiveEntry
		}
		r.logger.ErrorContext(ctx, "Error inserting retry entry", "error", err, "entry_id", entry.ID)
		return fmt.Errorf("insert retry entry: %w", err)
	}
	return nil
}

func (r *pgRetryQueueRepository) getOne(ctx context.Context, where string, arg any) (*domain.RetryQueueEntry, error) {
	query := "SELECT " + selectColumns("") + " FROM sms_retry_queue WHERE " + where
	e, err := scanEntry(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get retry entry: %w", err)
	}
	return e, nil
}

func (r *pgRetryQueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.RetryQueueEntry, error) {
	return r.getOne(ctx, "id = $1", id)
}

func (r *pgRetryQueueRepository) FindActiveByOriginalRef(ctx context.Context, ref uuid.UUID) (*domain.RetryQueueEntry, error) {
	return r.getOne(ctx, "original_message_ref = $1 AND status IN ('pending', 'in_flight')", ref)
}

func (r *pgRetryQueueRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.RetryQueueEntry, error) {
	return r.getOne(ctx, "provider_message_id = $1", providerMessageID)
}

func (r *pgRetryQueueRepository) ReclaimStuck(ctx context.Context, claimedBefore, now time.Time) (int, error) {
	query := `
		UPDATE sms_retry_queue
		SET status = 'pending', claimed_at = NULL, updated_at = $2
		WHERE status = 'in_flight' AND claimed_at <= $1`

	tag, err := r.db.Exec(ctx, query, claimedBefore, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck entries: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		r.logger.WarnContext(ctx, "Reclaimed stuck in-flight retry entries", "count", n, "claimed_before", claimedBefore)
	}
	return int(tag.RowsAffected()), nil
}

// ClaimDueEntries selects due rows with FOR UPDATE SKIP LOCKED and flips them
// to in_flight in the same statement, so concurrent workers get disjoint sets.
func (r *pgRetryQueueRepository) ClaimDueEntries(ctx context.Context, now time.Time, limit int) ([]*domain.RetryQueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		WITH due AS (
			SELECT id FROM sms_retry_queue
			WHERE status = 'pending' AND next_eligible_at <= $1
			ORDER BY next_eligible_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE sms_retry_queue q
		SET status = 'in_flight', claimed_at = $1, updated_at = $1
		FROM due
		WHERE q.id = due.id
		RETURNING ` + selectColumns("q")

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("scan claimed entries: %w", err)
	}
	// RETURNING order is unspecified.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].NextEligibleAt.Before(entries[j].NextEligibleAt)
	})
	return entries, nil
}

func (r *pgRetryQueueRepository) UpdateAttemptResult(ctx context.Context, entry *domain.RetryQueueEntry) error {
	query := `
		UPDATE sms_retry_queue
		SET attempt_count = $2,
			status = $3,
			next_eligible_at = $4,
			error_code = $5,
			error_message = $6,
			provider_message_id = COALESCE(provider_message_id, $7),
			delivered_at = $8,
			claimed_at = NULL,
			updated_at = $9
		WHERE id = $1 AND status = 'in_flight' AND claimed_at IS NOT DISTINCT FROM $10`

	tag, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.AttemptCount,
		string(entry.Status),
		entry.NextEligibleAt,
		entry.ErrorCode,
		entry.ErrorMessage,
		entry.ProviderMessageID,
		entry.DeliveredAt,
		entry.UpdatedAt,
		entry.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("update attempt result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEntryNotInFlight
	}
	return nil
}

func (r *pgRetryQueueRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sms_retry_queue WHERE status IN ('delivered', 'failed') AND updated_at < $1`
	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *pgRetryQueueRepository) ListEntries(ctx context.Context, filter domain.ListFilter) ([]*domain.RetryQueueEntry, error) {
	qb := r.sb.Select(entryColumns...).
		From("sms_retry_queue").
		OrderBy("created_at DESC", "id DESC")
	if filter.Status != "" {
		qb = qb.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list retry entries: %w", err)
	}
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("scan retry entries: %w", err)
	}
	return entries, nil
}

func (r *pgRetryQueueRepository) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	query, args, err := r.sb.Select("status", "COUNT(*)").
		From("sms_retry_queue").
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count query: %w", err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count retry entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Status]int64)
	for rows.Next() {
		var (
			status domain.Status
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
