package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/repository/memory"
)

// --- Mocks ---

type MockRetryQueueRepository struct {
	mock.Mock
}

func (m *MockRetryQueueRepository) Create(ctx context.Context, entry *domain.RetryQueueEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockRetryQueueRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.RetryQueueEntry, error) {
	args := m.Called(ctx, id)
	entry, _ := args.Get(0).(*domain.RetryQueueEntry)
	return entry, args.Error(1)
}

func (m *MockRetryQueueRepository) FindActiveByOriginalRef(ctx context.Context, ref uuid.UUID) (*domain.RetryQueueEntry, error) {
	args := m.Called(ctx, ref)
	entry, _ := args.Get(0).(*domain.RetryQueueEntry)
	return entry, args.Error(1)
}

func (m *MockRetryQueueRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.RetryQueueEntry, error) {
	args := m.Called(ctx, providerMessageID)
	entry, _ := args.Get(0).(*domain.RetryQueueEntry)
	return entry, args.Error(1)
}

func (m *MockRetryQueueRepository) ReclaimStuck(ctx context.Context, claimedBefore, now time.Time) (int, error) {
	args := m.Called(ctx, claimedBefore, now)
	return args.Int(0), args.Error(1)
}

func (m *MockRetryQueueRepository) ClaimDueEntries(ctx context.Context, now time.Time, limit int) ([]*domain.RetryQueueEntry, error) {
	args := m.Called(ctx, now, limit)
	entries, _ := args.Get(0).([]*domain.RetryQueueEntry)
	return entries, args.Error(1)
}

func (m *MockRetryQueueRepository) UpdateAttemptResult(ctx context.Context, entry *domain.RetryQueueEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockRetryQueueRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRetryQueueRepository) ListEntries(ctx context.Context, filter domain.ListFilter) ([]*domain.RetryQueueEntry, error) {
	args := m.Called(ctx, filter)
	entries, _ := args.Get(0).([]*domain.RetryQueueEntry)
	return entries, args.Error(1)
}

func (m *MockRetryQueueRepository) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).(map[domain.Status]int64)
	return counts, args.Error(1)
}

type MockMessageLogRepository struct {
	mock.Mock
}

func (m *MockMessageLogRepository) RecordOutcome(ctx context.Context, id uuid.UUID, retryCount int, finalStatus domain.Status) error {
	args := m.Called(ctx, id, retryCount, finalStatus)
	return args.Error(0)
}

func (m *MockMessageLogRepository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.MessageLog, error) {
	args := m.Called(ctx, providerMessageID)
	l, _ := args.Get(0).(*domain.MessageLog)
	return l, args.Error(1)
}

func (m *MockMessageLogRepository) ConfirmDelivery(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}

func (m *MockMessageLogRepository) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}

type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Send(ctx context.Context, recipient, body string) (string, error) {
	args := m.Called(ctx, recipient, body)
	return args.String(0), args.Error(1)
}

type MockOutcomePublisher struct {
	mock.Mock
}

func (m *MockOutcomePublisher) PublishOutcome(ctx context.Context, event domain.RetryOutcomeEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type MockDeduplicator struct {
	mock.Mock
}

func (m *MockDeduplicator) FirstSeen(ctx context.Context, providerMessageID string, status domain.Status) (bool, error) {
	args := m.Called(ctx, providerMessageID, status)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeduplicator) Forget(ctx context.Context, providerMessageID string, status domain.Status) error {
	args := m.Called(ctx, providerMessageID, status)
	return args.Error(0)
}

type MockBatchProcessor struct {
	mock.Mock
}

func (m *MockBatchProcessor) ProcessBatch(ctx context.Context, limit int) (BatchResult, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).(BatchResult), args.Error(1)
}

func (m *MockBatchProcessor) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	args := m.Called(ctx, retention)
	return args.Get(0).(int64), args.Error(1)
}

// --- Fakes ---

// setNXDeduplicator records keys in memory the way the Redis SETNX dedup does.
type setNXDeduplicator struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newSetNXDeduplicator() *setNXDeduplicator {
	return &setNXDeduplicator{seen: make(map[string]bool)}
}

func (d *setNXDeduplicator) FirstSeen(_ context.Context, providerMessageID string, status domain.Status) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := providerMessageID + ":" + string(status)
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *setNXDeduplicator) Forget(_ context.Context, providerMessageID string, status domain.Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, providerMessageID+":"+string(status))
	return nil
}

// flakyLogStore fails the next ConfirmDelivery calls, then delegates.
type flakyLogStore struct {
	*memory.MessageLogStore
	mu       sync.Mutex
	failures int
}

func (s *flakyLogStore) ConfirmDelivery(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return false, errors.New("db down")
	}
	s.mu.Unlock()
	return s.MessageLogStore.ConfirmDelivery(ctx, id, at)
}

// funcTransport lets a test script every send.
type funcTransport func(ctx context.Context, recipient, body string) (string, error)

func (f funcTransport) Send(ctx context.Context, recipient, body string) (string, error) {
	return f(ctx, recipient, body)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
