package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

// MessageLogStore is an in-memory stand-in for the transport's message log table.
type MessageLogStore struct {
	mu   sync.Mutex
	logs map[uuid.UUID]*domain.MessageLog
}

func NewMessageLogStore() *MessageLogStore {
	return &MessageLogStore{logs: make(map[uuid.UUID]*domain.MessageLog)}
}

var _ domain.MessageLogRepository = (*MessageLogStore)(nil)

// Put adds or replaces a log row. The transport owns log creation; this exists
// for the memory backend and tests.
func (s *MessageLogStore) Put(log domain.MessageLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := log
	s.logs[log.ID] = &l
}

// Get returns a copy of the row, or false.
func (s *MessageLogStore) Get(id uuid.UUID) (domain.MessageLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok {
		return domain.MessageLog{}, false
	}
	return *l, true
}

func (s *MessageLogStore) RecordOutcome(_ context.Context, id uuid.UUID, retryCount int, finalStatus domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok {
		return nil
	}
	l.RetryCount = retryCount
	if l.DeliveryConfirmedAt == nil {
		st := finalStatus
		l.FinalStatus = &st
	}
	return nil
}

func (s *MessageLogStore) FindByProviderMessageID(_ context.Context, providerMessageID string) (*domain.MessageLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.logs {
		if l.ProviderMessageID != nil && *l.ProviderMessageID == providerMessageID {
			c := *l
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *MessageLogStore) ConfirmDelivery(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok || l.DeliveryConfirmedAt != nil {
		return false, nil
	}
	st := domain.StatusDelivered
	l.FinalStatus = &st
	l.DeliveryConfirmedAt = &at
	return true, nil
}

func (s *MessageLogStore) MarkFailed(_ context.Context, id uuid.UUID, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok || l.DeliveryConfirmedAt != nil {
		return false, nil
	}
	if l.FinalStatus != nil && *l.FinalStatus == domain.StatusFailed {
		return false, nil
	}
	st := domain.StatusFailed
	l.FinalStatus = &st
	return true, nil
}
