// Package memory holds in-process implementations of the service repositories.
// They back the "memory" store backend and the concurrency tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BlokusPokus/ai-assistant-sub011/internal/sms_retry_service/domain"
)

// RetryQueueStore keeps entries in a map guarded by one mutex. Claims happen
// under the lock, which gives the same exclusivity as SKIP LOCKED.
type RetryQueueStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*domain.RetryQueueEntry
}

func NewRetryQueueStore() *RetryQueueStore {
	return &RetryQueueStore{entries: make(map[uuid.UUID]*domain.RetryQueueEntry)}
}

var _ domain.RetryQueueRepository = (*RetryQueueStore)(nil)

func (s *RetryQueueStore) Create(_ context.Context, entry *domain.RetryQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.OriginalMessageRef != nil {
		if s.activeByRefLocked(*entry.OriginalMessageRef) != nil {
			return domain.ErrDuplicateActiveEntry
		}
	}
	s.entries[entry.ID] = entry.Clone()
	return nil
}

func (s *RetryQueueStore) GetByID(_ context.Context, id uuid.UUID) (*domain.RetryQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *RetryQueueStore) FindActiveByOriginalRef(_ context.Context, ref uuid.UUID) (*domain.RetryQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.activeByRefLocked(ref); e != nil {
		return e.Clone(), nil
	}
	return nil, domain.ErrNotFound
}

func (s *RetryQueueStore) activeByRefLocked(ref uuid.UUID) *domain.RetryQueueEntry {
	for _, e := range s.entries {
		if e.OriginalMessageRef != nil && *e.OriginalMessageRef == ref && !e.Status.IsTerminal() {
			return e
		}
	}
	return nil
}

func (s *RetryQueueStore) GetByProviderMessageID(_ context.Context, providerMessageID string) (*domain.RetryQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.ProviderMessageID != nil && *e.ProviderMessageID == providerMessageID {
			return e.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *RetryQueueStore) ReclaimStuck(_ context.Context, claimedBefore, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.Status == domain.StatusInFlight && e.ClaimedAt != nil && !e.ClaimedAt.After(claimedBefore) {
			e.Status = domain.StatusPending
			e.ClaimedAt = nil
			e.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *RetryQueueStore) ClaimDueEntries(_ context.Context, now time.Time, limit int) ([]*domain.RetryQueueEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.RetryQueueEntry
	for _, e := range s.entries {
		if e.Status == domain.StatusPending && !e.NextEligibleAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextEligibleAt.Before(due[j].NextEligibleAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.RetryQueueEntry, 0, len(due))
	for _, e := range due {
		claimedAt := now
		e.Status = domain.StatusInFlight
		e.ClaimedAt = &claimedAt
		e.UpdatedAt = now
		claimed = append(claimed, e.Clone())
	}
	return claimed, nil
}

func (s *RetryQueueStore) UpdateAttemptResult(_ context.Context, entry *domain.RetryQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entries[entry.ID]
	if !ok || cur.Status != domain.StatusInFlight || !sameClaim(cur.ClaimedAt, entry.ClaimedAt) {
		return domain.ErrEntryNotInFlight
	}
	providerID := cur.ProviderMessageID
	if providerID == nil {
		providerID = entry.ProviderMessageID
	}
	updated := entry.Clone()
	updated.ProviderMessageID = providerID
	updated.ClaimedAt = nil
	updated.CreatedAt = cur.CreatedAt
	s.entries[entry.ID] = updated
	return nil
}

func sameClaim(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (s *RetryQueueStore) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, e := range s.entries {
		if e.Status.IsTerminal() && e.UpdatedAt.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *RetryQueueStore) ListEntries(_ context.Context, filter domain.ListFilter) ([]*domain.RetryQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.RetryQueueEntry
	for _, e := range s.entries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []*domain.RetryQueueEntry{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *RetryQueueStore) CountByStatus(_ context.Context) (map[domain.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[domain.Status]int64)
	for _, e := range s.entries {
		counts[e.Status]++
	}
	return counts, nil
}
