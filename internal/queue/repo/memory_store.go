package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
)

// MemoryStore is a mutex-guarded queue with the same transition rules as PostgresStore.
type MemoryStore struct {
	mu    sync.Mutex
	items map[int64]*entity.Item
	order []int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[int64]*entity.Item{}}
}

func (s *MemoryStore) Insert(_ context.Context, it entity.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it.State = entity.StatePending
	it.RetryCount = 0
	cp := copyItem(it)
	s.items[it.ID] = &cp
	s.order = append(s.order, it.ID)
	sort.SliceStable(s.order, func(i, j int) bool {
		a, b := s.items[s.order[i]], s.items[s.order[j]]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return nil
}

func (s *MemoryStore) ClaimHeads(_ context.Context, now time.Time, limit int) ([]entity.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// a card with anything in processing is skipped, whatever its pending items' age
	seen := map[string]bool{}
	for _, it := range s.items {
		if it.State == entity.StateProcessing {
			seen[it.CardID] = true
		}
	}
	var out []entity.Item
	for _, id := range s.order {
		it := s.items[id]
		if it.State != entity.StatePending || seen[it.CardID] {
			continue
		}
		seen[it.CardID] = true
		if it.AvailableAt.After(now) {
			continue
		}
		if len(out) >= limit {
			break
		}
		started := now
		it.State = entity.StateProcessing
		it.StartedAt = &started
		out = append(out, copyItem(*it))
	}
	return out, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id int64, at time.Time) error {
	return s.transition(id, entity.StateProcessing, func(it *entity.Item) {
		it.State = entity.StateCompleted
		it.ProcessedAt = &at
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id int64, f entity.Failure) error {
	return s.transition(id, entity.StateProcessing, func(it *entity.Item) {
		it.RetryCount++
		it.LastError = f.Message
		it.ErrorCategory = f.Category
		if f.Retry {
			it.State = entity.StatePending
			it.AvailableAt = f.AvailableAt
			it.StartedAt = nil
			return
		}
		at := f.At
		it.State = entity.StateFailed
		it.ProcessedAt = &at
	})
}

func (s *MemoryStore) Requeue(_ context.Context, id int64, at time.Time) error {
	return s.transition(id, entity.StateFailed, func(it *entity.Item) {
		it.State = entity.StatePending
		it.RetryCount = 0
		it.AvailableAt = at
		it.StartedAt = nil
		it.ProcessedAt = nil
	})
}

// Release hands a claimed item back without charging an attempt.
func (s *MemoryStore) Release(_ context.Context, id int64, at time.Time) error {
	return s.transition(id, entity.StateProcessing, func(it *entity.Item) {
		it.State = entity.StatePending
		it.AvailableAt = at
		it.StartedAt = nil
	})
}

func (s *MemoryStore) transition(id int64, from entity.State, apply func(*entity.Item)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return entity.ErrNotFound
	}
	if it.State != from {
		return entity.ErrStateConflict
	}
	apply(it)
	return nil
}

func (s *MemoryStore) RecoverStale(_ context.Context, olderThan time.Time, maxAttempts int, availableAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.order {
		it := s.items[id]
		if it.State != entity.StateProcessing || it.StartedAt == nil || !it.StartedAt.Before(olderThan) {
			continue
		}
		n++
		it.RetryCount++
		it.LastError = "processing interrupted"
		it.ErrorCategory = "internal"
		it.StartedAt = nil
		it.AvailableAt = availableAt
		if it.RetryCount >= maxAttempts {
			at := availableAt
			it.State = entity.StateFailed
			it.ProcessedAt = &at
		} else {
			it.State = entity.StatePending
		}
	}
	return n, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (entity.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return entity.Item{}, entity.ErrNotFound
	}
	return copyItem(*it), nil
}

func (s *MemoryStore) ListByCard(_ context.Context, cardID string) ([]entity.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Item
	for _, id := range s.order {
		if it := s.items[id]; it.CardID == cardID {
			out = append(out, copyItem(*it))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListFailed(_ context.Context, limit int) ([]entity.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Item
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		if it := s.items[s.order[i]]; it.State == entity.StateFailed {
			out = append(out, copyItem(*it))
		}
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, since time.Time) (entity.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st entity.Stats
	for _, id := range s.order {
		it := s.items[id]
		recent := it.ProcessedAt != nil && !it.ProcessedAt.Before(since)
		switch it.State {
		case entity.StatePending:
			st.Pending++
			if st.OldestPending == nil || it.CreatedAt.Before(*st.OldestPending) {
				t := it.CreatedAt
				st.OldestPending = &t
			}
		case entity.StateProcessing:
			st.Processing++
		case entity.StateCompleted:
			if recent {
				st.CompletedRecent++
			}
		case entity.StateFailed:
			st.FailedTotal++
			if recent {
				st.FailedRecent++
			}
		}
	}
	return st, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func copyItem(it entity.Item) entity.Item {
	it.TargetPlatforms = append([]entity.Platform(nil), it.TargetPlatforms...)
	if it.Metadata != nil {
		it.Metadata = append([]byte(nil), it.Metadata...)
	}
	if it.StartedAt != nil {
		t := *it.StartedAt
		it.StartedAt = &t
	}
	if it.ProcessedAt != nil {
		t := *it.ProcessedAt
		it.ProcessedAt = &t
	}
	return it
}
