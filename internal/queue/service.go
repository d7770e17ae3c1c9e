package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/pkg/utilities"
)

// Store is the durable queue. Transitions succeed only from the expected prior
// state and otherwise return entity.ErrStateConflict.
type Store interface {
	Insert(ctx context.Context, it entity.Item) error
	ClaimHeads(ctx context.Context, now time.Time, limit int) ([]entity.Item, error)
	MarkCompleted(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, f entity.Failure) error
	Requeue(ctx context.Context, id int64, at time.Time) error
	Release(ctx context.Context, id int64, at time.Time) error
	RecoverStale(ctx context.Context, olderThan time.Time, maxAttempts int, availableAt time.Time) (int, error)
	Get(ctx context.Context, id int64) (entity.Item, error)
	ListByCard(ctx context.Context, cardID string) ([]entity.Item, error)
	ListFailed(ctx context.Context, limit int) ([]entity.Item, error)
	Stats(ctx context.Context, since time.Time) (entity.Stats, error)
	Ping(ctx context.Context) error
}

type Service struct {
	store   Store
	enabled []entity.Platform
	log     *zap.SugaredLogger
	nowFn   func() time.Time
	newID   func() (int64, error)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.nowFn = now } }

func WithIDGenerator(gen func() (int64, error)) Option { return func(s *Service) { s.newID = gen } }

// NewService builds the enqueue side. enabled is the default target set.
func NewService(store Store, enabled []entity.Platform, log *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{
		store:   store,
		enabled: enabled,
		log:     log,
		nowFn:   time.Now,
		newID:   utilities.NewSnowflakeID,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Store() Store { return s.store }

// Enqueue records that a card changed. It never collapses duplicates and
// either persists the item or returns an error.
func (s *Service) Enqueue(ctx context.Context, cardID string, kind entity.UpdateKind, metadata json.RawMessage, platforms ...entity.Platform) (entity.Item, error) {
	const op = "enqueue"
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return entity.Item{}, apperr.Validation(op, "card id is required")
	}
	if !kind.Valid() {
		return entity.Item{}, apperr.Validation(op, "unknown update kind "+string(kind))
	}
	if len(metadata) > 0 && !json.Valid(metadata) {
		return entity.Item{}, apperr.Validation(op, "metadata must be valid JSON")
	}

	targets, err := s.targets(platforms)
	if err != nil {
		return entity.Item{}, err
	}

	id, err := s.newID()
	if err != nil {
		return entity.Item{}, apperr.Internal(op, "cannot allocate queue id", err)
	}
	now := s.nowFn().UTC()
	it := entity.Item{
		ID:              id,
		CardID:          cardID,
		UpdateKind:      kind,
		TargetPlatforms: targets,
		Metadata:        metadata,
		State:           entity.StatePending,
		CreatedAt:       now,
		AvailableAt:     now,
	}
	if err := s.store.Insert(ctx, it); err != nil {
		s.log.Errorw("enqueue failed", "card_id", cardID, "update_kind", kind, "error", err)
		return entity.Item{}, apperr.Internal(op, "queue unavailable", err)
	}
	s.log.Debugw("enqueued", "id", id, "card_id", cardID, "update_kind", kind, "platforms", targets)
	return it, nil
}

func (s *Service) targets(requested []entity.Platform) ([]entity.Platform, error) {
	if len(requested) == 0 {
		if len(s.enabled) == 0 {
			return nil, apperr.Configuration("enqueue", "no wallet platform is enabled")
		}
		return append([]entity.Platform(nil), s.enabled...), nil
	}
	seen := map[entity.Platform]bool{}
	var out []entity.Platform
	for _, p := range requested {
		if !p.Valid() {
			return nil, apperr.Validation("enqueue", "unknown platform "+string(p))
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// Retry puts a permanently failed item back in the queue with a fresh attempt budget.
func (s *Service) Retry(ctx context.Context, id int64) (entity.Item, error) {
	err := s.store.Requeue(ctx, id, s.nowFn().UTC())
	switch {
	case errors.Is(err, entity.ErrNotFound):
		return entity.Item{}, apperr.Validation("retry", "queue item not found")
	case errors.Is(err, entity.ErrStateConflict):
		return entity.Item{}, apperr.Validation("retry", "only failed items can be retried")
	case err != nil:
		return entity.Item{}, apperr.Internal("retry", "queue unavailable", err)
	}
	s.log.Infow("queue item requeued", "id", id)
	return s.store.Get(ctx, id)
}

func (s *Service) ListFailed(ctx context.Context, limit int) ([]entity.Item, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListFailed(ctx, limit)
}

func (s *Service) ListByCard(ctx context.Context, cardID string) ([]entity.Item, error) {
	return s.store.ListByCard(ctx, cardID)
}
