package card

import (
	"context"
	"errors"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/repo"
)

// Source reads the authoritative state of an issued card.
type Source interface {
	Load(ctx context.Context, cardID string) (entity.Source, error)
}

// Service resolves a card id into a freshly normalized UnifiedCard.
type Service struct {
	src Source
}

func NewService(src Source) *Service {
	return &Service{src: src}
}

// Current loads and normalizes the card as it is at call time.
func (s *Service) Current(ctx context.Context, cardID string) (entity.UnifiedCard, error) {
	if cardID == "" {
		return entity.UnifiedCard{}, apperr.Validation("load card", "card id is required")
	}
	src, err := s.src.Load(ctx, cardID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return entity.UnifiedCard{}, apperr.Validation("load card", "card "+cardID+" not found")
		}
		return entity.UnifiedCard{}, apperr.Internal("load card", "card store unavailable", err)
	}
	return Normalize(src)
}
