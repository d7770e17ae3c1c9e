// Package pass loads the current card and renders it for one platform.
package pass

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/apple"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/google"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/pwa"
)

type CardLoader interface {
	Current(ctx context.Context, cardID string) (entity.UnifiedCard, error)
}

// Issuer remembers which card a native pass serial belongs to.
type Issuer interface {
	MarkIssued(ctx context.Context, serial, cardID string, at time.Time) error
}

// Service renders passes. A nil builder means the platform is disabled.
type Service struct {
	cards      CardLoader
	apple      *apple.Builder
	google     *google.Builder
	pwaEnabled bool
	issuer     Issuer
	log        *zap.SugaredLogger
}

type Option func(*Service)

func WithApple(b *apple.Builder, issuer Issuer) Option {
	return func(s *Service) { s.apple, s.issuer = b, issuer }
}

func WithGoogle(b *google.Builder) Option { return func(s *Service) { s.google = b } }

func WithPWA(enabled bool) Option { return func(s *Service) { s.pwaEnabled = enabled } }

func NewService(cards CardLoader, log *zap.SugaredLogger, opts ...Option) *Service {
	s := &Service{cards: cards, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

func disabled(platform string) error {
	return apperr.Configuration("pass", platform+" wallet is disabled").WithPlatform(platform)
}

// Apple builds the archive and records the serial so devices can fetch updates.
// The recorded time is the card's own update time, so a download never looks
// like a newer change to other registered devices.
func (s *Service) Apple(ctx context.Context, cardID string) (*apple.Archive, error) {
	if s.apple == nil {
		return nil, disabled(apple.Platform)
	}
	c, err := s.cards.Current(ctx, cardID)
	if err != nil {
		return nil, err
	}
	arc, err := s.apple.Build(ctx, c)
	if err != nil {
		return nil, err
	}
	if s.issuer != nil {
		at := c.UpdatedAt
		if at.IsZero() {
			at = time.Unix(0, 0)
		}
		if err := s.issuer.MarkIssued(ctx, arc.SerialNumber, c.ID, at); err != nil {
			s.log.Warnw("recording issued pass failed", "card_id", c.ID, "serial", arc.SerialNumber, "error", err)
		}
	}
	return arc, nil
}

func (s *Service) Google(ctx context.Context, cardID string) (*google.Result, error) {
	if s.google == nil {
		return nil, disabled(google.Platform)
	}
	c, err := s.cards.Current(ctx, cardID)
	if err != nil {
		return nil, err
	}
	return s.google.Build(ctx, c)
}

func (s *Service) PWA(ctx context.Context, cardID string) (pwa.Document, error) {
	if !s.pwaEnabled {
		return pwa.Document{}, disabled(pwa.Platform)
	}
	c, err := s.cards.Current(ctx, cardID)
	if err != nil {
		return pwa.Document{}, err
	}
	return pwa.Build(c), nil
}

// Enabled lists platforms with a configured builder.
func (s *Service) Enabled() []string {
	var out []string
	if s.apple != nil {
		out = append(out, apple.Platform)
	}
	if s.google != nil {
		out = append(out, google.Platform)
	}
	if s.pwaEnabled {
		out = append(out, pwa.Platform)
	}
	return out
}
