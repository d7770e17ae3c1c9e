// Package registration implements the web service native wallets call to
// register devices for pass updates and fetch the latest archive.
package registration

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/apple"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/registration/entity"
)

var (
	ErrUnauthorized = errors.New("invalid pass authorization")
	ErrUnknownPass  = errors.New("unknown pass")
)

type Store interface {
	Register(ctx context.Context, reg entity.Registration) (bool, error)
	Unregister(ctx context.Context, deviceID, passTypeID, serial string) error
	RemovePushToken(ctx context.Context, pushToken string) error
	PushTokens(ctx context.Context, passTypeID, serial string) ([]string, error)
	UpdatedSince(ctx context.Context, deviceID, passTypeID string, since time.Time) ([]entity.PassUpdate, error)
	MarkUpdated(ctx context.Context, u entity.PassUpdate) error
	Lookup(ctx context.Context, passTypeID, serial string) (entity.PassUpdate, error)
}

// ArchiveSource renders the current archive for a card.
type ArchiveSource interface {
	Apple(ctx context.Context, cardID string) (*apple.Archive, error)
}

type Service struct {
	store      Store
	passes     ArchiveSource
	passTypeID string
	secret     string
	log        *zap.SugaredLogger
	nowFn      func() time.Time
}

func NewService(store Store, passes ArchiveSource, cfg apple.Config, log *zap.SugaredLogger) *Service {
	return &Service{
		store:      store,
		passes:     passes,
		passTypeID: cfg.PassTypeID,
		secret:     cfg.AuthSecret,
		log:        log,
		nowFn:      time.Now,
	}
}

// SetArchiveSource breaks the construction cycle with the pass service.
func (s *Service) SetArchiveSource(src ArchiveSource) { s.passes = src }

func (s *Service) PassTypeID() string { return s.passTypeID }

// Authorize checks the ApplePass token for serial under passTypeID.
func (s *Service) Authorize(passTypeID, serial, token string) error {
	if passTypeID != s.passTypeID || !apple.CheckAuthToken(s.secret, serial, token) {
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) Register(ctx context.Context, deviceID, passTypeID, serial, pushToken string) (bool, error) {
	if strings.TrimSpace(deviceID) == "" || strings.TrimSpace(pushToken) == "" {
		return false, apperr.Validation("register device", "device id and push token are required")
	}
	created, err := s.store.Register(ctx, entity.Registration{
		DeviceID:     deviceID,
		PassTypeID:   passTypeID,
		SerialNumber: serial,
		PushToken:    pushToken,
		CreatedAt:    s.nowFn().UTC(),
	})
	if err != nil {
		return false, apperr.Internal("register device", "store failed", err)
	}
	s.log.Infow("device registered", "device_id", deviceID, "serial", serial, "created", created)
	return created, nil
}

func (s *Service) Unregister(ctx context.Context, deviceID, passTypeID, serial string) error {
	err := s.store.Unregister(ctx, deviceID, passTypeID, serial)
	if err != nil && !errors.Is(err, entity.ErrNotFound) {
		return apperr.Internal("unregister device", "store failed", err)
	}
	s.log.Infow("device unregistered", "device_id", deviceID, "serial", serial)
	return nil
}

// SerialsUpdatedSince returns the serials changed after since and the newest
// update time among them. A zero since returns everything registered.
func (s *Service) SerialsUpdatedSince(ctx context.Context, deviceID, passTypeID string, since time.Time) ([]string, time.Time, error) {
	rows, err := s.store.UpdatedSince(ctx, deviceID, passTypeID, since)
	if err != nil {
		return nil, time.Time{}, apperr.Internal("list updated passes", "store failed", err)
	}
	serials := make([]string, 0, len(rows))
	var last time.Time
	for _, u := range rows {
		serials = append(serials, u.SerialNumber)
		if u.UpdatedAt.After(last) {
			last = u.UpdatedAt
		}
	}
	return serials, last, nil
}

func (s *Service) PushTokens(ctx context.Context, serial string) ([]string, error) {
	return s.store.PushTokens(ctx, s.passTypeID, serial)
}

func (s *Service) RemovePushToken(ctx context.Context, pushToken string) error {
	return s.store.RemovePushToken(ctx, pushToken)
}

// MarkIssued records that serial now renders card cardID as of at.
func (s *Service) MarkIssued(ctx context.Context, serial, cardID string, at time.Time) error {
	return s.store.MarkUpdated(ctx, entity.PassUpdate{
		PassTypeID:   s.passTypeID,
		SerialNumber: serial,
		CardID:       cardID,
		UpdatedAt:    at.UTC().Truncate(time.Second),
	})
}

// LatestPass rebuilds the archive for serial from current card data.
func (s *Service) LatestPass(ctx context.Context, passTypeID, serial string) (*apple.Archive, time.Time, error) {
	u, err := s.store.Lookup(ctx, passTypeID, serial)
	if errors.Is(err, entity.ErrNotFound) {
		return nil, time.Time{}, ErrUnknownPass
	}
	if err != nil {
		return nil, time.Time{}, apperr.Internal("latest pass", "store failed", err)
	}
	if s.passes == nil {
		return nil, time.Time{}, apperr.Configuration("latest pass", "archive source is not configured")
	}
	arc, err := s.passes.Apple(ctx, u.CardID)
	if err != nil {
		return nil, time.Time{}, err
	}
	return arc, u.UpdatedAt, nil
}
