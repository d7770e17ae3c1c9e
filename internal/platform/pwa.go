// Package platform pushes regenerated passes to the outside world.
package platform

import (
	"context"
	"encoding/json"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/pwa"
)

const PWASubjectPrefix = "wallet.pwa."

// Broadcaster is satisfied by *nats.Conn.
type Broadcaster interface {
	Publish(subject string, data []byte) error
}

// NoopBroadcaster drops messages; thin clients then poll the HTTP endpoint.
type NoopBroadcaster struct{}

func (NoopBroadcaster) Publish(string, []byte) error { return nil }

type PWAPublisher struct {
	bc Broadcaster
}

func NewPWAPublisher(bc Broadcaster) *PWAPublisher {
	if bc == nil {
		bc = NoopBroadcaster{}
	}
	return &PWAPublisher{bc: bc}
}

// Publish sends the fresh document on wallet.pwa.<cardId>.
func (p *PWAPublisher) Publish(ctx context.Context, c entity.UnifiedCard) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(pwa.Build(c))
	if err != nil {
		return apperr.Internal("pwa publish", "cannot encode document", err).WithPlatform(pwa.Platform)
	}
	if err := p.bc.Publish(PWASubjectPrefix+c.ID, data); err != nil {
		return apperr.Platform("pwa publish", "broadcast failed", err).WithPlatform(pwa.Platform)
	}
	return nil
}
