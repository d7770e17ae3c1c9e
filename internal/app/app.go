// Package app assembles the engine from configuration. Both binaries use it.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card"
	cardrepo "github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/repo"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/dispatch"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/health"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/apple"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/google"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/platform"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
	queuerepo "github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/repo"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/registration"
	regrepo "github.com/ovaphlow/pitchfork/service-wallet-go/internal/registration/repo"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/signing"
	"github.com/ovaphlow/pitchfork/service-wallet-go/pkg/database"
)

type cardSource interface {
	card.Source
	Ping(ctx context.Context) error
}

// App holds the wired services. Fields are nil for disabled platforms.
type App struct {
	Config     config.Config
	DB         *sqlx.DB
	Cards      *card.Service
	Queue      *queue.Service
	Devices    *registration.Service
	Passes     *pass.Service
	Dispatcher *dispatch.Dispatcher
	Monitor    *health.Monitor

	apple      *apple.Builder
	publishers map[entity.Platform]dispatch.Publisher
	log        *zap.SugaredLogger
	closers    []func() error
}

type Option func(*options)

type options struct {
	cards       cardSource
	broadcaster platform.Broadcaster
	httpClient  *http.Client
}

// WithCardSource replaces the card store; the memory repo is the usual choice.
func WithCardSource(src *cardrepo.MemoryRepo) Option {
	return func(o *options) { o.cards = src }
}

// WithBroadcaster replaces the NATS connection for PWA updates.
func WithBroadcaster(bc platform.Broadcaster) Option {
	return func(o *options) { o.broadcaster = bc }
}

// WithHTTPClient sets the client used for the Google Wallet REST API.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New connects storage and builds every enabled platform. A platform whose
// keys fail to load is logged and left unwired so the compliance report can
// still explain what is wrong.
func New(ctx context.Context, cfg config.Config, log *zap.SugaredLogger, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	a := &App{Config: cfg, log: log, publishers: map[entity.Platform]dispatch.Publisher{}}

	qstore, regStore, cards, err := a.storage(ctx, o.cards)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Cards = card.NewService(cards)
	a.Devices = registration.NewService(regStore, nil, cfg.Apple.Pass, log)

	passOpts := []pass.Option{pass.WithPWA(cfg.PWA.Enabled)}
	var enabled []entity.Platform

	if cfg.Apple.Enabled {
		enabled = append(enabled, entity.PlatformApple)
		if b, signer, err := buildApple(cfg); err != nil {
			log.Errorw("apple wallet unavailable", "err", err)
		} else {
			a.apple = b
			passOpts = append(passOpts, pass.WithApple(b, a.Devices))
			client := platform.NewAPNSClient(tls.Certificate{
				Certificate: [][]byte{signer.Certificate().Raw},
				PrivateKey:  signer.PrivateKey(),
				Leaf:        signer.Certificate(),
			})
			a.publishers[entity.PlatformApple] = platform.NewAppleNotifier(b, a.Devices, client, cfg.Apple.APNSHost, log)
		}
	}

	if cfg.Google.Enabled {
		enabled = append(enabled, entity.PlatformGoogle)
		if b, signer, err := buildGoogle(cfg); err != nil {
			log.Errorw("google wallet unavailable", "err", err)
		} else {
			passOpts = append(passOpts, pass.WithGoogle(b))
			httpc := o.httpClient
			if httpc == nil {
				httpc = &http.Client{Timeout: cfg.Dispatch.PushTimeout}
			}
			a.publishers[entity.PlatformGoogle] = platform.NewGoogleWalletClient(b, signer, cfg.Google.Client, httpc, log)
		}
	}

	if cfg.PWA.Enabled {
		enabled = append(enabled, entity.PlatformPWA)
		bc := o.broadcaster
		if bc == nil && cfg.PWA.Nats.URL != "" {
			nc, err := platform.ConnectNats(cfg.PWA.Nats)
			if err != nil {
				a.Close()
				return nil, fmt.Errorf("connect nats: %w", err)
			}
			a.closers = append(a.closers, nc.Drain)
			bc = nc
		}
		a.publishers[entity.PlatformPWA] = platform.NewPWAPublisher(bc)
	}

	a.Passes = pass.NewService(a.Cards, log, passOpts...)
	a.Devices.SetArchiveSource(a.Passes)
	a.Queue = queue.NewService(qstore, enabled, log)
	a.Dispatcher = dispatch.New(cfg.Dispatch, qstore, a.Cards, a.publishers, log)
	a.Monitor = health.NewMonitor(cfg, cards, qstore, log)

	log.Infow("wallet engine assembled",
		"storage", cfg.Storage,
		"environment", cfg.Environment(),
		"platforms", a.Passes.Enabled(),
	)
	return a, nil
}

func (a *App) storage(ctx context.Context, cards cardSource) (queue.Store, registration.Store, cardSource, error) {
	if a.Config.Storage == config.StorageMemory {
		if cards == nil {
			cards = cardrepo.NewMemoryRepo()
		}
		return queuerepo.NewMemoryStore(), regrepo.NewMemoryRepo(), cards, nil
	}

	db, err := database.ConnectX(a.Config.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("db connect: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	qs := queuerepo.NewPostgresStore(db)
	if err := qs.EnsureTable(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("ensure queue table: %w", err)
	}
	rs := regrepo.NewRepo(db)
	if err := rs.EnsureTable(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("ensure registration tables: %w", err)
	}
	if cards == nil {
		cards = cardrepo.NewCardRepo(db)
	}
	return qs, rs, cards, nil
}

func buildApple(cfg config.Config) (*apple.Builder, *signing.PKCS7Signer, error) {
	signer, err := signing.NewPKCS7Signer(cfg.Apple.Keys)
	if err != nil {
		return nil, nil, err
	}
	b, err := apple.NewBuilder(cfg.Apple.Pass, signer)
	if err != nil {
		return nil, nil, err
	}
	return b, signer, nil
}

func buildGoogle(cfg config.Config) (*google.Builder, *signing.RS256Signer, error) {
	signer, err := signing.NewRS256Signer(cfg.Google.Pass.PrivateKeyPEM)
	if err != nil {
		return nil, nil, err
	}
	b, err := google.NewBuilder(cfg.Google.Pass, signer)
	if err != nil {
		return nil, nil, err
	}
	return b, signer, nil
}

// Publisher returns the wired publisher for p, if any.
func (a *App) Publisher(p entity.Platform) (dispatch.Publisher, bool) {
	pub, ok := a.publishers[p]
	return pub, ok
}

// Handler mounts the HTTP surface. The device web service is only served
// when Apple passes can actually be built.
func (a *App) Handler() http.Handler {
	h := router.Handlers{
		Passes: pass.NewHandler(a.Passes, a.log),
		Queue:  queue.NewHandler(a.Queue, a.log),
		Health: health.NewHandler(a.Monitor),
	}
	if a.apple != nil {
		h.Devices = registration.NewHandler(a.Devices, a.log)
	}
	return router.RegisterRoutes(a.log, h, router.Options{
		RateLimit:   a.Config.HTTP.RateLimit,
		CORSOrigins: a.Config.HTTP.CORSOrigins,
	})
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
