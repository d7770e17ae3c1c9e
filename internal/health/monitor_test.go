package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/apple"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/google"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/signing"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/signing/signingtest"
)

func validConfig(t *testing.T) config.Config {
	t.Helper()
	keys, err := signingtest.Keys()
	require.NoError(t, err)
	return config.Config{
		BaseURL: "https://wallet.example.com",
		Apple: config.AppleConfig{
			Enabled: true,
			Pass: apple.Config{
				PassTypeID:    "pass.com.example",
				TeamID:        "ABCDE12345",
				WebServiceURL: "https://wallet.example.com/api/wallet/apple",
				AuthSecret:    "secret",
			},
			Keys: signing.KeyMaterial{
				CertificatePEM:  keys.CertPEM,
				PrivateKeyPEM:   keys.KeyPEM,
				IntermediatePEM: keys.CAPEM,
			},
		},
		Google: config.GoogleConfig{
			Enabled: true,
			Pass: google.Config{
				IssuerID:            "3388000000022",
				ServiceAccountEmail: "wallet@example.iam.gserviceaccount.com",
				PrivateKeyPEM:       keys.PKCS8KeyPEM,
				BaseURL:             "https://wallet.example.com",
			},
		},
		PWA: config.PWAConfig{Enabled: true},
	}
}

type fakeDB struct{ err error }

func (f fakeDB) Ping(context.Context) error { return f.err }

type fakeStats struct {
	s   entity.Stats
	err error
}

func (f fakeStats) Stats(context.Context, time.Time) (entity.Stats, error) { return f.s, f.err }

func newMonitor(cfg config.Config, db Pinger, q QueueStats) *Monitor {
	return NewMonitor(cfg, db, q, zap.NewNop().Sugar())
}

func TestComplianceHealthy(t *testing.T) {
	rep := newMonitor(validConfig(t), nil, nil).CheckCompliance(context.Background())
	assert.Equal(t, StatusHealthy, rep.Status, "%+v", rep.Checks)
	assert.Equal(t, StatusHealthy, rep.Platforms[apple.Platform])
	assert.Equal(t, StatusHealthy, rep.Platforms[google.Platform])
	c, ok := rep.Check("google.signing_roundtrip")
	require.True(t, ok)
	assert.NotEmpty(t, c.Details["kid"])
}

func TestComplianceGateInvalidAppleKey(t *testing.T) {
	cfg := validConfig(t)
	cfg.Apple.Keys.PrivateKeyPEM = "MIIEvQIBADANBgkqhkiG9w0BAQEFAASC"

	rep := newMonitor(cfg, nil, nil).CheckCompliance(context.Background())
	assert.Equal(t, StatusCritical, rep.Status)
	assert.Equal(t, StatusCritical, rep.Platforms[apple.Platform])
	assert.Equal(t, StatusHealthy, rep.Platforms[google.Platform])

	km, ok := rep.Check("apple.key_material")
	require.True(t, ok)
	assert.Equal(t, StatusCritical, km.Status)
	assert.Contains(t, km.Message, "BEGIN/END")
	assert.NotContains(t, km.Message, "MIIE")

	for _, c := range rep.Checks {
		if c.Platform == google.Platform {
			assert.Equal(t, StatusHealthy, c.Status, c.Name)
		}
	}
}

func TestComplianceDisabledPlatforms(t *testing.T) {
	cfg := validConfig(t)
	cfg.Apple.Enabled = false
	cfg.Google.Pass.PrivateKeyPEM = ""
	cfg.Google.Enabled = false

	rep := newMonitor(cfg, nil, nil).CheckCompliance(context.Background())
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.Equal(t, StatusDisabled, rep.Platforms[apple.Platform])
	assert.Equal(t, StatusDisabled, rep.Platforms[google.Platform])
	_, ok := rep.Check("apple.key_material")
	assert.False(t, ok)
}

func TestComplianceProductionNeedsHTTPS(t *testing.T) {
	cfg := validConfig(t)
	cfg.Production = true
	cfg.BaseURL = "http://wallet.example.com"
	cfg.Google.Pass.Production = true
	cfg.Google.Pass.BaseURL = cfg.BaseURL

	rep := newMonitor(cfg, nil, nil).CheckCompliance(context.Background())
	assert.Equal(t, StatusCritical, rep.Status)
	env, _ := rep.Check("environment")
	assert.Equal(t, StatusCritical, env.Status)
	assert.Equal(t, StatusCritical, rep.Platforms[google.Platform])
	assert.Equal(t, "production", rep.Environment)
}

func TestHealthSubChecksAreIndependent(t *testing.T) {
	q := fakeStats{s: entity.Stats{Pending: 3, CompletedRecent: 20, FailedRecent: 1}}
	snap := newMonitor(validConfig(t), fakeDB{err: errors.New("connection refused")}, q).CheckHealth(context.Background())

	assert.Equal(t, StatusCritical, snap.Status)
	db, _ := snap.Check("database")
	assert.Equal(t, StatusCritical, db.Status)
	assert.NotContains(t, db.Message, "refused")

	qc, _ := snap.Check("queue")
	assert.Equal(t, StatusHealthy, qc.Status)
	require.NotNil(t, snap.Queue)
	assert.Equal(t, 3, snap.Queue.Pending)
	assert.InDelta(t, 20.0/21.0, snap.Queue.SuccessRate, 0.001)
	assert.Equal(t, StatusHealthy, snap.Platforms[apple.Platform])
}

func TestHealthQueueThresholds(t *testing.T) {
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := old.Add(time.Hour)
	cases := []struct {
		name  string
		stats entity.Stats
		want  Status
	}{
		{"deep", entity.Stats{Pending: 1500}, StatusCritical},
		{"failing", entity.Stats{CompletedRecent: 2, FailedRecent: 10}, StatusCritical},
		{"backlog", entity.Stats{Pending: 150}, StatusWarning},
		{"flaky", entity.Stats{CompletedRecent: 8, FailedRecent: 2}, StatusWarning},
		{"stuck", entity.Stats{Pending: 1, OldestPending: &old}, StatusWarning},
		{"parked", entity.Stats{FailedTotal: 1}, StatusWarning},
		{"quiet", entity.Stats{}, StatusHealthy},
	}
	for _, tc := range cases {
		m := NewMonitor(validConfig(t), fakeDB{}, fakeStats{s: tc.stats}, zap.NewNop().Sugar(),
			WithClock(func() time.Time { return now }))
		c, _ := m.CheckHealth(context.Background()).Check("queue")
		assert.Equal(t, tc.want, c.Status, tc.name)
	}
}

func TestGuardRecoversAndTimesOut(t *testing.T) {
	th := DefaultThresholds()
	th.CheckTimeout = 50 * time.Millisecond
	m := NewMonitor(config.Config{}, nil, nil, zap.NewNop().Sugar(), WithThresholds(th))

	checks := m.run(context.Background(), []probe{
		{name: "panics", run: func(context.Context) Check { panic("boom") }},
		{name: "hangs", run: func(ctx context.Context) Check { <-ctx.Done(); time.Sleep(10 * time.Millisecond); return healthy("late") }},
		{name: "fine", run: func(context.Context) Check { return healthy("ok") }},
	})
	require.Len(t, checks, 3)
	assert.Equal(t, StatusCritical, checks[0].Status)
	assert.Contains(t, checks[0].Message, "panicked")
	assert.Equal(t, StatusCritical, checks[1].Status)
	assert.Equal(t, "check timed out", checks[1].Message)
	assert.Equal(t, StatusHealthy, checks[2].Status)
	assert.Equal(t, "fine", checks[2].Name)
}
