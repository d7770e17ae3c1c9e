package health

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/apple"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/google"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/pass/pwa"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type QueueStats interface {
	Stats(ctx context.Context, since time.Time) (entity.Stats, error)
}

type Thresholds struct {
	CheckTimeout     time.Duration
	SlowDatabase     time.Duration
	QueueWarnDepth   int
	QueueCritDepth   int
	OldestPendingAge time.Duration
	// MinSample is the smallest hourly volume for which the success rate is judged.
	MinSample int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CheckTimeout:     5 * time.Second,
		SlowDatabase:     500 * time.Millisecond,
		QueueWarnDepth:   100,
		QueueCritDepth:   1000,
		OldestPendingAge: 15 * time.Minute,
		MinSample:        10,
	}
}

// Monitor runs read-only checks. Results are never cached here.
type Monitor struct {
	cfg    config.Config
	db     Pinger
	queue  QueueStats
	th     Thresholds
	log    *zap.SugaredLogger
	tracer trace.Tracer
	nowFn  func() time.Time
}

type Option func(*Monitor)

func WithThresholds(th Thresholds) Option { return func(m *Monitor) { m.th = th } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.nowFn = now } }

// NewMonitor accepts nil db or queue; the matching checks then report a warning.
func NewMonitor(cfg config.Config, db Pinger, queue QueueStats, log *zap.SugaredLogger, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    cfg,
		db:     db,
		queue:  queue,
		th:     DefaultThresholds(),
		log:    log,
		tracer: otel.Tracer("wallet/health"),
		nowFn:  time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type probe struct {
	name     string
	platform string
	run      func(ctx context.Context) Check
}

func (m *Monitor) enabled() map[string]bool {
	return map[string]bool{
		apple.Platform:  m.cfg.Apple.Enabled,
		google.Platform: m.cfg.Google.Enabled,
		pwa.Platform:    m.cfg.PWA.Enabled,
	}
}

func (m *Monitor) CheckHealth(ctx context.Context) HealthSnapshot {
	ctx, span := m.tracer.Start(ctx, "health.check")
	defer span.End()

	probes := []probe{
		{name: "database", run: m.checkDatabase},
		{name: "queue", run: m.checkQueue},
		{name: "environment", run: m.checkEnvironment},
		{name: "apple.config", platform: apple.Platform, run: m.appleConfigured},
		{name: "google.config", platform: google.Platform, run: m.googleConfigured},
		{name: "pwa.config", platform: pwa.Platform, run: m.pwaConfigured},
	}
	snap := HealthSnapshot{Report: Report{Environment: m.cfg.Environment(), CheckedAt: m.nowFn().UTC()}}
	aggregate(&snap.Report, m.run(ctx, probes), m.enabled())

	if c, ok := snap.Check("queue"); ok {
		if s, ok := c.Details["stats"].(entity.Stats); ok {
			snap.Queue = &QueueSummary{Stats: s, SuccessRate: s.SuccessRate()}
		}
	}
	span.SetAttributes(attribute.String("health.status", string(snap.Status)))
	if snap.Status != StatusHealthy {
		m.log.Warnw("health degraded", "status", snap.Status, "platforms", snap.Platforms)
	}
	return snap
}

func (m *Monitor) CheckCompliance(ctx context.Context) ComplianceReport {
	ctx, span := m.tracer.Start(ctx, "health.compliance")
	defer span.End()

	probes := []probe{{name: "environment", run: m.checkEnvironment}}
	if m.cfg.Apple.Enabled {
		probes = append(probes,
			probe{name: "apple.key_material", platform: apple.Platform, run: m.appleKeyMaterial},
			probe{name: "apple.signing_roundtrip", platform: apple.Platform, run: m.appleRoundTrip},
			probe{name: "apple.required_fields", platform: apple.Platform, run: m.appleRequiredFields},
		)
	}
	if m.cfg.Google.Enabled {
		probes = append(probes,
			probe{name: "google.key_material", platform: google.Platform, run: m.googleKeyMaterial},
			probe{name: "google.signing_roundtrip", platform: google.Platform, run: m.googleRoundTrip},
			probe{name: "google.required_fields", platform: google.Platform, run: m.googleRequiredFields},
		)
	}
	probes = append(probes, probe{name: "pwa.config", platform: pwa.Platform, run: m.pwaConfigured})

	rep := ComplianceReport{Report: Report{Environment: m.cfg.Environment(), CheckedAt: m.nowFn().UTC()}}
	aggregate(&rep.Report, m.run(ctx, probes), m.enabled())
	span.SetAttributes(attribute.String("compliance.status", string(rep.Status)))
	return rep
}

// run executes probes concurrently. Each is isolated by its own timeout and recover.
func (m *Monitor) run(ctx context.Context, probes []probe) []Check {
	out := make([]Check, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			out[i] = m.guard(ctx, p)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (m *Monitor) guard(ctx context.Context, p probe) Check {
	ctx, cancel := context.WithTimeout(ctx, m.th.CheckTimeout)
	defer cancel()
	start := time.Now()

	done := make(chan Check, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Errorw("health check panicked", "check", p.name, "panic", r)
				done <- Check{Status: StatusCritical, Message: fmt.Sprintf("check panicked: %v", r)}
			}
		}()
		done <- p.run(ctx)
	}()

	var c Check
	select {
	case c = <-done:
	case <-ctx.Done():
		c = Check{Status: StatusCritical, Message: "check timed out"}
	}
	c.Name, c.Platform = p.name, p.platform
	c.DurationMS = float64(time.Since(start).Microseconds()) / 1000.0
	return c
}

func healthy(msg string) Check { return Check{Status: StatusHealthy, Message: msg} }

func warn(msg string) Check { return Check{Status: StatusWarning, Message: msg} }

func critical(msg string) Check { return Check{Status: StatusCritical, Message: msg} }

func (m *Monitor) checkDatabase(ctx context.Context) Check {
	if m.db == nil {
		return warn("no database configured")
	}
	start := time.Now()
	if err := m.db.Ping(ctx); err != nil {
		m.log.Warnw("database ping failed", "error", err)
		return critical("database unreachable")
	}
	lat := time.Since(start)
	c := healthy("database reachable")
	if lat > m.th.SlowDatabase {
		c = warn("database responding slowly")
	}
	c.Details = map[string]any{"latencyMs": float64(lat.Microseconds()) / 1000.0}
	return c
}

func (m *Monitor) checkQueue(ctx context.Context) Check {
	if m.queue == nil {
		return warn("no queue configured")
	}
	now := m.nowFn().UTC()
	s, err := m.queue.Stats(ctx, now.Add(-time.Hour))
	if err != nil {
		m.log.Warnw("queue stats failed", "error", err)
		return critical("queue statistics unavailable")
	}

	c := healthy("queue flowing")
	rate := s.SuccessRate()
	sample := s.CompletedRecent + s.FailedRecent
	switch {
	case s.Pending >= m.th.QueueCritDepth:
		c = critical(fmt.Sprintf("%d items pending", s.Pending))
	case sample >= m.th.MinSample && rate < 0.5:
		c = critical(fmt.Sprintf("success rate %.0f%% over the last hour", rate*100))
	case s.Pending >= m.th.QueueWarnDepth:
		c = warn(fmt.Sprintf("%d items pending", s.Pending))
	case sample >= m.th.MinSample && rate < 0.9:
		c = warn(fmt.Sprintf("success rate %.0f%% over the last hour", rate*100))
	case s.OldestPending != nil && now.Sub(*s.OldestPending) > m.th.OldestPendingAge:
		c = warn("oldest pending item is " + now.Sub(*s.OldestPending).Truncate(time.Second).String() + " old")
	case s.FailedTotal > 0:
		c = warn(fmt.Sprintf("%d items permanently failed", s.FailedTotal))
	}
	c.Details = map[string]any{"stats": s}
	return c
}

func (m *Monitor) checkEnvironment(context.Context) Check {
	if m.cfg.BaseURL == "" {
		if m.cfg.Production {
			return critical("BASE_URL is required in production")
		}
		return warn("BASE_URL is not set; update URLs are disabled")
	}
	u, err := url.Parse(m.cfg.BaseURL)
	if err != nil || u.Host == "" {
		return critical("BASE_URL is not a valid absolute url")
	}
	if m.cfg.Production && u.Scheme != "https" {
		return critical("production requires an https BASE_URL")
	}
	if !m.cfg.Apple.Enabled && !m.cfg.Google.Enabled && !m.cfg.PWA.Enabled {
		return critical("every platform is disabled")
	}
	return healthy(m.cfg.Environment() + " environment complete")
}

func (m *Monitor) pwaConfigured(context.Context) Check {
	if !m.cfg.PWA.Enabled {
		return Check{Status: StatusDisabled, Message: "platform disabled"}
	}
	if m.cfg.PWA.Nats.URL == "" {
		return healthy("serving documents; no live broadcast configured")
	}
	return healthy("serving documents and broadcasting updates")
}
