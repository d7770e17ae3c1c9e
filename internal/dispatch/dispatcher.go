// Package dispatch drains the update queue and pushes regenerated passes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	cardentity "github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
)

// ErrCardBusy is returned by ProcessOne when another item of the same card is
// still running here. The item goes back to pending with its attempts intact.
var ErrCardBusy = errors.New("card already in flight")

// CardLoader returns the card as it is now, not as it was when enqueued.
type CardLoader interface {
	Current(ctx context.Context, cardID string) (cardentity.UnifiedCard, error)
}

// Publisher regenerates and pushes one platform's representation of a card.
type Publisher interface {
	Publish(ctx context.Context, c cardentity.UnifiedCard) error
}

type Dispatcher struct {
	cfg        Config
	store      queue.Store
	cards      CardLoader
	publishers map[entity.Platform]Publisher
	limiters   map[entity.Platform]*rate.Limiter
	log        *zap.SugaredLogger
	tracer     trace.Tracer
	outcomes   metric.Int64Counter
	nowFn      func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.nowFn = now } }

// New wires a dispatcher. Platforms missing from publishers are treated as disabled.
func New(cfg Config, store queue.Store, cards CardLoader, publishers map[entity.Platform]Publisher, log *zap.SugaredLogger, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:        cfg,
		store:      store,
		cards:      cards,
		publishers: publishers,
		limiters:   map[entity.Platform]*rate.Limiter{},
		log:        log,
		tracer:     otel.Tracer("wallet/dispatch"),
		nowFn:      time.Now,
		inFlight:   map[string]struct{}{},
	}
	for p := range publishers {
		if cfg.RatePerSecond > 0 {
			d.limiters[p] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
		}
	}
	counter, err := otel.Meter("wallet/dispatch").Int64Counter("wallet.dispatch.items",
		metric.WithDescription("Queue items processed by outcome"))
	if err == nil {
		d.outcomes = counter
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) now() time.Time { return d.nowFn().UTC() }

// Run recovers abandoned items, then polls until ctx is cancelled. Items
// interrupted by cancellation stay in processing and are recovered next start.
func (d *Dispatcher) Run(ctx context.Context) error {
	if n, err := d.RecoverStale(ctx); err != nil {
		d.log.Warnw("stale recovery failed", "error", err)
	} else if n > 0 {
		d.log.Infow("recovered stale queue items", "count", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	lastRecovery := d.now()

	for {
		free := d.cfg.Workers - d.inFlightCount()
		if free > 0 {
			items, err := d.store.ClaimHeads(gctx, d.now(), free)
			if err != nil && gctx.Err() == nil {
				d.log.Errorw("claim failed", "error", err)
			}
			for _, it := range items {
				g.Go(func() error {
					_ = d.ProcessOne(gctx, it)
					return nil
				})
			}
		}
		if d.now().Sub(lastRecovery) >= d.cfg.StaleAfter {
			lastRecovery = d.now()
			if n, err := d.RecoverStale(gctx); err == nil && n > 0 {
				d.log.Warnw("recovered stale queue items", "count", n)
			}
		}

		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain processes until nothing is eligible and returns how many items ran.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		items, err := d.store.ClaimHeads(ctx, d.now(), d.cfg.BatchSize)
		if err != nil {
			return total, fmt.Errorf("claim: %w", err)
		}
		if len(items) == 0 {
			return total, nil
		}
		var g errgroup.Group
		g.SetLimit(d.cfg.Workers)
		for _, it := range items {
			g.Go(func() error {
				_ = d.ProcessOne(ctx, it)
				return nil
			})
		}
		_ = g.Wait()
		total += len(items)
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// RecoverStale returns items abandoned in processing to the queue, counting the lost attempt.
func (d *Dispatcher) RecoverStale(ctx context.Context) (int, error) {
	now := d.now()
	return d.store.RecoverStale(ctx, now.Add(-d.cfg.StaleAfter), d.cfg.MaxAttempts, now)
}

// ProcessOne runs one claimed item to an outcome and records it. The returned
// error is the processing failure, if any, after it has been recorded.
func (d *Dispatcher) ProcessOne(ctx context.Context, it entity.Item) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.process",
		trace.WithAttributes(
			attribute.Int64("queue.id", it.ID),
			attribute.String("card.id", it.CardID),
			attribute.Int("queue.retry_count", it.RetryCount),
		),
	)
	defer span.End()

	if !d.acquire(it.CardID) {
		// not a failed attempt; hand it back and let the running item finish first
		at := d.now().Add(d.cfg.BaseBackoff)
		if err := d.store.Release(ctx, it.ID, at); err != nil {
			d.log.Warnw("release of busy card item failed", "queue_id", it.ID, "card_id", it.CardID, "error", err)
		}
		return ErrCardBusy
	}
	defer d.release(it.CardID)

	err := d.process(ctx, it)
	if err != nil && ctx.Err() != nil {
		// shutting down: leave the item in processing for RecoverStale
		span.RecordError(err)
		return err
	}
	d.record(ctx, it, err)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (d *Dispatcher) process(ctx context.Context, it entity.Item) error {
	c, err := d.cards.Current(ctx, it.CardID)
	if err != nil {
		return err
	}

	var errs []error
	for _, p := range it.TargetPlatforms {
		pub, ok := d.publishers[p]
		if !ok {
			d.log.Debugw("platform disabled, skipping", "queue_id", it.ID, "platform", p)
			continue
		}
		if err := d.push(ctx, p, pub, c); err != nil {
			d.log.Warnw("platform push failed", "queue_id", it.ID, "card_id", it.CardID, "platform", p, "error", err)
			errs = append(errs, err)
		}
	}
	return combine(errs)
}

func (d *Dispatcher) push(ctx context.Context, p entity.Platform, pub Publisher, c cardentity.UnifiedCard) error {
	if lim, ok := d.limiters[p]; ok {
		if err := lim.Wait(ctx); err != nil {
			return apperr.Platform("rate limit", "wait cancelled", err).WithPlatform(string(p))
		}
	}
	pctx, cancel := context.WithTimeout(ctx, d.cfg.PushTimeout)
	defer cancel()
	err := pub.Publish(pctx, c)
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Platform("push", "publish failed", err).WithPlatform(string(p))
}

func (d *Dispatcher) record(ctx context.Context, it entity.Item, procErr error) {
	now := d.now()
	var err error
	outcome := "completed"
	if procErr == nil {
		err = d.store.MarkCompleted(ctx, it.ID, now)
	} else {
		attempt := it.RetryCount + 1
		f := entity.Failure{
			Message:  truncate(procErr.Error(), 1000),
			Category: string(apperr.CategoryOf(procErr)),
			Retry:    apperr.IsRetryable(procErr) && attempt < d.cfg.MaxAttempts,
			At:       now,
		}
		if f.Retry {
			outcome = "retry"
			f.AvailableAt = now.Add(d.cfg.Backoff(attempt))
			d.log.Infow("queue item will retry", "queue_id", it.ID, "card_id", it.CardID,
				"attempt", attempt, "available_at", f.AvailableAt, "category", f.Category)
		} else {
			outcome = "failed"
			d.log.Errorw("queue item failed permanently", "queue_id", it.ID, "card_id", it.CardID,
				"attempt", attempt, "category", f.Category, "error", procErr)
		}
		err = d.store.MarkFailed(ctx, it.ID, f)
	}

	if d.outcomes != nil {
		d.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	switch {
	case errors.Is(err, entity.ErrStateConflict):
		d.log.Warnw("queue item changed under us", "queue_id", it.ID, "outcome", outcome)
	case err != nil:
		d.log.Errorw("recording queue outcome failed", "queue_id", it.ID, "outcome", outcome, "error", err)
	default:
		d.log.Debugw("queue item done", "queue_id", it.ID, "card_id", it.CardID, "outcome", outcome)
	}
}

func (d *Dispatcher) acquire(cardID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[cardID]; busy {
		return false
	}
	d.inFlight[cardID] = struct{}{}
	return true
}

func (d *Dispatcher) release(cardID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, cardID)
}

func (d *Dispatcher) inFlightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// combine keeps the item retryable if any platform failure is transient.
func combine(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	for _, e := range errs {
		if apperr.IsRetryable(e) {
			return fmt.Errorf("%w (and %d more)", e, len(errs)-1)
		}
	}
	return fmt.Errorf("%w (and %d more)", errs[0], len(errs)-1)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "…"
}
