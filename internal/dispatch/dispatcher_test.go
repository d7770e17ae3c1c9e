package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card"
	cardentity "github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
	cardrepo "github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/repo"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/repo"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type publishFunc func(ctx context.Context, c cardentity.UnifiedCard) error

func (f publishFunc) Publish(ctx context.Context, c cardentity.UnifiedCard) error { return f(ctx, c) }

// capture keeps the last card each id was published with.
type capture struct {
	mu    sync.Mutex
	calls int
	last  map[string]cardentity.UnifiedCard
}

func (c *capture) Publish(_ context.Context, u cardentity.UnifiedCard) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.last == nil {
		c.last = map[string]cardentity.UnifiedCard{}
	}
	c.last[u.ID] = u
	return nil
}

// orderedStore records completion order.
type orderedStore struct {
	*repo.MemoryStore
	mu   sync.Mutex
	done []int64
}

func (s *orderedStore) MarkCompleted(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	s.done = append(s.done, id)
	s.mu.Unlock()
	return s.MemoryStore.MarkCompleted(ctx, id, at)
}

type harness struct {
	clock *fakeClock
	cards *cardrepo.MemoryRepo
	store queue.Store
	queue *queue.Service
}

func newHarness(t *testing.T, store queue.Store) *harness {
	t.Helper()
	if store == nil {
		store = repo.NewMemoryStore()
	}
	h := &harness{
		clock: &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		cards: cardrepo.NewMemoryRepo(),
		store: store,
	}
	h.queue = queue.NewService(store, []entity.Platform{entity.PlatformPWA}, zap.NewNop().Sugar(), queue.WithClock(h.clock.Now))
	return h
}

func (h *harness) addStampCard(id string, current int) {
	h.cards.Put(id, cardentity.Source{
		Stamp: &cardentity.StampCard{
			ID:             "tmpl",
			Business:       cardentity.Business{Name: "Bean There"},
			StampsRequired: 10,
			Reward:         "Free coffee",
		},
		Progress: &cardentity.CustomerProgress{CustomerCardID: id, CurrentStamps: current},
	})
}

func (h *harness) dispatcher(cfg Config, pub Publisher) *Dispatcher {
	return New(cfg, h.store, card.NewService(h.cards),
		map[entity.Platform]Publisher{entity.PlatformPWA: pub},
		zap.NewNop().Sugar(), WithClock(h.clock.Now))
}

func (h *harness) enqueue(t *testing.T, cardID string) entity.Item {
	t.Helper()
	it, err := h.queue.Enqueue(context.Background(), cardID, entity.StampAdded, nil)
	require.NoError(t, err)
	return it
}

func testConfig() Config {
	return Config{
		Workers:     4,
		BatchSize:   8,
		MaxAttempts: 3,
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Hour,
		PushTimeout: time.Second,
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{BaseBackoff: 30 * time.Second, MaxBackoff: 5 * time.Minute}
	assert.Equal(t, 30*time.Second, cfg.Backoff(1))
	assert.Equal(t, time.Minute, cfg.Backoff(2))
	assert.Equal(t, 4*time.Minute, cfg.Backoff(4))
	assert.Equal(t, 5*time.Minute, cfg.Backoff(5))
	assert.Equal(t, 5*time.Minute, cfg.Backoff(60))
}

func TestRetryCeilingIsExact(t *testing.T) {
	h := newHarness(t, nil)
	h.addStampCard("c1", 1)
	it := h.enqueue(t, "c1")

	calls := 0
	d := h.dispatcher(testConfig(), publishFunc(func(context.Context, cardentity.UnifiedCard) error {
		calls++
		return apperr.Platform("push", "service unavailable", errors.New("503"))
	}))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := d.Drain(ctx)
		require.NoError(t, err)
		h.clock.Advance(time.Hour)
	}

	assert.Equal(t, 3, calls)
	got, err := h.store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateFailed, got.State)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, string(apperr.CategoryPlatform), got.ErrorCategory)
	assert.Contains(t, got.LastError, "service unavailable")
}

func TestRetryWaitsForBackoff(t *testing.T) {
	h := newHarness(t, nil)
	h.addStampCard("c1", 1)
	it := h.enqueue(t, "c1")

	fail := true
	d := h.dispatcher(testConfig(), publishFunc(func(context.Context, cardentity.UnifiedCard) error {
		if fail {
			return apperr.Signing("sign", "hsm timeout", nil)
		}
		return nil
	}))
	ctx := context.Background()

	n, err := d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatePending, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, h.clock.Now().Add(time.Minute), got.AvailableAt)

	fail = false
	n, err = d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not eligible before backoff elapses")

	h.clock.Advance(time.Minute)
	n, err = d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = h.store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateCompleted, got.State)
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	h := newHarness(t, nil)
	it := h.enqueue(t, "missing-card")

	pub := &capture{}
	d := h.dispatcher(testConfig(), pub)
	_, err := d.Drain(context.Background())
	require.NoError(t, err)

	got, err := h.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateFailed, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, string(apperr.CategoryValidation), got.ErrorCategory)
	assert.Equal(t, 0, pub.calls)
}

func TestSameCardProcessedInOrder(t *testing.T) {
	store := &orderedStore{MemoryStore: repo.NewMemoryStore()}
	h := newHarness(t, store)
	h.addStampCard("a", 1)
	h.addStampCard("b", 1)

	var wantA []int64
	for i := 0; i < 4; i++ {
		wantA = append(wantA, h.enqueue(t, "a").ID)
		h.enqueue(t, "b")
	}

	d := h.dispatcher(testConfig(), &capture{})
	n, err := d.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	var gotA []int64
	for _, id := range store.done {
		it, err := store.Get(context.Background(), id)
		require.NoError(t, err)
		if it.CardID == "a" {
			gotA = append(gotA, id)
		}
	}
	assert.Equal(t, wantA, gotA)
}

func TestDifferentCardsDoNotBlockEachOther(t *testing.T) {
	h := newHarness(t, nil)
	h.addStampCard("slow", 1)
	h.addStampCard("fast", 1)
	h.enqueue(t, "slow")
	h.enqueue(t, "fast")

	release := make(chan struct{})
	fastDone := make(chan struct{})
	d := h.dispatcher(testConfig(), publishFunc(func(ctx context.Context, c cardentity.UnifiedCard) error {
		if c.ID == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}
		close(fastDone)
		return nil
	}))

	drained := make(chan error, 1)
	go func() {
		_, err := d.Drain(context.Background())
		drained <- err
	}()

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast card was blocked by slow card")
	}
	close(release)
	require.NoError(t, <-drained)
}

func TestCancelledItemStaysProcessingThenRecovers(t *testing.T) {
	h := newHarness(t, nil)
	h.addStampCard("c1", 1)
	it := h.enqueue(t, "c1")

	ctx, cancel := context.WithCancel(context.Background())
	d := h.dispatcher(testConfig(), publishFunc(func(pctx context.Context, _ cardentity.UnifiedCard) error {
		cancel()
		<-pctx.Done()
		return pctx.Err()
	}))
	_, _ = d.Drain(ctx)

	got, err := h.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateProcessing, got.State)

	h.clock.Advance(DefaultConfig().StaleAfter + time.Second)
	n, err := d.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = h.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatePending, got.State)
	assert.Equal(t, 1, got.RetryCount)
}

func TestEndToEndStampCompletesCard(t *testing.T) {
	h := newHarness(t, nil)
	h.addStampCard("cc-1", 9)
	pub := &capture{}
	d := h.dispatcher(testConfig(), pub)
	ctx := context.Background()

	// the external mutation commits, then enqueues
	h.cards.Update("cc-1", func(p *cardentity.CustomerProgress) { p.CurrentStamps++ })
	first := h.enqueue(t, "cc-1")
	_, err := d.Drain(ctx)
	require.NoError(t, err)

	got := pub.last["cc-1"]
	assert.Equal(t, "10/10", got.ProgressLabel())
	assert.True(t, got.IsCompleted())
	assert.True(t, got.RewardReady())

	it, err := h.store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateCompleted, it.State)

	dup := h.enqueue(t, "cc-1")
	_, err = d.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, got, pub.last["cc-1"], "duplicate update changes nothing visible")
	assert.Equal(t, 2, pub.calls)

	it, err = h.store.Get(ctx, dup.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateCompleted, it.State)
}

func TestDisabledPlatformIsSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.addStampCard("c1", 1)
	it, err := h.queue.Enqueue(context.Background(), "c1", entity.StampAdded, nil, entity.PlatformApple, entity.PlatformPWA)
	require.NoError(t, err)

	pub := &capture{}
	d := h.dispatcher(testConfig(), pub)
	_, err = d.Drain(context.Background())
	require.NoError(t, err)

	got, err := h.store.Get(context.Background(), it.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StateCompleted, got.State)
	assert.Equal(t, 1, pub.calls)
}

func TestBusyCardItemIsHandedBackWithoutChargingAnAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.addStampCard("c1", 1)
	it := h.enqueue(t, "c1")
	ctx := context.Background()

	started := make(chan struct{})
	unblock := make(chan struct{})
	d := h.dispatcher(testConfig(), publishFunc(func(context.Context, cardentity.UnifiedCard) error {
		close(started)
		<-unblock
		return nil
	}))

	claimed, err := h.store.ClaimHeads(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	running := make(chan error, 1)
	go func() { running <- d.ProcessOne(ctx, claimed[0]) }()
	<-started

	// the slow run is presumed dead and the item is claimed a second time
	h.clock.Advance(DefaultConfig().StaleAfter + time.Second)
	_, err = d.RecoverStale(ctx)
	require.NoError(t, err)
	again, err := h.store.ClaimHeads(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, again, 1)

	assert.ErrorIs(t, d.ProcessOne(ctx, again[0]), ErrCardBusy)
	got, err := h.store.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatePending, got.State)
	assert.Equal(t, 1, got.RetryCount, "only the interrupted run counts")
	assert.Equal(t, h.clock.Now().Add(testConfig().BaseBackoff), got.AvailableAt)

	close(unblock)
	require.NoError(t, <-running)
}
