package queue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/entity"
	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/queue/repo"
)

func newTestService(store Store) *Service {
	var seq atomic.Int64
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewService(store, entity.AllPlatforms, zap.NewNop().Sugar(),
		WithIDGenerator(func() (int64, error) { return seq.Add(1), nil }),
		WithClock(func() time.Time { return t0.Add(time.Duration(seq.Load()) * time.Millisecond) }),
	)
}

func TestEnqueueDefaultsAndDuplicates(t *testing.T) {
	store := repo.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	a, err := svc.Enqueue(ctx, "card-1", entity.StampAdded, json.RawMessage(`{"stamps":4}`))
	require.NoError(t, err)
	assert.Equal(t, entity.AllPlatforms, a.TargetPlatforms)
	assert.Equal(t, entity.StatePending, a.State)

	b, err := svc.Enqueue(ctx, "card-1", entity.StampAdded, json.RawMessage(`{"stamps":4}`), entity.PlatformPWA, entity.PlatformPWA)
	require.NoError(t, err)
	assert.Equal(t, []entity.Platform{entity.PlatformPWA}, b.TargetPlatforms)

	items, err := store.ListByCard(ctx, "card-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, a.ID, items[0].ID)
	assert.Equal(t, b.ID, items[1].ID)
}

func TestEnqueueValidation(t *testing.T) {
	svc := newTestService(repo.NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, " ", entity.StampAdded, nil)
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))

	_, err = svc.Enqueue(ctx, "c", entity.UpdateKind("teleported"), nil)
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))

	_, err = svc.Enqueue(ctx, "c", entity.StampAdded, json.RawMessage(`{oops`))
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))

	_, err = svc.Enqueue(ctx, "c", entity.StampAdded, nil, entity.Platform("fax"))
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))

	none := NewService(repo.NewMemoryStore(), nil, zap.NewNop().Sugar())
	_, err = none.Enqueue(ctx, "c", entity.StampAdded, nil)
	assert.Equal(t, apperr.CategoryConfiguration, apperr.CategoryOf(err))
}

func TestRetryOnlyFromFailed(t *testing.T) {
	store := repo.NewMemoryStore()
	svc := newTestService(store)
	ctx := context.Background()

	it, err := svc.Enqueue(ctx, "card-1", entity.CardUpdated, nil)
	require.NoError(t, err)

	_, err = svc.Retry(ctx, it.ID)
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))

	claimed, err := store.ClaimHeads(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.MarkFailed(ctx, it.ID, entity.Failure{Message: "bad", Category: "validation", At: time.Now()}))

	got, err := svc.Retry(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatePending, got.State)
	assert.Equal(t, 0, got.RetryCount)

	_, err = svc.Retry(ctx, 999)
	assert.Equal(t, apperr.CategoryValidation, apperr.CategoryOf(err))
}
