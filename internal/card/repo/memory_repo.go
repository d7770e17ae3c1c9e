package repo

import (
	"context"
	"sync"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/card/entity"
)

// MemoryRepo is an in-process card table used by tests and the demo CLI.
type MemoryRepo struct {
	mu    sync.RWMutex
	cards map[string]entity.Source
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{cards: map[string]entity.Source{}}
}

// Put stores a deep copy so callers can keep mutating their value.
func (r *MemoryRepo) Put(id string, src entity.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cards[id] = clone(src)
}

// Update applies fn to the stored progress under the lock.
func (r *MemoryRepo) Update(id string, fn func(p *entity.CustomerProgress)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.cards[id]
	if !ok {
		return false
	}
	if src.Progress == nil {
		src.Progress = &entity.CustomerProgress{CustomerCardID: id}
	}
	fn(src.Progress)
	r.cards[id] = src
	return true
}

func (r *MemoryRepo) Load(_ context.Context, cardID string) (entity.Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.cards[cardID]
	if !ok {
		return entity.Source{}, ErrNotFound
	}
	return clone(src), nil
}

func (r *MemoryRepo) Ping(context.Context) error { return nil }

func clone(src entity.Source) entity.Source {
	out := entity.Source{}
	if src.Stamp != nil {
		s := *src.Stamp
		out.Stamp = &s
	}
	if src.Membership != nil {
		m := *src.Membership
		out.Membership = &m
	}
	if src.Progress != nil {
		p := *src.Progress
		if p.ExpiresAt != nil {
			t := *p.ExpiresAt
			p.ExpiresAt = &t
		}
		out.Progress = &p
	}
	return out
}
