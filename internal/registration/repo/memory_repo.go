package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-wallet-go/internal/registration/entity"
)

type regKey struct{ device, passType, serial string }

type passKey struct{ passType, serial string }

type MemoryRepo struct {
	mu      sync.RWMutex
	regs    map[regKey]entity.Registration
	updates map[passKey]entity.PassUpdate
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		regs:    map[regKey]entity.Registration{},
		updates: map[passKey]entity.PassUpdate{},
	}
}

func (r *MemoryRepo) Register(_ context.Context, reg entity.Registration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := regKey{reg.DeviceID, reg.PassTypeID, reg.SerialNumber}
	if existing, ok := r.regs[k]; ok {
		existing.PushToken = reg.PushToken
		r.regs[k] = existing
		return false, nil
	}
	r.regs[k] = reg
	return true, nil
}

func (r *MemoryRepo) Unregister(_ context.Context, deviceID, passTypeID, serial string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := regKey{deviceID, passTypeID, serial}
	if _, ok := r.regs[k]; !ok {
		return entity.ErrNotFound
	}
	delete(r.regs, k)
	return nil
}

func (r *MemoryRepo) RemovePushToken(_ context.Context, pushToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, reg := range r.regs {
		if reg.PushToken == pushToken {
			delete(r.regs, k)
		}
	}
	return nil
}

func (r *MemoryRepo) PushTokens(_ context.Context, passTypeID, serial string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for k, reg := range r.regs {
		if k.passType == passTypeID && k.serial == serial && !seen[reg.PushToken] {
			seen[reg.PushToken] = true
			out = append(out, reg.PushToken)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *MemoryRepo) UpdatedSince(_ context.Context, deviceID, passTypeID string, since time.Time) ([]entity.PassUpdate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []entity.PassUpdate
	for k := range r.regs {
		if k.device != deviceID || k.passType != passTypeID {
			continue
		}
		if u, ok := r.updates[passKey{k.passType, k.serial}]; ok && u.UpdatedAt.After(since) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SerialNumber < out[j].SerialNumber })
	return out, nil
}

func (r *MemoryRepo) MarkUpdated(_ context.Context, u entity.PassUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := passKey{u.PassTypeID, u.SerialNumber}
	if prev, ok := r.updates[k]; ok && prev.UpdatedAt.After(u.UpdatedAt) {
		u.UpdatedAt = prev.UpdatedAt
	}
	r.updates[k] = u
	return nil
}

func (r *MemoryRepo) Lookup(_ context.Context, passTypeID, serial string) (entity.PassUpdate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.updates[passKey{passTypeID, serial}]
	if !ok {
		return entity.PassUpdate{}, entity.ErrNotFound
	}
	return u, nil
}
