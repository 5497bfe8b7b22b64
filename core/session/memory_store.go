package session

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryBackend keeps session data in a map. Suitable for single-node deployments and tests.
// Data is copied on the way in and out so callers never share state with the backend.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*Data
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: make(map[string]*Data)}
}

// NewMemoryStore is a shortcut for a DataStore over a fresh MemoryBackend.
func NewMemoryStore(opts ...StoreOption) *DataStore {
	return NewDataStore(NewMemoryBackend(), opts...)
}

func (b *MemoryBackend) Load(_ context.Context, id string) (*Data, error) {
	b.mu.RLock()
	d, ok := b.sessions[id]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	c := d.Copy()
	c.SetDirty(false)
	return c, nil
}

func (b *MemoryBackend) Store(_ context.Context, id string, data *Data, _ time.Time) error {
	c := data.Copy()
	c.SetID(id)
	b.mu.Lock()
	b.sessions[id] = c
	b.mu.Unlock()
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, id string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[id]
	delete(b.sessions, id)
	return ok, nil
}

func (b *MemoryBackend) Exists(_ context.Context, id string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.sessions[id]
	if !ok {
		return false, nil
	}
	return !d.IsExpiredAt(time.Now()), nil
}

func (b *MemoryBackend) CheckExpired(_ context.Context, candidates []string, now time.Time) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var expired []string
	for _, id := range candidates {
		d, ok := b.sessions[id]
		if !ok || d.IsExpiredAt(now) {
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (b *MemoryBackend) Expired(_ context.Context, before time.Time) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var expired []string
	for id, d := range b.sessions {
		if d.IsExpiredAt(before) {
			expired = append(expired, id)
		}
	}
	slices.Sort(expired)
	return expired, nil
}

func (b *MemoryBackend) CleanOrphans(_ context.Context, before time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	maps.DeleteFunc(b.sessions, func(_ string, d *Data) bool {
		return d.IsExpiredAt(before)
	})
	return nil
}

func (b *MemoryBackend) AllSessions(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Sorted(maps.Keys(b.sessions)), nil
}

// Len returns the number of stored sessions.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

var _ Backend = (*MemoryBackend)(nil)
