package state

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

type lease struct {
	owner   string
	expires time.Time
}

// MemoryBackend keeps records in process memory. Records survive across
// sessions that share the backend value but not across processes.
type MemoryBackend struct {
	mu     sync.Mutex
	data   map[string][]byte
	leases map[string]lease
	now    func() time.Time
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data:   make(map[string][]byte),
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, envID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[envID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(d), nil
}

func (m *MemoryBackend) Put(_ context.Context, envID string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[envID] = slices.Clone(data)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, envID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[envID]; !ok {
		return ErrNotFound
	}
	delete(m.data, envID)
	delete(m.leases, envID)
	return nil
}

func (m *MemoryBackend) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.data)), nil
}

func (m *MemoryBackend) TryAcquire(_ context.Context, envID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.leases[envID]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	m.leases[envID] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryBackend) Release(_ context.Context, envID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[envID]; ok && l.owner == owner {
		delete(m.leases, envID)
	}
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
