package leader

import (
	"context"
	"sync"
	"time"
)

type memoryLease struct {
	holder    string
	expiresAt time.Time
}

// MemoryLock is an in-process LockProvider. Instances sharing one MemoryLock
// compete for the same leases, which makes it useful for single-node setups and tests.
type MemoryLock struct {
	mu     sync.Mutex
	leases map[string]memoryLease
	now    func() time.Time

	// unavailable simulates a store outage
	unavailable bool
}

// NewMemoryLock creates an empty lock table
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{
		leases: make(map[string]memoryLease),
		now:    time.Now,
	}
}

// WithClock replaces the time source
func (m *MemoryLock) WithClock(now func() time.Time) *MemoryLock {
	m.now = now
	return m
}

// SetAvailable toggles a simulated outage
func (m *MemoryLock) SetAvailable(available bool) {
	m.mu.Lock()
	m.unavailable = !available
	m.mu.Unlock()
}

func (m *MemoryLock) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return false, errUnavailable
	}

	now := m.now()
	lease, ok := m.leases[key]
	if ok && lease.holder != instanceID && now.Before(lease.expiresAt) {
		return false, nil
	}
	m.leases[key] = memoryLease{holder: instanceID, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryLock) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return errUnavailable
	}

	now := m.now()
	lease, ok := m.leases[key]
	if !ok || lease.holder != instanceID || !now.Before(lease.expiresAt) {
		return ErrNotHeld
	}
	lease.expiresAt = now.Add(ttl)
	m.leases[key] = lease
	return nil
}

func (m *MemoryLock) Release(ctx context.Context, key, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return errUnavailable
	}

	lease, ok := m.leases[key]
	if !ok || lease.holder != instanceID {
		return ErrNotHeld
	}
	delete(m.leases, key)
	return nil
}

func (m *MemoryLock) GetHolder(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.unavailable {
		return "", errUnavailable
	}

	lease, ok := m.leases[key]
	if !ok || !m.now().Before(lease.expiresAt) {
		return "", nil
	}
	return lease.holder, nil
}

func (m *MemoryLock) IsAvailable(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unavailable
}

func (m *MemoryLock) Close() error {
	return nil
}
