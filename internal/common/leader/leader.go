// Package leader provides lease primitives for single-active leader election.
//
// A LockProvider hands out a named lease to one instance at a time. The
// holder keeps it by calling Refresh before the TTL runs out. Providers:
// MongoLock, RedisLock, EtcdLock and MemoryLock.
package leader

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
)

// Provider names
const (
	ProviderMongo  = "mongo"
	ProviderRedis  = "redis"
	ProviderEtcd   = "etcd"
	ProviderMemory = "memory"
)

const (
	// DefaultKey is the fleet-wide lease key for the dispatch router
	DefaultKey = "flowcatalyst:router:leader"

	DefaultTTL             = 30 * time.Second
	DefaultRefreshInterval = 10 * time.Second
)

// ErrNotHeld is returned by Refresh and Release when the caller does not hold the lease
var ErrNotHeld = errors.New("lease not held")

var errUnavailable = errors.New("lock store unavailable")

// LockProvider is a distributed lease
type LockProvider interface {
	// TryAcquire takes the lease if it is free, expired or already held by instanceID
	TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error)

	// Refresh extends a lease held by instanceID. It returns ErrNotHeld if another instance holds it.
	Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) error

	// Release gives up a lease held by instanceID
	Release(ctx context.Context, key, instanceID string) error

	// GetHolder returns the current holder, or "" when the lease is free
	GetHolder(ctx context.Context, key string) (string, error)

	// IsAvailable reports whether the backing store answers
	IsAvailable(ctx context.Context) bool

	Close() error
}

// DefaultInstanceID returns the hostname with a short random suffix
func DefaultInstanceID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "instance"
	}
	return host + "-" + uuid.NewString()[:8]
}
