package leader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdLock binds each lease key to an etcd lease. The key disappears when
// the lease is revoked or stops being kept alive.
type EtcdLock struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

// NewEtcdLock creates a lock over client. The client is owned by the caller.
func NewEtcdLock(client *clientv3.Client) *EtcdLock {
	return &EtcdLock{
		client: client,
		leases: make(map[string]clientv3.LeaseID),
	}
}

func ttlSeconds(ttl time.Duration) int64 {
	s := int64(ttl / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (e *EtcdLock) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	e.mu.Lock()
	_, held := e.leases[key]
	e.mu.Unlock()
	if held {
		if err := e.Refresh(ctx, key, instanceID, ttl); err == nil {
			return true, nil
		}
	}

	grant, err := e.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to grant lease for %s: %w", key, err)
	}

	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, instanceID, clientv3.WithLease(grant.ID))).
		Commit()
	if err != nil {
		e.revoke(grant.ID)
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	if !resp.Succeeded {
		e.revoke(grant.ID)
		return false, nil
	}

	e.mu.Lock()
	e.leases[key] = grant.ID
	e.mu.Unlock()
	return true, nil
}

func (e *EtcdLock) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) error {
	e.mu.Lock()
	id, ok := e.leases[key]
	e.mu.Unlock()
	if !ok {
		return ErrNotHeld
	}

	if _, err := e.client.KeepAliveOnce(ctx, id); err != nil {
		e.forget(key)
		return fmt.Errorf("%w: %v", ErrNotHeld, err)
	}

	holder, err := e.GetHolder(ctx, key)
	if err != nil {
		return err
	}
	if holder != instanceID {
		e.forget(key)
		return ErrNotHeld
	}
	return nil
}

func (e *EtcdLock) Release(ctx context.Context, key, instanceID string) error {
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", instanceID)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}

	e.mu.Lock()
	id, ok := e.leases[key]
	delete(e.leases, key)
	e.mu.Unlock()
	if ok {
		e.revoke(id)
	}

	if !resp.Succeeded {
		return ErrNotHeld
	}
	return nil
}

func (e *EtcdLock) GetHolder(ctx context.Context, key string) (string, error) {
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to read lease %s: %w", key, err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (e *EtcdLock) IsAvailable(ctx context.Context) bool {
	endpoints := e.client.Endpoints()
	if len(endpoints) == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := e.client.Status(ctx, endpoints[0])
	return err == nil
}

// Close revokes every lease this instance still holds
func (e *EtcdLock) Close() error {
	e.mu.Lock()
	leases := e.leases
	e.leases = make(map[string]clientv3.LeaseID)
	e.mu.Unlock()

	for _, id := range leases {
		e.revoke(id)
	}
	return nil
}

func (e *EtcdLock) forget(key string) {
	e.mu.Lock()
	delete(e.leases, key)
	e.mu.Unlock()
}

func (e *EtcdLock) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := e.client.Revoke(ctx, id); err != nil {
		log.Debug().Err(err).Int64("leaseId", int64(id)).Msg("Failed to revoke etcd lease")
	}
}
