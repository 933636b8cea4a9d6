package infrastructure

import (
	"context"
	"strconv"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	releaseScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript  = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"

	defaultLeasePrefix = "coord:lease:"
)

var _ domain.LeaseManager = (*RedisLeaseManager)(nil)

// RedisLeaseManager keeps leases as expiring redis keys whose value is the owner
type RedisLeaseManager struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLeaseManager(client redis.UniversalClient, prefix string) *RedisLeaseManager {
	if prefix == "" {
		prefix = defaultLeasePrefix
	}
	return &RedisLeaseManager{client: client, prefix: prefix}
}

func (m *RedisLeaseManager) key(resource string) string {
	return m.prefix + resource
}

// AcquireLease sets the key if absent. When the key exists and belongs to
// owner the lease is extended instead.
func (m *RedisLeaseManager) AcquireLease(ctx context.Context, resource, owner string, ttl time.Duration) (bool, error) {
	key := m.key(resource)
	ok, err := m.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to acquire lease %s", resource)
	}
	if ok {
		return true, nil
	}

	extended, err := m.extend(ctx, key, owner, ttl)
	if err != nil {
		return false, errors.Wrapf(err, "failed to acquire lease %s", resource)
	}
	return extended, nil
}

func (m *RedisLeaseManager) RenewLease(ctx context.Context, resource, owner string, ttl time.Duration) error {
	extended, err := m.extend(ctx, m.key(resource), owner, ttl)
	if err != nil {
		return errors.Wrapf(err, "failed to renew lease %s", resource)
	}
	if !extended {
		return errors.Wrapf(domain.ErrLeaseNotHeld, "resource %s", resource)
	}
	return nil
}

// ReleaseLease is a no-op when the lease already expired or changed hands
func (m *RedisLeaseManager) ReleaseLease(ctx context.Context, resource, owner string) error {
	if err := m.client.Eval(ctx, releaseScript, []string{m.key(resource)}, owner).Err(); err != nil {
		return errors.Wrapf(err, "failed to release lease %s", resource)
	}
	return nil
}

func (m *RedisLeaseManager) extend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	result, err := m.client.Eval(ctx, extendScript, []string{key}, owner, strconv.FormatInt(ttl.Milliseconds(), 10)).Result()
	if err != nil {
		return false, err
	}
	return result != int64(0), nil
}

// leasedStateStore swaps the lease manager of a state store
type leasedStateStore struct {
	domain.LeaseManager
	store domain.StateStore
}

// WithLeaseManager returns store with its leases served by leases
func WithLeaseManager(store domain.StateStore, leases domain.LeaseManager) domain.StateStore {
	return &leasedStateStore{LeaseManager: leases, store: store}
}

func (s *leasedStateStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	return s.store.WithinTx(ctx, fn)
}
