package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/go-redis/redismock/v9"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLeaseManager_AcquireLease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	leases := NewRedisLeaseManager(db, "")

	mock.ExpectSetNX("coord:lease:saga:s-1", "worker-a", 5*time.Second).SetVal(true)

	ok, err := leases.AcquireLease(context.Background(), "saga:s-1", "worker-a", 5*time.Second)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLeaseManager_AcquireLease_HeldByOther(t *testing.T) {
	db, mock := redismock.NewClientMock()
	leases := NewRedisLeaseManager(db, "")

	mock.ExpectSetNX("coord:lease:saga:s-1", "worker-b", 5*time.Second).SetVal(false)
	mock.ExpectEval(extendScript, []string{"coord:lease:saga:s-1"}, "worker-b", "5000").SetVal(int64(0))

	ok, err := leases.AcquireLease(context.Background(), "saga:s-1", "worker-b", 5*time.Second)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLeaseManager_RenewLease_NotHeld(t *testing.T) {
	db, mock := redismock.NewClientMock()
	leases := NewRedisLeaseManager(db, "test:")

	mock.ExpectEval(extendScript, []string{"test:txn:t-1"}, "worker-a", "2000").SetVal(int64(0))

	err := leases.RenewLease(context.Background(), "txn:t-1", "worker-a", 2*time.Second)
	assert.True(t, errors.Is(err, domain.ErrLeaseNotHeld))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLeaseManager_ReleaseLease_Error(t *testing.T) {
	db, mock := redismock.NewClientMock()
	leases := NewRedisLeaseManager(db, "")

	mock.ExpectEval(releaseScript, []string{"coord:lease:saga:s-1"}, "worker-a").SetErr(errors.New("connection refused"))

	err := leases.ReleaseLease(context.Background(), "saga:s-1", "worker-a")
	assert.EqualError(t, err, "failed to release lease saga:s-1: connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLeaseManager_Lifecycle(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	ctx := context.Background()
	leases := NewRedisLeaseManager(client, "")

	ok, err := leases.AcquireLease(ctx, "saga:s-1", "worker-a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = leases.AcquireLease(ctx, "saga:s-1", "worker-b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "a live lease belongs to worker-a")

	ok, err = leases.AcquireLease(ctx, "saga:s-1", "worker-a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "the owner re-acquiring extends the lease")

	require.NoError(t, leases.RenewLease(ctx, "saga:s-1", "worker-a", time.Second))

	server.FastForward(2 * time.Second)

	assert.True(t, errors.Is(leases.RenewLease(ctx, "saga:s-1", "worker-a", time.Second), domain.ErrLeaseNotHeld))

	ok, err = leases.AcquireLease(ctx, "saga:s-1", "worker-b", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired leases are taken over")

	require.NoError(t, leases.ReleaseLease(ctx, "saga:s-1", "worker-a"))
	assert.True(t, server.Exists("coord:lease:saga:s-1"), "release by a former owner keeps the new lease")

	require.NoError(t, leases.ReleaseLease(ctx, "saga:s-1", "worker-b"))
	assert.False(t, server.Exists("coord:lease:saga:s-1"))
}

func TestWithLeaseManager(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	store := WithLeaseManager(NewMemoryStateStore(nil), NewRedisLeaseManager(client, ""))

	ok, err := store.AcquireLease(context.Background(), "txn:t-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, server.Exists("coord:lease:txn:t-1"))

	called := false
	require.NoError(t, store.WithinTx(context.Background(), func(ctx context.Context, tx domain.Tx) error {
		called = true
		return nil
	}))
	assert.True(t, called)
}
