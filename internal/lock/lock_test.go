package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"example.com/reconciliation/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestKey(t *testing.T) {
	require.Equal(t, "lock:mutate:tenant-1", Key("tenant-1"))
}

func TestLocalLockerExcludesSameTenant(t *testing.T) {
	locker := NewLocalLocker(0)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "tenant-1")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "tenant-1")
	require.ErrorIs(t, err, domain.ErrLockNotObtained)

	other, err := locker.Acquire(ctx, "tenant-2")
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, lease.Release(ctx))

	again, err := locker.Acquire(ctx, "tenant-1")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLocalLockerWaitsForRelease(t *testing.T) {
	locker := NewLocalLocker(2 * time.Second)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "tenant-1")
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		time.Sleep(300 * time.Millisecond)
		_ = lease.Release(ctx)
		close(released)
	}()

	next, err := locker.Acquire(ctx, "tenant-1")
	require.NoError(t, err)
	<-released
	require.NoError(t, next.Release(ctx))
}

func TestLocalLockerHonoursContext(t *testing.T) {
	locker := NewLocalLocker(time.Minute)
	lease, err := locker.Acquire(context.Background(), "tenant-1")
	require.NoError(t, err)
	defer lease.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "tenant-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalLeaseIsNeverLost(t *testing.T) {
	locker := NewLocalLocker(0)
	lease, err := locker.Acquire(context.Background(), "tenant-1")
	require.NoError(t, err)
	require.False(t, IsLost(lease))
	require.NoError(t, lease.Release(context.Background()))
	require.False(t, IsLost(lease))
}
