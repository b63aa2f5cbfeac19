package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return mr, client
}

func TestSingleLeader(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "vivarium:leader", 10*time.Second, zap.NewNop())
	b := NewRedisLock(client, "vivarium:leader", 10*time.Second, zap.NewNop())

	held, err := a.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	held, err = b.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, held)
	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())

	// leader keeps the lease on refresh
	held, err = a.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestLeaseExpiryHandsOver(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "k", 3*time.Second, zap.NewNop())
	b := NewRedisLock(client, "k", 3*time.Second, zap.NewNop())

	_, err := a.Refresh(ctx)
	require.NoError(t, err)

	mr.FastForward(4 * time.Second)

	held, err := b.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, held)

	// a notices on its next refresh
	held, err = a.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestExtendRefreshesTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "k", 3*time.Second, zap.NewNop())
	_, err := a.Refresh(ctx)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = a.Refresh(ctx)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	assert.True(t, mr.Exists("k"), "extended lease should survive past the original ttl")
}

func TestReleaseOnlyOwnLease(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "k", 10*time.Second, zap.NewNop())
	b := NewRedisLock(client, "k", 10*time.Second, zap.NewNop())
	_, err := a.Refresh(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Release(ctx))
	assert.True(t, mr.Exists("k"), "non-owner must not delete the lease")

	require.NoError(t, a.Release(ctx))
	assert.False(t, mr.Exists("k"))
	assert.False(t, a.IsLeader())
}

func TestRefreshErrorDropsLeadership(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "k", 10*time.Second, zap.NewNop())
	_, err := a.Refresh(ctx)
	require.NoError(t, err)

	mr.Close()
	held, err := a.Refresh(ctx)
	assert.Error(t, err)
	assert.False(t, held)
	assert.False(t, a.IsLeader())
}

func TestAlways(t *testing.T) {
	var l Leader = Always{}
	assert.True(t, l.IsLeader())
}
