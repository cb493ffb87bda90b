package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistryExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	r := NewMemoryRegistry(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, r.Renew(ctx, "dispatch-a", 10*time.Second))
	alive, err := r.Alive(ctx, "dispatch-a")
	require.NoError(t, err)
	assert.True(t, alive)

	now = now.Add(10 * time.Second)
	alive, err = r.Alive(ctx, "dispatch-a")
	require.NoError(t, err)
	assert.False(t, alive)

	alive, err = r.Alive(ctx, "never-seen")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestMemoryRegistryRevoke(t *testing.T) {
	r := NewMemoryRegistry(nil)
	ctx := context.Background()

	require.NoError(t, r.Renew(ctx, "dispatch-a", time.Minute))
	require.NoError(t, r.Revoke(ctx, "dispatch-a"))
	alive, err := r.Alive(ctx, "dispatch-a")
	require.NoError(t, err)
	assert.False(t, alive)

	assert.ErrorIs(t, r.Renew(ctx, "", time.Minute), ErrEmptyOwner)
}

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisRegistry) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	r, err := DialRedis(context.Background(), "redis://"+mr.Addr(), "", "test:lease:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return mr, r
}

func TestRedisRegistryExpiry(t *testing.T) {
	mr, r := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, r.Renew(ctx, "dispatch-a", 30*time.Second))
	assert.True(t, mr.Exists("test:lease:dispatch-a"))

	alive, err := r.Alive(ctx, "dispatch-a")
	require.NoError(t, err)
	assert.True(t, alive)

	mr.FastForward(31 * time.Second)
	alive, err = r.Alive(ctx, "dispatch-a")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestRedisRegistryRenewExtends(t *testing.T) {
	mr, r := setupMiniredis(t)
	ctx := context.Background()

	require.NoError(t, r.Renew(ctx, "dispatch-b", 10*time.Second))
	mr.FastForward(8 * time.Second)
	require.NoError(t, r.Renew(ctx, "dispatch-b", 10*time.Second))
	mr.FastForward(8 * time.Second)

	alive, err := r.Alive(ctx, "dispatch-b")
	require.NoError(t, err)
	assert.True(t, alive)

	require.NoError(t, r.Revoke(ctx, "dispatch-b"))
	alive, err = r.Alive(ctx, "dispatch-b")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestDialRedisBadURL(t *testing.T) {
	_, err := DialRedis(context.Background(), "not-a-url", "", "")
	assert.Error(t, err)
}
