package ephemeral

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStoreSetGet(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "code:alice", "123456", time.Minute))

	got, err := store.Get(ctx, "code:alice")
	require.NoError(t, err)
	assert.Equal(t, "123456", got)
}

func TestRedisStoreGetMissing(t *testing.T) {
	store, _ := newTestRedisStore(t)

	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "short", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, err := store.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreDelete(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "k", "v", time.Minute))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreConsumeIfEqual(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "code", "123456", time.Minute))

	consumed, err := store.ConsumeIfEqual(ctx, "code", "999999")
	require.NoError(t, err)
	assert.False(t, consumed)

	got, err := store.Get(ctx, "code")
	require.NoError(t, err)
	assert.Equal(t, "123456", got, "failed consume must leave the value intact")

	consumed, err = store.ConsumeIfEqual(ctx, "code", "123456")
	require.NoError(t, err)
	assert.True(t, consumed)

	consumed, err = store.ConsumeIfEqual(ctx, "code", "123456")
	require.NoError(t, err)
	assert.False(t, consumed, "a consumed key must not be consumable again")
}

func TestRedisStoreIncrWithTTL(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrWithTTL(ctx, "attempts", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRedisStoreIncrResetsTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	_, err := store.IncrWithTTL(ctx, "attempts", 10*time.Second)
	require.NoError(t, err)

	mr.FastForward(8 * time.Second)
	count, err := store.IncrWithTTL(ctx, "attempts", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Another 8s is past the first expiry but inside the refreshed one.
	mr.FastForward(8 * time.Second)
	got, err := store.Get(ctx, "attempts")
	require.NoError(t, err)
	assert.Equal(t, "2", got)
}

func TestRedisStoreDeletePrefix(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetWithTTL(ctx, "auth:check:u1:o1", "true", time.Minute))
	require.NoError(t, store.SetWithTTL(ctx, "auth:check:u1:o2", "false", time.Minute))
	require.NoError(t, store.SetWithTTL(ctx, "auth:perms:u1:o1", "[]", time.Minute))

	deleted, err := store.DeletePrefix(ctx, "auth:check:u1:")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	_, err = store.Get(ctx, "auth:check:u1:o2")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "auth:perms:u1:o1")
	assert.NoError(t, err)
}

func TestRedisStorePing(t *testing.T) {
	store, mr := newTestRedisStore(t)

	assert.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}
