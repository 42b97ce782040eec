package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client), mr
}

func TestRedisGetMissReturnsErrMiss(t *testing.T) {
	store, _ := newTestRedis(t)

	_, err := store.Get(context.Background(), "session:none")
	require.True(t, errors.Is(err, ErrMiss))
}

func TestRedisSetEXExpires(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.SetEX(ctx, "session:a", []byte("payload"), time.Minute))
	got, err := store.Get(ctx, "session:a")
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))

	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "session:a")
	require.ErrorIs(t, err, ErrMiss)
}

func TestRedisIncrSetsTTLOnce(t *testing.T) {
	store, mr := newTestRedis(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, err := store.Incr(ctx, "rate_limit:k:1", time.Minute)
		require.NoError(t, err)
		require.Equal(t, i, n)
	}
	require.True(t, mr.TTL("rate_limit:k:1") > 0)
}

func TestRedisDelIgnoresMissingKeys(t *testing.T) {
	store, _ := newTestRedis(t)
	require.NoError(t, store.Del(context.Background(), "session:missing"))
	require.NoError(t, store.Del(context.Background()))
}

func TestRedisErrorsWhenServerDown(t *testing.T) {
	store, mr := newTestRedis(t)
	mr.Close()

	_, err := store.Get(context.Background(), "session:a")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrMiss))
}
