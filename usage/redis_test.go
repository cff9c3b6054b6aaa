package usage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreWithClient(client, "test:trace:"), mr
}

func TestRedisStore_ConsumeSemantics(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisTestStore(t)
	now := time.Now().Unix()
	exp := now + 60

	// fresh trace within expiry
	require.NoError(t, s.Consume(ctx, "t1", 2, exp, now))
	// increment below limit
	require.NoError(t, s.Consume(ctx, "t1", 2, exp, now+1))
	// limit exhausted
	assert.ErrorIs(t, s.Consume(ctx, "t1", 2, exp, now+2), ErrLimitExhausted)

	// fresh trace already expired is not created
	assert.ErrorIs(t, s.Consume(ctx, "t2", 1, exp, exp+1), ErrTokenExpired)

	// existing trace past expiry is evicted
	require.NoError(t, s.Consume(ctx, "t3", 1, exp, now))
	assert.ErrorIs(t, s.Consume(ctx, "t3", 1, exp, exp+1), ErrTokenExpired)
	// eviction means the key is gone
	exists, err := s.client.Exists(ctx, "test:trace:t3").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRedisStore_LimitAndExpFixedAtCreation(t *testing.T) {
	ctx := context.Background()
	s, _ := newRedisTestStore(t)
	now := time.Now().Unix()
	exp := now + 60

	require.NoError(t, s.Consume(ctx, "t", 2, exp, now))
	// A second call with a bigger limit and later exp must not loosen the
	// record minted at first observation.
	require.NoError(t, s.Consume(ctx, "t", 9, exp+900, now+1))
	assert.ErrorIs(t, s.Consume(ctx, "t", 9, exp+900, now+2), ErrLimitExhausted)
	assert.ErrorIs(t, s.Consume(ctx, "t", 9, exp+900, exp+1), ErrTokenExpired)
}

func TestRedisStore_KeyTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisTestStore(t)
	now := time.Now().Unix()

	require.NoError(t, s.Consume(ctx, "t", 1, now+60, now))
	ttl := mr.TTL("test:trace:t")
	assert.Positive(t, ttl, "record key must carry a TTL")
}
