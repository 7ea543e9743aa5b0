package claim_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/asyncq/internal/claim"
	"github.com/seantiz/asyncq/internal/model"
)

func TestMemoryClaimRelease(t *testing.T) {
	m := claim.NewMemory()
	ctx := context.Background()

	ok, err := m.Claim(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Claim(ctx, "q1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim on a held id must fail")
	assert.Equal(t, 1, m.Held())

	require.NoError(t, m.Release(ctx, "q1"))
	require.NoError(t, m.Release(ctx, "q1"))
	assert.Zero(t, m.Held())

	ok, err = m.Claim(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryClaimIsExclusiveUnderContention(t *testing.T) {
	m := claim.NewMemory()
	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for range 50 {
		wg.Go(func() {
			if ok, _ := m.Claim(context.Background(), "contended"); ok {
				won.Add(1)
			}
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), won.Load())
}

// setupTestRedis connects to ASYNCQ_TEST_REDIS_ADDR or skips.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	addr := os.Getenv("ASYNCQ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ASYNCQ_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisClaimRelease(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	prefix := "asyncq:test:" + model.NewID() + ":"

	a := claim.NewRedis(client, prefix, time.Minute)
	b := claim.NewRedis(client, prefix, time.Minute)

	ok, err := a.Claim(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Claim(ctx, "q1")
	require.NoError(t, err)
	assert.False(t, ok, "another instance must not claim a held id")

	ttl := client.TTL(ctx, prefix+"q1").Val()
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	require.NoError(t, b.Release(ctx, "q1"), "releasing a claim not held is a no-op")
	assert.Equal(t, int64(1), client.Exists(ctx, prefix+"q1").Val())

	require.NoError(t, a.Release(ctx, "q1"))
	assert.Equal(t, int64(0), client.Exists(ctx, prefix+"q1").Val())

	ok, err = b.Claim(ctx, "q1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx, "q1"))
}

func TestRedisReleaseKeepsForeignClaim(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	prefix := "asyncq:test:" + model.NewID() + ":"

	a := claim.NewRedis(client, prefix, time.Minute)
	ok, err := a.Claim(ctx, "q1")
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate expiry and takeover by another instance.
	require.NoError(t, client.Set(ctx, prefix+"q1", "someone-else", time.Minute).Err())

	require.NoError(t, a.Release(ctx, "q1"))
	assert.Equal(t, "someone-else", client.Get(ctx, prefix+"q1").Val())
	client.Del(ctx, prefix+"q1")
}
