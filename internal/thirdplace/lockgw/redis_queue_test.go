package lockgw_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thirdplace/server/internal/thirdplace/lockgw"
)

func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})
	return client
}

func TestRedisQueue_ClaimAckBury(t *testing.T) {
	q := lockgw.NewRedisQueue(setupTestRedis(t), "test:revocations")
	ctx := context.Background()

	r1 := lockgw.Revocation{GrantID: "g-1", LockID: "kisi:front", Reason: "manual_revocation", EnqueuedAt: t0}
	r2 := lockgw.Revocation{GrantID: "g-2", LockID: "door-2", EnqueuedAt: t0}
	require.NoError(t, q.Enqueue(ctx, r1, t0))
	require.NoError(t, q.Enqueue(ctx, r2, t0.Add(time.Hour)))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := q.Claim(ctx, t0, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "g-1", got[0].GrantID)
	assert.True(t, got[0].EnqueuedAt.Equal(t0))

	got, err = q.Claim(ctx, t0.Add(30*time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, q.Ack(ctx, "g-1"))

	r2.Attempts = 8
	require.NoError(t, q.Bury(ctx, r2))
	buried, err := q.Buried(ctx)
	require.NoError(t, err)
	require.Len(t, buried, 1)
	assert.Equal(t, 8, buried[0].Attempts)

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
