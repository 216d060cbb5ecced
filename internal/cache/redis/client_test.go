package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := NewFromRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestFreshnessEntryExpires(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	require.NoError(t, c.RememberInsight(ctx, "u1", "tuple", "ins-1", time.Hour))

	id, ok, err := c.LookupInsight(ctx, "u1", "tuple")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ins-1", id)

	_, ok, err = c.LookupInsight(ctx, "u2", "tuple")
	require.NoError(t, err)
	assert.False(t, ok, "entries are per user")

	mr.FastForward(time.Hour + time.Second)
	_, ok, err = c.LookupInsight(ctx, "u1", "tuple")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForgetUser(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	require.NoError(t, c.RememberInsight(ctx, "u1", "a", "1", time.Hour))
	require.NoError(t, c.RememberInsight(ctx, "u1", "b", "2", time.Hour))
	require.NoError(t, c.RememberInsight(ctx, "u2", "a", "3", time.Hour))

	require.NoError(t, c.ForgetUser(ctx, "u1"))

	_, ok, _ := c.LookupInsight(ctx, "u1", "a")
	assert.False(t, ok)
	_, ok, _ = c.LookupInsight(ctx, "u1", "b")
	assert.False(t, ok)
	_, ok, _ = c.LookupInsight(ctx, "u2", "a")
	assert.True(t, ok)

	require.NoError(t, c.Forget(ctx, "u2", "a"))
	_, ok, _ = c.LookupInsight(ctx, "u2", "a")
	assert.False(t, ok)
}

func TestEmbeddingCache(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	_, ok, err := c.GetEmbedding(ctx, "h")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.SetEmbedding(ctx, "h", []float32{0.5, 0.25}, time.Hour))
	vec, ok, err := c.GetEmbedding(ctx, "h")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{0.5, 0.25}, vec)
}
