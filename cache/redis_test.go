package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	config := DefaultRedisConfig()
	config.Addr = mr.Addr()

	store, err := NewRedisStore(config, zap.NewNop())
	require.NoError(t, err)

	return mr, store
}

func TestRedisStore_SetAndGet(t *testing.T) {
	mr, store := setupTestRedis(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()

	err := store.Set(ctx, "query:abc", []byte(`{"v":1}`), time.Minute)
	require.NoError(t, err)

	val, err := store.Get(ctx, "query:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), val)
}

func TestRedisStore_GetNonExistent(t *testing.T) {
	mr, store := setupTestRedis(t)
	defer mr.Close()
	defer store.Close()

	_, err := store.Get(context.Background(), "non-existent")
	assert.True(t, IsCacheMiss(err))
}

func TestRedisStore_Delete(t *testing.T) {
	mr, store := setupTestRedis(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestRedisStore_TTL(t *testing.T) {
	mr, store := setupTestRedis(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()

	err := store.Set(ctx, "ttl-key", []byte("v"), 100*time.Millisecond)
	require.NoError(t, err)

	// 立即获取应该成功
	_, err = store.Get(ctx, "ttl-key")
	require.NoError(t, err)

	// 快进时间
	mr.FastForward(200 * time.Millisecond)

	// 现在应该过期了
	_, err = store.Get(ctx, "ttl-key")
	assert.True(t, IsCacheMiss(err))
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	mr, store := setupTestRedis(t)
	defer mr.Close()
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "emb:xyz", []byte("v"), time.Minute))

	// 实际键带实例前缀
	assert.True(t, mr.Exists("contextflow:emb:xyz"))
}

func TestRedisStore_ClosedRejects(t *testing.T) {
	mr, store := setupTestRedis(t)
	defer mr.Close()

	require.NoError(t, store.Close())

	_, err := store.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, IsCacheMiss(err), "关闭后的错误不是未命中")

	// 重复关闭应幂等
	assert.NoError(t, store.Close())
}

func TestNewRedisStore_ConnectFailed(t *testing.T) {
	config := DefaultRedisConfig()
	config.Addr = "localhost:1" // 不存在的地址

	store, err := NewRedisStore(config, zap.NewNop())
	assert.Nil(t, store)
	assert.Error(t, err)
}

func TestRedisStore_WithLayered(t *testing.T) {
	mr, store := setupTestRedis(t)
	defer mr.Close()

	c := NewLayered(NewMemoryStore(100, 0.2), store, nil, zap.NewNop())
	defer c.Close()

	ctx := context.Background()
	key := Key(NamespaceResult, "final context")

	require.NoError(t, c.SetJSON(ctx, key, payload{Text: "assembled", Score: 1}, time.Minute))

	// 清空内存层后仍能从 Redis 命中并回填
	c.Clear()

	var got payload
	require.NoError(t, c.GetJSON(ctx, key, &got))
	assert.Equal(t, "assembled", got.Text)
}
