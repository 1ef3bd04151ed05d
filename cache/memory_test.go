package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetAndGet(t *testing.T) {
	store := NewMemoryStore(100, 0.2)
	ctx := context.Background()

	err := store.Set(ctx, "query:abc", []byte(`{"v":1}`), time.Minute)
	require.NoError(t, err)

	val, err := store.Get(ctx, "query:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), val)
}

func TestMemoryStore_Miss(t *testing.T) {
	store := NewMemoryStore(100, 0.2)

	_, err := store.Get(context.Background(), "missing")
	assert.True(t, IsCacheMiss(err))
}

func TestMemoryStore_ExpiredEntryDeleted(t *testing.T) {
	store := NewMemoryStore(100, 0.2)
	ctx := context.Background()

	err := store.Set(ctx, "k", []byte("v"), 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = store.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err), "过期条目应按未命中处理")
	assert.Equal(t, 0, store.Len(), "过期条目应被删除")
}

func TestMemoryStore_EvictOldestBatch(t *testing.T) {
	store := NewMemoryStore(10, 0.2)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		err := store.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), time.Minute)
		require.NoError(t, err)
	}

	// 刷新 k0..k7 的访问时间，k8 与 k9 成为最旧条目
	for i := 0; i < 8; i++ {
		_, err := store.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
	}

	// 超限写入触发批量淘汰：10 * 0.2 = 2 条
	err := store.Set(ctx, "k10", []byte("v"), time.Minute)
	require.NoError(t, err)

	_, err = store.Get(ctx, "k8")
	assert.True(t, IsCacheMiss(err), "最久未访问的条目应被淘汰")
	_, err = store.Get(ctx, "k9")
	assert.True(t, IsCacheMiss(err))

	_, err = store.Get(ctx, "k0")
	assert.NoError(t, err, "刷新过的条目应保留")
	_, err = store.Get(ctx, "k10")
	assert.NoError(t, err)

	assert.Equal(t, 9, store.Len())
	assert.Equal(t, uint64(2), store.Stats().Evictions)
}

func TestMemoryStore_UpdateExisting(t *testing.T) {
	store := NewMemoryStore(10, 0.2)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v1"), time.Minute))
	require.NoError(t, store.Set(ctx, "k", []byte("v2"), time.Minute))

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
	assert.Equal(t, 1, store.Len(), "覆盖写入不应产生新条目")
}

func TestMemoryStore_DeleteAndClear(t *testing.T) {
	store := NewMemoryStore(10, 0.2)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Minute))

	require.NoError(t, store.Delete(ctx, "a"))
	_, err := store.Get(ctx, "a")
	assert.True(t, IsCacheMiss(err))

	store.Clear()
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStore_Stats(t *testing.T) {
	store := NewMemoryStore(10, 0.2)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	_, _ = store.Get(ctx, "k")
	_, _ = store.Get(ctx, "missing")

	stats := store.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 10, stats.Capacity)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}
