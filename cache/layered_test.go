package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore 可注入错误的持久层实现
type fakeStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
	setErr error
	gets   int
	sets   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	v, ok := f.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (f *fakeStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = value
	return nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeStore) Close() error { return nil }

type payload struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

func TestLayered_MemoryOnly(t *testing.T) {
	c := NewLayered(NewMemoryStore(100, 0.2), nil, nil, zap.NewNop())
	ctx := context.Background()

	key := Key(NamespaceQuery, "q1")
	require.NoError(t, c.SetJSON(ctx, key, payload{Text: "hello", Score: 0.9}, time.Minute))

	var got payload
	require.NoError(t, c.GetJSON(ctx, key, &got))
	assert.Equal(t, "hello", got.Text)
	assert.InDelta(t, 0.9, got.Score, 1e-9)

	err := c.GetJSON(ctx, Key(NamespaceQuery, "other"), &got)
	assert.True(t, IsCacheMiss(err))
}

func TestLayered_SetWritesBothTiers(t *testing.T) {
	persisted := newFakeStore()
	c := NewLayered(NewMemoryStore(100, 0.2), persisted, nil, zap.NewNop())
	ctx := context.Background()

	key := Key(NamespaceResult, "ctx1")
	require.NoError(t, c.SetJSON(ctx, key, payload{Text: "assembled"}, time.Minute))

	assert.Equal(t, 1, persisted.sets, "写入应落到持久层")
	_, ok := persisted.data[key]
	assert.True(t, ok)
}

func TestLayered_PersistedHitBackfillsMemory(t *testing.T) {
	persisted := newFakeStore()
	memory := NewMemoryStore(100, 0.2)
	c := NewLayered(memory, persisted, nil, zap.NewNop())
	ctx := context.Background()

	// 只写持久层，模拟进程重启后的冷内存
	key := Key(NamespaceEmbedding, "text to embed")
	entry := Entry{
		Value:     json.RawMessage(`{"text":"vec","score":1}`),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	blob, err := json.Marshal(&entry)
	require.NoError(t, err)
	persisted.data[key] = blob

	var got payload
	require.NoError(t, c.GetJSON(ctx, key, &got))
	assert.Equal(t, "vec", got.Text)

	// 第二次读取应命中内存层，不再访问持久层
	before := persisted.gets
	require.NoError(t, c.GetJSON(ctx, key, &got))
	assert.Equal(t, before, persisted.gets, "回填后应命中内存层")
	assert.Equal(t, 1, memory.Len())
}

func TestLayered_ExpiredPersistedEntryDeleted(t *testing.T) {
	persisted := newFakeStore()
	c := NewLayered(NewMemoryStore(100, 0.2), persisted, nil, zap.NewNop())
	ctx := context.Background()

	key := Key(NamespaceQuery, "stale")
	entry := Entry{
		Value:     json.RawMessage(`{"text":"old"}`),
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	blob, err := json.Marshal(&entry)
	require.NoError(t, err)
	persisted.data[key] = blob

	var got payload
	err = c.GetJSON(ctx, key, &got)
	assert.True(t, IsCacheMiss(err), "过期条目应按未命中处理")

	_, ok := persisted.data[key]
	assert.False(t, ok, "过期条目应从持久层删除")
}

func TestLayered_PersistedIOErrorTreatedAsMiss(t *testing.T) {
	persisted := newFakeStore()
	persisted.getErr = errors.New("connection refused")
	c := NewLayered(NewMemoryStore(100, 0.2), persisted, nil, zap.NewNop())
	ctx := context.Background()

	var got payload
	err := c.GetJSON(ctx, Key(NamespaceQuery, "q"), &got)
	assert.True(t, IsCacheMiss(err), "持久层 IO 错误应按未命中处理而不是失败")
}

func TestLayered_PersistedSetErrorDoesNotFail(t *testing.T) {
	persisted := newFakeStore()
	persisted.setErr = errors.New("disk full")
	c := NewLayered(NewMemoryStore(100, 0.2), persisted, nil, zap.NewNop())
	ctx := context.Background()

	key := Key(NamespaceQuery, "q")
	err := c.SetJSON(ctx, key, payload{Text: "x"}, time.Minute)
	assert.NoError(t, err, "持久层写入失败不应让调用方失败")

	// 内存层仍然可读
	var got payload
	require.NoError(t, c.GetJSON(ctx, key, &got))
	assert.Equal(t, "x", got.Text)
}

func TestLayered_CorruptEntryDiscarded(t *testing.T) {
	persisted := newFakeStore()
	c := NewLayered(NewMemoryStore(100, 0.2), persisted, nil, zap.NewNop())
	ctx := context.Background()

	key := Key(NamespaceQuery, "corrupt")
	persisted.data[key] = []byte("not a json entry")

	var got payload
	err := c.GetJSON(ctx, key, &got)
	assert.True(t, IsCacheMiss(err))
	_, ok := persisted.data[key]
	assert.False(t, ok, "损坏条目应被删除")
}

func TestLayered_Stats(t *testing.T) {
	persisted := newFakeStore()
	c := NewLayered(NewMemoryStore(100, 0.2), persisted, nil, zap.NewNop())
	ctx := context.Background()

	key := Key(NamespaceQuery, "q")
	require.NoError(t, c.SetJSON(ctx, key, payload{Text: "x"}, time.Minute))

	var got payload
	require.NoError(t, c.GetJSON(ctx, key, &got))

	stats := c.Stats()
	assert.True(t, stats.HasPersisted)
	assert.Equal(t, 1, stats.Memory.Entries)
	assert.Equal(t, uint64(1), stats.Memory.Hits)
}

func TestLayered_NilSafeDefaults(t *testing.T) {
	c := NewLayered(nil, nil, nil, nil)
	ctx := context.Background()

	key := Key(NamespaceQuery, "q")
	require.NoError(t, c.SetJSON(ctx, key, payload{Text: "x"}, time.Minute))

	var got payload
	require.NoError(t, c.GetJSON(ctx, key, &got))
	assert.Equal(t, "x", got.Text)
	require.NoError(t, c.Close())
}
