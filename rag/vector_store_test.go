package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/contextflow/types"
)

func TestInMemoryVectorStore_ImplementsVectorStore(t *testing.T) {
	var _ VectorStore = (*InMemoryVectorStore)(nil)
}

func TestInMemoryVectorStore_AddAndQuery(t *testing.T) {
	store := NewInMemoryVectorStore(zap.NewNop())

	err := store.Add(
		[]string{"x", "y", "z"},
		[]types.Vector{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, store.Len())
	assert.Equal(t, 3, store.Dim())

	hits := store.Query(types.Vector{1, 0, 0}, 2)

	require.Len(t, hits, 2)
	assert.Equal(t, "x", hits[0].ChunkID)
	assert.InDelta(t, 0.0, hits[0].Distance, 1e-9, "同向向量距离应为 0")
	assert.InDelta(t, 1.0, hits[0].Similarity(), 1e-9)
	assert.InDelta(t, 1.0, hits[1].Distance, 1e-9, "正交向量距离应为 1")
}

func TestInMemoryVectorStore_SimilarityOrdering(t *testing.T) {
	store := NewInMemoryVectorStore(zap.NewNop())

	require.NoError(t, store.Add(
		[]string{"close", "far", "mid"},
		[]types.Vector{{0.9, 0.1}, {-1, 0}, {0.5, 0.5}},
	))

	hits := store.Query(types.Vector{1, 0}, 3)

	require.Len(t, hits, 3)
	assert.Equal(t, "close", hits[0].ChunkID)
	assert.Equal(t, "mid", hits[1].ChunkID)
	assert.Equal(t, "far", hits[2].ChunkID)
	assert.Less(t, hits[0].Distance, hits[1].Distance)
	assert.Less(t, hits[1].Distance, hits[2].Distance)
}

func TestInMemoryVectorStore_TiesKeepInsertionOrder(t *testing.T) {
	store := NewInMemoryVectorStore(zap.NewNop())

	require.NoError(t, store.Add(
		[]string{"first", "second"},
		[]types.Vector{{1, 0}, {1, 0}},
	))

	hits := store.Query(types.Vector{1, 0}, 2)

	require.Len(t, hits, 2)
	assert.Equal(t, "first", hits[0].ChunkID)
	assert.Equal(t, "second", hits[1].ChunkID)
}

func TestInMemoryVectorStore_DimensionMismatch(t *testing.T) {
	store := NewInMemoryVectorStore(zap.NewNop())

	require.NoError(t, store.Add([]string{"a"}, []types.Vector{{1, 0, 0}}))

	err := store.Add([]string{"b"}, []types.Vector{{1, 0}})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
	assert.Equal(t, 1, store.Len(), "校验失败时不得产生部分写入")

	// 同一批内维度不一致同样拒绝
	err = store.Add([]string{"c", "d"}, []types.Vector{{1, 0, 0}, {1, 0}})
	require.Error(t, err)
	assert.Equal(t, 1, store.Len())
}

func TestInMemoryVectorStore_InvalidInput(t *testing.T) {
	store := NewInMemoryVectorStore(zap.NewNop())

	err := store.Add([]string{"a", "b"}, []types.Vector{{1}})
	assert.True(t, types.IsCode(err, types.ErrConfiguration), "长度不匹配应为配置错误")

	err = store.Add([]string{"a"}, []types.Vector{{}})
	assert.True(t, types.IsCode(err, types.ErrConfiguration), "空向量应为配置错误")

	assert.NoError(t, store.Add(nil, nil), "空批次是合法的空操作")
	assert.Equal(t, 0, store.Len())
}

func TestInMemoryVectorStore_QueryEdgeCases(t *testing.T) {
	store := NewInMemoryVectorStore(zap.NewNop())

	assert.Nil(t, store.Query(types.Vector{1, 0}, 5), "空存储返回空")

	require.NoError(t, store.Add([]string{"a"}, []types.Vector{{1, 0}}))

	assert.Nil(t, store.Query(types.Vector{1, 0}, 0), "k 为零返回空")
	assert.Nil(t, store.Query(nil, 5), "空查询向量返回空")

	// 零向量与任何向量的相似度为 0
	hits := store.Query(types.Vector{0, 0}, 1)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Distance, 1e-9)
}

func TestInMemoryVectorStore_Clear(t *testing.T) {
	store := NewInMemoryVectorStore(zap.NewNop())

	require.NoError(t, store.Add([]string{"a"}, []types.Vector{{1, 0, 0}}))
	store.Clear()

	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, store.Dim(), "清空后维度重置")

	// 清空后允许换一个维度重新写入
	require.NoError(t, store.Add([]string{"b"}, []types.Vector{{1, 0}}))
	assert.Equal(t, 2, store.Dim())
}

func TestCosineSimilarity(t *testing.T) {
	cases := []struct {
		name string
		a, b types.Vector
		want float64
	}{
		{"identical", types.Vector{1, 2, 3}, types.Vector{1, 2, 3}, 1.0},
		{"opposite", types.Vector{1, 0}, types.Vector{-1, 0}, -1.0},
		{"orthogonal", types.Vector{1, 0}, types.Vector{0, 1}, 0.0},
		{"zero vector", types.Vector{0, 0}, types.Vector{1, 1}, 0.0},
		{"dimension mismatch", types.Vector{1, 2}, types.Vector{1, 2, 3}, 0.0},
		{"both empty", types.Vector{}, types.Vector{}, 0.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, cosineSimilarity(tc.a, tc.b), 1e-9)
		})
	}
}
