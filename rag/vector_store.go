package rag

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/contextflow/types"
)

// VectorHit 向量检索命中。Distance 为余弦距离。
type VectorHit struct {
	ChunkID  string  `json:"chunk_id"`
	Distance float64 `json:"distance"`
}

// Similarity 余弦相似度，恒等于 1 − Distance。
func (h VectorHit) Similarity() float64 {
	return 1 - h.Distance
}

// VectorStore 向量索引统一接口。引擎从不自行计算向量，
// 只存储并比较外部 Embedder 返回的向量。
type VectorStore interface {
	// Add 批量加入向量。维度不一致返回配置错误，此时不产生任何写入。
	Add(ids []string, vecs []types.Vector) error

	// Query 返回与查询向量最近的 k 个命中，距离升序，同距按插入顺序。
	Query(vec types.Vector, k int) []VectorHit

	// Len 返回已存储的向量数。
	Len() int

	// Clear 清空存储。
	Clear()
}

// InMemoryVectorStore 内存向量存储，精确余弦距离全量扫描。
type InMemoryVectorStore struct {
	mu     sync.RWMutex
	ids    []string
	vecs   []types.Vector
	dim    int
	logger *zap.Logger
}

// NewInMemoryVectorStore 创建内存向量存储。
func NewInMemoryVectorStore(logger *zap.Logger) *InMemoryVectorStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryVectorStore{
		logger: logger.With(zap.String("component", "vector_store")),
	}
}

// Add 批量加入向量。全部校验通过后才写入，失败时存储保持原状。
func (s *InMemoryVectorStore) Add(ids []string, vecs []types.Vector) error {
	if len(ids) != len(vecs) {
		return types.NewConfigurationError(
			fmt.Sprintf("ids and vectors must have equal length: %d vs %d", len(ids), len(vecs)))
	}
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dim
	for i, vec := range vecs {
		if len(vec) == 0 {
			return types.NewConfigurationError(fmt.Sprintf("vector for %s is empty", ids[i]))
		}
		if dim == 0 {
			dim = len(vec)
		}
		if len(vec) != dim {
			return types.NewConfigurationError(
				fmt.Sprintf("vector dimension %d does not match index dimension %d", len(vec), dim))
		}
	}

	s.dim = dim
	s.ids = append(s.ids, ids...)
	s.vecs = append(s.vecs, vecs...)

	s.logger.Debug("vectors added",
		zap.Int("added", len(ids)),
		zap.Int("total", len(s.ids)),
		zap.Int("dim", s.dim))
	return nil
}

// Query 全量扫描并按距离升序返回前 k 个命中。
func (s *InMemoryVectorStore) Query(vec types.Vector, k int) []VectorHit {
	if k <= 0 || len(vec) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.ids) == 0 {
		return nil
	}

	hits := make([]VectorHit, 0, len(s.ids))
	for i, stored := range s.vecs {
		similarity := cosineSimilarity(vec, stored)
		hits = append(hits, VectorHit{ChunkID: s.ids[i], Distance: 1 - similarity})
	}

	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Distance < hits[b].Distance
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// Len 返回已存储的向量数。
func (s *InMemoryVectorStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// Dim 返回索引维度，尚未写入时为 0。
func (s *InMemoryVectorStore) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Clear 清空存储并重置维度。
func (s *InMemoryVectorStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ids = nil
	s.vecs = nil
	s.dim = 0
}

// cosineSimilarity 计算两个向量的余弦相似度，float64 累加避免精度损失。
// 维度不一致或零向量时返回 0。
func cosineSimilarity(a, b types.Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
