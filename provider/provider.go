package provider

import (
	"context"

	"github.com/BaSui01/contextflow/types"
)

// Embedder 将若干段文本批量编码为向量。
// isQuery 区分查询侧与文档侧编码（非对称嵌入模型需要不同前缀）。
// 返回的向量数量与 texts 一一对应。
type Embedder interface {
	Embed(ctx context.Context, texts []string, isQuery bool) ([]types.Vector, error)
	// Dimensions 返回向量维度
	Dimensions() int
	// Name 返回提供商标识，用于日志与指标
	Name() string
}

// Reranker 对候选文本按与查询的相关度重新打分。
// 返回的分数与 texts 一一对应，分数越大越相关。
type Reranker interface {
	Rerank(ctx context.Context, query string, texts []string) ([]float64, error)
	Name() string
}

// Generator 根据提示词生成文本，用于查询改写与 HyDE 假设文档。
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	Name() string
}
