package provider

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/BaSui01/contextflow/types"
)

// rateLimitEmbedder 带速率限制的 Embedder 装饰器
type rateLimitEmbedder struct {
	inner   Embedder
	limiter *rate.Limiter
}

// NewRateLimitEmbedder 包装 Embedder，调用前等待令牌。
// limiter 可在多个装饰器间共享，以约束对同一 API 的总请求速率。
func NewRateLimitEmbedder(inner Embedder, limiter *rate.Limiter) Embedder {
	return &rateLimitEmbedder{inner: inner, limiter: limiter}
}

func (e *rateLimitEmbedder) Embed(ctx context.Context, texts []string, isQuery bool) ([]types.Vector, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return e.inner.Embed(ctx, texts, isQuery)
}

func (e *rateLimitEmbedder) Dimensions() int { return e.inner.Dimensions() }
func (e *rateLimitEmbedder) Name() string    { return e.inner.Name() }

// rateLimitReranker 带速率限制的 Reranker 装饰器
type rateLimitReranker struct {
	inner   Reranker
	limiter *rate.Limiter
}

// NewRateLimitReranker 包装 Reranker，调用前等待令牌
func NewRateLimitReranker(inner Reranker, limiter *rate.Limiter) Reranker {
	return &rateLimitReranker{inner: inner, limiter: limiter}
}

func (e *rateLimitReranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return e.inner.Rerank(ctx, query, texts)
}

func (e *rateLimitReranker) Name() string { return e.inner.Name() }

// rateLimitGenerator 带速率限制的 Generator 装饰器
type rateLimitGenerator struct {
	inner   Generator
	limiter *rate.Limiter
}

// NewRateLimitGenerator 包装 Generator，调用前等待令牌
func NewRateLimitGenerator(inner Generator, limiter *rate.Limiter) Generator {
	return &rateLimitGenerator{inner: inner, limiter: limiter}
}

func (e *rateLimitGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return e.inner.Generate(ctx, prompt, maxTokens)
}

func (e *rateLimitGenerator) Name() string { return e.inner.Name() }
