package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/contextflow/types"
)

// RetryPolicy 重试策略配置
type RetryPolicy struct {
	// MaxRetries 最大重试次数（不含首次调用）
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// InitialDelay 初始延迟
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	// MaxDelay 最大延迟
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// Multiplier 延迟倍数
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// Jitter 是否添加随机抖动
	Jitter bool `json:"jitter" yaml:"jitter"`
	// OnRetry 每次重试前的回调
	OnRetry func(attempt int, err error, delay time.Duration) `json:"-" yaml:"-"`
}

// DefaultRetryPolicy 返回默认重试策略
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// retryer 基于指数退避执行外部调用
type retryer struct {
	policy *RetryPolicy
	logger *zap.Logger
}

func newRetryer(policy *RetryPolicy, logger *zap.Logger) *retryer {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retryer{policy: policy, logger: logger}
}

// do 执行 fn，失败时按策略重试
func (r *retryer) do(ctx context.Context, op string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			r.logger.Debug("Retrying provider call",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}

			// 等待延迟，同时监听 context 取消
			select {
			case <-ctx.Done():
				return fmt.Errorf("重试被取消: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			if !r.isRetryable(err) {
				return err
			}
			continue
		}
		return nil
	}

	r.logger.Warn("Provider call exhausted retries",
		zap.String("operation", op),
		zap.Int("max_retries", r.policy.MaxRetries),
		zap.Error(lastErr))

	return fmt.Errorf("%s: 重试 %d 次后仍失败: %w", op, r.policy.MaxRetries, lastErr)
}

// calculateDelay 计算第 attempt 次重试前的延迟
func (r *retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= r.policy.Multiplier
	}
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		// ±25% 抖动，避免重试风暴
		jitter := delay * 0.25 * (rand.Float64()*2 - 1)
		delay += jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}

// isRetryable 判断错误是否值得重试。
// 上下文取消与配置类错误直接失败，带重试标记的结构化错误按标记判断，
// 其余未知错误默认重试。
func (r *retryer) isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var te *types.Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}

// retryEmbedder 带重试的 Embedder 装饰器
type retryEmbedder struct {
	inner Embedder
	r     *retryer
}

// NewRetryEmbedder 包装 Embedder，按策略对 Embed 调用做指数退避重试
func NewRetryEmbedder(inner Embedder, policy *RetryPolicy, logger *zap.Logger) Embedder {
	return &retryEmbedder{inner: inner, r: newRetryer(policy, logger)}
}

func (e *retryEmbedder) Embed(ctx context.Context, texts []string, isQuery bool) ([]types.Vector, error) {
	var out []types.Vector
	err := e.r.do(ctx, "embed", func() error {
		var callErr error
		out, callErr = e.inner.Embed(ctx, texts, isQuery)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *retryEmbedder) Dimensions() int { return e.inner.Dimensions() }
func (e *retryEmbedder) Name() string    { return e.inner.Name() }

// retryReranker 带重试的 Reranker 装饰器
type retryReranker struct {
	inner Reranker
	r     *retryer
}

// NewRetryReranker 包装 Reranker，按策略对 Rerank 调用做指数退避重试
func NewRetryReranker(inner Reranker, policy *RetryPolicy, logger *zap.Logger) Reranker {
	return &retryReranker{inner: inner, r: newRetryer(policy, logger)}
}

func (e *retryReranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	var out []float64
	err := e.r.do(ctx, "rerank", func() error {
		var callErr error
		out, callErr = e.inner.Rerank(ctx, query, texts)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *retryReranker) Name() string { return e.inner.Name() }

// retryGenerator 带重试的 Generator 装饰器
type retryGenerator struct {
	inner Generator
	r     *retryer
}

// NewRetryGenerator 包装 Generator，按策略对 Generate 调用做指数退避重试
func NewRetryGenerator(inner Generator, policy *RetryPolicy, logger *zap.Logger) Generator {
	return &retryGenerator{inner: inner, r: newRetryer(policy, logger)}
}

func (e *retryGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	var out string
	err := e.r.do(ctx, "generate", func() error {
		var callErr error
		out, callErr = e.inner.Generate(ctx, prompt, maxTokens)
		return callErr
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

func (e *retryGenerator) Name() string { return e.inner.Name() }
