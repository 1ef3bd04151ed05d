package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/contextflow/types"
)

// flakyEmbedder 前 failUntil-1 次调用失败，之后成功
type flakyEmbedder struct {
	calls     int
	failUntil int
	err       error
}

func (f *flakyEmbedder) Embed(_ context.Context, texts []string, _ bool) ([]types.Vector, error) {
	f.calls++
	if f.calls < f.failUntil {
		return nil, f.err
	}
	out := make([]types.Vector, len(texts))
	for i := range out {
		out[i] = types.Vector{1, 0, 0}
	}
	return out, nil
}

func (f *flakyEmbedder) Dimensions() int { return 3 }
func (f *flakyEmbedder) Name() string    { return "flaky" }

func fastPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

func TestRetryEmbedder_RetryAndSuccess(t *testing.T) {
	inner := &flakyEmbedder{failUntil: 3, err: errors.New("temporary error")}
	emb := NewRetryEmbedder(inner, fastPolicy(), zap.NewNop())

	vecs, err := emb.Embed(context.Background(), []string{"a", "b"}, false)
	assert.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 3, inner.calls, "应该调用三次")
}

func TestRetryEmbedder_NonRetryableError(t *testing.T) {
	fatal := types.NewConfigurationError("bad api key")
	inner := &flakyEmbedder{failUntil: 10, err: fatal}
	emb := NewRetryEmbedder(inner, fastPolicy(), zap.NewNop())

	_, err := emb.Embed(context.Background(), []string{"a"}, true)
	assert.Error(t, err)
	assert.Equal(t, 1, inner.calls, "配置错误不应该重试")
	assert.True(t, types.IsCode(err, types.ErrConfiguration))
}

func TestRetryEmbedder_MaxRetriesExceeded(t *testing.T) {
	policy := fastPolicy()
	policy.MaxRetries = 2
	inner := &flakyEmbedder{failUntil: 10, err: errors.New("persistent error")}
	emb := NewRetryEmbedder(inner, policy, zap.NewNop())

	_, err := emb.Embed(context.Background(), []string{"a"}, false)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "重试 2 次后仍失败")
	assert.Equal(t, 3, inner.calls, "初始调用加两次重试")
}

func TestRetryEmbedder_ContextCanceled(t *testing.T) {
	policy := &RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
	inner := &flakyEmbedder{failUntil: 10, err: errors.New("error")}
	emb := NewRetryEmbedder(inner, policy, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := emb.Embed(ctx, []string{"a"}, false)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "重试被取消")
	assert.GreaterOrEqual(t, inner.calls, 1)
}

func TestRetryEmbedder_OnRetryCallback(t *testing.T) {
	policy := fastPolicy()
	callbackCount := 0
	var lastDelay time.Duration
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		callbackCount++
		lastDelay = delay
	}

	inner := &flakyEmbedder{failUntil: 3, err: errors.New("flaky")}
	emb := NewRetryEmbedder(inner, policy, zap.NewNop())

	_, err := emb.Embed(context.Background(), []string{"a"}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, callbackCount, "回调应该被调用两次")
	assert.Greater(t, lastDelay, time.Duration(0))
}

func TestRetryer_DelayCalculation(t *testing.T) {
	r := newRetryer(&RetryPolicy{
		MaxRetries:   5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}, zap.NewNop())

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, r.calculateDelay(tt.attempt))
	}
}

func TestRetryEmbedder_Passthrough(t *testing.T) {
	inner := &flakyEmbedder{failUntil: 0}
	emb := NewRetryEmbedder(inner, nil, nil)

	assert.Equal(t, 3, emb.Dimensions())
	assert.Equal(t, "flaky", emb.Name())
}

// fixedReranker 返回固定分数
type fixedReranker struct {
	calls int
	fail  int
}

func (f *fixedReranker) Rerank(_ context.Context, _ string, texts []string) ([]float64, error) {
	f.calls++
	if f.calls <= f.fail {
		return nil, errors.New("rerank backend down")
	}
	scores := make([]float64, len(texts))
	for i := range scores {
		scores[i] = 1.0 / float64(i+1)
	}
	return scores, nil
}

func (f *fixedReranker) Name() string { return "fixed" }

func TestRetryReranker_RetryAndSuccess(t *testing.T) {
	inner := &fixedReranker{fail: 1}
	rr := NewRetryReranker(inner, fastPolicy(), zap.NewNop())

	scores, err := rr.Rerank(context.Background(), "q", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, scores, 3)
	assert.Equal(t, 2, inner.calls)
}

type echoGenerator struct {
	calls int
	fail  int
}

func (g *echoGenerator) Generate(_ context.Context, prompt string, _ int) (string, error) {
	g.calls++
	if g.calls <= g.fail {
		return "", errors.New("generation backend down")
	}
	return "echo: " + prompt, nil
}

func (g *echoGenerator) Name() string { return "echo" }

func TestRetryGenerator_RetryAndSuccess(t *testing.T) {
	inner := &echoGenerator{fail: 2}
	gen := NewRetryGenerator(inner, fastPolicy(), zap.NewNop())

	out, err := gen.Generate(context.Background(), "hello", 100)
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", out)
	assert.Equal(t, 3, inner.calls)
}

func TestRateLimitEmbedder_Throttles(t *testing.T) {
	inner := &flakyEmbedder{failUntil: 0}
	limiter := rate.NewLimiter(rate.Every(30*time.Millisecond), 1)
	emb := NewRateLimitEmbedder(inner, limiter)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := emb.Embed(context.Background(), []string{"a"}, false)
		require.NoError(t, err)
	}
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond, "第三次调用前应该被限流")
}

func TestRateLimitGenerator_ContextCanceled(t *testing.T) {
	inner := &echoGenerator{}
	limiter := rate.NewLimiter(rate.Every(10*time.Second), 1)
	gen := NewRateLimitGenerator(inner, limiter)

	// 耗尽突发额度
	_, err := gen.Generate(context.Background(), "warmup", 10)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = gen.Generate(ctx, "blocked", 10)
	assert.Error(t, err)
	assert.Equal(t, 1, inner.calls, "被限流的调用不应该到达后端")
}

func TestRateLimitReranker_Passthrough(t *testing.T) {
	inner := &fixedReranker{}
	rr := NewRateLimitReranker(inner, rate.NewLimiter(rate.Inf, 1))

	scores, err := rr.Rerank(context.Background(), "q", []string{"x"})
	require.NoError(t, err)
	assert.Len(t, scores, 1)
	assert.Equal(t, "fixed", rr.Name())
}
