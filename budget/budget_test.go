package budget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// wordsOfTokens 构造启发式计数下恰为 1.5·n 个令牌的文本
func wordsOfTokens(nWords int) string {
	return strings.TrimSpace(strings.Repeat("word ", nWords))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(DefaultConfig(), nil, zap.NewNop())
}

func TestCalculateBudget(t *testing.T) {
	m := newTestManager(t)

	b := m.CalculateBudget(500, 1000, 0.1)

	assert.Equal(t, 7372, b.TotalAvailable, "8192 * 0.9 向下取整")
	assert.Equal(t, 500, b.ReservedForSystem)
	assert.Equal(t, 1000, b.ReservedForResponse)
	assert.Equal(t, 5872, b.AvailableForContext)
}

func TestCalculateBudget_ClampsToZero(t *testing.T) {
	m := newTestManager(t)

	b := m.CalculateBudget(10000, 1000, 0.1)
	assert.Equal(t, 0, b.AvailableForContext, "预算不足时钳制为 0 而不是负数")
}

func TestCalculateBudget_InvalidMarginUsesDefault(t *testing.T) {
	m := newTestManager(t)

	b := m.CalculateBudget(0, 0, -0.5)
	assert.Equal(t, 7372, b.TotalAvailable, "非法余量应回退到配置默认值")

	b = m.CalculateBudget(0, 0, 1.5)
	assert.Equal(t, 7372, b.TotalAvailable)
}

func TestCountTokens(t *testing.T) {
	m := newTestManager(t)

	// 40 词，启发式计数 40 * 1.5 = 60
	assert.Equal(t, 60, m.CountTokens(wordsOfTokens(40)))
	assert.Equal(t, 0, m.CountTokens(""))
}

func TestBuildContext_GreedyStopsAtFirstMisfit(t *testing.T) {
	m := newTestManager(t)

	// 三个 60 令牌的候选块，预算 100：装入第一块后剩 40，
	// 低于最小截断额度，直接停止
	chunk := wordsOfTokens(40)
	candidates := []Candidate{
		{Text: chunk, Source: "a.md", Score: 0.9, Position: 0},
		{Text: chunk, Source: "b.md", Score: 0.8, Position: 1},
		{Text: chunk, Source: "c.md", Score: 0.7, Position: 2},
	}
	budget := TokenBudget{AvailableForContext: 100}

	window := m.BuildContext(candidates, budget, StrategyScore)

	require.Len(t, window.Entries, 1)
	assert.Equal(t, "a.md", window.Entries[0].Source)
	assert.Equal(t, 60, window.TotalTokens)
	assert.True(t, window.Truncated)
}

func TestBuildContext_AllFit(t *testing.T) {
	m := newTestManager(t)

	chunk := wordsOfTokens(40)
	candidates := []Candidate{
		{Text: chunk, Score: 0.9, Position: 0},
		{Text: chunk, Score: 0.8, Position: 1},
	}
	budget := TokenBudget{AvailableForContext: 200}

	window := m.BuildContext(candidates, budget, StrategyScore)

	assert.Len(t, window.Entries, 2)
	assert.Equal(t, 120, window.TotalTokens)
	assert.False(t, window.Truncated, "全部装入时不标记截断")
}

func TestBuildContext_PartialInclusion(t *testing.T) {
	m := newTestManager(t)

	// 两个 150 令牌的块，预算 250：第一块整块装入，
	// 剩余 100 达到截断门槛，第二块二分截断后收录
	chunk := wordsOfTokens(100)
	candidates := []Candidate{
		{Text: chunk, Source: "a.md", Score: 0.9, Position: 0},
		{Text: chunk, Source: "b.md", Score: 0.8, Position: 1},
	}
	budget := TokenBudget{AvailableForContext: 250}

	window := m.BuildContext(candidates, budget, StrategyScore)

	require.Len(t, window.Entries, 2)
	assert.True(t, window.Truncated)
	assert.LessOrEqual(t, window.TotalTokens, 250, "总令牌数不得超预算")
	assert.Less(t, window.Entries[1].Tokens, 150, "第二块应被截断")
	assert.True(t, strings.HasSuffix(window.Entries[1].Text, ellipsis))
}

func TestBuildContext_EmptyInputs(t *testing.T) {
	m := newTestManager(t)

	window := m.BuildContext(nil, TokenBudget{AvailableForContext: 100}, StrategyScore)
	assert.Empty(t, window.Entries)
	assert.False(t, window.Truncated)

	window = m.BuildContext([]Candidate{{Text: "x", Score: 1}}, TokenBudget{}, StrategyScore)
	assert.Empty(t, window.Entries)
	assert.True(t, window.Truncated, "预算为零但有候选时视为截断")
}

func TestBuildContext_ScoreOrdering(t *testing.T) {
	m := newTestManager(t)

	candidates := []Candidate{
		{Text: "low", Source: "b", Score: 0.5, Position: 1},
		{Text: "high", Source: "a", Score: 0.9, Position: 3},
		{Text: "mid", Source: "c", Score: 0.7, Position: 2},
	}
	budget := TokenBudget{AvailableForContext: 1000}

	window := m.BuildContext(candidates, budget, StrategyScore)

	require.Len(t, window.Entries, 3)
	assert.Equal(t, "a", window.Entries[0].Source)
	assert.Equal(t, "c", window.Entries[1].Source)
	assert.Equal(t, "b", window.Entries[2].Source)
}

func TestBuildContext_PositionOrdering(t *testing.T) {
	m := newTestManager(t)

	candidates := []Candidate{
		{Text: "x", Source: "late", Score: 0.9, Position: 7},
		{Text: "x", Source: "early", Score: 0.1, Position: 0},
		{Text: "x", Source: "middle", Score: 0.5, Position: 3},
	}
	budget := TokenBudget{AvailableForContext: 1000}

	window := m.BuildContext(candidates, budget, StrategyPosition)

	require.Len(t, window.Entries, 3)
	assert.Equal(t, "early", window.Entries[0].Source)
	assert.Equal(t, "middle", window.Entries[1].Source)
	assert.Equal(t, "late", window.Entries[2].Source)
}

func TestBuildContext_BlendedOrdering(t *testing.T) {
	m := newTestManager(t)

	// B 的得分略低于 A，但位置在最前：混合权重下 B 应排第一
	candidates := []Candidate{
		{Text: "x", Source: "A", Score: 0.9, Position: 9},
		{Text: "x", Source: "B", Score: 0.8, Position: 0},
		{Text: "x", Source: "C", Score: 0.1, Position: 5},
	}
	budget := TokenBudget{AvailableForContext: 1000}

	window := m.BuildContext(candidates, budget, StrategyBlended)

	require.Len(t, window.Entries, 3)
	assert.Equal(t, "B", window.Entries[0].Source)
	assert.Equal(t, "A", window.Entries[1].Source)
	assert.Equal(t, "C", window.Entries[2].Source)
}

func TestTruncateToTokens(t *testing.T) {
	m := newTestManager(t)

	text := wordsOfTokens(100) // 150 令牌

	assert.Equal(t, text, m.TruncateToTokens(text, 150), "已在限额内的文本原样返回")
	assert.Equal(t, text, m.TruncateToTokens(text, 1000))

	out := m.TruncateToTokens(text, 30)
	assert.NotEmpty(t, out)
	assert.True(t, strings.HasSuffix(out, ellipsis))
	assert.LessOrEqual(t, m.CountTokens(out), 30)

	assert.Equal(t, "", m.TruncateToTokens(text, 0))
	assert.Equal(t, "", m.TruncateToTokens(text, -5))
}

func TestTruncateToTokens_RuneSafe(t *testing.T) {
	m := newTestManager(t)

	// 多字节文本截断后必须仍是合法 UTF-8
	text := strings.Repeat("营收 增长 市场 ", 60)
	out := m.TruncateToTokens(text, 20)

	assert.True(t, len(out) == 0 || strings.HasSuffix(out, ellipsis))
	for _, r := range out {
		assert.NotEqual(t, '�', r, "截断不得产生乱码")
	}
}
