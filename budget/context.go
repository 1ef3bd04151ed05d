package budget

import (
	"sort"

	"go.uber.org/zap"
)

// Strategy 候选块排序策略
type Strategy string

const (
	// StrategyScore 按融合得分降序
	StrategyScore Strategy = "score"
	// StrategyPosition 按原文位置升序，保持阅读顺序
	StrategyPosition Strategy = "position"
	// StrategyBlended 0.7 得分 + 0.3 位置的混合排序
	StrategyBlended Strategy = "blended"
)

// Candidate 上下文候选块
type Candidate struct {
	Text     string  `json:"text"`
	Source   string  `json:"source"`
	Score    float64 `json:"score"`
	Position int     `json:"position"`
}

// ContextEntry 已选入上下文的条目
type ContextEntry struct {
	Text   string  `json:"text"`
	Tokens int     `json:"tokens"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// ContextWindow 组装结果。TotalTokens 不会超过预算，
// Truncated 表示有候选被截断或整体丢弃。
type ContextWindow struct {
	Entries     []ContextEntry `json:"entries"`
	TotalTokens int            `json:"total_tokens"`
	Truncated   bool           `json:"truncated"`
}

const ellipsis = "…"

// BuildContext 按策略排序候选并贪心装入预算。
// 整块装入直到放不下为止；若剩余额度不低于 MinPartialTokens，
// 将下一候选二分截断后收录，之后停止。
func (m *Manager) BuildContext(candidates []Candidate, budget TokenBudget, strategy Strategy) ContextWindow {
	window := ContextWindow{}

	available := budget.AvailableForContext
	if available <= 0 || len(candidates) == 0 {
		window.Truncated = available <= 0 && len(candidates) > 0
		return window
	}

	ordered := orderCandidates(candidates, strategy)

	used := 0
	for _, cand := range ordered {
		tokens := m.counter.Count(cand.Text)

		if used+tokens <= available {
			window.Entries = append(window.Entries, ContextEntry{
				Text:   cand.Text,
				Tokens: tokens,
				Source: cand.Source,
				Score:  cand.Score,
			})
			used += tokens
			continue
		}

		// 放不下了：剩余额度够大就截断收录，否则直接停止
		remaining := available - used
		if remaining >= m.config.MinPartialTokens {
			truncated := m.TruncateToTokens(cand.Text, remaining)
			if truncated != "" {
				partialTokens := m.counter.Count(truncated)
				window.Entries = append(window.Entries, ContextEntry{
					Text:   truncated,
					Tokens: partialTokens,
					Source: cand.Source,
					Score:  cand.Score,
				})
				used += partialTokens
			}
		}
		window.Truncated = true
		break
	}

	window.TotalTokens = used

	m.logger.Debug("context assembled",
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(window.Entries)),
		zap.Int("tokens", used),
		zap.Bool("truncated", window.Truncated))

	return window
}

// TruncateToTokens 二分查找令牌数不超过 maxTokens 的最长前缀，
// 截断时追加省略号，省略号计入上限。完整文本已满足时原样返回。
func (m *Manager) TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if m.counter.Count(text) <= maxTokens {
		return text
	}

	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if m.counter.Count(string(runes[:mid])+ellipsis) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	if lo == 0 {
		return ""
	}
	return string(runes[:lo]) + ellipsis
}

// orderCandidates 返回按策略排序的副本，不修改入参
func orderCandidates(candidates []Candidate, strategy Strategy) []Candidate {
	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)

	switch strategy {
	case StrategyPosition:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Position < ordered[j].Position
		})
	case StrategyBlended:
		blended := blendedScores(ordered)
		idx := make([]int, len(ordered))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(i, j int) bool {
			return blended[idx[i]] > blended[idx[j]]
		})
		result := make([]Candidate, len(ordered))
		for i, k := range idx {
			result[i] = ordered[k]
		}
		return result
	default:
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Score > ordered[j].Score
		})
	}

	return ordered
}

// blendedScores 计算 0.7·归一化得分 + 0.3·位置权重，与候选序一一对应。
// 位置越靠前权重越高，得分全部相同时归一化为 1.0。
func blendedScores(candidates []Candidate) []float64 {
	minScore, maxScore := candidates[0].Score, candidates[0].Score
	minPos, maxPos := candidates[0].Position, candidates[0].Position
	for _, c := range candidates[1:] {
		if c.Score < minScore {
			minScore = c.Score
		}
		if c.Score > maxScore {
			maxScore = c.Score
		}
		if c.Position < minPos {
			minPos = c.Position
		}
		if c.Position > maxPos {
			maxPos = c.Position
		}
	}

	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		normScore := 1.0
		if maxScore > minScore {
			normScore = (c.Score - minScore) / (maxScore - minScore)
		}
		posWeight := 1.0
		if maxPos > minPos {
			posWeight = 1.0 - float64(c.Position-minPos)/float64(maxPos-minPos)
		}
		scores[i] = 0.7*normScore + 0.3*posWeight
	}
	return scores
}
