package rag

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/contextflow/tokenizer"
	"github.com/BaSui01/contextflow/types"
)

// RankerConfig 块重排/去重配置
type RankerConfig struct {
	KeywordWeight  float64 `json:"keyword_weight" yaml:"keyword_weight"`   // 关键词重合权重
	ScoreWeight    float64 `json:"score_weight" yaml:"score_weight"`       // 既有得分权重
	DedupThreshold float64 `json:"dedup_threshold" yaml:"dedup_threshold"` // 文本相似度去重阈值
}

// DefaultRankerConfig 默认块重排配置
func DefaultRankerConfig() RankerConfig {
	return RankerConfig{
		KeywordWeight:  0.4,
		ScoreWeight:    0.6,
		DedupThreshold: 0.8,
	}
}

// Validate 校验块重排配置。
func (c RankerConfig) Validate() error {
	if c.KeywordWeight < 0 || c.ScoreWeight < 0 {
		return types.NewConfigurationError("ranker weights must be non-negative")
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		return types.NewConfigurationError("dedup threshold must be in (0, 1]")
	}
	return nil
}

// ChunkRanker 候选块的二次打分、去重与过滤。
type ChunkRanker struct {
	config   RankerConfig
	analyzer *tokenizer.Analyzer
	logger   *zap.Logger
}

// NewChunkRanker 创建块重排器。
func NewChunkRanker(config RankerConfig, logger *zap.Logger) *ChunkRanker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChunkRanker{
		config:   config,
		analyzer: tokenizer.NewAnalyzer(0),
		logger:   logger.With(zap.String("component", "chunk_ranker")),
	}
}

// Rerank 用查询关键词重合度混合既有得分重新打分并排序。
// 混合得分 = KeywordWeight·overlap + ScoreWeight·existing，
// 排序稳定，重排后重新编排名。
func (r *ChunkRanker) Rerank(query string, results []types.HybridResult) []types.HybridResult {
	if len(results) == 0 {
		return results
	}
	queryTokens := r.analyzer.Tokenize(query)

	out := make([]types.HybridResult, len(results))
	copy(out, results)
	for i := range out {
		overlap := tokenOverlap(queryTokens, r.analyzer.Tokenize(out[i].Text))
		out[i].Score = r.config.KeywordWeight*overlap + r.config.ScoreWeight*out[i].Score
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].Score > out[b].Score
	})
	reassignRanks(out)
	return out
}

// Deduplicate 去掉与更靠前候选文本相似度超过阈值的块，保留首个出现。
// 幂等：对自身输出再跑一遍不再收缩。
func (r *ChunkRanker) Deduplicate(results []types.HybridResult) []types.HybridResult {
	if len(results) <= 1 {
		return results
	}

	tokens := make([][]string, len(results))
	for i := range results {
		tokens[i] = r.analyzer.Tokenize(results[i].Text)
	}

	kept := make([]types.HybridResult, 0, len(results))
	keptTokens := make([][]string, 0, len(results))
	for i := range results {
		duplicate := false
		for j := range keptTokens {
			if tokenJaccard(tokens[i], keptTokens[j]) >= r.config.DedupThreshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept = append(kept, results[i])
		keptTokens = append(keptTokens, tokens[i])
	}

	if dropped := len(results) - len(kept); dropped > 0 {
		r.logger.Debug("deduplicated chunks", zap.Int("dropped", dropped), zap.Int("kept", len(kept)))
	}
	reassignRanks(kept)
	return kept
}

// FilterByScore 去掉得分低于 minScore 的候选。
func (r *ChunkRanker) FilterByScore(results []types.HybridResult, minScore float64) []types.HybridResult {
	kept := make([]types.HybridResult, 0, len(results))
	for _, res := range results {
		if res.Score >= minScore {
			kept = append(kept, res)
		}
	}
	reassignRanks(kept)
	return kept
}

func reassignRanks(results []types.HybridResult) {
	for i := range results {
		results[i].Rank = i + 1
	}
}

// CompressorConfig 块压缩配置
type CompressorConfig struct {
	SentenceThreshold float64 `json:"sentence_threshold" yaml:"sentence_threshold"` // 句子相关度阈值
	FallbackChars     int     `json:"fallback_chars" yaml:"fallback_chars"`         // 无句子达标时保留的前缀字符数
	MaxKeyPoints      int     `json:"max_key_points" yaml:"max_key_points"`
}

// DefaultCompressorConfig 默认块压缩配置
func DefaultCompressorConfig() CompressorConfig {
	return CompressorConfig{
		SentenceThreshold: 0.3,
		FallbackChars:     300,
		MaxKeyPoints:      5,
	}
}

// Validate 校验块压缩配置。
func (c CompressorConfig) Validate() error {
	if c.SentenceThreshold < 0 || c.SentenceThreshold > 1 {
		return types.NewConfigurationError("sentence threshold must be in [0, 1]")
	}
	if c.FallbackChars <= 0 {
		return types.NewConfigurationError("fallback chars must be positive")
	}
	if c.MaxKeyPoints <= 0 {
		return types.NewConfigurationError("max key points must be positive")
	}
	return nil
}

// ChunkCompressor 把块文本压缩到与查询相关的句子跨度。
type ChunkCompressor struct {
	config   CompressorConfig
	analyzer *tokenizer.Analyzer
	logger   *zap.Logger
}

// NewChunkCompressor 创建块压缩器。
func NewChunkCompressor(config CompressorConfig, logger *zap.Logger) *ChunkCompressor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChunkCompressor{
		config:   config,
		analyzer: tokenizer.NewAnalyzer(0),
		logger:   logger.With(zap.String("component", "chunk_compressor")),
	}
}

// Compress 保留相关度超过阈值的句子，按原文顺序拼接。
// 句子相关度 = 0.5·Jaccard(句子,查询) + 0.5·关键词覆盖率。
// 没有句子达标时退回文本前 FallbackChars 个字符。
func (c *ChunkCompressor) Compress(query, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	queryTokens := c.analyzer.Tokenize(query)
	sentences := splitSentences(text)

	var kept []string
	for _, sentence := range sentences {
		if c.sentenceRelevance(queryTokens, sentence) > c.config.SentenceThreshold {
			kept = append(kept, sentence)
		}
	}
	if len(kept) > 0 {
		return strings.Join(kept, " ")
	}

	runes := []rune(text)
	if len(runes) <= c.config.FallbackChars {
		return text
	}
	return strings.TrimSpace(string(runes[:c.config.FallbackChars]))
}

// KeyPoints 抽取至多 MaxKeyPoints 个要点句：含数字/统计，
// 或含不少于 2 个查询关键词。按原文顺序返回。
func (c *ChunkCompressor) KeyPoints(query, text string) []string {
	queryTokens := c.analyzer.Tokenize(query)
	querySet := tokenSet(queryTokens)

	var points []string
	for _, sentence := range splitSentences(text) {
		if len(points) >= c.config.MaxKeyPoints {
			break
		}
		if numberPattern.MatchString(sentence) || percentPattern.MatchString(sentence) {
			points = append(points, sentence)
			continue
		}
		matched := 0
		for _, tok := range c.analyzer.Tokenize(sentence) {
			if _, ok := querySet[tok]; ok {
				matched++
				if matched >= 2 {
					break
				}
			}
		}
		if matched >= 2 {
			points = append(points, sentence)
		}
	}
	return points
}

func (c *ChunkCompressor) sentenceRelevance(queryTokens []string, sentence string) float64 {
	sentTokens := c.analyzer.Tokenize(sentence)
	return 0.5*tokenJaccard(queryTokens, sentTokens) + 0.5*tokenOverlap(queryTokens, sentTokens)
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		set[tok] = struct{}{}
	}
	return set
}

// tokenJaccard 两个 token 集合的 Jaccard 相似度：交集除以并集。
func tokenJaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA, setB := tokenSet(a), tokenSet(b)
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// tokenOverlap 重合系数：交集除以较小集合的大小。
// 查询远短于文本时即关键词覆盖率。
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA, setB := tokenSet(a), tokenSet(b)
	small, large := setA, setB
	if len(setB) < len(setA) {
		small, large = setB, setA
	}
	inter := 0
	for tok := range small {
		if _, ok := large[tok]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(small))
}
