package rag

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/contextflow/internal/metrics"
	"github.com/BaSui01/contextflow/internal/pool"
	"github.com/BaSui01/contextflow/provider"
	"github.com/BaSui01/contextflow/tokenizer"
	"github.com/BaSui01/contextflow/types"
)

// FusionMethod 融合策略
type FusionMethod string

const (
	FusionRRF      FusionMethod = "rrf"      // 倒数排名融合
	FusionWeighted FusionMethod = "weighted" // 归一化加权融合
)

// mmrTokenWindow MMR 词法相似度使用的块前缀 token 数。
const mmrTokenWindow = 64

// HybridRetrievalConfig 混合检索配置
type HybridRetrievalConfig struct {
	InitialFetch int          `json:"initial_fetch" yaml:"initial_fetch"` // 每条腿的候选抓取量
	TopK         int          `json:"top_k" yaml:"top_k"`
	FusionMethod FusionMethod `json:"fusion_method" yaml:"fusion_method"`
	RRFK         int          `json:"rrf_k" yaml:"rrf_k"`

	SemanticWeight float64 `json:"semantic_weight" yaml:"semantic_weight"`
	LexicalWeight  float64 `json:"lexical_weight" yaml:"lexical_weight"`

	UseRerank      bool    `json:"use_rerank" yaml:"use_rerank"`
	RerankTopK     int     `json:"rerank_top_k" yaml:"rerank_top_k"`
	MinRerankScore float64 `json:"min_rerank_score" yaml:"min_rerank_score"`
	RerankWeight   float64 `json:"rerank_weight" yaml:"rerank_weight"`
	FusedWeight    float64 `json:"fused_weight" yaml:"fused_weight"`

	UseMMR    bool    `json:"use_mmr" yaml:"use_mmr"`
	MMRLambda float64 `json:"mmr_lambda" yaml:"mmr_lambda"`
}

// DefaultHybridRetrievalConfig 默认混合检索配置
func DefaultHybridRetrievalConfig() HybridRetrievalConfig {
	return HybridRetrievalConfig{
		InitialFetch:   30,
		TopK:           5,
		FusionMethod:   FusionRRF,
		RRFK:           60,
		SemanticWeight: 0.7,
		LexicalWeight:  0.3,
		UseRerank:      true,
		RerankTopK:     10,
		MinRerankScore: 0.0,
		RerankWeight:   0.7,
		FusedWeight:    0.3,
		UseMMR:         false,
		MMRLambda:      0.7,
	}
}

// Validate 校验混合检索配置。
func (c HybridRetrievalConfig) Validate() error {
	if c.InitialFetch <= 0 {
		return types.NewConfigurationError("initial fetch must be positive")
	}
	if c.TopK <= 0 {
		return types.NewConfigurationError("top k must be positive")
	}
	switch c.FusionMethod {
	case FusionRRF, FusionWeighted:
	default:
		return types.NewConfigurationError("unknown fusion method: " + string(c.FusionMethod))
	}
	if c.RRFK <= 0 {
		return types.NewConfigurationError("rrf k must be positive")
	}
	if c.SemanticWeight < 0 || c.LexicalWeight < 0 || c.SemanticWeight+c.LexicalWeight == 0 {
		return types.NewConfigurationError("fusion weights must be non-negative and not both zero")
	}
	if c.RerankWeight < 0 || c.FusedWeight < 0 {
		return types.NewConfigurationError("rerank weights must be non-negative")
	}
	if c.MMRLambda < 0 || c.MMRLambda > 1 {
		return types.NewConfigurationError("mmr lambda must be in [0, 1]")
	}
	return nil
}

// QueryVariant 一个查询变体。Embedding 缺失时该变体只跑词法腿。
type QueryVariant struct {
	Text      string
	Embedding types.Vector
}

// ChunkLookup 从块 id 解析块内容。检索器不拥有块 arena。
type ChunkLookup func(chunkID string) (types.DocumentChunk, bool)

// EmbeddingLookup 取块的已存向量，供 MMR 做余弦相似度。
type EmbeddingLookup func(chunkID string) (types.Vector, bool)

// HybridRetriever 混合检索器。词法与向量两条腿在共享有界池上
// 并行执行，腿失败只降级不失败，融合输出与映射遍历顺序无关。
type HybridRetriever struct {
	config    HybridRetrievalConfig
	bm25      *BM25Index
	vectors   VectorStore
	lookup    ChunkLookup
	embedding EmbeddingLookup
	analyzer  *tokenizer.Analyzer
	reranker  provider.Reranker
	workers   *pool.WorkerPool
	collector *metrics.Collector
	logger    *zap.Logger
}

// RetrieverOption 检索器可选依赖
type RetrieverOption func(*HybridRetriever)

// WithReranker 注入外部重排器。
func WithReranker(r provider.Reranker) RetrieverOption {
	return func(h *HybridRetriever) { h.reranker = r }
}

// WithWorkerPool 注入共享有界池。缺省时两条腿同步执行。
func WithWorkerPool(p *pool.WorkerPool) RetrieverOption {
	return func(h *HybridRetriever) { h.workers = p }
}

// WithEmbeddingLookup 注入块向量查询，MMR 相似度优先用余弦。
func WithEmbeddingLookup(fn EmbeddingLookup) RetrieverOption {
	return func(h *HybridRetriever) { h.embedding = fn }
}

// WithRetrieverAnalyzer 覆盖默认分析器。
func WithRetrieverAnalyzer(a *tokenizer.Analyzer) RetrieverOption {
	return func(h *HybridRetriever) { h.analyzer = a }
}

// WithRetrieverMetrics 注入指标收集器。
func WithRetrieverMetrics(c *metrics.Collector) RetrieverOption {
	return func(h *HybridRetriever) { h.collector = c }
}

// WithRetrieverLogger 注入日志器。
func WithRetrieverLogger(l *zap.Logger) RetrieverOption {
	return func(h *HybridRetriever) {
		if l != nil {
			h.logger = l.With(zap.String("component", "hybrid_retriever"))
		}
	}
}

// NewHybridRetriever 创建混合检索器。bm25、vectors、lookup 为必要依赖。
func NewHybridRetriever(config HybridRetrievalConfig, bm25 *BM25Index, vectors VectorStore, lookup ChunkLookup, opts ...RetrieverOption) (*HybridRetriever, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if bm25 == nil {
		return nil, types.NewConfigurationError("bm25 index is required")
	}
	if vectors == nil {
		return nil, types.NewConfigurationError("vector store is required")
	}
	if lookup == nil {
		return nil, types.NewConfigurationError("chunk lookup is required")
	}

	h := &HybridRetriever{
		config:   config,
		bm25:     bm25,
		vectors:  vectors,
		lookup:   lookup,
		analyzer: tokenizer.NewAnalyzer(0),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// variantLegs 单个查询变体两条腿的结果。
type variantLegs struct {
	lexical []LexicalHit
	vector  []VectorHit
}

// fusedCandidate 融合后的候选。
type fusedCandidate struct {
	chunkID  string
	score    float64
	semantic float64 // 最佳原始余弦相似度
	lexical  float64 // 最佳原始 BM25 得分
	rerank   float64
	reranked bool
}

// Retrieve 对全部查询变体执行混合检索，融合、可选重排与 MMR 后
// 返回带 1..k 排名的结果。取消发生在融合途中时返回已得结果而非错误。
func (h *HybridRetriever) Retrieve(ctx context.Context, query string, variants []QueryVariant, topK int) []types.HybridResult {
	start := time.Now()
	if topK <= 0 {
		topK = h.config.TopK
	}
	if len(variants) == 0 {
		variants = []QueryVariant{{Text: query}}
	}

	fetch := h.config.InitialFetch
	if fetch < topK {
		fetch = topK
	}

	allLegs := h.runVariants(ctx, variants, fetch)

	candidates := h.fuse(allLegs)
	if len(candidates) == 0 {
		h.collector.RecordRetrieval(h.mode(variants), "empty", time.Since(start), 0)
		return nil
	}

	if h.config.UseRerank && h.reranker != nil {
		candidates = h.applyRerank(ctx, query, candidates)
	}

	if h.config.UseMMR {
		candidates = h.applyMMR(candidates, topK)
	} else if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	results := make([]types.HybridResult, 0, len(candidates))
	for i, c := range candidates {
		result := types.HybridResult{
			ChunkID:       c.chunkID,
			Score:         c.score,
			SemanticScore: c.semantic,
			LexicalScore:  c.lexical,
			Rank:          i + 1,
		}
		if chunk, ok := h.lookup(c.chunkID); ok {
			result.Text = chunk.Text
			result.Source = chunk.SourceFile
		}
		if c.reranked {
			v := c.rerank
			result.RerankScore = &v
		}
		results = append(results, result)
	}

	h.collector.RecordRetrieval(h.mode(variants), "ok", time.Since(start), len(results))
	h.logger.Debug("hybrid retrieval completed",
		zap.Int("variants", len(variants)),
		zap.Int("candidates", len(candidates)),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", time.Since(start)))

	return results
}

func (h *HybridRetriever) mode(variants []QueryVariant) string {
	for _, v := range variants {
		if len(v.Embedding) > 0 {
			return "hybrid"
		}
	}
	return "lexical"
}

// runVariants 变体级并行：每个变体一个 goroutine 收集自身两条腿，
// 全部结果都要收集，任何失败都不提前终止其余变体。
func (h *HybridRetriever) runVariants(ctx context.Context, variants []QueryVariant, fetch int) []variantLegs {
	allLegs := make([]variantLegs, len(variants))

	g, gctx := errgroup.WithContext(ctx)
	for i, v := range variants {
		i, v := i, v
		g.Go(func() error {
			allLegs[i] = h.runLegs(gctx, v, fetch)
			return nil // 自行收集全部结果，不让 errgroup 提前终止
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		h.logger.Debug("retrieval cancelled mid-flight, fusing partial legs",
			zap.Int("variants", len(variants)))
	}
	return allLegs
}

// runLegs 在共享有界池上并行执行一个变体的词法腿与向量腿。
// 任一条腿失败时记录降级并带着另一条腿的结果继续。
func (h *HybridRetriever) runLegs(ctx context.Context, v QueryVariant, fetch int) variantLegs {
	var legs variantLegs

	lexTask := func(ctx context.Context) error {
		legs.lexical = h.bm25.Search(v.Text, fetch)
		return nil
	}
	vecTask := func(ctx context.Context) error {
		if len(v.Embedding) == 0 {
			return nil
		}
		legs.vector = h.vectors.Query(v.Embedding, fetch)
		return nil
	}

	if h.workers == nil {
		_ = lexTask(ctx)
		_ = vecTask(ctx)
		return legs
	}

	if err := h.workers.Run(ctx, lexTask, vecTask); err != nil {
		h.collector.RecordFallback("leg_degraded")
		h.logger.Warn("retrieval leg degraded", zap.Error(err))
	}
	return legs
}

// candidateSet 以首次出现顺序收集候选，杜绝映射遍历顺序依赖。
type candidateSet struct {
	index map[string]int
	cands []fusedCandidate
}

func newCandidateSet() *candidateSet {
	return &candidateSet{index: make(map[string]int)}
}

func (s *candidateSet) ensure(chunkID string) int {
	if i, ok := s.index[chunkID]; ok {
		return i
	}
	i := len(s.cands)
	s.index[chunkID] = i
	s.cands = append(s.cands, fusedCandidate{chunkID: chunkID})
	return i
}

func (h *HybridRetriever) fuse(allLegs []variantLegs) []fusedCandidate {
	var cands []fusedCandidate
	if h.config.FusionMethod == FusionWeighted {
		cands = h.fuseWeighted(allLegs)
	} else {
		cands = h.fuseRRF(allLegs)
	}

	// 得分降序；稳定排序保证同分候选保持首次出现顺序
	sort.SliceStable(cands, func(a, b int) bool {
		return cands[a].score > cands[b].score
	})
	return cands
}

// fuseRRF 倒数排名融合：每条排名列表贡献 1/(k+rank)，缺席贡献 0。
func (h *HybridRetriever) fuseRRF(allLegs []variantLegs) []fusedCandidate {
	set := newCandidateSet()
	k := float64(h.config.RRFK)

	for _, legs := range allLegs {
		for rank, hit := range legs.lexical {
			i := set.ensure(hit.ChunkID)
			set.cands[i].score += 1 / (k + float64(rank+1))
			if hit.Score > set.cands[i].lexical {
				set.cands[i].lexical = hit.Score
			}
		}
		for rank, hit := range legs.vector {
			i := set.ensure(hit.ChunkID)
			set.cands[i].score += 1 / (k + float64(rank+1))
			if sim := hit.Similarity(); sim > set.cands[i].semantic {
				set.cands[i].semantic = sim
			}
		}
	}
	return set.cands
}

// fuseWeighted 归一化加权融合：每条腿先 min-max 归一到 [0,1]
//（全部相等时归一为 1.0），再按语义/词法权重线性组合，缺席为 0。
// 多变体命中同一块时取该腿的最好归一化得分。
func (h *HybridRetriever) fuseWeighted(allLegs []variantLegs) []fusedCandidate {
	set := newCandidateSet()
	semNorm := make(map[int]float64)
	lexNorm := make(map[int]float64)

	for _, legs := range allLegs {
		if len(legs.lexical) > 0 {
			raw := make([]float64, len(legs.lexical))
			for i, hit := range legs.lexical {
				raw[i] = hit.Score
			}
			norm := normalizeValues(raw)
			for i, hit := range legs.lexical {
				idx := set.ensure(hit.ChunkID)
				if norm[i] > lexNorm[idx] {
					lexNorm[idx] = norm[i]
				}
				if hit.Score > set.cands[idx].lexical {
					set.cands[idx].lexical = hit.Score
				}
			}
		}
		if len(legs.vector) > 0 {
			raw := make([]float64, len(legs.vector))
			for i, hit := range legs.vector {
				raw[i] = hit.Similarity()
			}
			norm := normalizeValues(raw)
			for i, hit := range legs.vector {
				idx := set.ensure(hit.ChunkID)
				if norm[i] > semNorm[idx] {
					semNorm[idx] = norm[i]
				}
				if sim := hit.Similarity(); sim > set.cands[idx].semantic {
					set.cands[idx].semantic = sim
				}
			}
		}
	}

	for i := range set.cands {
		set.cands[i].score = h.config.SemanticWeight*semNorm[i] + h.config.LexicalWeight*lexNorm[i]
	}
	return set.cands
}

// normalizeValues min-max 归一到 [0,1]，全部相等时归一为 1.0。
func normalizeValues(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	minV, maxV := values[0], values[0]
	for _, v := range values[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	out := make([]float64, len(values))
	if maxV == minV {
		for i := range out {
			out[i] = 1.0
		}
		return out
	}
	for i, v := range values {
		out[i] = (v - minV) / (maxV - minV)
	}
	return out
}

// applyRerank 对融合后前 RerankTopK 个候选做交叉编码重排。
// 组合得分 = RerankWeight·rerank + FusedWeight·fused；
// 重排得分低于 MinRerankScore 的候选被丢弃。
// 重排器不可用时保持融合顺序原样返回，绝不让请求失败。
func (h *HybridRetriever) applyRerank(ctx context.Context, query string, candidates []fusedCandidate) []fusedCandidate {
	topN := h.config.RerankTopK
	if topN <= 0 || topN > len(candidates) {
		topN = len(candidates)
	}
	head, tail := candidates[:topN], candidates[topN:]

	texts := make([]string, len(head))
	for i, c := range head {
		if chunk, ok := h.lookup(c.chunkID); ok {
			texts[i] = chunk.Text
		}
	}

	start := time.Now()
	scores, err := h.reranker.Rerank(ctx, query, texts)
	if err != nil || len(scores) != len(head) {
		if err == nil {
			err = fmt.Errorf("reranker returned %d scores for %d texts", len(scores), len(head))
		}
		h.collector.RecordProviderCall("reranker", "error", time.Since(start))
		h.collector.RecordFallback("rerank_unavailable")
		h.logger.Warn("rerank unavailable, keeping fused order",
			zap.String("reranker", h.reranker.Name()),
			zap.Error(err))
		return candidates
	}
	h.collector.RecordProviderCall("reranker", "ok", time.Since(start))

	rescored := make([]fusedCandidate, 0, len(head))
	for i, c := range head {
		if scores[i] < h.config.MinRerankScore {
			continue
		}
		c.rerank = scores[i]
		c.reranked = true
		c.score = h.config.RerankWeight*scores[i] + h.config.FusedWeight*c.score
		rescored = append(rescored, c)
	}
	sort.SliceStable(rescored, func(a, b int) bool {
		return rescored[a].score > rescored[b].score
	})

	return append(rescored, tail...)
}

// applyMMR 最大边际相关性选择：迭代选出
// λ·relevance − (1−λ)·maxSim 最大的候选，直到取满 topK。
// 相关性为候选得分的 min-max 归一；相似度在双方向量可得时用余弦，
// 否则用块前缀 token 集合的 Jaccard。
func (h *HybridRetriever) applyMMR(candidates []fusedCandidate, topK int) []fusedCandidate {
	if len(candidates) <= 1 || topK <= 0 {
		if len(candidates) > topK {
			return candidates[:topK]
		}
		return candidates
	}

	raw := make([]float64, len(candidates))
	for i, c := range candidates {
		raw[i] = c.score
	}
	rel := normalizeValues(raw)

	// 预计算词法相似度用的 token 集合
	tokens := make([][]string, len(candidates))
	for i, c := range candidates {
		if chunk, ok := h.lookup(c.chunkID); ok {
			toks := h.analyzer.Tokenize(chunk.Text)
			if len(toks) > mmrTokenWindow {
				toks = toks[:mmrTokenWindow]
			}
			tokens[i] = toks
		}
	}

	lambda := h.config.MMRLambda
	selected := make([]int, 0, topK)
	remaining := make([]int, len(candidates))
	for i := range remaining {
		remaining[i] = i
	}

	for len(selected) < topK && len(remaining) > 0 {
		bestPos, bestVal := -1, 0.0
		for pos, ci := range remaining {
			maxSim := 0.0
			for _, si := range selected {
				if sim := h.candidateSimilarity(candidates, tokens, ci, si); sim > maxSim {
					maxSim = sim
				}
			}
			val := lambda*rel[ci] - (1-lambda)*maxSim
			// 严格大于：同值时保留先出现的候选
			if bestPos == -1 || val > bestVal {
				bestPos, bestVal = pos, val
			}
		}
		selected = append(selected, remaining[bestPos])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}

	out := make([]fusedCandidate, 0, len(selected))
	for _, idx := range selected {
		out = append(out, candidates[idx])
	}
	return out
}

func (h *HybridRetriever) candidateSimilarity(candidates []fusedCandidate, tokens [][]string, a, b int) float64 {
	if h.embedding != nil {
		va, okA := h.embedding(candidates[a].chunkID)
		vb, okB := h.embedding(candidates[b].chunkID)
		if okA && okB {
			return cosineSimilarity(va, vb)
		}
	}
	return tokenJaccard(tokens[a], tokens[b])
}
