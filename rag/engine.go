// 本文件实现引擎门面:索引构建与发布,检索管线编排,上下文组装.
// 索引按代(generation)整体构建后原子切换,读取方永不见到半成品.
package rag

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/contextflow/budget"
	"github.com/BaSui01/contextflow/cache"
	"github.com/BaSui01/contextflow/internal/metrics"
	"github.com/BaSui01/contextflow/internal/pool"
	"github.com/BaSui01/contextflow/provider"
	"github.com/BaSui01/contextflow/types"
)

// defaultEmbedBatchSize 索引构建时每批提交给 Embedder 的文本数。
const defaultEmbedBatchSize = 32

// maxEmbedConcurrency 并行嵌入批次的上限。
const maxEmbedConcurrency = 4

// EngineConfig 引擎聚合配置。构造后不可变，引擎不读任何进程级全局状态。
type EngineConfig struct {
	Chunking    ChunkingConfig        `json:"chunking" yaml:"chunking"`
	Retrieval   HybridRetrievalConfig `json:"retrieval" yaml:"retrieval"`
	Optimizer   OptimizerConfig       `json:"optimizer" yaml:"optimizer"`
	Ranker      RankerConfig          `json:"ranker" yaml:"ranker"`
	Compressor  CompressorConfig      `json:"compressor" yaml:"compressor"`
	Attribution AttributionConfig     `json:"attribution" yaml:"attribution"`
	Budget      budget.Config         `json:"budget" yaml:"budget"`
	Cache       cache.Config          `json:"cache" yaml:"cache"`
	Pool        pool.Config           `json:"pool" yaml:"pool"`

	// EmbedBatchSize 批量嵌入的每批文本数
	EmbedBatchSize int `json:"embed_batch_size" yaml:"embed_batch_size"`

	// MinScore 重排后丢弃候选的最低得分
	MinScore float64 `json:"min_score" yaml:"min_score"`
}

// DefaultEngineConfig 各组件默认配置的聚合
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Chunking:       DefaultChunkingConfig(),
		Retrieval:      DefaultHybridRetrievalConfig(),
		Optimizer:      DefaultOptimizerConfig(),
		Ranker:         DefaultRankerConfig(),
		Compressor:     DefaultCompressorConfig(),
		Attribution:    DefaultAttributionConfig(),
		Budget:         budget.DefaultConfig(),
		Cache:          cache.DefaultConfig(),
		Pool:           pool.DefaultConfig(),
		EmbedBatchSize: defaultEmbedBatchSize,
		MinScore:       0.0,
	}
}

// Validate 逐组件校验引擎配置，任何一项非法都在构造期失败。
func (c EngineConfig) Validate() error {
	if err := c.Chunking.Validate(); err != nil {
		return err
	}
	if err := c.Retrieval.Validate(); err != nil {
		return err
	}
	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	if err := c.Ranker.Validate(); err != nil {
		return err
	}
	if err := c.Compressor.Validate(); err != nil {
		return err
	}
	if err := c.Attribution.Validate(); err != nil {
		return err
	}
	if c.EmbedBatchSize < 0 {
		return types.NewConfigurationError("embed batch size must not be negative")
	}
	if c.MinScore < 0 {
		return types.NewConfigurationError("min score must not be negative")
	}
	return nil
}

// generation 一代已发布的索引。chunk arena、BM25 与向量存储整体构建、
// 整体替换，父子关系以 arena 下标表达，绝无指针环。
type generation struct {
	id        int64
	chunks    []types.DocumentChunk
	byID      map[string]int
	vectors   map[string]types.Vector
	bm25      *BM25Index
	store     *InMemoryVectorStore
	retriever *HybridRetriever
}

func (g *generation) lookup(chunkID string) (types.DocumentChunk, bool) {
	i, ok := g.byID[chunkID]
	if !ok {
		return types.DocumentChunk{}, false
	}
	return g.chunks[i], true
}

func (g *generation) embeddingOf(chunkID string) (types.Vector, bool) {
	vec, ok := g.vectors[chunkID]
	return vec, ok
}

// Engine 混合检索与上下文组装引擎门面。
// 所有外部能力（嵌入、重排、生成）都是注入的可选依赖，
// 缺席或故障时按既定回退降级，绝不让请求失败。
type Engine struct {
	config EngineConfig

	chunker    *Chunker
	optimizer  *QueryOptimizer
	ranker     *ChunkRanker
	compressor *ChunkCompressor
	attributor *SourceAttributor
	budget     *budget.Manager

	embedder  provider.Embedder
	reranker  provider.Reranker
	generator provider.Generator

	caches    *cache.Layered
	workers   *pool.WorkerPool
	ownsPool  bool
	ownsCache bool
	collector *metrics.Collector
	tracer    trace.Tracer
	logger    *zap.Logger

	// current 指向已发布的索引代，Store 整代替换
	current atomic.Pointer[generation]
	genSeq  atomic.Int64

	// mu 串行化索引构建，查询路径不经过该锁
	mu     sync.Mutex
	closed atomic.Bool
}

// EngineOption 引擎可选依赖
type EngineOption func(*Engine)

// WithEmbedder 注入外部嵌入能力。缺席时引擎以纯词法模式工作。
func WithEmbedder(e provider.Embedder) EngineOption {
	return func(eng *Engine) { eng.embedder = e }
}

// WithEngineReranker 注入外部重排能力。
func WithEngineReranker(r provider.Reranker) EngineOption {
	return func(eng *Engine) { eng.reranker = r }
}

// WithEngineGenerator 注入外部生成能力，供查询优化使用。
func WithEngineGenerator(g provider.Generator) EngineOption {
	return func(eng *Engine) { eng.generator = g }
}

// WithEngineCache 注入多级缓存。缺省时引擎自建纯内存缓存。
func WithEngineCache(c *cache.Layered) EngineOption {
	return func(eng *Engine) { eng.caches = c }
}

// WithEnginePool 注入共享有界工作池。缺省时引擎自建并在 Close 时关闭。
func WithEnginePool(p *pool.WorkerPool) EngineOption {
	return func(eng *Engine) { eng.workers = p }
}

// WithEngineMetrics 注入指标收集器。
func WithEngineMetrics(c *metrics.Collector) EngineOption {
	return func(eng *Engine) { eng.collector = c }
}

// WithEngineTracer 注入 OTel Tracer，为索引与检索开启分布式追踪。
func WithEngineTracer(t trace.Tracer) EngineOption {
	return func(eng *Engine) { eng.tracer = t }
}

// WithEngineLogger 注入日志器。
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(eng *Engine) {
		if l != nil {
			eng.logger = l
		}
	}
}

// NewEngine 创建引擎。配置非法时立刻失败，绝不带病启动。
func NewEngine(config EngineConfig, opts ...EngineOption) (*Engine, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	eng := &Engine{
		config: config,
		logger: zap.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("contextflow"),
	}
	for _, opt := range opts {
		opt(eng)
	}

	componentLogger := eng.logger

	chunker, err := NewChunker(config.Chunking, componentLogger)
	if err != nil {
		return nil, err
	}
	eng.chunker = chunker

	optimizer, err := NewQueryOptimizer(config.Optimizer,
		WithGenerator(eng.generator),
		WithOptimizerMetrics(eng.collector),
		WithOptimizerLogger(componentLogger))
	if err != nil {
		return nil, err
	}
	eng.optimizer = optimizer

	eng.ranker = NewChunkRanker(config.Ranker, componentLogger)
	eng.compressor = NewChunkCompressor(config.Compressor, componentLogger)

	attributor, err := NewSourceAttributor(config.Attribution, componentLogger)
	if err != nil {
		return nil, err
	}
	eng.attributor = attributor

	eng.budget = budget.NewManager(config.Budget, nil, componentLogger)

	if eng.caches == nil {
		memory := cache.NewMemoryStore(config.Cache.MaxEntries, config.Cache.EvictRatio)
		eng.caches = cache.NewLayered(memory, nil, eng.collector, componentLogger)
		eng.ownsCache = true
	}
	if eng.workers == nil {
		eng.workers = pool.New(config.Pool)
		eng.ownsPool = true
	}

	eng.logger = eng.logger.With(zap.String("component", "engine"))
	eng.logger.Info("engine created",
		zap.String("chunking", string(config.Chunking.Strategy)),
		zap.String("fusion", string(config.Retrieval.FusionMethod)),
		zap.Bool("has_embedder", eng.embedder != nil),
		zap.Bool("has_reranker", eng.reranker != nil),
		zap.Bool("has_generator", eng.generator != nil))

	return eng, nil
}

// ====== 索引构建 ======

// IndexText 便捷入口：原始文本先过分块器再进索引。
func (e *Engine) IndexText(ctx context.Context, text, sourceFile string) error {
	chunks, err := e.chunker.Chunk(text, sourceFile)
	if err != nil {
		return err
	}
	return e.IndexDocuments(ctx, chunks)
}

// IndexDocuments 吸收一批文档块并发布新一代索引。
// 新代包含既有全部块与新块，离线构建完成后才原子切换；
// 并发的 Retrieve 始终读到完整的上一代。嵌入失败时该批块
// 只进词法索引，检索降级为纯词法而不是失败。
func (e *Engine) IndexDocuments(ctx context.Context, chunks []types.DocumentChunk) error {
	if e.closed.Load() {
		return types.NewConfigurationError("engine is closed")
	}
	if len(chunks) == 0 {
		return types.NewEmptyDocumentError()
	}
	for _, chunk := range chunks {
		if strings.TrimSpace(chunk.Text) == "" {
			return types.NewEmptyDocumentError()
		}
	}

	ctx, span := e.tracer.Start(ctx, "engine.IndexDocuments",
		trace.WithAttributes(attribute.Int("chunks", len(chunks))))
	defer span.End()

	start := time.Now()

	// 构建全程持锁：同代只能有一个构建者，查询路径不经过该锁
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.current.Load()

	var arena []types.DocumentChunk
	vectors := make(map[string]types.Vector)
	if prev != nil {
		arena = append(arena, prev.chunks...)
		for id, vec := range prev.vectors {
			vectors[id] = vec
		}
	}
	arena = append(arena, chunks...)

	byID := make(map[string]int, len(arena))
	for i, chunk := range arena {
		byID[chunk.ID] = i
	}

	// 新块批量嵌入；嵌入不可用时记录降级，词法索引照常生效
	if e.embedder != nil {
		if err := e.embedChunks(ctx, chunks, vectors); err != nil {
			e.collector.RecordFallback("embedding_unavailable")
			e.logger.Warn("embedding unavailable, indexing lexical-only",
				zap.String("embedder", e.embedder.Name()),
				zap.Error(err))
		}
	}

	next := &generation{
		id:      e.genSeq.Add(1),
		chunks:  arena,
		byID:    byID,
		vectors: vectors,
		bm25:    NewBM25Index(nil, e.logger),
		store:   NewInMemoryVectorStore(e.logger),
	}
	next.bm25.AddDocuments(arena)

	var ids []string
	var vecs []types.Vector
	for _, chunk := range arena {
		if vec, ok := vectors[chunk.ID]; ok {
			ids = append(ids, chunk.ID)
			vecs = append(vecs, vec)
		}
	}
	if len(ids) > 0 {
		if err := next.store.Add(ids, vecs); err != nil {
			return err
		}
	}

	retriever, err := NewHybridRetriever(e.config.Retrieval, next.bm25, next.store, next.lookup,
		WithReranker(e.reranker),
		WithWorkerPool(e.workers),
		WithEmbeddingLookup(next.embeddingOf),
		WithRetrieverMetrics(e.collector),
		WithRetrieverLogger(e.logger))
	if err != nil {
		return err
	}
	next.retriever = retriever

	// 发布：整代原子切换
	e.current.Store(next)

	e.collector.RecordIndexBuild(len(arena), next.id, time.Since(start))
	e.logger.Info("index generation published",
		zap.Int64("generation", next.id),
		zap.Int("chunks", len(arena)),
		zap.Int("embedded", len(ids)),
		zap.Duration("elapsed", time.Since(start)))

	return nil
}

// embedChunks 分批并行嵌入新块，命中向量缓存的文本不再重复调用。
// 任何批次失败则整体返回错误，已得向量保留。
func (e *Engine) embedChunks(ctx context.Context, chunks []types.DocumentChunk, vectors map[string]types.Vector) error {
	// 先查缓存，收集未命中的块
	var pending []types.DocumentChunk
	for _, chunk := range chunks {
		key := cache.Key(cache.NamespaceEmbedding, e.embedder.Name(), false, chunk.Text)
		var vec types.Vector
		if err := e.caches.GetJSON(ctx, key, &vec); err == nil && len(vec) > 0 {
			vectors[chunk.ID] = vec
			continue
		}
		pending = append(pending, chunk)
	}
	if len(pending) == 0 {
		return nil
	}

	batchSize := e.config.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = defaultEmbedBatchSize
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxEmbedConcurrency)

	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, chunk := range batch {
				texts[i] = chunk.Text
			}

			callStart := time.Now()
			vecs, err := e.embedder.Embed(gctx, texts, false)
			if err != nil {
				e.collector.RecordProviderCall("embedder", "error", time.Since(callStart))
				return types.NewUnavailableError(types.ErrEmbeddingUnavailable, e.embedder.Name(), err)
			}
			if len(vecs) != len(batch) {
				e.collector.RecordProviderCall("embedder", "error", time.Since(callStart))
				return types.NewUnavailableError(types.ErrEmbeddingUnavailable, e.embedder.Name(), nil)
			}
			e.collector.RecordProviderCall("embedder", "ok", time.Since(callStart))

			mu.Lock()
			for i, chunk := range batch {
				vectors[chunk.ID] = vecs[i]
			}
			mu.Unlock()

			for i, chunk := range batch {
				key := cache.Key(cache.NamespaceEmbedding, e.embedder.Name(), false, chunk.Text)
				_ = e.caches.SetJSON(gctx, key, vecs[i], e.config.Cache.EmbeddingTTL)
			}
			return nil
		})
	}

	return g.Wait()
}

// ====== 检索 ======

// Retrieve 对查询执行完整混合检索：查询优化、变体嵌入、双路检索、
// 融合、可选重排与 MMR、元数据过滤，返回带 1..k 排名的结果。
// 仅在输入非法或索引未建时返回错误，外部能力故障一律降级。
func (e *Engine) Retrieve(ctx context.Context, query string, topK int, filters map[string]any) ([]types.HybridResult, error) {
	if e.closed.Load() {
		return nil, types.NewConfigurationError("engine is closed")
	}
	if strings.TrimSpace(query) == "" {
		return nil, types.NewEmptyQueryError()
	}
	gen := e.current.Load()
	if gen == nil {
		return nil, types.NewIndexNotBuiltError()
	}
	if topK <= 0 {
		topK = e.config.Retrieval.TopK
	}

	ctx, span := e.tracer.Start(ctx, "engine.Retrieve",
		trace.WithAttributes(
			attribute.Int("top_k", topK),
			attribute.Int64("generation", gen.id)))
	defer span.End()

	variants := e.optimizeQuery(ctx, query)
	e.embedVariants(ctx, variants)

	// 带过滤时扩大抓取量，过滤后再截到 topK
	fetch := topK
	if len(filters) > 0 {
		fetch = topK * 3
		if fetch < e.config.Retrieval.InitialFetch {
			fetch = e.config.Retrieval.InitialFetch
		}
	}

	results := gen.retriever.Retrieve(ctx, query, variants, fetch)

	if len(filters) > 0 {
		results = e.applyFilters(gen, results, filters)
	}
	if len(results) > topK {
		results = results[:topK]
	}
	reassignRanks(results)

	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}

// optimizeQuery 执行查询优化并缓存变体，优化失败时退回原始查询。
func (e *Engine) optimizeQuery(ctx context.Context, query string) []QueryVariant {
	key := cache.Key(cache.NamespaceQuery, string(e.config.Optimizer.Strategy), query)

	var cached []string
	if err := e.caches.GetJSON(ctx, key, &cached); err == nil && len(cached) > 0 {
		return textVariants(cached)
	}

	optimized, err := e.optimizer.Optimize(ctx, query)
	if err != nil {
		e.logger.Warn("query optimization failed, using raw query", zap.Error(err))
		return []QueryVariant{{Text: query}}
	}

	_ = e.caches.SetJSON(ctx, key, optimized.Variants, e.config.Cache.QueryTTL)
	return textVariants(optimized.Variants)
}

func textVariants(texts []string) []QueryVariant {
	variants := make([]QueryVariant, len(texts))
	for i, text := range texts {
		variants[i] = QueryVariant{Text: text}
	}
	return variants
}

// embedVariants 批量嵌入查询变体。嵌入能力缺席或失败时
// 变体保持无向量，检索退化为纯词法融合。
func (e *Engine) embedVariants(ctx context.Context, variants []QueryVariant) {
	if e.embedder == nil {
		return
	}

	var pendingIdx []int
	var pendingTexts []string
	for i := range variants {
		key := cache.Key(cache.NamespaceEmbedding, e.embedder.Name(), true, variants[i].Text)
		var vec types.Vector
		if err := e.caches.GetJSON(ctx, key, &vec); err == nil && len(vec) > 0 {
			variants[i].Embedding = vec
			continue
		}
		pendingIdx = append(pendingIdx, i)
		pendingTexts = append(pendingTexts, variants[i].Text)
	}
	if len(pendingIdx) == 0 {
		return
	}

	start := time.Now()
	vecs, err := e.embedder.Embed(ctx, pendingTexts, true)
	if err != nil || len(vecs) != len(pendingIdx) {
		e.collector.RecordProviderCall("embedder", "error", time.Since(start))
		e.collector.RecordFallback("embedding_unavailable")
		e.logger.Warn("query embedding unavailable, lexical-only retrieval",
			zap.String("embedder", e.embedder.Name()),
			zap.Error(err))
		return
	}
	e.collector.RecordProviderCall("embedder", "ok", time.Since(start))

	for j, i := range pendingIdx {
		variants[i].Embedding = vecs[j]
		key := cache.Key(cache.NamespaceEmbedding, e.embedder.Name(), true, variants[i].Text)
		_ = e.caches.SetJSON(ctx, key, vecs[j], e.config.Cache.EmbeddingTTL)
	}
}

// applyFilters 按块元数据做等值过滤。未知过滤键不排除任何结果，
// 仅在 debug 级记录。
func (e *Engine) applyFilters(gen *generation, results []types.HybridResult, filters map[string]any) []types.HybridResult {
	kept := make([]types.HybridResult, 0, len(results))
	for _, res := range results {
		chunk, ok := gen.lookup(res.ChunkID)
		if !ok {
			continue
		}
		if e.matchesFilters(chunk, filters) {
			kept = append(kept, res)
		}
	}
	return kept
}

func (e *Engine) matchesFilters(chunk types.DocumentChunk, filters map[string]any) bool {
	for key, want := range filters {
		switch key {
		case "content_type":
			if s, ok := want.(string); !ok || types.ContentType(s) != chunk.ContentType {
				return false
			}
		case "source_file":
			if s, ok := want.(string); !ok || s != chunk.SourceFile {
				return false
			}
		case "estimated_category":
			if s, ok := want.(string); !ok || s != chunk.EstimatedCategory {
				return false
			}
		case "level":
			if asInt(want) != chunk.Level {
				return false
			}
		case "has_numbers":
			if b, ok := want.(bool); !ok || b != chunk.HasNumbers {
				return false
			}
		case "has_dates":
			if b, ok := want.(bool); !ok || b != chunk.HasDates {
				return false
			}
		case "has_currency":
			if b, ok := want.(bool); !ok || b != chunk.HasCurrency {
				return false
			}
		default:
			e.logger.Debug("unknown filter key ignored", zap.String("key", key))
		}
	}
	return true
}

// asInt JSON 反序列化把数字变成 float64，两种表示都接受。
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return -1
	}
}

// ====== 上下文组装 ======

// ContextOptions 一次上下文组装的请求参数
type ContextOptions struct {
	// TopK 参与组装的候选块数，0 用检索默认值
	TopK int `json:"top_k"`

	// SectionID 非空时按报告章节模板优化查询
	SectionID string `json:"section_id,omitempty"`

	// Filters 检索的元数据过滤条件
	Filters map[string]any `json:"filters,omitempty"`

	// SystemPromptTokens 系统提示词已占用的令牌数
	SystemPromptTokens int `json:"system_prompt_tokens"`

	// ReservedResponseTokens 为模型回答预留的令牌数
	ReservedResponseTokens int `json:"reserved_response_tokens"`

	// SafetyMargin 预算安全余量，不在 [0,1) 时用配置默认值
	SafetyMargin float64 `json:"safety_margin"`

	// Strategy 候选排序策略，空串按得分降序
	Strategy budget.Strategy `json:"strategy,omitempty"`

	// Compress 压缩候选块到与查询相关的句子
	Compress bool `json:"compress"`

	// ExpandParents 层级分块时把子块命中替换为父块全文
	ExpandParents bool `json:"expand_parents"`
}

// ContextResult 组装完成的上下文与来源归因
type ContextResult struct {
	// Context 拼接后的最终上下文文本
	Context string `json:"context"`

	// Window 入选条目与令牌占用
	Window budget.ContextWindow `json:"window"`

	// Budget 本次请求的预算分解
	Budget budget.TokenBudget `json:"budget"`

	// Sources 逐条目来源归因，顺序与 Window.Entries 一致
	Sources []types.AttributedSource `json:"sources"`

	// Citations 逐来源行内引文，顺序与 Sources 一致
	Citations []string `json:"citations"`

	// Bibliography 去重后的参考文献，按首次出现顺序
	Bibliography []string `json:"bibliography"`

	// KeyPoints 各块抽取的要点句
	KeyPoints []string `json:"key_points,omitempty"`
}

// BuildContext 执行完整管线：查询优化 → 混合检索 → 重排/去重/过滤 →
// 可选父块扩展与压缩 → 令牌预算组装 → 来源归因与引文渲染。
// 结果按（查询, 参数, 索引代）缓存。
func (e *Engine) BuildContext(ctx context.Context, query string, opts ContextOptions) (*ContextResult, error) {
	if e.closed.Load() {
		return nil, types.NewConfigurationError("engine is closed")
	}
	if strings.TrimSpace(query) == "" {
		return nil, types.NewEmptyQueryError()
	}
	gen := e.current.Load()
	if gen == nil {
		return nil, types.NewIndexNotBuiltError()
	}

	ctx, span := e.tracer.Start(ctx, "engine.BuildContext",
		trace.WithAttributes(attribute.Int64("generation", gen.id)))
	defer span.End()

	resultKey := cache.Key(cache.NamespaceResult, gen.id, query, opts)
	var cached ContextResult
	if err := e.caches.GetJSON(ctx, resultKey, &cached); err == nil {
		return &cached, nil
	}

	results, err := e.retrieveForContext(ctx, gen, query, opts)
	if err != nil {
		return nil, err
	}

	// 重排、去重、最低分过滤
	results = e.ranker.Rerank(query, results)
	results = e.ranker.Deduplicate(results)
	if e.config.MinScore > 0 {
		results = e.ranker.FilterByScore(results, e.config.MinScore)
	}

	if opts.ExpandParents {
		results = e.expandParents(gen, results)
	}

	var keyPoints []string
	candidates := make([]budget.Candidate, 0, len(results))
	for i, res := range results {
		text := res.Text
		if opts.Compress {
			if compressed := e.compressor.Compress(query, text); compressed != "" {
				text = compressed
			}
			keyPoints = append(keyPoints, e.compressor.KeyPoints(query, res.Text)...)
		}

		position := i
		if chunk, ok := gen.lookup(res.ChunkID); ok {
			position = chunk.Position
		}
		candidates = append(candidates, budget.Candidate{
			Text:     text,
			Source:   res.Source,
			Score:    res.Score,
			Position: position,
		})
	}

	tokenBudget := e.budget.CalculateBudget(opts.SystemPromptTokens, opts.ReservedResponseTokens, opts.SafetyMargin)
	window := e.budget.BuildContext(candidates, tokenBudget, opts.Strategy)

	// 归因只覆盖最终入选的条目
	selected := selectedResults(results, window)
	sources := e.attributor.AttributeResults(selected, gen.lookup)
	citations := make([]string, len(sources))
	for i, src := range sources {
		citations[i] = e.attributor.RenderCitation(src, i+1)
	}

	var b strings.Builder
	for i, entry := range window.Entries {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(entry.Text)
		if i < len(citations) {
			b.WriteString(" ")
			b.WriteString(citations[i])
		}
	}

	result := &ContextResult{
		Context:      b.String(),
		Window:       window,
		Budget:       tokenBudget,
		Sources:      sources,
		Citations:    citations,
		Bibliography: e.attributor.Bibliography(sources),
		KeyPoints:    keyPoints,
	}

	_ = e.caches.SetJSON(ctx, resultKey, result, e.config.Cache.ResultTTL)

	e.logger.Debug("context built",
		zap.Int("retrieved", len(results)),
		zap.Int("selected", len(window.Entries)),
		zap.Int("tokens", window.TotalTokens),
		zap.Bool("truncated", window.Truncated))

	return result, nil
}

// retrieveForContext 章节模式用模板变体直接走检索器，
// 其余走常规 Retrieve 管线。
func (e *Engine) retrieveForContext(ctx context.Context, gen *generation, query string, opts ContextOptions) ([]types.HybridResult, error) {
	if opts.SectionID == "" {
		return e.Retrieve(ctx, query, opts.TopK, opts.Filters)
	}

	optimized, err := e.optimizer.OptimizeSection(ctx, opts.SectionID, query)
	if err != nil {
		return nil, err
	}

	variants := textVariants(optimized.Variants)
	e.embedVariants(ctx, variants)

	topK := opts.TopK
	if topK <= 0 {
		topK = e.config.Retrieval.TopK
	}
	results := gen.retriever.Retrieve(ctx, query, variants, topK)
	if len(opts.Filters) > 0 {
		results = e.applyFilters(gen, results, opts.Filters)
		reassignRanks(results)
	}
	return results, nil
}

// expandParents 把子块命中替换为父块全文，同一父块只保留首个命中。
func (e *Engine) expandParents(gen *generation, results []types.HybridResult) []types.HybridResult {
	seen := make(map[string]struct{}, len(results))
	out := make([]types.HybridResult, 0, len(results))

	for _, res := range results {
		chunk, ok := gen.lookup(res.ChunkID)
		if !ok || chunk.ParentID == "" {
			out = append(out, res)
			continue
		}
		parent, ok := gen.lookup(chunk.ParentID)
		if !ok {
			out = append(out, res)
			continue
		}
		if _, dup := seen[parent.ID]; dup {
			continue
		}
		seen[parent.ID] = struct{}{}

		res.ChunkID = parent.ID
		res.Text = parent.Text
		res.Source = parent.SourceFile
		out = append(out, res)
	}
	reassignRanks(out)
	return out
}

// selectedResults 把入选条目映射回检索结果，供归因使用。
// 预算组装可能重排或截断文本，按文本前缀匹配回原结果。
func selectedResults(results []types.HybridResult, window budget.ContextWindow) []types.HybridResult {
	selected := make([]types.HybridResult, 0, len(window.Entries))
	used := make([]bool, len(results))

	for _, entry := range window.Entries {
		for i, res := range results {
			if used[i] {
				continue
			}
			if entry.Source == res.Source && entry.Score == res.Score {
				selected = append(selected, res)
				used[i] = true
				break
			}
		}
	}
	return selected
}

// ====== 状态与生命周期 ======

// EngineStats 引擎运行状态快照
type EngineStats struct {
	IndexedChunks  int         `json:"indexed_chunks"`
	EmbeddedChunks int         `json:"embedded_chunks"`
	Generation     int64       `json:"generation"`
	Cache          cache.Stats `json:"cache"`
	Pool           pool.Stats  `json:"pool"`
}

// Stats 返回当前索引代与缓存/工作池的统计信息。
func (e *Engine) Stats() EngineStats {
	stats := EngineStats{
		Cache: e.caches.Stats(),
		Pool:  e.workers.Stats(),
	}
	if gen := e.current.Load(); gen != nil {
		stats.IndexedChunks = len(gen.chunks)
		stats.EmbeddedChunks = len(gen.vectors)
		stats.Generation = gen.id
	}
	return stats
}

// RegisterSectionTemplates 注册报告章节的查询模板。
func (e *Engine) RegisterSectionTemplates(sectionID string, templates []string) {
	e.optimizer.RegisterSectionTemplates(sectionID, templates)
}

// Close 释放引擎资源。自建的缓存与工作池随引擎关闭，
// 注入的共享实例由其所有者负责。幂等。
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	if e.ownsPool {
		e.workers.Close()
	}
	var err error
	if e.ownsCache {
		err = e.caches.Close()
	}
	e.logger.Info("engine closed")
	return err
}
