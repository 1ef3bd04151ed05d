// 本文件实现查询优化:扩展,多重改写,分解,假设答案与章节模板等策略.
// 生成能力缺席时每个策略都退回规则路径或原始查询,绝不让请求失败.
package rag

import (
	"fmt"
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/contextflow/internal/metrics"
	"github.com/BaSui01/contextflow/provider"
	"github.com/BaSui01/contextflow/tokenizer"
	"github.com/BaSui01/contextflow/types"
)

// OptimizationStrategy 查询优化策略
type OptimizationStrategy string

const (
	StrategyAuto          OptimizationStrategy = "auto"          // 按查询形态自动挑选
	StrategyExpansion     OptimizationStrategy = "expansion"     // 固定同义词词典扩展
	StrategyMultiQuery    OptimizationStrategy = "multi_query"   // 生成模型多重改写
	StrategyDecomposition OptimizationStrategy = "decomposition" // 连词/逗号分解子查询
	StrategyHyDE          OptimizationStrategy = "hyde"          // 用假设答案代替原查询
	StrategySection       OptimizationStrategy = "section"       // 章节模板查询
)

// 自动策略的词数阈值
const (
	autoShortQueryWords = 4
	autoLongQueryWords  = 10
)

// multiQueryMaxTokens 多重改写的生成上限。
const multiQueryMaxTokens = 256

// maxSectionTemplates 每个章节最多保留的预写模板数。
const maxSectionTemplates = 4

// queryNumberingPattern 剥掉模型输出行首的编号。
var queryNumberingPattern = regexp.MustCompile(`^\d+[\.\)]\s*`)

// OptimizerConfig 查询优化配置
type OptimizerConfig struct {
	Strategy        OptimizationStrategy `json:"strategy" yaml:"strategy"`
	MaxVariants     int                  `json:"max_variants" yaml:"max_variants"`           // 变体总数上限,含原始查询
	MultiQueryCount int                  `json:"multi_query_count" yaml:"multi_query_count"` // 改写条数
	HyDEMaxWords    int                  `json:"hyde_max_words" yaml:"hyde_max_words"`       // 假设答案目标词数
	MinSubQueryLen  int                  `json:"min_sub_query_len" yaml:"min_sub_query_len"` // 子查询最短字符数
}

// DefaultOptimizerConfig 默认查询优化配置
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		Strategy:        StrategyAuto,
		MaxVariants:     5,
		MultiQueryCount: 3,
		HyDEMaxWords:    150,
		MinSubQueryLen:  5,
	}
}

// Validate 校验查询优化配置。
func (c OptimizerConfig) Validate() error {
	switch c.Strategy {
	case StrategyAuto, StrategyExpansion, StrategyMultiQuery,
		StrategyDecomposition, StrategyHyDE, StrategySection:
	default:
		return types.NewConfigurationError("unknown optimization strategy: " + string(c.Strategy))
	}
	if c.MaxVariants <= 0 {
		return types.NewConfigurationError("max variants must be positive")
	}
	if c.MultiQueryCount <= 0 {
		return types.NewConfigurationError("multi query count must be positive")
	}
	if c.HyDEMaxWords <= 0 {
		return types.NewConfigurationError("hyde max words must be positive")
	}
	if c.MinSubQueryLen <= 0 {
		return types.NewConfigurationError("min sub query length must be positive")
	}
	return nil
}

// OptimizedQuery 一次查询优化的结果
type OptimizedQuery struct {
	Original string               `json:"original"`
	Variants []string             `json:"variants"`
	Strategy OptimizationStrategy `json:"strategy"` // auto 解析后的实际策略
	Keywords []string             `json:"keywords,omitempty"`
	HyDEText string               `json:"hyde_text,omitempty"` // hyde 策略的假设答案
}

// synonymTable 固定领域同义词词典,扩展策略逐词替换。
var synonymTable = map[string][]string{
	"how":        {"method", "approach"},
	"why":        {"reason", "cause"},
	"best":       {"top", "optimal"},
	"difference": {"comparison", "contrast"},
	"example":    {"instance", "sample"},
	"explain":    {"describe", "clarify"},
	"problem":    {"issue", "challenge"},
	"market":     {"industry", "sector"},
	"growth":     {"increase", "expansion"},
	"decline":    {"decrease", "drop"},
	"revenue":    {"income", "earnings"},
	"forecast":   {"outlook", "projection"},
	"trend":      {"pattern", "trajectory"},
	"price":      {"cost", "pricing"},
	"customer":   {"client", "consumer"},
	"company":    {"firm", "business"},
	"risk":       {"threat", "exposure"},
	"strategy":   {"approach", "plan"},
}

// defaultSectionTemplates 已知报告章节的预写查询模板,%s 处填入主题。
var defaultSectionTemplates = map[string][]string{
	"executive_summary": {
		"key findings and conclusions about %s",
		"main recommendations for %s",
	},
	"market_analysis": {
		"market size and growth trends for %s",
		"%s market segmentation and demand drivers",
		"competitive dynamics in the %s market",
	},
	"competitive_landscape": {
		"major competitors and market share in %s",
		"competitive advantages and positioning in %s",
	},
	"financial_overview": {
		"revenue, profitability and financial performance of %s",
		"%s financial forecasts and projections",
	},
	"risk_assessment": {
		"key risks and challenges facing %s",
		"regulatory and operational risks in %s",
	},
}

// QueryOptimizer 把一个查询变成若干检索变体。
// 无状态,可安全并发调用;优化结果的缓存由引擎层负责。
type QueryOptimizer struct {
	config    OptimizerConfig
	generator provider.Generator
	analyzer  *tokenizer.Analyzer
	collector *metrics.Collector
	logger    *zap.Logger

	mu       sync.RWMutex
	sections map[string][]string
}

// OptimizerOption 优化器可选依赖
type OptimizerOption func(*QueryOptimizer)

// WithGenerator 注入文本生成能力。缺席时相关策略退回原始查询。
func WithGenerator(g provider.Generator) OptimizerOption {
	return func(o *QueryOptimizer) { o.generator = g }
}

// WithOptimizerAnalyzer 覆盖默认分析器。
func WithOptimizerAnalyzer(a *tokenizer.Analyzer) OptimizerOption {
	return func(o *QueryOptimizer) { o.analyzer = a }
}

// WithOptimizerMetrics 注入指标收集器。
func WithOptimizerMetrics(c *metrics.Collector) OptimizerOption {
	return func(o *QueryOptimizer) { o.collector = c }
}

// WithOptimizerLogger 注入日志器。
func WithOptimizerLogger(l *zap.Logger) OptimizerOption {
	return func(o *QueryOptimizer) {
		if l != nil {
			o.logger = l.With(zap.String("component", "query_optimizer"))
		}
	}
}

// NewQueryOptimizer 创建查询优化器。
func NewQueryOptimizer(config OptimizerConfig, opts ...OptimizerOption) (*QueryOptimizer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	sections := make(map[string][]string, len(defaultSectionTemplates))
	for id, templates := range defaultSectionTemplates {
		sections[id] = append([]string(nil), templates...)
	}

	o := &QueryOptimizer{
		config:   config,
		analyzer: tokenizer.NewAnalyzer(0),
		logger:   zap.NewNop(),
		sections: sections,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RegisterSectionTemplates 注册或覆盖一个章节的查询模板。
// 空白模板被丢弃,最多保留 4 条。
func (o *QueryOptimizer) RegisterSectionTemplates(sectionID string, templates []string) {
	sectionID = strings.TrimSpace(sectionID)
	if sectionID == "" {
		return
	}

	kept := make([]string, 0, maxSectionTemplates)
	for _, tpl := range templates {
		tpl = strings.TrimSpace(tpl)
		if tpl == "" {
			continue
		}
		kept = append(kept, tpl)
		if len(kept) == maxSectionTemplates {
			break
		}
	}
	if len(kept) == 0 {
		return
	}

	o.mu.Lock()
	o.sections[sectionID] = kept
	o.mu.Unlock()

	o.logger.Debug("section templates registered",
		zap.String("section", sectionID),
		zap.Int("templates", len(kept)))
}

// Optimize 按配置策略优化查询。auto 策略按查询形态解析:
// 词数少于 4 用扩展,多于 10 用分解,其余在有生成能力时用多重改写。
// 返回的变体列表已去重,原始查询在首位;hyde 策略成功时
// 变体是假设答案本身,代替原始查询参与检索。
func (o *QueryOptimizer) Optimize(ctx context.Context, query string) (*OptimizedQuery, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, types.NewEmptyQueryError()
	}

	strategy := o.config.Strategy
	if strategy == "" || strategy == StrategyAuto {
		strategy = o.resolveStrategy(query)
	}

	result := &OptimizedQuery{
		Original: query,
		Strategy: strategy,
		Keywords: o.analyzer.Keywords(query),
	}

	switch strategy {
	case StrategyExpansion:
		result.Variants = o.finalize(query, o.expand(query))
	case StrategyMultiQuery:
		result.Variants = o.finalize(query, o.multiQuery(ctx, query))
	case StrategyDecomposition:
		result.Variants = o.finalize(query, o.decompose(query))
	case StrategyHyDE:
		if answer := o.hyde(ctx, query); answer != "" {
			result.HyDEText = answer
			result.Variants = []string{answer}
		} else {
			result.Variants = []string{query}
		}
	case StrategySection:
		return nil, types.NewConfigurationError("section strategy requires OptimizeSection")
	}

	o.logger.Debug("query optimized",
		zap.String("original", query),
		zap.String("strategy", string(result.Strategy)),
		zap.Int("variants", len(result.Variants)))

	return result, nil
}

// OptimizeSection 为已知报告章节生成检索变体:命中模板表时
// 用预写模板填入主题,未知章节先请生成模型组句,再退回主题本身。
func (o *QueryOptimizer) OptimizeSection(ctx context.Context, sectionID, topic string) (*OptimizedQuery, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, types.NewEmptyQueryError()
	}

	o.mu.RLock()
	templates := o.sections[strings.TrimSpace(sectionID)]
	o.mu.RUnlock()

	result := &OptimizedQuery{
		Original: topic,
		Strategy: StrategySection,
		Keywords: o.analyzer.Keywords(topic),
	}

	if len(templates) > 0 {
		filled := make([]string, 0, len(templates))
		for _, tpl := range templates {
			if strings.Contains(tpl, "%s") {
				filled = append(filled, fmt.Sprintf(tpl, topic))
			} else {
				filled = append(filled, tpl)
			}
		}
		result.Variants = o.finalize(topic, filled)
		return result, nil
	}

	if composed := o.composeSectionQuery(ctx, sectionID, topic); composed != "" {
		result.Variants = o.finalize(topic, []string{composed})
		return result, nil
	}

	result.Variants = []string{topic}
	return result, nil
}

// resolveStrategy 自动策略启发式。
func (o *QueryOptimizer) resolveStrategy(query string) OptimizationStrategy {
	words := len(strings.Fields(query))
	switch {
	case words < autoShortQueryWords:
		return StrategyExpansion
	case words > autoLongQueryWords:
		return StrategyDecomposition
	default:
		if o.generator != nil {
			return StrategyMultiQuery
		}
		return StrategyExpansion
	}
}

// expand 用固定同义词词典逐词替换,生成规则变体。
func (o *QueryOptimizer) expand(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	var variants []string

	for i, word := range fields {
		synonyms, ok := synonymTable[word]
		if !ok {
			continue
		}
		for _, syn := range synonyms {
			replaced := make([]string, len(fields))
			copy(replaced, fields)
			replaced[i] = syn
			variants = append(variants, strings.Join(replaced, " "))
			if len(variants) >= o.config.MaxVariants {
				return variants
			}
		}
	}
	return variants
}

// multiQuery 请生成模型把查询改写成 MultiQueryCount 种说法。
// 生成能力缺席或失败时返回空,调用方退回原始查询。
func (o *QueryOptimizer) multiQuery(ctx context.Context, query string) []string {
	if o.generator == nil {
		o.logger.Debug("generator absent, multi query skipped")
		return nil
	}

	prompt := fmt.Sprintf(`Rephrase the following search query %d different ways.
Each rephrasing should capture the same information need with different wording.
Return only the rephrased queries, one per line.

Original query: %s

Rephrased queries:`, o.config.MultiQueryCount, query)

	start := time.Now()
	response, err := o.generator.Generate(ctx, prompt, multiQueryMaxTokens)
	if err != nil {
		o.collector.RecordProviderCall("generator", "error", time.Since(start))
		o.collector.RecordFallback("generation_unavailable")
		o.logger.Warn("multi query generation failed, using original query",
			zap.String("generator", o.generator.Name()),
			zap.Error(err))
		return nil
	}
	o.collector.RecordProviderCall("generator", "ok", time.Since(start))

	return o.parseQueryLines(response, o.config.MultiQueryCount)
}

// decompose 按连词和逗号切分复合查询。切出的子查询不足
// 两条时视为没有切分点,返回空让调用方退回原始查询。
func (o *QueryOptimizer) decompose(query string) []string {
	separators := []string{" and ", " or ", " as well as ", " along with ", ", ", "，"}

	parts := []string{query}
	for _, sep := range separators {
		var next []string
		for _, part := range parts {
			for _, piece := range strings.Split(part, sep) {
				piece = strings.TrimSpace(piece)
				if piece != "" {
					next = append(next, piece)
				}
			}
		}
		parts = next
	}

	var subQueries []string
	for _, part := range parts {
		if len([]rune(part)) >= o.config.MinSubQueryLen {
			subQueries = append(subQueries, part)
		}
	}
	if len(subQueries) < 2 {
		return nil
	}
	return subQueries
}

// hyde 请生成模型写出理想答案,检索改用答案文本。失败返回空。
func (o *QueryOptimizer) hyde(ctx context.Context, query string) string {
	if o.generator == nil {
		o.collector.RecordFallback("generation_unavailable")
		o.logger.Debug("generator absent, hyde skipped")
		return ""
	}

	prompt := fmt.Sprintf(`Write an ideal answer passage of about %d words for the following query.
The passage should be informative and factual, as if excerpted from a real document.

Query: %s

Answer passage:`, o.config.HyDEMaxWords, query)

	maxTokens := o.config.HyDEMaxWords * 3 / 2

	start := time.Now()
	response, err := o.generator.Generate(ctx, prompt, maxTokens)
	if err != nil {
		o.collector.RecordProviderCall("generator", "error", time.Since(start))
		o.collector.RecordFallback("generation_unavailable")
		o.logger.Warn("hyde generation failed, using original query",
			zap.String("generator", o.generator.Name()),
			zap.Error(err))
		return ""
	}
	o.collector.RecordProviderCall("generator", "ok", time.Since(start))

	return strings.TrimSpace(response)
}

// composeSectionQuery 请生成模型为未知章节组一条查询。
func (o *QueryOptimizer) composeSectionQuery(ctx context.Context, sectionID, topic string) string {
	if o.generator == nil {
		return ""
	}

	prompt := fmt.Sprintf(`Compose one focused search query for the %q section of a report about %s.
Return only the query.

Query:`, sectionID, topic)

	start := time.Now()
	response, err := o.generator.Generate(ctx, prompt, multiQueryMaxTokens)
	if err != nil {
		o.collector.RecordProviderCall("generator", "error", time.Since(start))
		o.collector.RecordFallback("generation_unavailable")
		o.logger.Warn("section query composition failed, using topic",
			zap.String("section", sectionID),
			zap.Error(err))
		return ""
	}
	o.collector.RecordProviderCall("generator", "ok", time.Since(start))

	lines := o.parseQueryLines(response, 1)
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}

// parseQueryLines 按行解析模型输出,剥掉行首编号,最多取 limit 条。
func (o *QueryOptimizer) parseQueryLines(response string, limit int) []string {
	var out []string
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		line = strings.TrimSpace(line)
		line = queryNumberingPattern.ReplaceAllString(line, "")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == limit {
			break
		}
	}
	return out
}

// finalize 汇总变体:原始查询在首位,精确去重,截断到 MaxVariants。
func (o *QueryOptimizer) finalize(original string, extras []string) []string {
	variants := make([]string, 0, len(extras)+1)
	seen := make(map[string]struct{}, len(extras)+1)

	variants = append(variants, original)
	seen[original] = struct{}{}

	for _, v := range extras {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		variants = append(variants, v)
		if len(variants) == o.config.MaxVariants {
			break
		}
	}
	return variants
}
