package rag

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/contextflow/types"
)

// CitationStyle 引文渲染风格
type CitationStyle string

const (
	CitationNumeric    CitationStyle = "numeric"     // [n]
	CitationAuthorYear CitationStyle = "author_year" // (Author, Year)
)

// excerptChars 来源摘录保留的最大字符数。
const excerptChars = 200

// AttributionConfig 来源归因配置
type AttributionConfig struct {
	Style CitationStyle `json:"style" yaml:"style"`

	// TrustTable 域名可信度查找表，精确或后缀匹配
	TrustTable map[string]float64 `json:"trust_table" yaml:"trust_table"`

	// FileCredibility 用户提供文件的可信度
	FileCredibility float64 `json:"file_credibility" yaml:"file_credibility"`

	// WebDefault 未知 Web 来源的默认可信度
	WebDefault float64 `json:"web_default" yaml:"web_default"`
}

// defaultTrustTable 内置域名可信度表。后缀匹配使 gov/edu 整域生效。
var defaultTrustTable = map[string]float64{
	".gov":          0.95,
	".edu":          0.90,
	"reuters.com":   0.90,
	"bloomberg.com": 0.85,
	"wikipedia.org": 0.75,
	"arxiv.org":     0.85,
	"sec.gov":       0.95,
}

// DefaultAttributionConfig 默认来源归因配置
func DefaultAttributionConfig() AttributionConfig {
	table := make(map[string]float64, len(defaultTrustTable))
	for domain, trust := range defaultTrustTable {
		table[domain] = trust
	}
	return AttributionConfig{
		Style:           CitationNumeric,
		TrustTable:      table,
		FileCredibility: 0.8,
		WebDefault:      0.5,
	}
}

// Validate 校验来源归因配置。
func (c AttributionConfig) Validate() error {
	switch c.Style {
	case CitationNumeric, CitationAuthorYear:
	default:
		return types.NewConfigurationError("unknown citation style: " + string(c.Style))
	}
	if c.FileCredibility < 0 || c.FileCredibility > 1 {
		return types.NewConfigurationError("file credibility must be in [0, 1]")
	}
	if c.WebDefault < 0 || c.WebDefault > 1 {
		return types.NewConfigurationError("web default credibility must be in [0, 1]")
	}
	for domain, trust := range c.TrustTable {
		if trust < 0 || trust > 1 {
			return types.NewConfigurationError("trust score for " + domain + " must be in [0, 1]")
		}
	}
	return nil
}

// 置信度组合权重：相关度与可信度各 0.4，新近度 0.2。
const (
	confidenceRelevanceWeight   = 0.4
	confidenceCredibilityWeight = 0.4
	confidenceRecencyWeight     = 0.2
)

// SourceAttributor 给每个贡献块打可信度/新近度/置信度分并渲染引文。
// 无状态，可安全并发调用。
type SourceAttributor struct {
	config AttributionConfig
	logger *zap.Logger

	// now 可注入，测试时固定时钟
	now func() time.Time
}

// NewSourceAttributor 创建来源归因器。
func NewSourceAttributor(config AttributionConfig, logger *zap.Logger) (*SourceAttributor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourceAttributor{
		config: config,
		logger: logger.With(zap.String("component", "attributor")),
		now:    time.Now,
	}, nil
}

// Attribute 为单个贡献块计算归因得分。
// 可信度：Web 来源查可信度表（精确或后缀匹配），未知 Web 来源用
// WebDefault，用户文件用 FileCredibility。
// 新近度按发布日期分桶，未知日期取 0.5。
func (a *SourceAttributor) Attribute(chunk types.DocumentChunk, relevance float64) types.AttributedSource {
	src := types.AttributedSource{
		ID:             chunk.ID,
		RelevanceScore: clamp01(relevance),
		Excerpt:        excerpt(chunk.Text),
	}

	if domain := extractDomain(chunk.SourceFile); domain != "" {
		src.Domain = domain
		src.CredibilityScore = a.domainCredibility(domain)
	} else {
		src.FileName = chunk.SourceFile
		src.CredibilityScore = a.config.FileCredibility
	}

	src.RecencyScore = a.recency(chunk.PublishedAt)
	src.ConfidenceScore = confidenceRelevanceWeight*src.RelevanceScore +
		confidenceCredibilityWeight*src.CredibilityScore +
		confidenceRecencyWeight*src.RecencyScore

	if author, ok := chunk.Metadata["author"].(string); ok {
		src.Author = author
	}
	if chunk.PublishedAt != nil {
		src.Year = chunk.PublishedAt.Year()
	}

	return src
}

// AttributeResults 为一批检索结果生成归因来源，
// 顺序与结果一致，块缺失时按文本本身归因。
func (a *SourceAttributor) AttributeResults(results []types.HybridResult, lookup ChunkLookup) []types.AttributedSource {
	sources := make([]types.AttributedSource, 0, len(results))
	for _, res := range results {
		if lookup != nil {
			if chunk, ok := lookup(res.ChunkID); ok {
				sources = append(sources, a.Attribute(chunk, res.Score))
				continue
			}
		}
		sources = append(sources, a.Attribute(types.DocumentChunk{
			ID:         res.ChunkID,
			Text:       res.Text,
			SourceFile: res.Source,
		}, res.Score))
	}
	return sources
}

// domainCredibility 查域名可信度：先精确匹配，再逐级后缀匹配。
func (a *SourceAttributor) domainCredibility(domain string) float64 {
	if trust, ok := a.config.TrustTable[domain]; ok {
		return trust
	}
	// 后缀匹配：news.example.gov 命中 ".gov" 或 "example.gov"
	best, found := 0.0, false
	for suffix, trust := range a.config.TrustTable {
		if strings.HasSuffix(domain, suffix) && trust > best {
			best, found = trust, true
		}
	}
	if found {
		return best
	}
	return a.config.WebDefault
}

// 新近度分桶边界（天）
var recencyBuckets = []struct {
	maxDays int
	score   float64
}{
	{30, 1.0},
	{180, 0.9},
	{365, 0.8},
	{730, 0.6},
	{1825, 0.4},
}

// recency 按文档年龄分桶打分，超出全部桶取 0.2，未知日期取 0.5。
func (a *SourceAttributor) recency(publishedAt *time.Time) float64 {
	if publishedAt == nil || publishedAt.IsZero() {
		return 0.5
	}
	age := a.now().Sub(*publishedAt)
	days := int(age.Hours() / 24)
	for _, bucket := range recencyBuckets {
		if days <= bucket.maxDays {
			return bucket.score
		}
	}
	return 0.2
}

// RenderCitation 按配置风格渲染单条行内引文。
// author_year 风格在作者缺失时退回来源标识，年份缺失时用 n.d.。
func (a *SourceAttributor) RenderCitation(src types.AttributedSource, n int) string {
	if a.config.Style == CitationAuthorYear {
		author := src.Author
		if author == "" {
			author = src.Label()
		}
		year := "n.d."
		if src.Year > 0 {
			year = fmt.Sprintf("%d", src.Year)
		}
		return fmt.Sprintf("(%s, %s)", author, year)
	}
	return fmt.Sprintf("[%d]", n)
}

// Bibliography 渲染去重后的参考文献列表，按首次出现顺序编号。
// 同一来源标识（域名或文件名）只保留首个条目。
func (a *SourceAttributor) Bibliography(sources []types.AttributedSource) []string {
	seen := make(map[string]struct{}, len(sources))
	var lines []string
	for _, src := range sources {
		label := src.Label()
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}

		n := len(lines) + 1
		var b strings.Builder
		fmt.Fprintf(&b, "%s %s", a.RenderCitation(src, n), label)
		fmt.Fprintf(&b, " (confidence %.2f)", src.ConfidenceScore)
		if src.Excerpt != "" {
			b.WriteString(" — ")
			b.WriteString(src.Excerpt)
		}
		lines = append(lines, b.String())
	}
	return lines
}

// RankByConfidence 返回按置信度降序的副本，同分保持原有顺序。
func (a *SourceAttributor) RankByConfidence(sources []types.AttributedSource) []types.AttributedSource {
	out := make([]types.AttributedSource, len(sources))
	copy(out, sources)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ConfidenceScore > out[j].ConfidenceScore
	})
	return out
}

// extractDomain 从来源字符串提取域名。非 URL（本地文件路径）返回空。
func extractDomain(source string) string {
	if source == "" {
		return ""
	}
	if !strings.Contains(source, "://") {
		return ""
	}
	u, err := url.Parse(source)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= excerptChars {
		return text
	}
	return strings.TrimSpace(string(runes[:excerptChars])) + "…"
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
