package rag

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/contextflow/types"
)

// ChunkingStrategy 分块策略
type ChunkingStrategy string

const (
	ChunkingSemantic     ChunkingStrategy = "semantic"     // 段落优先语义分块
	ChunkingRecursive    ChunkingStrategy = "recursive"    // 递归分隔符分块
	ChunkingHierarchical ChunkingStrategy = "hierarchical" // 父子层级分块
)

// ChunkingConfig 分块配置。所有尺寸以字符（rune）计。
type ChunkingConfig struct {
	Strategy     ChunkingStrategy `json:"strategy" yaml:"strategy"`
	ChunkSize    int              `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int              `json:"chunk_overlap" yaml:"chunk_overlap"`
	MinChunkSize int              `json:"min_chunk_size" yaml:"min_chunk_size"`
	MaxChunkSize int              `json:"max_chunk_size" yaml:"max_chunk_size"`

	// 层级分块参数
	ParentChunkSize int `json:"parent_chunk_size" yaml:"parent_chunk_size"`
	ChildChunkSize  int `json:"child_chunk_size" yaml:"child_chunk_size"`
}

// DefaultChunkingConfig 默认分块配置
func DefaultChunkingConfig() ChunkingConfig {
	return ChunkingConfig{
		Strategy:        ChunkingSemantic,
		ChunkSize:       1000,
		ChunkOverlap:    200,
		MinChunkSize:    50,
		MaxChunkSize:    2000,
		ParentChunkSize: 2000,
		ChildChunkSize:  500,
	}
}

// Validate 校验分块配置。
func (c ChunkingConfig) Validate() error {
	switch c.Strategy {
	case ChunkingSemantic, ChunkingRecursive, ChunkingHierarchical:
	default:
		return types.NewConfigurationError("unknown chunking strategy: " + string(c.Strategy))
	}
	if c.ChunkSize <= 0 {
		return types.NewConfigurationError("chunk size must be positive")
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return types.NewConfigurationError("chunk overlap must be in [0, chunk size)")
	}
	if c.MinChunkSize < 0 {
		return types.NewConfigurationError("min chunk size must not be negative")
	}
	if c.MaxChunkSize > 0 && c.MaxChunkSize < c.ChunkSize {
		return types.NewConfigurationError("max chunk size must not be below chunk size")
	}
	if c.Strategy == ChunkingHierarchical {
		if c.ParentChunkSize <= 0 || c.ChildChunkSize <= 0 {
			return types.NewConfigurationError("hierarchical chunking requires positive parent and child sizes")
		}
		if c.ChildChunkSize >= c.ParentChunkSize {
			return types.NewConfigurationError("child chunk size must be below parent chunk size")
		}
	}
	return nil
}

// Chunker 文档分块器。只有分块器创建 DocumentChunk，
// 父子关系在块暴露给调用方之前一次性建立，保证构成树。
type Chunker struct {
	config ChunkingConfig
	logger *zap.Logger
}

// NewChunker 创建文档分块器。
func NewChunker(config ChunkingConfig, logger *zap.Logger) (*Chunker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chunker{
		config: config,
		logger: logger.With(zap.String("component", "chunker")),
	}, nil
}

// Chunk 将原始文本切分为带派生标志的文档块序列。
// 空白输入返回 EMPTY_DOCUMENT 错误。
func (c *Chunker) Chunk(text, sourceFile string) ([]types.DocumentChunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, types.NewEmptyDocumentError()
	}

	var chunks []types.DocumentChunk
	switch c.config.Strategy {
	case ChunkingRecursive:
		chunks = c.buildChunks(c.chunkRecursive(text), sourceFile, 0, 0)
	case ChunkingHierarchical:
		chunks = c.chunkHierarchical(text, sourceFile)
	default:
		chunks = c.buildChunks(c.chunkSemantic(text), sourceFile, 0, 0)
	}

	c.logger.Debug("document chunked",
		zap.String("strategy", string(c.config.Strategy)),
		zap.String("source", sourceFile),
		zap.Int("chunks", len(chunks)))

	return chunks, nil
}

// chunkSemantic 段落优先分块：超长段落退化为句子，
// 逐片累积到即将超过 ChunkSize 时出块，并用前块尾部做重叠种子。
func (c *Chunker) chunkSemantic(text string) []string {
	pieces := make([]string, 0, 16)
	for _, para := range splitParagraphs(text) {
		if utf8.RuneCountInString(para) > c.config.ChunkSize {
			pieces = append(pieces, splitSentences(para)...)
		} else {
			pieces = append(pieces, para)
		}
	}

	var out []string
	current := ""
	for _, piece := range pieces {
		if current == "" {
			current = piece
			continue
		}
		joined := current + " " + piece
		if utf8.RuneCountInString(joined) > c.config.ChunkSize {
			out = append(out, current)
			current = c.overlapSeed(current) + piece
		} else {
			current = joined
		}
	}
	if current != "" {
		out = mergeSmallTail(out, current, c.config.MinChunkSize)
	}
	return c.capOversized(out)
}

// overlapSeed 取前一块尾部 ChunkOverlap 个字符并前进到下一个
// 句子边界，避免在句子中间产生接缝。
func (c *Chunker) overlapSeed(prev string) string {
	if c.config.ChunkOverlap <= 0 {
		return ""
	}
	runes := []rune(prev)
	if len(runes) <= c.config.ChunkOverlap {
		return ""
	}
	tail := runes[len(runes)-c.config.ChunkOverlap:]
	for i, r := range tail {
		if isSentenceEnd(r) {
			seed := strings.TrimSpace(string(tail[i+1:]))
			if seed == "" {
				return ""
			}
			return seed + " "
		}
	}
	seed := strings.TrimSpace(string(tail))
	if seed == "" {
		return ""
	}
	return seed + " "
}

// recursiveSeparators 分隔符优先级：标题 > 段落 > 行 > 句子 > 单词
var recursiveSeparators = []string{"\n# ", "\n## ", "\n### ", "\n\n", "\n", ". ", "。", "! ", "！", "? ", "？", " "}

// chunkRecursive 递归分块：逐级尝试分隔符，分割后贪心重组，
// 任何一级都无法分割时退化为带重叠步长的硬切分。
func (c *Chunker) chunkRecursive(text string) []string {
	return c.capOversized(c.recursiveSplit(text, recursiveSeparators))
}

func (c *Chunker) recursiveSplit(text string, separators []string) []string {
	if utf8.RuneCountInString(text) <= c.config.ChunkSize {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{text}
	}
	if len(separators) == 0 {
		return c.hardSplit(text)
	}

	separator := separators[0]
	parts := strings.Split(text, separator)
	if len(parts) == 1 {
		return c.recursiveSplit(text, separators[1:])
	}
	// 恢复分隔符（除最后一个部分）
	for i := 0; i < len(parts)-1; i++ {
		parts[i] += separator
	}

	var out []string
	current := ""
	for _, part := range parts {
		if utf8.RuneCountInString(part) > c.config.ChunkSize {
			if current != "" {
				out = append(out, current)
				current = ""
			}
			out = append(out, c.recursiveSplit(part, separators[1:])...)
			continue
		}
		switch {
		case current == "":
			current = part
		case utf8.RuneCountInString(current+part) <= c.config.ChunkSize:
			current += part
		default:
			out = append(out, current)
			current = part
		}
	}
	if current != "" && strings.TrimSpace(current) != "" {
		out = mergeSmallTail(out, current, c.config.MinChunkSize)
	}
	return out
}

// hardSplit 固定步长硬切分，步长为 ChunkSize − ChunkOverlap。
func (c *Chunker) hardSplit(text string) []string {
	runes := []rune(text)
	step := c.config.ChunkSize - c.config.ChunkOverlap
	if step <= 0 {
		step = c.config.ChunkSize
	}

	var out []string
	for i := 0; i < len(runes); i += step {
		end := i + c.config.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}

// capOversized 对超过 MaxChunkSize 的块做硬切分兜底。
func (c *Chunker) capOversized(texts []string) []string {
	if c.config.MaxChunkSize <= 0 {
		return texts
	}
	var out []string
	for _, t := range texts {
		if utf8.RuneCountInString(t) <= c.config.MaxChunkSize {
			out = append(out, t)
			continue
		}
		out = append(out, c.hardSplit(t)...)
	}
	return out
}

// chunkHierarchical 父子层级分块：先按父块尺寸递归分块（level 0），
// 再把每个父块细分为引用父 id 的子块（level 1）。检索在子块上进行，
// 上下文扩展可替换为父块全文。
func (c *Chunker) chunkHierarchical(text, sourceFile string) []types.DocumentChunk {
	parentChunker := &Chunker{logger: c.logger, config: c.config}
	parentChunker.config.ChunkSize = c.config.ParentChunkSize
	childChunker := &Chunker{logger: c.logger, config: c.config}
	childChunker.config.ChunkSize = c.config.ChildChunkSize

	var chunks []types.DocumentChunk
	position := 0
	for _, parentText := range parentChunker.chunkRecursive(text) {
		parent := c.newChunk(parentText, sourceFile, position, 0)
		position++

		childTexts := childChunker.chunkRecursive(parentText)
		children := make([]types.DocumentChunk, 0, len(childTexts))
		for _, childText := range childTexts {
			child := c.newChunk(childText, sourceFile, position, 1)
			child.ParentID = parent.ID
			parent.ChildIDs = append(parent.ChildIDs, child.ID)
			children = append(children, child)
			position++
		}

		chunks = append(chunks, parent)
		chunks = append(chunks, children...)
	}
	return chunks
}

// buildChunks 将文本片段封装为文档块并打派生标志。
func (c *Chunker) buildChunks(texts []string, sourceFile string, startPosition, level int) []types.DocumentChunk {
	chunks := make([]types.DocumentChunk, 0, len(texts))
	position := startPosition
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		chunks = append(chunks, c.newChunk(t, sourceFile, position, level))
		position++
	}
	return chunks
}

func (c *Chunker) newChunk(text, sourceFile string, position, level int) types.DocumentChunk {
	trimmed := strings.TrimSpace(text)
	return types.DocumentChunk{
		ID:                uuid.NewString(),
		Text:              trimmed,
		Position:          position,
		Level:             level,
		ContentType:       classifyContent(trimmed),
		SourceFile:        sourceFile,
		HasNumbers:        hasNumbers(trimmed),
		HasDates:          hasDates(trimmed),
		HasCurrency:       hasCurrency(trimmed),
		EstimatedCategory: estimateCategory(trimmed),
	}
}

// ====== 派生标志 ======

var (
	numberPattern   = regexp.MustCompile(`\d`)
	percentPattern  = regexp.MustCompile(`\d+(?:\.\d+)?\s?%`)
	currencyPattern = regexp.MustCompile(`[$€£¥]\s?\d|\b(?:USD|EUR|GBP|CNY|JPY)\s?\d`)
	yearPattern     = regexp.MustCompile(`\b(?:19|20)\d{2}\b`)
	datePattern     = regexp.MustCompile(`\b\d{4}-\d{1,2}-\d{1,2}\b|\b\d{1,2}/\d{1,2}/\d{2,4}\b`)
	monthPattern    = regexp.MustCompile(`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2}\b`)
	listItemPattern = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s`)
)

func hasNumbers(text string) bool {
	return numberPattern.MatchString(text) || percentPattern.MatchString(text)
}

func hasDates(text string) bool {
	return yearPattern.MatchString(text) || datePattern.MatchString(text) || monthPattern.MatchString(text)
}

func hasCurrency(text string) bool {
	return currencyPattern.MatchString(text)
}

// categoryKeywords 类别估计关键词表。命中最多的类别胜出，全不命中为 general。
var categoryKeywords = map[string][]string{
	"financial": {"revenue", "profit", "margin", "earnings", "fiscal", "dividend", "quarter", "ebitda", "cash flow"},
	"legal":     {"agreement", "contract", "liability", "clause", "pursuant", "hereby", "jurisdiction", "warranty"},
	"technical": {"api", "server", "latency", "database", "deployment", "algorithm", "protocol", "throughput"},
}

func estimateCategory(text string) string {
	lower := strings.ToLower(text)
	best, bestCount := "general", 0
	// 固定遍历顺序，类别估计必须确定
	for _, category := range []string{"financial", "legal", "technical"} {
		count := 0
		for _, kw := range categoryKeywords[category] {
			if strings.Contains(lower, kw) {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = category, count
		}
	}
	return best
}

// classifyContent 估计块的结构类型。
func classifyContent(text string) types.ContentType {
	if strings.HasPrefix(text, "```") {
		return types.ContentTypeCode
	}
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return types.ContentTypeText
	}
	pipeLines, listLines := 0, 0
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.Count(l, "|") >= 2 {
			pipeLines++
		}
		if listItemPattern.MatchString(l) {
			listLines++
		}
	}
	if pipeLines*2 >= len(lines) {
		return types.ContentTypeTable
	}
	if listLines*2 >= len(lines) {
		return types.ContentTypeList
	}
	return types.ContentTypeText
}

// ====== 文本切分辅助 ======

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '。', '!', '！', '?', '？':
		return true
	}
	return false
}

// splitParagraphs 按空行切分段落，丢弃空白段。
func splitParagraphs(text string) []string {
	parts := strings.Split(text, "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// splitSentences 按句子结束标点与换行切分句子。
func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder

	flush := func() {
		trimmed := strings.TrimSpace(b.String())
		b.Reset()
		if trimmed != "" {
			sentences = append(sentences, trimmed)
		}
	}

	for _, r := range text {
		b.WriteRune(r)
		if isSentenceEnd(r) || r == '\n' {
			flush()
		}
	}
	flush()

	return sentences
}

// mergeSmallTail 尾块低于最小尺寸时并入前一块，避免碎尾。
func mergeSmallTail(chunks []string, tail string, minSize int) []string {
	if utf8.RuneCountInString(tail) >= minSize || len(chunks) == 0 {
		return append(chunks, tail)
	}
	chunks[len(chunks)-1] += " " + tail
	return chunks
}
