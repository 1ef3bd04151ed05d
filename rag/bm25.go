package rag

import (
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/contextflow/tokenizer"
	"github.com/BaSui01/contextflow/types"
)

// BM25 调优常量。k1 控制词频饱和速度，b 控制文档长度归一化强度。
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// LexicalHit 词法检索命中
type LexicalHit struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// bm25Doc 索引内文档，arena 下标即插入顺序。
type bm25Doc struct {
	chunkID string
	length  int
}

// bm25Posting 倒排表项。同一词项的 posting 按 arena 下标递增排列。
type bm25Posting struct {
	doc int
	tf  int
}

// BM25Index 增量 BM25 词法索引。
// AddDocuments 之后 df 与平均长度即时生效，Search 可并发调用。
type BM25Index struct {
	mu       sync.RWMutex
	analyzer *tokenizer.Analyzer
	logger   *zap.Logger

	docs     []bm25Doc
	postings map[string][]bm25Posting
	totalLen int
}

// NewBM25Index 创建词法索引。analyzer 为 nil 时使用默认分析器。
func NewBM25Index(analyzer *tokenizer.Analyzer, logger *zap.Logger) *BM25Index {
	if analyzer == nil {
		analyzer = tokenizer.NewAnalyzer(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BM25Index{
		analyzer: analyzer,
		logger:   logger.With(zap.String("component", "bm25")),
		postings: make(map[string][]bm25Posting),
	}
}

// AddDocuments 增量加入文档块。词项统计与平均长度立即更新。
func (idx *BM25Index) AddDocuments(chunks []types.DocumentChunk) {
	if len(chunks) == 0 {
		return
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	for _, chunk := range chunks {
		tokens := idx.analyzer.Tokenize(chunk.Text)
		docIdx := len(idx.docs)
		idx.docs = append(idx.docs, bm25Doc{chunkID: chunk.ID, length: len(tokens)})
		idx.totalLen += len(tokens)

		counts := make(map[string]int, len(tokens))
		for _, tok := range tokens {
			counts[tok]++
		}
		for term, tf := range counts {
			idx.postings[term] = append(idx.postings[term], bm25Posting{doc: docIdx, tf: tf})
		}
	}

	idx.logger.Debug("documents indexed",
		zap.Int("added", len(chunks)),
		zap.Int("total", len(idx.docs)),
		zap.Int("terms", len(idx.postings)))
}

// Search 对查询打分并返回前 topK 个命中，得分降序，
// 同分按插入顺序。查询词项全部未命中时返回空。
func (idx *BM25Index) Search(query string, topK int) []LexicalHit {
	if topK <= 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.docs) == 0 {
		return nil
	}
	queryTerms := idx.analyzer.Tokenize(query)
	if len(queryTerms) == 0 {
		return nil
	}

	n := float64(len(idx.docs))
	avgLen := float64(idx.totalLen) / n
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[int]float64)
	for _, term := range queryTerms {
		plist := idx.postings[term]
		if len(plist) == 0 {
			continue
		}
		df := float64(len(plist))
		idf := math.Log((n-df+0.5)/(df+0.5) + 1)
		for _, p := range plist {
			tf := float64(p.tf)
			docLen := float64(idx.docs[p.doc].length)
			den := tf + bm25K1*(1-bm25B+bm25B*docLen/avgLen)
			scores[p.doc] += idf * tf * (bm25K1 + 1) / den
		}
	}
	if len(scores) == 0 {
		return nil
	}

	// 先按 arena 顺序展开，稳定排序保证同分时插入顺序在前
	matched := make([]int, 0, len(scores))
	for docIdx := range scores {
		matched = append(matched, docIdx)
	}
	sort.Ints(matched)

	hits := make([]LexicalHit, 0, len(matched))
	for _, docIdx := range matched {
		hits = append(hits, LexicalHit{ChunkID: idx.docs[docIdx].chunkID, Score: scores[docIdx]})
	}
	sort.SliceStable(hits, func(a, b int) bool {
		return hits[a].Score > hits[b].Score
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Clear 清空索引。
func (idx *BM25Index) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.docs = nil
	idx.postings = make(map[string][]bm25Posting)
	idx.totalLen = 0
}

// Len 返回已索引的文档数。
func (idx *BM25Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.docs)
}
