package tokenizer

import (
	"strings"
	"unicode"
)

// NumberMarker 是所有纯数字 token 折叠后的统一标记。
// 折叠保留了词法匹配能力，又避免不同数字各占一个词项。
const NumberMarker = "#num#"

// defaultMinTokenLength 低于该长度的 token 会被丢弃（标记 token 除外）。
const defaultMinTokenLength = 2

// defaultStopwords 固定英文停用词表。
var defaultStopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"been": {}, "but": {}, "by": {}, "can": {}, "could": {}, "did": {},
	"do": {}, "does": {}, "for": {}, "from": {}, "had": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "his": {}, "how": {}, "i": {}, "if": {},
	"in": {}, "into": {}, "is": {}, "it": {}, "its": {}, "may": {},
	"might": {}, "more": {}, "most": {}, "not": {}, "of": {}, "on": {},
	"or": {}, "our": {}, "she": {}, "should": {}, "so": {}, "some": {},
	"such": {}, "than": {}, "that": {}, "the": {}, "their": {}, "them": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "those": {},
	"to": {}, "was": {}, "we": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "why": {}, "will": {}, "with": {},
	"would": {}, "you": {}, "your": {},
}

// Analyzer 将原始文本归一化为有序 token 序列。
// 构造后不再持有可变状态，可安全并发调用。
type Analyzer struct {
	minTokenLength int
	stopwords      map[string]struct{}
	stemmer        *Stemmer
}

// NewAnalyzer 创建分析器。minTokenLength <= 0 时使用默认值 2。
func NewAnalyzer(minTokenLength int) *Analyzer {
	if minTokenLength <= 0 {
		minTokenLength = defaultMinTokenLength
	}
	return &Analyzer{
		minTokenLength: minTokenLength,
		stopwords:      defaultStopwords,
		stemmer:        NewStemmer(),
	}
}

// Tokenize 执行完整归一化管线：小写化 → 去标点切分 → 数字折叠 →
// 长度过滤 → 停用词过滤 → 词干化。确定性，无副作用。
func (a *Analyzer) Tokenize(text string) []string {
	if text == "" {
		return nil
	}

	lower := strings.ToLower(text)
	tokens := make([]string, 0, len(lower)/5)

	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		tok := b.String()
		b.Reset()

		if isAllDigits(tok) {
			tokens = append(tokens, NumberMarker)
			return
		}
		if len(tok) < a.minTokenLength {
			return
		}
		if _, stop := a.stopwords[tok]; stop {
			return
		}
		tokens = append(tokens, a.stemmer.Stem(tok))
	}

	for _, r := range lower {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		flush()
	}
	flush()

	return tokens
}

// Keywords 返回去重后的查询关键词集合，保持首次出现顺序。
// 供压缩器与重排器做关键词重叠计算。
func (a *Analyzer) Keywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, tok := range a.Tokenize(text) {
		if tok == NumberMarker {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
