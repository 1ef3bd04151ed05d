package tokenizer

import "sort"

// minStemLength 剥离后缀后词干的最小保留长度。
const minStemLength = 3

// suffixTable 按优先级排列的可剥离后缀表。
// 构造时会按长度降序稳定排序，保证最长后缀优先匹配。
var suffixTable = []string{
	"ization",
	"ational",
	"fulness",
	"ousness",
	"iveness",
	"ations",
	"ements",
	"ition",
	"ation",
	"ingly",
	"ities",
	"ments",
	"ness",
	"ions",
	"ment",
	"edly",
	"able",
	"ible",
	"ing",
	"ion",
	"ies",
	"ive",
	"ous",
	"ful",
	"ers",
	"ize",
	"ed",
	"es",
	"er",
	"ly",
	"s",
}

// Stemmer 实现最长后缀匹配的轻量词干化。
// 不做 Porter 式的多轮规则，只剥离一次最长匹配后缀，
// 且要求剩余词干长度 >= 3，否则原样保留。
type Stemmer struct {
	suffixes []string
}

// NewStemmer 创建词干化器。
func NewStemmer() *Stemmer {
	suffixes := make([]string, len(suffixTable))
	copy(suffixes, suffixTable)
	sort.SliceStable(suffixes, func(i, j int) bool {
		return len(suffixes[i]) > len(suffixes[j])
	})
	return &Stemmer{suffixes: suffixes}
}

// Stem 返回 token 的词干。无匹配后缀或剥离后过短时返回原 token。
func (s *Stemmer) Stem(token string) string {
	for _, suffix := range s.suffixes {
		if len(token) <= len(suffix) {
			continue
		}
		if token[len(token)-len(suffix):] != suffix {
			continue
		}
		stem := token[:len(token)-len(suffix)]
		if len(stem) >= minStemLength {
			return stem
		}
	}
	return token
}
