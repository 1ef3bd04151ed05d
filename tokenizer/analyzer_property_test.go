package tokenizer

import (
	"strings"
	"testing"
	"unicode"

	"pgregory.net/rapid"
)

// wordGen 生成纯字母或纯数字的词,覆盖大小写混合。
var wordGen = rapid.StringMatching(`[A-Za-z]{1,12}|[0-9]{1,6}`)

// textGen 用空格和标点把词拼成文本。
func textGen(rt *rapid.T) string {
	words := rapid.SliceOfN(wordGen, 0, 30).Draw(rt, "words")
	seps := []string{" ", ", ", ". ", "—", "\n", "(", ")"}
	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			b.WriteString(seps[rapid.IntRange(0, len(seps)-1).Draw(rt, "sep")])
		}
		b.WriteString(w)
	}
	return b.String()
}

// TestAnalyzerProperty_Deterministic 验证同一输入的两次归一化结果一致
func TestAnalyzerProperty_Deterministic(t *testing.T) {
	a := NewAnalyzer(0)
	rapid.Check(t, func(rt *rapid.T) {
		text := textGen(rt)
		first := a.Tokenize(text)
		second := a.Tokenize(text)
		if len(first) != len(second) {
			rt.Fatalf("token count diverged: %d vs %d", len(first), len(second))
		}
		for i := range first {
			if first[i] != second[i] {
				rt.Fatalf("token %d diverged: %q vs %q", i, first[i], second[i])
			}
		}
	})
}

// TestAnalyzerProperty_TokenShape 验证产出 token 的形态约束:
// 全小写、无标点、非停用词、长度不低于下限(数字标记除外)。
func TestAnalyzerProperty_TokenShape(t *testing.T) {
	a := NewAnalyzer(0)
	rapid.Check(t, func(rt *rapid.T) {
		text := textGen(rt)
		for _, tok := range a.Tokenize(text) {
			if tok == NumberMarker {
				continue
			}
			if tok != strings.ToLower(tok) {
				rt.Fatalf("token %q not lowercase", tok)
			}
			for _, r := range tok {
				if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
					rt.Fatalf("token %q contains non-alphanumeric rune %q", tok, r)
				}
			}
			if _, stop := defaultStopwords[tok]; stop {
				rt.Fatalf("stopword %q leaked through", tok)
			}
			if len(tok) < minStemLength-1 {
				rt.Fatalf("token %q shorter than minimum", tok)
			}
		}
	})
}

// TestAnalyzerProperty_Concatenation 验证以分隔符拼接的文本,
// 其 token 序列等于两段各自 token 序列的拼接。
func TestAnalyzerProperty_Concatenation(t *testing.T) {
	a := NewAnalyzer(0)
	rapid.Check(t, func(rt *rapid.T) {
		left := textGen(rt)
		right := textGen(rt)

		combined := a.Tokenize(left + " " + right)
		want := append(a.Tokenize(left), a.Tokenize(right)...)

		if len(combined) != len(want) {
			rt.Fatalf("token count %d, want %d", len(combined), len(want))
		}
		for i := range combined {
			if combined[i] != want[i] {
				rt.Fatalf("token %d = %q, want %q", i, combined[i], want[i])
			}
		}
	})
}

// TestStemmerProperty_PrefixAndLength 验证词干总是原词的前缀,
// 且剥离后缀后的词干不短于最小保留长度。
func TestStemmerProperty_PrefixAndLength(t *testing.T) {
	s := NewStemmer()
	rapid.Check(t, func(rt *rapid.T) {
		word := strings.ToLower(rapid.StringMatching(`[A-Za-z]{1,20}`).Draw(rt, "word"))
		stem := s.Stem(word)

		if !strings.HasPrefix(word, stem) {
			rt.Fatalf("stem %q is not a prefix of %q", stem, word)
		}
		if stem != word && len(stem) < minStemLength {
			rt.Fatalf("stripped stem %q shorter than %d", stem, minStemLength)
		}
	})
}

// TestAnalyzerProperty_KeywordsSubset 验证关键词集合是 token 序列的
// 去重子集,不含数字标记。
func TestAnalyzerProperty_KeywordsSubset(t *testing.T) {
	a := NewAnalyzer(0)
	rapid.Check(t, func(rt *rapid.T) {
		text := textGen(rt)

		tokens := make(map[string]struct{})
		for _, tok := range a.Tokenize(text) {
			tokens[tok] = struct{}{}
		}

		seen := make(map[string]struct{})
		for _, kw := range a.Keywords(text) {
			if kw == NumberMarker {
				rt.Fatalf("number marker leaked into keywords")
			}
			if _, ok := tokens[kw]; !ok {
				rt.Fatalf("keyword %q not among tokens", kw)
			}
			if _, dup := seen[kw]; dup {
				rt.Fatalf("duplicate keyword %q", kw)
			}
			seen[kw] = struct{}{}
		}
	})
}
