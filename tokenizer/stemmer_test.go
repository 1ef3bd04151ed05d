package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStemmer_Stem(t *testing.T) {
	s := NewStemmer()

	tests := []struct {
		token string
		want  string
	}{
		// 最长后缀优先：ization 整体剥离，而不是先剥 s 或 ion。
		{"tokenization", "token"},
		{"organizations", "organiz"},
		{"growing", "grow"},
		{"markets", "market"},
		{"companies", "compan"},
		{"effectiveness", "effect"},
		{"invested", "invest"},
		{"quickly", "quick"},
		// 剩余长度不足 3 时放弃剥离。
		{"king", "king"},
		{"es", "es"},
		{"used", "used"},
		// 无匹配后缀。
		{"growth", "growth"},
		{"risk", "risk"},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Stem(tt.token))
		})
	}
}

func TestStemmer_LongestSuffixWins(t *testing.T) {
	s := NewStemmer()

	// "ingly" 必须作为整体剥离，而不是只剥 "ly" 留下 "*ing"。
	assert.Equal(t, "increas", s.Stem("increasingly"))
}
