package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicCounter_Count(t *testing.T) {
	c := NewHeuristicCounter()

	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"empty", "", 0},
		// 2 词、11 字符：max(2*1.5, 11/3.5) = max(3, 3.14...) = ceil -> 4
		{"two words", "hello world", 4},
		// 单字符：max(1.5, 0.29) -> 2
		{"single char", "a", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Count(tt.input))
		})
	}
}

func TestHeuristicCounter_LongTextDominatedByChars(t *testing.T) {
	c := NewHeuristicCounter()

	// 无空格长文本：词数估算失效，字符估算接管。
	text := strings.Repeat("x", 350)
	got := c.Count(text)
	assert.Equal(t, 100, got)
}

func TestHeuristicCounter_MonotonicInLength(t *testing.T) {
	c := NewHeuristicCounter()

	prev := 0
	for i := 1; i <= 20; i++ {
		text := strings.Repeat("word ", i)
		got := c.Count(text)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}

func TestNewCounter_Selection(t *testing.T) {
	assert.Equal(t, "heuristic", NewCounter("").Name())
	assert.Equal(t, "tiktoken[cl100k_base]", NewCounter("gpt-4").Name())
	// 前缀匹配。
	assert.Equal(t, "tiktoken[o200k_base]", NewCounter("gpt-4o-2024-05-13").Name())
	// 未知模型默认 cl100k_base。
	assert.Equal(t, "tiktoken[cl100k_base]", NewCounter("some-local-model").Name())
}

func TestTiktokenCounter_EmptyText(t *testing.T) {
	c := NewTiktokenCounter("gpt-4")
	assert.Equal(t, 0, c.Count(""))
}
