package tokenizer

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter 统计一段文本占用的模型 token 数。
type Counter interface {
	Count(text string) int
	Name() string
}

// NewCounter 为给定模型返回计数器。model 为空时使用字符估算器，
// 否则使用 tiktoken 精确计数（编码加载失败时逐次回退到估算）。
func NewCounter(model string) Counter {
	if model == "" {
		return NewHeuristicCounter()
	}
	return NewTiktokenCounter(model)
}

// HeuristicCounter 基于词数与字符数的混合估算器。
// 取 max(words*1.5, chars/3.5)，对短文本偏保守，对长文本接近真实值。
type HeuristicCounter struct{}

// NewHeuristicCounter 创建估算计数器。
func NewHeuristicCounter() *HeuristicCounter {
	return &HeuristicCounter{}
}

func (h *HeuristicCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	words := float64(len(strings.Fields(text)))
	chars := float64(utf8.RuneCountInString(text))

	byWords := words * 1.5
	byChars := chars / 3.5
	estimated := int(math.Ceil(math.Max(byWords, byChars)))
	if estimated == 0 {
		estimated = 1
	}
	return estimated
}

func (h *HeuristicCounter) Name() string {
	return "heuristic"
}

// counterEncodings 将模型名映射到 tiktoken 编码。
var counterEncodings = map[string]string{
	"gpt-4o":                 "o200k_base",
	"gpt-4o-mini":            "o200k_base",
	"gpt-4-turbo":            "cl100k_base",
	"gpt-4":                  "cl100k_base",
	"gpt-3.5-turbo":          "cl100k_base",
	"text-embedding-3-large": "cl100k_base",
	"text-embedding-3-small": "cl100k_base",
}

// TiktokenCounter 使用 tiktoken 做精确计数。
// 编码在首次使用时惰性加载；加载失败后每次计数回退到估算器。
type TiktokenCounter struct {
	model    string
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
	fallback *HeuristicCounter
}

// NewTiktokenCounter 为给定模型创建精确计数器。
// 未知模型先做前缀匹配，再默认 cl100k_base。
func NewTiktokenCounter(model string) *TiktokenCounter {
	encoding, ok := counterEncodings[model]
	if !ok {
		// 最长前缀优先，gpt-4o 系列不能落到 gpt-4 的编码上。
		best := ""
		for prefix, enc := range counterEncodings {
			if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
				best = prefix
				encoding = enc
				ok = true
			}
		}
	}
	if !ok {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{
		model:    model,
		encoding: encoding,
		fallback: NewHeuristicCounter(),
	}
}

func (t *TiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if err := t.init(); err != nil {
		return t.fallback.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *TiktokenCounter) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}
