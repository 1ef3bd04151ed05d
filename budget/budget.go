// 包 budget 提供上下文组装的令牌预算计算与强制执行。
package budget

import (
	"go.uber.org/zap"

	"github.com/BaSui01/contextflow/tokenizer"
)

// Config 预算管理器配置
type Config struct {
	// MaxModelTokens 目标生成模型的上下文窗口大小
	MaxModelTokens int `json:"max_model_tokens" yaml:"max_model_tokens"`

	// SafetyMargin 预留的安全余量比例，0.0-1.0
	SafetyMargin float64 `json:"safety_margin" yaml:"safety_margin"`

	// MinPartialTokens 截断收录候选块所需的最小剩余令牌数
	MinPartialTokens int `json:"min_partial_tokens" yaml:"min_partial_tokens"`

	// CounterModel 令牌计数模型，空串使用启发式估算
	CounterModel string `json:"counter_model" yaml:"counter_model"`
}

// DefaultConfig 返回合理的默认值
func DefaultConfig() Config {
	return Config{
		MaxModelTokens:   8192,
		SafetyMargin:     0.1,
		MinPartialTokens: 100,
		CounterModel:     "",
	}
}

// TokenBudget 一次请求的令牌预算分解
type TokenBudget struct {
	TotalAvailable      int `json:"total_available"`
	ReservedForSystem   int `json:"reserved_for_system"`
	ReservedForResponse int `json:"reserved_for_response"`
	AvailableForContext int `json:"available_for_context"`
}

// Manager 计算预算并按预算组装上下文
type Manager struct {
	config  Config
	counter tokenizer.Counter
	logger  *zap.Logger
}

// NewManager 创建预算管理器。counter 为 nil 时按配置构造。
func NewManager(config Config, counter tokenizer.Counter, logger *zap.Logger) *Manager {
	if config.MaxModelTokens <= 0 {
		config.MaxModelTokens = DefaultConfig().MaxModelTokens
	}
	if config.MinPartialTokens <= 0 {
		config.MinPartialTokens = DefaultConfig().MinPartialTokens
	}
	if counter == nil {
		counter = tokenizer.NewCounter(config.CounterModel)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:  config,
		counter: counter,
		logger:  logger.With(zap.String("component", "budget")),
	}
}

// CountTokens 统计文本的令牌数
func (m *Manager) CountTokens(text string) int {
	return m.counter.Count(text)
}

// CalculateBudget 计算可用于上下文的令牌预算。
// available = maxModelTokens·(1−safetyMargin) − system − response，不小于 0。
// safetyMargin 不在 [0,1) 内时使用配置默认值。
func (m *Manager) CalculateBudget(systemPromptTokens, reservedResponseTokens int, safetyMargin float64) TokenBudget {
	if safetyMargin < 0 || safetyMargin >= 1 {
		safetyMargin = m.config.SafetyMargin
	}

	total := int(float64(m.config.MaxModelTokens) * (1 - safetyMargin))
	available := total - systemPromptTokens - reservedResponseTokens
	if available < 0 {
		available = 0
	}

	budget := TokenBudget{
		TotalAvailable:      total,
		ReservedForSystem:   systemPromptTokens,
		ReservedForResponse: reservedResponseTokens,
		AvailableForContext: available,
	}

	m.logger.Debug("budget calculated",
		zap.Int("total", total),
		zap.Int("system", systemPromptTokens),
		zap.Int("response", reservedResponseTokens),
		zap.Int("available", available))

	return budget
}
