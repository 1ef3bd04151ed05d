package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// 键命名空间，区分三个逻辑缓存
const (
	// NamespaceQuery 查询级检索结果
	NamespaceQuery = "query"
	// NamespaceEmbedding 文本向量
	NamespaceEmbedding = "emb"
	// NamespaceResult 最终组装的上下文
	NamespaceResult = "result"
)

// Store 持久层抽象。实现负责自身的过期处理，
// 未命中与已过期都返回 ErrCacheMiss。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Entry 缓存条目信封，持久层中以 JSON 存储。
// ExpiresAt 随值一起保存，回填内存层时沿用原有截止时间。
type Entry struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired 判断条目在 now 时刻是否已过期
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Config 缓存配置
type Config struct {
	// MaxEntries 内存层最大条目数
	MaxEntries int `json:"max_entries" yaml:"max_entries"`

	// EvictRatio 超限时淘汰的条目比例
	EvictRatio float64 `json:"evict_ratio" yaml:"evict_ratio"`

	// QueryTTL 查询结果缓存的过期时间
	QueryTTL time.Duration `json:"query_ttl" yaml:"query_ttl"`

	// EmbeddingTTL 向量缓存的过期时间
	EmbeddingTTL time.Duration `json:"embedding_ttl" yaml:"embedding_ttl"`

	// ResultTTL 上下文缓存的过期时间
	ResultTTL time.Duration `json:"result_ttl" yaml:"result_ttl"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		MaxEntries:   10000,
		EvictRatio:   0.20,
		QueryTTL:     10 * time.Minute,
		EmbeddingTTL: 24 * time.Hour,
		ResultTTL:    5 * time.Minute,
	}
}

// TTLFor 返回命名空间对应的过期时间
func (c Config) TTLFor(namespace string) time.Duration {
	switch namespace {
	case NamespaceEmbedding:
		return c.EmbeddingTTL
	case NamespaceResult:
		return c.ResultTTL
	default:
		return c.QueryTTL
	}
}
