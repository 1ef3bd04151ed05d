package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/contextflow/internal/metrics"
)

// Layered 多级缓存入口。读取顺序为内存层、持久层，
// 持久层命中时回填内存层并沿用原截止时间。
// 持久层的 IO 错误记录日志后按未命中处理，调用方永远不会
// 因为缓存故障而失败。
type Layered struct {
	memory    *MemoryStore
	persisted Store
	collector *metrics.Collector
	logger    *zap.Logger

	persistedHits atomic.Uint64
}

// NewLayered 创建多级缓存。persisted 与 collector 均可为 nil。
func NewLayered(memory *MemoryStore, persisted Store, collector *metrics.Collector, logger *zap.Logger) *Layered {
	if memory == nil {
		cfg := DefaultConfig()
		memory = NewMemoryStore(cfg.MaxEntries, cfg.EvictRatio)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layered{
		memory:    memory,
		persisted: persisted,
		collector: collector,
		logger:    logger.With(zap.String("component", "cache")),
	}
}

// GetJSON 查找缓存并反序列化到 dest。
// 未命中返回 ErrCacheMiss，dest 保持不变。
func (c *Layered) GetJSON(ctx context.Context, key string, dest any) error {
	cacheType := namespaceOf(key)

	// 1. 查内存层
	if blob, err := c.memory.Get(ctx, key); err == nil {
		entry, decodeErr := decodeEntry(blob)
		if decodeErr == nil {
			if err := json.Unmarshal(entry.Value, dest); err == nil {
				c.collector.RecordCacheHit(cacheType, "memory")
				c.logger.Debug("memory cache hit", zap.String("key", key))
				return nil
			}
		}
		// 损坏的条目直接丢弃
		_ = c.memory.Delete(ctx, key)
	}

	// 2. 查持久层
	if c.persisted != nil {
		blob, err := c.persisted.Get(ctx, key)
		switch {
		case err == nil:
			entry, decodeErr := decodeEntry(blob)
			if decodeErr != nil {
				c.logger.Warn("corrupt persisted cache entry", zap.String("key", key), zap.Error(decodeErr))
				_ = c.persisted.Delete(ctx, key)
				break
			}
			if entry.Expired(time.Now()) {
				if delErr := c.persisted.Delete(ctx, key); delErr != nil {
					c.logger.Warn("expired entry delete failed", zap.String("key", key), zap.Error(delErr))
				}
				break
			}
			if err := json.Unmarshal(entry.Value, dest); err != nil {
				c.logger.Warn("cache value unmarshal failed", zap.String("key", key), zap.Error(err))
				break
			}
			// 回填内存层
			c.memory.setWithDeadline(key, blob, entry.ExpiresAt)
			c.persistedHits.Add(1)
			c.collector.RecordCacheHit(cacheType, "persisted")
			c.logger.Debug("persisted cache hit", zap.String("key", key))
			return nil
		case IsCacheMiss(err):
			// 两层都未命中
		default:
			// IO 错误按未命中处理
			c.logger.Warn("persisted cache get error", zap.String("key", key), zap.Error(err))
		}
	}

	c.collector.RecordCacheMiss(cacheType)
	return ErrCacheMiss
}

// SetJSON 序列化 value 并写入两层缓存。
// 持久层写入失败只记录日志，内存层写入总是生效。
func (c *Layered) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	now := time.Now()
	entry := Entry{
		Value:     raw,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	blob, err := json.Marshal(&entry)
	if err != nil {
		return err
	}

	c.memory.setWithDeadline(key, blob, entry.ExpiresAt)

	if c.persisted != nil {
		if err := c.persisted.Set(ctx, key, blob, ttl); err != nil {
			c.logger.Warn("persisted cache set error", zap.String("key", key), zap.Error(err))
		}
	}

	c.logger.Debug("cache set", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

// Delete 从两层中删除键
func (c *Layered) Delete(ctx context.Context, key string) error {
	_ = c.memory.Delete(ctx, key)

	if c.persisted != nil {
		if err := c.persisted.Delete(ctx, key); err != nil {
			c.logger.Warn("persisted cache delete error", zap.String("key", key), zap.Error(err))
			return err
		}
	}
	return nil
}

// Clear 清空内存层。持久层条目依赖各自的过期机制。
func (c *Layered) Clear() {
	c.memory.Clear()
}

// Stats 聚合两层的统计信息
type Stats struct {
	Memory        MemoryStats `json:"memory"`
	PersistedHits uint64      `json:"persisted_hits"`
	HasPersisted  bool        `json:"has_persisted"`
}

// Stats 返回缓存统计信息
func (c *Layered) Stats() Stats {
	return Stats{
		Memory:        c.memory.Stats(),
		PersistedHits: c.persistedHits.Load(),
		HasPersisted:  c.persisted != nil,
	}
}

// Close 释放两层资源
func (c *Layered) Close() error {
	_ = c.memory.Close()
	if c.persisted != nil {
		return c.persisted.Close()
	}
	return nil
}

func decodeEntry(blob []byte) (*Entry, error) {
	var entry Entry
	if err := json.Unmarshal(blob, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
