package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================
// LRU 内存存储（使用双向链表实现 O(1) 操作）
// ============================================================

// MemoryStore 进程内缓存层。链表按访问时间排序，
// 头部最近使用，尾部最久未使用，超限时从尾部批量淘汰。
type MemoryStore struct {
	mu         sync.Mutex
	maxEntries int
	evictRatio float64
	items      map[string]*memNode
	head       *memNode // 最近使用
	tail       *memNode // 最久未使用

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type memNode struct {
	key          string
	value        []byte
	expiresAt    time.Time
	lastAccessed time.Time
	prev         *memNode
	next         *memNode
}

// NewMemoryStore 创建内存存储。
// maxEntries 不大于 0 时使用默认容量，evictRatio 不在 (0,1] 时使用默认比例。
func NewMemoryStore(maxEntries int, evictRatio float64) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultConfig().MaxEntries
	}
	if evictRatio <= 0 || evictRatio > 1 {
		evictRatio = DefaultConfig().EvictRatio
	}
	return &MemoryStore{
		maxEntries: maxEntries,
		evictRatio: evictRatio,
		items:      make(map[string]*memNode),
	}
}

// Get 获取缓存值。过期条目删除并按未命中处理。
func (c *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, ErrCacheMiss
	}

	// 检查过期
	if !node.expiresAt.IsZero() && time.Now().After(node.expiresAt) {
		c.removeNode(node)
		delete(c.items, key)
		c.misses.Add(1)
		return nil, ErrCacheMiss
	}

	// 移动到头部（O(1) 操作）
	node.lastAccessed = time.Now()
	c.moveToHead(node)
	c.hits.Add(1)

	return node.value, nil
}

// Set 设置缓存值
func (c *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}
	c.setWithDeadline(key, value, deadline)
	return nil
}

// setWithDeadline 按绝对截止时间写入，持久层回填时沿用原截止时间
func (c *MemoryStore) setWithDeadline(key string, value []byte, deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	// 如果已存在，更新并移动到头部
	if node, ok := c.items[key]; ok {
		node.value = value
		node.expiresAt = deadline
		node.lastAccessed = now
		c.moveToHead(node)
		return
	}

	// 检查容量，按比例淘汰最久未使用的一批
	if len(c.items) >= c.maxEntries {
		c.evictOldest()
	}

	node := &memNode{
		key:          key,
		value:        value,
		expiresAt:    deadline,
		lastAccessed: now,
	}
	c.items[key] = node
	c.addToHead(node)
}

// Delete 删除缓存值
func (c *MemoryStore) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if node, ok := c.items[key]; ok {
		c.removeNode(node)
		delete(c.items, key)
	}
	return nil
}

// Clear 清空全部条目
func (c *MemoryStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*memNode)
	c.head = nil
	c.tail = nil
}

// Close 实现 Store 接口
func (c *MemoryStore) Close() error {
	c.Clear()
	return nil
}

// Len 返回当前条目数
func (c *MemoryStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// evictOldest 从尾部淘汰 evictRatio 比例的条目，至少一条。
// 链表按访问时间有序，尾部即 lastAccessed 最旧的条目。
func (c *MemoryStore) evictOldest() {
	n := int(float64(len(c.items)) * c.evictRatio)
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && c.tail != nil; i++ {
		delete(c.items, c.tail.key)
		c.removeNode(c.tail)
		c.evictions.Add(1)
	}
}

// addToHead 添加节点到头部 O(1)
func (c *MemoryStore) addToHead(node *memNode) {
	node.prev = nil
	node.next = c.head
	if c.head != nil {
		c.head.prev = node
	}
	c.head = node
	if c.tail == nil {
		c.tail = node
	}
}

// removeNode 从链表中移除节点 O(1)
func (c *MemoryStore) removeNode(node *memNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		c.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		c.tail = node.prev
	}
}

// moveToHead 移动节点到头部 O(1)
func (c *MemoryStore) moveToHead(node *memNode) {
	if node == c.head {
		return
	}
	c.removeNode(node)
	c.addToHead(node)
}

// MemoryStats 内存层统计
type MemoryStats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Stats 返回内存层统计信息
func (c *MemoryStore) Stats() MemoryStats {
	c.mu.Lock()
	entries := len(c.items)
	c.mu.Unlock()

	return MemoryStats{
		Entries:   entries,
		Capacity:  c.maxEntries,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
