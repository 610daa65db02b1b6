package store

import (
	"sync"

	"marlin/internal/market"
)

// RowCache 是供外部协作方（优化器）使用的读多写少共享缓存：
// 按 key 分片降低锁争用；每个条目带最大读取次数，读满即淘汰，
// 从而给缓存体量一个与读取压力成比例的上界。
type RowCache struct {
	shards   []cacheShard
	maxReads int
}

type cacheShard struct {
	mu   sync.Mutex
	data map[string]*cacheEntry
}

type cacheEntry struct {
	rows  []market.Row
	reads int
}

const (
	defaultCacheShards = 32
	defaultMaxReads    = 64
)

// NewRowCache 构造缓存。maxReads <= 0 时取默认值。
func NewRowCache(maxReads int) *RowCache {
	if maxReads <= 0 {
		maxReads = defaultMaxReads
	}
	c := &RowCache{
		shards:   make([]cacheShard, defaultCacheShards),
		maxReads: maxReads,
	}
	for i := range c.shards {
		c.shards[i] = cacheShard{data: make(map[string]*cacheEntry)}
	}
	return c
}

func (c *RowCache) shardFor(key string) *cacheShard {
	return &c.shards[hashKey(key)%uint32(len(c.shards))]
}

// Put 写入（覆盖）一个条目并重置其读取计数。
func (c *RowCache) Put(key string, rows []market.Row) {
	dst := make([]market.Row, len(rows))
	copy(dst, rows)
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.data[key] = &cacheEntry{rows: dst}
}

// Get 读取条目。达到最大读取次数的条目在返回本次结果后被淘汰。
func (c *RowCache) Get(key string) ([]market.Row, bool) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.data[key]
	if !ok {
		return nil, false
	}
	e.reads++
	out := make([]market.Row, len(e.rows))
	copy(out, e.rows)
	if e.reads >= c.maxReads {
		delete(sh.data, key)
	}
	return out, true
}

// Len 返回当前条目总数。
func (c *RowCache) Len() int {
	n := 0
	for i := range c.shards {
		c.shards[i].mu.Lock()
		n += len(c.shards[i].data)
		c.shards[i].mu.Unlock()
	}
	return n
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
