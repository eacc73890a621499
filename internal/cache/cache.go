package cache

import (
	"strings"
	"sync"
	"time"
)

// Cache 通用缓存接口
type Cache interface {
	// Set 设置缓存项，ttl<=0 表示不过期
	Set(key string, value interface{}, ttl time.Duration)

	// Get 获取缓存项
	Get(key string) (interface{}, bool)

	// Delete 删除缓存项
	Delete(key string)

	// DeletePrefix 删除所有以prefix开头的缓存项
	DeletePrefix(prefix string) int

	// Keys 获取所有以prefix开头的有效键
	Keys(prefix string) []string

	// Size 获取缓存项数量
	Size() int
}

// CacheItem 缓存项
type CacheItem struct {
	Value     interface{}
	ExpiresAt time.Time
}

// IsExpired 检查是否过期
func (item *CacheItem) IsExpired(now time.Time) bool {
	return !item.ExpiresAt.IsZero() && now.After(item.ExpiresAt)
}

// MemoryCache 基于内存的缓存实现
type MemoryCache struct {
	items sync.Map
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryCache 创建内存缓存，cleanupInterval>0 时启动清理协程，需调用Stop
func NewMemoryCache(cleanupInterval time.Duration) *MemoryCache {
	c := &MemoryCache{
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.startCleanup(cleanupInterval)
	} else {
		close(c.done)
	}
	return c
}

// Set 设置缓存项
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	item := &CacheItem{Value: value}
	if ttl > 0 {
		item.ExpiresAt = c.now().Add(ttl)
	}
	c.items.Store(key, item)
}

// Get 获取缓存项
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	value, exists := c.items.Load(key)
	if !exists {
		return nil, false
	}

	item, ok := value.(*CacheItem)
	if !ok || item.IsExpired(c.now()) {
		c.items.Delete(key)
		return nil, false
	}
	return item.Value, true
}

// Delete 删除缓存项
func (c *MemoryCache) Delete(key string) {
	c.items.Delete(key)
}

// DeletePrefix 删除所有以prefix开头的缓存项
func (c *MemoryCache) DeletePrefix(prefix string) int {
	n := 0
	c.items.Range(func(key, _ interface{}) bool {
		if k, ok := key.(string); ok && strings.HasPrefix(k, prefix) {
			c.items.Delete(key)
			n++
		}
		return true
	})
	return n
}

// Keys 获取所有以prefix开头的有效键
func (c *MemoryCache) Keys(prefix string) []string {
	now := c.now()
	var keys []string
	c.items.Range(func(key, value interface{}) bool {
		k, ok := key.(string)
		if !ok || !strings.HasPrefix(k, prefix) {
			return true
		}
		if item, ok := value.(*CacheItem); ok && !item.IsExpired(now) {
			keys = append(keys, k)
		}
		return true
	})
	return keys
}

// Size 获取缓存项数量
func (c *MemoryCache) Size() int {
	return len(c.Keys(""))
}

// Stop 停止清理协程
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}

// startCleanup 定期清理过期项
func (c *MemoryCache) startCleanup(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

// cleanup 清理过期项
func (c *MemoryCache) cleanup() int {
	now := c.now()
	var expiredKeys []interface{}

	c.items.Range(func(key, value interface{}) bool {
		if item, ok := value.(*CacheItem); ok && item.IsExpired(now) {
			expiredKeys = append(expiredKeys, key)
		}
		return true
	})

	for _, key := range expiredKeys {
		c.items.Delete(key)
	}
	return len(expiredKeys)
}
