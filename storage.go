package dht

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ============================================================================
//                              本地存储
// ============================================================================

// storeRecord 存储条目
type storeRecord struct {
	// value 序列化后的存储值
	value []byte

	// storedAt 最后写入时间
	storedAt time.Time
}

// StoreItem 存储条目的对外快照
type StoreItem struct {
	// Key 键摘要
	Key NodeID

	// Value 序列化后的存储值
	Value []byte
}

// ForgetfulStore 会遗忘的键值存储
//
// 每个条目带最后写入时间戳，超过最大存活时间后对读取不可见。
// Get 永远不会返回过期条目；过期条目由 CleanupExpired 周期性移除。
// 时钟通过注入获得，测试可使用 clock.Mock 推进时间。
type ForgetfulStore struct {
	// 存储 map
	records map[NodeID]*storeRecord

	// 条目最大存活时间
	maxAge time.Duration

	// 注入的时钟
	clk clock.Clock

	mu sync.RWMutex
}

// NewForgetfulStore 创建存储
func NewForgetfulStore(clk clock.Clock, maxAge time.Duration) *ForgetfulStore {
	return &ForgetfulStore{
		records: make(map[NodeID]*storeRecord),
		maxAge:  maxAge,
		clk:     clk,
	}
}

// Put 写入值（覆盖并刷新时间戳）
func (s *ForgetfulStore) Put(key NodeID, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = &storeRecord{
		value:    value,
		storedAt: s.clk.Now(),
	}
}

// Get 读取值
//
// 条目超过最大存活时间视同不存在。
func (s *ForgetfulStore) Get(key NodeID) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[key]
	if !exists {
		return nil, false
	}

	if s.expired(record) {
		return nil, false
	}

	return record.value, true
}

// OlderThan 返回写入时间早于 now-age 的存活条目
//
// 已过期的条目不包含在内。用于重新发布扫描。
func (s *ForgetfulStore) OlderThan(age time.Duration) []StoreItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.clk.Now().Add(-age)

	var items []StoreItem
	for key, record := range s.records {
		if s.expired(record) {
			continue
		}
		if record.storedAt.Before(cutoff) || record.storedAt.Equal(cutoff) {
			items = append(items, StoreItem{Key: key, Value: record.value})
		}
	}

	return items
}

// Items 返回所有存活条目
func (s *ForgetfulStore) Items() []StoreItem {
	return s.OlderThan(0)
}

// Size 返回存活条目数量
func (s *ForgetfulStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, record := range s.records {
		if !s.expired(record) {
			count++
		}
	}
	return count
}

// CleanupExpired 清理过期条目
func (s *ForgetfulStore) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, record := range s.records {
		if s.expired(record) {
			delete(s.records, key)
			count++
		}
	}

	return count
}

// expired 检查条目是否超过最大存活时间（调用方需持有锁）
func (s *ForgetfulStore) expired(record *storeRecord) bool {
	return s.clk.Now().Sub(record.storedAt) > s.maxAge
}
