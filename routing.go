package dht

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
//                              路由表节点
// ============================================================================

// RoutingNode 路由表节点
type RoutingNode struct {
	// Node 节点身份与地址
	Node Node

	// LastSeen 最后一次见到的时间
	LastSeen time.Time

	// FailCount 连续失败次数
	FailCount int
}

// ============================================================================
//                              K 桶
// ============================================================================

// KBucket K 桶
//
// 节点按活跃度排列（最近活跃的在前）。桶满时新节点进入替换缓存，
// 由调用方对最久未活跃的节点做存活探测后决定是否驱逐。
type KBucket struct {
	// 节点列表（最近活跃的在前）
	nodes []*RoutingNode

	// 替换缓存（当桶满时存储候选节点）
	replacementCache []*RoutingNode

	// 桶容量
	capacity int

	// 最后活跃时间（插入都会刷新）
	lastRefresh time.Time

	mu sync.RWMutex
}

// NewKBucket 创建新的 K 桶
func NewKBucket(capacity int) *KBucket {
	return &KBucket{
		nodes:            make([]*RoutingNode, 0, capacity),
		replacementCache: make([]*RoutingNode, 0, capacity),
		capacity:         capacity,
		lastRefresh:      time.Now(),
	}
}

// Size 返回桶中节点数量
func (b *KBucket) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes)
}

// IsFull 检查桶是否已满
func (b *KBucket) IsFull() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.nodes) >= b.capacity
}

// Nodes 返回所有节点
func (b *KBucket) Nodes() []*RoutingNode {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*RoutingNode, len(b.nodes))
	copy(result, b.nodes)
	return result
}

// Add 添加节点
//
// 返回 (added, evictCandidate)：
//   - 节点已存在或桶未满时 added=true，evictCandidate=nil
//   - 桶满时 added=false，节点进入替换缓存，evictCandidate 为桶中
//     最久未活跃的节点，调用方应对其做存活探测，失败则 Remove 驱逐
//
// 任何插入都刷新桶的活跃时间戳。
func (b *KBucket) Add(node *RoutingNode) (bool, *RoutingNode) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastRefresh = time.Now()

	// 检查节点是否已存在
	for i, existing := range b.nodes {
		if existing.Node.ID == node.Node.ID {
			// 移动到列表前端（最近活跃）
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.nodes = append([]*RoutingNode{node}, b.nodes...)
			return true, nil
		}
	}

	// 如果桶未满，直接添加到前端
	if len(b.nodes) < b.capacity {
		b.nodes = append([]*RoutingNode{node}, b.nodes...)
		return true, nil
	}

	// 桶已满，添加到替换缓存，最久未活跃的节点作为驱逐候选
	b.addToReplacementCache(node)
	return false, b.nodes[len(b.nodes)-1]
}

// addToReplacementCache 添加到替换缓存
func (b *KBucket) addToReplacementCache(node *RoutingNode) {
	// 检查是否已在缓存中
	for i, existing := range b.replacementCache {
		if existing.Node.ID == node.Node.ID {
			// 移动到列表前端
			b.replacementCache = append(b.replacementCache[:i], b.replacementCache[i+1:]...)
			b.replacementCache = append([]*RoutingNode{node}, b.replacementCache...)
			return
		}
	}

	// 添加到前端
	b.replacementCache = append([]*RoutingNode{node}, b.replacementCache...)

	// 限制缓存大小
	if len(b.replacementCache) > b.capacity {
		b.replacementCache = b.replacementCache[:b.capacity]
	}
}

// Remove 移除节点
//
// 从节点列表移除时自动从替换缓存提升一个候选节点。
func (b *KBucket) Remove(id NodeID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	// 从节点列表中移除
	for i, node := range b.nodes {
		if node.Node.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)

			// 从替换缓存中提升一个节点
			if len(b.replacementCache) > 0 {
				replacement := b.replacementCache[0]
				b.replacementCache = b.replacementCache[1:]
				b.nodes = append(b.nodes, replacement)
			}

			return true
		}
	}

	// 从替换缓存中移除
	for i, node := range b.replacementCache {
		if node.Node.ID == id {
			b.replacementCache = append(b.replacementCache[:i], b.replacementCache[i+1:]...)
			return true
		}
	}

	return false
}

// Get 获取节点
func (b *KBucket) Get(id NodeID) *RoutingNode {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, node := range b.nodes {
		if node.Node.ID == id {
			return node
		}
	}

	return nil
}

// NeedRefresh 检查是否需要刷新
func (b *KBucket) NeedRefresh(staleAfter time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return time.Since(b.lastRefresh) > staleAfter
}

// MarkRefreshed 标记已刷新
func (b *KBucket) MarkRefreshed() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastRefresh = time.Now()
}

// ============================================================================
//                              路由表
// ============================================================================

// RoutingTable 路由表
//
// 按与本地 ID 的共同前缀长度分桶，每桶容量 ksize。
// 每个已知节点至多出现在一个桶中。
type RoutingTable struct {
	// 本地节点 ID
	localID NodeID

	// K 桶数组（KeySize 个桶）
	buckets []*KBucket

	// 桶空闲阈值，超过则该桶参与刷新
	staleAfter time.Duration
}

// NewRoutingTable 创建新的路由表
func NewRoutingTable(localID NodeID, ksize int, staleAfter time.Duration) *RoutingTable {
	rt := &RoutingTable{
		localID:    localID,
		buckets:    make([]*KBucket, KeySize),
		staleAfter: staleAfter,
	}

	for i := 0; i < KeySize; i++ {
		rt.buckets[i] = NewKBucket(ksize)
	}

	return rt
}

// Add 添加节点
//
// 返回值语义与 KBucket.Add 相同；本地节点自身不会被添加。
func (rt *RoutingTable) Add(node *RoutingNode) (bool, *RoutingNode) {
	if node.Node.ID == rt.localID {
		return false, nil
	}

	idx := BucketIndex(rt.localID, node.Node.ID)
	return rt.buckets[idx].Add(node)
}

// Remove 移除节点
func (rt *RoutingTable) Remove(id NodeID) bool {
	if id == rt.localID {
		return false
	}

	idx := BucketIndex(rt.localID, id)
	return rt.buckets[idx].Remove(id)
}

// Get 获取节点
func (rt *RoutingTable) Get(id NodeID) *RoutingNode {
	if id == rt.localID {
		return nil
	}

	idx := BucketIndex(rt.localID, id)
	return rt.buckets[idx].Get(id)
}

// Has 检查节点是否已在路由表中
func (rt *RoutingTable) Has(id NodeID) bool {
	return rt.Get(id) != nil
}

// Size 返回路由表中的节点总数
func (rt *RoutingTable) Size() int {
	total := 0
	for _, bucket := range rt.buckets {
		total += bucket.Size()
	}
	return total
}

// NearestPeers 查找距离 target 最近的 N 个节点
//
// 结果按距离非递减排序，不含重复，不含 exclude 中的 ID。
func (rt *RoutingTable) NearestPeers(target NodeID, count int, exclude ...NodeID) []Node {
	excluded := make(map[NodeID]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	// 收集所有节点
	var allNodes []Node
	for _, bucket := range rt.buckets {
		for _, rn := range bucket.Nodes() {
			if _, skip := excluded[rn.Node.ID]; skip {
				continue
			}
			allNodes = append(allNodes, rn.Node)
		}
	}

	// 按距离排序
	sort.Slice(allNodes, func(i, j int) bool {
		return CompareDistance(allNodes[i].ID, allNodes[j].ID, target) < 0
	})

	// 返回前 N 个
	if len(allNodes) > count {
		allNodes = allNodes[:count]
	}

	return allNodes
}

// AllNodes 返回所有节点
func (rt *RoutingTable) AllNodes() []Node {
	var allNodes []Node
	for _, bucket := range rt.buckets {
		for _, rn := range bucket.Nodes() {
			allNodes = append(allNodes, rn.Node)
		}
	}

	return allNodes
}

// RefreshIDs 返回需要刷新的桶的代表 ID
//
// 每个超过空闲阈值的非空桶给出一个落在其距离范围内的随机 ID，
// 由上层对该 ID 发起爬取以重新填充桶。空桶对应从未接触过的
// 距离范围，没有可供爬取的起点，跳过。
func (rt *RoutingTable) RefreshIDs() []NodeID {
	var ids []NodeID
	for i, bucket := range rt.buckets {
		if bucket.Size() > 0 && bucket.NeedRefresh(rt.staleAfter) {
			ids = append(ids, randomIDInBucket(rt.localID, i))
		}
	}

	return ids
}

// MarkBucketRefreshed 标记目标 ID 所在的桶已刷新
func (rt *RoutingTable) MarkBucketRefreshed(target NodeID) {
	if target == rt.localID {
		return
	}
	rt.buckets[BucketIndex(rt.localID, target)].MarkRefreshed()
}
