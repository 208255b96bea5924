package dht

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
//                              迭代爬取
// ============================================================================

// crawlRPC 爬取过程用到的两种出站 RPC
//
// 由协议层实现，测试中可注入假实现。
type crawlRPC interface {
	findNode(ctx context.Context, peer Node, target NodeID) ([]Node, error)
	findValue(ctx context.Context, peer Node, dkey NodeID) (*NodeMessage, []Node, error)
}

// ============================================================================
//                              查询前沿
// ============================================================================

// crawlFrontier 查询前沿
//
// 维护按距离排序的待查节点、已查集合与已响应集合。
// 同一个节点至多被查询一次；待查列表按容量截断，
// 只保留距目标最近的 capacity 个候选。
type crawlFrontier struct {
	// target 查询目标
	target NodeID

	// capacity 待查列表容量上限
	capacity int

	// pending 待查节点（按到目标的距离非递减排序，长度不超过 capacity）
	pending []Node

	// seen 见过的节点（去重，含已被截断丢弃的）
	seen map[NodeID]struct{}

	// responded 已成功响应的节点
	responded map[NodeID]Node

	mu sync.Mutex
}

func newCrawlFrontier(target NodeID, seeds []Node, capacity int) *crawlFrontier {
	f := &crawlFrontier{
		target:    target,
		capacity:  capacity,
		seen:      make(map[NodeID]struct{}),
		responded: make(map[NodeID]Node),
	}
	f.push(seeds)
	return f
}

// push 加入新发现的节点（去重后按距离重排，超出容量的远端候选被丢弃）
func (f *crawlFrontier) push(nodes []Node) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, n := range nodes {
		if !n.HasAddr() {
			continue
		}
		if _, ok := f.seen[n.ID]; ok {
			continue
		}
		f.seen[n.ID] = struct{}{}
		f.pending = append(f.pending, n)
	}

	sort.Slice(f.pending, func(i, j int) bool {
		return CompareDistance(f.pending[i].ID, f.pending[j].ID, f.target) < 0
	})

	if len(f.pending) > f.capacity {
		f.pending = f.pending[:f.capacity]
	}
}

// nextBatch 取出最近的至多 n 个待查节点
func (f *crawlFrontier) nextBatch(n int) []Node {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n > len(f.pending) {
		n = len(f.pending)
	}

	batch := make([]Node, n)
	copy(batch, f.pending[:n])
	f.pending = f.pending[n:]
	return batch
}

// markResponded 记录一次成功响应
func (f *crawlFrontier) markResponded(node Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responded[node.ID] = node
}

// converged 爬取是否已到不动点
//
// 待查列表为空即收敛；已有 count 个节点响应后，若最近的待查
// 节点也不比第 count 近的已响应节点更近，则继续查询不会改进
// 结果，同样视为收敛。
func (f *crawlFrontier) converged(count int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return true
	}
	if len(f.responded) < count {
		return false
	}

	best := make([]Node, 0, len(f.responded))
	for _, n := range f.responded {
		best = append(best, n)
	}
	sort.Slice(best, func(i, j int) bool {
		return CompareDistance(best[i].ID, best[j].ID, f.target) < 0
	})

	kth := best[count-1]
	return CompareDistance(f.pending[0].ID, kth.ID, f.target) >= 0
}

// nearest 返回已响应节点中距目标最近的至多 count 个
func (f *crawlFrontier) nearest(count int) []Node {
	f.mu.Lock()
	defer f.mu.Unlock()

	nodes := make([]Node, 0, len(f.responded))
	for _, n := range f.responded {
		nodes = append(nodes, n)
	}

	sort.Slice(nodes, func(i, j int) bool {
		return CompareDistance(nodes[i].ID, nodes[j].ID, f.target) < 0
	})

	if len(nodes) > count {
		nodes = nodes[:count]
	}
	return nodes
}

// ============================================================================
//                              节点爬取
// ============================================================================

// nodeCrawl 迭代查找距目标最近的 k 个节点
//
// 每轮向前沿中最近的至多 alpha 个节点并行发起 find_node，
// 把响应中的更近节点推进前沿；当一轮不再产生比已知第 k 近
// 的响应节点更近的候选时收敛。
type nodeCrawl struct {
	rpc      crawlRPC
	target   NodeID
	frontier *crawlFrontier
	alpha    int
	ksize    int
}

func newNodeCrawl(rpc crawlRPC, target NodeID, seeds []Node, alpha, ksize int) *nodeCrawl {
	return &nodeCrawl{
		rpc:      rpc,
		target:   target,
		frontier: newCrawlFrontier(target, seeds, ksize),
		alpha:    alpha,
		ksize:    ksize,
	}
}

// Find 执行爬取，返回最近的至多 k 个存活节点
//
// 单个节点超时或出错只是不计入结果，不会中断爬取。
func (c *nodeCrawl) Find(ctx context.Context) ([]Node, error) {
	for !c.frontier.converged(c.ksize) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch := c.frontier.nextBatch(c.alpha)

		g := new(errgroup.Group)
		g.SetLimit(c.alpha)
		for _, peer := range batch {
			peer := peer
			g.Go(func() error {
				closer, err := c.rpc.findNode(ctx, peer, c.target)
				if err != nil {
					logger.Debug("爬取节点无响应", "peer", peer.String(), "error", err)
					return nil
				}
				c.frontier.markResponded(peer)
				c.frontier.push(closer)
				return nil
			})
		}
		_ = g.Wait()
	}

	return c.frontier.nearest(c.ksize), nil
}

// ============================================================================
//                              值爬取
// ============================================================================

// valueCrawl 迭代查找键对应的值
//
// 与节点爬取同形，但向持有值的节点收集应答而非继续扩散。
// 收集到 valuesToWait 份应答即提前终止。
type valueCrawl struct {
	rpc          crawlRPC
	dkey         NodeID
	frontier     *crawlFrontier
	alpha        int
	ksize        int
	valuesToWait int

	// found 收集到的应答（含预置的本地应答）
	found   []NodeMessage
	foundMu sync.Mutex
}

func newValueCrawl(rpc crawlRPC, dkey NodeID, seeds []Node, alpha, ksize, valuesToWait int) *valueCrawl {
	return &valueCrawl{
		rpc:          rpc,
		dkey:         dkey,
		frontier:     newCrawlFrontier(dkey, seeds, ksize),
		alpha:        alpha,
		ksize:        ksize,
		valuesToWait: valuesToWait,
	}
}

// Find 执行爬取，返回收集到的应答
//
// preseed 中的应答（通常是本地已有的副本）先行计入，
// 与远端应答一起参与后续的多数表决。
func (c *valueCrawl) Find(ctx context.Context, preseed ...NodeMessage) ([]NodeMessage, error) {
	c.found = append(c.found, preseed...)

	for !c.frontier.converged(c.ksize) && !c.enough() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch := c.frontier.nextBatch(c.alpha)

		g := new(errgroup.Group)
		g.SetLimit(c.alpha)
		for _, peer := range batch {
			peer := peer
			g.Go(func() error {
				payload, closer, err := c.rpc.findValue(ctx, peer, c.dkey)
				if err != nil {
					logger.Debug("爬取值无响应", "peer", peer.String(), "error", err)
					return nil
				}
				c.frontier.markResponded(peer)

				if payload != nil {
					c.collect(*payload)
					return nil
				}
				c.frontier.push(closer)
				return nil
			})
		}
		_ = g.Wait()
	}

	c.foundMu.Lock()
	defer c.foundMu.Unlock()
	return c.found, nil
}

func (c *valueCrawl) collect(msg NodeMessage) {
	c.foundMu.Lock()
	defer c.foundMu.Unlock()
	c.found = append(c.found, msg)
}

// enough 是否已收集到足够的应答
func (c *valueCrawl) enough() bool {
	c.foundMu.Lock()
	defer c.foundMu.Unlock()
	return len(c.found) >= c.valuesToWait
}
