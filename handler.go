package dht

import (
	"context"
	"net"
	"time"
)

// ============================================================================
//                              协议处理器
// ============================================================================

// kademliaProtocol 协议层
//
// 出站四种 RPC 的客户端与入站请求的处理合并在一起：
// 两个方向共享同一个端点、同一张路由表和同一个本地存储。
type kademliaProtocol struct {
	// node 本节点
	node *Node

	// endpoint 数据报端点
	endpoint *endpoint

	// table 路由表
	table *RoutingTable

	// storage 本地存储
	storage *ForgetfulStore

	// verifier 值签名校验器
	verifier Verifier

	// ksize 每桶容量，也是 welcome 的邻近判定范围
	ksize int
}

func newKademliaProtocol(node *Node, table *RoutingTable, storage *ForgetfulStore, verifier Verifier, ksize int) *kademliaProtocol {
	return &kademliaProtocol{
		node:     node,
		table:    table,
		storage:  storage,
		verifier: verifier,
		ksize:    ksize,
	}
}

// ============================================================================
//                              出站 RPC
// ============================================================================

// ping 探活并交换节点 ID
//
// 返回对端自报的 ID；超时或响应无效时返回错误。
func (p *kademliaProtocol) ping(ctx context.Context, peer Node) (NodeID, error) {
	req := NewPingRequest(p.node.ID)
	resp, err := p.endpoint.roundTrip(ctx, peer.Addr(), req)
	if err != nil {
		return NodeID{}, err
	}
	if resp.Type != PingResponse {
		return NodeID{}, NewDHTError("ping", ErrInvalidResponse, resp.Type.String())
	}

	p.welcomeIfNewNode(Node{ID: resp.Sender, Host: peer.Host, Port: peer.Port})
	return resp.Sender, nil
}

// callStore 请求对端保存一个键值对
func (p *kademliaProtocol) callStore(ctx context.Context, peer Node, dkey NodeID, value []byte) (bool, error) {
	req := NewStoreRequest(p.node.ID, dkey, value)
	resp, err := p.endpoint.roundTrip(ctx, peer.Addr(), req)
	if err != nil {
		p.table.Remove(peer.ID)
		return false, err
	}
	if resp.Type != StoreResponse {
		return false, NewDHTError("store", ErrInvalidResponse, resp.Type.String())
	}

	p.welcomeIfNewNode(Node{ID: resp.Sender, Host: peer.Host, Port: peer.Port})
	return resp.Success, nil
}

// findNode 请求对端返回距目标最近的节点
func (p *kademliaProtocol) findNode(ctx context.Context, peer Node, target NodeID) ([]Node, error) {
	req := NewFindNodeRequest(p.node.ID, target)
	resp, err := p.endpoint.roundTrip(ctx, peer.Addr(), req)
	if err != nil {
		p.table.Remove(peer.ID)
		return nil, err
	}
	if resp.Type != FindNodeResponse {
		return nil, NewDHTError("find_node", ErrInvalidResponse, resp.Type.String())
	}

	p.welcomeIfNewNode(Node{ID: resp.Sender, Host: peer.Host, Port: peer.Port})
	return resp.CloserPeers, nil
}

// findValue 请求对端返回键对应的值或更近的节点
//
// 返回 (值, 更近节点, 错误)：持有值的对端返回前者，否则返回后者。
func (p *kademliaProtocol) findValue(ctx context.Context, peer Node, dkey NodeID) (*NodeMessage, []Node, error) {
	req := NewFindValueRequest(p.node.ID, dkey)
	resp, err := p.endpoint.roundTrip(ctx, peer.Addr(), req)
	if err != nil {
		p.table.Remove(peer.ID)
		return nil, nil, err
	}
	if resp.Type != FindValueResponse {
		return nil, nil, NewDHTError("find_value", ErrInvalidResponse, resp.Type.String())
	}

	p.welcomeIfNewNode(Node{ID: resp.Sender, Host: peer.Host, Port: peer.Port})

	if resp.Payload != nil && resp.Payload.HasData() {
		return resp.Payload, nil, nil
	}
	return nil, resp.CloserPeers, nil
}

// ============================================================================
//                              入站处理
// ============================================================================

// handleRequest 入站请求入口，由端点的读取循环调用
func (p *kademliaProtocol) handleRequest(from *net.UDPAddr, req *Message) *Message {
	sender := Node{ID: req.Sender, Host: from.IP.String(), Port: from.Port}

	switch req.Type {
	case Ping:
		return p.handlePing(sender)
	case Store:
		return p.handleStore(sender, req)
	case FindNode:
		return p.handleFindNode(sender, req)
	case FindValue:
		return p.handleFindValue(sender, req)
	default:
		logger.Debug("拒绝未知请求", "type", req.Type, "from", from.String())
		return NewErrorResponse(p.node.ID, req.Type, "unknown request type")
	}
}

func (p *kademliaProtocol) handlePing(sender Node) *Message {
	p.welcomeIfNewNode(sender)
	return NewPingResponse(p.node.ID)
}

// handleStore 保存入站键值对
//
// 新值先做签名与模式校验，再与本地已有记录按冲突规则合并；
// 校验或合并失败时拒绝保存并应答失败。
func (p *kademliaProtocol) handleStore(sender Node, req *Message) *Message {
	p.welcomeIfNewNode(sender)

	value, err := DecodeValue(req.Value)
	if err != nil {
		logger.Debug("拒绝无法解码的存储请求", "from", sender.String(), "error", err)
		return NewStoreResponse(p.node.ID, false, "malformed value")
	}
	if !value.Valid(p.verifier) {
		logger.Debug("拒绝签名无效的存储请求", "from", sender.String(), "key", req.Key.Hex())
		return NewStoreResponse(p.node.ID, false, "invalid signature")
	}

	merged, err := p.mergeWithLocal(req.Key, value)
	if err != nil {
		logger.Debug("合并存储请求失败", "from", sender.String(), "key", req.Key.Hex(), "error", err)
		return NewStoreResponse(p.node.ID, false, err.Error())
	}

	data, err := merged.Encode()
	if err != nil {
		logger.Warn("编码存储记录失败", "key", req.Key.Hex(), "error", err)
		return NewStoreResponse(p.node.ID, false, "internal error")
	}

	logger.Debug("保存键值对", "from", sender.String(), "key", req.Key.Hex())
	p.storage.Put(req.Key, data)
	return NewStoreResponse(p.node.ID, true, "")
}

// mergeWithLocal 把入站值与本地已有记录合并
func (p *kademliaProtocol) mergeWithLocal(dkey NodeID, value Value) (*StoredValue, error) {
	existingData, ok := p.storage.Get(dkey)
	if !ok {
		return NewStoredValue(value), nil
	}

	existing, err := ParseStoredValue(existingData)
	if err != nil {
		// 本地记录损坏，用新值覆盖
		logger.Warn("本地记录无法解析，覆盖", "key", dkey.Hex(), "error", err)
		return NewStoredValue(value), nil
	}

	return mergeStoredValue(value, existing)
}

func (p *kademliaProtocol) handleFindNode(sender Node, req *Message) *Message {
	logger.Debug("查找节点", "from", sender.String(), "target", req.Target.Hex())
	p.welcomeIfNewNode(sender)

	peers := p.table.NearestPeers(req.Target, p.ksize, sender.ID)
	return NewFindNodeResponse(p.node.ID, peers)
}

func (p *kademliaProtocol) handleFindValue(sender Node, req *Message) *Message {
	p.welcomeIfNewNode(sender)

	data, ok := p.storage.Get(req.Key)
	if !ok {
		// 没有值，退化为查找节点
		peers := p.table.NearestPeers(req.Key, p.ksize, sender.ID)
		return NewFindValueResponseWithPeers(p.node.ID, peers)
	}

	payload := NewNodeMessage(req.Key, data)
	return NewFindValueResponse(p.node.ID, payload)
}

// ============================================================================
//                              节点接纳
// ============================================================================

// welcomeIfNewNode 接纳新发现的节点
//
// 老节点只刷新活跃度。首次见到的节点除加入路由表外，还要把
// 本节点持有的、该新节点比已知邻居更近的键值对主动移交过去，
// 避免新节点空窗期丢请求。
func (p *kademliaProtocol) welcomeIfNewNode(peer Node) {
	if peer.ID == p.node.ID || !peer.HasAddr() {
		return
	}

	rn := &RoutingNode{Node: peer, LastSeen: time.Now()}
	if p.table.Has(peer.ID) {
		p.table.Add(rn)
		return
	}

	logger.Debug("接纳新节点", "peer", peer.String())

	for _, item := range p.storage.Items() {
		if p.shouldHandOff(peer, item.Key) {
			go p.handOff(peer, item.Key, item.Value)
		}
	}

	added, candidate := p.table.Add(rn)
	if !added && candidate != nil {
		// 桶满，探活最久未响应的旧节点，失败则让位
		go p.probeEvictionCandidate(*candidate)
	}
}

// shouldHandOff 判断一个键是否应移交给新节点
//
// 条件：新节点落在该键的 k 邻域内，且本节点到键的距离比
// 已知最近邻居更近（说明本节点此前是该键的责任节点之一）。
func (p *kademliaProtocol) shouldHandOff(peer Node, dkey NodeID) bool {
	neighbors := p.table.NearestPeers(dkey, p.ksize, peer.ID)
	if len(neighbors) == 0 {
		return true
	}

	last := neighbors[len(neighbors)-1]
	if len(neighbors) >= p.ksize && CompareDistance(peer.ID, last.ID, dkey) > 0 {
		return false
	}

	return CompareDistance(p.node.ID, neighbors[0].ID, dkey) < 0
}

// handOff 把一条存储记录逐元素移交给新节点
func (p *kademliaProtocol) handOff(peer Node, dkey NodeID, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.endpoint.timeout)
	defer cancel()

	for _, encoded := range explodeStoredValue(data) {
		if _, err := p.callStore(ctx, peer, dkey, encoded); err != nil {
			logger.Debug("移交键值对失败", "peer", peer.String(), "key", dkey.Hex(), "error", err)
			return
		}
	}
}

// probeEvictionCandidate 探活桶满时的待淘汰节点
//
// 旧节点仍有响应则保留（Kademlia 偏好长寿节点）；无响应则移除，
// 替补缓存中的新节点顶上。
func (p *kademliaProtocol) probeEvictionCandidate(candidate RoutingNode) {
	ctx, cancel := context.WithTimeout(context.Background(), p.endpoint.timeout)
	defer cancel()

	if _, err := p.ping(ctx, candidate.Node); err != nil {
		logger.Debug("淘汰无响应的旧节点", "peer", candidate.Node.String())
		p.table.Remove(candidate.Node.ID)
	}
}

// explodeStoredValue 把存储记录拆成逐元素的 store 载荷
//
// 多写者记录按元素拆开逐条发送，单写者记录原样一条。
// 无法解析的记录跳过。
func explodeStoredValue(data []byte) [][]byte {
	stored, err := ParseStoredValue(data)
	if err != nil {
		return nil
	}

	values := stored.Values()
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		encoded, err := v.Encode()
		if err != nil {
			continue
		}
		out = append(out, encoded)
	}
	return out
}
