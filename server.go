package dht

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/iotcoop/eqitii-dht/pkg/lib/log"
)

var logger = log.Logger("dht")

// ============================================================================
//                              服务器
// ============================================================================

// Server 节点实例的高层视图
//
// 创建后通过 Listen 加入网络，对外提供 Get/Set；内部维护路由表、
// 本地存储与周期性的刷新、重发布和快照任务。
type Server struct {
	// config 节点配置
	config *Config

	// node 本节点
	node *Node

	// table 路由表
	table *RoutingTable

	// storage 本地存储
	storage *ForgetfulStore

	// protocol 协议层
	protocol *kademliaProtocol

	// endpoint 数据报端点（Listen 之后非空）
	endpoint *endpoint

	// scheduler 周期任务调度器
	scheduler *cron.Cron

	mu        sync.Mutex
	listening bool
	stopped   bool
}

// NewServer 创建服务器实例
func NewServer(opts ...Option) (*Server, error) {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	node := &Node{ID: config.NodeID}
	table := NewRoutingTable(node.ID, config.KSize, config.BucketStaleAfter)
	storage := NewForgetfulStore(config.Clock, config.MaxRecordAge)

	s := &Server{
		config:  config,
		node:    node,
		table:   table,
		storage: storage,
	}
	s.protocol = newKademliaProtocol(node, table, storage, config.Verifier, config.KSize)

	return s, nil
}

// ID 返回本节点的标识
func (s *Server) ID() NodeID {
	return s.node.ID
}

// Addr 返回实际监听地址（Listen 之前为空）
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listening {
		return ""
	}
	return s.node.Addr()
}

// ============================================================================
//                              生命周期
// ============================================================================

// Listen 绑定端口并开始服务
//
// port 为 0 时由系统分配端口；iface 为空时监听所有接口。
// 同时启动周期性的刷新任务与（配置了路径时的）快照任务。
func (s *Server) Listen(port int, iface string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServerClosed
	}
	if s.listening {
		return ErrAlreadyListening
	}

	if iface == "" {
		iface = "0.0.0.0"
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(iface), Port: port})
	if err != nil {
		return NewDHTError("listen", err, fmt.Sprintf("%s:%d", iface, port))
	}

	s.endpoint = newEndpoint(conn, s.config.RequestTimeout, s.protocol.handleRequest)
	s.protocol.endpoint = s.endpoint

	local := s.endpoint.LocalAddr()
	s.node.Host = iface
	s.node.Port = local.Port

	s.scheduler = cron.New()
	if _, err := s.scheduler.AddFunc("@every "+s.config.RefreshInterval.String(), s.refreshTable); err != nil {
		return NewDHTError("listen", err, "调度刷新任务失败")
	}
	if s.config.StatePath != "" {
		if _, err := s.scheduler.AddFunc("@every "+s.config.StateSaveInterval.String(), s.saveStateJob); err != nil {
			return NewDHTError("listen", err, "调度快照任务失败")
		}
	}
	s.scheduler.Start()

	s.listening = true
	logger.Info("节点开始监听", "id", s.node.ID.String(), "addr", s.node.Addr())
	return nil
}

// Stop 停止服务（幂等）
//
// 取消周期任务并关闭端点，在途请求以 ErrServerClosed 结束。
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	var errs error
	if s.scheduler != nil {
		<-s.scheduler.Stop().Done()
	}
	if s.endpoint != nil {
		errs = multierr.Append(errs, s.endpoint.Close())
	}
	s.listening = false

	logger.Info("节点已停止", "id", s.node.ID.String())
	return errs
}

// ============================================================================
//                              引导
// ============================================================================

// Bootstrap 通过已知节点加入网络
//
// 并行探活各引导地址，再以本节点 ID 为目标做一次爬取填充路由表。
// 所有地址都不可达时返回错误。
func (s *Server) Bootstrap(ctx context.Context, addrs []string) error {
	logger.Debug("开始引导", "contacts", len(addrs))

	if err := s.ensureListening(); err != nil {
		return NewDHTError("bootstrap", err, "")
	}
	if len(addrs) == 0 {
		return NewDHTError("bootstrap", ErrNoKnownNeighbors, "没有引导地址")
	}

	var (
		seedsMu sync.Mutex
		seeds   []Node
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			host, port, err := splitHostPort(addr)
			if err != nil {
				logger.Warn("引导地址无效", "addr", addr, "error", err)
				return nil
			}

			peer := Node{Host: host, Port: port}
			id, err := s.protocol.ping(gctx, peer)
			if err != nil {
				logger.Debug("引导节点无响应", "addr", addr, "error", err)
				return nil
			}

			seedsMu.Lock()
			seeds = append(seeds, Node{ID: id, Host: host, Port: port})
			seedsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if len(seeds) == 0 {
		return NewDHTError("bootstrap", ErrNoKnownNeighbors, "所有引导节点均无响应")
	}

	crawl := newNodeCrawl(s.protocol, s.node.ID, seeds, s.config.Alpha, s.config.KSize)
	if _, err := crawl.Find(ctx); err != nil {
		return NewDHTError("bootstrap", err, "自引导爬取失败")
	}

	logger.Info("引导完成", "neighbors", s.table.Size())
	return nil
}

// BootstrappableNeighbors 返回当前最近邻居的地址
//
// 用于在节点下线前保存，可直接作为下次 Bootstrap 的参数。
func (s *Server) BootstrappableNeighbors() []string {
	neighbors := s.table.NearestPeers(s.node.ID, s.config.KSize)
	addrs := make([]string, 0, len(neighbors))
	for _, n := range neighbors {
		addrs = append(addrs, n.Addr())
	}
	return addrs
}

// ============================================================================
//                              读写
// ============================================================================

// Get 查询键对应的值
//
// 对键摘要做一次值爬取，本地副本与远端应答一起参与多数表决。
// 网络中没有该键或没有已知邻居时返回 Data 为空的应答。
func (s *Server) Get(ctx context.Context, key string) (NodeMessage, error) {
	logger.Info("查询键", "key", key)

	if err := s.ensureListening(); err != nil {
		return NodeMessage{}, NewDHTError("get", err, key)
	}
	dkey := Digest(key)

	nearest := s.table.NearestPeers(dkey, s.config.KSize)
	if len(nearest) == 0 {
		logger.Warn("没有已知邻居，仅返回本地结果", "key", key)
		return NewNodeMessage(dkey, nil), nil
	}

	crawl := newValueCrawl(s.protocol, dkey, nearest,
		s.config.Alpha, s.config.KSize, s.config.ValuesToWait)

	var preseed []NodeMessage
	if local, ok := s.storage.Get(dkey); ok {
		preseed = append(preseed, NewNodeMessage(dkey, local))
	}

	responses, err := crawl.Find(ctx, preseed...)
	if err != nil {
		return NodeMessage{}, NewDHTError("get", err, key)
	}

	return NewNodeMessage(dkey, SelectMostCommonResponse(responses)), nil
}

// Set 向网络写入一个值
//
// 先本地校验并持久化（含授权检查与冲突合并），再发布到距键
// 摘要最近的 k 个节点。返回 true 表示至少一个远端节点接受。
func (s *Server) Set(ctx context.Context, key string, value Value) (bool, error) {
	logger.Info("写入键", "key", key, "mode", string(value.PersistMode))

	if err := s.ensureListening(); err != nil {
		return false, NewDHTError("set", err, key)
	}
	if !value.Valid(s.config.Verifier) {
		return false, NewDHTError("set", ErrUnauthorized, "值签名无效")
	}

	if err := s.persistLocally(ctx, key, value); err != nil {
		return false, err
	}

	data, err := value.Encode()
	if err != nil {
		return false, NewDHTError("set", err, key)
	}
	return s.remotePersist(ctx, Digest(key), data)
}

// persistLocally 校验并在本地持久化新值
//
// 流程：取回当前值 → 授权检查 → 按冲突规则合并 → 再次授权检查 →
// 写入本地存储。两次授权检查之间预言机状态可能变化，这里只做
// 尽力而为的缩窗，不提供原子性。
func (s *Server) persistLocally(ctx context.Context, key string, value Value) error {
	dkey := Digest(key)

	logger.Debug("取回当前值", "key", dkey.Hex())
	current, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := s.checkAuthorized(ctx, dkey, value); err != nil {
		return err
	}

	var result *StoredValue
	if current.HasData() {
		stored, err := ParseStoredValue(current.Data)
		if err != nil {
			return NewDHTError("set", err, "当前值无法解析")
		}
		result, err = mergeStoredValue(value, stored)
		if err != nil {
			return NewDHTError("set", err, key)
		}
	} else {
		result = NewStoredValue(value)
	}

	if err := s.checkAuthorized(ctx, dkey, value); err != nil {
		return err
	}

	data, err := result.Encode()
	if err != nil {
		return NewDHTError("set", err, key)
	}
	s.storage.Put(dkey, data)
	return nil
}

// checkAuthorized 向预言机查询写授权
//
// 未配置预言机时跳过检查。
func (s *Server) checkAuthorized(ctx context.Context, dkey NodeID, value Value) error {
	if s.config.Oracle == nil {
		return nil
	}

	ok, err := s.config.Oracle.HasRecord(ctx, permissionRecordID(dkey, value.Authorization.Sign))
	if err != nil {
		return NewDHTError("set", err, "授权检查失败")
	}
	if !ok {
		return NewDHTError("set", ErrUnauthorized, "预言机中没有授权记录")
	}
	return nil
}

// remotePersist 把一条序列化的值发布到距键摘要最近的 k 个节点
//
// 返回 true 当且仅当至少一个节点应答成功。
func (s *Server) remotePersist(ctx context.Context, dkey NodeID, data []byte) (bool, error) {
	nearest := s.table.NearestPeers(dkey, s.config.KSize)
	if len(nearest) == 0 {
		logger.Warn("没有已知邻居，无法发布", "key", dkey.Hex())
		return false, nil
	}

	crawl := newNodeCrawl(s.protocol, dkey, nearest, s.config.Alpha, s.config.KSize)
	nodes, err := crawl.Find(ctx)
	if err != nil {
		return false, NewDHTError("set", err, dkey.Hex())
	}

	logger.Debug("发布键值对", "key", dkey.Hex(), "targets", len(nodes))

	var (
		acceptedMu sync.Mutex
		accepted   bool
	)
	g := new(errgroup.Group)
	g.SetLimit(s.config.Alpha)
	for _, n := range nodes {
		n := n
		g.Go(func() error {
			ok, err := s.protocol.callStore(ctx, n, dkey, data)
			if err != nil {
				logger.Debug("远端保存失败", "peer", n.String(), "error", err)
				return nil
			}
			if ok {
				acceptedMu.Lock()
				accepted = true
				acceptedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return accepted, nil
}

// ============================================================================
//                              周期任务
// ============================================================================

// refreshTable 刷新久未活动的桶并重发布老记录
func (s *Server) refreshTable() {
	logger.Debug("刷新路由表")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RefreshInterval/2)
	defer cancel()

	g := new(errgroup.Group)
	g.SetLimit(s.config.Alpha)
	for _, id := range s.table.RefreshIDs() {
		id := id
		g.Go(func() error {
			seeds := s.table.NearestPeers(id, s.config.Alpha)
			crawl := newNodeCrawl(s.protocol, id, seeds, s.config.Alpha, s.config.KSize)
			if _, err := crawl.Find(ctx); err != nil {
				logger.Debug("刷新爬取失败", "target", id.Hex(), "error", err)
				return nil
			}
			s.table.MarkBucketRefreshed(id)
			return nil
		})
	}
	_ = g.Wait()

	// 重发布超过阈值年龄的记录，多写者记录逐元素展开
	for _, item := range s.storage.OlderThan(s.config.RepublishAge) {
		for _, encoded := range explodeStoredValue(item.Value) {
			if _, err := s.remotePersist(ctx, item.Key, encoded); err != nil {
				logger.Debug("重发布失败", "key", item.Key.Hex(), "error", err)
			}
		}
	}

	s.storage.CleanupExpired()
}

// saveStateJob 周期快照任务
func (s *Server) saveStateJob() {
	if err := s.SaveState(s.config.StatePath); err != nil {
		logger.Warn("保存快照失败", "path", s.config.StatePath, "error", err)
	}
}

// ensureListening 发 RPC 之前确认端点已就绪
func (s *Server) ensureListening() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrServerClosed
	}
	if !s.listening {
		return ErrNotListening
	}
	return nil
}

// splitHostPort 解析 host:port 地址
func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := net.LookupPort("udp", portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
