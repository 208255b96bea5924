package dht

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
//                              数据报端点
// ============================================================================

const (
	// maxDatagramSize 单条消息上限
	maxDatagramSize = 64 * 1024
)

// endpoint 共享的不可靠数据报端点
//
// 一个节点持有一个 UDP socket，收发共用。出站请求带相关 ID
// 登记到待决表，读取循环把匹配的响应投递回去；超时即失败，
// 本层不做重试（冗余由爬取引擎的并行扇出承担）。
type endpoint struct {
	// conn UDP socket
	conn *net.UDPConn

	// timeout 单次请求超时
	timeout time.Duration

	// handler 入站请求处理器，返回 nil 表示不应答
	handler func(from *net.UDPAddr, req *Message) *Message

	// pending 待决请求表（相关 ID → 应答通道）
	pending   map[string]chan *Message
	pendingMu sync.Mutex

	// 生命周期
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// newEndpoint 创建端点并启动读取循环
func newEndpoint(conn *net.UDPConn, timeout time.Duration, handler func(from *net.UDPAddr, req *Message) *Message) *endpoint {
	e := &endpoint{
		conn:    conn,
		timeout: timeout,
		handler: handler,
		pending: make(map[string]chan *Message),
		done:    make(chan struct{}),
	}

	e.wg.Add(1)
	go e.readLoop()

	return e
}

// LocalAddr 返回实际绑定的地址
func (e *endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// roundTrip 发送请求并等待匹配的响应
//
// 超时或端点关闭时以错误结束；对端不可达与超时不作区分。
func (e *endpoint) roundTrip(ctx context.Context, addr string, msg *Message) (*Message, error) {
	if e.closed.Load() {
		return nil, ErrServerClosed
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s failed: %w", addr, err)
	}

	// 登记待决请求
	msg.RequestID = uuid.NewString()
	ch := make(chan *Message, 1)

	e.pendingMu.Lock()
	e.pending[msg.RequestID] = ch
	e.pendingMu.Unlock()

	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, msg.RequestID)
		e.pendingMu.Unlock()
	}()

	data, err := msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode message failed: %w", err)
	}

	if _, err := e.conn.WriteToUDP(data, udpAddr); err != nil {
		return nil, fmt.Errorf("send to %s failed: %w", addr, err)
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case <-e.done:
		return nil, ErrServerClosed
	}
}

// respond 向指定地址写出一条响应
func (e *endpoint) respond(to *net.UDPAddr, msg *Message) {
	data, err := msg.Encode()
	if err != nil {
		logger.Warn("编码响应失败", "error", err)
		return
	}
	if _, err := e.conn.WriteToUDP(data, to); err != nil {
		logger.Debug("写出响应失败", "to", to.String(), "error", err)
	}
}

// readLoop 读取循环
//
// 响应按相关 ID 投递到待决表；请求交给处理器并写回应答。
// 关闭后到达的零星响应直接丢弃。
func (e *endpoint) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if e.closed.Load() {
				return
			}
			logger.Debug("读取数据报失败", "error", err)
			continue
		}

		msg, err := DecodeMessage(buf[:n])
		if err != nil {
			logger.Debug("丢弃无法解码的数据报", "from", from.String(), "error", err)
			continue
		}

		if msg.Type.IsResponse() {
			e.deliver(msg)
			continue
		}

		// 请求在独立 goroutine 中处理，避免慢处理阻塞读取
		e.wg.Add(1)
		go func(from *net.UDPAddr, req *Message) {
			defer e.wg.Done()
			resp := e.handler(from, req)
			if resp == nil || e.closed.Load() {
				return
			}
			resp.RequestID = req.RequestID
			e.respond(from, resp)
		}(cloneUDPAddr(from), msg)
	}
}

// deliver 把响应投递给对应的待决请求
func (e *endpoint) deliver(msg *Message) {
	e.pendingMu.Lock()
	ch, ok := e.pending[msg.RequestID]
	if ok {
		delete(e.pending, msg.RequestID)
	}
	e.pendingMu.Unlock()

	if !ok {
		// 迟到或陌生的响应
		logger.Debug("丢弃无主响应", "requestID", msg.RequestID, "type", msg.Type.String())
		return
	}

	ch <- msg
}

// Close 关闭端点（幂等）
//
// 关闭 socket 使读取循环退出，待决请求以 ErrServerClosed 结束。
func (e *endpoint) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(e.done)
	err := e.conn.Close()
	e.wg.Wait()
	return err
}

// cloneUDPAddr 复制地址，避免读取循环复用底层缓冲
func cloneUDPAddr(a *net.UDPAddr) *net.UDPAddr {
	ip := make(net.IP, len(a.IP))
	copy(ip, a.IP)
	return &net.UDPAddr{IP: ip, Port: a.Port, Zone: a.Zone}
}
