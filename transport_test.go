package dht

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEndpoint(t *testing.T, timeout time.Duration,
	handler func(from *net.UDPAddr, req *Message) *Message) *endpoint {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	e := newEndpoint(conn, timeout, handler)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// ============================================================================
// 端点测试
// ============================================================================

// TestEndpoint_RoundTrip 测试回环上的请求应答
func TestEndpoint_RoundTrip(t *testing.T) {
	serverID := Digest("server")
	responder := newTestEndpoint(t, time.Second, func(_ *net.UDPAddr, req *Message) *Message {
		assert.Equal(t, Ping, req.Type)
		return NewPingResponse(serverID)
	})

	caller := newTestEndpoint(t, time.Second, func(*net.UDPAddr, *Message) *Message {
		return nil
	})

	resp, err := caller.roundTrip(context.Background(),
		responder.LocalAddr().String(), NewPingRequest(Digest("client")))

	require.NoError(t, err)
	assert.Equal(t, PingResponse, resp.Type)
	assert.Equal(t, serverID, resp.Sender)

	t.Log("✅ 请求应答往返正确")
}

// TestEndpoint_ResponseCarriesRequestID 测试响应携带请求的相关 ID
func TestEndpoint_ResponseCarriesRequestID(t *testing.T) {
	responder := newTestEndpoint(t, time.Second, func(_ *net.UDPAddr, req *Message) *Message {
		// 故意不设置 RequestID，端点应该自动回填
		return NewPingResponse(Digest("server"))
	})

	caller := newTestEndpoint(t, time.Second, func(*net.UDPAddr, *Message) *Message {
		return nil
	})

	req := NewPingRequest(Digest("client"))
	resp, err := caller.roundTrip(context.Background(), responder.LocalAddr().String(), req)

	require.NoError(t, err)
	assert.Equal(t, req.RequestID, resp.RequestID)

	t.Log("✅ 相关 ID 回填正确")
}

// TestEndpoint_Timeout 测试无应答时超时
func TestEndpoint_Timeout(t *testing.T) {
	// 只收不答
	silent := newTestEndpoint(t, time.Second, func(*net.UDPAddr, *Message) *Message {
		return nil
	})

	caller := newTestEndpoint(t, 100*time.Millisecond, func(*net.UDPAddr, *Message) *Message {
		return nil
	})

	_, err := caller.roundTrip(context.Background(),
		silent.LocalAddr().String(), NewPingRequest(Digest("client")))

	assert.ErrorIs(t, err, ErrTimeout)

	t.Log("✅ 超时语义正确")
}

// TestEndpoint_ContextCancel 测试上下文取消
func TestEndpoint_ContextCancel(t *testing.T) {
	silent := newTestEndpoint(t, time.Second, func(*net.UDPAddr, *Message) *Message {
		return nil
	})

	caller := newTestEndpoint(t, 10*time.Second, func(*net.UDPAddr, *Message) *Message {
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := caller.roundTrip(ctx, silent.LocalAddr().String(), NewPingRequest(Digest("client")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	t.Log("✅ 上下文取消正确")
}

// TestEndpoint_CloseIdempotent 测试关闭的幂等性
func TestEndpoint_CloseIdempotent(t *testing.T) {
	e := newTestEndpoint(t, time.Second, func(*net.UDPAddr, *Message) *Message {
		return nil
	})

	require.NoError(t, e.Close())
	assert.NoError(t, e.Close(), "重复关闭不得报错")

	_, err := e.roundTrip(context.Background(), "127.0.0.1:1", NewPingRequest(Digest("x")))
	assert.ErrorIs(t, err, ErrServerClosed)

	t.Log("✅ 关闭幂等性正确")
}

// TestEndpoint_IgnoresGarbageDatagram 测试无法解码的数据报被忽略
func TestEndpoint_IgnoresGarbageDatagram(t *testing.T) {
	serverID := Digest("server")
	responder := newTestEndpoint(t, time.Second, func(_ *net.UDPAddr, req *Message) *Message {
		return NewPingResponse(serverID)
	})

	// 投递一份垃圾数据报，端点必须继续服务
	conn, err := net.Dial("udp", responder.LocalAddr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("definitely not json"))
	require.NoError(t, err)
	_ = conn.Close()

	caller := newTestEndpoint(t, time.Second, func(*net.UDPAddr, *Message) *Message {
		return nil
	})

	resp, err := caller.roundTrip(context.Background(),
		responder.LocalAddr().String(), NewPingRequest(Digest("client")))

	require.NoError(t, err, "垃圾数据报之后端点应该照常工作")
	assert.Equal(t, serverID, resp.Sender)

	t.Log("✅ 垃圾数据报被安全忽略")
}
