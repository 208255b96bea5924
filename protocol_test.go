package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 消息类型测试
// ============================================================================

// TestMessageType_RequestResponsePairing 测试请求与响应的奇偶配对
func TestMessageType_RequestResponsePairing(t *testing.T) {
	pairs := map[MessageType]MessageType{
		Ping:      PingResponse,
		Store:     StoreResponse,
		FindNode:  FindNodeResponse,
		FindValue: FindValueResponse,
	}

	for req, resp := range pairs {
		assert.False(t, req.IsResponse(), "%s 应该是请求", req)
		assert.True(t, resp.IsResponse(), "%s 应该是响应", resp)
		assert.Equal(t, resp, req+1, "响应类型必须紧跟请求类型")
	}

	t.Log("✅ 消息类型配对正确")
}

// ============================================================================
// 消息编解码测试
// ============================================================================

// TestMessage_EncodeDecodeRoundTrip 测试完整消息的编解码往返
func TestMessage_EncodeDecodeRoundTrip(t *testing.T) {
	sender := Digest("sender")
	key := Digest("some-key")

	msg := NewStoreRequest(sender, key, []byte(`{"data":"alice"}`))
	msg.RequestID = "req-123"

	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)

	assert.Equal(t, Store, decoded.Type)
	assert.Equal(t, "req-123", decoded.RequestID)
	assert.Equal(t, sender, decoded.Sender)
	assert.Equal(t, key, decoded.Key)
	assert.Equal(t, msg.Value, decoded.Value)

	t.Log("✅ 消息编解码往返正确")
}

// TestMessage_FindNodeResponseCarriesPeers 测试节点列表的传递
func TestMessage_FindNodeResponseCarriesPeers(t *testing.T) {
	sender := Digest("sender")
	peers := []Node{
		{ID: Digest("p1"), Host: "10.0.0.1", Port: 8468},
		{ID: Digest("p2"), Host: "10.0.0.2", Port: 8469},
	}

	msg := NewFindNodeResponse(sender, peers)
	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, peers, decoded.CloserPeers)

	t.Log("✅ 节点列表传递正确")
}

// TestMessage_FindValueResponsePayload 测试值应答的传递
func TestMessage_FindValueResponsePayload(t *testing.T) {
	sender := Digest("sender")
	dkey := Digest("some-key")
	payload := NewNodeMessage(dkey, []byte("stored-record"))

	msg := NewFindValueResponse(sender, payload)
	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	require.NotNil(t, decoded.Payload)
	assert.Equal(t, payload, *decoded.Payload)
	assert.True(t, decoded.Payload.HasData())

	t.Log("✅ 值应答传递正确")
}

// TestDecodeMessage_Malformed 测试损坏的数据报
func TestDecodeMessage_Malformed(t *testing.T) {
	_, err := DecodeMessage([]byte("garbage"))
	assert.Error(t, err)

	t.Log("✅ 损坏数据报报错正确")
}
