package dht

import (
	"encoding/json"
)

// ============================================================================
//                              消息类型
// ============================================================================

// MessageType 消息类型
//
// 请求为奇数，对应响应 = 请求 + 1。
type MessageType uint8

const (
	// Ping PING 请求
	Ping MessageType = iota + 1
	// PingResponse PING 响应
	PingResponse

	// Store STORE 请求
	Store
	// StoreResponse STORE 响应
	StoreResponse

	// FindNode FIND_NODE 请求
	FindNode
	// FindNodeResponse FIND_NODE 响应
	FindNodeResponse

	// FindValue FIND_VALUE 请求
	FindValue
	// FindValueResponse FIND_VALUE 响应
	FindValueResponse
)

// String 返回消息类型的字符串表示
func (m MessageType) String() string {
	switch m {
	case Ping:
		return "PING"
	case PingResponse:
		return "PING_RESPONSE"
	case Store:
		return "STORE"
	case StoreResponse:
		return "STORE_RESPONSE"
	case FindNode:
		return "FIND_NODE"
	case FindNodeResponse:
		return "FIND_NODE_RESPONSE"
	case FindValue:
		return "FIND_VALUE"
	case FindValueResponse:
		return "FIND_VALUE_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// IsResponse 检查是否为响应类型
func (m MessageType) IsResponse() bool {
	return m%2 == 0
}

// ============================================================================
//                              消息结构
// ============================================================================

// Message DHT 消息
//
// 一个 UDP 数据报承载一条 JSON 编码的消息。
type Message struct {
	// Type 消息类型
	Type MessageType `json:"type"`

	// RequestID 请求 ID（用于匹配请求和响应）
	RequestID string `json:"request_id"`

	// Sender 发送者节点 ID（发送者地址由数据报源地址给出）
	Sender NodeID `json:"sender"`

	// Target 目标节点 ID（用于 FIND_NODE）
	Target NodeID `json:"target,omitempty"`

	// Key 键摘要（用于 STORE/FIND_VALUE）
	Key NodeID `json:"key,omitempty"`

	// Value 序列化的单个值（用于 STORE）
	Value []byte `json:"value,omitempty"`

	// Payload 查询应答（用于 FIND_VALUE 响应，找到值时携带）
	Payload *NodeMessage `json:"payload,omitempty"`

	// CloserPeers 更近的节点列表（用于响应）
	CloserPeers []Node `json:"closer_peers,omitempty"`

	// Success 操作是否成功
	Success bool `json:"success,omitempty"`

	// Error 错误信息
	Error string `json:"error,omitempty"`
}

// Encode 编码消息为字节数组
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage 从字节数组解码消息
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ============================================================================
//                              请求构造器
// ============================================================================

// NewPingRequest 创建 PING 请求
func NewPingRequest(sender NodeID) *Message {
	return &Message{
		Type:   Ping,
		Sender: sender,
	}
}

// NewPingResponse 创建 PING 响应
func NewPingResponse(sender NodeID) *Message {
	return &Message{
		Type:    PingResponse,
		Sender:  sender,
		Success: true,
	}
}

// NewStoreRequest 创建 STORE 请求
func NewStoreRequest(sender NodeID, key NodeID, value []byte) *Message {
	return &Message{
		Type:   Store,
		Sender: sender,
		Key:    key,
		Value:  value,
	}
}

// NewStoreResponse 创建 STORE 响应
func NewStoreResponse(sender NodeID, success bool, errMsg string) *Message {
	return &Message{
		Type:    StoreResponse,
		Sender:  sender,
		Success: success,
		Error:   errMsg,
	}
}

// NewFindNodeRequest 创建 FIND_NODE 请求
func NewFindNodeRequest(sender NodeID, target NodeID) *Message {
	return &Message{
		Type:   FindNode,
		Sender: sender,
		Target: target,
	}
}

// NewFindNodeResponse 创建 FIND_NODE 响应
func NewFindNodeResponse(sender NodeID, closerPeers []Node) *Message {
	return &Message{
		Type:        FindNodeResponse,
		Sender:      sender,
		CloserPeers: closerPeers,
		Success:     true,
	}
}

// NewFindValueRequest 创建 FIND_VALUE 请求
func NewFindValueRequest(sender NodeID, key NodeID) *Message {
	return &Message{
		Type:   FindValue,
		Sender: sender,
		Key:    key,
	}
}

// NewFindValueResponse 创建 FIND_VALUE 响应（找到值）
func NewFindValueResponse(sender NodeID, payload NodeMessage) *Message {
	return &Message{
		Type:    FindValueResponse,
		Sender:  sender,
		Payload: &payload,
		Success: true,
	}
}

// NewFindValueResponseWithPeers 创建 FIND_VALUE 响应（返回更近节点）
func NewFindValueResponseWithPeers(sender NodeID, closerPeers []Node) *Message {
	return &Message{
		Type:        FindValueResponse,
		Sender:      sender,
		CloserPeers: closerPeers,
		Success:     true,
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(sender NodeID, reqType MessageType, errMsg string) *Message {
	// 响应类型 = 请求类型 + 1
	responseType := reqType + 1
	if reqType.IsResponse() {
		responseType = reqType
	}
	return &Message{
		Type:    responseType,
		Sender:  sender,
		Success: false,
		Error:   errMsg,
	}
}
