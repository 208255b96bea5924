package dht

import (
	"errors"
	"fmt"
)

// 预定义错误
var (
	// ErrUnauthorized 未授权的写入（授权记录缺失或签名与写策略不符）
	ErrUnauthorized = errors.New("dht: unauthorized operation")

	// ErrMalformedRecord 存储表示无法解析
	ErrMalformedRecord = errors.New("dht: malformed stored record")

	// ErrInvalidKey 无效键
	ErrInvalidKey = errors.New("dht: invalid key")

	// ErrTimeout 请求超时
	ErrTimeout = errors.New("dht: request timeout")

	// ErrServerClosed 服务已关闭
	ErrServerClosed = errors.New("dht: server is closed")

	// ErrAlreadyListening 已在监听
	ErrAlreadyListening = errors.New("dht: server already listening")

	// ErrNotListening 尚未监听
	ErrNotListening = errors.New("dht: server not listening")

	// ErrNoKnownNeighbors 没有已知邻居
	ErrNoKnownNeighbors = errors.New("dht: no known neighbors")

	// ErrInvalidConfig 无效配置
	ErrInvalidConfig = errors.New("dht: invalid config")

	// ErrInvalidResponse 无效响应
	ErrInvalidResponse = errors.New("dht: invalid response")

	// ErrNoState 快照中没有可恢复的状态
	ErrNoState = errors.New("dht: no saved state")
)

// DHTError DHT 错误类型
type DHTError struct {
	Op      string // 操作名称
	Err     error  // 底层错误
	Message string // 错误消息
}

// Error 实现 error 接口
func (e *DHTError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("dht %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("dht %s: %v", e.Op, e.Err)
}

// Unwrap 实现错误解包
func (e *DHTError) Unwrap() error {
	return e.Err
}

// NewDHTError 创建 DHT 错误
func NewDHTError(op string, err error, message string) *DHTError {
	return &DHTError{
		Op:      op,
		Err:     err,
		Message: message,
	}
}
