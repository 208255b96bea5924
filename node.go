package dht

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"

	"github.com/mr-tron/base58"
)

// ============================================================================
//                              节点标识
// ============================================================================

const (
	// IDLength 节点 ID 长度（字节）
	IDLength = 20

	// KeySize 密钥大小（160 位）
	KeySize = IDLength * 8
)

// NodeID 节点标识，同时也是键摘要的定义域
//
// 固定 160 位，由随机种子或 sha1 摘要得到。
type NodeID [IDLength]byte

// Digest 计算键的摘要
//
// 键摘要与节点 ID 共享同一个 XOR 度量空间。
func Digest(key string) NodeID {
	return NodeID(sha1.Sum([]byte(key)))
}

// RandomNodeID 生成随机节点 ID
func RandomNodeID() NodeID {
	var id NodeID
	// crypto/rand 读取固定长度不会失败
	_, _ = rand.Read(id[:])
	return id
}

// NodeIDFromBytes 从字节切片构造节点 ID
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != IDLength {
		return id, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// NodeIDFromHex 从十六进制字符串构造节点 ID
func NodeIDFromHex(s string) (NodeID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return NodeID{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return NodeIDFromBytes(b)
}

// Hex 返回十六进制表示
func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

// String 返回 base58 短表示（用于日志）
func (id NodeID) String() string {
	return base58.Encode(id[:])
}

// IsZero 检查是否为零值 ID
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// MarshalText 实现 encoding.TextMarshaler（JSON 中以十六进制传输）
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := NodeIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ============================================================================
//                              节点
// ============================================================================

// Node 网络参与者：身份 + 可选网络地址
//
// 相等性与距离只由 NodeID 决定，地址是元数据。
type Node struct {
	// ID 节点 ID
	ID NodeID `json:"id"`

	// Host 主机地址
	Host string `json:"host,omitempty"`

	// Port UDP 端口
	Port int `json:"port,omitempty"`
}

// Addr 返回 host:port 形式的地址
func (n Node) Addr() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// HasAddr 检查是否携带网络地址
func (n Node) HasAddr() bool {
	return n.Host != "" && n.Port > 0
}

// String 返回节点的日志表示
func (n Node) String() string {
	if !n.HasAddr() {
		return n.ID.String()
	}
	return n.ID.String() + "@" + n.Addr()
}

// ============================================================================
//                              XOR 度量
// ============================================================================

// XORDistance 计算两个 NodeID 的 XOR 距离
//
// 返回距离的字节表示（大端序）。距离对称，且仅当两 ID 相同时为零。
func XORDistance(a, b NodeID) []byte {
	distance := make([]byte, IDLength)
	for i := 0; i < IDLength; i++ {
		distance[i] = a[i] ^ b[i]
	}
	return distance
}

// CompareDistance 比较 a 和 b 到 target 的距离
//
// 返回：
//
//	-1 如果 dist(a, target) < dist(b, target)
//	 0 如果 dist(a, target) == dist(b, target)
//	 1 如果 dist(a, target) > dist(b, target)
func CompareDistance(a, b, target NodeID) int {
	return bytes.Compare(XORDistance(a, target), XORDistance(b, target))
}

// CommonPrefixLen 计算两个 NodeID 的共同前缀长度（按位计数）
func CommonPrefixLen(a, b NodeID) int {
	distance := XORDistance(a, b)

	zeroBits := 0
	for _, d := range distance {
		if d == 0 {
			zeroBits += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if d&mask != 0 {
				return zeroBits
			}
			zeroBits++
		}
		return zeroBits
	}

	return zeroBits
}

// BucketIndex 计算 NodeID 应该放入哪个 K-Bucket
//
// 返回 K-Bucket 索引（0 到 KeySize-1）
func BucketIndex(local, remote NodeID) int {
	cpl := CommonPrefixLen(local, remote)
	if cpl >= KeySize {
		return KeySize - 1
	}
	return cpl
}

// randomIDInBucket 构造落在指定桶距离范围内的随机 ID
//
// 前 idx 位与 local 相同，第 idx 位取反，其余位随机，
// 即与 local 的共同前缀长度恰好为 idx。用于刷新空闲的桶。
func randomIDInBucket(local NodeID, idx int) NodeID {
	id := RandomNodeID()

	// 复制共同前缀
	byteIdx := idx / 8
	bitIdx := idx % 8
	copy(id[:byteIdx], local[:byteIdx])

	// 前缀的尾部若干位 + 取反位
	mask := byte(0xff) << (8 - bitIdx)
	flip := byte(0x80) >> bitIdx
	id[byteIdx] = (local[byteIdx] & mask) | ((^local[byteIdx]) & flip) | (id[byteIdx] &^ (mask | flip))

	return id
}
