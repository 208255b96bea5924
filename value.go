package dht

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ============================================================================
//                              值模型
// ============================================================================

// PersistMode 值的持久化模式
type PersistMode string

const (
	// ModeSecured 单写者模式：同一键的新值覆盖旧值，且只允许同一签名者覆盖
	ModeSecured PersistMode = "secured"

	// ModeControlled 多写者模式：同一键的新值追加到已有值列表
	ModeControlled PersistMode = "controlled"
)

// Value 一条带签名的数据
type Value struct {
	// Data 原始内容
	Data string `json:"data"`

	// PersistMode 持久化模式
	PersistMode PersistMode `json:"persist_mode"`

	// Authorization 授权信息（内容签名 + 签名者公钥）
	Authorization Authorization `json:"authorization"`
}

// NewSignedValue 用本地签名器构造一条可发布的值
func NewSignedValue(data string, mode PersistMode, signer Signer) (Value, error) {
	auth, err := signer.Sign([]byte(data))
	if err != nil {
		return Value{}, fmt.Errorf("sign value failed: %w", err)
	}
	return Value{Data: data, PersistMode: mode, Authorization: auth}, nil
}

// Valid 校验值的签名是否与内容一致
func (v Value) Valid(verifier Verifier) bool {
	return verifier.Verify([]byte(v.Data), v.Authorization)
}

// Equal 按内容与签名者比较两个值
func (v Value) Equal(o Value) bool {
	return v.Data == o.Data &&
		v.PersistMode == o.PersistMode &&
		v.Authorization == o.Authorization
}

// Encode 序列化单个值（store RPC 与重发布的线上形式）
func (v Value) Encode() ([]byte, error) {
	return json.Marshal(v)
}

// DecodeValue 反序列化单个值
func DecodeValue(data []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return Value{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return v, nil
}

// ============================================================================
//                              存储值（封闭变体）
// ============================================================================

// 存储表示的判别标记
const (
	kindSingle     = "single"
	kindControlled = "controlled"
)

// storedEnvelope 存储值的序列化形式
//
// kind 是显式判别字段，解析时据此分派，而不是按容器形状猜测。
type storedEnvelope struct {
	Kind   string  `json:"kind"`
	Value  *Value  `json:"value,omitempty"`
	Values []Value `json:"values,omitempty"`
}

// StoredValue 一个键在本地存储中的权威表示
//
// 封闭变体：要么是单写者的单个值，要么是多写者的受控值列表。
type StoredValue struct {
	controlled bool
	values     []Value
}

// NewStoredValue 由首个写入者的值构造存储表示
//
// 受控模式的值成为单元素列表，其余模式成为单值。
func NewStoredValue(v Value) *StoredValue {
	return &StoredValue{
		controlled: v.PersistMode == ModeControlled,
		values:     []Value{v},
	}
}

// ParseStoredValue 解析存储表示
func ParseStoredValue(raw []byte) (*StoredValue, error) {
	var env storedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	switch env.Kind {
	case kindSingle:
		if env.Value == nil {
			return nil, fmt.Errorf("%w: single record without value", ErrMalformedRecord)
		}
		return &StoredValue{controlled: false, values: []Value{*env.Value}}, nil
	case kindControlled:
		if len(env.Values) == 0 {
			return nil, fmt.Errorf("%w: controlled record without values", ErrMalformedRecord)
		}
		return &StoredValue{controlled: true, values: env.Values}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedRecord, env.Kind)
	}
}

// Controlled 是否为多写者受控列表
func (sv *StoredValue) Controlled() bool {
	return sv.controlled
}

// Values 返回所有成员值（受控列表按追加顺序）
func (sv *StoredValue) Values() []Value {
	out := make([]Value, len(sv.values))
	copy(out, sv.values)
	return out
}

// Single 返回单值形式的成员
func (sv *StoredValue) Single() Value {
	return sv.values[0]
}

// Append 向受控列表追加一个值，不丢弃已有成员
func (sv *StoredValue) Append(v Value) {
	sv.values = append(sv.values, v)
}

// Encode 序列化为带判别标记的存储表示
func (sv *StoredValue) Encode() ([]byte, error) {
	if sv.controlled {
		return json.Marshal(storedEnvelope{Kind: kindControlled, Values: sv.values})
	}
	single := sv.values[0]
	return json.Marshal(storedEnvelope{Kind: kindSingle, Value: &single})
}

// validateSecureValue 校验对单写者键的覆盖是否符合写策略
//
// 仅允许与已存值相同的签名者覆盖，否则视为未授权写入。
func validateSecureValue(newValue, existing Value) error {
	if newValue.Authorization.PublicKey != existing.Authorization.PublicKey {
		return fmt.Errorf("%w: secured value owned by another writer", ErrUnauthorized)
	}
	return nil
}

// mergeStoredValue 按冲突规则合并新值与已有存储表示
//
//   - 已有受控列表：追加（多写者语义，不拒绝）
//   - 已有单值：按写策略校验后替换
//   - 没有已有值：新值成为首个写入
func mergeStoredValue(newValue Value, existing *StoredValue) (*StoredValue, error) {
	if existing == nil {
		return NewStoredValue(newValue), nil
	}

	if existing.Controlled() {
		existing.Append(newValue)
		return existing, nil
	}

	if err := validateSecureValue(newValue, existing.Single()); err != nil {
		return nil, err
	}
	return NewStoredValue(newValue), nil
}

// ============================================================================
//                              查询应答
// ============================================================================

// NodeMessage 查询返回的信封：键摘要 + 载荷（可能为空）
//
// Sign 为可选的中继完整性签名。
type NodeMessage struct {
	// Key 键摘要（十六进制）
	Key string `json:"key"`

	// Data 序列化后的存储表示，未找到时为空
	Data []byte `json:"data,omitempty"`

	// Sign 应答节点对 Data 的签名（可选）
	Sign string `json:"sign,omitempty"`
}

// NewNodeMessage 构造查询应答
func NewNodeMessage(dkey NodeID, data []byte) NodeMessage {
	return NodeMessage{Key: dkey.Hex(), Data: data}
}

// HasData 是否携带载荷
func (m NodeMessage) HasData() bool {
	return len(m.Data) > 0
}

// SelectMostCommonResponse 从多个节点的应答中按多数票选出权威载荷
//
// 按载荷字节相等分组计数，返回出现次数最多的载荷；
// 计数相同按首次出现顺序取先者（确定性）。没有任何应答
// 携带载荷时返回 nil。单个恶意或陈旧节点无法压过一致多数。
func SelectMostCommonResponse(responses []NodeMessage) []byte {
	type group struct {
		data  []byte
		count int
	}

	var groups []*group
	for _, resp := range responses {
		if !resp.HasData() {
			continue
		}
		matched := false
		for _, g := range groups {
			if bytes.Equal(g.data, resp.Data) {
				g.count++
				matched = true
				break
			}
		}
		if !matched {
			groups = append(groups, &group{data: resp.Data, count: 1})
		}
	}

	var best *group
	for _, g := range groups {
		// 严格大于：平票保留先出现的组
		if best == nil || g.count > best.count {
			best = g
		}
	}

	if best == nil {
		return nil
	}
	return best.data
}
