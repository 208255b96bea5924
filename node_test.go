package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// NodeID 基础功能测试
// ============================================================================

// TestDigest_Deterministic 测试键摘要的确定性
func TestDigest_Deterministic(t *testing.T) {
	a := Digest("user:42")
	b := Digest("user:42")
	c := Digest("user:43")

	assert.Equal(t, a, b, "相同的键必须得到相同的摘要")
	assert.NotEqual(t, a, c, "不同的键应该得到不同的摘要")

	t.Log("✅ 键摘要确定性正确")
}

// TestNodeID_HexRoundTrip 测试十六进制编解码往返
func TestNodeID_HexRoundTrip(t *testing.T) {
	id := RandomNodeID()

	parsed, err := NodeIDFromHex(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	t.Log("✅ 十六进制往返正确")
}

// TestNodeIDFromBytes_WrongLength 测试长度错误的字节输入
func TestNodeIDFromBytes_WrongLength(t *testing.T) {
	_, err := NodeIDFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)

	_, err = NodeIDFromBytes(make([]byte, IDLength))
	assert.NoError(t, err)

	t.Log("✅ 字节长度校验正确")
}

// TestNodeID_TextMarshalRoundTrip 测试文本编解码往返
func TestNodeID_TextMarshalRoundTrip(t *testing.T) {
	id := Digest("some-key")

	text, err := id.MarshalText()
	require.NoError(t, err)

	var parsed NodeID
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, id, parsed)

	t.Log("✅ 文本编解码往返正确")
}

// ============================================================================
// XOR 距离测试
// ============================================================================

// TestXORDistance_ZeroIffEqual 测试距离为零当且仅当两 ID 相等
func TestXORDistance_ZeroIffEqual(t *testing.T) {
	a := Digest("a")
	b := Digest("b")

	zero := make([]byte, IDLength)
	assert.Equal(t, zero, XORDistance(a, a), "到自身的距离必须为零")
	assert.NotEqual(t, zero, XORDistance(a, b), "不同 ID 的距离不能为零")

	t.Log("✅ 距离零值性质正确")
}

// TestXORDistance_Symmetric 测试距离的对称性
func TestXORDistance_Symmetric(t *testing.T) {
	a := Digest("a")
	b := Digest("b")

	assert.Equal(t, XORDistance(a, b), XORDistance(b, a))

	t.Log("✅ 距离对称性正确")
}

// TestCompareDistance_Ordering 测试距离比较的全序性质
func TestCompareDistance_Ordering(t *testing.T) {
	target := Digest("target")

	// 与目标只差最后一位的 ID 必然比随机 ID 更近
	near := target
	near[IDLength-1] ^= 0x01

	far := target
	far[0] ^= 0x80

	assert.Equal(t, 0, CompareDistance(target, target, target))
	assert.Negative(t, CompareDistance(near, far, target), "低位差异应该比高位差异更近")
	assert.Positive(t, CompareDistance(far, near, target))

	t.Log("✅ 距离比较次序正确")
}

// ============================================================================
// 桶索引测试
// ============================================================================

// TestBucketIndex_ByPrefix 测试按共同前缀长度分桶
func TestBucketIndex_ByPrefix(t *testing.T) {
	var local NodeID

	// 首位不同：共同前缀为 0
	first := local
	first[0] = 0x80
	assert.Equal(t, 0, CommonPrefixLen(local, first))

	// 首字节最低位不同：共同前缀为 7
	low := local
	low[0] = 0x01
	assert.Equal(t, 7, CommonPrefixLen(local, low))

	t.Log("✅ 共同前缀计算正确")
}

// TestRandomIDInBucket_FallsInBucket 测试刷新 ID 落在目标桶内
func TestRandomIDInBucket_FallsInBucket(t *testing.T) {
	local := Digest("local-node")

	for _, idx := range []int{0, 1, 7, 8, 63, KeySize - 1} {
		id := randomIDInBucket(local, idx)
		assert.Equal(t, idx, BucketIndex(local, id),
			"桶 %d 的刷新 ID 必须落回同一个桶", idx)
	}

	t.Log("✅ 刷新 ID 分布正确")
}

// ============================================================================
// Node 测试
// ============================================================================

// TestNode_Addr 测试地址拼装
func TestNode_Addr(t *testing.T) {
	n := Node{ID: Digest("n"), Host: "10.0.0.1", Port: 8468}

	assert.Equal(t, "10.0.0.1:8468", n.Addr())
	assert.True(t, n.HasAddr())
	assert.False(t, Node{ID: Digest("n")}.HasAddr())

	t.Log("✅ 节点地址处理正确")
}
