package dht

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticOracle 恒定应答的假预言机
type staticOracle bool

func (o staticOracle) HasRecord(context.Context, string) (bool, error) {
	return bool(o), nil
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()

	base := []Option{
		WithRequestTimeout(500 * time.Millisecond),
		WithOracle(staticOracle(true)),
	}
	s, err := NewServer(append(base, opts...)...)
	require.NoError(t, err)

	require.NoError(t, s.Listen(0, "127.0.0.1"))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func joinNetwork(t *testing.T, joiner *Server, seeds ...*Server) {
	t.Helper()

	addrs := make([]string, len(seeds))
	for i, s := range seeds {
		addrs[i] = s.Addr()
	}
	require.NoError(t, joiner.Bootstrap(context.Background(), addrs))
}

// ============================================================================
// 服务器生命周期测试
// ============================================================================

// TestServer_ListenTwice 测试重复监听被拒绝
func TestServer_ListenTwice(t *testing.T) {
	s := newTestServer(t)

	err := s.Listen(0, "127.0.0.1")
	assert.ErrorIs(t, err, ErrAlreadyListening)

	t.Log("✅ 重复监听被拒绝")
}

// TestServer_StopIdempotent 测试停止的幂等性
func TestServer_StopIdempotent(t *testing.T) {
	s := newTestServer(t)

	require.NoError(t, s.Stop())
	assert.NoError(t, s.Stop(), "重复停止不得报错")

	err := s.Listen(0, "127.0.0.1")
	assert.ErrorIs(t, err, ErrServerClosed, "停止后的服务器不得再监听")

	t.Log("✅ 停止幂等性正确")
}

// TestServer_InvalidConfig 测试配置校验
func TestServer_InvalidConfig(t *testing.T) {
	_, err := NewServer(WithKSize(0))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewServer(WithKSize(3), WithAlpha(5))
	assert.ErrorIs(t, err, ErrInvalidConfig, "alpha 不能大于 ksize")

	t.Log("✅ 配置校验正确")
}

// ============================================================================
// 引导测试
// ============================================================================

// TestServer_Bootstrap 测试双向入网
func TestServer_Bootstrap(t *testing.T) {
	x := newTestServer(t)
	y := newTestServer(t)

	joinNetwork(t, y, x)

	assert.True(t, y.table.Has(x.ID()), "引导方应该认识种子节点")
	assert.True(t, x.table.Has(y.ID()), "种子节点应该接纳引导方")

	t.Log("✅ 双向入网正确")
}

// TestServer_BootstrapMultipleSeeds 测试多种子入网后的路由表规模
func TestServer_BootstrapMultipleSeeds(t *testing.T) {
	seeds := []*Server{newTestServer(t), newTestServer(t), newTestServer(t)}

	joiner := newTestServer(t)
	joinNetwork(t, joiner, seeds...)

	assert.GreaterOrEqual(t, joiner.table.Size(), 3,
		"N 个存活种子入网后路由表至少应有 min(N, k) 个表项")
	for _, s := range seeds {
		assert.True(t, joiner.table.Has(s.ID()), "每个响应的种子都应该入表")
	}

	t.Log("✅ 多种子入网正确")
}

// TestServer_BootstrapAllUnreachable 测试所有引导节点不可达
func TestServer_BootstrapAllUnreachable(t *testing.T) {
	s := newTestServer(t)

	err := s.Bootstrap(context.Background(), []string{"127.0.0.1:1"})
	assert.ErrorIs(t, err, ErrNoKnownNeighbors)

	err = s.Bootstrap(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoKnownNeighbors)

	t.Log("✅ 引导失败报错正确")
}

// ============================================================================
// 读写测试
// ============================================================================

// TestServer_SetGet 测试跨节点写入与读取
func TestServer_SetGet(t *testing.T) {
	ctx := context.Background()

	x := newTestServer(t)
	y := newTestServer(t)
	joinNetwork(t, y, x)

	signer, err := GenerateSigner()
	require.NoError(t, err)
	value, err := NewSignedValue("alice", ModeSecured, signer)
	require.NoError(t, err)

	ok, err := x.Set(ctx, "user:42", value)
	require.NoError(t, err)
	assert.True(t, ok, "至少一个远端节点应该接受写入")

	// 从另一个节点读回
	resp, err := y.Get(ctx, "user:42")
	require.NoError(t, err)
	require.True(t, resp.HasData(), "网络上已写入的键必须可读")

	stored, err := ParseStoredValue(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Single().Data)

	t.Log("✅ 跨节点读写正确")
}

// TestServer_GetMissingKey 测试读取不存在的键
func TestServer_GetMissingKey(t *testing.T) {
	ctx := context.Background()

	x := newTestServer(t)
	y := newTestServer(t)
	joinNetwork(t, y, x)

	resp, err := y.Get(ctx, "never-written")
	require.NoError(t, err)
	assert.False(t, resp.HasData(), "不存在的键返回空载荷")
	assert.Equal(t, Digest("never-written").Hex(), resp.Key)

	t.Log("✅ 缺失键语义正确")
}

// TestServer_GetNoNeighbors 测试孤立节点的读取退化
func TestServer_GetNoNeighbors(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.Get(context.Background(), "user:42")
	require.NoError(t, err, "没有邻居是退化场景，不是错误")
	assert.False(t, resp.HasData())

	t.Log("✅ 孤立节点退化正确")
}

// TestServer_SetInvalidSignature 测试签名无效的写入被拒
func TestServer_SetInvalidSignature(t *testing.T) {
	x := newTestServer(t)

	signer, err := GenerateSigner()
	require.NoError(t, err)
	value, err := NewSignedValue("alice", ModeSecured, signer)
	require.NoError(t, err)
	value.Data = "tampered"

	_, err = x.Set(context.Background(), "user:42", value)
	assert.ErrorIs(t, err, ErrUnauthorized)

	t.Log("✅ 无效签名写入被拒")
}

// TestServer_SetUnauthorized 测试预言机否决的写入被拒
func TestServer_SetUnauthorized(t *testing.T) {
	x := newTestServer(t, WithOracle(staticOracle(false)))

	signer, err := GenerateSigner()
	require.NoError(t, err)
	value, err := NewSignedValue("alice", ModeSecured, signer)
	require.NoError(t, err)

	_, err = x.Set(context.Background(), "user:42", value)
	assert.ErrorIs(t, err, ErrUnauthorized, "没有授权记录的写入必须被拒")

	t.Log("✅ 预言机否决正确")
}

// TestServer_SecuredForeignOverwriteRejected 测试异写者覆盖单写者键
func TestServer_SecuredForeignOverwriteRejected(t *testing.T) {
	ctx := context.Background()

	x := newTestServer(t)
	y := newTestServer(t)
	joinNetwork(t, y, x)

	owner, err := GenerateSigner()
	require.NoError(t, err)
	original, err := NewSignedValue("owner-data", ModeSecured, owner)
	require.NoError(t, err)

	_, err = x.Set(ctx, "user:42", original)
	require.NoError(t, err)

	intruder, err := GenerateSigner()
	require.NoError(t, err)
	takeover, err := NewSignedValue("intruder-data", ModeSecured, intruder)
	require.NoError(t, err)

	_, err = y.Set(ctx, "user:42", takeover)
	assert.ErrorIs(t, err, ErrUnauthorized, "其他签名者不得覆盖单写者键")

	// 原值不受影响
	resp, err := y.Get(ctx, "user:42")
	require.NoError(t, err)
	require.True(t, resp.HasData())
	stored, err := ParseStoredValue(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, "owner-data", stored.Single().Data)

	t.Log("✅ 异写者覆盖被拒且原值保留")
}

// TestServer_ControlledTwoWriters 测试多写者键的追加合并
func TestServer_ControlledTwoWriters(t *testing.T) {
	ctx := context.Background()

	x := newTestServer(t)
	y := newTestServer(t)
	joinNetwork(t, y, x)

	aliceSigner, err := GenerateSigner()
	require.NoError(t, err)
	alice, err := NewSignedValue("alice", ModeControlled, aliceSigner)
	require.NoError(t, err)

	bobSigner, err := GenerateSigner()
	require.NoError(t, err)
	bob, err := NewSignedValue("bob", ModeControlled, bobSigner)
	require.NoError(t, err)

	_, err = x.Set(ctx, "room:members", alice)
	require.NoError(t, err)
	_, err = y.Set(ctx, "room:members", bob)
	require.NoError(t, err)

	// 从执行第二次合并的节点读取：追加顺序是确定的
	resp, err := y.Get(ctx, "room:members")
	require.NoError(t, err)
	require.True(t, resp.HasData())

	stored, err := ParseStoredValue(resp.Data)
	require.NoError(t, err)
	require.True(t, stored.Controlled())

	var members []string
	for _, v := range stored.Values() {
		members = append(members, v.Data)
	}
	assert.Equal(t, []string{"alice", "bob"}, members,
		"两个写者的值都必须保留，且保持追加顺序")

	t.Log("✅ 多写者追加合并正确")
}

// ============================================================================
// 状态快照测试
// ============================================================================

// TestServer_SaveLoadState 测试状态快照往返
func TestServer_SaveLoadState(t *testing.T) {
	x := newTestServer(t)
	y := newTestServer(t)
	joinNetwork(t, y, x)

	path := filepath.Join(t.TempDir(), "dht.state")
	require.NoError(t, y.SaveState(path))

	restored, neighbors, err := LoadState(path,
		WithRequestTimeout(500*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, y.ID(), restored.ID(), "快照必须保留节点身份")
	assert.Contains(t, neighbors, x.Addr(), "快照必须保留邻居地址")

	t.Log("✅ 状态快照往返正确")
}

// TestServer_SaveStateNoNeighbors 测试无邻居时跳过快照
func TestServer_SaveStateNoNeighbors(t *testing.T) {
	s := newTestServer(t)

	path := filepath.Join(t.TempDir(), "dht.state")
	require.NoError(t, s.SaveState(path), "跳过快照不是错误")

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "无邻居时不得写出快照文件")

	_, _, err = LoadState(path)
	assert.ErrorIs(t, err, ErrNoState)

	t.Log("✅ 无邻居快照跳过正确")
}

// TestServer_BootstrappableNeighbors 测试可引导邻居导出
func TestServer_BootstrappableNeighbors(t *testing.T) {
	x := newTestServer(t)
	y := newTestServer(t)

	assert.Empty(t, x.BootstrappableNeighbors())

	joinNetwork(t, y, x)
	assert.Contains(t, y.BootstrappableNeighbors(), x.Addr())

	t.Log("✅ 可引导邻居导出正确")
}
