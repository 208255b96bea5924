package dht

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 签名器测试
// ============================================================================

// TestEd25519Signer_SignVerify 测试签名与校验的对应
func TestEd25519Signer_SignVerify(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	auth, err := signer.Sign([]byte("content"))
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey(), auth.PublicKey)

	verifier := NewEd25519Verifier()
	assert.True(t, verifier.Verify([]byte("content"), auth))
	assert.False(t, verifier.Verify([]byte("other"), auth))

	t.Log("✅ 签名校验对应正确")
}

// TestVerifier_MalformedAuthorization 测试畸形授权信息
func TestVerifier_MalformedAuthorization(t *testing.T) {
	verifier := NewEd25519Verifier()

	assert.False(t, verifier.Verify([]byte("content"), Authorization{}))
	assert.False(t, verifier.Verify([]byte("content"), Authorization{
		Sign:      "!!not-base64!!",
		PublicKey: "!!also-not!!",
	}))

	t.Log("✅ 畸形授权被拒绝")
}

// TestLoadSignerFromFile 测试从文件加载私钥
func TestLoadSignerFromFile(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	dir := t.TempDir()

	// 完整私钥形式
	fullPath := filepath.Join(dir, "full.key")
	require.NoError(t, os.WriteFile(fullPath, priv, 0o600))
	fromFull, err := LoadSignerFromFile(fullPath)
	require.NoError(t, err)
	assert.Equal(t, NewEd25519Signer(priv).PublicKey(), fromFull.PublicKey())

	// seed 形式
	seedPath := filepath.Join(dir, "seed.key")
	require.NoError(t, os.WriteFile(seedPath, priv.Seed(), 0o600))
	fromSeed, err := LoadSignerFromFile(seedPath)
	require.NoError(t, err)
	assert.Equal(t, fromFull.PublicKey(), fromSeed.PublicKey())

	// 长度错误
	badPath := filepath.Join(dir, "bad.key")
	require.NoError(t, os.WriteFile(badPath, []byte("short"), 0o600))
	_, err = LoadSignerFromFile(badPath)
	assert.Error(t, err)

	t.Log("✅ 私钥文件加载正确")
}
