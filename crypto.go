package dht

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
)

// ============================================================================
//                              签名与验签
// ============================================================================

// Authorization 值的授权信息：签名 + 签名者公钥（base64 编码）
type Authorization struct {
	// Sign 对值内容的签名
	Sign string `json:"sign"`

	// PublicKey 签名者公钥
	PublicKey string `json:"public_key"`
}

// Verifier 验签接口
//
// 签名原语对本模块是黑盒，通过该接口注入。
type Verifier interface {
	// Verify 校验 content 的签名是否由 auth.PublicKey 的持有者签出
	Verify(content []byte, auth Authorization) bool
}

// Signer 签名接口
type Signer interface {
	// Sign 对 content 签名
	Sign(content []byte) (Authorization, error)

	// PublicKey 返回 base64 编码的公钥
	PublicKey() string
}

// ============================================================================
//                              Ed25519 默认实现
// ============================================================================

// ed25519Verifier 基于 Ed25519 的验签器
type ed25519Verifier struct{}

// NewEd25519Verifier 创建 Ed25519 验签器
func NewEd25519Verifier() Verifier {
	return ed25519Verifier{}
}

// Verify 校验签名
func (ed25519Verifier) Verify(content []byte, auth Authorization) bool {
	pub, err := base64.StdEncoding.DecodeString(auth.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(auth.Sign)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), content, sig)
}

// Ed25519Signer 基于 Ed25519 的签名器
type Ed25519Signer struct {
	priv ed25519.PrivateKey
}

// NewEd25519Signer 从私钥创建签名器
func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{priv: priv}
}

// GenerateSigner 生成新的随机签名器
func GenerateSigner() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate key failed: %w", err)
	}
	return &Ed25519Signer{priv: priv}, nil
}

// LoadSignerFromFile 从密钥文件加载签名器
//
// 文件内容为原始 Ed25519 私钥（seed 或完整私钥）。
func LoadSignerFromFile(path string) (*Ed25519Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file failed: %w", err)
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return &Ed25519Signer{priv: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return &Ed25519Signer{priv: ed25519.PrivateKey(raw)}, nil
	default:
		return nil, fmt.Errorf("unexpected key length %d in %s", len(raw), path)
	}
}

// Sign 对 content 签名
func (s *Ed25519Signer) Sign(content []byte) (Authorization, error) {
	sig := ed25519.Sign(s.priv, content)
	return Authorization{
		Sign:      base64.StdEncoding.EncodeToString(sig),
		PublicKey: s.PublicKey(),
	}, nil
}

// PublicKey 返回 base64 编码的公钥
func (s *Ed25519Signer) PublicKey() string {
	pub := s.priv.Public().(ed25519.PublicKey)
	return base64.StdEncoding.EncodeToString(pub)
}
