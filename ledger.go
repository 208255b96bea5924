package dht

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ============================================================================
//                              授权账本
// ============================================================================

// PermissionOracle 外部授权账本
//
// 按 hash(键摘要 || 值签名) 查询授权记录；只需要存在性判断。
// 实现必须是无状态的只读查询，可在多个操作间共享。
type PermissionOracle interface {
	// HasRecord 查询授权记录是否存在
	HasRecord(ctx context.Context, id string) (bool, error)
}

// permissionRecordID 计算授权记录地址
//
// sha256(hex(键摘要) + 签名) 的十六进制表示，与账本侧的寻址一致。
func permissionRecordID(dkey NodeID, sign string) string {
	sum := sha256.Sum256([]byte(dkey.Hex() + sign))
	return hex.EncodeToString(sum[:])
}

// ============================================================================
//                              REST 客户端
// ============================================================================

const (
	// DefaultLedgerURL 账本 REST API 默认地址
	DefaultLedgerURL = "http://127.0.0.1:8008"

	// DefaultLedgerNamespace 授权记录所在的命名空间
	DefaultLedgerNamespace = "eqt.dht_values"
)

// LedgerClient 账本 REST API 客户端
//
// GET {base}/state/{namespace}/{id}，200 视为记录存在，404 视为缺失。
type LedgerClient struct {
	baseURL   string
	namespace string
	client    *http.Client
}

// NewLedgerClient 创建账本客户端
func NewLedgerClient(baseURL, namespace string) *LedgerClient {
	if baseURL == "" {
		baseURL = DefaultLedgerURL
	}
	if namespace == "" {
		namespace = DefaultLedgerNamespace
	}
	return &LedgerClient{
		baseURL:   baseURL,
		namespace: namespace,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// HasRecord 查询授权记录是否存在
//
// 结果不做缓存：Set 流程依赖在合并前后观察到最新的授权状态。
func (c *LedgerClient) HasRecord(ctx context.Context, id string) (bool, error) {
	endpoint := fmt.Sprintf("%s/state/%s/%s",
		c.baseURL, url.PathEscape(c.namespace), url.PathEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build ledger request failed: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("ledger query failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("ledger returned status %d", resp.StatusCode)
	}
}
