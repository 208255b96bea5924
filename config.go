package dht

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// ============================================================================
//                              配置
// ============================================================================

const (
	// DefaultKSize 每桶容量与查询结果规模
	DefaultKSize = 20

	// DefaultAlpha 单轮并行查询数
	DefaultAlpha = 3

	// DefaultValuesToWait 值查询的应答配额
	DefaultValuesToWait = 20

	// DefaultRequestTimeout 单次 RPC 超时
	DefaultRequestTimeout = 10 * time.Second

	// DefaultMaxRecordAge 本地记录最大存活期（一周）
	DefaultMaxRecordAge = 7 * 24 * time.Hour

	// DefaultRefreshInterval 路由表刷新与重发布周期
	DefaultRefreshInterval = time.Hour

	// DefaultRepublishAge 记录重发布年龄阈值
	DefaultRepublishAge = time.Hour

	// DefaultBucketStaleAfter 桶空闲阈值，超过则参与刷新
	DefaultBucketStaleAfter = time.Hour

	// DefaultStateSaveInterval 快照保存周期
	DefaultStateSaveInterval = 10 * time.Minute
)

// Config 节点配置
type Config struct {
	// NodeID 节点标识，零值时随机生成
	NodeID NodeID

	// KSize 每桶容量与查询结果规模
	KSize int

	// Alpha 单轮并行查询数
	Alpha int

	// ValuesToWait 值查询收集到多少份应答后提前终止
	ValuesToWait int

	// RequestTimeout 单次 RPC 超时
	RequestTimeout time.Duration

	// MaxRecordAge 本地记录最大存活期，超期的记录对外不可见
	MaxRecordAge time.Duration

	// RefreshInterval 周期性刷新与重发布的间隔
	RefreshInterval time.Duration

	// RepublishAge 超过此年龄的本地记录在刷新时重新发布
	RepublishAge time.Duration

	// BucketStaleAfter 桶空闲多久后参与刷新爬取
	BucketStaleAfter time.Duration

	// BootstrapNodes 引导节点地址（host:port）
	BootstrapNodes []string

	// StatePath 快照文件路径，为空则不做周期快照
	StatePath string

	// StateSaveInterval 快照保存周期
	StateSaveInterval time.Duration

	// Oracle 授权预言机，为空则跳过授权检查
	Oracle PermissionOracle

	// Verifier 值签名校验器
	Verifier Verifier

	// Signer 本地签名器（仅发布值时需要）
	Signer Signer

	// Clock 时钟源（测试中可注入虚拟时钟）
	Clock clock.Clock
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		NodeID:            RandomNodeID(),
		KSize:             DefaultKSize,
		Alpha:             DefaultAlpha,
		ValuesToWait:      DefaultValuesToWait,
		RequestTimeout:    DefaultRequestTimeout,
		MaxRecordAge:      DefaultMaxRecordAge,
		RefreshInterval:   DefaultRefreshInterval,
		RepublishAge:      DefaultRepublishAge,
		BucketStaleAfter:  DefaultBucketStaleAfter,
		StateSaveInterval: DefaultStateSaveInterval,
		Verifier:          NewEd25519Verifier(),
		Clock:             clock.New(),
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.KSize <= 0 {
		return fmt.Errorf("%w: ksize 必须为正数", ErrInvalidConfig)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("%w: alpha 必须为正数", ErrInvalidConfig)
	}
	if c.Alpha > c.KSize {
		return fmt.Errorf("%w: alpha 不能大于 ksize", ErrInvalidConfig)
	}
	if c.ValuesToWait <= 0 {
		return fmt.Errorf("%w: valuesToWait 必须为正数", ErrInvalidConfig)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: requestTimeout 必须为正数", ErrInvalidConfig)
	}
	if c.MaxRecordAge <= 0 {
		return fmt.Errorf("%w: maxRecordAge 必须为正数", ErrInvalidConfig)
	}
	if c.Verifier == nil {
		return fmt.Errorf("%w: 缺少签名校验器", ErrInvalidConfig)
	}
	if c.Clock == nil {
		return fmt.Errorf("%w: 缺少时钟源", ErrInvalidConfig)
	}
	return nil
}

// ============================================================================
//                              配置选项
// ============================================================================

// Option 配置选项
type Option func(*Config)

// WithNodeID 设置节点标识
func WithNodeID(id NodeID) Option {
	return func(c *Config) { c.NodeID = id }
}

// WithKSize 设置每桶容量
func WithKSize(k int) Option {
	return func(c *Config) { c.KSize = k }
}

// WithAlpha 设置并行查询数
func WithAlpha(alpha int) Option {
	return func(c *Config) { c.Alpha = alpha }
}

// WithValuesToWait 设置值查询的应答配额
func WithValuesToWait(n int) Option {
	return func(c *Config) { c.ValuesToWait = n }
}

// WithRequestTimeout 设置单次 RPC 超时
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

// WithMaxRecordAge 设置本地记录最大存活期
func WithMaxRecordAge(d time.Duration) Option {
	return func(c *Config) { c.MaxRecordAge = d }
}

// WithRefreshInterval 设置刷新周期
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Config) { c.RefreshInterval = d }
}

// WithBootstrapNodes 设置引导节点地址
func WithBootstrapNodes(addrs ...string) Option {
	return func(c *Config) { c.BootstrapNodes = addrs }
}

// WithStatePath 设置快照文件路径
func WithStatePath(path string) Option {
	return func(c *Config) { c.StatePath = path }
}

// WithOracle 设置授权预言机
func WithOracle(oracle PermissionOracle) Option {
	return func(c *Config) { c.Oracle = oracle }
}

// WithVerifier 设置签名校验器
func WithVerifier(v Verifier) Option {
	return func(c *Config) { c.Verifier = v }
}

// WithSigner 设置本地签名器
func WithSigner(s Signer) Option {
	return func(c *Config) { c.Signer = s }
}

// WithClock 设置时钟源
func WithClock(clk clock.Clock) Option {
	return func(c *Config) { c.Clock = clk }
}
