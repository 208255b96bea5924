// Package main 提供 eqitii-dht 命令行入口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	dht "github.com/iotcoop/eqitii-dht"
	"github.com/iotcoop/eqitii-dht/pkg/lib/log"
)

var logger = log.Logger("dht/cmd")

// ═══════════════════════════════════════════════════════════════════════════
// 命令行参数
// ═══════════════════════════════════════════════════════════════════════════
//
// 命令行参数是运行时覆盖，环境变量承载部署期的持久化配置：
//
//   K_SIZE / ALPHA / VALUES_TO_WAIT     协议参数
//   BOOTSTRAP_NODES                     逗号分隔的 host:port 列表
//   PRIVATE_KEY_PATH                    本地签名私钥
//   DHT_NAMESPACE                       授权账本命名空间
//   LEDGER_REST_API_HOST / _PORT        授权账本 REST 地址
//
// ═══════════════════════════════════════════════════════════════════════════
var (
	port      = flag.Int("port", 8468, "监听端口（0 = 随机端口）")
	iface     = flag.String("interface", "", "监听接口（默认所有接口）")
	statePath = flag.String("state", "", "状态快照文件路径（空 = 不做快照）")
	keyPath   = flag.String("key", "", "签名私钥文件路径（覆盖 PRIVATE_KEY_PATH）")
	logLevel  = flag.String("log-level", "info", "日志级别 (debug/info/warn/error)")
	showHelp  = flag.Bool("help", false, "显示帮助信息")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	if *showHelp {
		printHelp()
		return nil
	}

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("日志级别无效: %w", err)
	}
	log.SetLevel(level)

	opts, bootstrapAddrs, err := buildOptions()
	if err != nil {
		return fmt.Errorf("配置错误: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 有快照时从快照恢复身份与邻居
	var server *dht.Server
	if *statePath != "" {
		var neighbors []string
		server, neighbors, err = dht.LoadState(*statePath, opts...)
		if err == nil {
			bootstrapAddrs = append(neighbors, bootstrapAddrs...)
		} else if errors.Is(err, dht.ErrNoState) {
			server = nil
		} else {
			return fmt.Errorf("加载快照失败: %w", err)
		}
	}
	if server == nil {
		server, err = dht.NewServer(opts...)
		if err != nil {
			return fmt.Errorf("创建节点失败: %w", err)
		}
	}

	if err := server.Listen(*port, *iface); err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}
	defer func() { _ = server.Stop() }()

	logger.Info("节点已启动", "id", server.ID().String(), "addr", server.Addr())

	if len(bootstrapAddrs) > 0 {
		if err := server.Bootstrap(ctx, bootstrapAddrs); err != nil {
			logger.Warn("引导失败，继续以孤立节点运行", "error", err)
		}
	}

	fmt.Printf("eqitii-dht 节点 %s 监听于 %s，按 Ctrl+C 退出\n",
		server.ID().String(), server.Addr())
	waitForSignal()

	fmt.Println("\n正在关闭节点...")
	return nil
}

// buildOptions 从环境变量与命令行参数构建配置选项
func buildOptions() ([]dht.Option, []string, error) {
	var opts []dht.Option

	if v, ok := getenvInt("K_SIZE"); ok {
		opts = append(opts, dht.WithKSize(v))
	}
	if v, ok := getenvInt("ALPHA"); ok {
		opts = append(opts, dht.WithAlpha(v))
	}
	if v, ok := getenvInt("VALUES_TO_WAIT"); ok {
		opts = append(opts, dht.WithValuesToWait(v))
	}

	var bootstrapAddrs []string
	if raw := os.Getenv("BOOTSTRAP_NODES"); raw != "" {
		for _, addr := range strings.Split(raw, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				bootstrapAddrs = append(bootstrapAddrs, addr)
			}
		}
		opts = append(opts, dht.WithBootstrapNodes(bootstrapAddrs...))
	}

	// 签名私钥（命令行 > 环境变量）
	privateKeyPath := *keyPath
	if privateKeyPath == "" {
		privateKeyPath = os.Getenv("PRIVATE_KEY_PATH")
	}
	if privateKeyPath != "" {
		signer, err := dht.LoadSignerFromFile(privateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("加载签名私钥失败: %w", err)
		}
		opts = append(opts, dht.WithSigner(signer))
	}

	// 授权账本
	ledgerHost := getenvDefault("LEDGER_REST_API_HOST", "127.0.0.1")
	ledgerPort := getenvDefault("LEDGER_REST_API_PORT", "8008")
	namespace := getenvDefault("DHT_NAMESPACE", dht.DefaultLedgerNamespace)
	ledgerURL := fmt.Sprintf("http://%s:%s", ledgerHost, ledgerPort)
	opts = append(opts, dht.WithOracle(dht.NewLedgerClient(ledgerURL, namespace)))

	if *statePath != "" {
		opts = append(opts, dht.WithStatePath(*statePath))
	}

	return opts, bootstrapAddrs, nil
}

func getenvInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("环境变量不是整数，忽略", "name", name, "value", raw)
		return 0, false
	}
	return v, true
}

func getenvDefault(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// waitForSignal 等待退出信号
func waitForSignal() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
}

// printHelp 打印帮助信息
func printHelp() {
	fmt.Println("eqitii-dht - 带授权写入的 Kademlia 分布式哈希表节点")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  eqitii-dht [选项]")
	fmt.Println()
	fmt.Println("选项:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("环境变量:")
	fmt.Println("  K_SIZE                 每桶容量（默认 20）")
	fmt.Println("  ALPHA                  并行查询数（默认 3）")
	fmt.Println("  VALUES_TO_WAIT         值查询应答配额（默认 20）")
	fmt.Println("  BOOTSTRAP_NODES        逗号分隔的引导地址 host:port")
	fmt.Println("  PRIVATE_KEY_PATH       Ed25519 签名私钥文件")
	fmt.Println("  DHT_NAMESPACE          授权账本命名空间（默认 eqt.dht_values）")
	fmt.Println("  LEDGER_REST_API_HOST   授权账本主机（默认 127.0.0.1）")
	fmt.Println("  LEDGER_REST_API_PORT   授权账本端口（默认 8008）")
	fmt.Println()
	fmt.Println("使用示例:")
	fmt.Println()
	fmt.Println("  # 启动首个节点")
	fmt.Println("  eqitii-dht -port 8468")
	fmt.Println()
	fmt.Println("  # 加入已有网络并持久化状态")
	fmt.Println("  BOOTSTRAP_NODES=10.0.0.1:8468 eqitii-dht -port 8468 -state ./dht.state")
}
