// Package dht 实现带授权写入的 Kademlia 分布式哈希表
//
// # 模块概述
//
// dht 基于 Kademlia 协议实现分布式键值网络：节点以 160 位 ID 标识，
// 用 XOR 距离组织路由表，键值对存放在距键摘要最近的 K 个节点上。
// 在经典协议之上增加了签名值模型与外部授权预言机：
//
//  1. 值模型
//     - 每个值携带 Ed25519 签名与发布者公钥
//     - secured 模式：单写者，仅原公钥持有者可替换
//     - controlled 模式：多写者，新值追加为列表元素
//
//  2. 授权预言机
//     - 写入前向外部账本查询授权记录
//     - 记录 ID 为 SHA-256(键摘要十六进制 + 签名)
//     - 合并前后各查一次，缩小检查与写入之间的窗口
//
//  3. 冲突解决
//     - 读取时收集多份应答，按字节相等分组取多数
//     - 平票时保留最先出现的应答
//
// # 核心功能
//
//  1. 路由表管理
//     - 160 个 K 桶（K=20），按共同前缀长度分桶
//     - 最近活跃的节点排在桶前端，满桶时探活最久未活跃者
//     - 替换缓存机制
//
//  2. 迭代查询
//     - 单轮并行度 Alpha=3
//     - 节点爬取：前沿按 K 截断，一轮无更近候选即收敛，返回最近的 K 个存活节点
//     - 值爬取：收集到配额份应答后提前终止
//
//  3. 生命周期
//     - 周期刷新久未活动的桶
//     - 周期重发布老记录（多写者记录逐元素展开）
//     - 状态快照与恢复
//
// # 使用示例
//
//	server, err := dht.NewServer(
//		dht.WithBootstrapNodes("10.0.0.1:8468"),
//		dht.WithSigner(signer),
//	)
//	if err != nil {
//		return err
//	}
//	if err := server.Listen(8468, ""); err != nil {
//		return err
//	}
//	defer server.Stop()
//
//	if err := server.Bootstrap(ctx, []string{"10.0.0.1:8468"}); err != nil {
//		return err
//	}
//
//	value, err := dht.NewSignedValue("alice", dht.ModeSecured, signer)
//	if err != nil {
//		return err
//	}
//	ok, err := server.Set(ctx, "user:42", value)
//
// # 设计原则
//
//  1. 无全局状态：所有依赖通过 Config 注入
//  2. 阻塞操作都接受 context.Context
//  3. 扇出由 errgroup 显式限制在 Alpha
//  4. 协议层不是安全边界：入站存储只做签名校验，授权由写入方执行
package dht
