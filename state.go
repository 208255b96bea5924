package dht

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// ============================================================================
//                              状态快照
// ============================================================================

// persistedState 落盘的节点状态
type persistedState struct {
	KSize     int      `json:"ksize"`
	Alpha     int      `json:"alpha"`
	ID        NodeID   `json:"id"`
	Neighbors []string `json:"neighbors"`
}

// SaveState 把节点状态（参数、ID、最近邻居）写入快照文件
//
// 没有已知邻居时不落盘：没有邻居的快照恢复后无法重新入网，
// 反而会覆盖掉上一份可用的快照。
func (s *Server) SaveState(path string) error {
	logger.Info("保存状态", "path", path)

	state := persistedState{
		KSize:     s.config.KSize,
		Alpha:     s.config.Alpha,
		ID:        s.node.ID,
		Neighbors: s.BootstrappableNeighbors(),
	}

	if len(state.Neighbors) == 0 {
		logger.Warn("没有已知邻居，跳过快照")
		return nil
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return NewDHTError("save_state", err, path)
	}

	// 先写临时文件再改名，避免写一半的快照
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return NewDHTError("save_state", err, tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return NewDHTError("save_state", err, path)
	}
	return nil
}

// LoadState 从快照文件恢复节点
//
// 快照中的参数与 ID 覆盖同名选项，邻居列表作为引导地址。
// 返回的服务器尚未监听，调用方需依次 Listen 和 Bootstrap。
func LoadState(path string, opts ...Option) (*Server, []string, error) {
	logger.Info("加载状态", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNoState, path)
		}
		return nil, nil, NewDHTError("load_state", err, path)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, nil, NewDHTError("load_state", err, path)
	}

	merged := append([]Option{
		WithKSize(state.KSize),
		WithAlpha(state.Alpha),
		WithNodeID(state.ID),
		WithBootstrapNodes(state.Neighbors...),
	}, opts...)

	s, err := NewServer(merged...)
	if err != nil {
		return nil, nil, err
	}
	return s, state.Neighbors, nil
}

// SaveStateRegularly 立即保存一次并确认周期快照已调度
//
// Listen 时配置了 StatePath 即自动调度，这里补充一个显式入口，
// 供未经 Listen 的工具路径使用。
func (s *Server) SaveStateRegularly(ctx context.Context, path string) error {
	if err := s.SaveState(path); err != nil {
		return err
	}

	ticker := s.config.Clock.Ticker(s.config.StateSaveInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.SaveState(path); err != nil {
					logger.Warn("周期快照失败", "path", path, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
