package market

import "context"

// SubscribeOptions 控制订阅行为与连接回调。
type SubscribeOptions struct {
	Buffer int

	OnConnect    func()
	OnDisconnect func(error)
}

// SourceStats 汇报行情源的连接健康状况。
type SourceStats struct {
	Reconnects      int
	SubscribeErrors int
	LastError       string
}

// Feed 是单一行情提供方的契约：实时推送 + REST 区间回补。
// 具体交易所实现（构建期经注册表选择）见 internal/gateway。
type Feed interface {
	// Subscribe 返回 tick 流。实现负责断线重连；每次断开通过
	// opts.OnDisconnect 通知（聚合器的错误钩子挂在这里）。
	Subscribe(ctx context.Context, symbols []string, opts SubscribeOptions) (<-chan Tick, error)

	// FetchRange 通过 REST 拉取 [start, end) 区间的 tick（Unix ms）。
	FetchRange(ctx context.Context, symbol string, start, end int64) ([]Tick, error)

	Stats() SourceStats

	Close() error
}
