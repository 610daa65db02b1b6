package analytics

import (
	"context"
	"sync"

	"marlin/internal/broadcast"
	"marlin/internal/logger"
)

// Update 是账本消费者发布的一次增量：实盘轨迹行与基准轨迹行。
// 回补重发的边界分钟由表合并（按 start_time 后写覆盖）吸收。
type Update struct {
	Trading   []Row
	Benchmark []Row
}

// Engine 是绩效引擎任务：订阅拼接表增量、重算统计、按需导出 CSV。
// 内部单线程事件循环，统计快照通过 Stats 读取。
type Engine struct {
	mu        sync.Mutex
	trading   *Table
	benchmark *Table
	stats     Statistics
	riskFree  float64
	exporter  *Exporter
}

// NewEngine 构造绩效引擎。exporter 可为 nil（不导出，仅统计）。
func NewEngine(riskFreeReturns float64, exporter *Exporter) *Engine {
	return &Engine{
		trading:   NewTable(),
		benchmark: NewTable(),
		riskFree:  riskFreeReturns,
		exporter:  exporter,
	}
}

// Ingest 合并一批增量并重算统计。
func (e *Engine) Ingest(u Update) Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trading.Merge(u.Trading...)
	e.benchmark.Merge(u.Benchmark...)
	e.stats = Compute(Sessions(e.trading.Rows()), e.riskFree)
	return e.stats
}

// Stats 返回最近一次计算的统计快照。
func (e *Engine) Stats() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Run 消费订阅直到通道关闭或 ctx 取消。关闭时做一次最终导出。
func (e *Engine) Run(ctx context.Context, sub *broadcast.Subscriber[Update]) error {
	defer sub.Cancel()
	for {
		u, ok := sub.Next(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Infof("[绩效] 上游已关闭，写出最终报告")
			return e.Export()
		}
		stats := e.Ingest(u)
		logger.Debugf("[绩效] 已合并 %d+%d 行，sessions=%d balance=%.2f",
			len(u.Trading), len(u.Benchmark), stats.Sessions, stats.CurrentBalance)
	}
}

// Export 写出当前表的四份 CSV 报告。
func (e *Engine) Export() error {
	e.mu.Lock()
	trading := e.trading.Rows()
	benchmark := e.benchmark.Rows()
	exporter := e.exporter
	e.mu.Unlock()

	if exporter == nil {
		return nil
	}
	// session 表带回撤列，导出前在各自的 balance 序列上补算。
	tradingSessions := Sessions(trading)
	applyDrawdowns(tradingSessions)
	benchmarkSessions := Sessions(benchmark)
	applyDrawdowns(benchmarkSessions)
	_, err := exporter.Export(trading, benchmark, tradingSessions, benchmarkSessions)
	return err
}
