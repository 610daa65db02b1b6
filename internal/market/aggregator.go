package market

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"marlin/internal/broadcast"
	"marlin/internal/logger"
)

// Aggregator 把实时 tick 流聚合成按分钟提交的 K 线行，经广播通道发布。
//
// staged/currentMinute 只被 Run 这一个任务持有：它在 {feed 帧, 回补定时器,
// flush 信号} 三个事件源上多路复用，聚合与故障恢复不会在共享状态上竞争。
// socket 错误只记录时间戳、不中断循环；分钟对齐的定时器发现未消化的错误
// 时间戳后，用 REST 回补 [lastErr, now) 并按同一聚合规则重建行。
// 恢复边界分钟可能重复发布，下游按 start_time 幂等合并。
type Aggregator struct {
	feed   Feed
	schema Schema
	out    *broadcast.Channel[Batch]
	nowFn  func() time.Time

	// 以下状态仅由 Run 任务触达。
	staged        map[int][]Tick // second-of-minute -> ticks
	currentMinute int64          // 进行中的分钟桶（Unix ms，0 表示尚未定桶）
	lastRow       *Row           // 前一提交行，用于缺列前向填充
	lastCommitted int64          // 已提交的最大 start_time，保证严格递增

	errCh   chan error
	flushCh chan struct{}

	lastSocketError atomic.Int64 // Unix ms；0 表示无待回补错误
}

// NewAggregator 构造聚合器。out 是提交批次的发布通道。
func NewAggregator(feed Feed, schema Schema, out *broadcast.Channel[Batch]) *Aggregator {
	return &Aggregator{
		feed:    feed,
		schema:  schema,
		out:     out,
		nowFn:   time.Now,
		staged:  make(map[int][]Tick),
		errCh:   make(chan error, 8),
		flushCh: make(chan struct{}, 1),
	}
}

// Out 返回提交批次的广播通道。
func (a *Aggregator) Out() *broadcast.Channel[Batch] { return a.out }

// Flush 请求立即提交当前暂存桶（测试与停机路径使用）。
func (a *Aggregator) Flush() {
	select {
	case a.flushCh <- struct{}{}:
	default:
	}
}

// PendingErrorTimestamp 返回未消化的 socket 错误时间戳（0 表示无）。
// 仅供诊断；回补路径由 Run 自己消费。
func (a *Aggregator) PendingErrorTimestamp() int64 {
	return a.lastSocketError.Load()
}

// Run 是聚合任务主循环。feed 通道关闭或 ctx 取消时提交残余暂存桶、
// 关闭输出通道后返回。
func (a *Aggregator) Run(ctx context.Context) error {
	ticks, err := a.feed.Subscribe(ctx, a.schema.Symbols, SubscribeOptions{
		OnDisconnect: func(err error) {
			if err == nil {
				return
			}
			select {
			case a.errCh <- err:
			default:
			}
		},
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(a.untilNextBoundary())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.commitStaged()
			a.out.Close()
			return ctx.Err()

		case t, ok := <-ticks:
			if !ok {
				logger.Infof("[聚合] feed 通道已关闭，提交残余后退出")
				a.commitStaged()
				a.out.Close()
				return nil
			}
			a.ingest(t)

		case err := <-a.errCh:
			// 只记首个未消化的错误时间；恢复窗口从最早故障点开始。
			if a.lastSocketError.CompareAndSwap(0, a.nowFn().UnixMilli()) {
				logger.Warnf("[聚合] socket 错误已登记 ts=%d: %v", a.lastSocketError.Load(), err)
			}

		case <-timer.C:
			a.backfillIfNeeded(ctx)
			timer.Reset(a.untilNextBoundary())

		case <-a.flushCh:
			a.commitStaged()
		}
	}
}

// ingest 处理一条 tick：同桶暂存，跨桶先提交再换桶。
func (a *Aggregator) ingest(t Tick) {
	if _, known := a.indexOf(t.Symbol); !known {
		// 数据形状错误：未知 symbol 丢弃并诊断，不中断流。
		logger.Debugf("[聚合] 丢弃未知 symbol 的 tick: %s", t.Symbol)
		return
	}
	minute := t.Minute()
	switch {
	case a.currentMinute == 0:
		a.currentMinute = minute
		a.stage(t)
	case minute == a.currentMinute:
		a.stage(t)
	case minute > a.currentMinute:
		a.commitStaged()
		a.currentMinute = minute
		a.stage(t)
	default:
		// 迟到 tick 属于已提交的桶，丢弃并诊断。
		logger.Debugf("[聚合] 丢弃迟到 tick %s@%d（当前桶 %d）", t.Symbol, t.Time, a.currentMinute)
	}
}

func (a *Aggregator) stage(t Tick) {
	sec := t.SecondOfMinute()
	a.staged[sec] = append(a.staged[sec], t)
}

// commitStaged 把暂存桶压成一条 K 线行并发布，然后清空暂存。
func (a *Aggregator) commitStaged() {
	if len(a.staged) == 0 || a.currentMinute == 0 {
		return
	}
	flat := make([]Tick, 0, 64)
	for sec := 0; sec < 60; sec++ {
		flat = append(flat, a.staged[sec]...)
	}
	a.staged = make(map[int][]Tick)

	row, ok := a.buildRow(a.currentMinute, flat)
	if !ok {
		return
	}
	a.publishRows([]Row{row})
}

// buildRow 按 schema 聚合一个桶；缺失的 symbol 从前一行前向填充。
// 没有前一行可填时整行丢弃（流最前端的残缺桶）。
func (a *Aggregator) buildRow(startTime int64, ticks []Tick) (Row, bool) {
	bySymbol := make(map[string][]Tick, len(a.schema.Symbols))
	for _, t := range ticks {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}
	quotes := make(map[string]OHLC, len(a.schema.Symbols))
	for _, sym := range a.schema.Symbols {
		if q, ok := AggregateTicks(bySymbol[sym]); ok {
			quotes[sym] = q
			continue
		}
		if a.lastRow != nil {
			if prev, ok := a.lastRow.Quote(sym); ok {
				quotes[sym] = prev
				continue
			}
		}
		logger.Warnf("[聚合] 桶 %d 缺少 %s 且无前行可填，整行丢弃", startTime, sym)
		return Row{}, false
	}
	return Row{StartTime: startTime, Quotes: quotes}, true
}

// publishRows 以严格递增的 start_time 发布提交批次。
func (a *Aggregator) publishRows(rows []Row) {
	if len(rows) == 0 {
		return
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].StartTime < rows[j].StartTime })
	kept := rows[:0]
	for _, r := range rows {
		if r.StartTime <= a.lastCommitted {
			// 回补与实时路径的边界重叠：同桶重复行交给下游按
			// start_time 合并，严格更旧的行直接跳过。
			if r.StartTime < a.lastCommitted {
				continue
			}
		}
		kept = append(kept, r)
		a.lastCommitted = r.StartTime
		last := r
		a.lastRow = &last
	}
	if len(kept) == 0 {
		return
	}
	a.out.Publish(Batch{Rows: kept})
}

// backfillIfNeeded 在定时器触发时检查未消化的错误时间戳并执行 REST 回补。
func (a *Aggregator) backfillIfNeeded(ctx context.Context) {
	from := a.lastSocketError.Load()
	if from == 0 {
		return
	}
	to := a.nowFn().UnixMilli()
	logger.Infof("[回补] 开始回补 [%d, %d)", from, to)

	buckets := make(map[int64][]Tick)
	for _, sym := range a.schema.Symbols {
		ticks, err := a.feed.FetchRange(ctx, sym, from, to)
		if err != nil {
			// 回补失败保留错误时间戳，下一轮定时器重试。
			logger.Warnf("[回补] 拉取 %s 失败，留待下轮: %v", sym, err)
			return
		}
		for _, t := range ticks {
			m := t.Minute()
			buckets[m] = append(buckets[m], t)
		}
	}

	starts := make([]int64, 0, len(buckets))
	for m := range buckets {
		starts = append(starts, m)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	rows := make([]Row, 0, len(starts))
	for _, m := range starts {
		if row, ok := a.buildRow(m, buckets[m]); ok {
			rows = append(rows, row)
			last := row
			a.lastRow = &last
		}
	}
	a.publishRows(rows)
	a.lastSocketError.Store(0)
	logger.Infof("[回补] 完成，重建 %d 行", len(rows))
}

// untilNextBoundary 计算到下一个分钟边界的等待时长（定时器锚定桶边界）。
func (a *Aggregator) untilNextBoundary() time.Duration {
	now := a.nowFn().UTC()
	next := now.Truncate(KlineDuration).Add(KlineDuration)
	d := next.Sub(now)
	if d <= 0 {
		d = KlineDuration
	}
	return d
}

func (a *Aggregator) indexOf(symbol string) (int, bool) {
	for i, s := range a.schema.Symbols {
		if s == symbol {
			return i, true
		}
	}
	return 0, false
}
