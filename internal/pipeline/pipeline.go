// Package pipeline 把各阶段装配成完整管线：
//
//	feed → 聚合器 → broadcast[Batch] ┬→ 落盘任务（sqlite + 共享缓存）
//	                                 └→ 账本拼接任务 → broadcast[Update] → 绩效引擎
//
// 每个阶段是独立任务、内部单线程事件循环；跨阶段只通过广播通道通信，
// 不共享可变状态。任一任务 panic 或出错时整条管线收敛退出。
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"marlin/internal/analytics"
	"marlin/internal/broadcast"
	"marlin/internal/config"
	"marlin/internal/gateway/binance"
	"marlin/internal/ledger"
	"marlin/internal/logger"
	"marlin/internal/market"
	"marlin/internal/scheduler"
	"marlin/internal/store"
	"marlin/internal/store/journal"
)

// Pipeline 持有全部阶段与它们之间的通道。
type Pipeline struct {
	cfg *config.Config

	feed    market.Feed
	agg     *market.Aggregator
	batches *broadcast.Channel[market.Batch]
	updates *broadcast.Channel[analytics.Update]

	klines  *store.KlineStore
	cache   *store.RowCache
	logbook *journal.Journal

	book   *ledger.Ledger // 交易账本，由外部策略经公开操作驱动
	bench  *ledger.Ledger // 基准账本：首根 K 线一次性买入持有
	engine *analytics.Engine

	benchOpened bool
}

// New 按配置装配管线（不启动）。feed 可传 nil，此时按配置构建交易所源；
// 测试注入假源走同一路径。
func New(cfg *config.Config, feed market.Feed) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("pipeline: 配置不能为 nil")
	}
	logger.SetLevel(cfg.App.LogLevel)

	if feed == nil {
		src, err := binance.New(cfg.ToFeedConfig())
		if err != nil {
			return nil, err
		}
		feed = src
	}

	schema, err := market.NewSchema(cfg.Market.Symbols)
	if err != nil {
		return nil, err
	}
	batches := broadcast.New(market.Batch{})
	agg := market.NewAggregator(feed, schema, batches)

	klines, err := store.OpenKlineStore(cfg.Storage.KlineDBPath)
	if err != nil {
		return nil, err
	}
	logbook, err := journal.Open(cfg.Storage.JournalDBPath)
	if err != nil {
		return nil, err
	}

	inst, err := cfg.ToInstrument()
	if err != nil {
		return nil, err
	}
	balance := decimal.NewFromFloat(cfg.Trading.InitialBalance)
	book, err := ledger.New(inst, cfg.Trading.Leverage, balance)
	if err != nil {
		return nil, err
	}
	// 基准轨迹不加杠杆。
	bench, err := ledger.New(inst, 1, balance)
	if err != nil {
		return nil, err
	}

	exporter, err := analytics.NewExporter(cfg.Export.Dir,
		cfg.Market.AnchorSymbol, cfg.Market.TradedSymbol)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:     cfg,
		feed:    feed,
		agg:     agg,
		batches: batches,
		updates: broadcast.New(analytics.Update{}),
		klines:  klines,
		cache:   store.NewRowCache(cfg.Storage.CacheMaxReads),
		logbook: logbook,
		book:    book,
		bench:   bench,
		engine:  analytics.NewEngine(cfg.Trading.RiskFreeReturns, exporter),
	}, nil
}

// Ledger 暴露交易账本供策略层下单。
func (p *Pipeline) Ledger() *ledger.Ledger { return p.book }

// Journal 暴露订单流水库。
func (p *Pipeline) Journal() *journal.Journal { return p.logbook }

// Stats 返回绩效引擎的最新统计。
func (p *Pipeline) Stats() analytics.Statistics { return p.engine.Stats() }

// Cache 暴露共享行缓存（优化器协作方只读取，不参与管线内部锁序）。
func (p *Pipeline) Cache() *store.RowCache { return p.cache }

// Run 启动全部任务，阻塞到管线收敛。
func (p *Pipeline) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	// 聚合器退出（feed 关闭或取消）后周期任务随之停止，
	// 否则 feed 正常收口时 Wait 会挂在定时器上。
	tickerCtx, stopTicker := context.WithCancel(ctx)

	group.Go(func() error {
		defer stopTicker()
		return p.guard("聚合器", func() error { return p.agg.Run(ctx) })
	})
	group.Go(func() error {
		return p.guard("落盘", func() error { return p.runStoreConsumer(ctx) })
	})
	group.Go(func() error {
		return p.guard("账本拼接", func() error { return p.runJoiner(ctx) })
	})
	group.Go(func() error {
		return p.guard("绩效", func() error {
			return p.engine.Run(ctx, p.updates.Subscribe())
		})
	})
	group.Go(func() error {
		p.runIntegrityTicker(tickerCtx)
		return nil
	})

	err := group.Wait()
	p.feed.Close()
	p.klines.Close()
	if err != nil && ctx.Err() == nil {
		logger.Errorf("[pipeline] 异常退出: %v", err)
	}
	return err
}

// guard 把任务 panic 折成错误，让 errgroup 取消其余任务而不是整进程崩掉。
func (p *Pipeline) guard(name string, task func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: %s 任务 panic: %v", name, r)
		}
	}()
	return task()
}

// runStoreConsumer 把提交批次落盘并刷新共享缓存。
func (p *Pipeline) runStoreConsumer(ctx context.Context) error {
	sub := p.batches.Subscribe()
	defer sub.Cancel()
	for {
		batch, ok := sub.Next(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		if len(batch.Rows) == 0 {
			continue
		}
		if err := p.klines.PutBatch(ctx, batch); err != nil {
			return err
		}
		p.cache.Put(p.cfg.Market.TradedSymbol+"@recent", batch.Rows)
	}
}

// runJoiner 把每根提交 K 线与两本账本的市值计提拼成分析行并发布。
func (p *Pipeline) runJoiner(ctx context.Context) error {
	sub := p.batches.Subscribe()
	defer sub.Cancel()
	defer p.updates.Close()

	for {
		batch, ok := sub.Next(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Infof("[pipeline] 聚合器已关闭，拼接任务退出")
			return nil
		}
		if len(batch.Rows) == 0 {
			continue
		}
		var update analytics.Update
		for _, row := range batch.Rows {
			quote, ok := row.Quote(p.cfg.Market.TradedSymbol)
			if !ok {
				continue
			}
			if !p.benchOpened {
				if err := p.openBenchmark(ctx, quote.Open); err != nil {
					logger.Warnf("[pipeline] 基准建仓失败: %v", err)
				}
				p.benchOpened = true
			}
			tr := p.book.MarkToMarket(row.StartTime, quote.Close)
			br := p.bench.MarkToMarket(row.StartTime, quote.Close)
			update.Trading = append(update.Trading, toAnalyticsRow(tr, quote.Close))
			update.Benchmark = append(update.Benchmark, toAnalyticsRow(br, quote.Close))
		}
		if len(update.Trading) > 0 {
			p.updates.Publish(update)
		}
	}
}

// openBenchmark 在首根 K 线按配置比例一次性买入，之后一直持有。
func (p *Pipeline) openBenchmark(ctx context.Context, price float64) error {
	if price <= 0 {
		return fmt.Errorf("pipeline: 基准建仓价非法: %v", price)
	}
	spend := p.bench.Balance().Mul(decimal.NewFromFloat(p.cfg.Trading.BenchmarkSpendRatio))
	order, err := p.bench.NewOpenOrder(ledger.SideBuy, spend, decimal.NewFromFloat(price))
	if err != nil {
		return err
	}
	inst, _ := p.cfg.ToInstrument()
	fee, _ := decimal.NewFromFloat(order.Units * price).Mul(inst.TakerFeeRate).Float64()
	if _, err := p.bench.Update(order, []ledger.Execution{{
		ID:    "benchmark-open",
		Qty:   order.Units,
		Price: price,
		Fee:   fee,
		Time:  time.Now().UnixMilli(),
	}}, ledger.StatusFilled); err != nil {
		return err
	}
	if err := p.logbook.Record(ctx, order); err != nil {
		logger.Warnf("[pipeline] 基准订单落流水失败: %v", err)
	}
	logger.Infof("[pipeline] 基准买入持有建仓 units=%v price=%v", order.Units, price)
	return nil
}

// runIntegrityTicker 每分钟边界后核对落盘序列的完整性，缺口只告警：
// 真正的补洞由聚合器的回补路径负责。
func (p *Pipeline) runIntegrityTicker(ctx context.Context) {
	started := time.Now().UTC().Truncate(market.KlineDuration).UnixMilli()
	s := scheduler.NewAligned(ctx, "完整性核对", market.KlineDuration, 5*time.Second)
	s.Start(func() {
		end := time.Now().UTC().Truncate(market.KlineDuration).UnixMilli()
		if end <= started {
			return
		}
		report, err := p.klines.CheckIntegrity(ctx, p.cfg.Market.TradedSymbol, started, end)
		if err != nil {
			logger.Warnf("[pipeline] 完整性核对失败: %v", err)
			return
		}
		if report.Complete() {
			logger.Debugf("[pipeline] 序列完整 %d/%d", report.Present, report.Expected)
		} else {
			logger.Warnf("[pipeline] 序列存在缺口 %d/%d gaps=%d，等待回补",
				report.Present, report.Expected, len(report.Gaps))
		}
	})
}

func toAnalyticsRow(r ledger.PositionRow, price float64) analytics.Row {
	return analytics.Row{
		StartTime: r.StartTime,
		Price:     price,
		Position:  r.Position,
		Returns:   r.Returns,
		Balance:   r.Equity,
		TradeFees: r.TradeFees,
		Units:     r.Units,
		PnL:       r.PnL,
		Action:    r.Action,
	}
}
