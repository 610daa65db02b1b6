// Package binance 基于 go-binance SDK 实现 market.Feed：
// ws 归集成交流 + REST K 线回补。
package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"marlin/internal/logger"
	"marlin/internal/market"
)

const maxKlinesPerRequest = 1500

// Source 实现 market.Feed。
type Source struct {
	cfg     Config
	client  *futures.Client
	http    *http.Client
	limiter *rate.Limiter

	mu          sync.Mutex
	tradeCancel context.CancelFunc

	statsMu sync.Mutex
	stats   market.SourceStats
}

// New 构造行情源。
func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)

	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("binance: REST 代理地址非法: %w", err)
		}
		base, ok := http.DefaultTransport.(*http.Transport)
		if !ok || base == nil {
			return nil, fmt.Errorf("binance: http DefaultTransport 不是 *http.Transport")
		}
		transport := base.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	if final.ProxyEnabled {
		wsProxy := final.WSProxyURL
		if wsProxy == "" {
			wsProxy = final.RESTProxyURL
		}
		if wsProxy != "" {
			futures.SetWsProxyUrl(wsProxy)
		}
	}
	return &Source{
		cfg:     final,
		client:  client,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Every(final.RESTMinInterval), 1),
	}, nil
}

// Subscribe 订阅归集成交流，转换为 tick 推给聚合器。
func (s *Source) Subscribe(ctx context.Context, symbols []string, opts market.SubscribeOptions) (<-chan market.Tick, error) {
	clean := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if v := strings.ToUpper(strings.TrimSpace(sym)); v != "" {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("binance: 订阅 symbol 不能为空")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	out := make(chan market.Tick, buffer)
	subCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.tradeCancel != nil {
		s.tradeCancel()
	}
	s.tradeCancel = cancel
	s.mu.Unlock()

	go func() {
		defer close(out)
		s.runTradeLoop(subCtx, clean, out, opts)
	}()
	return out, nil
}

// runTradeLoop 维持 ws 连接：固定间隔重试，连接寿命到上限时
// 主动重建而不是等交易所踢线。
func (s *Source) runTradeLoop(ctx context.Context, symbols []string, out chan<- market.Tick, opts market.SubscribeOptions) {
	for {
		if ctx.Err() != nil {
			return
		}
		var errMu sync.Mutex
		var lastErr error
		handler := func(event *futures.WsAggTradeEvent) {
			tick, ok := convertAggTrade(event)
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
			case out <- tick:
			default:
				logger.Warnf("[binance] tick 通道已满，丢弃 %s", tick.Symbol)
			}
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}

		doneC, stopC, err := futures.WsCombinedAggTradeServe(symbols, handler, errHandler)
		if err != nil {
			s.recordSubscribeError(err)
			if opts.OnDisconnect != nil {
				opts.OnDisconnect(err)
			}
			if !sleepWithContext(ctx, s.cfg.RetryInterval) {
				return
			}
			continue
		}
		if opts.OnConnect != nil {
			opts.OnConnect()
		}

		lifetime := time.NewTimer(s.cfg.MaxConnLifetime)
		proactive := false
		select {
		case <-ctx.Done():
			lifetime.Stop()
			close(stopC)
			<-doneC
			return
		case <-lifetime.C:
			proactive = true
			logger.Infof("[binance] 连接寿命达上限 %s，主动重建", s.cfg.MaxConnLifetime)
			close(stopC)
			<-doneC
		case <-doneC:
			lifetime.Stop()
			close(stopC)
		}

		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()
		s.recordReconnect(errCopy)
		// 主动重建不算故障，不触发回补路径。
		if !proactive && opts.OnDisconnect != nil {
			opts.OnDisconnect(errCopy)
		}
		if !sleepWithContext(ctx, s.cfg.RetryInterval) {
			return
		}
	}
}

// FetchRange 用 REST 拉取 [start, end) 的 1 分钟 K 线，折算为逐桶 tick
// 供聚合器按同一 OHLC 规则重建行。分页直到覆盖整个范围。
func (s *Source) FetchRange(ctx context.Context, symbol string, start, end int64) ([]market.Tick, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("binance: symbol 不能为空")
	}
	if end <= start {
		return nil, nil
	}

	var out []market.Tick
	cursor := start
	for cursor < end {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		page, err := s.fetchKlinesPage(ctx, symbol, cursor, end)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		last := page[len(page)-1].Time
		next := last + market.KlineDuration.Milliseconds()
		if next <= cursor {
			break
		}
		cursor = next
	}
	logger.Infof("[binance] 回补 %s [%d,%d) 共 %d 根", symbol, start, end, len(out))
	return out, nil
}

// fetchKlinesPage 拉一页 K 线。返回体是数组的数组，用 gjson 按下标取值。
func (s *Source) fetchKlinesPage(ctx context.Context, symbol string, start, end int64) ([]market.Tick, error) {
	endpoint := fmt.Sprintf(
		"%s/fapi/v1/klines?symbol=%s&interval=1m&startTime=%d&endTime=%d&limit=%d",
		s.client.BaseURL, symbol, start, end-1, maxKlinesPerRequest)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		s.recordSubscribeError(err)
		return nil, fmt.Errorf("binance: K 线请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance: K 线请求返回 %d: %s", resp.StatusCode, string(body))
	}

	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, fmt.Errorf("binance: K 线返回体不是数组: %s", parsed.Type)
	}
	var out []market.Tick
	for _, kl := range parsed.Array() {
		arr := kl.Array()
		if len(arr) < 5 {
			continue
		}
		tick := market.Tick{
			Symbol: symbol,
			Time:   arr[0].Int(),
			Open:   arr[1].Float(),
			High:   arr[2].Float(),
			Low:    arr[3].Float(),
			Close:  arr[4].Float(),
		}
		if tick.Time < start || tick.Time >= end {
			continue
		}
		out = append(out, tick)
	}
	return out, nil
}

// Stats 返回连接统计快照。
func (s *Source) Stats() market.SourceStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Close 终止全部订阅。
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tradeCancel != nil {
		s.tradeCancel()
		s.tradeCancel = nil
	}
	return nil
}

func convertAggTrade(ev *futures.WsAggTradeEvent) (market.Tick, bool) {
	if ev == nil {
		return market.Tick{}, false
	}
	price := parseFloat(ev.Price)
	if price <= 0 {
		return market.Tick{}, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(ev.Symbol))
	if symbol == "" {
		return market.Tick{}, false
	}
	ts := ev.TradeTime
	if ts == 0 {
		ts = ev.Time
	}
	// 单笔成交是一个点：四价同值，聚合规则自会取极值。
	return market.Tick{
		Symbol: symbol,
		Time:   ts,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
	}, true
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Source) recordSubscribeError(err error) {
	if err == nil {
		return
	}
	s.statsMu.Lock()
	s.stats.SubscribeErrors++
	s.stats.LastError = err.Error()
	s.statsMu.Unlock()
}

func (s *Source) recordReconnect(err error) {
	s.statsMu.Lock()
	s.stats.Reconnects++
	if err != nil && err.Error() != "" {
		s.stats.LastError = err.Error()
	}
	s.statsMu.Unlock()
}
