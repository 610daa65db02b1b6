package binance

import "time"

// Config 是行情源的连接配置。
type Config struct {
	RESTBaseURL  string
	HTTPTimeout  time.Duration
	ProxyEnabled bool
	RESTProxyURL string
	WSProxyURL   string

	// RetryInterval 是断线重连的固定间隔。重连不做指数退避：
	// 行情流的每一秒缺口都要靠回补弥补，快速重试比保守退避便宜。
	RetryInterval time.Duration

	// MaxConnLifetime 是单条 ws 连接的寿命上限。交易所会强制断开
	// 长连接，到点前主动重建比等终端错误可控。
	MaxConnLifetime time.Duration

	// RESTMinInterval 是相邻 REST 回补请求之间的最小间隔。
	RESTMinInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.RESTBaseURL == "" {
		c.RESTBaseURL = "https://fapi.binance.com"
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 23 * time.Hour
	}
	if c.RESTMinInterval <= 0 {
		c.RESTMinInterval = 250 * time.Millisecond
	}
	return c
}
