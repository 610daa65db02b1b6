// Package config 负责加载与校验运行配置（yaml，经 viper 合并默认值）。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"marlin/internal/gateway/binance"
	"marlin/internal/ledger"
)

// Load 读取配置文件，套默认值并校验。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config: 配置路径不能为空")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: 读取配置失败 (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("config: 解析配置失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Feed.RetrySeconds <= 0 {
		c.Feed.RetrySeconds = 1
	}
	if c.Feed.MaxConnLifetimeHours <= 0 {
		c.Feed.MaxConnLifetimeHours = 23
	}
	if c.Feed.RESTMinIntervalMS <= 0 {
		c.Feed.RESTMinIntervalMS = 250
	}
	if c.Feed.Buffer <= 0 {
		c.Feed.Buffer = 1024
	}
	if c.Trading.Leverage <= 0 {
		c.Trading.Leverage = 1
	}
	if c.Trading.BenchmarkSpendRatio <= 0 {
		c.Trading.BenchmarkSpendRatio = 0.95
	}
	if c.Instrument.MaxLeverage <= 0 {
		c.Instrument.MaxLeverage = 125
	}
	if c.Storage.KlineDBPath == "" {
		c.Storage.KlineDBPath = "data/klines.db"
	}
	if c.Storage.JournalDBPath == "" {
		c.Storage.JournalDBPath = "data/journal.db"
	}
	if c.Export.Dir == "" {
		c.Export.Dir = "reports"
	}
}

func (c *Config) validate() error {
	if len(c.Market.Symbols) == 0 {
		return fmt.Errorf("config: market.symbols 不能为空")
	}
	if c.Market.TradedSymbol == "" {
		return fmt.Errorf("config: market.traded_symbol 不能为空")
	}
	if c.Market.AnchorSymbol == "" {
		c.Market.AnchorSymbol = c.Market.Symbols[0]
	}
	found := false
	for _, s := range c.Market.Symbols {
		if s == c.Market.TradedSymbol {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("config: traded_symbol %s 不在 market.symbols 中", c.Market.TradedSymbol)
	}
	if c.Trading.InitialBalance <= 0 {
		return fmt.Errorf("config: trading.initial_balance 需 > 0")
	}
	if c.Trading.BenchmarkSpendRatio > 1 {
		return fmt.Errorf("config: trading.benchmark_spend_ratio 需 <= 1")
	}
	if _, err := c.ToInstrument(); err != nil {
		return err
	}
	return nil
}

// Dump 返回生效配置的 yaml 形式，启动日志用。
func (c *Config) Dump() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return ""
	}
	return string(b)
}

// ToInstrument 把合约规格折成账本类型。
func (c *Config) ToInstrument() (ledger.Instrument, error) {
	parse := func(field, raw, fallback string) (decimal.Decimal, error) {
		if strings.TrimSpace(raw) == "" {
			raw = fallback
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("config: instrument.%s 非法: %w", field, err)
		}
		return v, nil
	}
	step, err := parse("unit_step", c.Instrument.UnitStep, "0.001")
	if err != nil {
		return ledger.Instrument{}, err
	}
	minU, err := parse("min_units", c.Instrument.MinUnits, "0")
	if err != nil {
		return ledger.Instrument{}, err
	}
	maxU, err := parse("max_units", c.Instrument.MaxUnits, "0")
	if err != nil {
		return ledger.Instrument{}, err
	}
	taker, err := parse("taker_fee_rate", c.Instrument.TakerFeeRate, "0.0005")
	if err != nil {
		return ledger.Instrument{}, err
	}
	maker, err := parse("maker_fee_rate", c.Instrument.MakerFeeRate, "0.0002")
	if err != nil {
		return ledger.Instrument{}, err
	}
	inst := ledger.Instrument{
		Symbol:       c.Market.TradedSymbol,
		UnitStep:     step,
		MinUnits:     minU,
		MaxUnits:     maxU,
		TakerFeeRate: taker,
		MakerFeeRate: maker,
		MaxLeverage:  c.Instrument.MaxLeverage,
	}
	if err := inst.Validate(); err != nil {
		return ledger.Instrument{}, err
	}
	return inst, nil
}

// ToFeedConfig 把行情源配置折成 gateway 类型。
func (c *Config) ToFeedConfig() binance.Config {
	return binance.Config{
		RESTBaseURL:     c.Feed.RESTBaseURL,
		ProxyEnabled:    c.Feed.ProxyEnabled,
		RESTProxyURL:    c.Feed.RESTProxyURL,
		WSProxyURL:      c.Feed.WSProxyURL,
		RetryInterval:   time.Duration(c.Feed.RetrySeconds) * time.Second,
		MaxConnLifetime: time.Duration(c.Feed.MaxConnLifetimeHours) * time.Hour,
		RESTMinInterval: time.Duration(c.Feed.RESTMinIntervalMS) * time.Millisecond,
	}
}
