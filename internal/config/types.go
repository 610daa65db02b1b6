package config

// Config 是 Marlin 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Feed       FeedConfig       `toml:"feed"`
	Market     MarketConfig     `toml:"market"`
	Trading    TradingConfig    `toml:"trading"`
	Instrument InstrumentConfig `toml:"instrument"`
	Storage    StorageConfig    `toml:"storage"`
	Export     ExportConfig     `toml:"export"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
}

// FeedConfig 控制行情源连接。
type FeedConfig struct {
	RESTBaseURL          string `toml:"rest_base_url"`
	ProxyEnabled         bool   `toml:"proxy_enabled"`
	RESTProxyURL         string `toml:"rest_proxy_url"`
	WSProxyURL           string `toml:"ws_proxy_url"`
	RetrySeconds         int    `toml:"retry_seconds"`
	MaxConnLifetimeHours int    `toml:"max_conn_lifetime_hours"`
	RESTMinIntervalMS    int    `toml:"rest_min_interval_ms"`
	Buffer               int    `toml:"buffer"`
}

// MarketConfig 声明订阅面与报告锚点。
type MarketConfig struct {
	// Symbols 是聚合 schema 的全集；AnchorSymbol/TradedSymbol 进 CSV 文件名。
	Symbols      []string `toml:"symbols"`
	AnchorSymbol string   `toml:"anchor_symbol"`
	TradedSymbol string   `toml:"traded_symbol"`
}

// TradingConfig 控制模拟账本的资金参数。
type TradingConfig struct {
	InitialBalance  float64 `toml:"initial_balance"`
	Leverage        int64   `toml:"leverage"`
	RiskFreeReturns float64 `toml:"risk_free_returns"`
	// BenchmarkSpendRatio 是基准买入持有轨迹一次性投入的资金比例。
	BenchmarkSpendRatio float64 `toml:"benchmark_spend_ratio"`
}

// InstrumentConfig 是成交 symbol 的合约规格。
type InstrumentConfig struct {
	UnitStep     string `toml:"unit_step"`
	MinUnits     string `toml:"min_units"`
	MaxUnits     string `toml:"max_units"`
	TakerFeeRate string `toml:"taker_fee_rate"`
	MakerFeeRate string `toml:"maker_fee_rate"`
	MaxLeverage  int64  `toml:"max_leverage"`
}

type StorageConfig struct {
	KlineDBPath   string `toml:"kline_db_path"`
	JournalDBPath string `toml:"journal_db_path"`
	CacheMaxReads int    `toml:"cache_max_reads"`
}

type ExportConfig struct {
	Dir string `toml:"dir"`
}
