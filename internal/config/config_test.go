package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const validConfig = `
app:
  log_level: debug
market:
  symbols: [BTCUSDT, ETHUSDT]
  anchor_symbol: BTCUSDT
  traded_symbol: ETHUSDT
trading:
  initial_balance: 10000
  leverage: 5
instrument:
  unit_step: "0.01"
  taker_fee_rate: "0.0005"
  max_leverage: 50
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Market.Symbols)
	assert.Equal(t, int64(5), cfg.Trading.Leverage)

	// 未写的字段吃默认值。
	assert.Equal(t, 1, cfg.Feed.RetrySeconds)
	assert.Equal(t, 23, cfg.Feed.MaxConnLifetimeHours)
	assert.Equal(t, "reports", cfg.Export.Dir)
	assert.Equal(t, 0.95, cfg.Trading.BenchmarkSpendRatio)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"缺 symbols", `
market:
  traded_symbol: BTCUSDT
trading:
  initial_balance: 1000
`},
		{"traded 不在 symbols 中", `
market:
  symbols: [BTCUSDT]
  traded_symbol: ETHUSDT
trading:
  initial_balance: 1000
`},
		{"初始资金为零", `
market:
  symbols: [BTCUSDT]
  traded_symbol: BTCUSDT
`},
		{"合约步进非法", `
market:
  symbols: [BTCUSDT]
  traded_symbol: BTCUSDT
trading:
  initial_balance: 1000
instrument:
  unit_step: "abc"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
	_, err = Load("")
	assert.Error(t, err)
}

func TestConfig_ToInstrument(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	inst, err := cfg.ToInstrument()
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", inst.Symbol)
	assert.Equal(t, "0.01", inst.UnitStep.String())
	assert.Equal(t, "0.0005", inst.TakerFeeRate.String())
	assert.Equal(t, int64(50), inst.MaxLeverage)
}

func TestConfig_ToFeedConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	fc := cfg.ToFeedConfig()
	assert.Equal(t, time.Second, fc.RetryInterval)
	assert.Equal(t, 23*time.Hour, fc.MaxConnLifetime)
	assert.Equal(t, 250*time.Millisecond, fc.RESTMinInterval)
}

func TestConfig_Dump(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	dump := cfg.Dump()
	assert.Contains(t, dump, "BTCUSDT")
	assert.Contains(t, dump, "initialbalance: 10000")
}

func TestLoad_AnchorDefaultsToFirstSymbol(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
market:
  symbols: [BTCUSDT, ETHUSDT]
  traded_symbol: ETHUSDT
trading:
  initial_balance: 1000
`))
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", cfg.Market.AnchorSymbol)
}
