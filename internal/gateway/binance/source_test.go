package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Defaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, "https://fapi.binance.com", c.RESTBaseURL)
	assert.Equal(t, time.Second, c.RetryInterval)
	assert.Equal(t, 23*time.Hour, c.MaxConnLifetime)
	assert.Equal(t, 10*time.Second, c.HTTPTimeout)
}

func TestConvertAggTrade(t *testing.T) {
	t.Run("正常转换", func(t *testing.T) {
		tick, ok := convertAggTrade(&futures.WsAggTradeEvent{
			Symbol:    "btcusdt",
			Price:     "31337.5",
			Quantity:  "0.25",
			TradeTime: 1_700_000_041_500,
		})
		require.True(t, ok)
		assert.Equal(t, "BTCUSDT", tick.Symbol)
		assert.Equal(t, int64(1_700_000_041_500), tick.Time)
		// 单笔成交四价同值。
		assert.Equal(t, 31337.5, tick.Open)
		assert.Equal(t, 31337.5, tick.High)
		assert.Equal(t, 31337.5, tick.Low)
		assert.Equal(t, 31337.5, tick.Close)
	})

	t.Run("TradeTime 缺失时回退 EventTime", func(t *testing.T) {
		tick, ok := convertAggTrade(&futures.WsAggTradeEvent{
			Symbol: "BTCUSDT", Price: "100", Time: 42,
		})
		require.True(t, ok)
		assert.Equal(t, int64(42), tick.Time)
	})

	t.Run("非法事件丢弃", func(t *testing.T) {
		_, ok := convertAggTrade(nil)
		assert.False(t, ok)
		_, ok = convertAggTrade(&futures.WsAggTradeEvent{Symbol: "BTCUSDT", Price: "0"})
		assert.False(t, ok)
		_, ok = convertAggTrade(&futures.WsAggTradeEvent{Symbol: "", Price: "100"})
		assert.False(t, ok)
	})
}

func newTestSource(t *testing.T, baseURL string) *Source {
	t.Helper()
	s, err := New(Config{
		RESTBaseURL:     baseURL,
		RESTMinInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func TestFetchRange_ParsesKlineArrays(t *testing.T) {
	m0 := int64(1_700_000_040_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		fmt.Fprintf(w, `[
			[%d,"100.0","101.5","99.0","100.5","12.3",%d,"0",10,"0","0","0"],
			[%d,"100.5","102.0","100.0","101.0","8.8",%d,"0",7,"0","0","0"]
		]`, m0, m0+59_999, m0+60_000, m0+119_999)
	}))
	defer srv.Close()

	s := newTestSource(t, srv.URL)
	ticks, err := s.FetchRange(context.Background(), "BTCUSDT", m0, m0+120_000)
	require.NoError(t, err)
	require.Len(t, ticks, 2)

	assert.Equal(t, m0, ticks[0].Time)
	assert.Equal(t, 100.0, ticks[0].Open)
	assert.Equal(t, 101.5, ticks[0].High)
	assert.Equal(t, 99.0, ticks[0].Low)
	assert.Equal(t, 100.5, ticks[0].Close)
	assert.Equal(t, m0+60_000, ticks[1].Time)
}

func TestFetchRange_DropsOutOfRangeRows(t *testing.T) {
	m0 := int64(1_700_000_040_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 服务端多给了范围外的一根。
		fmt.Fprintf(w, `[
			[%d,"99.0","99.0","99.0","99.0","1",%d,"0",1,"0","0","0"],
			[%d,"100.0","100.0","100.0","100.0","1",%d,"0",1,"0","0","0"]
		]`, m0-60_000, m0-1, m0, m0+59_999)
	}))
	defer srv.Close()

	s := newTestSource(t, srv.URL)
	ticks, err := s.FetchRange(context.Background(), "BTCUSDT", m0, m0+60_000)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, m0, ticks[0].Time)
}

func TestFetchRange_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	s := newTestSource(t, srv.URL)
	_, err := s.FetchRange(context.Background(), "NOPEUSDT", 0, 60_000)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "-1121")
}

func TestFetchRange_EmptyRange(t *testing.T) {
	s := newTestSource(t, "http://127.0.0.1:0")
	ticks, err := s.FetchRange(context.Background(), "BTCUSDT", 100, 100)
	require.NoError(t, err)
	assert.Nil(t, ticks)
}
