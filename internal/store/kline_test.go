package store

import (
	"context"
	"path/filepath"
	"testing"

	"marlin/internal/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *KlineStore {
	t.Helper()
	s, err := OpenKlineStore(filepath.Join(t.TempDir(), "klines.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func row(ts int64, symbol string, close float64) market.Row {
	return market.Row{
		StartTime: ts,
		Quotes: map[string]market.OHLC{
			symbol: {Open: close, High: close, Low: close, Close: close},
		},
	}
}

func TestKlineStore_PutAndRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m0 := int64(1_700_000_040_000)

	err := s.PutBatch(ctx, market.Batch{Rows: []market.Row{
		row(m0, "BTCUSDT", 100),
		row(m0+60_000, "BTCUSDT", 101),
	}})
	require.NoError(t, err)

	rows, err := s.RangeRows(ctx, m0, m0+120_000)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, m0, rows[0].StartTime)
	assert.Equal(t, 100.0, rows[0].Quotes["BTCUSDT"].Close)
	assert.Equal(t, 101.0, rows[1].Quotes["BTCUSDT"].Close)

	// 半开区间：end 不含。
	rows, err = s.RangeRows(ctx, m0, m0+60_000)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestKlineStore_UpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m0 := int64(1_700_000_040_000)

	require.NoError(t, s.PutBatch(ctx, market.Batch{Rows: []market.Row{row(m0, "BTCUSDT", 100)}}))
	// 回补重发同一分钟：后写覆盖，不产生重复行。
	require.NoError(t, s.PutBatch(ctx, market.Batch{Rows: []market.Row{row(m0, "BTCUSDT", 105)}}))

	rows, err := s.RangeRows(ctx, m0, m0+60_000)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 105.0, rows[0].Quotes["BTCUSDT"].Close)
}

func TestKlineStore_CheckIntegrity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m0 := int64(1_700_000_040_000)

	require.NoError(t, s.PutBatch(ctx, market.Batch{Rows: []market.Row{
		row(m0, "BTCUSDT", 100),
		// m0+60_000 缺失
		row(m0+120_000, "BTCUSDT", 102),
	}}))

	report, err := s.CheckIntegrity(ctx, "BTCUSDT", m0, m0+180_000)
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.Expected)
	assert.Equal(t, int64(2), report.Present)
	assert.Equal(t, []int64{m0 + 60_000}, report.Gaps)
	assert.False(t, report.Complete())

	_, err = s.CheckIntegrity(ctx, "BTCUSDT", m0+1, m0+180_000)
	assert.Error(t, err, "未对齐的 start 应报错")
}

func TestRowCache_MaxReadsEviction(t *testing.T) {
	c := NewRowCache(2)
	c.Put("BTCUSDT@recent", []market.Row{row(0, "BTCUSDT", 100)})
	require.Equal(t, 1, c.Len())

	got, ok := c.Get("BTCUSDT@recent")
	require.True(t, ok)
	require.Len(t, got, 1)

	// 第二次读取达到上限：返回结果后条目被淘汰。
	_, ok = c.Get("BTCUSDT@recent")
	require.True(t, ok)
	_, ok = c.Get("BTCUSDT@recent")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestRowCache_PutResetsReads(t *testing.T) {
	c := NewRowCache(2)
	c.Put("k", []market.Row{row(0, "BTCUSDT", 100)})
	_, _ = c.Get("k")
	c.Put("k", []market.Row{row(0, "BTCUSDT", 101)})

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 101.0, got[0].Quotes["BTCUSDT"].Close)
	_, ok = c.Get("k")
	assert.True(t, ok, "重写后读取计数应从零开始")
}

func TestRowCache_CopyIsolation(t *testing.T) {
	c := NewRowCache(0)
	src := []market.Row{row(0, "BTCUSDT", 100)}
	c.Put("k", src)
	src[0].StartTime = 999

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, int64(0), got[0].StartTime, "缓存内容不应随调用方切片改动")
}
